// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a `Tensor`, a representation of a multidimensional array.
//
// Tensors are multidimensional arrays (from scalar with 0 dimensions, to arbitrarily large dimensions), defined
// by their shape and their actual content, stored as a flat row-major slice of float64.
//
// There are various ways to construct a Tensor:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//
//   - Zeros(dimensions ...int): same as FromShape(shapes.Make(dimensions...)).
//
//   - FromFlatDataAndDimensions(data []float64, dimensions ...int): creates a Tensor with the
//     given dimensions, using data as storage (it is not copied). Example:
//
//     t := FromFlatDataAndDimensions([]float64{1, 2, 3, 4}, 2, 2) // Tensor with [[1,2], [3,4]]
//
//   - FromValue(value any): converts a (regular) multidimensional Go slice of float64 or float32. Example:
//
//     t := FromValue([][]float64{{1,2}, {3, 5}, {7, 11}})
//
// Every tensor is placed on a Device (see ParseDevice): components that own parameters move their inputs
// with Tensor.OnDevice before any arithmetic.
package tensors

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/IwenLeeO/lavse/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Tensor represents a multidimensional array, stored as a flat (1D) row-major slice of float64.
//
// Tensors are value-like: the forward pass that creates one owns it. Views created with Slice or Item share
// the storage with the tensor they were created from.
type Tensor struct {
	shape  shapes.Shape
	flat   []float64
	device Device
}

// FromShape returns a tensor with the given shape, with all values set to zero, on the Host device.
func FromShape(shape shapes.Shape) *Tensor {
	return &Tensor{
		shape:  shape.Clone(),
		flat:   make([]float64, shape.Size()),
		device: Host,
	}
}

// Zeros returns a tensor with the given dimensions filled with zeros.
func Zeros(dimensions ...int) *Tensor {
	return FromShape(shapes.Make(dimensions...))
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, backed by the given flat data.
// The data is not copied.
//
// It panics if the size of data doesn't match the dimensions.
func FromFlatDataAndDimensions(data []float64, dimensions ...int) *Tensor {
	shape := shapes.Make(dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d", shape, len(data), shape.Size())
	}
	return &Tensor{shape: shape, flat: data, device: Host}
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// Rank of the tensor.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Dim returns the dimension of the given axis (negative axes count from the end).
func (t *Tensor) Dim(axis int) int { return t.shape.Dim(axis) }

// Size returns the number of elements of the tensor.
func (t *Tensor) Size() int { return len(t.flat) }

// Flat returns the underlying flat storage. Changes to it are reflected in the tensor.
func (t *Tensor) Flat() []float64 { return t.flat }

// At returns the value at the given indices.
func (t *Tensor) At(indices ...int) float64 {
	return t.flat[t.shape.FlatIndex(indices...)]
}

// Set sets the value at the given indices.
func (t *Tensor) Set(value float64, indices ...int) {
	t.flat[t.shape.FlatIndex(indices...)] = value
}

// Clone returns a deep copy of the tensor, on the same device.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		shape:  t.shape.Clone(),
		flat:   slices.Clone(t.flat),
		device: t.device,
	}
}

// itemSize returns the number of elements of one entry of axis 0.
func (t *Tensor) itemSize() int {
	if t.Rank() == 0 {
		exceptions.Panicf("Tensor(%s): scalar tensors have no axis 0", t.shape)
	}
	if t.shape.Dimensions[0] == 0 {
		return 0
	}
	return len(t.flat) / t.shape.Dimensions[0]
}

// Slice returns a view of entries [start, end) of axis 0. The view shares the storage with t.
func (t *Tensor) Slice(start, end int) *Tensor {
	itemSize := t.itemSize()
	if start < 0 || end > t.shape.Dimensions[0] || start > end {
		exceptions.Panicf("Tensor(%s).Slice(%d, %d) out-of-bounds", t.shape, start, end)
	}
	dims := slices.Clone(t.shape.Dimensions)
	dims[0] = end - start
	return &Tensor{
		shape:  shapes.Make(dims...),
		flat:   t.flat[start*itemSize : end*itemSize],
		device: t.device,
	}
}

// Item returns a view of entry i of axis 0, with rank reduced by one. The view shares the storage with t.
func (t *Tensor) Item(i int) *Tensor {
	itemSize := t.itemSize()
	if i < 0 || i >= t.shape.Dimensions[0] {
		exceptions.Panicf("Tensor(%s).Item(%d) out-of-bounds", t.shape, i)
	}
	return &Tensor{
		shape:  shapes.Make(t.shape.Dimensions[1:]...),
		flat:   t.flat[i*itemSize : (i+1)*itemSize],
		device: t.device,
	}
}

// Row returns the flat values of entry i of axis 0. It shares the storage with t.
func (t *Tensor) Row(i int) []float64 {
	itemSize := t.itemSize()
	return t.flat[i*itemSize : (i+1)*itemSize]
}

// Reshape returns a view of the tensor with new dimensions of the same total size.
func (t *Tensor) Reshape(dimensions ...int) *Tensor {
	shape := shapes.Make(dimensions...)
	if shape.Size() != t.shape.Size() {
		exceptions.Panicf("Tensor(%s).Reshape(%v): sizes don't match", t.shape, dimensions)
	}
	return &Tensor{shape: shape, flat: t.flat, device: t.device}
}

// ToInts converts a rank-1 tensor of integer values to a slice of ints. It is used for the caption lengths
// read from files: values that are not integers return an error.
func (t *Tensor) ToInts() ([]int, error) {
	if err := t.shape.CheckRank(1); err != nil {
		return nil, err
	}
	ints := make([]int, len(t.flat))
	for ii, v := range t.flat {
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return nil, errors.Errorf("value #%d of %s is not an integer: %g", ii, t.shape, v)
		}
		ints[ii] = int(v)
	}
	return ints, nil
}

// String pretty-prints the tensor: shape, device, and up to 16 first values.
func (t *Tensor) String() string {
	const maxValues = 16
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Tensor%s@%s: [", t.shape, t.device)
	for ii, v := range t.flat {
		if ii >= maxValues {
			sb.WriteString(" ...")
			break
		}
		if ii > 0 {
			sb.WriteString(" ")
		}
		_, _ = fmt.Fprintf(&sb, "%.4g", v)
	}
	sb.WriteString("]")
	return sb.String()
}
