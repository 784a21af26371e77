// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape and associated tools.
//
// Shape represents the dimensions of a host tensor (see package tensors). All tensors used by
// the similarity models are float64, so unlike a general-purpose framework the shape carries no
// dtype: only the dimensions.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a Tensor.
//   - Axis: is the index of a dimension on a multidimensional Tensor.
//   - Dimension: the size of a multi-dimensions Tensor in one of its axes.
//
// Example: an image batch of 3 images, each with 36 regions of 1024 features, has
// shape `[3 36 1024]`: rank 3, axis 0 has dimension 3 (the batch), axis 2 has dimension 1024
// (the embedding). It could be created with `shapes.Make(3, 36, 1024)`.
//
// ## Asserts
//
// Shape errors are only caught at runtime, so this package provides two variations of
// checks: `CheckDims`/`CheckRank` return an error wrapping ErrShapeMismatch, while
// `AssertDims`/`AssertRank` panic with the same error. The `-1` (UncheckedAxis) means the
// dimension is unchecked (it can be anything).
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
)

// Shape represents the shape of a Tensor.
//
// Use Make to create a new shape.
type Shape struct {
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
//
// Dimensions of size 0 are accepted (empty tensors), negative dimensions panic.
func Make(dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%v): cannot create a shape with an axis with dimension < 0", dimensions)
		}
	}
	return s
}

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Rank() == 0 }

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := s.AdjustAxis(axis)
	return s.Dimensions[adjustedAxis]
}

// AdjustAxis converts a negative axis to its positive counterpart. It panics for out-of-bound axes.
func (s Shape) AdjustAxis(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return adjustedAxis
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	return fmt.Sprintf("%v", s.Dimensions)
}

// Size returns the number of elements needed for this shape. It's the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the memory in bytes used to store the float64 values of a tensor of this shape.
func (s Shape) Memory() uintptr {
	return 8 * uintptr(s.Size())
}

// Equal compares two shapes for equality.
func (s Shape) Equal(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{Dimensions: slices.Clone(s.Dimensions)}
}

// Strides returns the strides for each axis of the shape, assuming a "row-major" layout
// in memory.
//
// Notice the strides are **not in bytes**, but in indices.
func (s Shape) Strides() (strides []int) {
	rank := s.Rank()
	if rank == 0 {
		return
	}
	strides = make([]int, rank)
	currentStride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		strides[axis] = currentStride
		currentStride *= s.Dimensions[axis]
	}
	return
}

// FlatIndex returns the position in the row-major flat storage of the element at the given indices.
// It panics if the number of indices doesn't match the rank or an index is out-of-bounds.
func (s Shape) FlatIndex(indices ...int) int {
	if len(indices) != s.Rank() {
		exceptions.Panicf("Shape(%s).FlatIndex given %d indices, it requires %d", s, len(indices), s.Rank())
	}
	flat := 0
	for axis, idx := range indices {
		dim := s.Dimensions[axis]
		if idx < 0 || idx >= dim {
			exceptions.Panicf("Shape(%s).FlatIndex: index %d out-of-bounds for axis %d", s, idx, axis)
		}
		flat = flat*dim + idx
	}
	return flat
}
