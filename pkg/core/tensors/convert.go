// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/x448/float16"
)

// FromValue returns a tensor created from a scalar or a (regular) multidimensional slice of
// float64, float32 or float16.Float16. It panics for irregular slices or unsupported types.
func FromValue(value any) *Tensor {
	v := reflect.ValueOf(value)
	var dims []int
	for t := v.Type(); t.Kind() == reflect.Slice; t = t.Elem() {
		dims = append(dims, 0)
	}
	// Find dimensions by walking the first element of each level.
	probe := v
	for axis := range dims {
		dims[axis] = probe.Len()
		if probe.Len() == 0 {
			break
		}
		probe = probe.Index(0)
	}
	tensor := Zeros(dims...)
	pos := 0
	var fill func(v reflect.Value, axis int)
	fill = func(v reflect.Value, axis int) {
		if axis == len(dims) {
			tensor.flat[pos] = toFloat64(v)
			pos++
			return
		}
		if v.Len() != dims[axis] {
			exceptions.Panicf("tensors.FromValue(%T): irregular slice at axis %d, got length %d, expected %d",
				value, axis, v.Len(), dims[axis])
		}
		for ii := range v.Len() {
			fill(v.Index(ii), axis+1)
		}
	}
	fill(v, 0)
	return tensor
}

func toFloat64(v reflect.Value) float64 {
	if f16, ok := v.Interface().(float16.Float16); ok {
		return float64(f16.Float32())
	}
	switch v.Kind() {
	case reflect.Float64, reflect.Float32:
		return v.Float()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int())
	default:
		exceptions.Panicf("tensors.FromValue: unsupported element type %s", v.Type())
	}
	return 0
}

// Value returns a multidimensional slice of float64 (or a scalar float64 for rank-0 tensors)
// with a copy of the tensor values.
func (t *Tensor) Value() any {
	if t.Rank() == 0 {
		return t.flat[0]
	}
	sliceType := reflect.TypeOf(float64(0))
	for range t.Rank() {
		sliceType = reflect.SliceOf(sliceType)
	}
	pos := 0
	var build func(typ reflect.Type, axis int) reflect.Value
	build = func(typ reflect.Type, axis int) reflect.Value {
		dim := t.shape.Dimensions[axis]
		out := reflect.MakeSlice(typ, dim, dim)
		for ii := range dim {
			if axis == t.Rank()-1 {
				out.Index(ii).SetFloat(t.flat[pos])
				pos++
			} else {
				out.Index(ii).Set(build(typ.Elem(), axis+1))
			}
		}
		return out
	}
	return build(sliceType, 0).Interface()
}

// Matrix returns a copy of a rank-2 tensor as [][]float64. It panics for other ranks.
func (t *Tensor) Matrix() [][]float64 {
	t.shape.AssertRank(2)
	return t.Value().([][]float64)
}
