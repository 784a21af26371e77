// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	shape0 := Make()
	require.True(t, shape0.IsScalar())
	require.Equal(t, 0, shape0.Rank())
	require.Len(t, shape0.Dimensions, 0)
	require.Equal(t, 1, shape0.Size())
	require.Equal(t, 8, int(shape0.Memory()))

	shape1 := Make(4, 3, 2)
	require.False(t, shape1.IsScalar())
	require.Equal(t, 3, shape1.Rank())
	require.Equal(t, 4*3*2, shape1.Size())
	require.Equal(t, 8*4*3*2, int(shape1.Memory()))
	require.Equal(t, []int{6, 2, 1}, shape1.Strides())
	require.Equal(t, "[4 3 2]", shape1.String())
	require.True(t, shape1.Equal(shape1.Clone()))
	require.False(t, shape1.Equal(Make(4, 3)))

	require.Panics(t, func() { _ = Make(2, -1) })
}

func TestDim(t *testing.T) {
	shape := Make(4, 3, 2)
	require.Equal(t, 4, shape.Dim(0))
	require.Equal(t, 3, shape.Dim(1))
	require.Equal(t, 2, shape.Dim(2))
	require.Equal(t, 4, shape.Dim(-3))
	require.Equal(t, 3, shape.Dim(-2))
	require.Equal(t, 2, shape.Dim(-1))
	require.Panics(t, func() { _ = shape.Dim(3) })
	require.Panics(t, func() { _ = shape.Dim(-4) })
}

func TestFlatIndex(t *testing.T) {
	shape := Make(2, 3, 4)
	require.Equal(t, 0, shape.FlatIndex(0, 0, 0))
	require.Equal(t, 4+2, shape.FlatIndex(0, 1, 2))
	require.Equal(t, 12+8+3, shape.FlatIndex(1, 2, 3))
	require.Panics(t, func() { _ = shape.FlatIndex(0, 3, 0) })
	require.Panics(t, func() { _ = shape.FlatIndex(0, 0) })
}

func TestChecks(t *testing.T) {
	shape := Make(3, 5, 8)
	require.NoError(t, shape.CheckDims(3, -1, 8))
	require.NoError(t, shape.CheckRank(3))

	err := shape.CheckDims(3, 5, 7)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrShapeMismatch))

	err = CheckRank(shape, 2)
	require.ErrorIs(t, err, ErrShapeMismatch)

	require.Panics(t, func() { AssertDims(shape, 3, 5) })
	require.Panics(t, func() { AssertRank(shape, 1) })
	require.NotPanics(t, func() { AssertDims(shape, -1, -1, -1) })
}
