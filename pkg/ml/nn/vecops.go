// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"math"

	"github.com/IwenLeeO/lavse/pkg/core/shapes"
	"github.com/IwenLeeO/lavse/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/floats"
)

// Epsilon is the floor used for norms in denominators.
const Epsilon = 1e-8

// L2NormalizeInPlace divides v by its L2 norm. The norm is clamped at Epsilon, so a zero vector stays zero.
func L2NormalizeInPlace(v []float64) {
	norm := math.Max(floats.Norm(v, 2), Epsilon)
	floats.Scale(1/norm, v)
}

// L2Norm returns a copy of x normalized to unit L2 norm along the given axis (negative values count
// from the end). Vectors with norm 0 are returned as 0.
func L2Norm(x *tensors.Tensor, axis int) *tensors.Tensor {
	shape := x.Shape()
	axis = shape.AdjustAxis(axis)
	output := x.Clone()
	data := output.Flat()
	outer, inner := 1, 1
	for _, dim := range shape.Dimensions[:axis] {
		outer *= dim
	}
	for _, dim := range shape.Dimensions[axis+1:] {
		inner *= dim
	}
	axisDim := shape.Dimensions[axis]
	if inner == 1 {
		for o := range outer {
			L2NormalizeInPlace(data[o*axisDim : (o+1)*axisDim])
		}
		return output
	}
	for o := range outer {
		base := o * axisDim * inner
		for i := range inner {
			var sumSq float64
			for k := range axisDim {
				v := data[base+k*inner+i]
				sumSq += v * v
			}
			norm := math.Max(math.Sqrt(sumSq), Epsilon)
			for k := range axisDim {
				data[base+k*inner+i] /= norm
			}
		}
	}
	return output
}

// general wraps a rank-2 tensor as a BLAS matrix.
func general(t *tensors.Tensor) blas64.General {
	rows, cols := t.Dim(0), t.Dim(1)
	return blas64.General{Rows: rows, Cols: cols, Stride: max(cols, 1), Data: t.Flat()}
}

// MatMul returns `a·b` for `a=[m,k]` and `b=[k,n]`, or `a·bᵀ` for `b=[n,k]` if transposeB is set.
// It panics (with ErrShapeMismatch) if the shapes are not compatible.
func MatMul(a, b *tensors.Tensor, transposeB bool) *tensors.Tensor {
	shapes.AssertRank(a, 2)
	shapes.AssertRank(b, 2)
	m, k := a.Dim(0), a.Dim(1)
	n, bK := b.Dim(1), b.Dim(0)
	tB := blas.NoTrans
	if transposeB {
		n, bK = b.Dim(0), b.Dim(1)
		tB = blas.Trans
	}
	if k != bK {
		panic(errors.Wrapf(shapes.ErrShapeMismatch, "MatMul(%s, %s, transposeB=%v): contracting dimensions don't match",
			a.Shape(), b.Shape(), transposeB))
	}
	output := tensors.Zeros(m, n)
	if m == 0 || n == 0 || k == 0 {
		return output
	}
	blas64.Gemm(blas.NoTrans, tB, 1, general(a), general(b), 0, general(output))
	return output
}

// CosineSim returns all-pairs cosine similarities `L2Norm(a)·L2Norm(b)ᵀ` for `a=[n_a, d]` and `b=[n_b, d]`,
// with shape `[n_a, n_b]`.
//
// It returns an error wrapping shapes.ErrShapeMismatch if the inputs are not rank-2 or if `d` differs.
func CosineSim(a, b *tensors.Tensor) (*tensors.Tensor, error) {
	if err := shapes.CheckRank(a, 2); err != nil {
		return nil, errors.WithMessage(err, "CosineSim first operand")
	}
	if err := shapes.CheckRank(b, 2); err != nil {
		return nil, errors.WithMessage(err, "CosineSim second operand")
	}
	if a.Dim(1) != b.Dim(1) {
		return nil, errors.Wrapf(shapes.ErrShapeMismatch, "CosineSim(%s, %s): embedding dimensions differ",
			a.Shape(), b.Shape())
	}
	return MatMul(L2Norm(a, -1), L2Norm(b, -1), true), nil
}

// CosineSimilarityRows returns the cosine similarity of each pair of rows of x1 and x2, both shaped `[L, D]`.
// The product of the norms is clamped at Epsilon.
func CosineSimilarityRows(x1, x2 *tensors.Tensor) []float64 {
	shapes.AssertRank(x1, 2)
	if !x1.Shape().Equal(x2.Shape()) {
		panic(errors.Wrapf(shapes.ErrShapeMismatch, "CosineSimilarityRows(%s, %s): shapes differ", x1.Shape(), x2.Shape()))
	}
	rows := x1.Dim(0)
	sims := make([]float64, rows)
	for ii := range rows {
		r1, r2 := x1.Row(ii), x2.Row(ii)
		sims[ii] = floats.Dot(r1, r2) / math.Max(floats.Norm(r1, 2)*floats.Norm(r2, 2), Epsilon)
	}
	return sims
}

// Cosine returns the cosine similarity of two vectors, with the product of the norms clamped at Epsilon.
func Cosine(v1, v2 []float64) float64 {
	return floats.Dot(v1, v2) / math.Max(floats.Norm(v1, 2)*floats.Norm(v2, 2), Epsilon)
}

// CheckLengths validates the valid lengths of a batch of n sequences with maxLen positions:
// there must be exactly n lengths, each in `[1, maxLen]`.
//
// It returns errors wrapping shapes.ErrShapeMismatch for a wrong count or a length > maxLen,
// and ErrDegenerateInput for a length <= 0.
func CheckLengths(lengths []int, n, maxLen int) error {
	if len(lengths) != n {
		return errors.Wrapf(shapes.ErrShapeMismatch, "got %d lengths for %d sequences", len(lengths), n)
	}
	for ii, length := range lengths {
		if length <= 0 {
			return errors.Wrapf(ErrDegenerateInput, "sequence #%d has length %d, it must have at least one valid position",
				ii, length)
		}
		if length > maxLen {
			return errors.Wrapf(shapes.ErrShapeMismatch, "sequence #%d has length %d > max length %d", ii, length, maxLen)
		}
	}
	return nil
}

// MaskedMeanPool averages, for each item `i` of `seq=[n, T, D]`, only its first `lengths[i]` positions,
// returning `[n, D]`. Padding positions are excluded, not averaged in as zeros.
func MaskedMeanPool(seq *tensors.Tensor, lengths []int) (*tensors.Tensor, error) {
	if err := shapes.CheckRank(seq, 3); err != nil {
		return nil, errors.WithMessage(err, "MaskedMeanPool")
	}
	n, maxLen, dim := seq.Dim(0), seq.Dim(1), seq.Dim(2)
	if err := CheckLengths(lengths, n, maxLen); err != nil {
		return nil, errors.WithMessage(err, "MaskedMeanPool")
	}
	output := tensors.Zeros(n, dim)
	for ii := range n {
		item := seq.Item(ii)
		pooled := output.Row(ii)
		for t := range lengths[ii] {
			floats.Add(pooled, item.Row(t))
		}
		floats.Scale(1/float64(lengths[ii]), pooled)
	}
	return output, nil
}

// MeanRows returns the mean of the rows of x `[L, D]` as a vector of dimension D.
func MeanRows(x *tensors.Tensor) []float64 {
	shapes.AssertRank(x, 2)
	mean := make([]float64, x.Dim(1))
	rows := x.Dim(0)
	for ii := range rows {
		floats.Add(mean, x.Row(ii))
	}
	if rows > 0 {
		floats.Scale(1/float64(rows), mean)
	}
	return mean
}
