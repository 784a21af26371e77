// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

// Package attention implements the soft cross-attention between two variable-length sets of feature vectors:
// each vector of the query set attends over the vectors of the context set.
//
// The raw affinities `context·queryᵀ` are first normalized with a configurable FeatureNorm along the query axis,
// and then turned into attention weights with a softmax over the context axis, sharpened by the `smooth`
// temperature multiplier. The attended output is the weighted sum of the context vectors.
//
// Example: attending the words of a caption from every region of every image:
//
//	attn, err := attention.New(4, attention.FeatureNormClippedL2)
//	if err != nil { ... }
//	// images: [numImages, numRegions, D], caption: [numWords, D] shared by all images.
//	attended, weights, err := attn.ApplyShared(images, caption)
package attention

import (
	"fmt"
	"math"

	"github.com/IwenLeeO/lavse/pkg/core/shapes"
	"github.com/IwenLeeO/lavse/pkg/core/tensors"
	"github.com/IwenLeeO/lavse/pkg/ml/nn"
	"github.com/pkg/errors"
)

// Attention is the configured attention primitive. It has no variables, and it is safe for concurrent use.
type Attention struct {
	// Smooth multiplies the normalized affinities before the softmax over the context axis: higher values
	// make the attention harder.
	Smooth float64

	FeatureNorm FeatureNorm
}

// New returns an Attention with the given configuration.
//
// It returns an error wrapping nn.ErrInvalidConfiguration if smooth is not a positive finite number or if
// featureNorm is unknown.
func New(smooth float64, featureNorm FeatureNorm) (*Attention, error) {
	if !(smooth > 0) || math.IsInf(smooth, 0) {
		return nil, errors.Wrapf(nn.ErrInvalidConfiguration, "attention smooth must be a positive number, got %g", smooth)
	}
	if featureNorm < FeatureNormSoftmax || featureNorm > FeatureNormNone {
		return nil, errors.Wrapf(nn.ErrInvalidConfiguration, "unknown attention feature_norm %s", featureNorm)
	}
	return &Attention{Smooth: smooth, FeatureNorm: featureNorm}, nil
}

// String implements fmt.Stringer.
func (a *Attention) String() string {
	return fmt.Sprintf("Attention(smooth=%g, feature_norm=%s)", a.Smooth, a.FeatureNorm)
}

// Apply attends, for each item b of the batch, the vectors of query `[B, Lq, D]` over the vectors of
// context `[B, Lc, D]`.
//
// It returns the attended context `[B, Lq, D]` and the attention weights `[B, Lq, Lc]`: the weights of each
// query position sum to 1 over the context positions.
//
// Errors wrap shapes.ErrShapeMismatch if the ranks, batch sizes or embedding dimensions don't match, and
// nn.ErrDegenerateInput if either set is empty.
func (a *Attention) Apply(query, context *tensors.Tensor) (attended, weights *tensors.Tensor, err error) {
	if err = shapes.CheckRank(query, 3); err != nil {
		return nil, nil, errors.WithMessage(err, "attention query")
	}
	if err = shapes.CheckRank(context, 3); err != nil {
		return nil, nil, errors.WithMessage(err, "attention context")
	}
	return a.ApplyShared(query, context)
}

// ApplyShared is like Apply, but either query or context may also be rank-2, `[Lq, D]` or `[Lc, D]`,
// in which case it is shared by every item of the batch, without being copied.
// If both are rank-2, the batch size is 1.
func (a *Attention) ApplyShared(query, context *tensors.Tensor) (attended, weights *tensors.Tensor, err error) {
	queryAt, batchQ, err := batchAccessor(query, "query")
	if err != nil {
		return nil, nil, err
	}
	contextAt, batchC, err := batchAccessor(context, "context")
	if err != nil {
		return nil, nil, err
	}
	batchSize := max(batchQ, batchC)
	if batchQ >= 0 && batchC >= 0 && batchQ != batchC {
		return nil, nil, errors.Wrapf(shapes.ErrShapeMismatch, "attention query %s and context %s have different batch sizes",
			query.Shape(), context.Shape())
	}
	if batchSize < 0 {
		batchSize = 1
	}
	queryLen, contextLen, dim := query.Dim(-2), context.Dim(-2), query.Dim(-1)
	if context.Dim(-1) != dim {
		return nil, nil, errors.Wrapf(shapes.ErrShapeMismatch, "attention query %s and context %s have different embedding dimensions",
			query.Shape(), context.Shape())
	}
	if queryLen == 0 || contextLen == 0 {
		return nil, nil, errors.Wrapf(nn.ErrDegenerateInput, "attention query %s and context %s must have at least one position",
			query.Shape(), context.Shape())
	}

	attended = tensors.Zeros(batchSize, queryLen, dim)
	weights = tensors.Zeros(batchSize, queryLen, contextLen)
	for b := range batchSize {
		q, c := queryAt(b), contextAt(b)
		w := weights.Item(b)
		a.weightsInto(q, c, w)
		copy(attended.Item(b).Flat(), nn.MatMul(w, c, false).Flat())
	}
	return attended, weights, nil
}

// weightsInto computes the attention weights of q `[Lq, D]` over c `[Lc, D]` into w `[Lq, Lc]`.
func (a *Attention) weightsInto(q, c, w *tensors.Tensor) {
	queryLen, contextLen := q.Dim(0), c.Dim(0)
	// Raw affinities [Lc, Lq]: the first-stage normalization runs along the query axis.
	raw := nn.MatMul(c, q, true)
	for ci := range contextLen {
		a.FeatureNorm.ApplyInPlace(raw.Row(ci))
	}
	rawFlat, wFlat := raw.Flat(), w.Flat()
	for qi := range queryLen {
		row := wFlat[qi*contextLen : (qi+1)*contextLen]
		for ci := range row {
			row[ci] = rawFlat[ci*queryLen+qi]
		}
		nn.ScaledSoftmaxInPlace(row, a.Smooth)
	}
}

// batchAccessor returns a function that returns item b of a rank-3 tensor, or the tensor itself if it is rank-2.
// The batch size is -1 for rank-2 tensors.
func batchAccessor(x *tensors.Tensor, name string) (func(b int) *tensors.Tensor, int, error) {
	switch x.Rank() {
	case 2:
		return func(int) *tensors.Tensor { return x }, -1, nil
	case 3:
		return x.Item, x.Dim(0), nil
	default:
		return nil, 0, errors.Wrapf(shapes.ErrShapeMismatch, "attention %s must be shaped [B, L, D] or [L, D], got %s",
			name, x.Shape())
	}
}
