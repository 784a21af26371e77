// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

package similarity

import (
	"fmt"

	"github.com/IwenLeeO/lavse/pkg/core/tensors"
	"github.com/IwenLeeO/lavse/pkg/ml/context"
	"github.com/IwenLeeO/lavse/pkg/ml/layers/attention"
	"github.com/IwenLeeO/lavse/pkg/ml/nn"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// StackedAttention scores each pair by attending one modality over the other, and then aggregating the cosine
// similarity of each attending vector with its attended vector.
//
// With VariantScanI2T the image regions attend over the caption tokens, and the similarities are aggregated
// over the regions. With VariantScanT2I the caption tokens attend over the image regions, and the
// similarities are aggregated over the valid tokens.
//
// It has no parameters.
type StackedAttention struct {
	base
	i2t        bool
	attention  *attention.Attention
	aggregator nn.Aggregator
}

func newStackedAttention(ctx *context.Context, cfg Config) *StackedAttention {
	attn, err := attention.New(cfg.Smooth, cfg.FeatureNorm)
	if err != nil {
		panic(err)
	}
	aggregator, err := nn.NewAggregator(cfg.Aggregation, cfg.LambdaLSE)
	if err != nil {
		panic(err)
	}
	return &StackedAttention{
		base:       newBase(ctx, cfg),
		i2t:        cfg.Name == VariantScanI2T,
		attention:  attn,
		aggregator: aggregator,
	}
}

// String implements fmt.Stringer.
func (s *StackedAttention) String() string {
	task := "t2i"
	if s.i2t {
		task = "i2t"
	}
	return fmt.Sprintf("StackedAttention(task=%s, %s, agg_function=%s)", task, s.attention, s.aggregator)
}

// Score implements Variant.
func (s *StackedAttention) Score(images, captions *tensors.Tensor, lengths []int) (*tensors.Tensor, error) {
	images, captions = s.onDevice(images, captions)
	if err := s.checkSequences(images, captions, lengths); err != nil {
		return nil, err
	}
	numImages, numCaptions := images.Dim(0), captions.Dim(0)
	sims := tensors.Zeros(numImages, numCaptions)
	if numImages == 0 {
		return sims, nil
	}
	for j := range numCaptions {
		caption := validCaption(captions, lengths, j)
		if s.i2t {
			attended, _, err := s.attention.ApplyShared(images, caption)
			if err != nil {
				return nil, errors.WithMessagef(err, "%s: caption #%d", s.name, j)
			}
			for i := range numImages {
				sims.Set(s.aggregate(images.Item(i), attended.Item(i)), i, j)
			}
		} else {
			attended, _, err := s.attention.ApplyShared(caption, images)
			if err != nil {
				return nil, errors.WithMessagef(err, "%s: caption #%d", s.name, j)
			}
			for i := range numImages {
				sims.Set(s.aggregate(caption, attended.Item(i)), i, j)
			}
		}
	}
	return sims, nil
}

// aggregate reduces the cosine similarities of the rows of x and attended, both shaped `[L, D]`.
func (s *StackedAttention) aggregate(x, attended *tensors.Tensor) float64 {
	rowSims := nn.CosineSimilarityRows(x, attended)
	if len(rowSims) == 0 {
		exceptions.Panicf("%s: no positions to aggregate", s.name)
	}
	return s.aggregator.Aggregate(rowSims)
}
