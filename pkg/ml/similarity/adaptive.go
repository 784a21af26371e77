// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

package similarity

import (
	"fmt"

	"github.com/IwenLeeO/lavse/pkg/core/tensors"
	"github.com/IwenLeeO/lavse/pkg/ml/context"
	"github.com/IwenLeeO/lavse/pkg/ml/layers/attention"
	"github.com/IwenLeeO/lavse/pkg/ml/layers/condbn"
	"github.com/IwenLeeO/lavse/pkg/ml/nn"
	"github.com/pkg/errors"
)

// AdaptiveEmbedding scores each pair by letting one modality modulate the normalized features of the other,
// with a conditional normalization block (see package condbn).
//
// Both modalities first go through a clipped L2 normalization of each channel along the positions. With
// DirectionT2I, the mean vector of each caption conditions the image regions: the modulated regions are mean
// pooled and compared with the caption vector. With DirectionI2T, the mean vector of each image conditions the
// caption tokens, and the pooled caption is compared with the image vector.
//
// In training mode the batch normalization uses the statistics of the batch being scored, so results depend on
// how the batch is sharded. Evaluation runs in inference mode, where the running statistics are used.
type AdaptiveEmbedding struct {
	base
	direction Direction
	cbn       *condbn.CondBatchNorm
}

func newAdaptiveEmbedding(ctx *context.Context, cfg Config) *AdaptiveEmbedding {
	return &AdaptiveEmbedding{
		base:      newBase(ctx, cfg),
		direction: cfg.Direction,
		cbn: condbn.New(ctx.In("cbn"), cfg.LatentSize, cfg.LatentSize).
			Bottleneck(cfg.K).
			Activation(cfg.Activation).
			Normalization(cfg.Norm).
			Done(),
	}
}

// String implements fmt.Stringer.
func (a *AdaptiveEmbedding) String() string {
	return fmt.Sprintf("AdaptiveEmbedding(direction=%s, %s)", a.direction, a.cbn)
}

// Score implements Variant.
func (a *AdaptiveEmbedding) Score(images, captions *tensors.Tensor, lengths []int) (*tensors.Tensor, error) {
	images, captions = a.onDevice(images, captions)
	if err := a.checkSequences(images, captions, lengths); err != nil {
		return nil, err
	}
	numImages, numCaptions := images.Dim(0), captions.Dim(0)
	sims := tensors.Zeros(numImages, numCaptions)
	if numImages == 0 || numCaptions == 0 {
		return sims, nil
	}
	imageLengths := fullLengths(numImages, images.Dim(1))
	images = clippedL2AlongPositions(images, imageLengths)
	captions = clippedL2AlongPositions(captions, lengths)
	if a.direction == DirectionI2T {
		return sims, a.scoreI2T(sims, images, captions, lengths)
	}
	return sims, a.scoreT2I(sims, images, captions, lengths)
}

// scoreT2I conditions the images on each caption.
func (a *AdaptiveEmbedding) scoreT2I(sims, images, captions *tensors.Tensor, lengths []int) error {
	numImages, numCaptions := images.Dim(0), captions.Dim(0)
	imageLengths := fullLengths(numImages, images.Dim(1))
	normalized, err := a.cbn.Normalize(images, nil)
	if err != nil {
		return errors.WithMessagef(err, "%s: normalizing images", a.name)
	}
	captionVectors, err := nn.MaskedMeanPool(captions, lengths)
	if err != nil {
		return errors.WithMessagef(err, "%s: pooling captions", a.name)
	}
	for j := range numCaptions {
		cond := captionVectors.Slice(j, j+1)
		modulated, err := a.cbn.Modulate(normalized, nil, cond)
		if err != nil {
			return errors.WithMessagef(err, "%s: caption #%d", a.name, j)
		}
		imageVectors, err := nn.MaskedMeanPool(modulated, imageLengths)
		if err != nil {
			return errors.WithMessagef(err, "%s: caption #%d", a.name, j)
		}
		for i := range numImages {
			sims.Set(nn.Cosine(imageVectors.Row(i), cond.Flat()), i, j)
		}
	}
	return nil
}

// scoreI2T conditions the captions on each image.
func (a *AdaptiveEmbedding) scoreI2T(sims, images, captions *tensors.Tensor, lengths []int) error {
	numImages, numCaptions := images.Dim(0), captions.Dim(0)
	normalized, err := a.cbn.Normalize(captions, lengths)
	if err != nil {
		return errors.WithMessagef(err, "%s: normalizing captions", a.name)
	}
	for i := range numImages {
		imageVector := nn.MeanRows(images.Item(i))
		cond := tensors.FromFlatDataAndDimensions(imageVector, 1, len(imageVector))
		modulated, err := a.cbn.Modulate(normalized, lengths, cond)
		if err != nil {
			return errors.WithMessagef(err, "%s: image #%d", a.name, i)
		}
		captionVectors, err := nn.MaskedMeanPool(modulated, lengths)
		if err != nil {
			return errors.WithMessagef(err, "%s: image #%d", a.name, i)
		}
		for j := range numCaptions {
			sims.Set(nn.Cosine(captionVectors.Row(j), imageVector), i, j)
		}
	}
	return nil
}

// clippedL2AlongPositions returns a copy of x `[N, T, D]` where, for each item and channel, the values of the
// valid positions go through a leaky clipping and are L2 normalized together. Padding positions are zero.
func clippedL2AlongPositions(x *tensors.Tensor, lengths []int) *tensors.Tensor {
	numItems, maxLen, dim := x.Dim(0), x.Dim(1), x.Dim(2)
	output := tensors.Zeros(numItems, maxLen, dim)
	column := make([]float64, maxLen)
	for n := range numItems {
		src, dst := x.Item(n), output.Item(n)
		length := lengths[n]
		for d := range dim {
			for t := range length {
				column[t] = src.Row(t)[d]
			}
			attention.ClippedL2NormalizeInPlace(column[:length])
			for t := range length {
				dst.Row(t)[d] = column[t]
			}
		}
	}
	return output
}
