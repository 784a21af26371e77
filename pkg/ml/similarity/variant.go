// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

// Package similarity scores every (image, caption) pair of a batch of encoded images and captions.
//
// Images are given as region features shaped `[n_images, n_regions, D]` and captions as token features
// shaped `[n_captions, max_len, D]`, with the valid length of each caption. Only the first `lengths[j]`
// positions of caption j are ever used: the padding positions can hold any value. The result is a
// similarity matrix `[n_images, n_captions]`.
//
// The scoring strategy is selected by a VariantName (see Config). Variants create their parameters in the
// context given at construction, under a scope named after the variant, so they can be loaded from a
// checkpoint. Parameters are never changed while scoring.
//
// Similarity wraps a variant with the sharded evaluation used for large evaluation sets.
package similarity

import (
	"fmt"

	"github.com/IwenLeeO/lavse/pkg/core/shapes"
	"github.com/IwenLeeO/lavse/pkg/core/tensors"
	"github.com/IwenLeeO/lavse/pkg/ml/context"
	"github.com/IwenLeeO/lavse/pkg/ml/nn"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Variant is one strategy to score image and caption pairs.
type Variant interface {
	fmt.Stringer

	// Name of the variant.
	Name() VariantName

	// Score returns the similarity `[n_images, n_captions]` of images `[n_images, n_regions, D]` and
	// captions `[n_captions, max_len, D]` with valid lengths `lengths[n_captions]`.
	//
	// Errors wrap shapes.ErrShapeMismatch for inconsistent shapes and nn.ErrDegenerateInput for empty
	// captions or images without regions.
	Score(images, captions *tensors.Tensor, lengths []int) (*tensors.Tensor, error)
}

// NewVariant validates cfg and creates the selected variant, with its parameters in the scope `cfg.Name` of ctx.
// Errors wrap nn.ErrInvalidConfiguration.
func NewVariant(ctx *context.Context, cfg Config) (variant Variant, err error) {
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	ctx = ctx.In(cfg.Name.String())
	err = exceptions.TryCatch[error](func() {
		switch cfg.Name {
		case VariantCosine:
			variant = newCosine(ctx, cfg)
		case VariantScanI2T, VariantScanT2I:
			variant = newStackedAttention(ctx, cfg)
		case VariantAdaptive:
			variant = newAdaptiveEmbedding(ctx, cfg)
		case VariantCross:
			variant = newCrossAttn(ctx, cfg)
		case VariantReducedRNN, VariantReducedConv:
			variant = newReduced(ctx, cfg)
		default:
			panic(errors.Wrapf(nn.ErrInvalidConfiguration, "similarity variant %s not implemented", cfg.Name))
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "creating similarity variant %q", cfg.Name)
	}
	return variant, nil
}

// base holds what all variants share.
type base struct {
	name   VariantName
	dim    int
	device tensors.Device
}

func newBase(ctx *context.Context, cfg Config) base {
	return base{name: cfg.Name, dim: cfg.LatentSize, device: ctx.Device()}
}

// Name implements Variant.
func (b *base) Name() VariantName { return b.name }

// onDevice moves the inputs to the device of the variant.
func (b *base) onDevice(images, captions *tensors.Tensor) (*tensors.Tensor, *tensors.Tensor) {
	return images.OnDevice(b.device), captions.OnDevice(b.device)
}

// checkSequences validates images `[n_images, n_regions, D]`, captions `[n_captions, max_len, D]` and the
// caption lengths.
func (b *base) checkSequences(images, captions *tensors.Tensor, lengths []int) error {
	if err := images.Shape().CheckDims(-1, -1, b.dim); err != nil {
		return errors.WithMessagef(err, "%s: images must be shaped [n_images, n_regions, %d]", b.name, b.dim)
	}
	if err := captions.Shape().CheckDims(-1, -1, b.dim); err != nil {
		return errors.WithMessagef(err, "%s: captions must be shaped [n_captions, max_len, %d]", b.name, b.dim)
	}
	if images.Dim(0) > 0 && images.Dim(1) == 0 {
		return errors.Wrapf(nn.ErrDegenerateInput, "%s: images %s have no regions", b.name, images.Shape())
	}
	if err := nn.CheckLengths(lengths, captions.Dim(0), captions.Dim(1)); err != nil {
		return errors.WithMessagef(err, "%s: invalid caption lengths", b.name)
	}
	return nil
}

// validCaption returns a view of the first lengths[j] positions of caption j, shaped `[lengths[j], D]`.
func validCaption(captions *tensors.Tensor, lengths []int, j int) *tensors.Tensor {
	return captions.Item(j).Slice(0, lengths[j])
}

// fullLengths returns the lengths of n sequences without padding.
func fullLengths(n, length int) []int {
	lengths := make([]int, n)
	for ii := range lengths {
		lengths[ii] = length
	}
	return lengths
}

// checkMatrix returns an error if sims is not shaped `[numImages, numCaptions]`.
func checkMatrix(sims *tensors.Tensor, numImages, numCaptions int) error {
	return errors.WithMessage(shapes.CheckDims(sims, numImages, numCaptions), "similarity matrix")
}
