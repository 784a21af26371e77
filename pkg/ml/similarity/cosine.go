// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

package similarity

import (
	"fmt"

	"github.com/IwenLeeO/lavse/pkg/core/shapes"
	"github.com/IwenLeeO/lavse/pkg/core/tensors"
	"github.com/IwenLeeO/lavse/pkg/ml/context"
	"github.com/IwenLeeO/lavse/pkg/ml/nn"
	"github.com/pkg/errors"
)

// Cosine scores pooled embeddings by their cosine similarity. It has no parameters.
//
// Images `[n_images, D]` and captions `[n_captions, D]` are usually already pooled, and lengths are then
// ignored. Sequences `[n, L, D]` are accepted too: they are mean pooled first, over all regions for the images
// and over the valid positions for the captions.
type Cosine struct {
	base
}

func newCosine(ctx *context.Context, cfg Config) *Cosine {
	return &Cosine{base: newBase(ctx, cfg)}
}

// String implements fmt.Stringer.
func (c *Cosine) String() string {
	return fmt.Sprintf("Cosine(latent_size=%d)", c.dim)
}

// Score implements Variant.
func (c *Cosine) Score(images, captions *tensors.Tensor, lengths []int) (*tensors.Tensor, error) {
	images, captions = c.onDevice(images, captions)
	var err error
	if images.Rank() == 3 {
		if err = images.Shape().CheckDims(-1, -1, c.dim); err != nil {
			return nil, errors.WithMessage(err, "cosine images")
		}
		images, err = nn.MaskedMeanPool(images, fullLengths(images.Dim(0), images.Dim(1)))
		if err != nil {
			return nil, errors.WithMessage(err, "cosine images")
		}
	}
	if captions.Rank() == 3 {
		if err = captions.Shape().CheckDims(-1, -1, c.dim); err != nil {
			return nil, errors.WithMessage(err, "cosine captions")
		}
		captions, err = nn.MaskedMeanPool(captions, lengths)
		if err != nil {
			return nil, errors.WithMessage(err, "cosine captions")
		}
	}
	if err = shapes.CheckDims(images, -1, c.dim); err != nil {
		return nil, errors.WithMessagef(err, "cosine images must be shaped [n_images, %d]", c.dim)
	}
	if err = shapes.CheckDims(captions, -1, c.dim); err != nil {
		return nil, errors.WithMessagef(err, "cosine captions must be shaped [n_captions, %d]", c.dim)
	}
	return nn.CosineSim(images, captions)
}
