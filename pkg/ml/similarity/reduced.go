// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

package similarity

import (
	"fmt"

	"github.com/IwenLeeO/lavse/pkg/core/tensors"
	"github.com/IwenLeeO/lavse/pkg/ml/context"
	"github.com/IwenLeeO/lavse/pkg/ml/layers"
	"github.com/IwenLeeO/lavse/pkg/ml/layers/hypernet"
	"github.com/IwenLeeO/lavse/pkg/ml/nn"
	"github.com/pkg/errors"
)

// Reduced scores each pair in a shared space of dimension D/k, where the caption encoder is re-parameterized
// by each image.
//
// For image i, the mean of its regions is the conditioning vector: it predicts the weights of the caption
// encoder (a GRU for VariantReducedRNN, a 1D convolution followed by masked mean pooling for
// VariantReducedConv), and its projection is the image vector. All the captions, projected to D/k, are then
// encoded at once and compared with the image vector.
type Reduced struct {
	base
	hidden int

	ImgProj, TxtProj *layers.DenseLayer

	// GRU is set for VariantReducedRNN, Conv for VariantReducedConv.
	GRU  *hypernet.GRUHyperNet
	Conv *hypernet.ConvHyperNet
}

func newReduced(ctx *context.Context, cfg Config) *Reduced {
	dim, hidden := cfg.LatentSize, cfg.reducedSize()
	r := &Reduced{
		base:    newBase(ctx, cfg),
		hidden:  hidden,
		ImgProj: layers.Dense(ctx.In("img_proj"), dim, hidden).Done(),
		TxtProj: layers.Dense(ctx.In("txt_proj"), dim, hidden).Done(),
	}
	if cfg.Name == VariantReducedRNN {
		r.GRU = hypernet.NewGRU(ctx, hidden, hidden, dim)
	} else {
		r.Conv = hypernet.NewConv(ctx, cfg.KernelSize, hidden, hidden, dim)
	}
	return r
}

// String implements fmt.Stringer.
func (r *Reduced) String() string {
	if r.GRU != nil {
		return fmt.Sprintf("ReducedRNN(latent_size=%d, %s)", r.dim, r.GRU)
	}
	return fmt.Sprintf("ReducedConv(latent_size=%d, %s)", r.dim, r.Conv)
}

// Score implements Variant.
func (r *Reduced) Score(images, captions *tensors.Tensor, lengths []int) (*tensors.Tensor, error) {
	images, captions = r.onDevice(images, captions)
	if err := r.checkSequences(images, captions, lengths); err != nil {
		return nil, err
	}
	numImages, numCaptions := images.Dim(0), captions.Dim(0)
	sims := tensors.Zeros(numImages, numCaptions)
	if numImages == 0 || numCaptions == 0 {
		return sims, nil
	}
	projected := r.TxtProj.Apply(captions)
	for i := range numImages {
		cond := nn.MeanRows(images.Item(i))
		encoded, err := r.encodeCaptions(cond, projected, lengths)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s: image #%d", r.name, i)
		}
		imageVector := r.ImgProj.ApplyVector(cond)
		for j := range numCaptions {
			sims.Set(nn.Cosine(encoded.Row(j), imageVector), i, j)
		}
	}
	return sims, nil
}

// encodeCaptions encodes the projected captions `[n_captions, max_len, D/k]` with the encoder conditioned on
// cond, returning `[n_captions, D/k]`.
func (r *Reduced) encodeCaptions(cond []float64, projected *tensors.Tensor, lengths []int) (*tensors.Tensor, error) {
	if r.GRU != nil {
		weights, err := r.GRU.PredictWeights(cond)
		if err != nil {
			return nil, err
		}
		return weights.Run(projected, lengths), nil
	}
	kernel, err := r.Conv.PredictKernel(cond)
	if err != nil {
		return nil, err
	}
	return nn.MaskedMeanPool(kernel.Apply(projected, lengths), lengths)
}
