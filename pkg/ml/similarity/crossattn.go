// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

package similarity

import (
	"fmt"

	"github.com/IwenLeeO/lavse/pkg/core/shapes"
	"github.com/IwenLeeO/lavse/pkg/core/tensors"
	"github.com/IwenLeeO/lavse/pkg/ml/context"
	"github.com/IwenLeeO/lavse/pkg/ml/initializer"
	"github.com/IwenLeeO/lavse/pkg/ml/layers"
	"github.com/IwenLeeO/lavse/pkg/ml/layers/activations"
	"github.com/IwenLeeO/lavse/pkg/ml/nn"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
)

// CrossAttn scores each pair with a learned cross attention from the caption tokens over the image regions.
//
// Tokens and regions are projected with pointwise convolutions (LeakyReLU activated): the token queries and the
// region keys to D/k channels, the token and region values to D channels. For caption j and image i:
//
//	A = softmax_regions(alpha·(q_j·k_iᵀ) + beta)     // [L, R]
//	out = gamma·(Aᵀ·v_j) + v_i                        // [R, D]
//
// The regions of out are mean pooled and compared with the mean of the valid caption tokens. gamma starts at
// zero, so a new CrossAttn compares the projected image values with the captions.
type CrossAttn struct {
	base
	hidden int

	QueryTxt, ValueTxt, KeyImg, ValueImg *layers.ConvLayer

	// Gamma, Alpha and Beta are scalars shaped `[1]`.
	Gamma, Alpha, Beta *context.Variable
}

func newCrossAttn(ctx *context.Context, cfg Config) *CrossAttn {
	dim, hidden := cfg.LatentSize, cfg.reducedSize()
	projection := func(name string, outputDim int) *layers.ConvLayer {
		return layers.Convolution(ctx.In(name), dim, outputDim).
			KernelSize(1).
			Activation(activations.TypeLeakyRelu).
			Done()
	}
	scalar := shapes.Make(1)
	return &CrossAttn{
		base:     newBase(ctx, cfg),
		hidden:   hidden,
		QueryTxt: projection("query_txt", hidden),
		ValueTxt: projection("value_txt", dim),
		KeyImg:   projection("key_img", hidden),
		ValueImg: projection("value_img", dim),
		Gamma:    ctx.WithInitializer(initializer.Zero).VariableWithShape("gamma_img", scalar),
		Alpha:    ctx.WithInitializer(initializer.One).VariableWithShape("alpha", scalar),
		Beta:     ctx.WithInitializer(initializer.Zero).VariableWithShape("beta", scalar),
	}
}

// String implements fmt.Stringer.
func (c *CrossAttn) String() string {
	return fmt.Sprintf("CrossAttn(latent_size=%d, hidden=%d)", c.dim, c.hidden)
}

// Score implements Variant.
func (c *CrossAttn) Score(images, captions *tensors.Tensor, lengths []int) (*tensors.Tensor, error) {
	images, captions = c.onDevice(images, captions)
	if err := c.checkSequences(images, captions, lengths); err != nil {
		return nil, err
	}
	numImages, numCaptions := images.Dim(0), captions.Dim(0)
	sims := tensors.Zeros(numImages, numCaptions)
	if numImages == 0 || numCaptions == 0 {
		return sims, nil
	}
	numRegions := images.Dim(1)
	queryTxt := c.QueryTxt.Apply(captions, lengths)
	valueTxt := c.ValueTxt.Apply(captions, lengths)
	keyImg := c.KeyImg.Apply(images, nil)
	valueImg := c.ValueImg.Apply(images, nil)
	captionVectors, err := nn.MaskedMeanPool(captions, lengths)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: pooling captions", c.name)
	}
	gamma, alpha, beta := c.Gamma.Value().Flat()[0], c.Alpha.Value().Flat()[0], c.Beta.Value().Flat()[0]

	output := tensors.Zeros(numRegions, c.dim)
	for j := range numCaptions {
		length := lengths[j]
		query := queryTxt.Item(j).Slice(0, length)
		value := valueTxt.Item(j).Slice(0, length)
		for i := range numImages {
			energy := nn.MatMul(query, keyImg.Item(i), true)
			for l := range length {
				row := energy.Row(l)
				for r := range row {
					row[r] = alpha*row[r] + beta
				}
				nn.SoftmaxInPlace(row)
			}
			copy(output.Flat(), valueImg.Item(i).Flat())
			blas64.Gemm(blas.Trans, blas.NoTrans, gamma, asGeneral(energy), asGeneral(value), 1, asGeneral(output))
			sims.Set(nn.Cosine(nn.MeanRows(output), captionVectors.Row(j)), i, j)
		}
	}
	return sims, nil
}

// asGeneral wraps a rank-2 tensor as a BLAS matrix sharing its storage.
func asGeneral(t *tensors.Tensor) blas64.General {
	rows, cols := t.Dim(0), t.Dim(1)
	return blas64.General{Rows: rows, Cols: cols, Stride: max(cols, 1), Data: t.Flat()}
}
