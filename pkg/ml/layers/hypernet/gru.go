// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

// Package hypernet implements sequence encoders whose weights are predicted from a conditioning vector
// (the "hypernetwork" pattern): a GRU and a 1D convolution.
//
// Each encoder holds static base weights, plus two small predictors mapping the conditioning vector to a
// per-output-row scale `1 + f(cond)` and a bias shift `g(cond)`. The predictors' output layers start at zero,
// so a freshly created encoder behaves like its static base.
//
// Predicting weights and running the encoder are separate steps: PredictWeights returns plain values that
// can be applied to many sequences, with an explicit loop over timesteps.
package hypernet

import (
	"fmt"
	"math"

	"github.com/IwenLeeO/lavse/pkg/core/shapes"
	"github.com/IwenLeeO/lavse/pkg/core/tensors"
	"github.com/IwenLeeO/lavse/pkg/ml/context"
	"github.com/IwenLeeO/lavse/pkg/ml/initializer"
	"github.com/IwenLeeO/lavse/pkg/ml/layers/activations"
	"github.com/IwenLeeO/lavse/pkg/ml/layers/fnn"
	"github.com/IwenLeeO/lavse/pkg/ml/nn"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/floats"
)

// NumGates of a GRU cell, in the order reset (r), update (z), and new (n).
const NumGates = 3

// GRUHyperNet predicts the weights of a GRU cell from a conditioning vector.
type GRUHyperNet struct {
	inputDim, hiddenDim, condDim int

	// Base weights, shaped `[3H, I]`, `[3H, H]`, `[3H]` and `[3H]`.
	WeightsIH, WeightsHH, BiasIH, BiasHH *context.Variable

	// Scale and Shift predict `[3H]` values from the conditioning vector.
	Scale, Shift *fnn.FNN
}

// NewGRU creates the variables of a GRU hypernetwork, under the scope "gru" of ctx.
// Base weights are initialized like PyTorch's GRU: uniform in `±1/sqrt(hiddenDim)`.
func NewGRU(ctx *context.Context, inputDim, hiddenDim, condDim int) *GRUHyperNet {
	if inputDim <= 0 || hiddenDim <= 0 || condDim <= 0 {
		exceptions.Panicf("hypernet.NewGRU: dimensions must be positive, got input=%d, hidden=%d, cond=%d",
			inputDim, hiddenDim, condDim)
	}
	ctx = ctx.In("gru")
	limit := 1 / math.Sqrt(float64(hiddenDim))
	baseCtx := ctx.WithInitializer(initializer.Uniform(-limit, limit))
	gates := NumGates * hiddenDim
	return &GRUHyperNet{
		inputDim:  inputDim,
		hiddenDim: hiddenDim,
		condDim:   condDim,
		WeightsIH: baseCtx.VariableWithShape("weights_ih", shapes.Make(gates, inputDim)),
		WeightsHH: baseCtx.VariableWithShape("weights_hh", shapes.Make(gates, hiddenDim)),
		BiasIH:    baseCtx.VariableWithShape("bias_ih", shapes.Make(gates)),
		BiasHH:    baseCtx.VariableWithShape("bias_hh", shapes.Make(gates)),
		Scale:     newPredictor(ctx.In("scale"), condDim, gates),
		Shift:     newPredictor(ctx.In("shift"), condDim, gates),
	}
}

// newPredictor creates a linear predictor that starts as the zero function.
func newPredictor(ctx *context.Context, condDim, outputDim int) *fnn.FNN {
	return fnn.New(ctx, condDim, outputDim).
		NumHiddenLayers(0, 0).
		Activation(activations.TypeNone).
		ZeroInitializedOutput().
		Done()
}

// String implements fmt.Stringer.
func (g *GRUHyperNet) String() string {
	return fmt.Sprintf("GRUHyperNet(input=%d, hidden=%d, cond=%d)", g.inputDim, g.hiddenDim, g.condDim)
}

// HiddenDim is the dimension of the encoded vectors.
func (g *GRUHyperNet) HiddenDim() int { return g.hiddenDim }

// PredictWeights returns the GRU weights conditioned on cond: the rows of both weight matrices are scaled by
// `1 + Scale(cond)`, and the input bias is shifted by `Shift(cond)`.
//
// It returns an error wrapping shapes.ErrShapeMismatch if cond doesn't have the configured dimension.
func (g *GRUHyperNet) PredictWeights(cond []float64) (*GRUWeights, error) {
	if len(cond) != g.condDim {
		return nil, errors.Wrapf(shapes.ErrShapeMismatch, "%s: conditioning vector has dimension %d", g, len(cond))
	}
	scale := g.Scale.ApplyVector(cond)
	shift := g.Shift.ApplyVector(cond)
	w := &GRUWeights{
		WeightsIH: scaleRows(g.WeightsIH.Value(), scale),
		WeightsHH: scaleRows(g.WeightsHH.Value(), scale),
		BiasIH:    g.BiasIH.Value().Clone(),
		BiasHH:    g.BiasHH.Value().Clone(),
	}
	floats.Add(w.BiasIH.Flat(), shift)
	return w, nil
}

// scaleRows returns a copy of the matrix x with each row r multiplied by `1 + scale[r]`.
func scaleRows(x *tensors.Tensor, scale []float64) *tensors.Tensor {
	output := x.Clone()
	for r, s := range scale {
		floats.Scale(1+s, output.Row(r))
	}
	return output
}

// GRUWeights are the weights of one GRU cell, with gates stacked in the order r, z, n.
type GRUWeights struct {
	WeightsIH, WeightsHH *tensors.Tensor
	BiasIH, BiasHH       *tensors.Tensor
}

// HiddenDim is the dimension of the GRU state.
func (w *GRUWeights) HiddenDim() int { return w.WeightsHH.Dim(1) }

// Run encodes each sequence of x `[N, T, I]` into the final GRU state `[N, H]`, starting from a zero state.
// Sequence n is only run for its first lengths[n] steps: later (padding) positions are never read.
//
// The recurrence for each step is:
//
//	r = σ(W_ir·x + b_ir + W_hr·h + b_hr)
//	z = σ(W_iz·x + b_iz + W_hz·h + b_hz)
//	n = tanh(W_in·x + b_in + r⊙(W_hn·h + b_hn))
//	h' = (1−z)⊙n + z⊙h
//
// It panics with an error wrapping shapes.ErrShapeMismatch if the shapes don't match.
func (w *GRUWeights) Run(x *tensors.Tensor, lengths []int) *tensors.Tensor {
	shapes.AssertRank(x, 3)
	numSeqs, maxLen, inputDim := x.Dim(0), x.Dim(1), x.Dim(2)
	hiddenDim := w.HiddenDim()
	if inputDim != w.WeightsIH.Dim(1) {
		panic(errors.Wrapf(shapes.ErrShapeMismatch, "GRU with input dimension %d applied to sequences shaped %s",
			w.WeightsIH.Dim(1), x.Shape()))
	}
	if err := nn.CheckLengths(lengths, numSeqs, maxLen); err != nil {
		panic(errors.WithMessage(err, "GRU"))
	}
	output := tensors.Zeros(numSeqs, hiddenDim)
	if numSeqs == 0 {
		return output
	}
	gates := NumGates * hiddenDim
	// Input contributions for all positions at once: [N*T, 3H].
	inputGates := nn.MatMul(x.Reshape(numSeqs*maxLen, inputDim), w.WeightsIH, true)
	whh := blas64.General{Rows: gates, Cols: hiddenDim, Stride: hiddenDim, Data: w.WeightsHH.Flat()}
	hiddenGates := make([]float64, gates)
	biasIH, biasHH := w.BiasIH.Flat(), w.BiasHH.Flat()
	for n := range numSeqs {
		h := output.Row(n)
		for t := range lengths[n] {
			gi := inputGates.Row(n*maxLen + t)
			copy(hiddenGates, biasHH)
			blas64.Gemv(blas.NoTrans, 1, whh, blas64.Vector{N: hiddenDim, Inc: 1, Data: h},
				1, blas64.Vector{N: gates, Inc: 1, Data: hiddenGates})
			for j := range hiddenDim {
				r := activations.Sigmoid(gi[j] + biasIH[j] + hiddenGates[j])
				z := activations.Sigmoid(gi[hiddenDim+j] + biasIH[hiddenDim+j] + hiddenGates[hiddenDim+j])
				candidate := math.Tanh(gi[2*hiddenDim+j] + biasIH[2*hiddenDim+j] + r*hiddenGates[2*hiddenDim+j])
				// h is only read by the Gemv above, so it can be updated in place.
				h[j] = (1-z)*candidate + z*h[j]
			}
		}
	}
	return output
}
