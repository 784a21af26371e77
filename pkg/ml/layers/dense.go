// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

// Package layers holds a collection of common modeling layers: the dense layer and the 1D convolution.
//
// Layers are created once, with a builder that creates their variables in the context, and then applied
// to as many inputs as needed. Applying a layer never changes its variables.
//
// A small convention on naming: typically layers are nouns (like "Convolution", "Dense" (layer)),
// while computations are usually verbs ("Convolve1D", "MatMul", etc.).
package layers

import (
	"slices"

	"github.com/IwenLeeO/lavse/pkg/core/shapes"
	"github.com/IwenLeeO/lavse/pkg/core/tensors"
	"github.com/IwenLeeO/lavse/pkg/ml/context"
	"github.com/IwenLeeO/lavse/pkg/ml/initializer"
	"github.com/IwenLeeO/lavse/pkg/ml/layers/activations"
	"github.com/IwenLeeO/lavse/pkg/ml/nn"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// DenseBuilder configures a Dense layer. Create it with Dense, and call Done when finished.
type DenseBuilder struct {
	ctx                  *context.Context
	inputDim, outputDim  int
	useBias, zeroInitial bool
	activation           activations.Type
	newScope             bool
}

// Dense prepares a dense linear layer mapping the last axis from inputDim to outputDim.
// By default, it uses a bias term and no activation.
//
// Variables "weights" (shaped `[inputDim, outputDim]`) and "biases" (shaped `[outputDim]`) are created
// in the sub-scope "dense" of ctx, unless CurrentScope is set.
func Dense(ctx *context.Context, inputDim, outputDim int) *DenseBuilder {
	if inputDim <= 0 || outputDim <= 0 {
		exceptions.Panicf("layers.Dense requires positive dimensions, got inputDim=%d, outputDim=%d", inputDim, outputDim)
	}
	return &DenseBuilder{
		ctx:       ctx,
		inputDim:  inputDim,
		outputDim: outputDim,
		useBias:   true,
		newScope:  true,
	}
}

// UseBias configures whether to add a bias term. Default is true.
func (b *DenseBuilder) UseBias(useBias bool) *DenseBuilder {
	b.useBias = useBias
	return b
}

// Activation applied to the output. Default is activations.TypeNone.
func (b *DenseBuilder) Activation(activation activations.Type) *DenseBuilder {
	b.activation = activation
	return b
}

// ZeroInitialized makes weights and biases start at zero, so the layer initially outputs only zeros.
// Loaded values (see context.Loader) still take precedence.
func (b *DenseBuilder) ZeroInitialized() *DenseBuilder {
	b.zeroInitial = true
	return b
}

// CurrentScope configures the layer to create its variables in the current scope, as opposed to a new "dense"
// sub-scope.
func (b *DenseBuilder) CurrentScope() *DenseBuilder {
	b.newScope = false
	return b
}

// Done creates the variables of the layer and returns it.
func (b *DenseBuilder) Done() *DenseLayer {
	ctx := b.ctx
	if b.newScope {
		ctx = ctx.In("dense")
	}
	if b.zeroInitial {
		ctx = ctx.WithInitializer(initializer.Zero)
	}
	layer := &DenseLayer{
		Weights:    ctx.VariableWithShape("weights", shapes.Make(b.inputDim, b.outputDim)),
		Activation: b.activation,
	}
	if b.useBias {
		layer.Biases = ctx.WithInitializer(initializer.Zero).VariableWithShape("biases", shapes.Make(b.outputDim))
	}
	return layer
}

// DenseLayer is a learnable linear transformation `activation(x·W + b)` over the last axis of its input.
type DenseLayer struct {
	Weights *context.Variable

	// Biases is nil if the layer has no bias term.
	Biases *context.Variable

	Activation activations.Type
}

// InputDim is the expected dimension of the last axis of the inputs.
func (d *DenseLayer) InputDim() int { return d.Weights.Shape().Dim(0) }

// OutputDim is the dimension of the last axis of the outputs.
func (d *DenseLayer) OutputDim() int { return d.Weights.Shape().Dim(1) }

// Apply the layer to x shaped `[<batch dimensions...>, inputDim]`, returning `[<batch dimensions...>, outputDim]`.
//
// It panics with an error wrapping shapes.ErrShapeMismatch if the last dimension of x is not inputDim.
func (d *DenseLayer) Apply(x *tensors.Tensor) *tensors.Tensor {
	inputDim, outputDim := d.InputDim(), d.OutputDim()
	if x.Rank() == 0 || x.Dim(-1) != inputDim {
		panic(errors.Wrapf(shapes.ErrShapeMismatch, "dense layer %s expects inputs shaped [..., %d], got %s",
			d.Weights.Scope(), inputDim, x.Shape()))
	}
	rows := x.Size() / inputDim
	output := nn.MatMul(x.Reshape(rows, inputDim), d.Weights.Value(), false)
	if d.Biases != nil {
		biases := d.Biases.Value().Flat()
		for ii := range rows {
			floats.Add(output.Row(ii), biases)
		}
	}
	activations.ApplyInPlace(d.Activation, output.Flat())
	outputDims := slices.Clone(x.Shape().Dimensions)
	outputDims[len(outputDims)-1] = outputDim
	return output.Reshape(outputDims...)
}

// ApplyVector applies the layer to one vector of dimension inputDim.
func (d *DenseLayer) ApplyVector(x []float64) []float64 {
	return d.Apply(tensors.FromFlatDataAndDimensions(x, len(x))).Flat()
}
