// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

package hypernet

import (
	"fmt"

	"github.com/IwenLeeO/lavse/pkg/core/shapes"
	"github.com/IwenLeeO/lavse/pkg/core/tensors"
	"github.com/IwenLeeO/lavse/pkg/ml/context"
	"github.com/IwenLeeO/lavse/pkg/ml/initializer"
	"github.com/IwenLeeO/lavse/pkg/ml/layers"
	"github.com/IwenLeeO/lavse/pkg/ml/layers/fnn"
	"github.com/IwenLeeO/lavse/pkg/ml/nn"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// ConvHyperNet predicts the kernel of a 1D convolution from a conditioning vector.
type ConvHyperNet struct {
	kernelSize, inputChannels, outputChannels, condDim int

	// Kernel shaped `[kernelSize, inputChannels, outputChannels]` and Biases `[outputChannels]` are the base weights.
	Kernel, Biases *context.Variable

	// Scale and Shift predict `[outputChannels]` values from the conditioning vector.
	Scale, Shift *fnn.FNN
}

// NewConv creates the variables of a convolution hypernetwork, under the scope "conv" of ctx.
func NewConv(ctx *context.Context, kernelSize, inputChannels, outputChannels, condDim int) *ConvHyperNet {
	if kernelSize <= 0 || inputChannels <= 0 || outputChannels <= 0 || condDim <= 0 {
		exceptions.Panicf("hypernet.NewConv: dimensions must be positive, got kernel=%d, input=%d, output=%d, cond=%d",
			kernelSize, inputChannels, outputChannels, condDim)
	}
	ctx = ctx.In("conv")
	return &ConvHyperNet{
		kernelSize:     kernelSize,
		inputChannels:  inputChannels,
		outputChannels: outputChannels,
		condDim:        condDim,
		Kernel:         ctx.VariableWithShape("weights", shapes.Make(kernelSize, inputChannels, outputChannels)),
		Biases:         ctx.WithInitializer(initializer.Zero).VariableWithShape("biases", shapes.Make(outputChannels)),
		Scale:          newPredictor(ctx.In("scale"), condDim, outputChannels),
		Shift:          newPredictor(ctx.In("shift"), condDim, outputChannels),
	}
}

// String implements fmt.Stringer.
func (c *ConvHyperNet) String() string {
	return fmt.Sprintf("ConvHyperNet(kernel=%d, input=%d, output=%d, cond=%d)",
		c.kernelSize, c.inputChannels, c.outputChannels, c.condDim)
}

// OutputChannels is the number of channels of the convolution output.
func (c *ConvHyperNet) OutputChannels() int { return c.outputChannels }

// PredictKernel returns the convolution kernel conditioned on cond: output channel o of the kernel is scaled by
// `1 + Scale(cond)[o]` and the biases are shifted by `Shift(cond)`.
//
// It returns an error wrapping shapes.ErrShapeMismatch if cond doesn't have the configured dimension.
func (c *ConvHyperNet) PredictKernel(cond []float64) (*ConvKernel, error) {
	if len(cond) != c.condDim {
		return nil, errors.Wrapf(shapes.ErrShapeMismatch, "%s: conditioning vector has dimension %d", c, len(cond))
	}
	scale := c.Scale.ApplyVector(cond)
	for ii := range scale {
		scale[ii] += 1
	}
	kernel := c.Kernel.Value().Clone()
	data := kernel.Flat()
	// The kernel's last axis is the output channel.
	for start := 0; start < len(data); start += c.outputChannels {
		floats.Mul(data[start:start+c.outputChannels], scale)
	}
	biases := c.Biases.Value().Clone()
	floats.Add(biases.Flat(), c.Shift.ApplyVector(cond))
	return &ConvKernel{Weights: kernel, Biases: biases}, nil
}

// ConvKernel holds the weights of a 1D convolution: Weights `[kernelSize, inputChannels, outputChannels]` and
// Biases `[outputChannels]`.
type ConvKernel struct {
	Weights, Biases *tensors.Tensor
}

// Apply convolves x `[N, T, inputChannels]` with "same" zero padding, returning `[N, T, outputChannels]`.
// Positions `>= lengths[n]` are treated as zeros in the input, and are zero in the output.
//
// It panics with an error wrapping shapes.ErrShapeMismatch (or nn.ErrDegenerateInput for empty sequences) if
// the inputs are not valid.
func (k *ConvKernel) Apply(x *tensors.Tensor, lengths []int) *tensors.Tensor {
	shapes.AssertRank(x, 3)
	if err := nn.CheckLengths(lengths, x.Dim(0), x.Dim(1)); err != nil {
		panic(errors.WithMessage(err, "ConvKernel"))
	}
	return layers.Convolve1D(x, lengths, k.Weights, k.Biases)
}
