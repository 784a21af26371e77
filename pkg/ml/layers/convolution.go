// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"github.com/IwenLeeO/lavse/pkg/core/shapes"
	"github.com/IwenLeeO/lavse/pkg/core/tensors"
	"github.com/IwenLeeO/lavse/pkg/ml/context"
	"github.com/IwenLeeO/lavse/pkg/ml/initializer"
	"github.com/IwenLeeO/lavse/pkg/ml/layers/activations"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
)

// This file contains all parts of the layers.Convolution implementation.

// ConvBuilder is a helper to build a 1D convolution layer. Create it with Convolution, set the desired parameters,
// and when all is set, call Done.
type ConvBuilder struct {
	ctx                           *context.Context
	inputChannels, outputChannels int
	kernelSize                    int
	bias, newScope                bool
	activation                    activations.Type
}

// Convolution prepares a 1D convolution over sequences shaped `[batch, time, inputChannels]` (channels last),
// with "same" zero padding: the output has the same number of positions as the input.
//
// The defaults are kernel size 1 (a pointwise projection of the channels), with bias and no activation.
//
// Variables "weights" (shaped `[kernelSize, inputChannels, outputChannels]`) and "biases" are created in the
// sub-scope "conv", unless CurrentScope is set.
func Convolution(ctx *context.Context, inputChannels, outputChannels int) *ConvBuilder {
	if inputChannels <= 0 || outputChannels <= 0 {
		exceptions.Panicf("layers.Convolution requires positive channels, got inputChannels=%d, outputChannels=%d",
			inputChannels, outputChannels)
	}
	return &ConvBuilder{
		ctx:            ctx,
		inputChannels:  inputChannels,
		outputChannels: outputChannels,
		kernelSize:     1,
		bias:           true,
		newScope:       true,
	}
}

// KernelSize sets the number of positions covered by the kernel. Default is 1.
func (conv *ConvBuilder) KernelSize(size int) *ConvBuilder {
	if size <= 0 {
		exceptions.Panicf("layers.Convolution: kernel size must be positive, got %d", size)
	}
	conv.kernelSize = size
	return conv
}

// UseBias configures whether to add a bias term to the output channels. Default is true.
func (conv *ConvBuilder) UseBias(useBias bool) *ConvBuilder {
	conv.bias = useBias
	return conv
}

// Activation applied to the output. Default is activations.TypeNone.
func (conv *ConvBuilder) Activation(activation activations.Type) *ConvBuilder {
	conv.activation = activation
	return conv
}

// CurrentScope configures the convolution to create its variables in the current scope, as opposed to a new
// "conv" sub-scope.
func (conv *ConvBuilder) CurrentScope() *ConvBuilder {
	conv.newScope = false
	return conv
}

// Done creates the kernel (and bias) variables and returns the layer.
func (conv *ConvBuilder) Done() *ConvLayer {
	ctxInScope := conv.ctx
	if conv.newScope {
		ctxInScope = ctxInScope.In("conv")
	}
	layer := &ConvLayer{
		Kernel:     ctxInScope.VariableWithShape("weights", shapes.Make(conv.kernelSize, conv.inputChannels, conv.outputChannels)),
		Activation: conv.activation,
	}
	if conv.bias {
		layer.Biases = ctxInScope.WithInitializer(initializer.Zero).
			VariableWithShape("biases", shapes.Make(conv.outputChannels))
	}
	return layer
}

// ConvLayer is a learned 1D convolution, see Convolution.
type ConvLayer struct {
	// Kernel shaped `[kernelSize, inputChannels, outputChannels]`.
	Kernel *context.Variable

	// Biases is nil if the layer has no bias term.
	Biases *context.Variable

	Activation activations.Type
}

// Apply convolves x shaped `[batch, time, inputChannels]`, returning `[batch, time, outputChannels]`.
// If lengths is not nil, positions `>= lengths[b]` are treated as zeros in the input and set to zero in
// the output.
func (c *ConvLayer) Apply(x *tensors.Tensor, lengths []int) *tensors.Tensor {
	var bias *tensors.Tensor
	if c.Biases != nil {
		bias = c.Biases.Value()
	}
	output := Convolve1D(x, lengths, c.Kernel.Value(), bias)
	activations.ApplyInPlace(c.Activation, output.Flat())
	if lengths != nil {
		zeroPadding(output, lengths)
	}
	return output
}

// Convolve1D convolves x shaped `[batch, time, inputChannels]` with kernel shaped
// `[kernelSize, inputChannels, outputChannels]` and an optional bias `[outputChannels]`, using "same" zero padding
// (for even kernel sizes the extra padding goes to the end).
//
// If lengths is not nil, positions `>= lengths[b]` of each item are treated as zeros in the input and are
// zero in the output.
//
// It panics with an error wrapping shapes.ErrShapeMismatch if the shapes are not compatible.
func Convolve1D(x *tensors.Tensor, lengths []int, kernel, bias *tensors.Tensor) *tensors.Tensor {
	shapes.AssertRank(x, 3)
	shapes.AssertRank(kernel, 3)
	batchSize, maxLen, inputChannels := x.Dim(0), x.Dim(1), x.Dim(2)
	kernelSize, outputChannels := kernel.Dim(0), kernel.Dim(2)
	if kernel.Dim(1) != inputChannels {
		panic(errors.Wrapf(shapes.ErrShapeMismatch, "Convolve1D: input %s has %d channels, but kernel %s expects %d",
			x.Shape(), inputChannels, kernel.Shape(), kernel.Dim(1)))
	}
	if bias != nil {
		shapes.AssertDims(bias, outputChannels)
	}
	if lengths != nil && len(lengths) != batchSize {
		panic(errors.Wrapf(shapes.ErrShapeMismatch, "Convolve1D: got %d lengths for batch size %d", len(lengths), batchSize))
	}
	padBefore := (kernelSize - 1) / 2
	output := tensors.Zeros(batchSize, maxLen, outputChannels)
	if output.Size() == 0 || inputChannels == 0 {
		return output
	}
	kernelFlat := kernel.Flat()
	kernelStride := inputChannels * outputChannels
	for b := range batchSize {
		length := maxLen
		if lengths != nil {
			length = min(lengths[b], maxLen)
		}
		if length <= 0 {
			continue
		}
		xItem, outItem := x.Item(b).Flat(), output.Item(b).Flat()
		if bias != nil {
			for t := range length {
				copy(outItem[t*outputChannels:(t+1)*outputChannels], bias.Flat())
			}
		}
		for k := range kernelSize {
			// Output position t reads input position t+k-padBefore, which must be within [0, length).
			offset := k - padBefore
			tStart, tEnd := max(0, -offset), min(length, length-offset)
			if tEnd <= tStart {
				continue
			}
			rows := tEnd - tStart
			src := blas64.General{Rows: rows, Cols: inputChannels, Stride: inputChannels,
				Data: xItem[(tStart+offset)*inputChannels : (tEnd+offset)*inputChannels]}
			weights := blas64.General{Rows: inputChannels, Cols: outputChannels, Stride: outputChannels,
				Data: kernelFlat[k*kernelStride : (k+1)*kernelStride]}
			dst := blas64.General{Rows: rows, Cols: outputChannels, Stride: outputChannels,
				Data: outItem[tStart*outputChannels : tEnd*outputChannels]}
			blas64.Gemm(blas.NoTrans, blas.NoTrans, 1, src, weights, 1, dst)
		}
	}
	return output
}

// zeroPadding sets positions `>= lengths[b]` of x `[batch, time, channels]` to zero.
func zeroPadding(x *tensors.Tensor, lengths []int) {
	channels := x.Dim(2)
	for b, length := range lengths {
		item := x.Item(b).Flat()
		if length < x.Dim(1) {
			clear(item[max(length, 0)*channels:])
		}
	}
}
