// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

// Package fnn implements a generic FNN (Feedforward Neural Network) with various configurations.
// It is used by the conditional modulation blocks to predict per-channel parameters from a conditioning vector.
//
// It also provides support for various hyperparameter configuration -- so the defaults can be given by
// the context parameters.
//
// E.g: A FNN predicting D per-channel scales from a conditioning vector with C features, with a bottleneck of D/8
// hidden nodes, starting as a zero function:
//
//	gammaFn := fnn.New(ctx.In("gamma"), C, D).
//		Bottleneck(8).
//		Activation(activations.TypeRelu).
//		ZeroInitializedOutput().
//		Done()
//	gamma := gammaFn.Apply(cond)
package fnn

import (
	"fmt"

	"github.com/IwenLeeO/lavse/pkg/core/tensors"
	"github.com/IwenLeeO/lavse/pkg/ml/context"
	"github.com/IwenLeeO/lavse/pkg/ml/layers"
	"github.com/IwenLeeO/lavse/pkg/ml/layers/activations"
	"github.com/IwenLeeO/lavse/pkg/ml/nn"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

const (
	// ParamNumHiddenLayers is the hyperparameter that defines the default number of hidden layers.
	// The default is 0 (int), so no hidden layers.
	ParamNumHiddenLayers = "fnn_num_hidden_layers"

	// ParamNumHiddenNodes is the hyperparameter that defines the default number of hidden nodes of the hidden layers.
	// The default is 10 (int).
	ParamNumHiddenNodes = "fnn_num_hidden_nodes"
)

// Config is created with New and can be configured with its methods, or simply setting the corresponding
// hyperparameters in the context.
type Config struct {
	ctx                             *context.Context
	inputDim, outputDim             int
	numHiddenLayers, numHiddenNodes int
	activation                      activations.Type
	useBias, zeroOutput             bool
}

// New creates a configuration for a FNN (Feedforward Neural Network) mapping the last axis from inputDim
// to outputDim. This can be further configured through various methods and when finished,
// call Done to create the variables and get the FNN.
//
// The activation defaults to the context's activations.ParamActivation (default "relu"): an invalid value
// panics with an error wrapping nn.ErrInvalidConfiguration.
func New(ctx *context.Context, inputDim, outputDim int) *Config {
	if inputDim <= 0 || outputDim <= 0 {
		exceptions.Panicf("fnn: dimensions must be > 0, got inputDim=%d, outputDim=%d", inputDim, outputDim)
	}
	activation, err := activations.FromContext(ctx)
	if err != nil {
		panic(errors.WithMessage(err, "fnn"))
	}
	return &Config{
		ctx:             ctx,
		inputDim:        inputDim,
		outputDim:       outputDim,
		numHiddenLayers: context.GetParamOr(ctx, ParamNumHiddenLayers, 0),
		numHiddenNodes:  context.GetParamOr(ctx, ParamNumHiddenNodes, 10),
		activation:      activation,
		useBias:         true,
	}
}

// NumHiddenLayers configure the number of hidden layers between the input and the output.
// Each layer will have numHiddenNodes nodes.
//
// The default is 0 (no hidden layers), but it will be overridden if the hyperparameter
// ParamNumHiddenLayers is set in the context (ctx).
func (c *Config) NumHiddenLayers(numLayers, numHiddenNodes int) *Config {
	if numLayers < 0 || (numLayers > 0 && numHiddenNodes < 1) {
		exceptions.Panicf("fnn: numHiddenLayers (%d) must be greater or equal to 0 and numHiddenNodes (%d) must be greater or equal to 1",
			numLayers, numHiddenNodes)
	}
	c.numHiddenLayers = numLayers
	c.numHiddenNodes = numHiddenNodes
	return c
}

// Bottleneck configures one hidden layer with outputDim/k nodes.
// With k == 1 the hidden layer has as many nodes as the output.
//
// It panics with an error wrapping nn.ErrInvalidConfiguration if k < 1 or if k doesn't divide outputDim.
func (c *Config) Bottleneck(k int) *Config {
	if k < 1 || c.outputDim%k != 0 {
		panic(errors.Wrapf(nn.ErrInvalidConfiguration, "fnn: bottleneck factor k=%d must be >= 1 and divide the output dimension %d",
			k, c.outputDim))
	}
	return c.NumHiddenLayers(1, c.outputDim/k)
}

// UseBias configures whether to add a bias term to each node.
// Almost always you want this to be true, and that is the default.
func (c *Config) UseBias(useBias bool) *Config {
	c.useBias = useBias
	return c
}

// Activation sets the activation for the FNN, in between each layer.
// The output layer doesn't get an activation.
func (c *Config) Activation(activation activations.Type) *Config {
	c.activation = activation
	return c
}

// ZeroInitializedOutput makes the output layer start with zero weights and biases, so the FNN starts as the
// zero function.
func (c *Config) ZeroInitializedOutput() *Config {
	c.zeroOutput = true
	return c
}

// Done creates the variables of all the layers and returns the FNN.
func (c *Config) Done() *FNN {
	f := &FNN{}
	inputDim := c.inputDim
	for ii := range c.numHiddenLayers {
		hidden := layers.Dense(c.ctx.Inf("fnn_hidden_layer_%d", ii), inputDim, c.numHiddenNodes).
			UseBias(c.useBias).
			Activation(c.activation).
			CurrentScope().
			Done()
		f.Layers = append(f.Layers, hidden)
		inputDim = c.numHiddenNodes
	}
	output := layers.Dense(c.ctx.In("fnn_output_layer"), inputDim, c.outputDim).
		UseBias(c.useBias).
		CurrentScope()
	if c.zeroOutput {
		output.ZeroInitialized()
	}
	f.Layers = append(f.Layers, output.Done())
	return f
}

// FNN is a sequence of dense layers: all but the last use the configured activation.
type FNN struct {
	Layers []*layers.DenseLayer
}

// Apply the FNN to x shaped `[<batch dimensions...>, inputDim]`, returning `[<batch dimensions...>, outputDim]`.
func (f *FNN) Apply(x *tensors.Tensor) *tensors.Tensor {
	for _, layer := range f.Layers {
		x = layer.Apply(x)
	}
	return x
}

// ApplyVector applies the FNN to one vector.
func (f *FNN) ApplyVector(x []float64) []float64 {
	return f.Apply(tensors.FromFlatDataAndDimensions(x, len(x))).Flat()
}

// String implements fmt.Stringer.
func (f *FNN) String() string {
	s := fmt.Sprintf("FNN(%d", f.Layers[0].InputDim())
	for _, layer := range f.Layers {
		s += fmt.Sprintf("->%d", layer.OutputDim())
	}
	return s + ")"
}
