// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

// Package initializer provides the variable initializers used when a model's variables are created.
//
// An Initializer draws its random values from the random number generator given to it (usually the
// context's, see context.Context.RngStateFromSeed), so initialization is deterministic for a fixed seed.
package initializer

import (
	"math"
	"math/rand/v2"

	"github.com/IwenLeeO/lavse/pkg/core/shapes"
	"github.com/IwenLeeO/lavse/pkg/core/tensors"
)

// Initializer returns the initial value of a variable with the given shape.
type Initializer func(rng *rand.Rand, shape shapes.Shape) *tensors.Tensor

var (
	// Zero initializes variables with zero.
	Zero Initializer = func(_ *rand.Rand, shape shapes.Shape) *tensors.Tensor {
		return tensors.FromShape(shape)
	}

	// One initializes variables with one.
	One Initializer = Constant(1)
)

// Constant returns an initializer that fills variables with value.
func Constant(value float64) Initializer {
	return func(_ *rand.Rand, shape shapes.Shape) *tensors.Tensor {
		t := tensors.FromShape(shape)
		for ii := range t.Flat() {
			t.Flat()[ii] = value
		}
		return t
	}
}

// Uniform returns an initializer that generates random uniform values from [min, max).
func Uniform(minValue, maxValue float64) Initializer {
	return func(rng *rand.Rand, shape shapes.Shape) *tensors.Tensor {
		t := tensors.FromShape(shape)
		for ii := range t.Flat() {
			t.Flat()[ii] = minValue + rng.Float64()*(maxValue-minValue)
		}
		return t
	}
}

// computeFanInFanOut of a variable expected to be the weights of a dense layer (`[in, out]`) or of a
// convolution kernel (`[kernel..., in, out]`).
func computeFanInFanOut(shape shapes.Shape) (fanIn, fanOut int) {
	rank := shape.Rank()
	switch rank {
	case 0: // Scalar.
		fanIn = 1
		fanOut = fanIn
	case 1: // 1D shape, like a bias term in a dense layer.
		fanIn = 0
		fanOut = fanIn
	case 2: // 2D shape, weights of a dense layer.
		fanIn = shape.Dimensions[0]
		fanOut = shape.Dimensions[1]
	default: // Assuming convolution kernels.
		receptiveFieldSize := 1
		for _, dim := range shape.Dimensions[:rank-2] {
			receptiveFieldSize *= dim
		}
		fanIn = shape.Dimensions[rank-2] * receptiveFieldSize
		fanOut = shape.Dimensions[rank-1] * receptiveFieldSize
	}
	return
}

// FanInUniform returns an initializer with uniform values in +/- 1/sqrt(fanIn), the default of linear
// and convolution layers in PyTorch, which the pre-trained similarity weights were produced with.
//
// Biases (rank 1) have no fan-in of their own: they are initialized to zero.
func FanInUniform() Initializer {
	return func(rng *rand.Rand, shape shapes.Shape) *tensors.Tensor {
		if shape.Rank() <= 1 {
			return tensors.FromShape(shape)
		}
		fanIn, _ := computeFanInFanOut(shape)
		limit := 1 / math.Sqrt(max(1.0, float64(fanIn)))
		return Uniform(-limit, limit)(rng, shape)
	}
}
