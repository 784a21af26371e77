// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"math"

	"github.com/IwenLeeO/lavse/pkg/core/tensors"
	"gonum.org/v1/gonum/floats"
)

// SoftmaxInPlace replaces logits with `exp(logits) / sum(exp(logits))`, computed in a numerically
// stable way (the max is subtracted first).
func SoftmaxInPlace(logits []float64) {
	ScaledSoftmaxInPlace(logits, 1)
}

// ScaledSoftmaxInPlace replaces logits with `Softmax(scale * logits)`.
func ScaledSoftmaxInPlace(logits []float64, scale float64) {
	if len(logits) == 0 {
		return
	}
	maxValue := floats.Max(logits) * scale
	if scale < 0 {
		maxValue = floats.Min(logits) * scale
	}
	var sum float64
	for ii, v := range logits {
		e := math.Exp(v*scale - maxValue)
		logits[ii] = e
		sum += e
	}
	floats.Scale(1/sum, logits)
}

// Softmax returns a copy of x with softmax applied over the last axis.
func Softmax(x *tensors.Tensor) *tensors.Tensor {
	output := x.Clone()
	if output.Rank() == 0 {
		output.Flat()[0] = 1
		return output
	}
	lastDim := output.Dim(-1)
	data := output.Flat()
	for start := 0; start < len(data); start += lastDim {
		SoftmaxInPlace(data[start : start+lastDim])
	}
	return output
}
