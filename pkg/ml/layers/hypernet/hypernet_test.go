// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

package hypernet

import (
	"math"
	"testing"

	"github.com/IwenLeeO/lavse/pkg/core/shapes"
	"github.com/IwenLeeO/lavse/pkg/core/tensors"
	"github.com/IwenLeeO/lavse/pkg/ml/context"
	"github.com/IwenLeeO/lavse/pkg/ml/nn"
	"github.com/gomlx/exceptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGRUIdentityStart(t *testing.T) {
	ctx := context.New()
	ctx.RngStateFromSeed(11)
	gru := NewGRU(ctx, 3, 2, 4)
	assert.Equal(t, "GRUHyperNet(input=3, hidden=2, cond=4)", gru.String())
	assert.Equal(t, "/gru/weights_ih", gru.WeightsIH.ScopeAndName())
	for _, v := range gru.WeightsHH.Value().Flat() {
		require.LessOrEqual(t, math.Abs(v), 1/math.Sqrt(2))
	}

	w, err := gru.PredictWeights([]float64{1, -2, 3, 0.5})
	require.NoError(t, err)
	require.Equal(t, gru.WeightsIH.Value().Flat(), w.WeightsIH.Flat())
	require.Equal(t, gru.WeightsHH.Value().Flat(), w.WeightsHH.Flat())
	require.Equal(t, gru.BiasIH.Value().Flat(), w.BiasIH.Flat())

	// Predicted weights are copies.
	w.WeightsIH.Flat()[0] = 1000
	require.NotEqual(t, 1000.0, gru.WeightsIH.Value().Flat()[0])

	_, err = gru.PredictWeights([]float64{1})
	require.ErrorIs(t, err, shapes.ErrShapeMismatch)
}

// scalarGRU returns the weights of a GRU with input and hidden dimension 1, where only W_in is set.
func scalarGRU(win float64) *GRUWeights {
	return &GRUWeights{
		WeightsIH: tensors.FromValue([][]float64{{0}, {0}, {win}}),
		WeightsHH: tensors.Zeros(3, 1),
		BiasIH:    tensors.Zeros(3),
		BiasHH:    tensors.Zeros(3),
	}
}

func TestGRURun(t *testing.T) {
	// r = z = σ(0) = 0.5, n = tanh(x), h' = 0.5*n + 0.5*h.
	w := scalarGRU(1)
	x := tensors.FromValue([][][]float64{{{1}, {2}}, {{1}, {7}}})
	h1 := 0.5 * math.Tanh(1)
	h2 := 0.5*math.Tanh(2) + 0.5*h1
	got := w.Run(x, []int{2, 1})
	require.Equal(t, []int{2, 1}, got.Shape().Dimensions)
	require.InDeltaSlice(t, []float64{h2, h1}, got.Flat(), 1e-12)

	err := exceptions.TryCatch[error](func() { w.Run(x, []int{2, 0}) })
	require.ErrorIs(t, err, nn.ErrDegenerateInput)
	err = exceptions.TryCatch[error](func() { w.Run(x, []int{3, 1}) })
	require.ErrorIs(t, err, shapes.ErrShapeMismatch)
	err = exceptions.TryCatch[error](func() { w.Run(tensors.Zeros(2, 2, 3), []int{1, 1}) })
	require.ErrorIs(t, err, shapes.ErrShapeMismatch)
}

func TestGRUModulation(t *testing.T) {
	ctx := context.New()
	gru := NewGRU(ctx, 1, 1, 1)
	base := scalarGRU(1)
	gru.WeightsIH.MustSetValue(base.WeightsIH)
	gru.WeightsHH.MustSetValue(base.WeightsHH)
	gru.BiasIH.MustSetValue(base.BiasIH)
	gru.BiasHH.MustSetValue(base.BiasHH)
	// Scale of the "n" gate rows is the conditioning value.
	gru.Scale.Layers[0].Weights.MustSetValue(tensors.FromValue([][]float64{{0, 0, 1}}))

	w, err := gru.PredictWeights([]float64{1})
	require.NoError(t, err)
	require.Equal(t, []float64{0, 0, 2}, w.WeightsIH.Flat())
	got := w.Run(tensors.FromValue([][][]float64{{{0.5}}}), []int{1})
	require.InDelta(t, 0.5*math.Tanh(1), got.Flat()[0], 1e-12)

	// Shift moves the input bias of the update gate: z = σ(100) ≈ 1 keeps the initial zero state.
	gru.Shift.Layers[0].Biases.MustSetValue(tensors.FromValue([]float64{0, 100, 0}))
	w, err = gru.PredictWeights([]float64{1})
	require.NoError(t, err)
	got = w.Run(tensors.FromValue([][][]float64{{{0.5}}}), []int{1})
	require.InDelta(t, 0, got.Flat()[0], 1e-12)
}

func TestConvHyperNet(t *testing.T) {
	ctx := context.New()
	ctx.RngStateFromSeed(2)
	conv := NewConv(ctx, 3, 2, 2, 1)
	assert.Equal(t, "ConvHyperNet(kernel=3, input=2, output=2, cond=1)", conv.String())
	kernel, err := conv.PredictKernel([]float64{4})
	require.NoError(t, err)
	require.Equal(t, conv.Kernel.Value().Flat(), kernel.Weights.Flat())

	// Scale output channel 1 by 1+cond, shift channel 0 by cond.
	conv.Scale.Layers[0].Weights.MustSetValue(tensors.FromValue([][]float64{{0, 1}}))
	conv.Shift.Layers[0].Weights.MustSetValue(tensors.FromValue([][]float64{{1, 0}}))
	kernel, err = conv.PredictKernel([]float64{2})
	require.NoError(t, err)
	base := conv.Kernel.Value().Flat()
	for ii, v := range kernel.Weights.Flat() {
		if ii%2 == 0 {
			require.Equal(t, base[ii], v)
		} else {
			require.InDelta(t, 3*base[ii], v, 1e-12)
		}
	}
	require.Equal(t, []float64{2, 0}, kernel.Biases.Flat())

	x := tensors.FromValue([][][]float64{{{1, 2}, {3, 4}, {5, 6}}})
	garbage := x.Clone()
	garbage.Item(0).Row(2)[1] = -50
	want := kernel.Apply(x, []int{2})
	require.Equal(t, want.Flat(), kernel.Apply(garbage, []int{2}).Flat())
	require.Equal(t, []float64{0, 0}, want.Item(0).Row(2))

	_, err = conv.PredictKernel([]float64{1, 2})
	require.ErrorIs(t, err, shapes.ErrShapeMismatch)
	err = exceptions.TryCatch[error](func() { kernel.Apply(x, []int{0}) })
	require.ErrorIs(t, err, nn.ErrDegenerateInput)
}
