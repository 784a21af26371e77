// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

package activations

import (
	"testing"

	"github.com/IwenLeeO/lavse/pkg/core/tensors"
	"github.com/IwenLeeO/lavse/pkg/ml/context"
	"github.com/IwenLeeO/lavse/pkg/ml/nn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApply(t *testing.T) {
	x := tensors.FromValue([]float64{0, -1, 2, -3, 4, -5, 6})
	assert.Equal(t, []float64{0, 0, 2, 0, 4, 0, 6}, Apply(TypeRelu, x).Flat())
	assert.InDeltaSlice(t, []float64{0, -0.1, 2, -0.3, 4, -0.5, 6}, Apply(TypeLeakyRelu, x).Flat(), 1e-12)
	assert.Equal(t, x.Flat(), Apply(TypeNone, x).Flat())
	// Input not modified.
	assert.Equal(t, -1.0, x.At(1))

	assert.InDelta(t, 0.5, Sigmoid(0), 1e-12)
	assert.InDelta(t, 0.7310585786300049, Swish(1), 1e-12)
	assert.InDelta(t, 0.8413447460685429, Gelu(1), 1e-12)
	assert.InDelta(t, 0.7615941559557649, TypeTanh.Scalar(1), 1e-12)
}

func TestFromName(t *testing.T) {
	for _, activation := range TypeValues() {
		parsed, err := FromName(activation.String())
		require.NoError(t, err)
		require.Equal(t, activation, parsed)
	}
	parsed, err := FromName("")
	require.NoError(t, err)
	require.Equal(t, TypeNone, parsed)
	parsed, err = FromName("SiLU")
	require.NoError(t, err)
	require.Equal(t, TypeSwish, parsed)

	_, err = FromName("softplus")
	require.ErrorIs(t, err, nn.ErrInvalidConfiguration)

	var activation Type
	require.NoError(t, activation.UnmarshalText([]byte("leaky_relu")))
	require.Equal(t, TypeLeakyRelu, activation)
	text, err := activation.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "leaky_relu", string(text))
	require.ErrorIs(t, activation.UnmarshalText([]byte("softplus")), nn.ErrInvalidConfiguration)
}

func TestFromContext(t *testing.T) {
	ctx := context.New()
	activation, err := FromContext(ctx)
	require.NoError(t, err)
	require.Equal(t, TypeRelu, activation)

	ctx.In("fnn").SetParam(ParamActivation, "tanh")
	activation, err = FromContext(ctx.In("fnn"))
	require.NoError(t, err)
	require.Equal(t, TypeTanh, activation)
}
