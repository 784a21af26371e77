// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"path/filepath"
	"testing"

	"github.com/IwenLeeO/lavse/pkg/core/shapes"
	"github.com/IwenLeeO/lavse/pkg/core/tensors"
	"github.com/IwenLeeO/lavse/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVariableKey(t *testing.T) {
	assert.Equal(t, "adaptive/fc/weights", VariableKey("/adaptive/fc", "weights"))
	assert.Equal(t, "gamma", VariableKey(context.RootScope, "gamma"))
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.npz")
	var saved *tensors.Tensor
	{
		ctx := context.New()
		ctx.RngStateFromSeed(1)
		saved = ctx.In("layer").VariableWithShape("weights", shapes.Make(3, 2)).Value()
		ctx.In("layer").VariableWithShape("biases", shapes.Make(2))
		numSaved, err := SaveNpz(ctx, path)
		require.NoError(t, err)
		require.Equal(t, 2, numSaved)

		// Only the variables of the scope are saved.
		ctx.In("other").VariableWithShape("weights", shapes.Make(1))
		numSaved, err = SaveNpz(ctx.In("other"), filepath.Join(t.TempDir(), "other.npz"))
		require.NoError(t, err)
		require.Equal(t, 1, numSaved)
	}

	loader, err := LoadNpz(path)
	require.NoError(t, err)
	require.Equal(t, 2, loader.Len())

	ctx := context.New()
	ctx.RngStateFromSeed(2)
	ctx.SetLoader(loader)
	weights := ctx.In("layer").VariableWithShape("weights", shapes.Make(3, 2))
	require.Equal(t, saved.Flat(), weights.Value().Flat())
	require.Equal(t, []string{"layer/biases"}, loader.Unused())

	// A missing key falls back to the initializer.
	other := ctx.In("other").VariableWithShape("weights", shapes.Make(3, 2))
	require.NotEqual(t, saved.Flat(), other.Value().Flat())

	_, err = LoadNpz(filepath.Join(t.TempDir(), "missing.npz"))
	require.Error(t, err)
}
