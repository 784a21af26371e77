// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

package context

import (
	"testing"

	"github.com/IwenLeeO/lavse/pkg/core/shapes"
	"github.com/IwenLeeO/lavse/pkg/core/tensors"
	"github.com/IwenLeeO/lavse/pkg/ml/initializer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextVariables(t *testing.T) {
	ctx := New()
	ctx2 := ctx.In("a")
	if ctx2.Scope() != "/a" {
		t.Fatalf("Expected scope to be /a, got %s instead", ctx2.Scope())
	}
	ctx3 := ctx2.In("b")
	if ctx3.Scope() != "/a/b" {
		t.Fatalf("Expected scope to be /a/b, got %s instead", ctx3.Scope())
	}
	// Same scope name, but different context data.
	ctx4 := New().In("b")
	require.Equal(t, "/b", ctx4.Scope())

	w := ctx3.WithInitializer(initializer.One).VariableWithShape("w", shapes.Make(3, 2))
	require.Equal(t, "/a/b/w", w.ScopeAndName())
	require.Equal(t, []float64{1, 1, 1, 1, 1, 1}, w.Value().Flat())
	require.Same(t, w, ctx.InAbsPath("/a/b").GetVariable("w"))
	require.Nil(t, ctx4.GetVariable("w"))

	// Variables are created only once.
	require.Panics(t, func() { ctx3.VariableWithShape("w", shapes.Make(3, 2)) })

	bias := ctx.In("c").WithInitializer(initializer.Constant(2)).VariableWithShape("bias", shapes.Make(2))
	require.Equal(t, []float64{2, 2}, bias.Value().Flat())
	require.Equal(t, 2, ctx.NumVariables())
	require.Equal(t, 8, ctx.NumParameters())
	require.Equal(t, uintptr(64), ctx.Memory())

	var inA []string
	for v := range ctx2.IterVariablesInScope() {
		inA = append(inA, v.ScopeAndName())
	}
	require.Equal(t, []string{"/a/b/w"}, inA)

	require.NoError(t, w.SetValue(tensors.Zeros(3, 2)))
	require.ErrorIs(t, w.SetValue(tensors.Zeros(2, 3)), shapes.ErrShapeMismatch)
}

func TestParams(t *testing.T) {
	ctx := New()
	ctx.SetParam("x", 10)
	ctx.SetParam("y", 20)
	ctx.In("a").SetParam("y", 30)
	ctx.In("a").In("b").SetParam("x", 100)

	value, found := ctx.In("a").In("b").GetParam("x")
	assert.True(t, found)
	assert.Equal(t, 100, value)
	value, found = ctx.In("a").In("b").GetParam("y")
	assert.True(t, found)
	assert.Equal(t, 30, value)
	_, found = ctx.In("a").GetParam("w")
	assert.False(t, found)

	// Conversions.
	assert.Equal(t, 10.0, GetParamOr(ctx, "x", 0.0))
	assert.Equal(t, "default", GetParamOr(ctx, "z", "default"))
	assert.Equal(t, int64(100), MustGetParam[int64](ctx.In("a").In("b"), "x"))
	require.Panics(t, func() { MustGetParam[int](ctx, "missing") })
	ctx.SetParam("name", "cosine")
	require.Panics(t, func() { _ = GetParamOr(ctx, "name", 1.0) })

	assert.Equal(t, map[string]any{"x": 100, "y": 30, "name": "cosine"}, ctx.In("a").In("b").VisibleParams())

	var enumerated []string
	ctx.EnumerateParams(func(scope, key string, _ any) {
		enumerated = append(enumerated, JoinScope(scope, key))
	})
	assert.Equal(t, []string{"/name", "/x", "/y", "/a/y", "/a/b/x"}, enumerated)
}

func TestSplitScope(t *testing.T) {
	scope, name := SplitScope("/a/b/w")
	assert.Equal(t, "/a/b", scope)
	assert.Equal(t, "w", name)
	scope, name = SplitScope("/w")
	assert.Equal(t, RootScope, scope)
	assert.Equal(t, "w", name)
	scope, name = SplitScope("w")
	assert.Equal(t, "", scope)
	assert.Equal(t, "w", name)
	assert.Equal(t, "a_b", EscapeScopeName("a/b"))
	require.Panics(t, func() { New().In("a/b") })
	require.Panics(t, func() { New().In("") })
	require.Panics(t, func() { New().InAbsPath("a") })
}

// constantLoader loads every variable it knows of by its full name.
type constantLoader map[string]*tensors.Tensor

func (l constantLoader) LoadVariable(_ *Context, scope, name string) (*tensors.Tensor, bool) {
	value, found := l[JoinScope(scope, name)]
	return value, found
}

func TestLoader(t *testing.T) {
	ctx := New()
	ctx.SetLoader(constantLoader{
		"/layer/weights": tensors.FromValue([][]float64{{1, 2}, {3, 4}}),
		"/layer/wrong":   tensors.Zeros(3),
	})
	weights := ctx.In("layer").VariableWithShape("weights", shapes.Make(2, 2))
	require.Equal(t, []float64{1, 2, 3, 4}, weights.Value().Flat())
	biases := ctx.In("layer").WithInitializer(initializer.Zero).VariableWithShape("biases", shapes.Make(2))
	require.Equal(t, []float64{0, 0}, biases.Value().Flat())

	// Loaded values must match the requested shape.
	require.Panics(t, func() { ctx.In("layer").VariableWithShape("wrong", shapes.Make(2)) })
}

func TestDeviceAndRng(t *testing.T) {
	ctx := New()
	require.Equal(t, tensors.Host, ctx.Device())
	dev := tensors.Device{Kind: tensors.CPU, Num: 1}
	ctx.SetDevice(dev)
	v := ctx.VariableWithShape("v", shapes.Make(2))
	require.Equal(t, dev, v.Value().Device())
	require.Panics(t, func() { ctx.SetDevice(tensors.Host) })

	ctx1, ctx2 := New(), New()
	ctx1.RngStateFromSeed(42)
	ctx2.SetParam(ParamInitialSeed, int64(42))
	ctx2.RngStateReset()
	a := ctx1.VariableWithShape("w", shapes.Make(4, 4))
	b := ctx2.VariableWithShape("w", shapes.Make(4, 4))
	require.Equal(t, a.Value().Flat(), b.Value().Flat())

	require.False(t, ctx.IsTraining())
	ctx.In("x").SetTraining(true)
	require.True(t, ctx.IsTraining())
}
