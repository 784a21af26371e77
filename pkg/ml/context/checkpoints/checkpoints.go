// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements loading and saving of model variables from/to NumPy `.npz` archives.
//
// Each variable is stored as one array named after its scope and name without the leading separator,
// e.g. the variable "weights" in scope "/adaptive/fc" is stored as "adaptive/fc/weights.npy".
//
// Example: loading pre-trained weights before building a similarity model:
//
//	ctx := context.New()
//	loader, err := checkpoints.LoadNpz(*flagWeights)
//	if err != nil { ... }
//	ctx.SetLoader(loader)
//	sim, err := similarity.New(ctx, cfg)  // Variables are taken from the loader if present.
//	for _, key := range loader.Unused() {
//		klog.Warningf("weight %q not used by the model", key)
//	}
package checkpoints

import (
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/IwenLeeO/lavse/pkg/core/tensors"
	"github.com/IwenLeeO/lavse/pkg/core/tensors/numpy"
	"github.com/IwenLeeO/lavse/pkg/ml/context"
	"github.com/pkg/errors"
)

// VariableKey returns the key used in the archive for the variable with the given scope and name.
func VariableKey(scope, name string) string {
	return strings.TrimPrefix(context.JoinScope(scope, name), context.ScopeSeparator)
}

// NpzLoader implements context.Loader with values read from a `.npz` archive.
type NpzLoader struct {
	mu     sync.Mutex
	values map[string]*tensors.Tensor
	used   map[string]bool
}

var _ context.Loader = (*NpzLoader)(nil)

// LoadNpz reads all arrays of the `.npz` archive in filePath.
func LoadNpz(filePath string) (*NpzLoader, error) {
	values, err := numpy.FromNpzFile(filePath)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load weights")
	}
	return FromTensors(values), nil
}

// FromTensors creates a loader from a map of variable keys (see VariableKey) to values.
func FromTensors(values map[string]*tensors.Tensor) *NpzLoader {
	return &NpzLoader{
		values: maps.Clone(values),
		used:   make(map[string]bool, len(values)),
	}
}

// LoadVariable implements context.Loader.
func (l *NpzLoader) LoadVariable(_ *context.Context, scope, name string) (value *tensors.Tensor, found bool) {
	key := VariableKey(scope, name)
	l.mu.Lock()
	defer l.mu.Unlock()
	value, found = l.values[key]
	if found {
		l.used[key] = true
		value = value.Clone()
	}
	return
}

// Len returns the number of arrays in the archive.
func (l *NpzLoader) Len() int {
	return len(l.values)
}

// Unused returns the sorted keys of the archive that were never loaded into a variable: usually
// a sign that the weights were trained for a different configuration.
func (l *NpzLoader) Unused() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var unused []string
	for key := range l.values {
		if !l.used[key] {
			unused = append(unused, key)
		}
	}
	slices.Sort(unused)
	return unused
}

// SaveNpz saves the variables in the current scope of ctx and its sub-scopes into a `.npz` archive, keyed by
// their full scope (see VariableKey), so they can be loaded back with LoadNpz from the root context.
//
// It returns the number of variables saved.
func SaveNpz(ctx *context.Context, filePath string) (int, error) {
	values := make(map[string]*tensors.Tensor, ctx.NumVariables())
	for v := range ctx.IterVariablesInScope() {
		values[VariableKey(v.Scope(), v.Name())] = v.Value()
	}
	if err := numpy.ToNpzFile(values, filePath); err != nil {
		return 0, errors.WithMessagef(err, "failed to save %d variables", len(values))
	}
	return len(values), nil
}
