// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

package context

import (
	"fmt"

	"github.com/IwenLeeO/lavse/pkg/core/shapes"
	"github.com/IwenLeeO/lavse/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Variable is a value owned by a model, typically its weights (aka. parameters), defined in a scope in
// a Context.
//
// Variables are only read during scoring: they are changed (with SetValue) only in between scoring calls,
// e.g. by an external optimizer or when loading pre-trained weights.
type Variable struct {
	ctx         *Context
	name, scope string

	// Trainable indicates whether the variable is trainable.
	// If set to false, it won't be touched by trainers. E.g.: batch normalization running statistics.
	Trainable bool

	shape shapes.Shape
	value *tensors.Tensor
}

// Name of the variable within the scope.
func (v *Variable) Name() string { return v.name }

// Scope where the variable was created.
func (v *Variable) Scope() string { return v.scope }

// ScopeAndName returns the variable's scope and name joined, e.g.: "/scan/attention/smooth".
func (v *Variable) ScopeAndName() string { return JoinScope(v.scope, v.name) }

// Shape returns the variable shape.
func (v *Variable) Shape() shapes.Shape { return v.shape }

// Value returns the current value of the variable. It shouldn't be modified: use SetValue instead.
func (v *Variable) Value() *tensors.Tensor { return v.value }

// SetValue replaces the value of the variable. The shape must match, otherwise it returns an error
// wrapping shapes.ErrShapeMismatch.
func (v *Variable) SetValue(value *tensors.Tensor) error {
	if !value.Shape().Equal(v.shape) {
		return errors.Wrapf(shapes.ErrShapeMismatch, "Variable(%q).SetValue(): value has shape %s, expected %s",
			v.ScopeAndName(), value.Shape(), v.shape)
	}
	v.value = value.OnDevice(v.ctx.Device())
	return nil
}

// MustSetValue is like SetValue, but panics on error.
func (v *Variable) MustSetValue(value *tensors.Tensor) {
	if err := v.SetValue(value); err != nil {
		panic(err)
	}
}

// SetTrainable sets the variable trainable status. Returns itself, so calls can be cascaded.
func (v *Variable) SetTrainable(trainable bool) *Variable {
	v.Trainable = trainable
	return v
}

// String implements fmt.Stringer.
func (v *Variable) String() string {
	return fmt.Sprintf("%s%s", v.ScopeAndName(), v.shape)
}
