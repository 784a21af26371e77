// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

// Package activations implements several common activations, and includes a generic Apply method to apply an
// activation by its type.
//
// There is also FromName to convert an activation name (string) to its type, and FromContext that reads
// the activation from the hyperparameter ParamActivation defined in a context.
package activations

import (
	"math"
	"strings"

	"github.com/IwenLeeO/lavse/pkg/core/tensors"
	"github.com/IwenLeeO/lavse/pkg/ml/context"
	"github.com/IwenLeeO/lavse/pkg/ml/nn"
	"github.com/pkg/errors"
)

const (
	// ParamActivation context hyperparameter defines the activation to use, for models using FromContext.
	// Available values are: `none`, `relu`, `leaky_relu`, `sigmoid`, `tanh`, `swish` (same as `silu`) or `gelu`.
	// The default is `relu`.
	ParamActivation = "activation"

	// LeakyReluAlpha is the negative slope used by TypeLeakyRelu.
	LeakyReluAlpha = 0.1
)

// Type is an enum for the supported activation functions.
//
// It is converted to snake-format strings (e.g.: TypeLeakyRelu -> "leaky_relu"), and can be converted
// from string by using FromName.
type Type int

const (
	TypeNone Type = iota
	TypeRelu
	TypeSigmoid
	TypeLeakyRelu
	TypeSwish
	TypeTanh
	TypeGelu
)

var typeNames = map[Type]string{
	TypeNone:      "none",
	TypeRelu:      "relu",
	TypeSigmoid:   "sigmoid",
	TypeLeakyRelu: "leaky_relu",
	TypeSwish:     "swish",
	TypeTanh:      "tanh",
	TypeGelu:      "gelu",
}

// TypeValues returns all known activation types.
func TypeValues() []Type {
	return []Type{TypeNone, TypeRelu, TypeSigmoid, TypeLeakyRelu, TypeSwish, TypeTanh, TypeGelu}
}

// String implements fmt.Stringer.
func (t Type) String() string {
	if name, found := typeNames[t]; found {
		return name
	}
	return "unknown"
}

// FromName converts the name of an activation to its type.
// An empty string is converted to TypeNone, and "silu" is an alias to "swish".
//
// Unknown names return an error wrapping nn.ErrInvalidConfiguration.
func FromName(activationName string) (Type, error) {
	name := strings.ToLower(strings.TrimSpace(activationName))
	switch name {
	case "":
		return TypeNone, nil
	case "silu":
		return TypeSwish, nil
	}
	for t, known := range typeNames {
		if known == name {
			return t, nil
		}
	}
	return TypeNone, errors.Wrapf(nn.ErrInvalidConfiguration, "invalid activation name %q: options are %v",
		activationName, TypeValues())
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, using FromName.
func (t *Type) UnmarshalText(text []byte) error {
	parsed, err := FromName(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// FromContext picks an activation type from the context using the ParamActivation parameter.
// It defaults to "relu".
func FromContext(ctx *context.Context) (Type, error) {
	return FromName(context.GetParamOr(ctx, ParamActivation, "relu"))
}

// Scalar applies the activation to one value.
func (t Type) Scalar(x float64) float64 {
	switch t {
	case TypeRelu:
		return Relu(x)
	case TypeSigmoid:
		return Sigmoid(x)
	case TypeLeakyRelu:
		return LeakyReluWithAlpha(x, LeakyReluAlpha)
	case TypeSwish:
		return Swish(x)
	case TypeTanh:
		return math.Tanh(x)
	case TypeGelu:
		return Gelu(x)
	default:
		return x
	}
}

// ApplyInPlace applies the activation to every value of x.
// The TypeNone activation is a no-op.
func ApplyInPlace(activation Type, x []float64) {
	if activation == TypeNone {
		return
	}
	for ii, v := range x {
		x[ii] = activation.Scalar(v)
	}
}

// Apply returns a copy of x with the activation applied.
func Apply(activation Type, x *tensors.Tensor) *tensors.Tensor {
	output := x.Clone()
	ApplyInPlace(activation, output.Flat())
	return output
}

// Relu returns max(x, 0).
func Relu(x float64) float64 {
	return max(x, 0)
}

// LeakyReluWithAlpha returns `x if x >= 0; alpha*x if x < 0`.
func LeakyReluWithAlpha(x, alpha float64) float64 {
	if x >= 0 {
		return x
	}
	return alpha * x
}

// Sigmoid returns 1/(1+exp(-x)).
func Sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// Swish activation (or SiLU) returns `x * Sigmoid(x)`.
func Swish(x float64) float64 {
	return x * Sigmoid(x)
}

// Gelu activation function, defined as Gelu(x) = x * 0.5 * (1 + Erf(x / √2)).
func Gelu(x float64) float64 {
	return x * 0.5 * (1 + math.Erf(x/math.Sqrt2))
}
