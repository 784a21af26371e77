// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

package similarity

import (
	"strings"

	"github.com/IwenLeeO/lavse/pkg/ml/nn"
	"github.com/pkg/errors"
)

// VariantName identifies one of the similarity variants.
type VariantName int

const (
	VariantCosine VariantName = iota
	VariantCross
	VariantScanI2T
	VariantScanT2I
	VariantAdaptive
	VariantReducedRNN
	VariantReducedConv
)

var variantNames = []string{"cosine", "cross", "scan_i2t", "scan_t2i", "adaptive", "reduced_rnn", "reduced_conv"}

// VariantNameValues returns all the known variants.
func VariantNameValues() []VariantName {
	values := make([]VariantName, len(variantNames))
	for ii := range values {
		values[ii] = VariantName(ii)
	}
	return values
}

// String implements fmt.Stringer.
func (n VariantName) String() string {
	if n < 0 || int(n) >= len(variantNames) {
		return "unknown"
	}
	return variantNames[n]
}

// ParseVariantName converts a variant name (e.g. "scan_i2t") to a VariantName.
// Unknown names return an error wrapping nn.ErrInvalidConfiguration.
func ParseVariantName(name string) (VariantName, error) {
	lower := strings.ToLower(strings.TrimSpace(name))
	for ii, known := range variantNames {
		if lower == known {
			return VariantName(ii), nil
		}
	}
	return VariantCosine, errors.Wrapf(nn.ErrInvalidConfiguration, "unknown similarity variant %q: options are %v",
		name, variantNames)
}

// MarshalText implements encoding.TextMarshaler.
func (n VariantName) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *VariantName) UnmarshalText(text []byte) error {
	parsed, err := ParseVariantName(string(text))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// Direction selects which modality conditions the other in the adaptive variant.
type Direction int

const (
	// DirectionT2I: each caption conditions the image features.
	DirectionT2I Direction = iota

	// DirectionI2T: each image conditions the caption features.
	DirectionI2T
)

var directionNames = []string{"t2i", "i2t"}

// String implements fmt.Stringer.
func (d Direction) String() string {
	if d < 0 || int(d) >= len(directionNames) {
		return "unknown"
	}
	return directionNames[d]
}

// ParseDirection converts "t2i" or "i2t" to a Direction.
// Unknown names return an error wrapping nn.ErrInvalidConfiguration.
func ParseDirection(name string) (Direction, error) {
	lower := strings.ToLower(strings.TrimSpace(name))
	for ii, known := range directionNames {
		if lower == known {
			return Direction(ii), nil
		}
	}
	return DirectionT2I, errors.Wrapf(nn.ErrInvalidConfiguration, "unknown direction %q: options are %v",
		name, directionNames)
}

// MarshalText implements encoding.TextMarshaler.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Direction) UnmarshalText(text []byte) error {
	parsed, err := ParseDirection(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
