// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	"strconv"
	"strings"

	"github.com/IwenLeeO/lavse/pkg/ml/layers/activations"
	"github.com/IwenLeeO/lavse/pkg/ml/nn"
	"github.com/pkg/errors"
)

// FeatureNorm is the first-stage normalization applied to the raw affinities, before the temperature-scaled
// softmax.
type FeatureNorm int

const (
	// FeatureNormSoftmax applies a softmax.
	FeatureNormSoftmax FeatureNorm = iota

	// FeatureNormClippedL2 applies a leaky ReLU (slope 0.1) followed by an L2 normalization.
	FeatureNormClippedL2

	// FeatureNormClipped applies only the leaky ReLU (slope 0.1).
	FeatureNormClipped

	// FeatureNormNone leaves the affinities unchanged.
	FeatureNormNone
)

var featureNormNames = []string{"softmax", "clipped_l2norm", "clipped", "no_norm"}

// FeatureNormValues returns all known feature normalizations.
func FeatureNormValues() []FeatureNorm {
	return []FeatureNorm{FeatureNormSoftmax, FeatureNormClippedL2, FeatureNormClipped, FeatureNormNone}
}

// String implements fmt.Stringer.
func (n FeatureNorm) String() string {
	if n < 0 || int(n) >= len(featureNormNames) {
		return "FeatureNorm(" + strconv.Itoa(int(n)) + ")"
	}
	return featureNormNames[n]
}

// ParseFeatureNorm converts a name ("softmax", "clipped_l2norm", "clipped" or "no_norm") to a FeatureNorm.
// Unknown names return an error wrapping nn.ErrInvalidConfiguration.
func ParseFeatureNorm(name string) (FeatureNorm, error) {
	lower := strings.ToLower(strings.TrimSpace(name))
	for ii, known := range featureNormNames {
		if lower == known {
			return FeatureNorm(ii), nil
		}
	}
	return 0, errors.Wrapf(nn.ErrInvalidConfiguration, "unknown feature_norm %q: options are %v", name, featureNormNames)
}

// MarshalText implements encoding.TextMarshaler.
func (n FeatureNorm) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *FeatureNorm) UnmarshalText(text []byte) error {
	parsed, err := ParseFeatureNorm(string(text))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// ApplyInPlace normalizes the values in place.
func (n FeatureNorm) ApplyInPlace(values []float64) {
	switch n {
	case FeatureNormSoftmax:
		nn.SoftmaxInPlace(values)
	case FeatureNormClippedL2:
		ClippedL2NormalizeInPlace(values)
	case FeatureNormClipped:
		activations.ApplyInPlace(activations.TypeLeakyRelu, values)
	}
}

// ClippedL2NormalizeInPlace applies a leaky ReLU (slope 0.1) followed by an L2 normalization to values.
func ClippedL2NormalizeInPlace(values []float64) {
	activations.ApplyInPlace(activations.TypeLeakyRelu, values)
	nn.L2NormalizeInPlace(values)
}
