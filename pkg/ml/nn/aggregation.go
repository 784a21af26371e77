// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// AggregationType selects how per-position similarities are reduced to one score.
type AggregationType int

const (
	AggMean AggregationType = iota
	AggMax
	AggSum
	AggLogSumExp
)

var aggregationNames = []string{"Mean", "Max", "Sum", "LogSumExp"}

// AggregationTypeValues returns all valid aggregation types.
func AggregationTypeValues() []AggregationType {
	return []AggregationType{AggMean, AggMax, AggSum, AggLogSumExp}
}

// String implements fmt.Stringer.
func (a AggregationType) String() string {
	if a < 0 || int(a) >= len(aggregationNames) {
		return "AggregationType(" + strconv.Itoa(int(a)) + ")"
	}
	return aggregationNames[a]
}

// ParseAggregation converts an aggregation name (case-insensitive: "Mean", "Max", "Sum" or "LogSumExp")
// to its type. Unknown names return an error wrapping ErrInvalidConfiguration.
func ParseAggregation(name string) (AggregationType, error) {
	for ii, known := range aggregationNames {
		if strings.EqualFold(name, known) {
			return AggregationType(ii), nil
		}
	}
	return AggMean, errors.Wrapf(ErrInvalidConfiguration, "unknown agg_function %q, valid values are %v",
		name, aggregationNames)
}

// MarshalText implements encoding.TextMarshaler.
func (a AggregationType) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *AggregationType) UnmarshalText(text []byte) error {
	parsed, err := ParseAggregation(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Aggregator reduces a set of similarities into one scalar.
type Aggregator struct {
	Type AggregationType

	// LambdaLSE is the temperature λ of the LogSumExp aggregation: `log(Σ exp(λ·x)) / λ`.
	LambdaLSE float64
}

// NewAggregator validates the configuration and returns an Aggregator.
// LogSumExp requires lambdaLSE > 0, otherwise it returns an error wrapping ErrInvalidConfiguration.
func NewAggregator(aggType AggregationType, lambdaLSE float64) (Aggregator, error) {
	switch aggType {
	case AggMean, AggMax, AggSum:
	case AggLogSumExp:
		if !(lambdaLSE > 0) || math.IsInf(lambdaLSE, 0) {
			return Aggregator{}, errors.Wrapf(ErrInvalidConfiguration,
				"agg_function LogSumExp requires a positive lambda_lse, got %g", lambdaLSE)
		}
	default:
		return Aggregator{}, errors.Wrapf(ErrInvalidConfiguration, "unknown aggregation type %d", int(aggType))
	}
	return Aggregator{Type: aggType, LambdaLSE: lambdaLSE}, nil
}

// Aggregate reduces values to one scalar. It doesn't modify values.
// It panics if values is empty.
func (a Aggregator) Aggregate(values []float64) float64 {
	if len(values) == 0 {
		panic(errors.Wrap(ErrDegenerateInput, "cannot aggregate an empty set of values"))
	}
	switch a.Type {
	case AggMax:
		return floats.Max(values)
	case AggSum:
		return floats.Sum(values)
	case AggLogSumExp:
		scaled := make([]float64, len(values))
		floats.ScaleTo(scaled, a.LambdaLSE, values)
		return floats.LogSumExp(scaled) / a.LambdaLSE
	default:
		return floats.Sum(values) / float64(len(values))
	}
}

// String implements fmt.Stringer.
func (a Aggregator) String() string {
	if a.Type == AggLogSumExp {
		return a.Type.String() + "(λ=" + strconv.FormatFloat(a.LambdaLSE, 'g', -1, 64) + ")"
	}
	return a.Type.String()
}
