// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

// Package batchnorm implements batch and instance normalization of variable-length sequences of feature vectors,
// without learned scale and offset: the conditional modulation blocks predict those instead.
//
// See details and examples in New.
//
// Based on paper "Batch Normalization: Accelerating Deep Network Training by Reducing
// Internal Covariate Shift" (Sergey Ioffe, Christian Szegedy), https://arxiv.org/abs/1502.03167.
package batchnorm

import (
	"math"
	"strings"

	"github.com/IwenLeeO/lavse/pkg/core/shapes"
	"github.com/IwenLeeO/lavse/pkg/core/tensors"
	"github.com/IwenLeeO/lavse/pkg/ml/context"
	"github.com/IwenLeeO/lavse/pkg/ml/initializer"
	"github.com/IwenLeeO/lavse/pkg/ml/nn"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

const (
	// BatchNormalizationScopeName is used as sub-scope for all batch normalization variables.
	BatchNormalizationScopeName = "batch_normalization"

	// DefaultEpsilon is added to the variance before taking the square root.
	DefaultEpsilon = 1e-5
)

// Kind of normalization.
type Kind int

const (
	// KindBatch normalizes each feature with statistics over all valid positions of all items of the batch
	// during training, and with the running mean and variance during inference.
	KindBatch Kind = iota

	// KindInstance normalizes each feature with statistics over the valid positions of each item.
	KindInstance
)

var kindNames = []string{"batch", "instance"}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// ParseKind converts "batch" or "instance" to a Kind.
// Unknown names return an error wrapping nn.ErrInvalidConfiguration.
func ParseKind(name string) (Kind, error) {
	lower := strings.ToLower(strings.TrimSpace(name))
	for ii, known := range kindNames {
		if lower == known {
			return Kind(ii), nil
		}
	}
	return KindBatch, errors.Wrapf(nn.ErrInvalidConfiguration, "unknown normalization %q: options are %v", name, kindNames)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Config for a normalization layer.
// Create it with New, set the desired parameters, and when all is set, call Done.
type Config struct {
	ctx      *context.Context
	features int
	kind     Kind
	epsilon  float64
	newScope bool
}

// New creates a builder of a normalization layer for sequences of feature vectors shaped
// `[batch, time, features]`, normalizing each feature independently.
//
// Batch normalization (the default Kind) behaves differently during training and inference
// (see context.Context.IsTraining): during training it normalizes with the statistics of the batch, and in
// inference, it normalizes using the running mean and variance, stored in the non-trainable variables
// "mean" (initialized to 0) and "variance" (initialized to 1). Those are usually loaded from a checkpoint.
// Normalizing never updates them: that is the job of the training loop.
//
// Only valid positions (see Norm.Apply) are used for the statistics.
func New(ctx *context.Context, features int) *Config {
	if features <= 0 {
		exceptions.Panicf("batchnorm: features must be positive, got %d", features)
	}
	return &Config{
		ctx:      ctx,
		features: features,
		kind:     KindBatch,
		epsilon:  DefaultEpsilon,
		newScope: true,
	}
}

// Kind sets the kind of normalization. Default is KindBatch.
func (builder *Config) Kind(kind Kind) *Config {
	builder.kind = kind
	return builder
}

// Epsilon is a small float added to variance to avoid dividing by zero.
// It defaults to 1e-5.
func (builder *Config) Epsilon(value float64) *Config {
	builder.epsilon = value
	return builder
}

// CurrentScope configures the layer to create its variables in the current scope, as opposed to a new
// BatchNormalizationScopeName sub-scope.
func (builder *Config) CurrentScope() *Config {
	builder.newScope = false
	return builder
}

// Done creates the running statistics variables (for KindBatch) and returns the normalization layer.
func (builder *Config) Done() *Norm {
	ctx := builder.ctx
	if builder.newScope {
		ctx = ctx.In(BatchNormalizationScopeName)
	}
	n := &Norm{
		ctx:      ctx,
		Kind:     builder.kind,
		Epsilon:  builder.epsilon,
		features: builder.features,
	}
	if builder.kind == KindBatch {
		varShape := shapes.Make(builder.features)
		n.Mean = ctx.WithInitializer(initializer.Zero).VariableWithShape("mean", varShape).SetTrainable(false)
		n.Variance = ctx.WithInitializer(initializer.One).VariableWithShape("variance", varShape).SetTrainable(false)
	}
	return n
}

// Norm is a configured normalization layer, see New.
type Norm struct {
	ctx      *context.Context
	features int

	Kind    Kind
	Epsilon float64

	// Mean and Variance are the running statistics used in inference by KindBatch.
	// They are nil for KindInstance.
	Mean, Variance *context.Variable
}

// Apply normalizes x shaped `[batch, time, features]`.
//
// If lengths is not nil, only positions `< lengths[b]` of each item b are valid: padding positions are not used
// for the statistics and are zero in the output.
//
// It panics with an error wrapping shapes.ErrShapeMismatch if x has the wrong shape or if the number of lengths
// doesn't match the batch size.
func (n *Norm) Apply(x *tensors.Tensor, lengths []int) *tensors.Tensor {
	shapes.AssertRank(x, 3)
	batchSize, maxLen, features := x.Dim(0), x.Dim(1), x.Dim(2)
	if features != n.features {
		panic(errors.Wrapf(shapes.ErrShapeMismatch, "batchnorm %s configured with %d features, got input shaped %s",
			n.ctx.Scope(), n.features, x.Shape()))
	}
	if lengths == nil {
		lengths = make([]int, batchSize)
		for ii := range lengths {
			lengths[ii] = maxLen
		}
	} else if len(lengths) != batchSize {
		panic(errors.Wrapf(shapes.ErrShapeMismatch, "batchnorm: got %d lengths for a batch of %d", len(lengths), batchSize))
	}

	output := tensors.Zeros(batchSize, maxLen, features)
	switch n.Kind {
	case KindInstance:
		for b := range batchSize {
			item := x.Slice(b, b+1)
			mean, variance := statistics(item, lengths[b:b+1])
			normalizeInto(output.Slice(b, b+1), item, lengths[b:b+1], mean, variance, n.Epsilon)
		}
	default:
		var mean, variance []float64
		if n.ctx.IsTraining() {
			mean, variance = statistics(x, lengths)
		} else {
			mean, variance = n.Mean.Value().Flat(), n.Variance.Value().Flat()
		}
		normalizeInto(output, x, lengths, mean, variance, n.Epsilon)
	}
	return output
}

// statistics returns the mean and the (biased) variance of each feature over the valid positions of x.
func statistics(x *tensors.Tensor, lengths []int) (mean, variance []float64) {
	features := x.Dim(2)
	mean = make([]float64, features)
	variance = make([]float64, features)
	var count int
	for b, length := range lengths {
		item := x.Item(b)
		for t := range min(length, x.Dim(1)) {
			floats.Add(mean, item.Row(t))
			count++
		}
	}
	if count == 0 {
		return mean, variance
	}
	floats.Scale(1/float64(count), mean)
	for b, length := range lengths {
		item := x.Item(b)
		for t := range min(length, x.Dim(1)) {
			for d, v := range item.Row(t) {
				diff := v - mean[d]
				variance[d] += diff * diff
			}
		}
	}
	floats.Scale(1/float64(count), variance)
	return mean, variance
}

// normalizeInto writes `(x-mean)/sqrt(variance+epsilon)` for the valid positions of x into output.
func normalizeInto(output, x *tensors.Tensor, lengths []int, mean, variance []float64, epsilon float64) {
	invStd := make([]float64, len(variance))
	for d, v := range variance {
		invStd[d] = 1 / math.Sqrt(v+epsilon)
	}
	for b, length := range lengths {
		src, dst := x.Item(b), output.Item(b)
		for t := range min(length, x.Dim(1)) {
			out := dst.Row(t)
			floats.SubTo(out, src.Row(t), mean)
			floats.Mul(out, invStd)
		}
	}
}
