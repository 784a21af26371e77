// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

// Package condbn implements conditional batch (or instance) normalization: a feature map is normalized without
// learned affine parameters, and then scaled and shifted by per-channel parameters predicted from a conditioning
// vector. It lets one modality modulate the other.
//
// The scale is `gamma = f_gamma(cond) + 1` and the shift is `beta = f_beta(cond)`, where `f_gamma` and `f_beta` are
// small FNNs whose output layers start at zero: a freshly created block is a plain normalization.
//
// Broadcasting rule for the conditioning vectors `[Bv, C]` of a feature map `[B, T, D]`: either Bv == B, and
// item b is modulated by conditioning vector b, or Bv == 1, and the single conditioning vector modulates every
// item. Anything else is a shape mismatch.
package condbn

import (
	"fmt"

	"github.com/IwenLeeO/lavse/pkg/core/shapes"
	"github.com/IwenLeeO/lavse/pkg/core/tensors"
	"github.com/IwenLeeO/lavse/pkg/ml/context"
	"github.com/IwenLeeO/lavse/pkg/ml/layers/activations"
	"github.com/IwenLeeO/lavse/pkg/ml/layers/batchnorm"
	"github.com/IwenLeeO/lavse/pkg/ml/layers/fnn"
	"github.com/IwenLeeO/lavse/pkg/ml/nn"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Config for a CondBatchNorm. Create it with New, configure it, and call Done.
type Config struct {
	ctx                    *context.Context
	features, condFeatures int
	k                      int
	activation             activations.Type
	kind                   batchnorm.Kind
}

// New prepares a conditional normalization of feature maps with `features` channels, conditioned on vectors
// with `condFeatures` features.
//
// Defaults: no bottleneck (k=1, the predictors are a single linear layer), activation relu, and batch
// normalization.
func New(ctx *context.Context, features, condFeatures int) *Config {
	if features <= 0 || condFeatures <= 0 {
		exceptions.Panicf("condbn: features (%d) and condFeatures (%d) must be positive", features, condFeatures)
	}
	return &Config{
		ctx:          ctx,
		features:     features,
		condFeatures: condFeatures,
		k:            1,
		activation:   activations.TypeRelu,
		kind:         batchnorm.KindBatch,
	}
}

// Bottleneck sets the reduction factor k: for k > 1 the predictors have one hidden layer of features/k nodes,
// using the configured activation.
//
// It panics with an error wrapping nn.ErrInvalidConfiguration if k < 1 or if it doesn't divide features.
func (c *Config) Bottleneck(k int) *Config {
	if k < 1 || c.features%k != 0 {
		panic(errors.Wrapf(nn.ErrInvalidConfiguration, "condbn: k=%d must be >= 1 and divide the number of features %d",
			k, c.features))
	}
	c.k = k
	return c
}

// Activation used in the hidden layer of the predictors.
func (c *Config) Activation(activation activations.Type) *Config {
	c.activation = activation
	return c
}

// Normalization sets the kind of normalization applied before the modulation.
func (c *Config) Normalization(kind batchnorm.Kind) *Config {
	c.kind = kind
	return c
}

// Done creates the variables and returns the CondBatchNorm.
func (c *Config) Done() *CondBatchNorm {
	predictor := func(name string) *fnn.FNN {
		builder := fnn.New(c.ctx.In(name), c.condFeatures, c.features).
			NumHiddenLayers(0, 0).
			Activation(c.activation).
			ZeroInitializedOutput()
		if c.k > 1 {
			builder.Bottleneck(c.k)
		}
		return builder.Done()
	}
	return &CondBatchNorm{
		Norm:         batchnorm.New(c.ctx, c.features).Kind(c.kind).Done(),
		Gamma:        predictor("gamma"),
		Beta:         predictor("beta"),
		features:     c.features,
		condFeatures: c.condFeatures,
	}
}

// CondBatchNorm is a conditional normalization block, see package documentation.
type CondBatchNorm struct {
	Norm        *batchnorm.Norm
	Gamma, Beta *fnn.FNN

	features, condFeatures int
}

// String implements fmt.Stringer.
func (c *CondBatchNorm) String() string {
	return fmt.Sprintf("CondBatchNorm1d(features=%d, cond=%d, norm=%s, gamma=%s, beta=%s)",
		c.features, c.condFeatures, c.Norm.Kind, c.Gamma, c.Beta)
}

// Apply normalizes x `[B, T, D]` and modulates it with parameters predicted from cond `[Bv, C]`, with Bv == B
// or Bv == 1. See Norm.Apply for the meaning of lengths, which may be nil.
//
// It returns an error wrapping shapes.ErrShapeMismatch for incompatible shapes.
func (c *CondBatchNorm) Apply(x *tensors.Tensor, lengths []int, cond *tensors.Tensor) (*tensors.Tensor, error) {
	if err := c.checkInput(x, lengths); err != nil {
		return nil, err
	}
	if err := c.checkCond(cond, x.Dim(0)); err != nil {
		return nil, err
	}
	return c.Modulate(c.Norm.Apply(x, lengths), lengths, cond)
}

// Normalize returns the normalized x, before modulation. Together with Modulate it allows normalizing once a
// feature map that is modulated by many conditioning vectors.
func (c *CondBatchNorm) Normalize(x *tensors.Tensor, lengths []int) (*tensors.Tensor, error) {
	if err := c.checkInput(x, lengths); err != nil {
		return nil, err
	}
	return c.Norm.Apply(x, lengths), nil
}

// Modulate scales and shifts an already normalized feature map `[B, T, D]` with the parameters predicted from
// cond `[Bv, C]`. Padding positions (see lengths) stay zero.
func (c *CondBatchNorm) Modulate(normalized *tensors.Tensor, lengths []int, cond *tensors.Tensor) (*tensors.Tensor, error) {
	if err := c.checkInput(normalized, lengths); err != nil {
		return nil, err
	}
	batchSize, maxLen := normalized.Dim(0), normalized.Dim(1)
	if err := c.checkCond(cond, batchSize); err != nil {
		return nil, err
	}
	gamma := c.Gamma.Apply(cond)
	for ii := range gamma.Flat() {
		gamma.Flat()[ii] += 1
	}
	beta := c.Beta.Apply(cond)
	output := tensors.Zeros(batchSize, maxLen, c.features)
	for b := range batchSize {
		condIdx := 0
		if cond.Dim(0) > 1 {
			condIdx = b
		}
		g, s := gamma.Row(condIdx), beta.Row(condIdx)
		length := maxLen
		if lengths != nil {
			length = min(lengths[b], maxLen)
		}
		src, dst := normalized.Item(b), output.Item(b)
		for t := range length {
			out := dst.Row(t)
			floats.MulTo(out, src.Row(t), g)
			floats.Add(out, s)
		}
	}
	return output, nil
}

func (c *CondBatchNorm) checkInput(x *tensors.Tensor, lengths []int) error {
	if err := shapes.CheckRank(x, 3); err != nil {
		return errors.WithMessage(err, "condbn input")
	}
	if x.Dim(2) != c.features {
		return errors.Wrapf(shapes.ErrShapeMismatch, "condbn configured with %d features, got input shaped %s",
			c.features, x.Shape())
	}
	if lengths != nil && len(lengths) != x.Dim(0) {
		return errors.Wrapf(shapes.ErrShapeMismatch, "condbn: got %d lengths for input shaped %s", len(lengths), x.Shape())
	}
	return nil
}

func (c *CondBatchNorm) checkCond(cond *tensors.Tensor, batchSize int) error {
	if err := shapes.CheckRank(cond, 2); err != nil {
		return errors.WithMessage(err, "condbn conditioning vectors")
	}
	if cond.Dim(1) != c.condFeatures {
		return errors.Wrapf(shapes.ErrShapeMismatch, "condbn configured with %d conditioning features, got %s",
			c.condFeatures, cond.Shape())
	}
	if bv := cond.Dim(0); bv != batchSize && bv != 1 {
		return errors.Wrapf(shapes.ErrShapeMismatch,
			"condbn conditioning batch size must be 1 or match the input batch size %d, got %s", batchSize, cond.Shape())
	}
	return nil
}
