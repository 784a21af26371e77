// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

package similarity

import (
	"github.com/IwenLeeO/lavse/pkg/ml/context"
	"github.com/IwenLeeO/lavse/pkg/ml/layers/activations"
	"github.com/IwenLeeO/lavse/pkg/ml/layers/attention"
	"github.com/IwenLeeO/lavse/pkg/ml/layers/batchnorm"
	"github.com/IwenLeeO/lavse/pkg/ml/nn"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

const (
	// ParamVariantName is the context hyperparameter that selects the similarity variant.
	ParamVariantName = "similarity_variant_name"

	// DefaultShardSize is the default number of images and captions per tile in sharded evaluation.
	DefaultShardSize = 128
)

// Config holds every option recognized by the similarity variants. The field tags are the names of
// the corresponding context hyperparameters.
type Config struct {
	Name VariantName `mapstructure:"similarity_variant_name" json:"similarity_variant_name"`

	// LatentSize is the embedding dimension D of both modalities.
	LatentSize int `mapstructure:"latent_size" json:"latent_size"`

	// K is the bottleneck reduction factor: it must divide LatentSize.
	K int `mapstructure:"k" json:"k"`

	FeatureNorm attention.FeatureNorm `mapstructure:"feature_norm" json:"feature_norm"`
	Aggregation nn.AggregationType    `mapstructure:"agg_function" json:"agg_function"`

	// LambdaLSE is the temperature of the LogSumExp aggregation. It has no default: it must be set
	// explicitly when Aggregation is LogSumExp.
	LambdaLSE float64 `mapstructure:"lambda_lse" json:"lambda_lse"`

	// Smooth is the inverse temperature of the attention softmax.
	Smooth float64 `mapstructure:"smooth" json:"smooth"`

	Direction  Direction        `mapstructure:"direction" json:"direction"`
	Norm       batchnorm.Kind   `mapstructure:"norm" json:"norm"`
	Activation activations.Type `mapstructure:"activation" json:"activation"`
	KernelSize int              `mapstructure:"kernel_size" json:"kernel_size"`

	ShardSize   int `mapstructure:"shard_size" json:"shard_size"`
	Parallelism int `mapstructure:"parallelism" json:"parallelism"`
}

// DefaultConfig returns a new Config for the given variant, filled with the default values.
// Each call returns a new value, so changing it never affects other configurations.
func DefaultConfig(name VariantName) Config {
	return Config{
		Name:        name,
		LatentSize:  1024,
		K:           8,
		FeatureNorm: attention.FeatureNormClippedL2,
		Aggregation: nn.AggMean,
		Smooth:      4,
		Direction:   DirectionT2I,
		Norm:        batchnorm.KindBatch,
		Activation:  activations.TypeRelu,
		KernelSize:  3,
		ShardSize:   DefaultShardSize,
		Parallelism: 1,
	}
}

// ConfigFromContext returns the default configuration updated with the hyperparameters visible from the
// current scope of ctx. Values can be given with their own types or as strings (e.g.: "scan_i2t", "LogSumExp",
// "4").
//
// Once the variant is known, the hyperparameters are read again from the variant's scope (where its variables
// are created), so values set there (e.g. "/scan_t2i/smooth=9") take precedence. The variant name itself
// can't be changed from its own scope.
//
// Unknown option values return an error wrapping nn.ErrInvalidConfiguration. The returned configuration is
// not validated: see Config.Validate.
func ConfigFromContext(ctx *context.Context) (Config, error) {
	cfg, err := decodeConfig(ctx)
	if err != nil {
		return cfg, err
	}
	scoped, err := decodeConfig(ctx.In(cfg.Name.String()))
	if err != nil {
		return cfg, err
	}
	if scoped.Name != cfg.Name {
		return cfg, errors.Wrapf(nn.ErrInvalidConfiguration, "%s can't be changed in scope %q, got %q",
			ParamVariantName, ctx.In(cfg.Name.String()).Scope(), scoped.Name)
	}
	return scoped, nil
}

// decodeConfig decodes the hyperparameters visible from the scope of ctx over the default configuration.
func decodeConfig(ctx *context.Context) (Config, error) {
	cfg := DefaultConfig(VariantCosine)
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.TextUnmarshallerHookFunc(),
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return cfg, errors.Wrap(err, "failed to create configuration decoder")
	}
	if err := decoder.Decode(ctx.VisibleParams()); err != nil {
		// mapstructure doesn't keep the wrapped errors of the hooks.
		return cfg, errors.Wrapf(nn.ErrInvalidConfiguration, "similarity configuration in scope %q: %v", ctx.Scope(), err)
	}
	return cfg, nil
}

// Validate checks every option of the configuration, including those not used by the selected variant.
// Errors wrap nn.ErrInvalidConfiguration.
func (c Config) Validate() error {
	if _, err := ParseVariantName(c.Name.String()); err != nil {
		return err
	}
	if c.LatentSize <= 0 {
		return errors.Wrapf(nn.ErrInvalidConfiguration, "latent_size must be positive, got %d", c.LatentSize)
	}
	if c.K <= 0 || c.LatentSize%c.K != 0 {
		return errors.Wrapf(nn.ErrInvalidConfiguration, "k=%d must be a positive divisor of latent_size=%d",
			c.K, c.LatentSize)
	}
	if _, err := attention.New(c.Smooth, c.FeatureNorm); err != nil {
		return err
	}
	if _, err := nn.NewAggregator(c.Aggregation, c.LambdaLSE); err != nil {
		return err
	}
	if _, err := ParseDirection(c.Direction.String()); err != nil {
		return err
	}
	if _, err := batchnorm.ParseKind(c.Norm.String()); err != nil {
		return err
	}
	if _, err := activations.FromName(c.Activation.String()); err != nil {
		return err
	}
	if c.KernelSize <= 0 {
		return errors.Wrapf(nn.ErrInvalidConfiguration, "kernel_size must be positive, got %d", c.KernelSize)
	}
	if c.ShardSize <= 0 {
		return errors.Wrapf(nn.ErrInvalidConfiguration, "shard_size must be positive, got %d", c.ShardSize)
	}
	if c.Parallelism <= 0 {
		return errors.Wrapf(nn.ErrInvalidConfiguration, "parallelism must be positive, got %d", c.Parallelism)
	}
	return nil
}

// reducedSize is the dimension of the bottleneck projections.
func (c Config) reducedSize() int {
	return c.LatentSize / c.K
}

// Params returns the configuration as context hyperparameters, keyed by their names. Enumerations are given
// by their names, so they can be set from the command line and decoded back by ConfigFromContext.
func (c Config) Params() map[string]any {
	return map[string]any{
		ParamVariantName: c.Name.String(),
		"latent_size":    c.LatentSize,
		"k":              c.K,
		"feature_norm":   c.FeatureNorm.String(),
		"agg_function":   c.Aggregation.String(),
		"lambda_lse":     c.LambdaLSE,
		"smooth":         c.Smooth,
		"direction":      c.Direction.String(),
		"norm":           c.Norm.String(),
		"activation":     c.Activation.String(),
		"kernel_size":    c.KernelSize,
		"shard_size":     c.ShardSize,
		"parallelism":    c.Parallelism,
	}
}
