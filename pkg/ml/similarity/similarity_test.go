// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

package similarity

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/IwenLeeO/lavse/pkg/core/shapes"
	"github.com/IwenLeeO/lavse/pkg/core/tensors"
	"github.com/IwenLeeO/lavse/pkg/ml/context"
	"github.com/IwenLeeO/lavse/pkg/ml/layers/attention"
	"github.com/IwenLeeO/lavse/pkg/ml/layers/batchnorm"
	"github.com/IwenLeeO/lavse/pkg/ml/nn"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

const testDim = 8

func randomTensor(rng *rand.Rand, dims ...int) *tensors.Tensor {
	t := tensors.Zeros(dims...)
	for ii := range t.Flat() {
		t.Flat()[ii] = rng.NormFloat64()
	}
	return t
}

// testConfig returns a small configuration for the given variant.
func testConfig(name VariantName) Config {
	cfg := DefaultConfig(name)
	cfg.LatentSize = testDim
	cfg.K = 2
	return cfg
}

// newTestSimilarity creates a similarity whose trainable variables are all randomized, so that every
// predictor and gate contributes to the scores.
func newTestSimilarity(t *testing.T, cfg Config) *Similarity {
	ctx := context.New()
	ctx.RngStateFromSeed(17)
	s, err := New(ctx, cfg)
	require.NoError(t, err)
	rng := rand.New(rand.NewPCG(uint64(cfg.Name)+100, 0))
	for v := range ctx.IterVariables() {
		if v.Trainable {
			value := randomTensor(rng, v.Shape().Dimensions...)
			floats.Scale(0.5, value.Flat())
			v.MustSetValue(value)
		}
	}
	return s
}

// testInputs returns images `[numImages, 4, testDim]`, captions `[len(lengths), 5, testDim]` with zero padding.
func testInputs(rng *rand.Rand, numImages int, lengths []int) (images, captions *tensors.Tensor) {
	images = randomTensor(rng, numImages, 4, testDim)
	captions = randomTensor(rng, len(lengths), 5, testDim)
	for j, length := range lengths {
		for pos := length; pos < 5; pos++ {
			clear(captions.Item(j).Row(pos))
		}
	}
	return
}

func requireMatrixEqual(t *testing.T, want, got *tensors.Tensor, margin float64, msgAndArgs ...any) {
	t.Helper()
	require.Equal(t, want.Shape().Dimensions, got.Shape().Dimensions, msgAndArgs...)
	if diff := cmp.Diff(want.Matrix(), got.Matrix(), cmpopts.EquateApprox(0, margin)); diff != "" {
		require.Fail(t, "similarity matrices differ (-want +got):\n"+diff, msgAndArgs...)
	}
}

func TestEndToEndCosine(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 0))
	images := randomTensor(rng, 3, testDim)
	captions := randomTensor(rng, 2, testDim)
	s := newTestSimilarity(t, testConfig(VariantCosine))
	got, err := s.Score(images, captions, []int{3, 5})
	require.NoError(t, err)
	require.Equal(t, []int{3, 2}, got.Shape().Dimensions)

	// normalize(images) @ normalize(captions).T
	want := tensors.Zeros(3, 2)
	for i := range 3 {
		for j := range 2 {
			img, capt := images.Row(i), captions.Row(j)
			want.Set(floats.Dot(img, capt)/(floats.Norm(img, 2)*floats.Norm(capt, 2)), i, j)
		}
	}
	requireMatrixEqual(t, want, got, 1e-12)

	// Sequences are pooled first.
	imageSeqs, captionSeqs := testInputs(rng, 3, []int{3, 5})
	lengths := []int{3, 5}
	got, err = s.Score(imageSeqs, captionSeqs, lengths)
	require.NoError(t, err)
	pooledImages, err := nn.MaskedMeanPool(imageSeqs, []int{4, 4, 4})
	require.NoError(t, err)
	pooledCaptions, err := nn.MaskedMeanPool(captionSeqs, lengths)
	require.NoError(t, err)
	want, err = s.Score(pooledImages, pooledCaptions, nil)
	require.NoError(t, err)
	requireMatrixEqual(t, want, got, 1e-12)
}

func TestCosineBound(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 0))
	images := randomTensor(rng, 20, testDim)
	captions := randomTensor(rng, 30, testDim)
	floats.Scale(1e6, images.Flat())
	clear(captions.Row(4))
	// Parallel vectors.
	copy(captions.Row(0), images.Row(0))
	floats.Scale(-3, captions.Row(0))

	s := newTestSimilarity(t, testConfig(VariantCosine))
	sims, err := s.Score(images, captions, nil)
	require.NoError(t, err)
	for _, v := range sims.Flat() {
		require.False(t, math.IsNaN(v))
		require.LessOrEqual(t, math.Abs(v), 1+1e-9)
	}
	require.InDelta(t, -1, sims.At(0, 0), 1e-12)
	require.Equal(t, 0.0, sims.At(7, 4))
}

func TestMasking(t *testing.T) {
	lengths := []int{3, 5, 1, 2}
	for _, name := range VariantNameValues() {
		t.Run(name.String(), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(11, 0))
			images, captions := testInputs(rng, 3, lengths)
			s := newTestSimilarity(t, testConfig(name))
			want, err := s.Score(images, captions, lengths)
			require.NoError(t, err)

			garbage := captions.Clone()
			for j, length := range lengths {
				for pos := length; pos < 5; pos++ {
					for d := range testDim {
						garbage.Item(j).Row(pos)[d] = 100 * rng.NormFloat64()
					}
				}
			}
			got, err := s.Score(images, garbage, lengths)
			require.NoError(t, err)
			requireMatrixEqual(t, want, got, 1e-12)
		})
	}
}

func TestShardEquivalence(t *testing.T) {
	lengths := []int{3, 5, 1, 2, 4, 5, 2, 1, 3}
	const numImages = 6
	for _, name := range VariantNameValues() {
		t.Run(name.String(), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(5, 0))
			images, captions := testInputs(rng, numImages, lengths)
			s := newTestSimilarity(t, testConfig(name))
			want, err := s.Score(images, captions, lengths)
			require.NoError(t, err)
			for _, shardSize := range []int{1, 7, numImages, numImages + 5} {
				got, err := s.ScoreSharded(images, captions, lengths, shardSize)
				require.NoError(t, err)
				requireMatrixEqual(t, want, got, 1e-12, "shard_size=%d", shardSize)

				got, err = s.Sharded(images, captions, lengths).ShardSize(shardSize).Parallelism(3).Done()
				require.NoError(t, err)
				requireMatrixEqual(t, want, got, 1e-12, "shard_size=%d, parallelism=3", shardSize)
			}
		})
	}
}

func TestShardedProgress(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 0))
	lengths := []int{1, 2, 3, 4, 5}
	images, captions := testInputs(rng, 7, lengths)
	s := newTestSimilarity(t, testConfig(VariantScanT2I))
	var calls [][2]int
	_, err := s.Sharded(images, captions, lengths).
		ShardSize(3).
		Parallelism(4).
		WithProgress(func(done, total int) { calls = append(calls, [2]int{done, total}) }).
		Done()
	require.NoError(t, err)
	// 3 image tiles x 2 caption tiles.
	require.Len(t, calls, 6)
	for ii, call := range calls {
		require.Equal(t, [2]int{ii + 1, 6}, call)
	}
}

func TestShardedEmpty(t *testing.T) {
	rng := rand.New(rand.NewPCG(2, 0))
	lengths := []int{2, 5}
	images, captions := testInputs(rng, 3, lengths)
	s := newTestSimilarity(t, testConfig(VariantScanI2T))

	sims, err := s.Sharded(images.Slice(0, 0), captions, lengths).Done()
	require.NoError(t, err)
	require.Equal(t, []int{0, 2}, sims.Shape().Dimensions)
	sims, err = s.Sharded(images, captions.Slice(0, 0), []int{}).Done()
	require.NoError(t, err)
	require.Equal(t, []int{3, 0}, sims.Shape().Dimensions)

	// Empty axes still have their shapes validated.
	_, err = s.Sharded(images.Slice(0, 0), randomTensor(rng, 2, 5, testDim+1), lengths).Done()
	require.ErrorIs(t, err, shapes.ErrShapeMismatch)
	_, err = s.Sharded(tensors.Zeros(0, 4, testDim+1), captions, lengths).Done()
	require.ErrorIs(t, err, shapes.ErrShapeMismatch)
	_, err = s.Sharded(tensors.Zeros(0, testDim), captions, lengths).Done()
	require.ErrorIs(t, err, shapes.ErrShapeMismatch)
	_, err = s.Sharded(images.Slice(0, 0), captions, []int{2, 6}).Done()
	require.ErrorIs(t, err, shapes.ErrShapeMismatch)
	_, err = s.Sharded(tensors.Zeros(3, 0, testDim), captions.Slice(0, 0), []int{}).Done()
	require.ErrorIs(t, err, nn.ErrDegenerateInput)
}

func TestAggregationMonotonicity(t *testing.T) {
	lengths := []int{3, 5, 1, 2}
	for _, name := range []VariantName{VariantScanI2T, VariantScanT2I} {
		rng := rand.New(rand.NewPCG(13, 0))
		images, captions := testInputs(rng, 5, lengths)
		scores := make(map[nn.AggregationType]*tensors.Tensor)
		for _, agg := range nn.AggregationTypeValues() {
			cfg := testConfig(name)
			cfg.Aggregation = agg
			cfg.LambdaLSE = 6
			s := newTestSimilarity(t, cfg)
			sims, err := s.Score(images, captions, lengths)
			require.NoError(t, err)
			scores[agg] = sims
		}
		mean, maxSims, lse := scores[nn.AggMean].Flat(), scores[nn.AggMax].Flat(), scores[nn.AggLogSumExp].Flat()
		for ii := range mean {
			require.GreaterOrEqual(t, maxSims[ii], mean[ii]-1e-12, "%s", name)
			require.GreaterOrEqual(t, lse[ii], maxSims[ii]-1e-12, "%s", name)
		}
		// Captions of length 1 in t2i have a single similarity to aggregate.
		if name == VariantScanT2I {
			for i := range 5 {
				require.InDelta(t, scores[nn.AggMean].At(i, 2), scores[nn.AggMax].At(i, 2), 1e-12)
				require.InDelta(t, scores[nn.AggMean].At(i, 2), scores[nn.AggSum].At(i, 2), 1e-12)
			}
		}
	}
}

func TestDeterminism(t *testing.T) {
	lengths := []int{3, 5, 1}
	for _, name := range VariantNameValues() {
		t.Run(name.String(), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(19, 0))
			images, captions := testInputs(rng, 4, lengths)
			imagesCopy, captionsCopy := images.Clone(), captions.Clone()
			s := newTestSimilarity(t, testConfig(name))
			first, err := s.Score(images, captions, lengths)
			require.NoError(t, err)
			second, err := s.Score(images, captions, lengths)
			require.NoError(t, err)
			require.Equal(t, first.Flat(), second.Flat())

			// Inputs are not modified.
			require.Equal(t, imagesCopy.Flat(), images.Flat())
			require.Equal(t, captionsCopy.Flat(), captions.Flat())

			// Same seed, same parameters.
			other := newTestSimilarity(t, testConfig(name))
			third, err := other.Score(images, captions, lengths)
			require.NoError(t, err)
			require.Equal(t, first.Flat(), third.Flat())
		})
	}
}

func TestCrossAttnIdentityStart(t *testing.T) {
	ctx := context.New()
	ctx.RngStateFromSeed(23)
	s, err := New(ctx, testConfig(VariantCross))
	require.NoError(t, err)
	cross := s.Variant().(*CrossAttn)
	assert.Equal(t, "/cross/gamma_img", cross.Gamma.ScopeAndName())
	assert.Equal(t, "CrossAttn(latent_size=8, hidden=4)", cross.String())

	rng := rand.New(rand.NewPCG(29, 0))
	lengths := []int{2, 5}
	images, captions := testInputs(rng, 3, lengths)
	got, err := s.Score(images, captions, lengths)
	require.NoError(t, err)

	// With gamma=0 the attention doesn't contribute: compare the mean projected regions with the mean tokens.
	values := cross.ValueImg.Apply(images, nil)
	captionVectors, err := nn.MaskedMeanPool(captions, lengths)
	require.NoError(t, err)
	for i := range 3 {
		imageVector := nn.MeanRows(values.Item(i))
		for j := range 2 {
			require.InDelta(t, nn.Cosine(imageVector, captionVectors.Row(j)), got.At(i, j), 1e-12)
		}
	}
}

func TestAdaptiveDirections(t *testing.T) {
	rng := rand.New(rand.NewPCG(31, 0))
	lengths := []int{4, 2}
	images, captions := testInputs(rng, 3, lengths)
	for _, direction := range []Direction{DirectionT2I, DirectionI2T} {
		for _, kind := range []batchnorm.Kind{batchnorm.KindBatch, batchnorm.KindInstance} {
			cfg := testConfig(VariantAdaptive)
			cfg.Direction = direction
			cfg.Norm = kind
			s := newTestSimilarity(t, cfg)
			sims, err := s.Score(images, captions, lengths)
			require.NoError(t, err)
			require.Equal(t, []int{3, 2}, sims.Shape().Dimensions)
			for _, v := range sims.Flat() {
				require.LessOrEqual(t, math.Abs(v), 1+1e-9, "direction=%s, norm=%s", direction, kind)
			}
		}
	}
}

func TestScoreErrors(t *testing.T) {
	rng := rand.New(rand.NewPCG(37, 0))
	lengths := []int{3, 5}
	images, captions := testInputs(rng, 2, lengths)
	for _, name := range VariantNameValues() {
		t.Run(name.String(), func(t *testing.T) {
			s := newTestSimilarity(t, testConfig(name))
			_, err := s.Score(randomTensor(rng, 2, 4, testDim+1), captions, lengths)
			require.ErrorIs(t, err, shapes.ErrShapeMismatch)
			_, err = s.Score(images, randomTensor(rng, 2, 5, testDim-1), lengths)
			require.ErrorIs(t, err, shapes.ErrShapeMismatch)
			_, err = s.Score(images, captions, []int{3})
			require.ErrorIs(t, err, shapes.ErrShapeMismatch)
			_, err = s.Score(images, captions, []int{3, 6})
			require.ErrorIs(t, err, shapes.ErrShapeMismatch)
			_, err = s.Score(images, captions, []int{0, 5})
			require.ErrorIs(t, err, nn.ErrDegenerateInput)
			_, err = s.ScoreSharded(images, captions, []int{3, 0}, 1)
			require.ErrorIs(t, err, nn.ErrDegenerateInput)
			_, err = s.ScoreSharded(images, captions, lengths, 0)
			require.ErrorIs(t, err, nn.ErrInvalidConfiguration)
			_, err = s.Sharded(images, captions, lengths).Parallelism(0).Done()
			require.ErrorIs(t, err, nn.ErrInvalidConfiguration)
		})
	}
}

func TestDevice(t *testing.T) {
	rng := rand.New(rand.NewPCG(41, 0))
	lengths := []int{3, 5}
	images, captions := testInputs(rng, 2, lengths)
	device, err := tensors.ParseDevice("cpu:1")
	require.NoError(t, err)

	ctx := context.New()
	ctx.SetDevice(device)
	s, err := New(ctx, testConfig(VariantScanI2T))
	require.NoError(t, err)
	got, err := s.Score(images, captions, lengths)
	require.NoError(t, err)
	want, err := newTestSimilarity(t, testConfig(VariantScanI2T)).Score(images, captions, lengths)
	require.NoError(t, err)
	requireMatrixEqual(t, want, got, 0)
	require.Equal(t, tensors.Host, images.Device())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig(VariantScanI2T)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, attention.FeatureNormClippedL2, cfg.FeatureNorm)
	assert.Equal(t, nn.AggMean, cfg.Aggregation)
	assert.Equal(t, 4.0, cfg.Smooth)
	assert.Equal(t, DefaultShardSize, cfg.ShardSize)

	// Each call returns an independent value.
	cfg.Smooth = 9
	assert.Equal(t, 4.0, DefaultConfig(VariantScanI2T).Smooth)
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(c *Config)
	}{
		{"variant", func(c *Config) { c.Name = VariantName(99) }},
		{"latent_size", func(c *Config) { c.LatentSize = 0 }},
		{"k", func(c *Config) { c.K = 3 }},
		{"k=0", func(c *Config) { c.K = 0 }},
		{"feature_norm", func(c *Config) { c.FeatureNorm = attention.FeatureNorm(99) }},
		{"agg_function", func(c *Config) { c.Aggregation = nn.AggregationType(99) }},
		{"lambda_lse", func(c *Config) { c.Aggregation = nn.AggLogSumExp }},
		{"smooth", func(c *Config) { c.Smooth = 0 }},
		{"direction", func(c *Config) { c.Direction = Direction(2) }},
		{"norm", func(c *Config) { c.Norm = batchnorm.Kind(-1) }},
		{"kernel_size", func(c *Config) { c.KernelSize = 0 }},
		{"shard_size", func(c *Config) { c.ShardSize = -1 }},
		{"parallelism", func(c *Config) { c.Parallelism = 0 }},
	}
	for _, tc := range testCases {
		cfg := testConfig(VariantAdaptive)
		tc.modify(&cfg)
		require.ErrorIs(t, cfg.Validate(), nn.ErrInvalidConfiguration, tc.name)
		_, err := New(context.New(), cfg)
		require.ErrorIs(t, err, nn.ErrInvalidConfiguration, tc.name)
	}

	cfg := testConfig(VariantScanT2I)
	cfg.Aggregation = nn.AggLogSumExp
	cfg.LambdaLSE = 6
	require.NoError(t, cfg.Validate())
}

func TestConfigFromContext(t *testing.T) {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamVariantName: "scan_t2i",
		"latent_size":    16,
		"k":              "4",
		"feature_norm":   "softmax",
		"agg_function":   "LogSumExp",
		"lambda_lse":     "6",
		"smooth":         9,
		"direction":      "i2t",
		"norm":           "instance",
		"activation":     "tanh",
		"shard_size":     int64(64),
		"unrelated":      true,
	})
	cfg, err := ConfigFromContext(ctx.In("model"))
	require.NoError(t, err)
	assert.Equal(t, VariantScanT2I, cfg.Name)
	assert.Equal(t, 16, cfg.LatentSize)
	assert.Equal(t, 4, cfg.K)
	assert.Equal(t, attention.FeatureNormSoftmax, cfg.FeatureNorm)
	assert.Equal(t, nn.AggLogSumExp, cfg.Aggregation)
	assert.Equal(t, 6.0, cfg.LambdaLSE)
	assert.Equal(t, 9.0, cfg.Smooth)
	assert.Equal(t, DirectionI2T, cfg.Direction)
	assert.Equal(t, batchnorm.KindInstance, cfg.Norm)
	assert.Equal(t, "tanh", cfg.Activation.String())
	assert.Equal(t, 64, cfg.ShardSize)
	assert.Equal(t, 1, cfg.Parallelism)
	require.NoError(t, cfg.Validate())

	s, err := NewFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, VariantScanT2I, s.Variant().Name())
	assert.Equal(t, "Similarity(StackedAttention(task=t2i, Attention(smooth=9, feature_norm=softmax), agg_function=LogSumExp(λ=6)))",
		s.String())

	for key, value := range map[string]string{
		ParamVariantName: "order",
		"feature_norm":   "l1norm",
		"agg_function":   "Median",
		"direction":      "both",
	} {
		bad := context.New()
		bad.SetParam(key, value)
		_, err := ConfigFromContext(bad)
		require.ErrorIs(t, err, nn.ErrInvalidConfiguration, "%s=%q", key, value)
	}
}

func TestConfigFromVariantScope(t *testing.T) {
	ctx := context.New()
	ctx.SetParams(DefaultConfig(VariantCosine).Params())
	ctx.SetParam(ParamVariantName, "scan_t2i")
	ctx.SetParam("latent_size", 16)
	ctx.In("scan_t2i").SetParam("smooth", 9.0)
	ctx.In("scan_t2i").SetParam("agg_function", "Max")
	// Settings of other variants are ignored.
	ctx.In("scan_i2t").SetParam("smooth", 2.0)

	s, err := NewFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9.0, s.Config().Smooth)
	assert.Equal(t, nn.AggMax, s.Config().Aggregation)
	assert.Equal(t, 16, s.Config().LatentSize)
	assert.Equal(t, "Similarity(StackedAttention(task=t2i, Attention(smooth=9, feature_norm=clipped_l2norm), agg_function=Max))",
		s.String())

	// Invalid scoped values are reported.
	bad := context.New()
	bad.In("cosine").SetParam("agg_function", "Median")
	_, err = ConfigFromContext(bad)
	require.ErrorIs(t, err, nn.ErrInvalidConfiguration)

	// The variant can't be changed from its own scope.
	bad = context.New()
	bad.In("cosine").SetParam(ParamVariantName, "adaptive")
	_, err = ConfigFromContext(bad)
	require.ErrorIs(t, err, nn.ErrInvalidConfiguration)
}

func TestConfigParams(t *testing.T) {
	cfg := testConfig(VariantReducedConv)
	cfg.Direction = DirectionI2T
	cfg.Aggregation = nn.AggMax
	ctx := context.New()
	ctx.SetParams(cfg.Params())
	decoded, err := ConfigFromContext(ctx)
	require.NoError(t, err)
	require.Equal(t, cfg, decoded)
}

func TestParseNames(t *testing.T) {
	for _, name := range VariantNameValues() {
		parsed, err := ParseVariantName(name.String())
		require.NoError(t, err)
		require.Equal(t, name, parsed)
	}
	parsed, err := ParseVariantName(" SCAN_I2T ")
	require.NoError(t, err)
	require.Equal(t, VariantScanI2T, parsed)
	_, err = ParseVariantName("order")
	require.ErrorIs(t, err, nn.ErrInvalidConfiguration)

	var direction Direction
	require.NoError(t, direction.UnmarshalText([]byte("i2t")))
	require.Equal(t, DirectionI2T, direction)
	text, err := direction.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "i2t", string(text))
	require.Equal(t, "unknown", Direction(7).String())
}
