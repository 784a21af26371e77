// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/IwenLeeO/lavse/pkg/core/shapes"
	"github.com/IwenLeeO/lavse/pkg/core/tensors"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func randomTensor(rng *rand.Rand, dims ...int) *tensors.Tensor {
	t := tensors.Zeros(dims...)
	for ii := range t.Flat() {
		t.Flat()[ii] = rng.NormFloat64()
	}
	return t
}

func TestL2Norm(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 0))
	x := randomTensor(rng, 5, 7)
	x.Row(2)[0] = 0
	for ii := range x.Row(3) {
		x.Row(3)[ii] = 0
	}
	normalized := L2Norm(x, -1)
	for ii := range 5 {
		norm := floats.Norm(normalized.Row(ii), 2)
		if ii == 3 {
			// Zero vector stays zero, no NaN.
			require.Equal(t, 0.0, norm)
			continue
		}
		require.InDelta(t, 1.0, norm, 1e-5)
	}
	// Input is not modified.
	require.NotEqual(t, x.Flat(), normalized.Flat())

	// Along axis 0.
	byColumn := L2Norm(tensors.FromValue([][]float64{{3, 0}, {4, 0}}), 0)
	assert.Equal(t, [][]float64{{0.6, 0}, {0.8, 0}}, byColumn.Value())
}

func TestCosineSim(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	a, b := randomTensor(rng, 6, 16), randomTensor(rng, 4, 16)
	sims, err := CosineSim(a, b)
	require.NoError(t, err)
	require.Equal(t, []int{6, 4}, sims.Shape().Dimensions)
	for _, v := range sims.Flat() {
		require.LessOrEqual(t, math.Abs(v), 1+1e-9)
	}
	want := Cosine(a.Row(2), b.Row(3))
	require.InDelta(t, want, sims.At(2, 3), 1e-12)

	self, err := CosineSim(a, a)
	require.NoError(t, err)
	for ii := range 6 {
		require.InDelta(t, 1.0, self.At(ii, ii), 1e-12)
	}

	_, err = CosineSim(a, randomTensor(rng, 4, 15))
	require.ErrorIs(t, err, shapes.ErrShapeMismatch)
	_, err = CosineSim(randomTensor(rng, 2, 3, 16), b)
	require.ErrorIs(t, err, shapes.ErrShapeMismatch)
}

func TestMatMul(t *testing.T) {
	a := tensors.FromValue([][]float64{{1, 2}, {3, 4}, {5, 6}})
	b := tensors.FromValue([][]float64{{1, 0, 2}, {0, 1, 3}})
	got := MatMul(a, b, false)
	want := [][]float64{{1, 2, 8}, {3, 4, 18}, {5, 6, 28}}
	if diff := cmp.Diff(want, got.Value()); diff != "" {
		t.Errorf("MatMul mismatch (-want +got):\n%s", diff)
	}
	gotT := MatMul(a, a, true)
	assert.Equal(t, [][]float64{{5, 11, 17}, {11, 25, 39}, {17, 39, 61}}, gotT.Value())
	require.Panics(t, func() { _ = MatMul(a, a, false) })
	assert.Equal(t, []int{0, 3}, MatMul(tensors.Zeros(0, 2), b, false).Shape().Dimensions)
}

func TestCosineSimilarityRows(t *testing.T) {
	x1 := tensors.FromValue([][]float64{{1, 0}, {1, 1}, {0, 0}})
	x2 := tensors.FromValue([][]float64{{2, 0}, {-1, -1}, {1, 1}})
	got := CosineSimilarityRows(x1, x2)
	want := []float64{1, -1, 0}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("CosineSimilarityRows mismatch (-want +got):\n%s", diff)
	}
}

func TestMaskedMeanPool(t *testing.T) {
	seq := tensors.FromValue([][][]float64{
		{{1, 2}, {3, 4}, {100, 100}},
		{{1, 1}, {2, 2}, {3, 3}},
	})
	pooled, err := MaskedMeanPool(seq, []int{2, 3})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{2, 3}, {2, 2}}, pooled.Value())

	// Padding content doesn't matter.
	seq.Set(math.Pi, 0, 2, 0)
	pooled2, err := MaskedMeanPool(seq, []int{2, 3})
	require.NoError(t, err)
	assert.Equal(t, pooled.Value(), pooled2.Value())

	_, err = MaskedMeanPool(seq, []int{0, 3})
	require.ErrorIs(t, err, ErrDegenerateInput)
	_, err = MaskedMeanPool(seq, []int{4, 3})
	require.ErrorIs(t, err, shapes.ErrShapeMismatch)
	_, err = MaskedMeanPool(seq, []int{1})
	require.ErrorIs(t, err, shapes.ErrShapeMismatch)
	_, err = MaskedMeanPool(tensors.Zeros(2, 3), []int{1, 1})
	require.ErrorIs(t, err, shapes.ErrShapeMismatch)
}

func TestSoftmax(t *testing.T) {
	got := Softmax(tensors.FromValue([][]float64{{-1, 0, 1}, {-1, 0, 0}}))
	want := [][]float64{
		{0.09003057317038046, 0.24472847105479764, 0.6652409557748218},
		{0.15536240349696362, 0.4223187982515182, 0.4223187982515182}}
	if diff := cmp.Diff(want, got.Value(), cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("Softmax mismatch (-want +got):\n%s", diff)
	}

	// Large logits don't overflow.
	large := []float64{1000, 1000}
	SoftmaxInPlace(large)
	assert.Equal(t, []float64{0.5, 0.5}, large)

	// Higher scale sharpens the distribution.
	soft, sharp := []float64{1, 2}, []float64{1, 2}
	ScaledSoftmaxInPlace(soft, 1)
	ScaledSoftmaxInPlace(sharp, 9)
	assert.Greater(t, sharp[1], soft[1])
}

func TestAggregation(t *testing.T) {
	values := []float64{0.1, 0.5, -0.2, 0.3}
	copied := append([]float64(nil), values...)
	results := make(map[AggregationType]float64)
	for _, aggType := range AggregationTypeValues() {
		agg, err := NewAggregator(aggType, 6)
		require.NoError(t, err)
		results[aggType] = agg.Aggregate(values)
	}
	// Inputs are not modified.
	require.Equal(t, copied, values)

	assert.InDelta(t, 0.175, results[AggMean], 1e-12)
	assert.Equal(t, 0.5, results[AggMax])
	assert.InDelta(t, 0.7, results[AggSum], 1e-12)
	assert.GreaterOrEqual(t, results[AggMax], results[AggMean])
	want := math.Log(math.Exp(0.6)+math.Exp(3)+math.Exp(-1.2)+math.Exp(1.8)) / 6
	assert.InDelta(t, want, results[AggLogSumExp], 1e-12)
	// LogSumExp is an upper bound of max.
	assert.GreaterOrEqual(t, results[AggLogSumExp], results[AggMax])

	_, err := NewAggregator(AggLogSumExp, 0)
	require.ErrorIs(t, err, ErrInvalidConfiguration)
	_, err = NewAggregator(AggLogSumExp, -1)
	require.ErrorIs(t, err, ErrInvalidConfiguration)
	_, err = NewAggregator(AggregationType(17), 1)
	require.ErrorIs(t, err, ErrInvalidConfiguration)

	aggType, err := ParseAggregation("logsumexp")
	require.NoError(t, err)
	require.Equal(t, AggLogSumExp, aggType)
	_, err = ParseAggregation("median")
	require.ErrorIs(t, err, ErrInvalidConfiguration)

	var unmarshaled AggregationType
	require.NoError(t, unmarshaled.UnmarshalText([]byte("Max")))
	require.Equal(t, AggMax, unmarshaled)
	require.Equal(t, "LogSumExp(λ=6)", Aggregator{Type: AggLogSumExp, LambdaLSE: 6}.String())
}
