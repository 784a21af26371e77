// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

// Package eval computes the retrieval metrics of an image/caption similarity matrix: recall at 1, 5 and 10,
// and the median and mean rank of the first correct match, in both directions.
//
// Captions are grouped by image: caption j describes image `j / captionsPerImage`, as in the COCO and Flickr30k
// evaluation sets (5 captions per image).
package eval

import (
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/IwenLeeO/lavse/pkg/core/shapes"
	"github.com/IwenLeeO/lavse/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// DefaultCaptionsPerImage of the COCO and Flickr30k evaluation sets.
const DefaultCaptionsPerImage = 5

// Recall holds the metrics of one retrieval direction. Recalls are percentages; ranks are 1-based.
type Recall struct {
	R1    float64 `json:"r1"`
	R5    float64 `json:"r5"`
	R10   float64 `json:"r10"`
	MedR  float64 `json:"medr"`
	MeanR float64 `json:"meanr"`
}

// Sum of the recalls.
func (r Recall) Sum() float64 { return r.R1 + r.R5 + r.R10 }

// String implements fmt.Stringer.
func (r Recall) String() string {
	return fmt.Sprintf("R@1=%.2f R@5=%.2f R@10=%.2f MedR=%.1f MeanR=%.2f", r.R1, r.R5, r.R10, r.MedR, r.MeanR)
}

// Metrics of both retrieval directions.
type Metrics struct {
	// I2T (image annotation): for each image, the rank of its best ranked caption.
	I2T Recall `json:"i2t"`

	// T2I (image retrieval): for each caption, the rank of its image.
	T2I Recall `json:"t2i"`

	// RSum is the sum of the six recalls.
	RSum float64 `json:"rsum"`
}

// Retrieval computes the metrics of the similarities `[n_images, n_captions]`, where
// `n_captions == n_images * captionsPerImage`.
//
// It returns an error wrapping shapes.ErrShapeMismatch if the shape is inconsistent with captionsPerImage.
func Retrieval(sims *tensors.Tensor, captionsPerImage int) (Metrics, error) {
	if err := shapes.CheckRank(sims, 2); err != nil {
		return Metrics{}, errors.WithMessage(err, "retrieval similarities")
	}
	numImages, numCaptions := sims.Dim(0), sims.Dim(1)
	if captionsPerImage <= 0 || numImages == 0 || numCaptions != numImages*captionsPerImage {
		return Metrics{}, errors.Wrapf(shapes.ErrShapeMismatch,
			"retrieval needs %d captions per image, got similarities shaped %s", captionsPerImage, sims.Shape())
	}

	// Image annotation: rank of the best ranked caption of each image.
	i2tRanks := make([]float64, numImages)
	for i := range numImages {
		row := sims.Row(i)
		order := descendingOrder(row)
		best := numCaptions
		for rank, j := range order {
			if j/captionsPerImage == i {
				best = rank
				break
			}
		}
		i2tRanks[i] = float64(best + 1)
	}

	// Image retrieval: rank of the image of each caption.
	t2iRanks := make([]float64, numCaptions)
	column := make([]float64, numImages)
	for j := range numCaptions {
		for i := range numImages {
			column[i] = sims.At(i, j)
		}
		order := descendingOrder(column)
		t2iRanks[j] = float64(slices.Index(order, j/captionsPerImage) + 1)
	}

	m := Metrics{I2T: recallFromRanks(i2tRanks), T2I: recallFromRanks(t2iRanks)}
	m.RSum = m.I2T.Sum() + m.T2I.Sum()
	return m, nil
}

// descendingOrder returns the indices of values sorted by decreasing value. Ties keep the index order.
func descendingOrder(values []float64) []int {
	order := make([]int, len(values))
	for ii := range order {
		order[ii] = ii
	}
	sort.SliceStable(order, func(a, b int) bool { return values[order[a]] > values[order[b]] })
	return order
}

// recallFromRanks computes the recalls and rank statistics of 1-based ranks.
func recallFromRanks(ranks []float64) Recall {
	count := float64(len(ranks))
	recallAt := func(k float64) float64 {
		hits := 0
		for _, rank := range ranks {
			if rank <= k {
				hits++
			}
		}
		return 100 * float64(hits) / count
	}
	sorted := slices.Clone(ranks)
	slices.Sort(sorted)
	n := len(sorted)
	// Median of the 0-based ranks, rounded down, reported 1-based.
	median := (sorted[(n-1)/2] + sorted[n/2]) / 2
	return Recall{
		R1:    recallAt(1),
		R5:    recallAt(5),
		R10:   recallAt(10),
		MedR:  math.Floor(median-1) + 1,
		MeanR: stat.Mean(ranks, nil),
	}
}
