// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

// Package nn provides the numeric building blocks used by the similarity models: L2 normalization,
// cosine similarity, masked pooling over variable-length sequences, softmax and aggregations.
//
// All functions work on host float64 tensors (see package tensors) and never modify their inputs,
// except the explicitly named *InPlace variants.
package nn

import (
	"github.com/pkg/errors"
)

var (
	// ErrInvalidConfiguration is returned (wrapped) when a component is constructed with an unknown or
	// invalid option. It's always raised at construction time, never during scoring.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrDegenerateInput is returned (wrapped) when an input has no valid content to work on,
	// e.g.: a caption of length 0.
	ErrDegenerateInput = errors.New("degenerate input")
)
