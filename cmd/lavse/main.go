// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

// lavse scores and evaluates encoded images and captions with one of the similarity variants.
//
// Inputs and outputs are NumPy `.npy` files: images `[n_images, n_regions, D]`, captions
// `[n_captions, max_len, D]` and the caption lengths `[n_captions]`. Pre-trained weights are read from a
// `.npz` archive, with one array per variable (e.g. "scan_t2i/..." or "adaptive/cbn/...").
//
// Examples:
//
//	lavse score --images=img.npy --captions=cap.npy --lengths=len.npy --out=sims.npy \
//		--set="similarity_variant_name=scan_t2i;agg_function=LogSumExp;lambda_lse=6;latent_size=1024"
//	lavse eval --sims=sims.npy
//	lavse params --config=adaptive.yaml --weights=adaptive.npz
//	lavse params --set="similarity_variant_name=scan_t2i;/scan_t2i/smooth=9" --seed=1 --save=cross_init.npz
package main

import (
	"os"

	"k8s.io/klog/v2"
)

func main() {
	defer klog.Flush()
	if err := newRootCmd().Execute(); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
}
