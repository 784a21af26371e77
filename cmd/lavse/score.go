// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/IwenLeeO/lavse/pkg/core/tensors/numpy"
	"github.com/IwenLeeO/lavse/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// newScoreCmd creates the "lavse score" subcommand.
func newScoreCmd(opts *options) *cobra.Command {
	var (
		in                     inputs
		out                    string
		shardSize, parallelism int
		progress               bool
	)
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score all pairs of images and captions",
		Long: "Score every (image, caption) pair and write the similarity matrix [n_images, n_captions]\n" +
			"to a NumPy file. The matrix is computed in tiles of at most --shard_size images by captions.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return errors.New("missing --out")
			}
			outPath, err := fsutil.ResolveOutput(out)
			if err != nil {
				return err
			}
			_, sim, err := opts.newSimilarity()
			if err != nil {
				return err
			}
			sims, err := scoreAll(sim, &in, shardSize, parallelism, progress)
			if err != nil {
				return err
			}
			if err := numpy.ToNpyFile(sims, outPath); err != nil {
				return errors.WithMessagef(err, "writing --out")
			}
			klog.V(1).Infof("%s: similarities %s written to %q", sim, sims.Shape(), outPath)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote similarities %s to %s\n", sims.Shape(), outPath)
			return nil
		},
	}
	in.addFlags(cmd)
	cmd.Flags().StringVar(&out, "out", "", "NumPy file where to write the similarities [n_images, n_captions].")
	cmd.Flags().IntVar(&shardSize, "shard_size", 0, "Overrides the hyperparameter \"shard_size\" if > 0.")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "Overrides the hyperparameter \"parallelism\" if > 0.")
	cmd.Flags().BoolVar(&progress, "progress", false, "Display a progress bar of the scored tiles.")
	return cmd
}
