// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/IwenLeeO/lavse/pkg/core/tensors"
	"github.com/IwenLeeO/lavse/pkg/ml/eval"
	"github.com/IwenLeeO/lavse/pkg/ml/similarity"
	"github.com/IwenLeeO/lavse/pkg/support/fsutil"
	"github.com/IwenLeeO/lavse/ui/commandline"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// evalReport is the JSON report written by "lavse eval --report".
type evalReport struct {
	RunID            string             `json:"run_id"`
	Time             time.Time          `json:"time"`
	Similarity       string             `json:"similarity,omitempty"`
	Config           *similarity.Config `json:"config,omitempty"`
	NumImages        int                `json:"num_images"`
	NumCaptions      int                `json:"num_captions"`
	CaptionsPerImage int                `json:"captions_per_image"`
	Duration         string             `json:"duration"`
	Metrics          eval.Metrics       `json:"metrics"`
}

// newEvalCmd creates the "lavse eval" subcommand.
func newEvalCmd(opts *options) *cobra.Command {
	var (
		in                     inputs
		simsPath, reportPath   string
		captionsPerImage       int
		shardSize, parallelism int
		progress               bool
	)
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate the image/caption retrieval metrics",
		Long: "Evaluate recall at 1, 5 and 10, median and mean rank in both retrieval directions.\n" +
			"The similarities are read from --sims, or scored from --images and --captions.\n" +
			"Caption j must describe image j / captions_per_image.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			report := evalReport{
				RunID:            uuid.NewString(),
				Time:             start,
				CaptionsPerImage: captionsPerImage,
			}
			var (
				sims *tensors.Tensor
				err  error
			)
			if simsPath != "" {
				sims, err = loadNpy("sims", simsPath)
			} else {
				var sim *similarity.Similarity
				if _, sim, err = opts.newSimilarity(); err != nil {
					return err
				}
				report.Similarity = sim.String()
				cfg := sim.Config()
				report.Config = &cfg
				sims, err = scoreAll(sim, &in, shardSize, parallelism, progress)
			}
			if err != nil {
				return err
			}
			report.Metrics, err = eval.Retrieval(sims, captionsPerImage)
			if err != nil {
				return err
			}
			report.NumImages, report.NumCaptions = sims.Dim(0), sims.Dim(1)
			report.Duration = commandline.FormatDuration(time.Since(start))
			klog.V(1).Infof("run %s: %d images, %d captions evaluated in %s", report.RunID,
				report.NumImages, report.NumCaptions, report.Duration)

			if err := commandline.ReportRetrieval(cmd.OutOrStdout(), report.Metrics); err != nil {
				return err
			}
			if reportPath != "" {
				return writeReport(reportPath, &report)
			}
			return nil
		},
	}
	in.addFlags(cmd)
	cmd.Flags().StringVar(&simsPath, "sims", "",
		"NumPy file with precomputed similarities [n_images, n_captions]. If set, --images and --captions are ignored.")
	cmd.Flags().IntVar(&captionsPerImage, "captions_per_image", eval.DefaultCaptionsPerImage,
		"Number of consecutive captions describing each image.")
	cmd.Flags().StringVar(&reportPath, "report", "", "If set, write the metrics and the configuration as JSON to this file.")
	cmd.Flags().IntVar(&shardSize, "shard_size", 0, "Overrides the hyperparameter \"shard_size\" if > 0.")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "Overrides the hyperparameter \"parallelism\" if > 0.")
	cmd.Flags().BoolVar(&progress, "progress", false, "Display a progress bar of the scored tiles.")
	return cmd
}

func writeReport(filePath string, report *evalReport) error {
	filePath, err := fsutil.ResolveOutput(filePath)
	if err != nil {
		return err
	}
	contents, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode report")
	}
	if err := os.WriteFile(filePath, append(contents, '\n'), 0o644); err != nil {
		return errors.Wrapf(err, "failed to write report to %q", filePath)
	}
	return nil
}
