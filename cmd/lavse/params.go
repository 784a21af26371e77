// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"math"
	"slices"
	"strings"

	"github.com/IwenLeeO/lavse/pkg/ml/context"
	"github.com/IwenLeeO/lavse/pkg/ml/context/checkpoints"
	"github.com/IwenLeeO/lavse/pkg/support/fsutil"
	"github.com/IwenLeeO/lavse/ui/commandline"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"
)

var titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)

// newParamsCmd creates the "lavse params" subcommand.
func newParamsCmd(opts *options) *cobra.Command {
	var (
		withVariables bool
		savePath      string
	)
	cmd := &cobra.Command{
		Use:   "params",
		Short: "List the hyperparameters and the variables of the similarity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, sim, err := opts.newSimilarity()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(w, titleStyle.Render(sim.String()))
			listParams(w, ctx)
			if withVariables {
				listVariables(w, ctx)
			}
			if savePath == "" {
				return nil
			}
			outPath, err := fsutil.ResolveOutput(savePath)
			if err != nil {
				return err
			}
			numSaved, err := checkpoints.SaveNpz(ctx.In(sim.Variant().Name().String()), outPath)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(w, "Saved %d variables of %s to %s\n", numSaved, sim, outPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&withVariables, "vars", true, "Also list the variables, with their sizes and statistics.")
	cmd.Flags().StringVar(&savePath, "save", "",
		"Save the variables of the similarity (loaded with --weights or initialized) to this NumPy .npz archive.")
	return cmd
}

// listParams writes a table with the hyperparameters of ctx.
func listParams(w io.Writer, ctx *context.Context) {
	table := commandline.NewTable()
	table.Headers("Scope", "Name", "Type", "Value")
	ctx.EnumerateParams(func(scope, key string, value any) {
		table.Row(scope, key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value))
	})
	_, _ = fmt.Fprintln(w, titleStyle.Render("Hyperparameters"))
	_, _ = fmt.Fprintln(w, table.Render())
}

// listVariables writes a table with the variables of ctx, with their shape and MAV (mean absolute value),
// RMS (root-mean-square) and MaxAV (max absolute value) values.
func listVariables(w io.Writer, ctx *context.Context) {
	table := commandline.NewTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Scope", "Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	var rows [][]string
	for v := range ctx.IterVariables() {
		shape := v.Shape()
		var mav, rms, maxAV string
		flat := v.Value().Flat()
		if len(flat) == 1 {
			mav = fmt.Sprintf("%8v", flat[0])
		} else if len(flat) > 1 {
			n := float64(len(flat))
			mav = fmt.Sprintf("%.3g", floats.Norm(flat, 1)/n)
			rms = fmt.Sprintf("%.3g", floats.Norm(flat, 2)/math.Sqrt(n))
			maxAV = fmt.Sprintf("%.3g", floats.Norm(flat, math.Inf(1)))
		}
		rows = append(rows, []string{
			v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
			mav, rms, maxAV,
		})
	}
	slices.SortFunc(rows, func(a, b []string) int {
		if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a[1], b[1])
	})
	for _, row := range rows {
		table.Row(row...)
	}
	_, _ = fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Variables (%s parameters, %s)",
		humanize.Comma(int64(ctx.NumParameters())), humanize.Bytes(uint64(ctx.Memory())))))
	_, _ = fmt.Fprintln(w, table.Render())
}
