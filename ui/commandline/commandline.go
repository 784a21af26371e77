// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools for the command line: parsing of hyperparameter
// settings, a progress bar for sharded scoring and the reports of the evaluation results.
package commandline

import (
	"fmt"
	"io"

	"github.com/IwenLeeO/lavse/pkg/ml/eval"
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
)

// NewTable returns a table with alternating row styles. Columns use the given alignments, the last one
// repeated for the remaining columns; the default is left aligned.
func NewTable(alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row == lgtable.HeaderRow:
				return headerRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
}

// RecallTable returns a table with one row per retrieval direction.
func RecallTable(m eval.Metrics) *lgtable.Table {
	t := NewTable(lipgloss.Left, lipgloss.Right)
	t.Headers("Direction", "R@1", "R@5", "R@10", "MedR", "MeanR")
	row := func(name string, r eval.Recall) {
		t.Row(name,
			fmt.Sprintf("%.2f", r.R1), fmt.Sprintf("%.2f", r.R5), fmt.Sprintf("%.2f", r.R10),
			fmt.Sprintf("%.1f", r.MedR), fmt.Sprintf("%.2f", r.MeanR))
	}
	row("Image to text", m.I2T)
	row("Text to image", m.T2I)
	return t
}

// ReportRetrieval writes the retrieval metrics to w, as a table followed by the sum of the recalls.
func ReportRetrieval(w io.Writer, m eval.Metrics) error {
	_, err := fmt.Fprintf(w, "%s\nRSum: %.2f\n", RecallTable(m).Render(), m.RSum)
	return err
}
