// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressOutput is where the progress bars are drawn.
var ProgressOutput io.Writer = os.Stderr

// ShardProgressBar returns a progress function for similarity.ShardedBuilder.WithProgress, that draws a
// progress bar of the scored tiles. The bar is created on the first call, when the total is known, and it
// is finished when the last tile is done.
//
// Numbers of pairs are shown with thousands separators. Colors are only used if ProgressOutput is a terminal
// that supports them.
func ShardProgressBar(description string, numPairs int) func(done, total int) {
	var (
		bar   *progressbar.ProgressBar
		start time.Time
	)
	return func(done, total int) {
		if bar == nil {
			start = time.Now()
			withColors := termenv.NewOutput(ProgressOutput).Profile != termenv.Ascii
			barDescription := fmt.Sprintf("%s (%s pairs)", description, humanize.Comma(int64(numPairs)))
			if withColors {
				barDescription = "[bold]" + barDescription + "[reset]"
			}
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetWriter(ProgressOutput),
				progressbar.OptionEnableColorCodes(withColors),
				progressbar.OptionSetDescription(barDescription),
				progressbar.OptionSetTheme(ProgressbarStyle),
				progressbar.OptionShowCount(),
				progressbar.OptionSetItsString("tiles"),
				progressbar.OptionShowIts(),
				progressbar.OptionSetPredictTime(true),
				progressbar.OptionFullWidth(),
			)
		}
		_ = bar.Set(done)
		if done == total {
			_ = bar.Finish()
			_, _ = fmt.Fprintf(ProgressOutput, "\n%s: %s tiles in %s\n", description,
				humanize.Comma(int64(total)), FormatDuration(time.Since(start)))
		}
	}
}
