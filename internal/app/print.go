package app

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/chmdznr/batchsync/pkg/models"
	"github.com/chmdznr/batchsync/pkg/utils"
)

func printSummary(w io.Writer, s models.RunSummary) {
	fmt.Fprintf(w, "%s run %s: %s\n", verdict(s), s.RunID, runCounts(s))
	fmt.Fprintf(w, "  %s of %s files copied (%s) in %s\n",
		humanize.Comma(int64(s.TotalFilesCopied)), humanize.Comma(int64(s.TotalSourceFiles)),
		humanize.IBytes(uint64(max(s.TotalBytesCopied, 0))), utils.FormatDuration(s.Duration()))
	for _, r := range s.BatchDetails {
		switch r.Outcome {
		case models.OutcomePartial:
			fmt.Fprintf(w, "  %s %s: %d of %d files\n", color.YellowString("partial"), r.BatchID,
				r.FilesCopied+r.FilesCurrent, r.SourceFileCount)
		case models.OutcomeFailed:
			fmt.Fprintf(w, "  %s %s: %v\n", color.RedString("failed"), r.BatchID, r.Errors)
		}
	}
	if s.FatalError != "" {
		fmt.Fprintf(w, "  %s\n", color.RedString(s.FatalError))
	}
}

func verdict(s models.RunSummary) string {
	switch {
	case s.Succeeded():
		return color.GreenString("SUCCESS")
	case s.Canceled:
		return color.YellowString("CANCELED")
	default:
		return color.RedString("FAILED")
	}
}

func runCounts(s models.RunSummary) string {
	return fmt.Sprintf("%d successful, %d partial, %s, %d skipped of %d batches",
		s.Successful, s.Partial, failedCount(s.Failed), s.Skipped, s.TotalBatches)
}

func failedCount(n int) string {
	text := fmt.Sprintf("%s failed", humanize.Comma(int64(n)))
	if n > 0 {
		return color.RedString(text)
	}
	return text
}

func since(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return fmt.Sprintf("%s (%s)", t.Local().Format("2006-01-02 15:04"), humanize.Time(*t))
}
