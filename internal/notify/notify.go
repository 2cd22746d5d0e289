// Package notify delivers the summary of a finished run.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chmdznr/batchsync/pkg/models"
	"github.com/chmdznr/batchsync/pkg/utils"
)

// Notifier is called once per run, fatal runs included.
type Notifier interface {
	Notify(ctx context.Context, summary models.RunSummary) error
}

// Multi fans a summary out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, summary models.RunSummary) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, summary); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Report renders the plain text completion report.
func Report(s models.RunSummary) string {
	var b strings.Builder
	b.WriteString("Batch Transfer - Completion Report\n\n")
	if s.FatalError != "" {
		fmt.Fprintf(&b, "Run aborted: %s\n\n", s.FatalError)
	}
	if s.Canceled {
		b.WriteString("Run canceled before all batches were processed.\n\n")
	}

	b.WriteString("Summary:\n")
	fmt.Fprintf(&b, "- Total Batches Processed: %d\n", s.TotalBatches)
	fmt.Fprintf(&b, "- Successful Transfers: %d\n", s.Successful)
	fmt.Fprintf(&b, "- Partial Transfers: %d\n", s.Partial)
	fmt.Fprintf(&b, "- Failed Transfers: %d\n", s.Failed)
	fmt.Fprintf(&b, "- Skipped (already complete): %d\n", s.Skipped)
	fmt.Fprintf(&b, "- Total Files Copied: %d of %d (%s)\n", s.TotalFilesCopied, s.TotalSourceFiles,
		utils.FormatSize(s.TotalBytesCopied))
	fmt.Fprintf(&b, "- Success Rate: %.1f%%\n", s.OverallSuccessRate)
	if s.InvalidRecords > 0 {
		fmt.Fprintf(&b, "- Manifest rows without a batch ID: %d\n", s.InvalidRecords)
	}
	if d := s.Duration(); d > 0 {
		fmt.Fprintf(&b, "- Duration: %s\n", utils.FormatDuration(d))
	}

	section := func(title string, outcome models.Outcome, line func(r models.BatchResult) string) {
		var lines []string
		for _, r := range s.BatchDetails {
			if r.Outcome == outcome {
				lines = append(lines, "  - "+line(r))
			}
		}
		if len(lines) > 0 {
			fmt.Fprintf(&b, "\n%s:\n%s\n", title, strings.Join(lines, "\n"))
		}
	}
	section("Successful Batches", models.OutcomeSuccess, func(r models.BatchResult) string {
		return fmt.Sprintf("%s: %d files copied, %d already current", r.BatchID, r.FilesCopied, r.FilesCurrent)
	})
	section("Partial Batches", models.OutcomePartial, func(r models.BatchResult) string {
		return fmt.Sprintf("%s: %d of %d files (%.1f%%): %s", r.BatchID, r.FilesCopied+r.FilesCurrent,
			r.SourceFileCount, r.CopySuccessRate, strings.Join(r.Errors, "; "))
	})
	section("Failed Batches", models.OutcomeFailed, func(r models.BatchResult) string {
		return fmt.Sprintf("%s: %s", r.BatchID, strings.Join(r.Errors, "; "))
	})

	if len(s.Errors) > 0 {
		fmt.Fprintf(&b, "\nRun Errors:\n  - %s\n", strings.Join(s.Errors, "\n  - "))
	}
	fmt.Fprintf(&b, "\nRun ID: %s\n", s.RunID)
	return b.String()
}
