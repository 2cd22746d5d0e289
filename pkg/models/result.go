package models

import "time"

// Outcome classifies how a batch fared in one run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// BatchResult is the result of processing one batch in one run.
type BatchResult struct {
	BatchID      string  `json:"batch_id"`
	Outcome      Outcome `json:"outcome"`
	Success      bool    `json:"success"`
	SourceFolder string  `json:"source_folder,omitempty"`
	DestFolder   string  `json:"dest_folder,omitempty"`

	FilesCopied int `json:"files_copied"`
	// FilesCurrent counts source files already up to date at the destination.
	FilesCurrent    int     `json:"files_current"`
	SourceFileCount int     `json:"source_file_count"`
	BytesCopied     int64   `json:"bytes_copied"`
	CopySuccessRate float64 `json:"copy_success_rate"`

	Errors []string `json:"errors"`
}

// Classify sets Outcome, Success and CopySuccessRate from the counters and errors.
// A batch succeeds only when every source file is in place and no error was recorded.
func (r *BatchResult) Classify() {
	inPlace := r.FilesCopied + r.FilesCurrent
	switch {
	case r.Outcome == OutcomeSkipped:
	case len(r.Errors) == 0 && inPlace == r.SourceFileCount:
		r.Outcome = OutcomeSuccess
	case inPlace > 0:
		r.Outcome = OutcomePartial
	default:
		r.Outcome = OutcomeFailed
	}
	r.Success = r.Outcome == OutcomeSuccess || r.Outcome == OutcomeSkipped

	switch {
	case r.SourceFileCount > 0:
		r.CopySuccessRate = float64(inPlace) / float64(r.SourceFileCount) * 100
	case r.Success:
		r.CopySuccessRate = 100
	default:
		r.CopySuccessRate = 0
	}
}

// RunSummary aggregates the batch results of one workflow run.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	TotalBatches       int     `json:"total_batches"`
	Successful         int     `json:"successful_transfers"`
	Partial            int     `json:"partial_transfers"`
	Failed             int     `json:"failed_transfers"`
	Skipped            int     `json:"skipped_batches"`
	InvalidRecords     int     `json:"invalid_records"`
	TotalFilesCopied   int     `json:"total_files_copied"`
	TotalSourceFiles   int     `json:"total_source_files"`
	TotalBytesCopied   int64   `json:"total_bytes_copied"`
	OverallSuccessRate float64 `json:"overall_success_rate"`

	Canceled   bool     `json:"canceled,omitempty"`
	FatalError string   `json:"fatal_error,omitempty"`
	Errors     []string `json:"errors,omitempty"`

	BatchDetails []BatchResult `json:"batch_details"`
}

// Add folds a batch result into the summary counters.
func (s *RunSummary) Add(r BatchResult) {
	s.BatchDetails = append(s.BatchDetails, r)
	switch r.Outcome {
	case OutcomeSkipped:
		s.Skipped++
		return
	case OutcomeSuccess:
		s.Successful++
	case OutcomePartial:
		s.Partial++
	default:
		s.Failed++
	}
	s.TotalFilesCopied += r.FilesCopied
	s.TotalSourceFiles += r.SourceFileCount
	s.TotalBytesCopied += r.BytesCopied
}

// Finish stamps the end time and computes the overall success rate, the share of
// batches that are either transferred in full or already complete.
func (s *RunSummary) Finish(at time.Time) {
	s.FinishedAt = at
	if s.TotalBatches > 0 {
		s.OverallSuccessRate = float64(s.Successful+s.Skipped) / float64(s.TotalBatches) * 100
	}
}

// Duration is the wall time of the run.
func (s RunSummary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// Succeeded reports the run-level verdict: no fatal error, not canceled and no failed batch.
// Partial batches do not fail the run.
func (s RunSummary) Succeeded() bool {
	return s.FatalError == "" && !s.Canceled && s.Failed == 0
}
