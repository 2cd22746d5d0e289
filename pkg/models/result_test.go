package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBatchResultClassify(t *testing.T) {
	tests := []struct {
		name     string
		result   BatchResult
		outcome  Outcome
		success  bool
		rateWant float64
	}{
		{
			name:     "all copied",
			result:   BatchResult{FilesCopied: 3, SourceFileCount: 3},
			outcome:  OutcomeSuccess,
			success:  true,
			rateWant: 100,
		},
		{
			name:     "nothing to do",
			result:   BatchResult{FilesCurrent: 3, SourceFileCount: 3},
			outcome:  OutcomeSuccess,
			success:  true,
			rateWant: 100,
		},
		{
			name:     "empty folder",
			result:   BatchResult{},
			outcome:  OutcomeSuccess,
			success:  true,
			rateWant: 100,
		},
		{
			name:     "one file failed",
			result:   BatchResult{FilesCopied: 2, SourceFileCount: 3, Errors: []string{"copy c.pdf: boom"}},
			outcome:  OutcomePartial,
			rateWant: 200.0 / 3,
		},
		{
			name:    "folder missing",
			result:  BatchResult{Errors: []string{"source folder not found"}},
			outcome: OutcomeFailed,
		},
		{
			name:    "every copy failed",
			result:  BatchResult{SourceFileCount: 2, Errors: []string{"a", "b"}},
			outcome: OutcomeFailed,
		},
		{
			name:     "skipped stays skipped",
			result:   BatchResult{Outcome: OutcomeSkipped},
			outcome:  OutcomeSkipped,
			success:  true,
			rateWant: 100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.result
			r.Classify()
			assert.Equal(t, tt.outcome, r.Outcome)
			assert.Equal(t, tt.success, r.Success)
			assert.InDelta(t, tt.rateWant, r.CopySuccessRate, 0.001)
		})
	}
}

func TestRunSummaryAggregates(t *testing.T) {
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	s := RunSummary{StartedAt: start, TotalBatches: 4}

	results := []BatchResult{
		{BatchID: "B1", FilesCopied: 3, SourceFileCount: 3, BytesCopied: 30},
		{BatchID: "B2", FilesCopied: 1, SourceFileCount: 2, Errors: []string{"x"}},
		{BatchID: "B3", Errors: []string{"not found"}},
		{BatchID: "B4", Outcome: OutcomeSkipped},
	}
	for _, r := range results {
		r.Classify()
		s.Add(r)
	}
	s.Finish(start.Add(time.Minute))

	assert.Equal(t, 1, s.Successful)
	assert.Equal(t, 1, s.Partial)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, 4, s.TotalFilesCopied)
	assert.Equal(t, 5, s.TotalSourceFiles)
	assert.Equal(t, int64(30), s.TotalBytesCopied)
	assert.InDelta(t, 50.0, s.OverallSuccessRate, 0.001)
	assert.Equal(t, time.Minute, s.Duration())
	assert.False(t, s.Succeeded())
	assert.Len(t, s.BatchDetails, 4)
}

func TestRunSummaryPartialIsNotFatal(t *testing.T) {
	s := RunSummary{TotalBatches: 1}
	r := BatchResult{FilesCopied: 1, SourceFileCount: 2, Errors: []string{"x"}}
	r.Classify()
	s.Add(r)
	assert.True(t, s.Succeeded())

	s.Canceled = true
	assert.False(t, s.Succeeded())
}

func TestBatchKey(t *testing.T) {
	assert.Equal(t, "B-100", BatchKey("  b-100 "))
	assert.True(t, SameBatch("b1", "B1 "))
	assert.False(t, SameBatch("B1", "B10"))
}
