package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chmdznr/batchsync/pkg/models"
)

var day0 = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func rec(batch, file string, ok bool, at time.Time) models.TransferRecord {
	return models.TransferRecord{BatchID: batch, FilePath: file, Success: ok, Timestamp: models.NewTimestamp(at)}
}

func TestPendingSupersededBySuccess(t *testing.T) {
	recs := []models.TransferRecord{
		rec("B1", "a.pdf", false, day0),
		rec("B1", "b.pdf", false, day0),
		rec("b1 ", "a.pdf", true, day0.Add(time.Minute)),
		rec("B2", "c.pdf", false, day0),
		rec("B1", "b.pdf", false, day0.Add(2*time.Minute)),
	}

	pending := Pending(recs, "B1")
	if assert.Len(t, pending, 1) {
		assert.Equal(t, "b.pdf", pending[0].FilePath)
		assert.True(t, pending[0].Timestamp.Equal(day0.Add(2*time.Minute)), "latest failure returned")
	}
	assert.Empty(t, Pending(recs, "B3"))
}

func TestFold(t *testing.T) {
	recs := []models.TransferRecord{
		{BatchID: "B1", FilePath: "a.pdf", Success: false, DestFolder: "B1_20240301"},
		{BatchID: "B1", FilePath: "a.pdf", Success: true, DestFolder: "B1_20240301"},
		{BatchID: "B1", FilePath: "b.pdf", Success: false},
	}

	state := Fold(recs, "b1")
	assert.Equal(t, 3, state.Records)
	assert.Equal(t, 1, state.Succeeded)
	assert.Equal(t, 1, state.Pending)
	assert.Equal(t, "B1_20240301", state.DestFolder)
	assert.False(t, state.Complete())

	assert.False(t, Fold(recs[:2], "B1").Complete(), "no marker yet")
	assert.False(t, Fold(nil, "B1").Complete())

	verified := append(recs[:2:2], CompletionRecord("B1", "B1_20240301", "run-1"))
	state = Fold(verified, "B1")
	assert.True(t, state.Verified)
	assert.True(t, state.Complete())
	assert.Equal(t, 1, state.Succeeded, "marker is not a file")

	retried := append(verified, rec("B1", "c.pdf", false, day0))
	assert.False(t, Fold(retried, "B1").Complete(), "failure after the marker")
}

func TestFoldEmptyBatchMarker(t *testing.T) {
	state := Fold([]models.TransferRecord{CompletionRecord("B1", "B1_20240310", "")}, "b1")
	assert.True(t, state.Complete())
	assert.Equal(t, 0, state.Succeeded)
	assert.Equal(t, "B1_20240310", state.DestFolder)
	assert.Empty(t, Pending([]models.TransferRecord{CompletionRecord("B1", "", "")}, "B1"))
}

func TestLatestFailure(t *testing.T) {
	recs := []models.TransferRecord{
		rec("B1", "a.pdf", false, day0),
		rec("B1", "a.pdf", false, day0),
		rec("B1", "a.pdf", true, day0),
		rec("B1", "b.pdf", true, day0),
		rec("B1", "b.pdf", false, day0),
		rec("B2", "b.pdf", false, day0),
	}
	tests := []struct {
		name  string
		batch string
		file  string
		want  int
	}{
		{name: "superseded by a success", batch: "B1", file: "a.pdf", want: -1},
		{name: "latest is a failure", batch: "b1", file: "b.pdf", want: 4},
		{name: "other batch", batch: "B2", file: "b.pdf", want: 5},
		{name: "unknown file", batch: "B1", file: "c.pdf", want: -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LatestFailure(recs, tt.batch, tt.file))
		})
	}
}

func TestDueForPrune(t *testing.T) {
	tests := []struct {
		name string
		last time.Time
		want bool
	}{
		{name: "never", last: time.Time{}, want: true},
		{name: "earlier today", last: day0.Add(-11 * time.Hour), want: false},
		{name: "yesterday evening", last: day0.Add(-13 * time.Hour), want: true},
		{name: "later today", last: day0.Add(time.Hour), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DueForPrune(tt.last, day0))
		})
	}
}

func TestExpiredProtectsBatchesWithRecentFailures(t *testing.T) {
	old := day0.AddDate(0, 0, -9)
	recent := day0.AddDate(0, 0, -1)
	recs := []models.TransferRecord{
		rec("OLD", "a.pdf", true, old),
		rec("KEEP", "x.pdf", true, old),
		rec("KEEP", "y.pdf", false, recent),
		rec("NEW", "n.pdf", true, recent),
		rec("STALE", "s.pdf", false, old),
		{BatchID: "UNDATED", FilePath: "u.pdf"},
	}

	got := Expired(recs, Cutoff(day0, 7))
	assert.Equal(t, []bool{true, false, false, false, true, false}, got)
}

func TestStats(t *testing.T) {
	recs := []models.TransferRecord{
		{BatchID: "B1", FilePath: "a.pdf", Success: true, SizeBytes: 2048, Timestamp: models.NewTimestamp(day0)},
		{BatchID: "b1", FilePath: "b.pdf", Success: false, SizeBytes: 4096, Timestamp: models.NewTimestamp(day0.Add(time.Hour))},
		{BatchID: "B2", FilePath: "c.pdf", Success: true, SizeBytes: 1024, Timestamp: models.NewTimestamp(day0.Add(-time.Hour))},
		CompletionRecord("B3", "B3_20240310", ""),
	}

	stats := Stats(recs, day0)
	assert.Equal(t, 3, stats.TotalTransfers)
	assert.Equal(t, 2, stats.SuccessfulTransfers)
	assert.Equal(t, 1, stats.FailedTransfers)
	assert.Equal(t, 3, stats.UniqueBatches, "marker-only batch counts")
	assert.Equal(t, int64(3072), stats.TotalBytes)
	assert.Equal(t, "3.0 KB", stats.HumanReadableSize)
	if assert.NotNil(t, stats.LastTransfer) {
		assert.True(t, stats.LastTransfer.Equal(day0.Add(time.Hour)))
	}
	assert.NotNil(t, stats.LastCleanup)

	empty := Stats(nil, time.Time{})
	assert.Nil(t, empty.LastTransfer)
	assert.Nil(t, empty.LastCleanup)
}
