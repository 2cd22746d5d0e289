package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chmdznr/batchsync/pkg/models"
)

func openTestLedger(t *testing.T, clock clockwork.Clock, fs afero.Fs) (*JSONLedger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logs", "transfer_transactions.json")
	l, err := OpenJSON(path, Options{Clock: clock, Fs: fs})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, path
}

func TestOpenJSONCreatesDocument(t *testing.T) {
	clock := clockwork.NewFakeClockAt(day0)
	_, path := openTestLedger(t, clock, afero.NewMemMapFs())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, []interface{}{}, doc["transfers"])
	assert.Equal(t, day0.Format(time.RFC3339Nano), doc["last_cleanup"])
}

func TestRecordStampsTimeAndSize(t *testing.T) {
	clock := clockwork.NewFakeClockAt(day0)
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/remote/B1/a.pdf", []byte("12345"), 0o644))
	l, _ := openTestLedger(t, clock, fs)

	require.NoError(t, l.Record(models.TransferRecord{BatchID: "B1", FilePath: "a.pdf", SourcePath: "/remote/B1/a.pdf"}))
	require.NoError(t, l.Record(models.TransferRecord{BatchID: "B1", FilePath: "gone.pdf", SourcePath: "/remote/B1/gone.pdf"}))

	pending, err := l.PendingFailures("B1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, int64(5), pending[0].SizeBytes)
	assert.Equal(t, int64(0), pending[1].SizeBytes)
	assert.True(t, pending[0].Timestamp.Equal(day0))
}

func TestPendingFailuresAndMarkComplete(t *testing.T) {
	clock := clockwork.NewFakeClockAt(day0)
	l, _ := openTestLedger(t, clock, afero.NewMemMapFs())

	require.NoError(t, l.Record(models.TransferRecord{BatchID: "B1", FilePath: "a.pdf", Error: "timeout"}))
	require.NoError(t, l.Record(models.TransferRecord{BatchID: "B1", FilePath: "b.pdf", Error: "timeout"}))
	require.NoError(t, l.Record(models.TransferRecord{BatchID: "B1", FilePath: "a.pdf", Success: true}))
	require.NoError(t, l.Record(models.TransferRecord{BatchID: "B1", FilePath: "b.pdf", Error: "checksum"}))

	pending, err := l.PendingFailures("b1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "checksum", pending[0].Error)

	clock.Advance(time.Hour)
	require.NoError(t, l.MarkComplete("B1", "b.pdf"))

	pending, err = l.PendingFailures("B1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	stats, err := l.Summary()
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalTransfers, "mark complete edits in place")
	assert.Equal(t, 2, stats.FailedTransfers, "superseded failures stay in the log")

	state, err := l.BatchStatus("B1")
	require.NoError(t, err)
	assert.True(t, state.Complete())

	err = l.MarkComplete("B1", "b.pdf")
	assert.ErrorIs(t, err, ErrNoFailure)
}

func TestMarkCompleteStampsRetryTime(t *testing.T) {
	clock := clockwork.NewFakeClockAt(day0)
	l, path := openTestLedger(t, clock, afero.NewMemMapFs())

	require.NoError(t, l.Record(models.TransferRecord{BatchID: "B1", FilePath: "a.pdf"}))
	clock.Advance(30 * time.Minute)
	require.NoError(t, l.MarkComplete("B1", "a.pdf"))

	doc := readDocument(t, path)
	require.Len(t, doc.Transfers, 2, "flipped record plus batch marker")
	assert.True(t, doc.Transfers[0].Success)
	require.NotNil(t, doc.Transfers[0].RetryTimestamp)
	assert.True(t, doc.Transfers[0].RetryTimestamp.Equal(day0.Add(30*time.Minute)))
	assert.True(t, doc.Transfers[0].Timestamp.Equal(day0))
	assert.True(t, doc.Transfers[1].IsBatchMarker())
}

func TestMarkCompleteLeavesBatchOpenWhileFailuresRemain(t *testing.T) {
	clock := clockwork.NewFakeClockAt(day0)
	l, _ := openTestLedger(t, clock, afero.NewMemMapFs())

	require.NoError(t, l.Record(models.TransferRecord{BatchID: "B1", FilePath: "a.pdf", Error: "timeout"}))
	require.NoError(t, l.Record(models.TransferRecord{BatchID: "B1", FilePath: "b.pdf", Error: "timeout"}))
	require.NoError(t, l.MarkComplete("B1", "a.pdf"))

	state, err := l.BatchStatus("B1")
	require.NoError(t, err)
	assert.False(t, state.Verified)
	assert.False(t, state.Complete())

	require.NoError(t, l.MarkComplete("B1", "b.pdf"))
	state, err = l.BatchStatus("B1")
	require.NoError(t, err)
	assert.True(t, state.Complete())
}

func TestMarkCompleteIgnoresSupersededFailure(t *testing.T) {
	clock := clockwork.NewFakeClockAt(day0)
	l, path := openTestLedger(t, clock, afero.NewMemMapFs())

	require.NoError(t, l.Record(models.TransferRecord{BatchID: "B1", FilePath: "a.pdf", Error: "timeout"}))
	require.NoError(t, l.Record(models.TransferRecord{BatchID: "B1", FilePath: "a.pdf", Success: true}))

	assert.ErrorIs(t, l.MarkComplete("B1", "a.pdf"), ErrNoFailure)

	doc := readDocument(t, path)
	require.Len(t, doc.Transfers, 2)
	assert.False(t, doc.Transfers[0].Success, "historical failure untouched")
	assert.Nil(t, doc.Transfers[0].RetryTimestamp)
}

func TestRecordAllWritesOnce(t *testing.T) {
	clock := clockwork.NewFakeClockAt(day0)
	l, path := openTestLedger(t, clock, afero.NewMemMapFs())

	require.NoError(t, l.RecordAll(nil))
	require.NoError(t, l.RecordAll([]models.TransferRecord{
		{BatchID: "B1", FilePath: "a.pdf", Success: true},
		{BatchID: "B1", FilePath: "b.pdf", Error: "timeout"},
		CompletionRecord("B2", "B2_20240310", "run-1"),
	}))

	doc := readDocument(t, path)
	require.Len(t, doc.Transfers, 3)
	for _, r := range doc.Transfers {
		assert.True(t, r.Timestamp.Equal(day0))
	}

	stats, err := l.Summary()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalTransfers)
	assert.Equal(t, 2, stats.UniqueBatches)
}

func TestPruneOncePerDay(t *testing.T) {
	clock := clockwork.NewFakeClockAt(day0)
	l, _ := openTestLedger(t, clock, afero.NewMemMapFs())

	old := day0.AddDate(0, 0, -9)
	recent := day0.AddDate(0, 0, -1)
	for _, r := range []models.TransferRecord{
		rec("OLD", "a.pdf", true, old),
		rec("KEEP", "x.pdf", true, old),
		rec("KEEP", "y.pdf", false, recent),
		rec("NEW", "n.pdf", true, recent),
		rec("STALE", "s.pdf", false, old),
	} {
		require.NoError(t, l.Record(r))
	}

	removed, ran, err := l.Prune(7)
	require.NoError(t, err)
	assert.False(t, ran, "ledger created today counts as cleaned today")
	assert.Zero(t, removed)

	clock.Advance(24 * time.Hour)
	removed, ran, err = l.Prune(7)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 2, removed)

	stats, err := l.Summary()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalTransfers)
	require.NotNil(t, stats.LastCleanup)
	assert.True(t, stats.LastCleanup.Equal(clock.Now()))

	removed, ran, err = l.Prune(0)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Zero(t, removed)
}

func TestLedgerSurvivesReopen(t *testing.T) {
	clock := clockwork.NewFakeClockAt(day0)
	l, path := openTestLedger(t, clock, afero.NewMemMapFs())
	require.NoError(t, l.Record(models.TransferRecord{BatchID: "B1", FilePath: "a.pdf", Success: true, DestFolder: "B1_20240310"}))
	require.NoError(t, l.Close())

	reopened, err := OpenJSON(path, Options{Clock: clock})
	require.NoError(t, err)
	defer reopened.Close()

	state, err := reopened.BatchStatus("B1")
	require.NoError(t, err)
	assert.Equal(t, 1, state.Records)
	assert.Equal(t, "B1_20240310", state.DestFolder)
}

func TestConcurrentWritersDoNotLoseRecords(t *testing.T) {
	clock := clockwork.NewFakeClockAt(day0)
	first, path := openTestLedger(t, clock, afero.NewMemMapFs())
	second, err := OpenJSON(path, Options{Clock: clock})
	require.NoError(t, err)
	defer second.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		for _, l := range []*JSONLedger{first, second} {
			wg.Add(1)
			go func(l *JSONLedger, i int) {
				defer wg.Done()
				assert.NoError(t, l.Record(models.TransferRecord{BatchID: "B1", FilePath: fmt.Sprintf("f%02d.pdf", i), Success: true}))
			}(l, i)
		}
	}
	wg.Wait()

	stats, err := first.Summary()
	require.NoError(t, err)
	assert.Equal(t, 40, stats.TotalTransfers)
}

func TestReadsLegacyDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transfer_transactions.json")
	legacy := `{
  "transfers": [
    {"batch_id": "B1", "file_path": "a.pdf", "success": false, "source_path": "\\\\srv\\docs\\B1\\a.pdf",
     "dest_path": "G:\\B1_20240301\\a.pdf", "size_bytes": 10, "timestamp": "2024-03-01T10:00:00.123456"}
  ],
  "last_cleanup": "2024-03-01T09:00:00.000001"
}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	l, err := OpenJSON(path, Options{Clock: clockwork.NewFakeClockAt(day0)})
	require.NoError(t, err)
	defer l.Close()

	pending, err := l.PendingFailures("B1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2024, pending[0].Timestamp.Year())

	removed, ran, err := l.Prune(7)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, removed)
}

func TestCorruptLedgerIsMovedAside(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "transfer_transactions.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	l, err := OpenJSON(path, Options{Clock: clockwork.NewFakeClockAt(day0)})
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Record(models.TransferRecord{BatchID: "B1", FilePath: "a.pdf", Success: true}))
	matches, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	stats, err := l.Summary()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalTransfers)
}

func readDocument(t *testing.T, path string) document {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc document
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc
}
