package app

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eiannone/keyboard"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
	"github.com/xuri/excelize/v2"

	"github.com/chmdznr/batchsync/internal/ledger"
	"github.com/chmdznr/batchsync/pkg/models"
)

type workspace struct {
	dir      string
	settings string
	gdrive   string
	ledger   string
}

// newWorkspace lays out a share with a manifest and batch folders, a drive
// mirror and a settings file pointing at them.
func newWorkspace(t *testing.T, rows [][]interface{}, folders map[string][]string) *workspace {
	t.Helper()
	color.NoColor = true
	dir := t.TempDir()
	w := &workspace{
		dir:      dir,
		settings: filepath.Join(dir, "settings.json"),
		gdrive:   filepath.Join(dir, "gdrive"),
		ledger:   filepath.Join(dir, "logs", "transfer_transactions.json"),
	}
	share := filepath.Join(dir, "share")
	docs := filepath.Join(share, "Batch Documents")
	require.NoError(t, os.MkdirAll(docs, 0o755))
	require.NoError(t, os.MkdirAll(w.gdrive, 0o755))

	for folder, files := range folders {
		for _, name := range files {
			path := filepath.Join(docs, folder, name)
			require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
			require.NoError(t, os.WriteFile(path, []byte("content of "+name), 0o644))
		}
	}

	f := excelize.NewFile()
	header := []interface{}{"Batch ID", "Product", "Initials", "Released"}
	for i, row := range append([][]interface{}{header}, rows...) {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		r := row
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &r))
	}
	manifestPath := filepath.Join(share, "Product Status Log.xlsx")
	require.NoError(t, f.SaveAs(manifestPath))
	require.NoError(t, f.Close())

	settings := map[string]interface{}{
		"paths": map[string]string{
			"remote_server":   share,
			"excel_file":      manifestPath,
			"batch_documents": docs,
			"local_gdrive":    w.gdrive,
		},
		"excel": map[string]interface{}{
			"filter_criteria": map[string]string{
				"initials_column":       "C",
				"initials_value":        "PP",
				"release_status_column": "Released",
			},
		},
		"ledger":        map[string]string{"path": w.ledger},
		"logging":       map[string]string{"dir": filepath.Join(dir, "logs"), "level": "debug"},
		"notifications": map[string]string{"metrics_file": filepath.Join(dir, "metrics", "batchsync.prom")},
		"system":        map[string]bool{"test_mode": true},
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(w.settings, data, 0o644))
	return w
}

// setLedgerPath rewrites the settings file with another ledger location.
func (w *workspace) setLedgerPath(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(w.settings)
	require.NoError(t, err)
	var settings map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &settings))
	settings["ledger"] = map[string]string{"path": path}
	data, err = json.MarshalIndent(settings, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(w.settings, data, 0o644))
	w.ledger = path
}

func (w *workspace) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	a := New()
	a.Writer = &out
	a.ErrWriter = &out
	a.ExitErrHandler = func(*cli.Context, error) {}
	err := a.Run(append([]string{"batchsync", "--config", w.settings}, args...))
	return out.String(), err
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var coder cli.ExitCoder
	require.ErrorAs(t, err, &coder)
	return coder.ExitCode()
}

func TestRunCommandCopiesUnreleasedBatches(t *testing.T) {
	w := newWorkspace(t, [][]interface{}{
		{"B1", "Tablets", "PP", ""},
		{"B2", "Syrup", "JD", ""},
		{"B3", "Capsules", "PP", "Released"},
	}, map[string][]string{
		"B1":     {"a.pdf", "records/b.pdf"},
		"B2 old": {"c.pdf"},
		"B3":     {"d.pdf"},
	})

	out, err := w.run(t, "run")
	require.NoError(t, err)
	assert.Contains(t, out, "SUCCESS")
	assert.Contains(t, out, "1 successful, 0 partial, 0 failed, 0 skipped of 1 batches")

	copied, err := filepath.Glob(filepath.Join(w.gdrive, "B1_*", "records", "b.pdf"))
	require.NoError(t, err)
	assert.Len(t, copied, 1)
	others, err := filepath.Glob(filepath.Join(w.gdrive, "B[23]_*"))
	require.NoError(t, err)
	assert.Empty(t, others)

	metrics, err := os.ReadFile(filepath.Join(w.dir, "metrics", "batchsync.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "batchsync_last_run_files_copied 2")

	logs, err := filepath.Glob(filepath.Join(w.dir, "logs", "transfer_*.log"))
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	out, err = w.run(t, "run")
	require.NoError(t, err)
	assert.Contains(t, out, "0 successful, 0 partial, 0 failed, 1 skipped of 1 batches")

	out, err = w.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "2 (2 ok, 0 failed)")
	assert.Contains(t, out, "Last run:")
}

func TestRunCommandExitsNonZeroOnFailedBatch(t *testing.T) {
	w := newWorkspace(t, [][]interface{}{
		{"B1", "Tablets", "PP", ""},
		{"B9", "Missing", "PP", ""},
	}, map[string][]string{"B1": {"a.pdf"}})

	out, err := w.run(t, "run", "--workers", "2")
	require.Error(t, err)
	assert.Equal(t, 1, exitCode(t, err))
	assert.Contains(t, out, "FAILED")
	assert.Contains(t, out, "no source folder found for batch B9")
}

func TestRunCommandReportsLedgerFailure(t *testing.T) {
	w := newWorkspace(t, [][]interface{}{{"B1", "Tablets", "PP", ""}}, map[string][]string{"B1": {"a.pdf"}})
	blocker := filepath.Join(w.dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("not a directory"), 0o644))
	w.setLedgerPath(t, filepath.Join(blocker, "ledger.json"))

	out, err := w.run(t, "run")
	require.Error(t, err)
	assert.Equal(t, 1, exitCode(t, err))
	assert.Contains(t, out, "FAILED")
	assert.Contains(t, out, "open ledger")

	data, err := os.ReadFile(filepath.Join(w.dir, "logs", "transfer_history.json"))
	require.NoError(t, err)
	var runs []models.RunSummary
	require.NoError(t, json.Unmarshal(data, &runs))
	require.Len(t, runs, 1)
	assert.Contains(t, runs[0].FatalError, "open ledger")
	assert.NotEmpty(t, runs[0].RunID)

	metrics, err := os.ReadFile(filepath.Join(w.dir, "metrics", "batchsync.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "batchsync_last_run_files_copied 0")
}

func TestPendingAndMarkComplete(t *testing.T) {
	w := newWorkspace(t, nil, nil)

	l, err := ledger.OpenJSON(w.ledger, ledger.Options{})
	require.NoError(t, err)
	require.NoError(t, l.Record(models.TransferRecord{
		BatchID:    "B1",
		FilePath:   "a.pdf",
		DestFolder: "B1_20240310",
		Error:      "disk full",
	}))
	require.NoError(t, l.Close())

	out, err := w.run(t, "pending", "--batch", "B1")
	require.NoError(t, err)
	assert.Contains(t, out, "a.pdf")
	assert.Contains(t, out, "disk full")

	_, err = w.run(t, "mark-complete", "--batch", "B1", "--file", "missing.pdf")
	assert.Equal(t, 1, exitCode(t, err))

	out, err = w.run(t, "mark-complete", "--batch", "B1", "--file", "a.pdf")
	require.NoError(t, err)
	assert.Contains(t, out, "Marked a.pdf in batch B1 as complete")

	out, err = w.run(t, "pending", "--batch", "B1")
	require.NoError(t, err)
	assert.Contains(t, out, "No pending failures for batch B1")
}

func TestPruneRunsOncePerDay(t *testing.T) {
	w := newWorkspace(t, nil, nil)

	// A new ledger counts as cleaned today.
	out, err := w.run(t, "prune", "--days", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "Ledger cleanup already ran today")
}

func TestManifestCommandPreviewsBatches(t *testing.T) {
	w := newWorkspace(t, [][]interface{}{
		{"B1", "Tablets", "pp ", ""},
		{"B2", "Syrup", "JD", ""},
		{"B4", "Drops", "PP", ""},
	}, map[string][]string{"Lot B1": {"a.pdf"}})

	out, err := w.run(t, "manifest")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "B1")
	assert.Contains(t, lines[1], filepath.Join("Batch Documents", "Lot B1"))
	assert.Contains(t, lines[1], "new")
	assert.Contains(t, lines[2], "not found")
	assert.NotContains(t, out, "B2")
}

func TestVPNStatusBypassedInTestMode(t *testing.T) {
	w := newWorkspace(t, nil, nil)

	out, err := w.run(t, "vpn", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "check bypassed")
	assert.Contains(t, out, "reachable")
	assert.NotContains(t, out, "unreachable")
}

func TestMissingSettings(t *testing.T) {
	w := &workspace{settings: filepath.Join(t.TempDir(), "nope.json")}
	_, err := w.run(t, "status")
	assert.Error(t, err)
}

func TestIsStopKey(t *testing.T) {
	tests := []struct {
		name string
		r    rune
		key  keyboard.Key
		want bool
	}{
		{"q", 'q', 0, true},
		{"Q", 'Q', 0, true},
		{"esc", 0, keyboard.KeyEsc, true},
		{"ctrl-c", 0, keyboard.KeyCtrlC, true},
		{"other", 'x', 0, false},
		{"enter", 0, keyboard.KeyEnter, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isStopKey(tt.r, tt.key))
		})
	}
}

func TestScheduledJobSkipsOverlappingRuns(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	runs := 0

	job := scheduledJob(func() {
		mu.Lock()
		runs++
		mu.Unlock()
		close(started)
		<-release
	})

	done := make(chan struct{})
	go func() {
		job.Run()
		close(done)
	}()
	<-started
	job.Run()
	close(release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("first run did not finish")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, runs)
}

func TestPrintSummary(t *testing.T) {
	color.NoColor = true
	start := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	s := models.RunSummary{RunID: "run-1", StartedAt: start, TotalBatches: 2}
	s.Add(models.BatchResult{BatchID: "B1", Outcome: models.OutcomeSuccess, FilesCopied: 1200, SourceFileCount: 1200, BytesCopied: 3 << 20})
	s.Add(models.BatchResult{BatchID: "B2", Outcome: models.OutcomePartial, FilesCopied: 1, SourceFileCount: 2})
	s.Finish(start.Add(90 * time.Second))

	var out bytes.Buffer
	printSummary(&out, s)
	assert.Equal(t, "SUCCESS run run-1: 1 successful, 1 partial, 0 failed, 0 skipped of 2 batches\n"+
		"  1,201 of 1,202 files copied (3.0 MiB) in 1m30s\n"+
		"  partial B2: 1 of 2 files\n", out.String())
}

func TestLogFileName(t *testing.T) {
	assert.Equal(t, "transfer_20240301.log", LogFileName(time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC)))
}
