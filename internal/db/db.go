// Package db is the SQLite backend of the transfer ledger.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"github.com/chmdznr/batchsync/internal/ledger"
	"github.com/chmdznr/batchsync/pkg/models"
	"github.com/chmdznr/batchsync/pkg/utils"
)

const lastCleanupKey = "last_cleanup"

// DB is a ledger stored in a SQLite database.
type DB struct {
	*sql.DB
	opts ledger.Options
}

var _ ledger.Ledger = (*DB)(nil)

// New opens (creating if needed) the ledger database at path.
func New(path string, opts ledger.Options) (*DB, error) {
	opts = opts.WithDefaults()
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d", path, opts.LockTimeout.Milliseconds())
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers inside the process; busy_timeout covers other processes.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB, opts: opts}
	if err := db.initialize(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("initialize ledger database: %w", err)
	}
	return db, nil
}

// initialize creates the necessary tables if they don't exist
func (db *DB) initialize() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS transfers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			batch_id TEXT NOT NULL,
			batch_key TEXT NOT NULL,
			file_path TEXT NOT NULL,
			success INTEGER NOT NULL,
			source_path TEXT NOT NULL DEFAULT '',
			dest_path TEXT NOT NULL DEFAULT '',
			dest_folder TEXT NOT NULL DEFAULT '',
			size_bytes INTEGER NOT NULL DEFAULT 0,
			timestamp TEXT NOT NULL,
			retry_timestamp TEXT,
			run_id TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_transfers_batch ON transfers(batch_key, file_path);
		CREATE INDEX IF NOT EXISTS idx_transfers_timestamp ON transfers(timestamp);
		CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
		PRAGMA journal_mode=WAL;
		PRAGMA synchronous=NORMAL;
		PRAGMA temp_store=MEMORY;
	`)
	if err != nil {
		return err
	}

	// A new database starts its retention clock now, like a new JSON ledger.
	_, err = db.Exec(`INSERT OR IGNORE INTO meta (key, value) VALUES (?, ?)`,
		lastCleanupKey, formatTime(db.opts.Clock.Now()))
	return err
}

// Record appends one transfer attempt.
func (db *DB) Record(rec models.TransferRecord) error {
	return db.RecordAll([]models.TransferRecord{rec})
}

// RecordAll appends attempts in one transaction.
func (db *DB) RecordAll(recs []models.TransferRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("record transfer: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO transfers (batch_id, batch_key, file_path, success, source_path, dest_path,
			dest_folder, size_bytes, timestamp, retry_timestamp, run_id, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("record transfer: %w", err)
	}
	defer stmt.Close()

	for _, rec := range recs {
		rec = db.opts.Stamp(rec)
		var retry interface{}
		if rec.RetryTimestamp != nil {
			retry = formatTime(rec.RetryTimestamp.Time)
		}
		_, err := stmt.Exec(
			rec.BatchID,
			models.BatchKey(rec.BatchID),
			rec.FilePath,
			rec.Success,
			rec.SourcePath,
			rec.DestPath,
			rec.DestFolder,
			rec.SizeBytes,
			formatTime(rec.Timestamp.Time),
			retry,
			rec.RunID,
			rec.Error,
		)
		if err != nil {
			return fmt.Errorf("record transfer: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record transfer: %w", err)
	}
	return nil
}

// PendingFailures returns the unresolved failures of a batch.
func (db *DB) PendingFailures(batchID string) ([]models.TransferRecord, error) {
	recs, _, err := db.batchRecords(batchID)
	if err != nil {
		return nil, err
	}
	return ledger.Pending(recs, batchID), nil
}

// BatchStatus folds the records of a batch.
func (db *DB) BatchStatus(batchID string) (models.BatchState, error) {
	recs, _, err := db.batchRecords(batchID)
	if err != nil {
		return models.BatchState{}, err
	}
	return ledger.Fold(recs, batchID), nil
}

// Summary returns statistics over every record.
func (db *DB) Summary() (models.LedgerStats, error) {
	var stats models.LedgerStats
	var last sql.NullString
	err := db.QueryRow(`
		SELECT
			COUNT(CASE WHEN file_path <> '' THEN 1 END) as total_transfers,
			COUNT(CASE WHEN success = 1 AND file_path <> '' THEN 1 END) as successful_transfers,
			COUNT(CASE WHEN success = 0 THEN 1 END) as failed_transfers,
			COUNT(DISTINCT batch_key) as unique_batches,
			COALESCE(SUM(CASE WHEN success = 1 THEN size_bytes ELSE 0 END), 0) as total_bytes,
			MAX(timestamp) as last_transfer
		FROM transfers
	`).Scan(
		&stats.TotalTransfers,
		&stats.SuccessfulTransfers,
		&stats.FailedTransfers,
		&stats.UniqueBatches,
		&stats.TotalBytes,
		&last,
	)
	if err != nil {
		return stats, fmt.Errorf("failed to get stats: %w", err)
	}
	stats.HumanReadableSize = utils.FormatSize(stats.TotalBytes)

	if last.Valid {
		if t, err := parseTime(last.String); err == nil {
			stats.LastTransfer = &t
		}
	}
	cleanup, err := db.lastCleanup()
	if err != nil {
		return stats, err
	}
	if !cleanup.IsZero() {
		stats.LastCleanup = &cleanup
	}
	return stats, nil
}

// MarkComplete flips the file's latest record to a success when it is a failure.
// Resolving the last failure of the batch also writes the batch marker.
func (db *DB) MarkComplete(batchID, relPath string) error {
	var (
		id         int64
		success    bool
		storedID   string
		destFolder string
	)
	err := db.QueryRow(`
		SELECT id, success, batch_id, dest_folder FROM transfers
		WHERE batch_key = ? AND file_path = ?
		ORDER BY id DESC LIMIT 1
	`, models.BatchKey(batchID), relPath).Scan(&id, &success, &storedID, &destFolder)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && success) {
		return fmt.Errorf("%w: %s/%s", ledger.ErrNoFailure, batchID, relPath)
	}
	if err != nil {
		return err
	}

	now := db.opts.Clock.Now()
	_, err = db.Exec(`UPDATE transfers SET success = 1, retry_timestamp = ? WHERE id = ?`, formatTime(now), id)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"batch": batchID, "file": relPath}).Info("Marked transfer complete")

	pending, err := db.PendingFailures(batchID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		marker := ledger.CompletionRecord(storedID, destFolder, "")
		marker.Timestamp = models.NewTimestamp(now)
		if err := db.Record(marker); err != nil {
			return err
		}
		log.WithField("batch", batchID).Info("No failures left, batch marked complete")
	}
	return nil
}

// Prune removes expired records at most once per calendar day.
func (db *DB) Prune(retentionDays int) (int, bool, error) {
	now := db.opts.Clock.Now()
	last, err := db.lastCleanup()
	if err != nil {
		return 0, false, err
	}
	if !ledger.DueForPrune(last, now) {
		return 0, false, nil
	}

	recs, ids, err := db.query(`SELECT `+columns+` FROM transfers ORDER BY id`)
	if err != nil {
		return 0, false, err
	}
	expired := ledger.Expired(recs, ledger.Cutoff(now, retentionDays))

	tx, err := db.Begin()
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`DELETE FROM transfers WHERE id = ?`)
	if err != nil {
		return 0, false, err
	}
	defer stmt.Close()

	removed := 0
	for i, id := range ids {
		if !expired[i] {
			continue
		}
		if _, err := stmt.Exec(id); err != nil {
			return 0, false, err
		}
		removed++
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`,
		lastCleanupKey, formatTime(now)); err != nil {
		return 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, false, err
	}

	if removed > 0 {
		log.Infof("Pruned %d records older than %d days", removed, retentionDays)
	}
	return removed, true, nil
}

const columns = `id, batch_id, file_path, success, source_path, dest_path, dest_folder,
	size_bytes, timestamp, retry_timestamp, run_id, error`

func (db *DB) batchRecords(batchID string) ([]models.TransferRecord, []int64, error) {
	return db.query(`SELECT `+columns+` FROM transfers WHERE batch_key = ? ORDER BY id`,
		models.BatchKey(batchID))
}

func (db *DB) query(q string, args ...interface{}) ([]models.TransferRecord, []int64, error) {
	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var recs []models.TransferRecord
	var ids []int64
	for rows.Next() {
		var (
			rec   models.TransferRecord
			id    int64
			ts    string
			retry sql.NullString
		)
		err := rows.Scan(&id, &rec.BatchID, &rec.FilePath, &rec.Success, &rec.SourcePath,
			&rec.DestPath, &rec.DestFolder, &rec.SizeBytes, &ts, &retry, &rec.RunID, &rec.Error)
		if err != nil {
			return nil, nil, err
		}
		if t, err := parseTime(ts); err == nil {
			rec.Timestamp = models.NewTimestamp(t)
		}
		if retry.Valid {
			if t, err := parseTime(retry.String); err == nil {
				rt := models.NewTimestamp(t)
				rec.RetryTimestamp = &rt
			}
		}
		recs = append(recs, rec)
		ids = append(ids, id)
	}
	return recs, ids, rows.Err()
}

func (db *DB) lastCleanup() (time.Time, error) {
	var v string
	err := db.QueryRow(`SELECT value FROM meta WHERE key = ?`, lastCleanupKey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return parseTime(v)
}

// Times are stored as fixed-width UTC text so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
