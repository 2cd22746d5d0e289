// Package ledger keeps the durable record of every file transfer attempt. It is
// what lets a later run skip finished batches and resume unfinished ones.
package ledger

import (
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"

	"github.com/chmdznr/batchsync/pkg/models"
)

var (
	// ErrLocked is returned when another process holds the ledger for too long.
	ErrLocked = errors.New("ledger locked by another process")
	// ErrNoFailure is returned by MarkComplete when there is no failed record to flip.
	ErrNoFailure = errors.New("no failed transfer recorded for file")
)

// DefaultRetentionDays is how long records are kept by default.
const DefaultRetentionDays = 7

// Ledger is the transfer log. Records are appended and never edited, except
// that MarkComplete flips a failure to a success and Prune drops old records.
type Ledger interface {
	// Record appends one attempt. A zero Timestamp is set to now and a zero
	// SizeBytes to the current size of the source (0 if it is gone).
	Record(rec models.TransferRecord) error
	// RecordAll appends several attempts in one write.
	RecordAll(recs []models.TransferRecord) error
	// PendingFailures returns, per file, the latest failure that no later
	// success superseded.
	PendingFailures(batchID string) ([]models.TransferRecord, error)
	// BatchStatus folds every record of a batch.
	BatchStatus(batchID string) (models.BatchState, error)
	Summary() (models.LedgerStats, error)
	// MarkComplete flips the file's latest record to a success and stamps its
	// retry time; it fails with ErrNoFailure unless that record is a failure.
	// Resolving the batch's last failure also marks the batch verified.
	MarkComplete(batchID, relPath string) error
	// Prune removes records older than retentionDays, at most once per
	// calendar day. It reports how many records were removed and whether the
	// sweep ran at all.
	Prune(retentionDays int) (removed int, ran bool, err error)
	Close() error
}

// Options are shared by the ledger backends.
type Options struct {
	// Fs is used to size source files. Defaults to the OS filesystem.
	Fs    afero.Fs
	Clock clockwork.Clock
	// LockTimeout bounds the wait for the cross-process lock.
	LockTimeout time.Duration
}

// WithDefaults fills unset options.
func (o Options) WithDefaults() Options {
	if o.Fs == nil {
		o.Fs = afero.NewOsFs()
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = 30 * time.Second
	}
	return o
}

// Stamp completes a record before it is stored.
func (o Options) Stamp(rec models.TransferRecord) models.TransferRecord {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = models.NewTimestamp(o.Clock.Now())
	}
	if rec.SizeBytes == 0 && rec.SourcePath != "" {
		if info, err := o.Fs.Stat(rec.SourcePath); err == nil && !info.IsDir() {
			rec.SizeBytes = info.Size()
		}
	}
	return rec
}
