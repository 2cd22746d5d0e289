package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"github.com/chmdznr/batchsync/pkg/models"
)

// DefaultPath is where the JSON ledger lives relative to the working directory.
const DefaultPath = "logs/transfer_transactions.json"

type document struct {
	Transfers   []models.TransferRecord `json:"transfers"`
	LastCleanup models.Timestamp        `json:"last_cleanup"`
}

// JSONLedger stores the ledger as one JSON document. Every operation reloads
// the file under an exclusive (or, for reads, shared) lock on a sibling
// ".lock" file, so runs that overlap do not lose each other's records.
type JSONLedger struct {
	path string
	opts Options

	mu   sync.Mutex
	lock *flock.Flock
}

// OpenJSON opens the ledger at path, creating it when missing.
func OpenJSON(path string, opts Options) (*JSONLedger, error) {
	opts = opts.WithDefaults()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	l := &JSONLedger{path: path, opts: opts, lock: flock.New(path + ".lock")}
	err := l.update(func(doc *document) (bool, error) {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			doc.LastCleanup = models.NewTimestamp(opts.Clock.Now())
			log.WithField("ledger", path).Info("Created transaction ledger")
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Path returns the ledger file.
func (l *JSONLedger) Path() string {
	return l.path
}

func (l *JSONLedger) Record(rec models.TransferRecord) error {
	return l.RecordAll([]models.TransferRecord{rec})
}

func (l *JSONLedger) RecordAll(recs []models.TransferRecord) error {
	if len(recs) == 0 {
		return nil
	}
	stamped := make([]models.TransferRecord, len(recs))
	for i, rec := range recs {
		stamped[i] = l.opts.Stamp(rec)
	}
	return l.update(func(doc *document) (bool, error) {
		doc.Transfers = append(doc.Transfers, stamped...)
		return true, nil
	})
}

func (l *JSONLedger) PendingFailures(batchID string) ([]models.TransferRecord, error) {
	var out []models.TransferRecord
	err := l.view(func(doc *document) {
		out = Pending(doc.Transfers, batchID)
	})
	return out, err
}

func (l *JSONLedger) BatchStatus(batchID string) (models.BatchState, error) {
	var state models.BatchState
	err := l.view(func(doc *document) {
		state = Fold(doc.Transfers, batchID)
	})
	return state, err
}

func (l *JSONLedger) Summary() (models.LedgerStats, error) {
	var stats models.LedgerStats
	err := l.view(func(doc *document) {
		stats = Stats(doc.Transfers, doc.LastCleanup.Time)
	})
	return stats, err
}

func (l *JSONLedger) MarkComplete(batchID, relPath string) error {
	return l.update(func(doc *document) (bool, error) {
		i := LatestFailure(doc.Transfers, batchID, relPath)
		if i < 0 {
			return false, fmt.Errorf("%w: %s/%s", ErrNoFailure, batchID, relPath)
		}
		now := l.opts.Clock.Now()
		retried := models.NewTimestamp(now)
		doc.Transfers[i].Success = true
		doc.Transfers[i].RetryTimestamp = &retried
		log.WithFields(log.Fields{"batch": batchID, "file": relPath}).Info("Marked transfer complete")

		if len(Pending(doc.Transfers, batchID)) == 0 {
			marker := CompletionRecord(doc.Transfers[i].BatchID, doc.Transfers[i].DestFolder, "")
			marker.Timestamp = models.NewTimestamp(now)
			doc.Transfers = append(doc.Transfers, marker)
			log.WithField("batch", batchID).Info("No failures left, batch marked complete")
		}
		return true, nil
	})
}

func (l *JSONLedger) Prune(retentionDays int) (int, bool, error) {
	var removed int
	var ran bool
	err := l.update(func(doc *document) (bool, error) {
		now := l.opts.Clock.Now()
		if !DueForPrune(doc.LastCleanup.Time, now) {
			return false, nil
		}
		ran = true

		expired := Expired(doc.Transfers, Cutoff(now, retentionDays))
		kept := doc.Transfers[:0]
		for i, rec := range doc.Transfers {
			if expired[i] {
				removed++
				continue
			}
			kept = append(kept, rec)
		}
		doc.Transfers = kept
		doc.LastCleanup = models.NewTimestamp(now)
		if removed > 0 {
			log.WithField("ledger", l.path).Infof("Pruned %d records older than %d days", removed, retentionDays)
		}
		return true, nil
	})
	return removed, ran, err
}

// Close releases the lock file handle.
func (l *JSONLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lock.Close()
}

func (l *JSONLedger) view(fn func(doc *document)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.acquire(l.lock.TryRLockContext); err != nil {
		return err
	}
	defer l.lock.Unlock()

	doc, err := l.load()
	if err != nil {
		return err
	}
	fn(doc)
	return nil
}

// update runs a read-modify-write cycle under the exclusive lock. fn reports
// whether the document changed and must be written back.
func (l *JSONLedger) update(fn func(doc *document) (bool, error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.acquire(l.lock.TryLockContext); err != nil {
		return err
	}
	defer l.lock.Unlock()

	doc, err := l.load()
	if err != nil {
		return err
	}
	changed, err := fn(doc)
	if err != nil || !changed {
		return err
	}
	return l.save(doc)
}

func (l *JSONLedger) acquire(try func(context.Context, time.Duration) (bool, error)) error {
	ctx, cancel := context.WithTimeout(context.Background(), l.opts.LockTimeout)
	defer cancel()
	ok, err := try(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrLocked, l.path, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLocked, l.path)
	}
	return nil
}

func (l *JSONLedger) load() (*document, error) {
	doc := &document{}
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	if len(data) == 0 {
		return doc, nil
	}

	if err := json.Unmarshal(data, doc); err != nil {
		backup := fmt.Sprintf("%s.corrupt-%s", l.path, l.opts.Clock.Now().Format("20060102T150405"))
		log.WithError(err).WithField("ledger", l.path).Errorf("Ledger unreadable, moving it to %s", backup)
		if rerr := os.Rename(l.path, backup); rerr != nil {
			return nil, fmt.Errorf("ledger unreadable (%v) and could not be moved aside: %w", err, rerr)
		}
		return &document{}, nil
	}
	return doc, nil
}

func (l *JSONLedger) save(doc *document) error {
	if doc.Transfers == nil {
		doc.Transfers = []models.TransferRecord{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), filepath.Base(l.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}
