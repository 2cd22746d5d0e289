// Package manifest reads the batch status spreadsheet and selects the batches
// that are assigned to an operator and not yet released.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/chmdznr/batchsync/pkg/models"
)

var (
	// ErrNotFound is returned, without retries, when the manifest file does not exist.
	ErrNotFound = errors.New("manifest not found")
	// ErrLocked is returned when the file stayed locked by another process for every attempt.
	ErrLocked = errors.New("manifest locked by another process")
	// ErrRead covers unreadable or malformed manifests.
	ErrRead = errors.New("manifest read error")
)

// DefaultIDColumns lists the batch identifier columns, in priority order.
var DefaultIDColumns = []string{"Batch ID", "BatchID", "Batch_ID", "ID", "Batch Number"}

const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 5 * time.Second
	DefaultMaxDelay    = 60 * time.Second
)

// Options tunes a Reader.
type Options struct {
	Fs afero.Fs
	// MaxAttempts bounds how often a locked file is re-opened.
	MaxAttempts int
	// RetryDelay is the first wait after a lock; it doubles up to MaxDelay.
	RetryDelay time.Duration
	MaxDelay   time.Duration
	IDColumns  []string
	// Sheet selects a worksheet by name. Empty means the first sheet.
	Sheet string
}

// Reader loads manifests.
type Reader struct {
	opts Options
}

// NewReader creates a Reader, filling unset options with defaults.
func NewReader(opts Options) *Reader {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if len(opts.IDColumns) == 0 {
		opts.IDColumns = DefaultIDColumns
	}
	return &Reader{opts: opts}
}

// ReadUnreleased returns the rows whose initials column matches initialsValue
// (case-insensitively) and whose release column is blank. Column arguments are
// header names or spreadsheet column letters.
//
// Rows without a usable identifier are returned with ID models.UnknownBatchID and
// an empty IDColumn so the caller can report them.
func (r *Reader) ReadUnreleased(ctx context.Context, path, initialsColumn, initialsValue, releaseColumn string) ([]models.BatchRecord, error) {
	tbl, err := r.Load(ctx, path)
	if err != nil {
		return nil, err
	}

	records, err := tbl.unreleased(initialsColumn, initialsValue, releaseColumn, r.opts.IDColumns)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRead, path, err)
	}

	log.WithField("manifest", path).Infof("Found %d unreleased batches for initials '%s'",
		len(records), initialsValue)
	for _, rec := range records {
		if !rec.HasID() {
			log.WithField("row", rec.Row).Warnf("No batch identifier in any of %v", r.opts.IDColumns)
			continue
		}
		log.WithField("row", rec.Row).Debugf("Batch to process: %s", rec.ID)
	}
	return records, nil
}

// Load opens and parses the manifest, retrying while another process holds it.
func (r *Reader) Load(ctx context.Context, path string) (*Table, error) {
	logger := log.WithField("manifest", path)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.opts.RetryDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = r.opts.MaxDelay
	policy.MaxElapsedTime = 0
	policy.Reset()

	var tbl *Table
	attempt := 0
	op := func() error {
		attempt++
		t, err := r.loadOnce(path)
		if err != nil {
			if errors.Is(err, ErrLocked) {
				return err
			}
			return backoff.Permanent(err)
		}
		tbl = t
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.WithError(err).Warnf("Manifest locked (attempt %d/%d), retrying in %s",
			attempt, r.opts.MaxAttempts, wait)
	}

	err := backoff.RetryNotify(op,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.opts.MaxAttempts-1)), ctx), notify)
	if err != nil {
		if errors.Is(err, ErrLocked) {
			logger.Errorf("Failed to access manifest after %d attempts", attempt)
		}
		return nil, err
	}
	return tbl, nil
}

func (r *Reader) loadOnce(path string) (*Table, error) {
	f, err := r.opts.Fs.Open(path)
	if err != nil {
		return nil, classifyOpenError(path, err)
	}
	defer f.Close()

	primary := formatFor(path)
	rows, err := parse(f, primary, r.opts.Sheet)
	if err != nil {
		alt, ok := primary.alternate()
		if !ok {
			return nil, fmt.Errorf("%w: %s: %w", ErrRead, path, err)
		}
		log.WithError(err).WithField("manifest", path).
			Warnf("Failed to read with %s parser, trying %s", primary, alt)
		if _, serr := f.Seek(0, io.SeekStart); serr != nil {
			return nil, fmt.Errorf("%w: %s: rewind: %w", ErrRead, path, serr)
		}
		var altErr error
		rows, altErr = parse(f, alt, r.opts.Sheet)
		if altErr != nil {
			return nil, fmt.Errorf("%w: %s: %s parser: %v; %s parser: %v",
				ErrRead, path, primary, err, alt, altErr)
		}
	}
	return newTable(rows), nil
}

func classifyOpenError(path string, err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case isLockViolation(err):
		return fmt.Errorf("%w: %w", ErrLocked, err)
	default:
		return fmt.Errorf("%w: %w", ErrRead, err)
	}
}
