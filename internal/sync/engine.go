// Package sync mirrors a batch folder into a destination store: it diffs
// source against destination, copies what changed and verifies every copy.
package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/chmdznr/batchsync/pkg/models"
	"github.com/chmdznr/batchsync/pkg/utils"
)

var (
	// ErrCopy marks a file that could not be written to the destination.
	ErrCopy = errors.New("copy failed")
	// ErrVerification marks a file whose destination copy does not match the source.
	ErrVerification = errors.New("verification failed")
)

// DefaultChecksumThreshold is the size under which copies are verified by checksum.
const DefaultChecksumThreshold int64 = 10 * 1024 * 1024

// Action is the diff decision for one source file.
type Action string

const (
	ActionCopy Action = "copy"
	ActionSkip Action = "skip"
)

// FileEntry is one source file and the decision taken for it.
type FileEntry struct {
	RelPath string // slash separated, relative to the source folder
	Size    int64
	ModTime time.Time
	Action  Action
}

// FileOutcome is what happened to one source file during a pass.
type FileOutcome struct {
	FileEntry
	SourcePath string
	DestPath   string
	Bytes      int64
	Err        error
}

// Result summarizes one pass over a batch folder.
type Result struct {
	FilesCopied int
	// FilesCurrent counts files the diff found already up to date.
	FilesCurrent    int
	SourceFileCount int
	BytesCopied     int64
	Errors          []string
	Files           []FileOutcome
}

// Success reports full parity: every source file is in place and nothing failed.
func (r Result) Success() bool {
	return len(r.Errors) == 0 && r.FilesCopied+r.FilesCurrent == r.SourceFileCount
}

// Recorder receives one record per copy attempt.
type Recorder interface {
	Record(rec models.TransferRecord) error
}

// BatchRecorder is a Recorder that can store several records in one write.
// The engine then buffers records and flushes them every flushEvery files and
// when the pass ends.
type BatchRecorder interface {
	Recorder
	RecordAll(recs []models.TransferRecord) error
}

const flushEvery = 50

// Observer follows transfer progress.
type Observer interface {
	BatchStarted(batchID string, files int, bytes int64)
	FileDone(batchID string, bytes int64)
	BatchFinished(batchID string)
}

// Options configures an Engine.
type Options struct {
	Source      afero.Fs
	Destination Destination
	Recorder    Recorder
	Observer    Observer

	// ChecksumThreshold defaults to DefaultChecksumThreshold.
	ChecksumThreshold int64
	// CompareContent hashes both sides of files the mtime and size rule would skip.
	CompareContent bool
	// FileTimeout bounds each copy. Zero means no limit.
	FileTimeout time.Duration
}

// Engine runs sync passes.
type Engine struct {
	opts Options
}

// Request names the batch and its two folders. DestFolder is relative to the
// destination root.
type Request struct {
	BatchID      string
	SourceFolder string
	DestFolder   string
	// RunID is stamped on ledger records.
	RunID        string
}

// NewEngine creates an Engine.
func NewEngine(opts Options) *Engine {
	if opts.Source == nil {
		opts.Source = afero.NewOsFs()
	}
	if opts.ChecksumThreshold <= 0 {
		opts.ChecksumThreshold = DefaultChecksumThreshold
	}
	return &Engine{opts: opts}
}

// Destination returns the store the engine writes to.
func (e *Engine) Destination() Destination {
	return e.opts.Destination
}

// Sync brings req.DestFolder up to date with req.SourceFolder. File level
// failures are reported in the Result; the error is reserved for a source
// folder that cannot be listed.
func (e *Engine) Sync(ctx context.Context, req Request) (Result, error) {
	logger := log.WithField("batch", req.BatchID)

	entries, walkErrs, err := e.scan(req.SourceFolder)
	if err != nil {
		return Result{}, fmt.Errorf("scan %s: %w", req.SourceFolder, err)
	}

	res := Result{SourceFileCount: len(entries), Errors: walkErrs}
	if len(entries) == 0 {
		logger.Infof("No files in %s", req.SourceFolder)
		return res, nil
	}

	var total int64
	for _, entry := range entries {
		total += entry.Size
	}
	if e.opts.Observer != nil {
		e.opts.Observer.BatchStarted(req.BatchID, len(entries), total)
		defer e.opts.Observer.BatchFinished(req.BatchID)
	}
	logger.Infof("Syncing %d files (%s) from %s", len(entries), utils.FormatSize(total), req.SourceFolder)

	j := e.newJournal(req.BatchID)
	defer j.flush()

	started := time.Now()
	for i, entry := range entries {
		if ctx.Err() != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("sync canceled, %d files not attempted", len(entries)-i))
			break
		}
		out := e.syncFile(ctx, req, entry)
		res.Files = append(res.Files, out)
		if out.Action != ActionSkip {
			j.add(recordOf(req, out))
		}

		switch {
		case out.Action == ActionSkip:
			res.FilesCurrent++
		case out.Err == nil:
			res.FilesCopied++
			res.BytesCopied += out.Bytes
		default:
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", out.RelPath, out.Err))
		}
		if e.opts.Observer != nil {
			e.opts.Observer.FileDone(req.BatchID, entry.Size)
		}
	}

	logger.Infof("Copied %d/%d files (%d current, %s at %s)", res.FilesCopied, res.SourceFileCount,
		res.FilesCurrent, utils.FormatSize(res.BytesCopied),
		utils.FormatSpeed(float64(res.BytesCopied)/max(time.Since(started).Seconds(), 0.001)))
	return res, nil
}

// scan lists the regular files under root in lexical order.
func (e *Engine) scan(root string) ([]FileEntry, []string, error) {
	var entries []FileEntry
	var problems []string
	err := afero.Walk(e.opts.Source, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			problems = append(problems, fmt.Sprintf("%s: %v", path, err))
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		entries = append(entries, FileEntry{
			RelPath: filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	return entries, problems, err
}

func (e *Engine) syncFile(ctx context.Context, req Request, entry FileEntry) FileOutcome {
	dst := e.opts.Destination
	out := FileOutcome{
		FileEntry:  entry,
		SourcePath: filepath.Join(req.SourceFolder, filepath.FromSlash(entry.RelPath)),
		DestPath:   dst.Describe(req.DestFolder, entry.RelPath),
	}
	logger := log.WithFields(log.Fields{"batch": req.BatchID, "file": entry.RelPath})

	out.Action = e.decide(ctx, req, &out, logger)
	if out.Action == ActionSkip {
		logger.Debug("Up to date")
		return out
	}

	out.Bytes, out.Err = e.copyFile(ctx, req, out)
	if out.Err != nil {
		logger.WithError(out.Err).Error("Transfer failed")
	} else {
		logger.Debugf("Copied %s", utils.FormatSize(out.Bytes))
	}
	return out
}

// decide applies the diff rule: copy when the destination is missing, older
// or a different size. With CompareContent, otherwise-current files are hashed.
func (e *Engine) decide(ctx context.Context, req Request, out *FileOutcome, logger *log.Entry) Action {
	info, exists, err := e.opts.Destination.Stat(ctx, req.DestFolder, out.RelPath)
	if err != nil {
		logger.WithError(err).Warn("Cannot stat destination, copying")
		return ActionCopy
	}
	if !exists || out.ModTime.After(info.ModTime) || out.Size != info.Size {
		return ActionCopy
	}
	if !e.opts.CompareContent {
		return ActionSkip
	}

	same, err := e.sameContent(ctx, req, *out)
	if err != nil {
		logger.WithError(err).Warn("Content compare failed, copying")
		return ActionCopy
	}
	if !same {
		logger.Info("Content differs, copying")
		return ActionCopy
	}
	return ActionSkip
}

func (e *Engine) copyFile(ctx context.Context, req Request, out FileOutcome) (int64, error) {
	if e.opts.FileTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.FileTimeout)
		defer cancel()
	}

	src, err := e.opts.Source.Open(out.SourcePath)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrCopy, err)
	}
	defer src.Close()

	sum := newChecksum()
	counter := &countingReader{r: &contextReader{ctx: ctx, r: src}}
	if err := e.opts.Destination.Put(ctx, req.DestFolder, out.RelPath, io.TeeReader(counter, sum), out.FileEntry); err != nil {
		return counter.n, fmt.Errorf("%w: %w", ErrCopy, err)
	}

	if err := e.verify(ctx, req, out.RelPath, counter.n, sum.Sum(nil)); err != nil {
		return counter.n, fmt.Errorf("%w: %w", ErrVerification, err)
	}
	return counter.n, nil
}

// verify checks that the destination exists with the copied size and, below
// the checksum threshold, the same bytes.
func (e *Engine) verify(ctx context.Context, req Request, rel string, size int64, want []byte) error {
	dst := e.opts.Destination
	info, exists, err := dst.Stat(ctx, req.DestFolder, rel)
	if err != nil {
		return err
	}
	if !exists {
		return errors.New("destination file missing after copy")
	}
	if info.Size != size {
		return fmt.Errorf("size mismatch: source %d bytes, destination %d bytes", size, info.Size)
	}
	if size >= e.opts.ChecksumThreshold {
		return nil
	}

	rc, err := dst.Open(ctx, req.DestFolder, rel)
	if err != nil {
		return err
	}
	defer rc.Close()
	got, err := checksumOf(rc)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("checksum mismatch: source %x, destination %x", want, got)
	}
	return nil
}

func recordOf(req Request, out FileOutcome) models.TransferRecord {
	rec := models.TransferRecord{
		BatchID:    req.BatchID,
		FilePath:   out.RelPath,
		Success:    out.Err == nil,
		SourcePath: out.SourcePath,
		DestPath:   out.DestPath,
		DestFolder: req.DestFolder,
		RunID:      req.RunID,
	}
	if out.Err != nil {
		rec.Error = out.Err.Error()
	} else {
		rec.SizeBytes = out.Bytes
	}
	return rec
}

// journal hands the records of one pass to the Recorder.
type journal struct {
	recorder Recorder
	batch    BatchRecorder
	batchID  string
	buf      []models.TransferRecord
}

func (e *Engine) newJournal(batchID string) *journal {
	j := &journal{recorder: e.opts.Recorder, batchID: batchID}
	j.batch, _ = e.opts.Recorder.(BatchRecorder)
	return j
}

func (j *journal) add(rec models.TransferRecord) {
	switch {
	case j.recorder == nil:
	case j.batch == nil:
		if err := j.recorder.Record(rec); err != nil {
			log.WithError(err).WithFields(log.Fields{"batch": j.batchID, "file": rec.FilePath}).
				Error("Failed to record transfer")
		}
	default:
		j.buf = append(j.buf, rec)
		if len(j.buf) >= flushEvery {
			j.flush()
		}
	}
}

func (j *journal) flush() {
	if len(j.buf) == 0 {
		return
	}
	if err := j.batch.RecordAll(j.buf); err != nil {
		log.WithError(err).WithField("batch", j.batchID).
			Errorf("Failed to record %d transfers", len(j.buf))
	}
	j.buf = j.buf[:0]
}
