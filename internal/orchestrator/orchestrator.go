// Package orchestrator runs one transfer workflow: connect, read the manifest,
// skip finished batches, then resolve, sync and record every remaining batch.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/chmdznr/batchsync/internal/ledger"
	"github.com/chmdznr/batchsync/internal/notify"
	"github.com/chmdznr/batchsync/internal/resolver"
	"github.com/chmdznr/batchsync/internal/sync"
	"github.com/chmdznr/batchsync/pkg/models"
)

// Connectivity brings the VPN up. Implementations in bypass mode return nil.
type Connectivity interface {
	EnsureConnected(ctx context.Context, name string, timeoutPerAttempt time.Duration, maxAttempts int) error
}

// ManifestReader returns the unreleased batches of an operator.
type ManifestReader interface {
	ReadUnreleased(ctx context.Context, path, initialsColumn, initialsValue, releaseColumn string) ([]models.BatchRecord, error)
}

// FolderResolver maps a batch ID to its source folder.
type FolderResolver interface {
	Resolve(batchID string) (resolver.Resolution, error)
}

// Syncer mirrors one batch folder.
type Syncer interface {
	Sync(ctx context.Context, req sync.Request) (sync.Result, error)
}

// Settings are the per-run inputs taken from configuration.
type Settings struct {
	VPNName           string
	VPNAttemptTimeout time.Duration
	VPNMaxAttempts    int

	ManifestPath   string
	InitialsColumn string
	InitialsValue  string
	ReleaseColumn  string

	RetentionDays int
	// Workers bounds how many batches are synced at once.
	Workers int
}

// Deps are the collaborators of a run.
type Deps struct {
	Guard    Connectivity
	Manifest ManifestReader
	Resolver FolderResolver
	Syncer   Syncer
	Ledger   ledger.Ledger
	Notifier notify.Notifier
	Clock    clockwork.Clock
}

// Orchestrator runs workflows.
type Orchestrator struct {
	settings Settings
	deps     Deps
}

// New creates an Orchestrator.
func New(settings Settings, deps Deps) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.LogNotifier{}
	}
	if settings.Workers < 1 {
		settings.Workers = 1
	}
	if settings.VPNMaxAttempts < 1 {
		settings.VPNMaxAttempts = 1
	}
	if settings.RetentionDays <= 0 {
		settings.RetentionDays = ledger.DefaultRetentionDays
	}
	return &Orchestrator{settings: settings, deps: deps}
}

// Run executes one workflow. The summary is always returned and always
// delivered to the notifier; err is set when the run aborted before the batch
// loop (connectivity or manifest failure).
func (o *Orchestrator) Run(ctx context.Context) (summary models.RunSummary, err error) {
	runID := uuid.NewString()
	summary = models.RunSummary{RunID: runID, StartedAt: o.deps.Clock.Now()}
	logger := log.WithField("run", runID)
	logger.Info("Starting batch transfer run")

	defer func() {
		if err != nil {
			summary.FatalError = err.Error()
			logger.WithError(err).Error("Run aborted")
		}
		summary.Finish(o.deps.Clock.Now())
		if nerr := o.deps.Notifier.Notify(context.WithoutCancel(ctx), summary); nerr != nil {
			logger.WithError(nerr).Warn("Failed to deliver run summary")
		}
	}()

	if removed, ran, perr := o.deps.Ledger.Prune(o.settings.RetentionDays); perr != nil {
		logger.WithError(perr).Warn("Ledger cleanup failed")
	} else if ran {
		logger.Debugf("Ledger cleanup removed %d records", removed)
	}

	s := o.settings
	if err := o.deps.Guard.EnsureConnected(ctx, s.VPNName, s.VPNAttemptTimeout, s.VPNMaxAttempts); err != nil {
		return summary, err
	}

	records, err := o.deps.Manifest.ReadUnreleased(ctx, s.ManifestPath, s.InitialsColumn, s.InitialsValue, s.ReleaseColumn)
	if err != nil {
		return summary, err
	}

	batches := o.plan(records, &summary, logger)
	summary.TotalBatches = len(batches)
	if len(batches) == 0 {
		logger.Info("No unreleased batches to process")
		return summary, nil
	}

	todo := o.filterProcessed(batches, &summary, logger)
	if len(todo) == 0 {
		logger.Infof("All %d batches already transferred", len(batches))
		return summary, nil
	}
	logger.Infof("Processing %d batches (%d already complete)", len(todo), summary.Skipped)

	results := make([]*models.BatchResult, len(todo))
	g := new(errgroup.Group)
	g.SetLimit(o.settings.Workers)
	for i, job := range todo {
		i, job := i, job
		// Cancellation is honoured between batches.
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			r := o.processBatch(ctx, runID, job)
			results[i] = &r
			return nil
		})
	}
	_ = g.Wait()
	summary.Canceled = ctx.Err() != nil

	notRun := 0
	for _, r := range results {
		if r == nil {
			notRun++
			continue
		}
		summary.Add(*r)
	}
	if notRun > 0 {
		summary.Errors = append(summary.Errors, fmt.Sprintf("run canceled, %d batches not processed", notRun))
		logger.Warnf("Run canceled with %d batches left", notRun)
	} else if summary.Canceled {
		summary.Errors = append(summary.Errors, "run canceled while batches were in progress")
		logger.Warn("Run canceled while batches were in progress")
	}

	logger.WithFields(log.Fields{
		"successful": summary.Successful,
		"partial":    summary.Partial,
		"failed":     summary.Failed,
		"skipped":    summary.Skipped,
	}).Info("Run finished")
	return summary, nil
}

// plan drops rows without a usable batch ID, reporting them as data quality
// errors, and collapses repeated IDs.
func (o *Orchestrator) plan(records []models.BatchRecord, summary *models.RunSummary, logger *log.Entry) []models.BatchRecord {
	seen := make(map[string]bool)
	var out []models.BatchRecord
	for _, rec := range records {
		if !rec.HasID() {
			summary.InvalidRecords++
			msg := fmt.Sprintf("manifest row %d has no batch ID", rec.Row)
			summary.Errors = append(summary.Errors, msg)
			logger.Error(msg)
			continue
		}
		key := models.BatchKey(rec.ID)
		if seen[key] {
			logger.Warnf("Batch %s listed more than once, processing it once", rec.ID)
			continue
		}
		seen[key] = true
		out = append(out, rec)
	}
	return out
}

// batchJob is a batch still to be processed, with what the ledger knows of it.
type batchJob struct {
	id    string
	state models.BatchState
}

// filterProcessed adds a skipped result for every batch the ledger holds as
// verified complete and returns the rest.
func (o *Orchestrator) filterProcessed(batches []models.BatchRecord, summary *models.RunSummary, logger *log.Entry) []batchJob {
	var todo []batchJob
	for _, rec := range batches {
		state, err := o.deps.Ledger.BatchStatus(rec.ID)
		if err != nil {
			logger.WithError(err).WithField("batch", rec.ID).Warn("Cannot read ledger, processing batch")
			todo = append(todo, batchJob{id: rec.ID})
			continue
		}
		if !state.Complete() {
			todo = append(todo, batchJob{id: rec.ID, state: state})
			continue
		}

		logger.WithField("batch", rec.ID).Infof("Already transferred (%d files), skipping", state.Succeeded)
		r := models.BatchResult{BatchID: rec.ID, Outcome: models.OutcomeSkipped, DestFolder: state.DestFolder}
		r.Classify()
		summary.Add(r)
	}
	return todo
}

func (o *Orchestrator) processBatch(ctx context.Context, runID string, job batchJob) (res models.BatchResult) {
	batchID := job.id
	logger := log.WithFields(log.Fields{"run": runID, "batch": batchID})
	res = models.BatchResult{BatchID: batchID}
	defer func() {
		res.Classify()
		if res.Success {
			o.markVerified(res, runID, logger)
		}
		logger.WithField("outcome", res.Outcome).Infof("Batch done: %d/%d files in place",
			res.FilesCopied+res.FilesCurrent, res.SourceFileCount)
	}()

	found, err := o.deps.Resolver.Resolve(batchID)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("resolve source folder: %v", err))
		return res
	}
	if !found.Found {
		res.Errors = append(res.Errors, fmt.Sprintf("no source folder found for batch %s", batchID))
		return res
	}
	res.SourceFolder = found.Path
	res.DestFolder = o.destFolder(job, logger)

	out, err := o.deps.Syncer.Sync(ctx, sync.Request{
		BatchID:      batchID,
		SourceFolder: found.Path,
		DestFolder:   res.DestFolder,
		RunID:        runID,
	})
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("sync: %v", err))
		return res
	}
	res.FilesCopied = out.FilesCopied
	res.FilesCurrent = out.FilesCurrent
	res.SourceFileCount = out.SourceFileCount
	res.BytesCopied = out.BytesCopied
	res.Errors = append(res.Errors, out.Errors...)
	return res
}

// markVerified writes the batch marker, also for empty batches and batches
// whose files were all current, so the next run skips the batch.
func (o *Orchestrator) markVerified(res models.BatchResult, runID string, logger *log.Entry) {
	if err := o.deps.Ledger.Record(ledger.CompletionRecord(res.BatchID, res.DestFolder, runID)); err != nil {
		logger.WithError(err).Error("Failed to record batch completion")
	}
}

// destFolder resumes into the folder an earlier unfinished run used, if any,
// and otherwise names a new dated folder.
func (o *Orchestrator) destFolder(job batchJob, logger *log.Entry) string {
	if folder := job.state.DestFolder; folder != "" {
		logger.Infof("Resuming into %s (%d failed files pending)", folder, job.state.Pending)
		return folder
	}
	pending, err := o.deps.Ledger.PendingFailures(job.id)
	if err != nil {
		logger.WithError(err).Warn("Cannot read pending failures")
	}
	for i := len(pending) - 1; i >= 0; i-- {
		if folder := pending[i].DestFolder; folder != "" {
			logger.Infof("Resuming %d failed files into %s", len(pending), folder)
			return folder
		}
	}
	return DestFolderName(job.id, o.deps.Clock.Now())
}

// DestFolderName is "<batchId>_<YYYYMMDD>" with characters that are not valid
// in Windows file names replaced.
func DestFolderName(batchID string, day time.Time) string {
	name := strings.Map(func(r rune) rune {
		if r < 0x20 || strings.ContainsRune(`<>:"/\|?*`, r) {
			return '_'
		}
		return r
	}, strings.TrimSpace(batchID))
	name = strings.TrimRight(name, ". ")
	return fmt.Sprintf("%s_%s", name, day.Format("20060102"))
}
