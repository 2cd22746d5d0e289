package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"

	"github.com/chmdznr/batchsync/internal/config"
	"github.com/chmdznr/batchsync/internal/db"
	"github.com/chmdznr/batchsync/internal/ledger"
	"github.com/chmdznr/batchsync/internal/manifest"
	"github.com/chmdznr/batchsync/internal/notify"
	"github.com/chmdznr/batchsync/internal/orchestrator"
	"github.com/chmdznr/batchsync/internal/resolver"
	"github.com/chmdznr/batchsync/internal/sync"
	"github.com/chmdznr/batchsync/internal/vpn"
	"github.com/chmdznr/batchsync/pkg/models"
)

// env is what every command works from: validated settings, the filesystem,
// the clock and the open log file.
type env struct {
	cfg   *config.Config
	fs    afero.Fs
	clock clockwork.Clock
	logs  io.Closer
}

func setup(c *cli.Context) (*env, error) {
	fs := afero.NewOsFs()
	cfg, err := config.Load(fs, c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	if c.Bool("test-mode") {
		cfg.System.TestMode = true
	}
	if level := c.String("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings in %s: %w", cfg.Source, err)
	}

	clock := clockwork.NewRealClock()
	logs, err := setupLogging(cfg.Logging, clock.Now())
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, fs: fs, clock: clock, logs: logs}, nil
}

func (e *env) Close() error {
	return e.logs.Close()
}

func (e *env) openLedger() (ledger.Ledger, error) {
	opts := ledger.Options{Fs: e.fs, Clock: e.clock}
	if err := os.MkdirAll(filepath.Dir(e.cfg.Ledger.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	if e.cfg.Ledger.Backend == "sqlite" {
		return db.New(e.cfg.Ledger.Path, opts)
	}
	return ledger.OpenJSON(e.cfg.Ledger.Path, opts)
}

func (e *env) guard() *vpn.Guard {
	provider := vpn.NewCommandProvider(vpn.DefaultCommands(runtime.GOOS), vpn.ExecRunner)
	return vpn.NewGuard(provider, vpn.Options{
		Bypass:      !e.cfg.VPNRequired(),
		SettleDelay: e.cfg.VPN.SettleDelayDuration(),
		RetryDelay:  e.cfg.VPN.RetryDelayDuration(),
		Clock:       e.clock,
	})
}

func (e *env) manifestReader() *manifest.Reader {
	return manifest.NewReader(manifest.Options{
		Fs:          e.fs,
		MaxAttempts: e.cfg.Excel.MaxRetries,
		RetryDelay:  e.cfg.Excel.RetryDelayDuration(),
		IDColumns:   e.cfg.Excel.IDColumns,
		Sheet:       e.cfg.Excel.Sheet,
	})
}

func (e *env) resolver() *resolver.Resolver {
	return resolver.New(e.fs, e.cfg.Paths.BatchDocuments)
}

func (e *env) destination(ctx context.Context) (sync.Destination, error) {
	if e.cfg.Destination.Type != "minio" {
		return sync.NewLocalDestination(e.fs, e.cfg.Paths.LocalGDrive), nil
	}

	m := e.cfg.Destination.Minio
	dest, err := sync.NewMinioDestination(sync.MinioConfig{
		Endpoint:  m.Endpoint,
		Bucket:    m.Bucket,
		Prefix:    m.Prefix,
		AccessKey: m.AccessKey,
		SecretKey: m.SecretKey,
		Secure:    m.Secure,
		Region:    m.Region,
	})
	if err != nil {
		return nil, err
	}
	if err := dest.CheckBucket(ctx); err != nil {
		return nil, err
	}
	return dest, nil
}

func (e *env) notifier() notify.Notifier {
	sinks := notify.Multi{notify.LogNotifier{}}
	if path := e.cfg.Notifications.HistoryFile; path != "" {
		sinks = append(sinks, notify.NewHistoryNotifier(path))
	}
	if path := e.cfg.Notifications.MetricsFile; path != "" {
		sinks = append(sinks, &notify.MetricsNotifier{Path: path})
	}
	return sinks
}

func (e *env) settings(workers int) orchestrator.Settings {
	cfg := e.cfg
	if workers <= 0 {
		workers = cfg.Sync.Workers
	}
	return orchestrator.Settings{
		VPNName:           cfg.VPN.ConnectionName,
		VPNAttemptTimeout: cfg.VPN.AttemptTimeoutDuration(),
		VPNMaxAttempts:    cfg.VPN.MaxRetries,
		ManifestPath:      cfg.Paths.ExcelFile,
		InitialsColumn:    cfg.Excel.FilterCriteria.InitialsColumn,
		InitialsValue:     cfg.Excel.FilterCriteria.InitialsValue,
		ReleaseColumn:     cfg.Excel.FilterCriteria.ReleaseStatusColumn,
		RetentionDays:     cfg.Ledger.RetentionDays,
		Workers:           workers,
	}
}

type runOptions struct {
	// workers overrides sync.workers when positive.
	workers  int
	progress bool
}

// runOnce wires one workflow and runs it. The ledger is opened per run so
// that watch mode never holds it between runs.
func (e *env) runOnce(ctx context.Context, opts runOptions) (models.RunSummary, error) {
	started := e.clock.Now()
	l, err := e.openLedger()
	if err != nil {
		return e.abort(ctx, started, fmt.Errorf("open ledger: %w", err))
	}
	defer l.Close()

	dest, err := e.destination(ctx)
	if err != nil {
		return e.abort(ctx, started, fmt.Errorf("open destination: %w", err))
	}

	var observer sync.Observer
	if opts.progress {
		bars := sync.NewProgressBars()
		defer bars.Stop()
		observer = bars
	}
	engine := sync.NewEngine(sync.Options{
		Source:            e.fs,
		Destination:       dest,
		Recorder:          l,
		Observer:          observer,
		ChecksumThreshold: e.cfg.Sync.ChecksumThreshold(),
		CompareContent:    e.cfg.Sync.CompareContent,
		FileTimeout:       e.cfg.Sync.FileTimeoutDuration(),
	})

	o := orchestrator.New(e.settings(opts.workers), orchestrator.Deps{
		Guard:    e.guard(),
		Manifest: e.manifestReader(),
		Resolver: e.resolver(),
		Syncer:   engine,
		Ledger:   l,
		Notifier: e.notifier(),
		Clock:    e.clock,
	})
	return o.Run(ctx)
}

// abort reports a run that failed before the workflow could start, so the
// notifiers still see it.
func (e *env) abort(ctx context.Context, started time.Time, err error) (models.RunSummary, error) {
	summary := models.RunSummary{RunID: uuid.NewString(), StartedAt: started, FatalError: err.Error()}
	summary.Finish(e.clock.Now())
	log.WithField("run", summary.RunID).WithError(err).Error("Run aborted")
	if nerr := e.notifier().Notify(context.WithoutCancel(ctx), summary); nerr != nil {
		log.WithError(nerr).Warn("Failed to deliver run summary")
	}
	return summary, err
}
