package app

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/chmdznr/batchsync/internal/config"
)

// LogFileName is the daily log file inside the logs directory.
func LogFileName(day time.Time) string {
	return fmt.Sprintf("transfer_%s.log", day.Format("20060102"))
}

type logFile struct {
	*os.File
}

// Close restores stderr logging before closing the file.
func (f logFile) Close() error {
	log.SetOutput(os.Stderr)
	return f.File.Close()
}

// setupLogging configures the standard logger to write to stderr and to the
// daily log file.
func setupLogging(cfg config.LoggingConfig, now time.Time) (io.Closer, error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(cfg.Dir, LogFileName(now)), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return logFile{f}, nil
}
