package notify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chmdznr/batchsync/pkg/models"
)

// MetricsNotifier writes the last run as Prometheus gauges in the node
// exporter textfile format.
type MetricsNotifier struct {
	Path string
}

func (m *MetricsNotifier) Notify(_ context.Context, s models.RunSummary) error {
	registry := prometheus.NewRegistry()

	batches := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "batchsync",
		Name:      "last_run_batches",
		Help:      "Batches in the last run by outcome",
	}, []string{"outcome"})
	batches.WithLabelValues(string(models.OutcomeSuccess)).Set(float64(s.Successful))
	batches.WithLabelValues(string(models.OutcomePartial)).Set(float64(s.Partial))
	batches.WithLabelValues(string(models.OutcomeFailed)).Set(float64(s.Failed))
	batches.WithLabelValues(string(models.OutcomeSkipped)).Set(float64(s.Skipped))

	gauge := func(name, help string, v float64) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "batchsync", Name: name, Help: help})
		g.Set(v)
		return g
	}
	succeeded := 0.0
	if s.Succeeded() {
		succeeded = 1
	}

	registry.MustRegister(
		batches,
		gauge("last_run_files_copied", "Files copied in the last run", float64(s.TotalFilesCopied)),
		gauge("last_run_source_files", "Source files considered in the last run", float64(s.TotalSourceFiles)),
		gauge("last_run_bytes_copied", "Bytes copied in the last run", float64(s.TotalBytesCopied)),
		gauge("last_run_invalid_records", "Manifest rows without a batch ID", float64(s.InvalidRecords)),
		gauge("last_run_success_rate_percent", "Share of batches complete after the last run", s.OverallSuccessRate),
		gauge("last_run_success", "1 if the last run had no failed batch", succeeded),
		gauge("last_run_duration_seconds", "Wall time of the last run", s.Duration().Seconds()),
		gauge("last_run_timestamp_seconds", "Unix time the last run finished", float64(s.FinishedAt.Unix())),
	)

	if err := os.MkdirAll(filepath.Dir(m.Path), 0o755); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	if err := prometheus.WriteToTextfile(m.Path, registry); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}
