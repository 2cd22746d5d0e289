package notify

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/chmdznr/batchsync/pkg/models"
)

// LogNotifier writes the completion report to the log.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, s models.RunSummary) error {
	entry := log.WithFields(log.Fields{
		"run":        s.RunID,
		"batches":    s.TotalBatches,
		"successful": s.Successful,
		"partial":    s.Partial,
		"failed":     s.Failed,
		"skipped":    s.Skipped,
	})
	if s.Succeeded() {
		entry.Info(Report(s))
	} else {
		entry.Error(Report(s))
	}
	return nil
}
