package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/chmdznr/batchsync/pkg/models"
)

// DefaultHistoryLimit is how many runs the history file keeps.
const DefaultHistoryLimit = 100

// HistoryNotifier appends each summary to a JSON array file, keeping the most
// recent Limit runs.
type HistoryNotifier struct {
	Fs    afero.Fs
	Path  string
	Limit int
}

// NewHistoryNotifier writes to path on the OS filesystem.
func NewHistoryNotifier(path string) *HistoryNotifier {
	return &HistoryNotifier{Fs: afero.NewOsFs(), Path: path, Limit: DefaultHistoryLimit}
}

func (h *HistoryNotifier) Notify(_ context.Context, s models.RunSummary) error {
	runs, err := h.Load()
	if err != nil {
		return err
	}
	runs = append(runs, s)
	if limit := h.limit(); len(runs) > limit {
		runs = runs[len(runs)-limit:]
	}

	data, err := json.MarshalIndent(runs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run history: %w", err)
	}
	if err := h.Fs.MkdirAll(filepath.Dir(h.Path), 0o755); err != nil {
		return fmt.Errorf("write run history: %w", err)
	}
	if err := afero.WriteFile(h.Fs, h.Path, data, 0o644); err != nil {
		return fmt.Errorf("write run history: %w", err)
	}
	return nil
}

// Load returns the stored runs, oldest first.
func (h *HistoryNotifier) Load() ([]models.RunSummary, error) {
	data, err := afero.ReadFile(h.Fs, h.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read run history: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var runs []models.RunSummary
	if err := json.Unmarshal(data, &runs); err != nil {
		return nil, fmt.Errorf("read run history %s: %w", h.Path, err)
	}
	return runs, nil
}

func (h *HistoryNotifier) limit() int {
	if h.Limit > 0 {
		return h.Limit
	}
	return DefaultHistoryLimit
}
