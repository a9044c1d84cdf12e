package ingest

import (
	"context"
	"log/slog"

	"github.com/kalambet/techdocs/internal/storage"
)

// ProgressReporter receives task updates at every stage transition and
// after every embedding batch.
type ProgressReporter interface {
	Update(ctx context.Context, u storage.TaskUpdate) error
}

// StoreReporter writes updates to the task table and logs them.
type StoreReporter struct {
	store  *storage.Store
	logger *slog.Logger
}

func NewStoreReporter(store *storage.Store, logger *slog.Logger) *StoreReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreReporter{store: store, logger: logger}
}

func (r *StoreReporter) Update(ctx context.Context, u storage.TaskUpdate) error {
	level := slog.LevelDebug
	if u.Terminal || u.Error != "" {
		level = slog.LevelInfo
	}
	r.logger.Log(ctx, level, "task progress",
		"task_id", u.TaskID, "stage", u.Status, "progress", u.Progress, "label", u.StageLabel, "error", u.Error)
	return r.store.UpdateTask(ctx, u)
}
