package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/kuhlman-labs/crm-field-migrator/internal/fields"
)

// Refresher reloads field metadata for one category
type Refresher interface {
	Refresh(ctx context.Context, category fields.Category) error
}

// FieldRefreshWorker periodically reloads cached field metadata so long-running
// servers see fields added or renamed in the CRM
type FieldRefreshWorker struct {
	refresher  Refresher
	categories []fields.Category
	logger     *slog.Logger
	interval   time.Duration
}

// NewFieldRefreshWorker creates a new field refresh worker
func NewFieldRefreshWorker(refresher Refresher, categories []fields.Category, interval time.Duration, logger *slog.Logger) *FieldRefreshWorker {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &FieldRefreshWorker{
		refresher:  refresher,
		categories: categories,
		logger:     logger,
		interval:   interval,
	}
}

// Start runs the refresh loop until ctx is done
func (fw *FieldRefreshWorker) Start(ctx context.Context) {
	fw.logger.Info("Starting field refresh worker", "interval", fw.interval, "categories", fw.categories)

	ticker := time.NewTicker(fw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fw.logger.Info("Field refresh worker stopped")
			return
		case <-ticker.C:
			fw.refreshAll(ctx)
		}
	}
}

func (fw *FieldRefreshWorker) refreshAll(ctx context.Context) {
	for _, category := range fw.categories {
		if err := fw.refresher.Refresh(ctx, category); err != nil {
			if ctx.Err() != nil {
				return
			}
			fw.logger.Error("Failed to refresh field metadata", "category", category, "error", err)
			continue
		}
		fw.logger.Debug("Refreshed field metadata", "category", category)
	}
}
