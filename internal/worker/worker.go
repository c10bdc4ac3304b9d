package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kuhlman-labs/crm-field-migrator/internal/migration"
	"github.com/kuhlman-labs/crm-field-migrator/internal/models"
)

// RunQueue is the run history the worker claims queued runs from
type RunQueue interface {
	ClaimQueuedRuns(ctx context.Context, limit int) ([]*models.MigrationRun, error)
	UpdateRunStatus(ctx context.Context, id, status, message string) error
	MarkAbandonedRuns(ctx context.Context) (int64, error)
	Recorder(runID string) migration.RunRecorder
}

// RunWorker polls for queued migration runs and executes them
type RunWorker struct {
	executor     *migration.Executor
	serializer   *migration.Serializer
	queue        RunQueue
	logger       *slog.Logger
	pollInterval time.Duration
	workers      int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	active map[string]bool // run IDs currently executing
}

// WorkerConfig configures the run worker
type WorkerConfig struct {
	Executor     *migration.Executor // must not carry its own Recorder
	Serializer   *migration.Serializer
	Queue        RunQueue
	Logger       *slog.Logger
	PollInterval time.Duration
	Workers      int // Number of runs executed in parallel
}

// NewRunWorker creates a new run worker
func NewRunWorker(cfg WorkerConfig) (*RunWorker, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Serializer == nil {
		return nil, fmt.Errorf("serializer is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("run queue is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	return &RunWorker{
		executor:     cfg.Executor,
		serializer:   cfg.Serializer,
		queue:        cfg.Queue,
		logger:       cfg.Logger,
		pollInterval: cfg.PollInterval,
		workers:      cfg.Workers,
		active:       make(map[string]bool),
	}, nil
}

// Start recovers runs abandoned by a previous process and begins polling
func (w *RunWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.ctx != nil {
		w.mu.Unlock()
		return fmt.Errorf("worker already started")
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	if n, err := w.queue.MarkAbandonedRuns(ctx); err != nil {
		w.logger.Warn("Failed to recover abandoned runs", "error", err)
	} else if n > 0 {
		w.logger.Warn("Marked abandoned runs as interrupted", "count", n)
	}

	w.logger.Info("Starting run worker",
		"poll_interval", w.pollInterval,
		"workers", w.workers)

	w.wg.Add(1)
	go w.pollLoop()

	return nil
}

// Stop cancels active runs and waits for them to record their partial results
func (w *RunWorker) Stop() error {
	w.mu.Lock()
	if w.cancel == nil {
		w.mu.Unlock()
		return fmt.Errorf("worker not started")
	}
	w.cancel()
	w.mu.Unlock()

	w.logger.Info("Stopping run worker, waiting for active runs...")
	w.wg.Wait()
	w.logger.Info("Run worker stopped")
	return nil
}

func (w *RunWorker) pollLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.processQueuedRuns()

	for {
		select {
		case <-w.ctx.Done():
			w.logger.Info("Poll loop stopped")
			return
		case <-ticker.C:
			w.processQueuedRuns()
		}
	}
}

// processQueuedRuns claims as many queued runs as there are free slots
func (w *RunWorker) processQueuedRuns() {
	availableSlots := w.workers - w.ActiveCount()
	if availableSlots <= 0 {
		w.logger.Debug("All worker slots busy", "max_workers", w.workers)
		return
	}

	runs, err := w.queue.ClaimQueuedRuns(w.ctx, availableSlots)
	if err != nil {
		if w.ctx.Err() == nil {
			w.logger.Error("Failed to claim queued runs", "error", err)
		}
		return
	}
	if len(runs) == 0 {
		w.logger.Debug("No queued runs found")
		return
	}

	w.logger.Info("Claimed queued runs", "count", len(runs), "available_slots", availableSlots)

	for _, run := range runs {
		w.mu.Lock()
		w.active[run.ID] = true
		w.mu.Unlock()

		w.wg.Add(1)
		go w.executeRun(run)
	}
}

// executeRun imports the queued plan document, executes it and records the result
func (w *RunWorker) executeRun(run *models.MigrationRun) {
	defer w.wg.Done()
	defer func() {
		w.mu.Lock()
		delete(w.active, run.ID)
		w.mu.Unlock()
	}()

	// status writes must land even while stopping
	bg := context.WithoutCancel(w.ctx)

	imported, err := w.serializer.Import(strings.NewReader(run.PlanDocument), migration.FormatYAML)
	if err != nil {
		w.fail(bg, run, fmt.Errorf("failed to import plan document: %w", err))
		return
	}
	for _, warning := range imported.Warnings {
		w.logger.Warn("Plan import warning", "run_id", run.ID, "warning", warning)
	}
	if imported.Stale != nil {
		w.logger.Warn("Executing stale plan", "run_id", run.ID, "warning", imported.Stale.Error())
	}

	if err := w.serializer.Validate(w.ctx, imported.Plan); err != nil {
		w.fail(bg, run, fmt.Errorf("plan no longer matches the CRM: %w", err))
		return
	}

	strategy, err := migration.ParseExecutionStrategy(run.Strategy)
	if err != nil {
		w.fail(bg, run, err)
		return
	}

	w.logger.Info("Starting queued run",
		"run_id", run.ID,
		"plan_id", imported.Plan.ID,
		"strategy", strategy,
		"dry_run", imported.Plan.DryRun)

	result, err := w.executor.Execute(w.ctx, imported.Plan, strategy)
	if result == nil {
		w.fail(bg, run, err)
		return
	}

	if recErr := w.queue.Recorder(run.ID).RecordRun(bg, imported.Plan, result); recErr != nil {
		w.logger.Error("Failed to record run result", "run_id", run.ID, "error", recErr)
		return
	}

	if err != nil {
		w.logger.Warn("Queued run interrupted",
			"run_id", run.ID,
			"remaining", len(result.Remaining()),
			"error", err)
		return
	}
	w.logger.Info("Queued run completed",
		"run_id", run.ID,
		"successful", result.Successful,
		"failed", result.Failed,
		"skipped", result.Skipped)
}

func (w *RunWorker) fail(ctx context.Context, run *models.MigrationRun, err error) {
	w.logger.Error("Queued run failed", "run_id", run.ID, "error", err)
	if updateErr := w.queue.UpdateRunStatus(ctx, run.ID, models.RunStatusFailed, err.Error()); updateErr != nil {
		w.logger.Error("Failed to update run status after failure",
			"run_id", run.ID,
			"error", updateErr)
	}
}

// ActiveCount returns the number of runs currently executing
func (w *RunWorker) ActiveCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.active)
}

// ActiveRuns returns the IDs of runs currently executing
func (w *RunWorker) ActiveRuns() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	ids := make([]string, 0, len(w.active))
	for id := range w.active {
		ids = append(ids, id)
	}
	return ids
}

// IsActive returns true if the worker is currently running
func (w *RunWorker) IsActive() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.ctx != nil && w.ctx.Err() == nil
}
