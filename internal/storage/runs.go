package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kuhlman-labs/crm-field-migrator/internal/migration"
	"github.com/kuhlman-labs/crm-field-migrator/internal/models"
)

const outcomeBatchSize = 200

// RunStore defines operations on the migration run history
type RunStore interface {
	RecordRun(ctx context.Context, plan *migration.Plan, result *migration.Result) error
	QueueRun(ctx context.Context, run *models.MigrationRun) error
	ClaimQueuedRuns(ctx context.Context, limit int) ([]*models.MigrationRun, error)
	UpdateRunStatus(ctx context.Context, id, status, message string) error
	GetRun(ctx context.Context, id string) (*models.MigrationRun, error)
	GetRunOutcomes(ctx context.Context, id, status string) ([]models.RunRecordOutcome, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*models.MigrationRun, error)
	MarkAbandonedRuns(ctx context.Context) (int64, error)
}

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	Status string
	PlanID string
	Limit  int
}

// RecordRun stores a finished execution as a new run
func (d *Database) RecordRun(ctx context.Context, plan *migration.Plan, result *migration.Result) error {
	run := &models.MigrationRun{
		ID:       uuid.NewString(),
		QueuedAt: result.StartedAt,
	}
	return d.saveResult(ctx, run, plan, result)
}

// Recorder returns a migration.RunRecorder that completes an existing queued run
func (d *Database) Recorder(runID string) migration.RunRecorder {
	return &queuedRunRecorder{db: d, runID: runID}
}

type queuedRunRecorder struct {
	db    *Database
	runID string
}

func (r *queuedRunRecorder) RecordRun(ctx context.Context, plan *migration.Plan, result *migration.Result) error {
	run, err := r.db.GetRun(ctx, r.runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %s not found", r.runID)
	}
	return r.db.saveResult(ctx, run, plan, result)
}

// saveResult copies the result onto the run and replaces its record outcomes
func (d *Database) saveResult(ctx context.Context, run *models.MigrationRun, plan *migration.Plan, result *migration.Result) error {
	outcomes, err := applyResult(run, plan, result)
	if err != nil {
		return err
	}

	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Outcomes").Save(run).Error; err != nil {
			return fmt.Errorf("failed to save run: %w", err)
		}
		if err := tx.Where("run_id = ?", run.ID).Delete(&models.RunRecordOutcome{}).Error; err != nil {
			return fmt.Errorf("failed to clear run outcomes: %w", err)
		}
		if len(outcomes) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(&outcomes, outcomeBatchSize).Error; err != nil {
			return fmt.Errorf("failed to save run outcomes: %w", err)
		}
		return nil
	})
}

func applyResult(run *models.MigrationRun, plan *migration.Plan, result *migration.Result) ([]models.RunRecordOutcome, error) {
	run.PlanID = plan.ID
	run.Category = string(plan.Category)
	run.Strategy = string(result.Strategy)
	run.DryRun = result.DryRun
	run.CleanupOnly = result.CleanupOnly
	run.TotalResources = result.TotalResources
	run.Successful = result.Successful
	run.Failed = result.Failed
	run.Skipped = result.Skipped
	run.APICalls = result.APICalls
	run.SetErrors(result.Errors)
	run.SetWarnings(result.Warnings)

	run.Status = models.RunStatusCompleted
	run.Message = nil
	if remaining := len(result.Remaining()); remaining > 0 {
		run.Status = models.RunStatusInterrupted
		msg := fmt.Sprintf("%d records remaining", remaining)
		run.Message = &msg
	}

	started := result.StartedAt
	if run.StartedAt == nil {
		run.StartedAt = &started
	}
	completed := started.Add(result.Duration)
	run.CompletedAt = &completed
	ms := result.Duration.Milliseconds()
	run.DurationMs = &ms

	ids := make([]string, 0, len(result.Details))
	for id := range result.Details {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	outcomes := make([]models.RunRecordOutcome, 0, len(ids))
	for _, id := range ids {
		o := result.Details[id]
		data, err := json.Marshal(o.Mappings)
		if err != nil {
			return nil, fmt.Errorf("failed to encode outcome of record %s: %w", id, err)
		}
		mappings := string(data)
		outcomes = append(outcomes, models.RunRecordOutcome{
			RunID:      run.ID,
			ResourceID: id,
			Status:     string(o.Status),
			Mappings:   &mappings,
		})
	}
	return outcomes, nil
}

// QueueRun stores a run for the worker to execute. PlanDocument must hold a YAML plan export.
func (d *Database) QueueRun(ctx context.Context, run *models.MigrationRun) error {
	if run.PlanDocument == "" {
		return fmt.Errorf("plan document is required")
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	run.Status = models.RunStatusQueued
	if run.QueuedAt.IsZero() {
		run.QueuedAt = time.Now().UTC()
	}

	if err := d.db.WithContext(ctx).Omit("Outcomes").Create(run).Error; err != nil {
		return fmt.Errorf("failed to queue run: %w", err)
	}
	return nil
}

// ClaimQueuedRuns moves up to limit queued runs to running, oldest first.
// A run claimed concurrently by another worker is not returned.
func (d *Database) ClaimQueuedRuns(ctx context.Context, limit int) ([]*models.MigrationRun, error) {
	if limit <= 0 {
		limit = 1
	}

	var claimed []*models.MigrationRun
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var queued []*models.MigrationRun
		if err := tx.Where("status = ?", models.RunStatusQueued).
			Order("queued_at ASC").
			Limit(limit).
			Find(&queued).Error; err != nil {
			return fmt.Errorf("failed to list queued runs: %w", err)
		}

		now := time.Now().UTC()
		for _, run := range queued {
			res := tx.Model(&models.MigrationRun{}).
				Where("id = ? AND status = ?", run.ID, models.RunStatusQueued).
				Updates(map[string]any{"status": models.RunStatusRunning, "started_at": now})
			if res.Error != nil {
				return fmt.Errorf("failed to claim run %s: %w", run.ID, res.Error)
			}
			if res.RowsAffected == 0 {
				continue
			}
			run.Status = models.RunStatusRunning
			run.StartedAt = &now
			claimed = append(claimed, run)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// UpdateRunStatus sets a run's status. Terminal statuses also stamp completed_at.
func (d *Database) UpdateRunStatus(ctx context.Context, id, status, message string) error {
	if !models.IsValidRunStatus(status) {
		return fmt.Errorf("invalid run status: %s", status)
	}

	updates := map[string]any{"status": status}
	if message != "" {
		updates["message"] = message
	}
	state := models.MigrationRun{Status: status}
	if state.IsFinished() {
		updates["completed_at"] = time.Now().UTC()
	}

	res := d.db.WithContext(ctx).Model(&models.MigrationRun{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update run status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// GetRun retrieves a run by ID, without its record outcomes. It returns nil when absent.
func (d *Database) GetRun(ctx context.Context, id string) (*models.MigrationRun, error) {
	var run models.MigrationRun
	result := d.db.WithContext(ctx).Where("id = ?", id).First(&run)
	if result.Error != nil {
		if isNotFoundError(result.Error) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run: %w", result.Error)
	}
	return &run, nil
}

// GetRunOutcomes lists a run's record outcomes ordered by resource ID, optionally by status
func (d *Database) GetRunOutcomes(ctx context.Context, id, status string) ([]models.RunRecordOutcome, error) {
	query := d.db.WithContext(ctx).Where("run_id = ?", id)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var outcomes []models.RunRecordOutcome
	if err := query.Order("resource_id ASC").Find(&outcomes).Error; err != nil {
		return nil, fmt.Errorf("failed to get run outcomes: %w", err)
	}
	return outcomes, nil
}

// ListRuns returns runs newest first
func (d *Database) ListRuns(ctx context.Context, filter RunFilter) ([]*models.MigrationRun, error) {
	query := d.db.WithContext(ctx).Model(&models.MigrationRun{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.PlanID != "" {
		query = query.Where("plan_id = ?", filter.PlanID)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var runs []*models.MigrationRun
	if err := query.Order("queued_at DESC").Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// MarkAbandonedRuns marks runs left running by a stopped process as interrupted
func (d *Database) MarkAbandonedRuns(ctx context.Context) (int64, error) {
	res := d.db.WithContext(ctx).Model(&models.MigrationRun{}).
		Where("status = ?", models.RunStatusRunning).
		Updates(map[string]any{
			"status":       models.RunStatusInterrupted,
			"message":      "worker stopped before the run finished",
			"completed_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to mark abandoned runs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Compile-time interface checks
var (
	_ RunStore              = (*Database)(nil)
	_ migration.RunRecorder = (*Database)(nil)
	_ migration.RunRecorder = (*queuedRunRecorder)(nil)
)
