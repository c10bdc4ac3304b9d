package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kuhlman-labs/crm-field-migrator/internal/models"
)

func TestRecordRun(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	plan, result := executeTestPlan(t, ctx, db)

	runs, err := db.ListRuns(ctx, RunFilter{PlanID: plan.ID})
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("ListRuns() returned %d runs, want 1", len(runs))
	}

	run := runs[0]
	if run.Status != models.RunStatusCompleted {
		t.Errorf("Status = %q, want %q", run.Status, models.RunStatusCompleted)
	}
	if run.TotalResources != 3 || run.Successful != 1 || run.Failed != 2 || run.Skipped != 0 {
		t.Errorf("counts = %d/%d/%d/%d, want 3/1/2/0", run.TotalResources, run.Successful, run.Failed, run.Skipped)
	}
	if run.APICalls != result.APICalls {
		t.Errorf("APICalls = %d, want %d", run.APICalls, result.APICalls)
	}
	if run.Strategy != "sequential" || run.Category != "Account" {
		t.Errorf("Strategy/Category = %q/%q", run.Strategy, run.Category)
	}
	if len(run.ErrorList()) != len(result.Errors) {
		t.Errorf("ErrorList() has %d entries, want %d", len(run.ErrorList()), len(result.Errors))
	}
	if run.CompletedAt == nil || run.DurationMs == nil {
		t.Error("completed runs carry completion time and duration")
	}

	outcomes, err := db.GetRunOutcomes(ctx, run.ID, "")
	if err != nil {
		t.Fatalf("GetRunOutcomes() error = %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("GetRunOutcomes() returned %d outcomes, want 3", len(outcomes))
	}
	if outcomes[0].ResourceID != "1" || outcomes[0].Status != "successful" {
		t.Errorf("first outcome = %s/%s, want 1/successful", outcomes[0].ResourceID, outcomes[0].Status)
	}
	if outcomes[0].Mappings == nil || !strings.Contains(*outcomes[0].Mappings, `"status":"applied"`) {
		t.Errorf("mapping outcomes not stored: %v", outcomes[0].Mappings)
	}

	failed, err := db.GetRunOutcomes(ctx, run.ID, "failed")
	if err != nil {
		t.Fatalf("GetRunOutcomes(failed) error = %v", err)
	}
	if len(failed) != 2 || failed[0].ResourceID != "2" || failed[1].ResourceID != "3" {
		t.Errorf("failed outcomes = %+v, want records 2 and 3", failed)
	}
}

func TestRecordRun_Interrupted(t *testing.T) {
	db := setupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	plan, _ := executeTestPlan(t, ctx, db)

	runs, err := db.ListRuns(context.Background(), RunFilter{PlanID: plan.ID})
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("ListRuns() returned %d runs, want 1", len(runs))
	}
	if runs[0].Status != models.RunStatusInterrupted {
		t.Errorf("Status = %q, want %q", runs[0].Status, models.RunStatusInterrupted)
	}
	if runs[0].Message == nil || *runs[0].Message != "3 records remaining" {
		t.Errorf("Message = %v, want remaining count", runs[0].Message)
	}
}

func TestQueueAndClaimRuns(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, planID := range []string{"plan-a", "plan-b", "plan-c"} {
		run := &models.MigrationRun{
			PlanID:       planID,
			Strategy:     "auto",
			PlanDocument: "plan: {}",
			QueuedAt:     base.Add(time.Duration(i) * time.Minute),
		}
		if err := db.QueueRun(ctx, run); err != nil {
			t.Fatalf("QueueRun() error = %v", err)
		}
		if run.ID == "" || run.Status != models.RunStatusQueued {
			t.Fatalf("QueueRun() left ID %q status %q", run.ID, run.Status)
		}
	}

	claimed, err := db.ClaimQueuedRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ClaimQueuedRuns() error = %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("ClaimQueuedRuns() returned %d runs, want 2", len(claimed))
	}
	if claimed[0].PlanID != "plan-a" || claimed[1].PlanID != "plan-b" {
		t.Errorf("claimed %s, %s; want oldest first", claimed[0].PlanID, claimed[1].PlanID)
	}
	for _, run := range claimed {
		if run.Status != models.RunStatusRunning || run.StartedAt == nil {
			t.Errorf("claimed run %s has status %q", run.ID, run.Status)
		}
	}

	again, err := db.ClaimQueuedRuns(ctx, 5)
	if err != nil {
		t.Fatalf("ClaimQueuedRuns() error = %v", err)
	}
	if len(again) != 1 || again[0].PlanID != "plan-c" {
		t.Errorf("second claim returned %d runs, want only plan-c", len(again))
	}

	none, err := db.ClaimQueuedRuns(ctx, 5)
	if err != nil {
		t.Fatalf("ClaimQueuedRuns() error = %v", err)
	}
	if len(none) != 0 {
		t.Errorf("claim on empty queue returned %d runs", len(none))
	}
}

func TestQueueRun_RequiresPlanDocument(t *testing.T) {
	db := setupTestDB(t)
	if err := db.QueueRun(context.Background(), &models.MigrationRun{PlanID: "p"}); err == nil {
		t.Error("QueueRun() without a plan document should fail")
	}
}

func TestRecorder_CompletesQueuedRun(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	queued := &models.MigrationRun{PlanID: "pending", PlanDocument: "plan: {}"}
	if err := db.QueueRun(ctx, queued); err != nil {
		t.Fatalf("QueueRun() error = %v", err)
	}
	if _, err := db.ClaimQueuedRuns(ctx, 1); err != nil {
		t.Fatalf("ClaimQueuedRuns() error = %v", err)
	}

	plan, _ := executeTestPlan(t, ctx, db.Recorder(queued.ID))

	run, err := db.GetRun(ctx, queued.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if run == nil {
		t.Fatal("GetRun() returned nil")
	}
	if run.Status != models.RunStatusCompleted || run.PlanID != plan.ID {
		t.Errorf("run = %s/%s, want completed/%s", run.Status, run.PlanID, plan.ID)
	}
	if run.PlanDocument != "plan: {}" {
		t.Errorf("PlanDocument = %q, the queued document must be kept", run.PlanDocument)
	}

	all, err := db.ListRuns(ctx, RunFilter{})
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(all) != 1 {
		t.Errorf("ListRuns() returned %d runs, the queued run should be updated in place", len(all))
	}

	missing := db.Recorder("no-such-run")
	if err := missing.RecordRun(ctx, plan, nil); err == nil {
		t.Error("recording into an unknown run should fail")
	}
}

func TestUpdateRunStatus(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	run := &models.MigrationRun{PlanID: "p", PlanDocument: "plan: {}"}
	if err := db.QueueRun(ctx, run); err != nil {
		t.Fatalf("QueueRun() error = %v", err)
	}

	if err := db.UpdateRunStatus(ctx, run.ID, models.RunStatusFailed, "plan document is stale"); err != nil {
		t.Fatalf("UpdateRunStatus() error = %v", err)
	}
	got, err := db.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Status != models.RunStatusFailed || got.Message == nil || *got.Message != "plan document is stale" {
		t.Errorf("run = %+v", got)
	}
	if got.CompletedAt == nil {
		t.Error("terminal status should stamp completed_at")
	}

	if err := db.UpdateRunStatus(ctx, run.ID, "exploded", ""); err == nil {
		t.Error("UpdateRunStatus() should reject unknown statuses")
	}
	if err := db.UpdateRunStatus(ctx, "missing", models.RunStatusFailed, ""); err == nil {
		t.Error("UpdateRunStatus() should fail for unknown runs")
	}
}

func TestGetRun_NotFound(t *testing.T) {
	db := setupTestDB(t)
	run, err := db.GetRun(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if run != nil {
		t.Errorf("GetRun() = %+v, want nil", run)
	}
}

func TestListRuns_Filters(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := range 4 {
		run := &models.MigrationRun{
			PlanID:       "plan-" + string(rune('a'+i%2)),
			PlanDocument: "plan: {}",
			QueuedAt:     base.Add(time.Duration(i) * time.Minute),
		}
		if err := db.QueueRun(ctx, run); err != nil {
			t.Fatalf("QueueRun() error = %v", err)
		}
	}
	if _, err := db.ClaimQueuedRuns(ctx, 1); err != nil {
		t.Fatalf("ClaimQueuedRuns() error = %v", err)
	}

	tests := []struct {
		name   string
		filter RunFilter
		want   int
	}{
		{"all", RunFilter{}, 4},
		{"by plan", RunFilter{PlanID: "plan-a"}, 2},
		{"by status", RunFilter{Status: models.RunStatusQueued}, 3},
		{"limit", RunFilter{Limit: 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := db.ListRuns(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListRuns() error = %v", err)
			}
			if len(runs) != tt.want {
				t.Errorf("ListRuns() returned %d runs, want %d", len(runs), tt.want)
			}
		})
	}

	runs, err := db.ListRuns(ctx, RunFilter{Limit: 1})
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if !runs[0].QueuedAt.Equal(base.Add(3 * time.Minute)) {
		t.Errorf("newest run queued at %v, want %v", runs[0].QueuedAt, base.Add(3*time.Minute))
	}
}

func TestMarkAbandonedRuns(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for range 2 {
		if err := db.QueueRun(ctx, &models.MigrationRun{PlanID: "p", PlanDocument: "plan: {}"}); err != nil {
			t.Fatalf("QueueRun() error = %v", err)
		}
	}
	claimed, err := db.ClaimQueuedRuns(ctx, 1)
	if err != nil {
		t.Fatalf("ClaimQueuedRuns() error = %v", err)
	}

	n, err := db.MarkAbandonedRuns(ctx)
	if err != nil {
		t.Fatalf("MarkAbandonedRuns() error = %v", err)
	}
	if n != 1 {
		t.Errorf("MarkAbandonedRuns() = %d, want 1", n)
	}

	run, err := db.GetRun(ctx, claimed[0].ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if run.Status != models.RunStatusInterrupted {
		t.Errorf("Status = %q, want %q", run.Status, models.RunStatusInterrupted)
	}
}
