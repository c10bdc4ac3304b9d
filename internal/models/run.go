// Package models provides the persisted types of the field migrator's run history.
package models

import (
	"encoding/json"
	"time"
)

// Run status constants
const (
	RunStatusQueued      = "queued"
	RunStatusRunning     = "running"
	RunStatusCompleted   = "completed"
	RunStatusFailed      = "failed"
	RunStatusInterrupted = "interrupted"
)

// ValidRunStatuses returns all valid run status values.
func ValidRunStatuses() []string {
	return []string{RunStatusQueued, RunStatusRunning, RunStatusCompleted, RunStatusFailed, RunStatusInterrupted}
}

// IsValidRunStatus checks if a status value is valid.
func IsValidRunStatus(status string) bool {
	for _, s := range ValidRunStatuses() {
		if s == status {
			return true
		}
	}
	return false
}

// MigrationRun is one execution of a migration plan, queued or finished
type MigrationRun struct {
	ID          string `json:"id" gorm:"primaryKey;column:id;size:36"`
	PlanID      string `json:"plan_id" gorm:"column:plan_id;index;not null"`
	Category    string `json:"category" gorm:"column:category"`
	Strategy    string `json:"strategy" gorm:"column:strategy"` // requested for queued runs, chosen once executed
	Status      string `json:"status" gorm:"column:status;index;not null"`
	DryRun      bool   `json:"dry_run" gorm:"column:dry_run;default:false"`
	CleanupOnly bool   `json:"cleanup_only" gorm:"column:cleanup_only;default:false"`

	TotalResources int `json:"total_resources" gorm:"column:total_resources;default:0"`
	Successful     int `json:"successful" gorm:"column:successful;default:0"`
	Failed         int `json:"failed" gorm:"column:failed;default:0"`
	Skipped        int `json:"skipped" gorm:"column:skipped;default:0"`
	APICalls       int `json:"api_calls" gorm:"column:api_calls;default:0"`

	Errors       *string `json:"-" gorm:"column:errors;type:text"`   // JSON array
	Warnings     *string `json:"-" gorm:"column:warnings;type:text"` // JSON array
	Message      *string `json:"message,omitempty" gorm:"column:message;type:text"`
	PlanDocument string  `json:"-" gorm:"column:plan_document;type:text"` // YAML export of the plan

	QueuedAt    time.Time  `json:"queued_at" gorm:"column:queued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" gorm:"column:started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" gorm:"column:completed_at"`
	DurationMs  *int64     `json:"duration_ms,omitempty" gorm:"column:duration_ms"`

	Outcomes []RunRecordOutcome `json:"outcomes,omitempty" gorm:"foreignKey:RunID;references:ID;constraint:OnDelete:CASCADE"`
}

// TableName returns the table name for GORM
func (MigrationRun) TableName() string {
	return "migration_runs"
}

// IsFinished reports whether the run reached a terminal status
func (r *MigrationRun) IsFinished() bool {
	switch r.Status {
	case RunStatusCompleted, RunStatusFailed, RunStatusInterrupted:
		return true
	}
	return false
}

// ErrorList decodes the stored error messages
func (r *MigrationRun) ErrorList() []string {
	return decodeList(r.Errors)
}

// WarningList decodes the stored warnings
func (r *MigrationRun) WarningList() []string {
	return decodeList(r.Warnings)
}

// SetErrors stores error messages as a JSON array
func (r *MigrationRun) SetErrors(msgs []string) {
	r.Errors = encodeList(msgs)
}

// SetWarnings stores warnings as a JSON array
func (r *MigrationRun) SetWarnings(msgs []string) {
	r.Warnings = encodeList(msgs)
}

// MarshalJSON includes the decoded error and warning lists
func (r MigrationRun) MarshalJSON() ([]byte, error) {
	type alias MigrationRun
	return json.Marshal(struct {
		alias
		Errors   []string `json:"errors"`
		Warnings []string `json:"warnings"`
	}{alias(r), r.ErrorList(), r.WarningList()})
}

// RunRecordOutcome is the classification of one record within a run
type RunRecordOutcome struct {
	ID         int64   `json:"id" gorm:"primaryKey;column:id;autoIncrement"`
	RunID      string  `json:"run_id" gorm:"column:run_id;size:36;index;not null"`
	ResourceID string  `json:"resource_id" gorm:"column:resource_id;not null"`
	Status     string  `json:"status" gorm:"column:status;not null"`                // successful, failed, skipped
	Mappings   *string `json:"mappings,omitempty" gorm:"column:mappings;type:text"` // JSON per-mapping outcomes
}

// TableName returns the table name for GORM
func (RunRecordOutcome) TableName() string {
	return "run_record_outcomes"
}

func encodeList(msgs []string) *string {
	if len(msgs) == 0 {
		return nil
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return nil
	}
	s := string(data)
	return &s
}

func decodeList(s *string) []string {
	if s == nil || *s == "" {
		return []string{}
	}
	var out []string
	if err := json.Unmarshal([]byte(*s), &out); err != nil {
		return []string{*s}
	}
	return out
}
