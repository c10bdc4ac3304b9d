// Package mcp provides a Model Context Protocol server for the field migrator.
// It exposes plan analysis and run history to AI agents.
package mcp

import (
	"github.com/kuhlman-labs/crm-field-migrator/internal/fields"
	"github.com/kuhlman-labs/crm-field-migrator/internal/migration"
	"github.com/kuhlman-labs/crm-field-migrator/internal/models"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 100
)

// FieldSummary is a custom field as shown to agents
type FieldSummary struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	DisplayType string   `json:"display_type"`
	Kind        string   `json:"kind"`
	MultiValue  bool     `json:"multi_value"`
	Options     []string `json:"options,omitempty"`
}

// ListFieldsOutput represents the output of list_fields
type ListFieldsOutput struct {
	Category   string         `json:"category"`
	Fields     []FieldSummary `json:"fields"`
	TotalCount int            `json:"total_count"`
	Message    string         `json:"message"`
}

// MappingSummary is one planned mapping
type MappingSummary struct {
	Source    string `json:"source_field"`
	Target    string `json:"target_field"`
	Strategy  string `json:"strategy"`
	Option    string `json:"option,omitempty"`
	Transform string `json:"transform,omitempty"`
}

// PlanSummary describes a plan built from a mapping table
type PlanSummary struct {
	PlanID      string           `json:"plan_id"`
	Category    string           `json:"category"`
	Mappings    []MappingSummary `json:"mappings"`
	ResourceIDs []string         `json:"resource_ids,omitempty"`
	DryRun      bool             `json:"dry_run"`
	Excluded    []string         `json:"excluded,omitempty"`
	Warnings    []string         `json:"warnings,omitempty"`
}

// AnalyzePlanOutput represents the output of analyze_plan
type AnalyzePlanOutput struct {
	Plan         PlanSummary               `json:"plan"`
	Report       *migration.ConflictReport `json:"report"`
	HasConflicts bool                      `json:"has_conflicts"`
	Message      string                    `json:"message"`
}

// RecommendStrategyOutput represents the output of recommend_strategy
type RecommendStrategyOutput struct {
	Plan           PlanSummary              `json:"plan"`
	Recommendation migration.Recommendation `json:"recommendation"`
	Message        string                   `json:"message"`
}

// ValidatePlanOutput represents the output of validate_plan
type ValidatePlanOutput struct {
	Valid    bool                        `json:"valid"`
	PlanID   string                      `json:"plan_id,omitempty"`
	Errors   []string                    `json:"errors,omitempty"`
	Warnings []string                    `json:"warnings,omitempty"`
	Issues   []migration.ValidationIssue `json:"issues,omitempty"`
	Stale    string                      `json:"stale,omitempty"`
	Message  string                      `json:"message"`
}

// SuggestFieldsOutput represents the output of suggest_fields
type SuggestFieldsOutput struct {
	Category    string                    `json:"category"`
	Suggestions map[string][]fields.Match `json:"suggestions"`
	Message     string                    `json:"message"`
}

// QueuePlanOutput represents the output of queue_plan
type QueuePlanOutput struct {
	RunID    string   `json:"run_id"`
	PlanID   string   `json:"plan_id"`
	Strategy string   `json:"strategy"`
	DryRun   bool     `json:"dry_run"`
	Warnings []string `json:"warnings,omitempty"`
	Message  string   `json:"message"`
}

// ListRunsOutput represents the output of list_runs
type ListRunsOutput struct {
	Runs       []*models.MigrationRun `json:"runs"`
	TotalCount int                    `json:"total_count"`
	Message    string                 `json:"message"`
}

// OutcomeSummary is one record of a run
type OutcomeSummary struct {
	ResourceID string                     `json:"resource_id"`
	Status     string                     `json:"status"`
	Mappings   []migration.MappingOutcome `json:"mappings,omitempty"`
}

// GetRunOutput represents the output of get_run
type GetRunOutput struct {
	Run      *models.MigrationRun `json:"run"`
	Outcomes []OutcomeSummary     `json:"outcomes,omitempty"`
	Message  string               `json:"message"`
}
