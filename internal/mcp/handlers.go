package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kuhlman-labs/crm-field-migrator/internal/fields"
	"github.com/kuhlman-labs/crm-field-migrator/internal/migration"
	"github.com/kuhlman-labs/crm-field-migrator/internal/models"
	"github.com/kuhlman-labs/crm-field-migrator/internal/storage"
)

func fieldToSummary(d *fields.Descriptor) FieldSummary {
	summary := FieldSummary{
		ID:          d.ID,
		Name:        d.Name,
		DisplayType: d.DisplayType,
		Kind:        d.Kind.String(),
		MultiValue:  d.MultiValue,
	}
	for _, opt := range d.Options {
		summary.Options = append(summary.Options, opt.Name)
	}
	return summary
}

func planToSummary(build *migration.Build) PlanSummary {
	plan := build.Plan
	summary := PlanSummary{
		PlanID:      plan.ID,
		Category:    string(plan.Category),
		ResourceIDs: plan.ResourceIDs,
		DryRun:      plan.DryRun,
		Excluded:    build.Excluded,
		Warnings:    build.Warnings,
	}
	for _, m := range plan.Mappings {
		summary.Mappings = append(summary.Mappings, MappingSummary{
			Source:    m.SourceField,
			Target:    m.TargetField,
			Strategy:  string(m.Strategy),
			Option:    m.Option,
			Transform: m.TransformName,
		})
	}
	return summary
}

// splitIDs parses a comma-separated ID list
func splitIDs(s string) []string {
	var ids []string
	for _, part := range strings.Split(s, ",") {
		if id := strings.TrimSpace(part); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// buildPlan parses the mapping_table argument and plans it
func (s *Server) buildPlan(ctx context.Context, req mcp.CallToolRequest, opts ...migration.PlanOption) (*migration.Build, *mcp.CallToolResult) {
	if s.deps.Planner == nil {
		return nil, mcp.NewToolResultError("planning is not configured")
	}
	raw, err := req.RequireString("mapping_table")
	if err != nil {
		return nil, mcp.NewToolResultError("mapping_table parameter is required")
	}
	table, err := migration.ParseMappingTable([]byte(raw))
	if err != nil {
		return nil, mcp.NewToolResultError(err.Error())
	}
	build, err := s.deps.Planner.BuildFromTable(ctx, table, opts...)
	if err != nil {
		var ambiguous *migration.AmbiguousStrategyError
		if errors.As(err, &ambiguous) {
			return nil, mcp.NewToolResultError(fmt.Sprintf("Cannot choose a strategy: %v. Set \"strategy\" for this mapping explicitly.", err))
		}
		return nil, mcp.NewToolResultError(fmt.Sprintf("Failed to build plan: %v", err))
	}
	return build, nil
}

// importPlan reads the plan_document argument in the requested format
func (s *Server) importPlan(req mcp.CallToolRequest) (*migration.Imported, *mcp.CallToolResult) {
	if s.deps.Serializer == nil {
		return nil, mcp.NewToolResultError("plan serialization is not configured")
	}
	doc, err := req.RequireString("plan_document")
	if err != nil {
		return nil, mcp.NewToolResultError("plan_document parameter is required")
	}
	format, err := migration.ParseFormat(req.GetString("format", string(migration.FormatYAML)))
	if err != nil {
		return nil, mcp.NewToolResultError(err.Error())
	}
	imported, err := s.deps.Serializer.Import(strings.NewReader(doc), format)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("Failed to import plan: %v", err))
	}
	return imported, nil
}

// handleListFields implements the list_fields tool
func (s *Server) handleListFields(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.deps.Fields == nil {
		return mcp.NewToolResultError("field metadata is not configured"), nil
	}
	category := fields.Category(req.GetString("category", string(s.deps.Category)))

	descriptors, err := s.deps.Fields.List(ctx, category)
	if err != nil {
		s.logger.Error("Failed to list fields", "category", category, "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list fields: %v", err)), nil
	}

	summaries := make([]FieldSummary, 0, len(descriptors))
	for _, d := range descriptors {
		summaries = append(summaries, fieldToSummary(d))
	}

	return s.jsonResult(ListFieldsOutput{
		Category:   string(category),
		Fields:     summaries,
		TotalCount: len(summaries),
		Message:    fmt.Sprintf("Found %d custom fields in %s", len(summaries), category),
	})
}

// handleAnalyzePlan implements the analyze_plan tool
func (s *Server) handleAnalyzePlan(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.deps.Analyzer == nil {
		return mcp.NewToolResultError("conflict analysis is not configured"), nil
	}

	var opts []migration.PlanOption
	if ids := splitIDs(req.GetString("resource_ids", "")); len(ids) > 0 {
		opts = append(opts, migration.ForResources(ids))
	}
	build, errResult := s.buildPlan(ctx, req, opts...)
	if errResult != nil {
		return errResult, nil
	}

	report, err := s.deps.Analyzer.Analyze(ctx, build.Plan)
	if err != nil {
		s.logger.Error("Failed to analyze plan", "plan_id", build.Plan.ID, "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("Failed to analyze plan: %v", err)), nil
	}

	message := fmt.Sprintf("No conflicts found in %d scanned records", report.RecordsScanned)
	if report.HasConflicts() {
		message = fmt.Sprintf("Found %d field conflict categories and %d value conflicts in %d scanned records",
			len(report.FieldConflicts), len(report.ValueConflicts), report.RecordsScanned)
	}

	return s.jsonResult(AnalyzePlanOutput{
		Plan:         planToSummary(build),
		Report:       report,
		HasConflicts: report.HasConflicts(),
		Message:      message,
	})
}

// handleRecommendStrategy implements the recommend_strategy tool
func (s *Server) handleRecommendStrategy(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	build, errResult := s.buildPlan(ctx, req)
	if errResult != nil {
		return errResult, nil
	}

	count := req.GetInt("resource_count", -1)
	rec := migration.Recommend(build.Plan, count)

	return s.jsonResult(RecommendStrategyOutput{
		Plan:           planToSummary(build),
		Recommendation: rec,
		Message: fmt.Sprintf("Use %s for %d mappings (about %d API calls)",
			rec.Strategy, rec.MappingCount, rec.EstimatedAPICalls),
	})
}

// handleValidatePlan implements the validate_plan tool
func (s *Server) handleValidatePlan(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	imported, errResult := s.importPlan(req)
	if errResult != nil {
		return errResult, nil
	}

	output := ValidatePlanOutput{
		Valid:    true,
		PlanID:   imported.Plan.ID,
		Warnings: imported.Warnings,
	}
	if imported.Stale != nil {
		output.Stale = imported.Stale.Error()
	}

	if err := s.deps.Serializer.Validate(ctx, imported.Plan); err != nil {
		output.Valid = false
		output.Errors = joinedMessages(err)
	} else if s.deps.Validator != nil {
		report, err := s.deps.Validator.Validate(ctx, imported.Plan)
		if err != nil {
			s.logger.Error("Failed to validate mappings", "plan_id", imported.Plan.ID, "error", err)
			return mcp.NewToolResultError(fmt.Sprintf("Failed to validate mappings: %v", err)), nil
		}
		output.Issues = report.Issues
		output.Valid = report.Valid()
		output.Errors = report.Errors()
		output.Warnings = append(output.Warnings, report.Warnings()...)
	}

	if output.Valid {
		output.Message = fmt.Sprintf("Plan %s is valid: all %d fields resolve", imported.Plan.ID, len(imported.Plan.FieldNames()))
	} else {
		output.Message = fmt.Sprintf("Plan %s is invalid: %d problems", imported.Plan.ID, len(output.Errors))
	}
	return s.jsonResult(output)
}

// handleQueuePlan implements the queue_plan tool
func (s *Server) handleQueuePlan(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.deps.Runs == nil {
		return mcp.NewToolResultError("run history is not configured"), nil
	}
	imported, errResult := s.importPlan(req)
	if errResult != nil {
		return errResult, nil
	}
	plan := imported.Plan

	if err := s.deps.Serializer.Validate(ctx, plan); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Plan is invalid: %s", strings.Join(joinedMessages(err), "; "))), nil
	}
	var mappingWarnings []string
	if s.deps.Validator != nil {
		report, err := s.deps.Validator.Validate(ctx, plan)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to validate mappings: %v", err)), nil
		}
		if !report.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("Plan is invalid: %s", strings.Join(report.Errors(), "; "))), nil
		}
		mappingWarnings = report.Warnings()
	}
	for _, m := range plan.Mappings {
		if m.Strategy == migration.StrategyTransform && m.Transform == nil {
			return mcp.NewToolResultError(fmt.Sprintf("Mapping %s has no bound transform", m)), nil
		}
	}

	strategy, err := migration.ParseExecutionStrategy(req.GetString("strategy", string(migration.ExecAuto)))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if dryRun, ok := req.GetArguments()["dry_run"].(bool); ok {
		plan = plan.WithDryRun(dryRun)
	}

	// the worker reads YAML
	var doc bytes.Buffer
	if err := s.deps.Serializer.Export(plan, &doc, migration.ExportOptions{Format: migration.FormatYAML, NoComments: true}); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to export plan: %v", err)), nil
	}

	run := &models.MigrationRun{
		PlanID:       plan.ID,
		Category:     string(plan.Category),
		Strategy:     string(strategy),
		DryRun:       plan.DryRun,
		CleanupOnly:  plan.CleanupOnly,
		PlanDocument: doc.String(),
	}
	if err := s.deps.Runs.QueueRun(ctx, run); err != nil {
		s.logger.Error("Failed to queue run", "plan_id", plan.ID, "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("Failed to queue plan: %v", err)), nil
	}

	s.logger.Info("Queued plan via MCP", "run_id", run.ID, "plan_id", plan.ID, "dry_run", plan.DryRun)

	mode := "live"
	if plan.DryRun {
		mode = "dry-run"
	}
	warnings := slices.Concat(imported.Warnings, mappingWarnings)
	if imported.Stale != nil {
		warnings = append(warnings, imported.Stale.Error())
	}
	return s.jsonResult(QueuePlanOutput{
		RunID:    run.ID,
		PlanID:   plan.ID,
		Strategy: run.Strategy,
		DryRun:   plan.DryRun,
		Warnings: warnings,
		Message:  fmt.Sprintf("Queued %s run %s", mode, run.ID),
	})
}

// handleSuggestFields implements the suggest_fields tool
func (s *Server) handleSuggestFields(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.deps.Fields == nil {
		return mcp.NewToolResultError("field metadata is not configured"), nil
	}
	names := splitIDs(req.GetString("fields", ""))
	if len(names) == 0 {
		return mcp.NewToolResultError("fields parameter is required"), nil
	}
	category := fields.Category(req.GetString("category", string(s.deps.Category)))
	limit := req.GetInt("limit", fields.MaxSuggestions)

	suggestions, err := fields.SuggestTargets(ctx, s.deps.Fields, category, names, limit)
	if err != nil {
		s.logger.Error("Failed to list fields", "category", category, "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list fields: %v", err)), nil
	}

	found := 0
	for _, matches := range suggestions {
		if len(matches) > 0 {
			found++
		}
	}
	return s.jsonResult(SuggestFieldsOutput{
		Category:    string(category),
		Suggestions: suggestions,
		Message:     fmt.Sprintf("Found similar fields for %d of %d names in %s", found, len(names), category),
	})
}

// handleListRuns implements the list_runs tool
func (s *Server) handleListRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.deps.Runs == nil {
		return mcp.NewToolResultError("run history is not configured"), nil
	}

	limit := req.GetInt("limit", defaultRunLimit)
	if limit <= 0 || limit > maxRunLimit {
		limit = maxRunLimit
	}

	runs, err := s.deps.Runs.ListRuns(ctx, storage.RunFilter{
		Status: req.GetString("status", ""),
		PlanID: req.GetString("plan_id", ""),
		Limit:  limit,
	})
	if err != nil {
		s.logger.Error("Failed to list runs", "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("Failed to query runs: %v", err)), nil
	}
	if runs == nil {
		runs = []*models.MigrationRun{}
	}

	return s.jsonResult(ListRunsOutput{
		Runs:       runs,
		TotalCount: len(runs),
		Message:    fmt.Sprintf("Found %d runs", len(runs)),
	})
}

// handleGetRun implements the get_run tool
func (s *Server) handleGetRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.deps.Runs == nil {
		return mcp.NewToolResultError("run history is not configured"), nil
	}
	id, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id parameter is required"), nil
	}

	run, err := s.deps.Runs.GetRun(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get run: %v", err)), nil
	}
	if run == nil {
		return mcp.NewToolResultError(fmt.Sprintf("Run not found: %s", id)), nil
	}

	output := GetRunOutput{
		Run:     run,
		Message: fmt.Sprintf("Run %s is %s", run.ID, run.Status),
	}

	if req.GetBool("include_outcomes", false) {
		outcomes, err := s.deps.Runs.GetRunOutcomes(ctx, id, req.GetString("outcome_status", ""))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get run outcomes: %v", err)), nil
		}
		for _, o := range outcomes {
			summary := OutcomeSummary{ResourceID: o.ResourceID, Status: o.Status}
			if o.Mappings != nil {
				if err := json.Unmarshal([]byte(*o.Mappings), &summary.Mappings); err != nil {
					s.logger.Warn("Unreadable stored outcome", "run_id", id, "resource_id", o.ResourceID, "error", err)
				}
			}
			output.Outcomes = append(output.Outcomes, summary)
		}
	}

	return s.jsonResult(output)
}

// joinedMessages flattens an errors.Join tree into one message per error
func joinedMessages(err error) []string {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}

// jsonResult creates a JSON tool result
func (s *Server) jsonResult(data any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to format result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}
