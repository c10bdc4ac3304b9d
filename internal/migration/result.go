package migration

import (
	"slices"
	"sync"
	"time"
)

// OutcomeStatus is what happened to one mapping on one record
type OutcomeStatus string

const (
	OutcomeApplied OutcomeStatus = "applied"
	OutcomeSkipped OutcomeStatus = "skipped"
	OutcomeFailed  OutcomeStatus = "failed"
)

// RecordStatus classifies a record after every mapping ran
type RecordStatus string

const (
	RecordSuccessful RecordStatus = "successful"
	RecordFailed     RecordStatus = "failed"
	RecordSkipped    RecordStatus = "skipped"
)

// MappingOutcome is the per-mapping result for one record
type MappingOutcome struct {
	Index         int           `json:"index"`
	SourceField   string        `json:"source_field"`
	TargetField   string        `json:"target_field"`
	Status        OutcomeStatus `json:"status"`
	Reason        string        `json:"reason,omitempty"`
	NewValue      any           `json:"new_value,omitempty"`
	ClearedSource bool          `json:"cleared_source,omitempty"`
}

// RecordOutcome holds every mapping outcome of one record in plan order
type RecordOutcome struct {
	ResourceID string           `json:"resource_id"`
	Status     RecordStatus     `json:"status"`
	Mappings   []MappingOutcome `json:"mappings"`
}

// classify derives the record status: failed if any mapping failed, successful
// if at least one applied, skipped otherwise
func (o *RecordOutcome) classify() {
	applied := false
	for _, m := range o.Mappings {
		switch m.Status {
		case OutcomeFailed:
			o.Status = RecordFailed
			return
		case OutcomeApplied:
			applied = true
		}
	}
	if applied {
		o.Status = RecordSuccessful
	} else {
		o.Status = RecordSkipped
	}
}

// Result aggregates an execution. It is safe for concurrent recording.
type Result struct {
	PlanID         string                    `json:"plan_id"`
	Strategy       ExecutionStrategy         `json:"strategy"`
	DryRun         bool                      `json:"dry_run"`
	CleanupOnly    bool                      `json:"cleanup_only"`
	TotalResources int                       `json:"total_resources"`
	Successful     int                       `json:"successful_migrations"`
	Failed         int                       `json:"failed_migrations"`
	Skipped        int                       `json:"skipped_migrations"`
	Errors         []string                  `json:"errors"`
	Warnings       []string                  `json:"warnings"`
	Details        map[string]*RecordOutcome `json:"detailed_results"`
	APICalls       int                       `json:"api_calls"`
	StartedAt      time.Time                 `json:"started_at"`
	Duration       time.Duration             `json:"duration"`

	mu         sync.Mutex
	workingSet []string
}

func newResult(plan *Plan, strategy ExecutionStrategy) *Result {
	return &Result{
		PlanID:      plan.ID,
		Strategy:    strategy,
		DryRun:      plan.DryRun,
		CleanupOnly: plan.CleanupOnly,
		Errors:      []string{},
		Warnings:    []string{},
		Details:     make(map[string]*RecordOutcome),
		StartedAt:   time.Now().UTC(),
	}
}

// add records one outcome and returns the number of records processed so far
func (r *Result) add(outcome *RecordOutcome, errs []string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Details[outcome.ResourceID] = outcome
	r.TotalResources++
	switch outcome.Status {
	case RecordSuccessful:
		r.Successful++
	case RecordFailed:
		r.Failed++
	default:
		r.Skipped++
	}
	r.Errors = append(r.Errors, errs...)
	return r.TotalResources
}

func (r *Result) warn(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Warnings = append(r.Warnings, msg)
}

func (r *Result) addCalls(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.APICalls += n
}

// Outcome returns the recorded outcome of one record
func (r *Result) Outcome(id string) (*RecordOutcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.Details[id]
	return o, ok
}

// Remaining lists working-set records that were never processed, in order.
// A plan narrowed to these IDs resumes an interrupted run.
func (r *Result) Remaining() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, id := range r.workingSet {
		if _, done := r.Details[id]; !done {
			out = append(out, id)
		}
	}
	return out
}

// FailedIDs lists records classified failed, sorted
func (r *Result) FailedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, o := range r.Details {
		if o.Status == RecordFailed {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Consistent reports whether the counts add up to the total
func (r *Result) Consistent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.TotalResources == r.Successful+r.Failed+r.Skipped
}
