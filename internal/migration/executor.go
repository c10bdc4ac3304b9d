package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kuhlman-labs/crm-field-migrator/internal/codec"
	"github.com/kuhlman-labs/crm-field-migrator/internal/fields"
	"github.com/kuhlman-labs/crm-field-migrator/internal/records"
)

// RunRecorder persists finished executions
type RunRecorder interface {
	RecordRun(ctx context.Context, plan *Plan, result *Result) error
}

// ProgressFunc is called after each record is classified
type ProgressFunc func(done, total int, outcome *RecordOutcome)

// Executor applies migration plans to CRM records
type Executor struct {
	store    records.ReadWriter
	fields   fields.Provider
	applier  *applier
	strict   *codec.Codec
	recorder RunRecorder
	progress ProgressFunc
	logger   *slog.Logger
}

// ExecutorConfig configures the migration executor
type ExecutorConfig struct {
	Store    records.ReadWriter
	Fields   fields.Provider
	Codec    *codec.Codec
	Recorder RunRecorder  // optional
	Progress ProgressFunc // optional
	Logger   *slog.Logger
}

// NewExecutor creates a new migration executor
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if cfg.Fields == nil {
		return nil, fmt.Errorf("field provider is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.New(codec.Options{})
	}
	return &Executor{
		store:    cfg.Store,
		fields:   cfg.Fields,
		applier:  &applier{codec: cfg.Codec},
		strict:   codec.New(codec.Options{}),
		recorder: cfg.Recorder,
		progress: cfg.Progress,
		logger:   cfg.Logger,
	}, nil
}

// run is the state of one Execute call
type run struct {
	plan     *Plan
	bindings []binding
	result   *Result
	total    int
}

// Execute applies plan to its working set. Per-record failures are recorded in
// the result; an error is returned only when a plan precondition fails before
// any write or when ctx ends the run early (the partial result is still returned).
func (e *Executor) Execute(ctx context.Context, plan *Plan, strategy ExecutionStrategy) (*Result, error) {
	return e.execute(ctx, plan, strategy, true)
}

func (e *Executor) execute(ctx context.Context, plan *Plan, strategy ExecutionStrategy, record bool) (*Result, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if errs := plan.unboundTransforms(); len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	bindings, err := e.bind(ctx, plan)
	if err != nil {
		return nil, err
	}

	ids, searches, err := resolveWorkingSet(ctx, e.store, plan, 0)
	if err != nil {
		return nil, err
	}

	chosen := ResolveStrategy(strategy, plan, len(ids))
	r := &run{plan: plan, bindings: bindings, result: newResult(plan, chosen), total: len(ids)}
	r.result.workingSet = ids
	r.result.addCalls(searches)
	if len(ids) == 0 {
		r.result.warn("no records matched the plan's working set")
	}

	e.logger.Info("Starting field migration",
		"plan_id", plan.ID,
		"category", plan.Category,
		"strategy", chosen,
		"resources", len(ids),
		"mappings", len(plan.Mappings),
		"dry_run", plan.DryRun,
		"cleanup_only", plan.CleanupOnly)

	switch chosen {
	case ExecSequential:
		e.runSequential(ctx, r, ids, false)
	case ExecParallel:
		e.runPool(ctx, r, ids, plan.MaxWorkers, false)
	case ExecPutBatch:
		for i, chunk := range chunks(ids, plan.BatchSize) {
			e.runSequential(ctx, r, chunk, true)
			e.logBatch(r, i+1)
		}
	case ExecHybrid:
		e.runHybrid(ctx, r, ids)
	}

	result := r.result
	result.Duration = time.Since(result.StartedAt)

	e.logger.Info("Field migration completed",
		"plan_id", plan.ID,
		"total", result.TotalResources,
		"successful", result.Successful,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"api_calls", result.APICalls,
		"duration", result.Duration)

	if record && e.recorder != nil {
		if err := e.recorder.RecordRun(context.WithoutCancel(ctx), plan, result); err != nil {
			e.logger.Warn("Failed to record migration run", "plan_id", plan.ID, "error", err)
			result.warn(fmt.Sprintf("run history not saved: %v", err))
		}
	}

	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("migration interrupted with %d records remaining: %w", len(result.Remaining()), err)
	}
	return result, nil
}

// bind resolves every mapping's fields. Any missing field or ADD_OPTION into a
// scalar target fails the whole plan before a record is touched.
func (e *Executor) bind(ctx context.Context, plan *Plan) ([]binding, error) {
	bindings := make([]binding, 0, len(plan.Mappings))
	var errs []error
	for i, m := range plan.Mappings {
		source, err := e.fields.Resolve(ctx, m.SourceField, plan.Category)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to resolve source field: %w", err))
		}
		target, terr := e.fields.Resolve(ctx, m.TargetField, plan.Category)
		if terr != nil {
			errs = append(errs, fmt.Errorf("failed to resolve target field: %w", terr))
		}
		if err != nil || terr != nil {
			continue
		}
		if m.Strategy == StrategyAddOption && !target.MultiValue {
			errs = append(errs, fmt.Errorf("%w: ADD_OPTION target %q is %s, not multi-value", ErrInvalidPlan, target.Name, target.Kind))
			continue
		}
		bindings = append(bindings, binding{index: i, m: m, source: source, target: target})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return bindings, nil
}

func (e *Executor) runSequential(ctx context.Context, r *run, ids []string, combined bool) {
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		e.processRecord(ctx, r, id, combined)
	}
}

func (e *Executor) runPool(ctx context.Context, r *run, ids []string, workers int, combined bool) {
	var g errgroup.Group
	g.SetLimit(workers)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() == nil {
				e.processRecord(ctx, r, id, combined)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Executor) runHybrid(ctx context.Context, r *run, ids []string) {
	var g errgroup.Group
	g.SetLimit(r.plan.MaxWorkers)
	for i, chunk := range chunks(ids, r.plan.BatchSize) {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			e.runSequential(ctx, r, chunk, true)
			e.logBatch(r, i+1)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Executor) logBatch(r *run, batch int) {
	r.result.mu.Lock()
	done, ok, failed := r.result.TotalResources, r.result.Successful, r.result.Failed
	r.result.mu.Unlock()
	e.logger.Info("Completed batch",
		"plan_id", r.plan.ID,
		"batch", batch,
		"processed", done,
		"of", r.total,
		"successful", ok,
		"failed", failed)
}

// processRecord fetches one record, runs every mapping in order and writes the
// result, either once per applied mapping or once for the whole record when
// combined is set
func (e *Executor) processRecord(ctx context.Context, r *run, id string, combined bool) {
	raw, err := e.store.Fetch(ctx, id, r.plan.FieldNames())
	r.result.addCalls(1)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.logger.Warn("Failed to fetch record", "resource_id", id, "error", err)
		st := newRecordState(id, nil)
		for _, b := range r.bindings {
			st.record(MappingOutcome{
				Index:       b.index,
				SourceField: b.m.SourceField,
				TargetField: b.m.TargetField,
				Status:      OutcomeFailed,
				Reason:      fmt.Sprintf("failed to fetch record: %v", err),
			})
		}
		st.fail(fmt.Sprintf("record %s: failed to fetch: %v", id, err))
		e.finish(r, st)
		return
	}

	st := newRecordState(id, raw.Values)
	var appliedIdx []int
	for _, b := range r.bindings {
		outcome, values, payloads := e.evaluate(st, b, r.plan)
		idx := st.record(outcome)
		if outcome.Status == OutcomeFailed {
			st.fail(fmt.Sprintf("record %s: %s -> %s: %s", id, b.m.SourceField, b.m.TargetField, outcome.Reason))
			continue
		}
		if outcome.Status != OutcomeApplied {
			continue
		}

		if combined || r.plan.DryRun || len(payloads) == 0 {
			st.commit(values, payloads)
			appliedIdx = append(appliedIdx, idx)
			continue
		}

		if err := e.write(ctx, r, id, payloads); err != nil {
			st.outcome.Mappings[idx].Status = OutcomeFailed
			st.outcome.Mappings[idx].Reason = err.Error()
			st.outcome.Mappings[idx].ClearedSource = false
			st.fail(err.Error())
			continue
		}
		st.commit(values, nil)
	}

	if combined && !r.plan.DryRun && len(st.pending) > 0 {
		if err := e.write(ctx, r, id, st.pending); err != nil {
			for _, idx := range appliedIdx {
				st.outcome.Mappings[idx].Status = OutcomeFailed
				st.outcome.Mappings[idx].Reason = err.Error()
				st.outcome.Mappings[idx].ClearedSource = false
			}
			st.fail(err.Error())
		}
	}

	e.finish(r, st)
}

// evaluate decides one mapping against the record state and encodes its writes.
// Nothing is committed to the state here.
func (e *Executor) evaluate(st *recordState, b binding, plan *Plan) (MappingOutcome, map[string]any, map[string]codec.Payload) {
	outcome := MappingOutcome{Index: b.index, SourceField: b.m.SourceField, TargetField: b.m.TargetField}
	fail := func(err error) (MappingOutcome, map[string]any, map[string]codec.Payload) {
		outcome.Status = OutcomeFailed
		outcome.Reason = err.Error()
		return outcome, nil, nil
	}

	src, err := st.value(b.m.SourceField, func(raw any) (any, error) { return e.applier.codec.Decode(raw, b.source) })
	if err != nil {
		return fail(err)
	}
	dst, err := st.value(b.m.TargetField, func(raw any) (any, error) { return e.applier.codec.Decode(raw, b.target) })
	if err != nil {
		return fail(err)
	}

	decision := e.applier.decide(b, src, dst, plan.CleanupOnly)
	outcome.Status = decision.status
	outcome.Reason = decision.reason
	if decision.status != OutcomeApplied {
		return outcome, nil, nil
	}

	enc := e.applier.codec
	if b.m.ValidationRequired {
		enc = e.strict
	}

	values := make(map[string]any, 2)
	payloads := make(map[string]codec.Payload, 2)
	if decision.writeTarget {
		payload, err := enc.Encode(decision.value, b.target)
		if err != nil {
			return fail(err)
		}
		payloads[b.m.TargetField] = payload
		values[b.m.TargetField] = decision.value
		outcome.NewValue = decision.value
	}
	if decision.clearSource {
		empty := codec.Empty(b.source)
		payload, err := enc.Encode(empty, b.source)
		if err != nil {
			return fail(err)
		}
		payloads[b.m.SourceField] = payload
		values[b.m.SourceField] = empty
		outcome.ClearedSource = true
	}
	return outcome, values, payloads
}

func (e *Executor) write(ctx context.Context, r *run, id string, payloads map[string]codec.Payload) error {
	names := slices.Sorted(maps.Keys(payloads))
	err := e.store.Update(ctx, id, payloads)
	r.result.addCalls(1)
	if err != nil {
		e.logger.Warn("Failed to update record", "resource_id", id, "fields", names, "error", err)
		return &RemoteWriteError{ResourceID: id, Fields: names, Err: err}
	}
	e.logger.Debug("Updated record", "resource_id", id, "fields", names)
	return nil
}

func (e *Executor) finish(r *run, st *recordState) {
	outcome := st.finish()
	done := r.result.add(outcome, st.errors)
	if e.progress != nil {
		e.progress(done, r.total, outcome)
	}
}

// chunks splits ids into consecutive slices of at most size
func chunks(ids []string, size int) [][]string {
	var out [][]string
	for chunk := range slices.Chunk(ids, max(size, 1)) {
		out = append(out, chunk)
	}
	return out
}
