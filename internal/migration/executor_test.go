package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuhlman-labs/crm-field-migrator/internal/codec"
	"github.com/kuhlman-labs/crm-field-migrator/internal/fields"
	"github.com/kuhlman-labs/crm-field-migrator/internal/logging"
	"github.com/kuhlman-labs/crm-field-migrator/internal/records"
)

func decodeStored(t *testing.T, store *records.MemoryStore, id, field string) any {
	t.Helper()
	d, err := testFields().Resolve(context.Background(), field, fields.CategoryAccount)
	require.NoError(t, err)
	v, err := codec.New(codec.Options{}).Decode(store.Value(id, field), d)
	require.NoError(t, err)
	return v
}

func TestNewExecutor_Validation(t *testing.T) {
	store := records.NewMemoryStore()
	tests := []struct {
		name string
		cfg  ExecutorConfig
		want string
	}{
		{"missing store", ExecutorConfig{Fields: testFields(), Logger: logging.Discard()}, "record store is required"},
		{"missing fields", ExecutorConfig{Store: store, Logger: logging.Discard()}, "field provider is required"},
		{"missing logger", ExecutorConfig{Store: store, Fields: testFields()}, "logger is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewExecutor(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestExecute_AddOptionDryRun(t *testing.T) {
	store := records.NewMemoryStore()
	store.Put("1001", map[string]any{fieldCanvassing: "Yes", fieldActivities: ""})
	plan := mustPlan(t, []Mapping{addOptionMapping()}, ForResources([]string{"1001"}), AsDryRun(true))

	result, err := newTestExecutor(t, store).Execute(context.Background(), plan, ExecParallel)
	require.NoError(t, err)

	outcome, ok := result.Outcome("1001")
	require.True(t, ok)
	assert.Equal(t, RecordSuccessful, outcome.Status)
	require.Len(t, outcome.Mappings, 1)
	m := outcome.Mappings[0]
	assert.Equal(t, OutcomeApplied, m.Status)
	assert.Equal(t, []string{optionCanvass}, m.NewValue)
	assert.True(t, m.ClearedSource, "source is scheduled for clearing")

	assert.Equal(t, 1, result.Successful)
	assert.True(t, result.DryRun)
	assert.Empty(t, store.Updates(), "dry run never writes")
	assert.Equal(t, "Yes", store.Value("1001", fieldCanvassing))
}

func TestExecute_BlankSourceSkipsWithoutWrite(t *testing.T) {
	store := records.NewMemoryStore()
	store.Put("1002", map[string]any{fieldCanvassing: "", fieldActivities: ""})
	plan := mustPlan(t, []Mapping{addOptionMapping()}, ForResources([]string{"1002"}), AsDryRun(false))

	result, err := newTestExecutor(t, store).Execute(context.Background(), plan, ExecSequential)
	require.NoError(t, err)

	outcome, ok := result.Outcome("1002")
	require.True(t, ok)
	assert.Equal(t, RecordSkipped, outcome.Status)
	assert.Equal(t, OutcomeSkipped, outcome.Mappings[0].Status)
	assert.Equal(t, ReasonEmptySource, outcome.Mappings[0].Reason)
	assert.Equal(t, 1, result.Skipped)
	assert.Empty(t, store.Updates())
}

func TestExecute_AddOptionWritesAndClearsSource(t *testing.T) {
	store := records.NewMemoryStore()
	store.Put("1003", map[string]any{fieldCanvassing: "Yes", fieldActivities: "Phone Bank"})
	plan := mustPlan(t, []Mapping{addOptionMapping()}, ForResources([]string{"1003"}), AsDryRun(false))

	result, err := newTestExecutor(t, store).Execute(context.Background(), plan, ExecSequential)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Successful)

	updates := store.Updates()
	require.Len(t, updates, 1)
	assert.Contains(t, updates[0].Values, fieldActivities)
	assert.Contains(t, updates[0].Values, fieldCanvassing, "source clear shares the target write")

	assert.Equal(t, []string{"Phone Bank", optionCanvass}, decodeStored(t, store, "1003", fieldActivities))
	assert.Nil(t, decodeStored(t, store, "1003", fieldCanvassing))
	assert.Equal(t, 2, result.APICalls, "one fetch and one update")
}

func TestExecute_AddOptionIdempotent(t *testing.T) {
	store := records.NewMemoryStore()
	store.Put("1004", map[string]any{fieldCanvassing: "Yes", fieldActivities: "Yard Signs"})
	m := addOptionMapping()
	m.PreserveSource = true
	plan := mustPlan(t, []Mapping{m}, ForResources([]string{"1004"}), AsDryRun(false))
	e := newTestExecutor(t, store)

	first, err := e.Execute(context.Background(), plan, ExecSequential)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Successful)
	once := decodeStored(t, store, "1004", fieldActivities)

	second, err := e.Execute(context.Background(), plan, ExecSequential)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Skipped)
	outcome, _ := second.Outcome("1004")
	assert.Equal(t, ReasonOptionPresent, outcome.Mappings[0].Reason)

	assert.Equal(t, once, decodeStored(t, store, "1004", fieldActivities))
	assert.Len(t, store.Updates(), 1)
}

func TestExecute_AddOptionMatchesOptionCaseInsensitively(t *testing.T) {
	store := records.NewMemoryStore()
	store.Put("1005", map[string]any{fieldCanvassing: "Yes", fieldActivities: "canvassing/literature drop|Phone Bank"})
	plan := mustPlan(t, []Mapping{addOptionMapping()}, ForResources([]string{"1005"}), AsDryRun(false))

	result, err := newTestExecutor(t, store).Execute(context.Background(), plan, ExecSequential)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	outcome, _ := result.Outcome("1005")
	assert.Equal(t, ReasonOptionPresent, outcome.Mappings[0].Reason)
	assert.Empty(t, store.Updates())
}

func TestExecute_SeveralOptionsIntoSingleSelectFails(t *testing.T) {
	store := records.NewMemoryStore()
	store.Put("1006", map[string]any{"Legacy Activities": "Phone Bank|Yard Signs"})
	plan := mustPlan(t, []Mapping{
		{SourceField: "Legacy Activities", TargetField: "Status", Strategy: StrategyReplace},
	}, ForResources([]string{"1006"}), AsDryRun(false))

	result, err := newTestExecutor(t, store).Execute(context.Background(), plan, ExecSequential)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	outcome, _ := result.Outcome("1006")
	require.Len(t, outcome.Mappings, 1)
	assert.Equal(t, OutcomeFailed, outcome.Mappings[0].Status)
	assert.False(t, outcome.Mappings[0].ClearedSource)
	assert.Contains(t, outcome.Mappings[0].Reason, "single-value")

	assert.Empty(t, store.Updates())
	assert.Equal(t, []string{"Phone Bank", "Yard Signs"}, decodeStored(t, store, "1006", "Legacy Activities"))
}

func TestExecute_PutBatchSequencesMappingsInMemory(t *testing.T) {
	store := records.NewMemoryStore()
	store.Put("2001", map[string]any{"Old Notes": "met at the fair", "Notes": "", "Archive Notes": ""})
	plan := mustPlan(t, []Mapping{
		{SourceField: "Old Notes", TargetField: "Notes", Strategy: StrategyReplace},
		{SourceField: "Notes", TargetField: "Archive Notes", Strategy: StrategyReplace, PreserveSource: true},
	}, ForResources([]string{"2001"}), AsDryRun(false))

	result, err := newTestExecutor(t, store).Execute(context.Background(), plan, ExecPutBatch)
	require.NoError(t, err)
	assert.Equal(t, ExecPutBatch, result.Strategy)

	outcome, _ := result.Outcome("2001")
	require.Len(t, outcome.Mappings, 2)
	assert.Equal(t, OutcomeApplied, outcome.Mappings[0].Status)
	assert.Equal(t, OutcomeApplied, outcome.Mappings[1].Status)
	assert.Equal(t, "met at the fair", outcome.Mappings[1].NewValue)

	updates := store.Updates()
	require.Len(t, updates, 1, "put_batch issues one write per record")
	assert.Len(t, updates[0].Values, 3)

	assert.Equal(t, "met at the fair", decodeStored(t, store, "2001", "Archive Notes"))
	assert.Equal(t, "met at the fair", decodeStored(t, store, "2001", "Notes"))
	assert.Nil(t, decodeStored(t, store, "2001", "Old Notes"))
}

func TestExecute_SameTargetAppliesLeftToRight(t *testing.T) {
	store := records.NewMemoryStore()
	store.Put("2002", map[string]any{"Old Notes": "first", "Legacy Status": "second", "Notes": ""})
	plan := mustPlan(t, []Mapping{
		{SourceField: "Old Notes", TargetField: "Notes", Strategy: StrategyReplace, PreserveSource: true},
		{SourceField: "Legacy Status", TargetField: "Notes", Strategy: StrategyMerge, PreserveSource: true, Separator: "; "},
	}, ForResources([]string{"2002"}), AsDryRun(false))

	_, err := newTestExecutor(t, store).Execute(context.Background(), plan, ExecPutBatch)
	require.NoError(t, err)
	assert.Equal(t, "first; second", decodeStored(t, store, "2002", "Notes"))
}

func TestExecute_CopyIfEmptySkipsOccupiedTarget(t *testing.T) {
	store := records.NewMemoryStore()
	store.Put("3001", map[string]any{"Legacy Status": "Active", "Status": "Lapsed"})
	plan := mustPlan(t, []Mapping{
		{SourceField: "Legacy Status", TargetField: "Status", Strategy: StrategyCopyIfEmpty},
	}, ForResources([]string{"3001"}), AsDryRun(false))

	result, err := newTestExecutor(t, store).Execute(context.Background(), plan, ExecSequential)
	require.NoError(t, err)

	outcome, _ := result.Outcome("3001")
	assert.Equal(t, RecordSkipped, outcome.Status)
	assert.Equal(t, ReasonTargetOccupied, outcome.Mappings[0].Reason)
	assert.Zero(t, result.Failed)
	assert.Empty(t, result.Errors)
	assert.Empty(t, store.Updates())
}

func TestExecute_StrategySemantics(t *testing.T) {
	stripCurrency := func(v any) (any, error) {
		return strings.TrimPrefix(codec.Stringify(v), "USD "), nil
	}
	suppress := func(any) (any, error) { return nil, nil }

	tests := []struct {
		name       string
		mapping    Mapping
		values     map[string]any
		wantStatus OutcomeStatus
		wantReason string
		wantValue  any
	}{
		{
			name:       "replace overwrites target",
			mapping:    Mapping{SourceField: "Old Notes", TargetField: "Notes", Strategy: StrategyReplace},
			values:     map[string]any{"Old Notes": "new", "Notes": "old"},
			wantStatus: OutcomeApplied,
			wantValue:  "new",
		},
		{
			name:       "replace skips equal target",
			mapping:    Mapping{SourceField: "Old Notes", TargetField: "Notes", Strategy: StrategyReplace},
			values:     map[string]any{"Old Notes": "same", "Notes": "same"},
			wantStatus: OutcomeSkipped,
			wantReason: ReasonAlreadyApplied,
		},
		{
			name:       "merge appends text",
			mapping:    Mapping{SourceField: "Old Notes", TargetField: "Notes", Strategy: StrategyMerge},
			values:     map[string]any{"Old Notes": "b", "Notes": "a"},
			wantStatus: OutcomeApplied,
			wantValue:  "a, b",
		},
		{
			name:       "merge unions options",
			mapping:    Mapping{SourceField: "Legacy Activities", TargetField: fieldActivities, Strategy: StrategyMerge},
			values:     map[string]any{"Legacy Activities": "Phone Bank|Yard Signs", fieldActivities: "Yard Signs"},
			wantStatus: OutcomeApplied,
			wantValue:  []string{"Yard Signs", "Phone Bank"},
		},
		{
			name:       "merge skips contained options",
			mapping:    Mapping{SourceField: "Legacy Activities", TargetField: fieldActivities, Strategy: StrategyMerge},
			values:     map[string]any{"Legacy Activities": "Yard Signs", fieldActivities: "Phone Bank|Yard Signs"},
			wantStatus: OutcomeSkipped,
			wantReason: ReasonAlreadyApplied,
		},
		{
			name:       "copy if empty fills blank target",
			mapping:    Mapping{SourceField: "Legacy Amount", TargetField: "Pledge Amount", Strategy: StrategyCopyIfEmpty},
			values:     map[string]any{"Legacy Amount": "1,250.456"},
			wantStatus: OutcomeApplied,
			wantValue:  1250.46,
		},
		{
			name:       "coercion failure fails the mapping",
			mapping:    Mapping{SourceField: "Legacy Amount", TargetField: "Pledge Amount", Strategy: StrategyReplace},
			values:     map[string]any{"Legacy Amount": "about fifty"},
			wantStatus: OutcomeFailed,
		},
		{
			name:       "transform result is decoded for target",
			mapping:    Mapping{SourceField: "Legacy Amount", TargetField: "Pledge Amount", Strategy: StrategyTransform, Transform: stripCurrency},
			values:     map[string]any{"Legacy Amount": "USD 12.5"},
			wantStatus: OutcomeApplied,
			wantValue:  12.5,
		},
		{
			name:       "transform returning nil skips",
			mapping:    Mapping{SourceField: "Legacy Amount", TargetField: "Pledge Amount", Strategy: StrategyTransform, Transform: suppress},
			values:     map[string]any{"Legacy Amount": "12"},
			wantStatus: OutcomeSkipped,
			wantReason: ReasonTransformSuppressed,
		},
		{
			name: "transform error fails the mapping",
			mapping: Mapping{SourceField: "Legacy Amount", TargetField: "Pledge Amount", Strategy: StrategyTransform,
				Transform: func(any) (any, error) { return nil, errors.New("bad input") }},
			values:     map[string]any{"Legacy Amount": "12"},
			wantStatus: OutcomeFailed,
			wantReason: "bad input",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := records.NewMemoryStore()
			store.Put("r1", tt.values)
			plan := mustPlan(t, []Mapping{tt.mapping}, ForResources([]string{"r1"}), AsDryRun(true))

			result, err := newTestExecutor(t, store).Execute(context.Background(), plan, ExecSequential)
			require.NoError(t, err)
			require.True(t, result.Consistent())

			outcome, ok := result.Outcome("r1")
			require.True(t, ok)
			m := outcome.Mappings[0]
			assert.Equal(t, tt.wantStatus, m.Status, m.Reason)
			if tt.wantReason != "" {
				assert.Contains(t, m.Reason, tt.wantReason)
			}
			if tt.wantValue != nil {
				assert.Equal(t, tt.wantValue, m.NewValue)
			}
		})
	}
}

func TestExecute_ValidationRequiredRejectsUnknownOption(t *testing.T) {
	store := records.NewMemoryStore()
	store.Put("4001", map[string]any{"Legacy Status": "Retired", "Status": ""})
	freeText := func(cfg *ExecutorConfig) { cfg.Codec = codec.New(codec.Options{AllowFreeText: true}) }

	tests := []struct {
		name       string
		validation bool
		want       OutcomeStatus
	}{
		{"free text allowed", false, OutcomeApplied},
		{"validation required", true, OutcomeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := mustPlan(t, []Mapping{{
				SourceField:        "Legacy Status",
				TargetField:        "Status",
				Strategy:           StrategyReplace,
				ValidationRequired: tt.validation,
			}}, ForResources([]string{"4001"}), AsDryRun(true))

			result, err := newTestExecutor(t, store, freeText).Execute(context.Background(), plan, ExecSequential)
			require.NoError(t, err)
			outcome, _ := result.Outcome("4001")
			assert.Equal(t, tt.want, outcome.Mappings[0].Status)
			if tt.validation {
				assert.Contains(t, outcome.Mappings[0].Reason, "Retired")
			}
		})
	}
}

func TestExecute_WriteFailureIsIsolated(t *testing.T) {
	for _, strategy := range []ExecutionStrategy{ExecSequential, ExecParallel, ExecPutBatch, ExecHybrid} {
		t.Run(string(strategy), func(t *testing.T) {
			store := records.NewMemoryStore()
			store.Put("ok", map[string]any{"Old Notes": "x", "Legacy Status": "Active"})
			store.Put("bad", map[string]any{"Old Notes": "y", "Legacy Status": "Lapsed"})
			store.FailUpdates("bad", errors.New("503 from CRM"))

			plan := mustPlan(t, []Mapping{
				{SourceField: "Old Notes", TargetField: "Notes", Strategy: StrategyReplace},
				{SourceField: "Legacy Status", TargetField: "Status", Strategy: StrategyReplace},
			}, ForResources([]string{"ok", "bad"}), AsDryRun(false), WithBatchSize(1))

			result, err := newTestExecutor(t, store).Execute(context.Background(), plan, strategy)
			require.NoError(t, err)

			assert.Equal(t, 2, result.TotalResources)
			assert.Equal(t, 1, result.Successful)
			assert.Equal(t, 1, result.Failed)
			assert.True(t, result.Consistent())
			assert.Equal(t, []string{"bad"}, result.FailedIDs())
			require.NotEmpty(t, result.Errors)
			assert.Contains(t, result.Errors[0], "failed to write record bad")

			bad, _ := result.Outcome("bad")
			for _, m := range bad.Mappings {
				assert.Equal(t, OutcomeFailed, m.Status)
				assert.False(t, m.ClearedSource)
			}
			assert.Equal(t, "Active", decodeStored(t, store, "ok", "Status"))
		})
	}
}

func TestExecute_APICallAccounting(t *testing.T) {
	tests := []struct {
		strategy ExecutionStrategy
		updates  int
	}{
		{ExecSequential, 2},
		{ExecPutBatch, 1},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			store := records.NewMemoryStore()
			store.Put("5001", map[string]any{"Old Notes": "x", "Legacy Status": "Active"})
			plan := mustPlan(t, []Mapping{
				{SourceField: "Old Notes", TargetField: "Notes", Strategy: StrategyReplace},
				{SourceField: "Legacy Status", TargetField: "Status", Strategy: StrategyReplace},
			}, ForResources([]string{"5001"}), AsDryRun(false))

			result, err := newTestExecutor(t, store).Execute(context.Background(), plan, tt.strategy)
			require.NoError(t, err)
			assert.Len(t, store.Updates(), tt.updates)
			assert.Equal(t, 1+tt.updates, result.APICalls)
		})
	}
}

func TestExecute_AggregateInvariant(t *testing.T) {
	store := records.NewMemoryStore()
	var ids []string
	for i := range 12 {
		id := fmt.Sprintf("agg-%02d", i)
		ids = append(ids, id)
		switch i % 3 {
		case 0:
			store.Put(id, map[string]any{fieldCanvassing: "Yes"})
		case 1:
			store.Put(id, map[string]any{fieldCanvassing: ""})
		default:
			store.Put(id, map[string]any{fieldCanvassing: "Yes", fieldActivities: optionCanvass})
		}
	}
	ids = append(ids, "agg-missing")

	for _, strategy := range []ExecutionStrategy{ExecSequential, ExecParallel, ExecPutBatch, ExecHybrid} {
		t.Run(string(strategy), func(t *testing.T) {
			plan := mustPlan(t, []Mapping{addOptionMapping()},
				ForResources(ids), AsDryRun(true), WithBatchSize(4), WithMaxWorkers(3))
			result, err := newTestExecutor(t, store).Execute(context.Background(), plan, strategy)
			require.NoError(t, err)

			assert.Equal(t, len(ids), result.TotalResources)
			assert.Equal(t, result.TotalResources, result.Successful+result.Failed+result.Skipped)
			assert.Equal(t, 4, result.Successful)
			assert.Equal(t, 8, result.Skipped)
			assert.Equal(t, 1, result.Failed, "unknown record fails its fetch")
			assert.Empty(t, result.Remaining())
		})
	}
}

func TestExecute_Preconditions(t *testing.T) {
	store := records.NewMemoryStore()
	store.Put("6001", map[string]any{"Old Notes": "x"})

	tests := []struct {
		name    string
		mapping Mapping
		check   func(t *testing.T, err error)
	}{
		{
			name:    "unbound transform",
			mapping: Mapping{SourceField: "Old Notes", TargetField: "Notes", Strategy: StrategyTransform, TransformName: "title_case"},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrUnboundTransform)
				var ute *UnboundTransformError
				require.ErrorAs(t, err, &ute)
				assert.Equal(t, "title_case", ute.Name)
			},
		},
		{
			name:    "missing target field",
			mapping: Mapping{SourceField: "Old Notes", TargetField: "Nickname", Strategy: StrategyReplace},
			check: func(t *testing.T, err error) {
				var nf *fields.FieldNotFoundError
				require.ErrorAs(t, err, &nf)
				assert.Equal(t, "Nickname", nf.Field)
			},
		},
		{
			name:    "add option into scalar target",
			mapping: Mapping{SourceField: "Old Notes", TargetField: "Notes", Strategy: StrategyAddOption, Option: "x"},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrInvalidPlan)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := mustPlan(t, []Mapping{tt.mapping}, ForResources([]string{"6001"}), AsDryRun(false))
			result, err := newTestExecutor(t, store).Execute(context.Background(), plan, ExecSequential)
			require.Error(t, err)
			assert.Nil(t, result)
			tt.check(t, err)
		})
	}

	fetch, _, updates := store.Calls()
	assert.Zero(t, fetch, "no record is touched before preconditions pass")
	assert.Zero(t, updates)
}

func TestExecute_CleanupOnly(t *testing.T) {
	store := records.NewMemoryStore()
	store.Put("7001", map[string]any{fieldCanvassing: "Yes", fieldActivities: optionCanvass})
	store.Put("7002", map[string]any{fieldCanvassing: "Yes", fieldActivities: "Phone Bank"})
	store.Put("7003", map[string]any{fieldCanvassing: ""})
	plan := mustPlan(t, []Mapping{addOptionMapping()},
		ForResources([]string{"7001", "7002", "7003"}), AsDryRun(false), AsCleanupOnly(true))

	result, err := newTestExecutor(t, store).Execute(context.Background(), plan, ExecSequential)
	require.NoError(t, err)
	assert.True(t, result.CleanupOnly)

	cleared, _ := result.Outcome("7001")
	assert.Equal(t, RecordSuccessful, cleared.Status)
	assert.True(t, cleared.Mappings[0].ClearedSource)
	assert.Nil(t, cleared.Mappings[0].NewValue, "cleanup never writes the target")

	mismatch, _ := result.Outcome("7002")
	assert.Equal(t, ReasonTargetMismatch, mismatch.Mappings[0].Reason)

	empty, _ := result.Outcome("7003")
	assert.Equal(t, ReasonEmptySource, empty.Mappings[0].Reason)

	updates := store.Updates()
	require.Len(t, updates, 1)
	assert.Equal(t, "7001", updates[0].ID)
	assert.Len(t, updates[0].Values, 1)
	assert.Contains(t, updates[0].Values, fieldCanvassing)
	assert.Equal(t, []string{optionCanvass}, decodeStored(t, store, "7001", fieldActivities))
}

func TestExecute_CleanupOnlyHonorsPreserveSource(t *testing.T) {
	store := records.NewMemoryStore()
	store.Put("7101", map[string]any{fieldCanvassing: "Yes", fieldActivities: optionCanvass})
	m := addOptionMapping()
	m.PreserveSource = true
	plan := mustPlan(t, []Mapping{m}, ForResources([]string{"7101"}), AsDryRun(false), AsCleanupOnly(true))

	result, err := newTestExecutor(t, store).Execute(context.Background(), plan, ExecSequential)
	require.NoError(t, err)
	outcome, _ := result.Outcome("7101")
	assert.Equal(t, ReasonSourcePreserved, outcome.Mappings[0].Reason)
	assert.Empty(t, store.Updates())
}

func TestExecute_WorkingSetFromSearch(t *testing.T) {
	store := records.NewMemoryStore()
	store.Put("8001", map[string]any{fieldCanvassing: "Yes"})
	store.Put("8002", map[string]any{fieldCanvassing: ""})
	store.Put("8003", map[string]any{fieldCanvassing: "yes please"})

	t.Run("not blank source", func(t *testing.T) {
		plan := mustPlan(t, []Mapping{addOptionMapping()}, AsDryRun(true))
		result, err := newTestExecutor(t, store).Execute(context.Background(), plan, ExecSequential)
		require.NoError(t, err)
		assert.Equal(t, 2, result.TotalResources)
		_, found := result.Outcome("8002")
		assert.False(t, found)
		assert.Equal(t, 3, result.APICalls, "one search and two fetches")
	})

	t.Run("explicit filter", func(t *testing.T) {
		plan := mustPlan(t, []Mapping{addOptionMapping()}, AsDryRun(true),
			ForFilter([]records.Condition{{Field: fieldCanvassing, Operator: records.OpEqual, Value: "Yes"}}))
		result, err := newTestExecutor(t, store).Execute(context.Background(), plan, ExecSequential)
		require.NoError(t, err)
		assert.Equal(t, 1, result.TotalResources)
		_, found := result.Outcome("8001")
		assert.True(t, found)
	})

	t.Run("empty working set warns", func(t *testing.T) {
		plan := mustPlan(t, []Mapping{addOptionMapping()}, AsDryRun(true),
			ForFilter([]records.Condition{{Field: fieldCanvassing, Operator: records.OpEqual, Value: "Never"}}))
		result, err := newTestExecutor(t, store).Execute(context.Background(), plan, ExecAuto)
		require.NoError(t, err)
		assert.Zero(t, result.TotalResources)
		assert.NotEmpty(t, result.Warnings)
	})

	t.Run("search failure", func(t *testing.T) {
		plan := mustPlan(t, []Mapping{addOptionMapping()}, AsDryRun(true))
		e := newTestExecutor(t, &failingSearchStore{MemoryStore: store})
		_, err := e.Execute(context.Background(), plan, ExecSequential)
		require.ErrorIs(t, err, errSearchDown)
	})
}

func TestExecute_DuplicateIDsProcessedOnce(t *testing.T) {
	store := records.NewMemoryStore()
	store.Put("8101", map[string]any{fieldCanvassing: "Yes"})
	plan := mustPlan(t, []Mapping{addOptionMapping()}, ForResources([]string{"8101", "8101"}), AsDryRun(true))

	result, err := newTestExecutor(t, store).Execute(context.Background(), plan, ExecParallel)
	require.NoError(t, err)
	assert.Equal(t, 1, result.TotalResources)
}

func TestExecute_AutoSelectsStrategy(t *testing.T) {
	store := records.NewMemoryStore()
	store.Put("8201", map[string]any{fieldCanvassing: "Yes"})
	plan := mustPlan(t, []Mapping{addOptionMapping()}, ForResources([]string{"8201"}), AsDryRun(true))

	result, err := newTestExecutor(t, store).Execute(context.Background(), plan, ExecAuto)
	require.NoError(t, err)
	assert.Equal(t, ExecParallel, result.Strategy)
}

func TestExecute_CancellationLeavesRemaining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mem := records.NewMemoryStore()
	ids := []string{"9001", "9002", "9003", "9004", "9005"}
	for _, id := range ids {
		mem.Put(id, map[string]any{fieldCanvassing: "Yes"})
	}
	store := &cancellingStore{MemoryStore: mem, after: 2, cancel: cancel}
	recorder := &fakeRecorder{}
	plan := mustPlan(t, []Mapping{addOptionMapping()}, ForResources(ids), AsDryRun(true))

	e := newTestExecutor(t, store, func(cfg *ExecutorConfig) { cfg.Recorder = recorder })
	result, err := e.Execute(ctx, plan, ExecSequential)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result)

	assert.Equal(t, 2, result.TotalResources)
	assert.Equal(t, []string{"9003", "9004", "9005"}, result.Remaining())
	assert.True(t, result.Consistent())

	require.Len(t, recorder.runs, 1, "partial runs are still recorded")
	assert.NoError(t, recorder.ctxErrs[0])

	resumed, err := newTestExecutor(t, mem).Execute(context.Background(), plan.WithResourceIDs(result.Remaining()), ExecSequential)
	require.NoError(t, err)
	assert.Equal(t, 3, resumed.TotalResources)
}

func TestExecute_RecorderAndProgress(t *testing.T) {
	store := records.NewMemoryStore()
	store.Put("9101", map[string]any{fieldCanvassing: "Yes"})
	store.Put("9102", map[string]any{fieldCanvassing: "Yes"})
	plan := mustPlan(t, []Mapping{addOptionMapping()}, ForResources([]string{"9101", "9102"}), AsDryRun(true))

	var mu sync.Mutex
	var seen []int
	recorder := &fakeRecorder{err: errors.New("database is locked")}
	e := newTestExecutor(t, store, func(cfg *ExecutorConfig) {
		cfg.Recorder = recorder
		cfg.Progress = func(done, total int, outcome *RecordOutcome) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, 2, total)
			assert.NotNil(t, outcome)
			seen = append(seen, done)
		}
	})

	result, err := e.Execute(context.Background(), plan, ExecParallel)
	require.NoError(t, err, "recorder failures never fail the run")
	assert.ElementsMatch(t, []int{1, 2}, seen)
	require.Len(t, recorder.runs, 1)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[len(result.Warnings)-1], "run history not saved")
}
