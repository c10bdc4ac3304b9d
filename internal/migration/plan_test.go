package migration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuhlman-labs/crm-field-migrator/internal/fields"
	"github.com/kuhlman-labs/crm-field-migrator/internal/records"
)

func TestNewPlan_Defaults(t *testing.T) {
	plan, err := NewPlan(fields.CategoryAccount, []Mapping{addOptionMapping()})
	require.NoError(t, err)

	assert.NotEmpty(t, plan.ID)
	assert.Equal(t, DefaultBatchSize, plan.BatchSize)
	assert.Equal(t, DefaultMaxWorkers, plan.MaxWorkers)
	assert.False(t, plan.CreatedAt.IsZero())
	assert.False(t, plan.DryRun)
}

func TestPlan_Validate(t *testing.T) {
	valid := Mapping{SourceField: "Old Notes", TargetField: "Notes", Strategy: StrategyReplace}
	tests := []struct {
		name     string
		category fields.Category
		mappings []Mapping
		opts     []PlanOption
		want     string
	}{
		{"missing category", "", []Mapping{valid}, nil, "category is required"},
		{"no mappings", fields.CategoryAccount, nil, nil, "no mappings"},
		{"negative batch", fields.CategoryAccount, []Mapping{valid}, []PlanOption{WithBatchSize(-1)}, "batch size"},
		{"negative workers", fields.CategoryAccount, []Mapping{valid}, []PlanOption{WithMaxWorkers(-2)}, "max workers"},
		{
			"ids and filter", fields.CategoryAccount, []Mapping{valid},
			[]PlanOption{ForResources([]string{"1"}), ForFilter([]records.Condition{{Field: "Notes", Operator: records.OpBlank}})},
			"mutually exclusive",
		},
		{"missing target", fields.CategoryAccount, []Mapping{{SourceField: "Old Notes", Strategy: StrategyReplace}}, nil, "both source and target"},
		{"unknown strategy", fields.CategoryAccount, []Mapping{{SourceField: "a", TargetField: "b", Strategy: "SWAP"}}, nil, "unknown strategy"},
		{"add option without option", fields.CategoryAccount, []Mapping{{SourceField: "a", TargetField: "b", Strategy: StrategyAddOption}}, nil, "requires an option"},
		{"self mapping", fields.CategoryAccount, []Mapping{{SourceField: "a", TargetField: "a", Strategy: StrategyTransform}}, nil, "must preserve it"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPlan(tt.category, tt.mappings, tt.opts...)
			require.ErrorIs(t, err, ErrInvalidPlan)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := NewPlan(fields.CategoryAccount, []Mapping{{SourceField: "a", TargetField: "a", Strategy: StrategyTransform, PreserveSource: true}})
	assert.NoError(t, err, "an in-place transform keeps its source")
}

func TestPlan_CopiesAreIndependent(t *testing.T) {
	plan, err := NewPlan(fields.CategoryAccount, []Mapping{addOptionMapping()},
		ForFilter([]records.Condition{{Field: fieldCanvassing, Operator: records.OpNotBlank}}))
	require.NoError(t, err)

	narrowed := plan.WithResourceIDs([]string{"1", "2"})
	assert.Equal(t, []string{"1", "2"}, narrowed.ResourceIDs)
	assert.Empty(t, narrowed.ResourceFilter)
	assert.NotEmpty(t, plan.ResourceFilter)
	assert.Equal(t, plan.ID, narrowed.ID)

	live := plan.WithDryRun(true)
	assert.True(t, live.DryRun)
	assert.False(t, plan.DryRun)

	live.Mappings[0].Option = "changed"
	assert.Equal(t, optionCanvass, plan.Mappings[0].Option)
}

func TestPlan_FieldNames(t *testing.T) {
	plan, err := NewPlan(fields.CategoryAccount, []Mapping{
		{SourceField: "Old Notes", TargetField: "Notes", Strategy: StrategyReplace},
		{SourceField: "Notes", TargetField: "Archive Notes", Strategy: StrategyReplace},
		{SourceField: "Old Notes", TargetField: "Archive Notes", Strategy: StrategyMerge},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Old Notes", "Notes"}, plan.SourceFields())
	assert.Equal(t, []string{"Old Notes", "Notes", "Archive Notes"}, plan.FieldNames())
	assert.Equal(t, "Old Notes -> Notes (REPLACE)", plan.Mappings[0].String())
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		input   string
		want    Strategy
		wantErr bool
	}{
		{"REPLACE", StrategyReplace, false},
		{"merge", StrategyMerge, false},
		{"add-option", StrategyAddOption, false},
		{" Copy_If_Empty ", StrategyCopyIfEmpty, false},
		{"transform", StrategyTransform, false},
		{"overwrite", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseStrategy(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseExecutionStrategy(t *testing.T) {
	tests := []struct {
		input   string
		want    ExecutionStrategy
		wantErr bool
	}{
		{"", ExecAuto, false},
		{"auto", ExecAuto, false},
		{"Sequential", ExecSequential, false},
		{"parallel", ExecParallel, false},
		{"put-batch", ExecPutBatch, false},
		{"batch", ExecPutBatch, false},
		{"HYBRID", ExecHybrid, false},
		{"turbo", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseExecutionStrategy(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransformRegistry(t *testing.T) {
	r := DefaultTransforms()
	assert.Equal(t, []string{"lowercase", "split_options", "trim", "uppercase", "yes_no"}, r.Names())

	require.NoError(t, r.Register("initials", func(v any) (any, error) { return "JD", nil }))
	require.Error(t, r.Register("initials", func(v any) (any, error) { return nil, nil }), "names are unique")
	require.Error(t, r.Register("", func(v any) (any, error) { return nil, nil }))
	require.Error(t, r.Register("nil_fn", nil))

	_, ok := r.Lookup("initials")
	assert.True(t, ok)
	_, ok = r.Lookup("missing")
	assert.False(t, ok)
}

func TestBuiltinTransforms(t *testing.T) {
	r := DefaultTransforms()
	tests := []struct {
		name  string
		input any
		want  any
	}{
		{"trim", "  padded  ", "padded"},
		{"lowercase", []string{"A", "B"}, []string{"a", "b"}},
		{"uppercase", "mixed Case", "MIXED CASE"},
		{"split_options", "Phone Bank, Yard Signs", []string{"Phone Bank", "Yard Signs"}},
		{"yes_no", "No", false},
		{"yes_no", "Canvassed 2020", true},
		{"yes_no", "", nil},
		{"yes_no", 0.0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, ok := r.Lookup(tt.name)
			require.True(t, ok)
			got, err := fn(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransformRegistry_Bind(t *testing.T) {
	plan, err := NewPlan(fields.CategoryAccount, []Mapping{
		{SourceField: "Old Notes", TargetField: "Notes", Strategy: StrategyTransform, TransformName: "trim"},
		{SourceField: "Legacy Status", TargetField: "Status", Strategy: StrategyTransform, TransformName: "missing"},
		{SourceField: "Legacy Amount", TargetField: "Pledge Amount", Strategy: StrategyTransform},
	})
	require.NoError(t, err)

	_, err = plan.WithTransforms(DefaultTransforms())
	require.ErrorIs(t, err, ErrUnboundTransform)
	assert.Contains(t, err.Error(), `transform "missing"`)
	assert.Contains(t, err.Error(), "Legacy Amount -> Pledge Amount must be rebound")

	plan.Mappings = plan.Mappings[:1]
	bound, err := plan.WithTransforms(DefaultTransforms())
	require.NoError(t, err)
	assert.NotNil(t, bound.Mappings[0].Transform)
	assert.Nil(t, plan.Mappings[0].Transform, "binding returns a copy")

	var nilRegistry *TransformRegistry
	_, err = nilRegistry.Bind(plan)
	require.ErrorIs(t, err, ErrUnboundTransform)
}
