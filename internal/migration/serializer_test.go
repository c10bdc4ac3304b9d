package migration

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuhlman-labs/crm-field-migrator/internal/fields"
	"github.com/kuhlman-labs/crm-field-migrator/internal/logging"
	"github.com/kuhlman-labs/crm-field-migrator/internal/records"
)

func newTestSerializer(t *testing.T, provider fields.Provider, now func() time.Time) *Serializer {
	t.Helper()
	s, err := NewSerializer(SerializerConfig{Fields: provider, Now: now, Logger: logging.Discard()})
	require.NoError(t, err)
	return s
}

func reviewPlan(t *testing.T) *Plan {
	t.Helper()
	trim, ok := DefaultTransforms().Lookup("trim")
	require.True(t, ok)
	return mustPlan(t, []Mapping{
		addOptionMapping(),
		{SourceField: "Old Notes", TargetField: "Notes", Strategy: StrategyMerge, Separator: " | ", PreserveSource: true},
		{SourceField: "Legacy Status", TargetField: "Status", Strategy: StrategyTransform, TransformName: "trim", Transform: trim, ValidationRequired: true},
	},
		ForFilter([]records.Condition{{Field: fieldCanvassing, Operator: records.OpNotBlank}}),
		WithBatchSize(25), WithMaxWorkers(4), AsDryRun(true))
}

func assertSamePlan(t *testing.T, want, got *Plan) {
	t.Helper()
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Category, got.Category)
	assert.Equal(t, want.ResourceIDs, got.ResourceIDs)
	assert.Equal(t, want.ResourceFilter, got.ResourceFilter)
	assert.Equal(t, want.BatchSize, got.BatchSize)
	assert.Equal(t, want.MaxWorkers, got.MaxWorkers)
	assert.Equal(t, want.DryRun, got.DryRun)
	assert.Equal(t, want.CleanupOnly, got.CleanupOnly)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
	require.Len(t, got.Mappings, len(want.Mappings))
	for i := range want.Mappings {
		w, g := want.Mappings[i], got.Mappings[i]
		assert.Equal(t, w.SourceField, g.SourceField)
		assert.Equal(t, w.TargetField, g.TargetField)
		assert.Equal(t, w.Strategy, g.Strategy)
		assert.Equal(t, w.Option, g.Option)
		assert.Equal(t, w.TransformName, g.TransformName)
		assert.Equal(t, w.PreserveSource, g.PreserveSource)
		assert.Equal(t, w.ValidationRequired, g.ValidationRequired)
		assert.Equal(t, w.Separator, g.Separator)
		assert.Equal(t, w.Transform != nil, g.Transform != nil)
	}
}

func TestSerializer_RoundTrip(t *testing.T) {
	s := newTestSerializer(t, testFields(), nil)
	for _, format := range []Format{FormatYAML, FormatJSON} {
		t.Run(string(format), func(t *testing.T) {
			plan := reviewPlan(t)
			var buf bytes.Buffer
			require.NoError(t, s.Export(plan, &buf, ExportOptions{Format: format}))

			imported, err := s.Import(&buf, format)
			require.NoError(t, err)
			assertSamePlan(t, plan, imported.Plan)
			assert.Nil(t, imported.Stale)
			assert.Empty(t, imported.Warnings)
		})
	}
}

func TestSerializer_YAMLDocument(t *testing.T) {
	s := newTestSerializer(t, testFields(), nil)
	var buf bytes.Buffer
	report := &ConflictReport{
		FieldConflicts: map[ConflictCategory][]string{ConflictMissingTarget: {"Gone"}},
		ValueConflicts: []ValueConflict{},
	}
	require.NoError(t, s.Export(reviewPlan(t), &buf, ExportOptions{Format: FormatYAML, Conflicts: report}))
	doc := buf.String()

	assert.True(t, strings.HasPrefix(doc, "# CRM custom field migration plan"))
	assert.Contains(t, doc, "review this plan carefully")
	assert.Contains(t, doc, "format_version: 1")
	assert.Contains(t, doc, "tool: fieldmig")
	assert.Contains(t, doc, "mapping_count: 3")
	assert.Contains(t, doc, "has_function: true")
	assert.Contains(t, doc, "must be rebound")
	assert.Contains(t, doc, "missing_target")

	imported, err := s.Import(strings.NewReader(doc), FormatYAML)
	require.NoError(t, err)
	require.NotNil(t, imported.Conflicts)
	assert.Equal(t, []string{"Gone"}, imported.Conflicts.FieldConflicts[ConflictMissingTarget])
}

func TestSerializer_CSV(t *testing.T) {
	s := newTestSerializer(t, testFields(), nil)
	plan := reviewPlan(t)
	var buf bytes.Buffer
	require.NoError(t, s.Export(plan, &buf, ExportOptions{Format: FormatCSV}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, "source_field,target_field,strategy,option,preserve_source,validation_required,separator,has_function,transform,notes", lines[0])
	assert.Contains(t, buf.String(), "# Metadata")

	imported, err := s.Import(&buf, FormatCSV)
	require.NoError(t, err)
	got := imported.Plan
	assert.Equal(t, plan.ID, got.ID)
	assert.Equal(t, fields.CategoryAccount, got.Category)
	assert.True(t, got.DryRun)
	assert.Equal(t, DefaultBatchSize, got.BatchSize)
	require.Len(t, got.Mappings, 3)
	assert.Equal(t, StrategyAddOption, got.Mappings[0].Strategy)
	assert.Equal(t, optionCanvass, got.Mappings[0].Option)
	assert.Equal(t, " | ", got.Mappings[1].Separator)
	assert.True(t, got.Mappings[1].PreserveSource)
	assert.NotNil(t, got.Mappings[2].Transform)
}

func TestSerializer_ImportRejectsUnknownVersion(t *testing.T) {
	s := newTestSerializer(t, testFields(), nil)
	tests := []struct {
		name   string
		doc    string
		format Format
	}{
		{"future yaml", "metadata:\n  format_version: 2\nplan:\n  category: Account\n", FormatYAML},
		{"missing version", `{"plan": {"category": "Account"}}`, FormatJSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Import(strings.NewReader(tt.doc), tt.format)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "format_version")
		})
	}
}

func TestSerializer_ImportRebindsTransforms(t *testing.T) {
	s := newTestSerializer(t, testFields(), nil)
	custom := func(v any) (any, error) { return v, nil }
	plan := mustPlan(t, []Mapping{
		{SourceField: "Old Notes", TargetField: "Notes", Strategy: StrategyTransform, Transform: custom},
		{SourceField: "Legacy Status", TargetField: "Status", Strategy: StrategyTransform, TransformName: "uppercase"},
	})

	var buf bytes.Buffer
	require.NoError(t, s.Export(plan, &buf, ExportOptions{Format: FormatJSON}))
	imported, err := s.Import(&buf, FormatJSON)
	require.NoError(t, err)

	assert.Nil(t, imported.Plan.Mappings[0].Transform, "anonymous functions cannot be restored")
	assert.NotNil(t, imported.Plan.Mappings[1].Transform)
	require.Len(t, imported.Warnings, 1)
	assert.Contains(t, imported.Warnings[0], "Old Notes -> Notes")

	_, err = newTestExecutor(t, records.NewMemoryStore()).Execute(context.Background(), imported.Plan, ExecSequential)
	require.ErrorIs(t, err, ErrUnboundTransform)
}

func TestSerializer_StalePlan(t *testing.T) {
	exported := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := exported
	s := newTestSerializer(t, testFields(), func() time.Time { return clock })

	var buf bytes.Buffer
	require.NoError(t, s.Export(reviewPlan(t), &buf, ExportOptions{Format: FormatYAML}))
	doc := buf.String()

	clock = exported.Add(2 * time.Hour)
	fresh, err := s.Import(strings.NewReader(doc), FormatYAML)
	require.NoError(t, err)
	assert.Nil(t, fresh.Stale)
	assert.True(t, exported.Equal(fresh.ExportedAt))

	clock = exported.Add(30 * time.Hour)
	stale, err := s.Import(strings.NewReader(doc), FormatYAML)
	require.NoError(t, err, "staleness never blocks import")
	require.NotNil(t, stale.Stale)
	assert.Equal(t, 30*time.Hour, stale.Stale.Age)
	assert.Equal(t, DefaultStaleAfter, stale.Stale.Threshold)
	assert.Contains(t, stale.Stale.Error(), "30.0 hours ago")
	assert.NotNil(t, stale.Plan)
}

func TestSerializer_ValidateNamesMissingField(t *testing.T) {
	provider := testFields()
	s := newTestSerializer(t, provider, nil)
	plan := mustPlan(t, []Mapping{
		addOptionMapping(),
		{SourceField: "Old Notes", TargetField: "Notes", Strategy: StrategyReplace},
	})

	var buf bytes.Buffer
	require.NoError(t, s.Export(plan, &buf, ExportOptions{Format: FormatYAML}))
	imported, err := s.Import(&buf, FormatYAML)
	require.NoError(t, err)
	require.NoError(t, s.Validate(context.Background(), imported.Plan))

	provider.Remove(fields.CategoryAccount, "Notes")
	err = s.Validate(context.Background(), imported.Plan)
	require.Error(t, err)
	require.ErrorIs(t, err, fields.ErrFieldNotFound)

	var nf *fields.FieldNotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "Notes", nf.Field)
	assert.NotContains(t, err.Error(), fieldActivities)
}

func TestSerializer_ValidateJoinsEveryMissingField(t *testing.T) {
	provider := testFields()
	provider.Remove(fields.CategoryAccount, "Notes")
	provider.Remove(fields.CategoryAccount, "Old Notes")
	s := newTestSerializer(t, provider, nil)
	plan := mustPlan(t, []Mapping{{SourceField: "Old Notes", TargetField: "Notes", Strategy: StrategyReplace}})

	err := s.Validate(context.Background(), plan)
	require.Error(t, err)
	joined, ok := err.(interface{ Unwrap() []error })
	require.True(t, ok)
	assert.Len(t, joined.Unwrap(), 2)
	assert.Contains(t, err.Error(), `"Old Notes"`)
	assert.Contains(t, err.Error(), `"Notes"`)
}

func TestSerializer_Files(t *testing.T) {
	s := newTestSerializer(t, testFields(), nil)
	plan := reviewPlan(t)
	dir := t.TempDir()

	for _, name := range []string{"plan.yaml", "plan.yml", "nested/plan.json", "plan.csv"} {
		t.Run(name, func(t *testing.T) {
			path, err := s.ExportTo(plan, filepath.Join(dir, name), ExportOptions{})
			require.NoError(t, err)

			imported, err := s.ImportFrom(path)
			require.NoError(t, err)
			assert.Equal(t, plan.ID, imported.Plan.ID)
			assert.Len(t, imported.Plan.Mappings, 3)
		})
	}

	_, err := s.ExportTo(plan, filepath.Join(dir, "plan.txt"), ExportOptions{})
	require.Error(t, err)
	_, err = s.ImportFrom(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestSerializer_Template(t *testing.T) {
	s := newTestSerializer(t, testFields(), nil)
	var buf bytes.Buffer
	require.NoError(t, s.Template(&buf, []string{fieldCanvassing, "Old Notes", "Legacy Status"},
		map[string]string{"Old Notes": "Notes"}))

	out := buf.String()
	assert.Contains(t, out, "# Field mapping template")
	assert.Contains(t, out, TemplateMarker)

	table, err := ParseMappingTable(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, table, 3)
	assert.Equal(t, fieldCanvassing, table[0].Source)
	assert.True(t, table[0].Skip, "unfilled targets are skipped")
	assert.False(t, table[1].Skip)
	assert.Equal(t, "Notes", table[1].Target)
	assert.True(t, table[2].Skip)
}

func TestParseFormat(t *testing.T) {
	for input, want := range map[string]Format{".yaml": FormatYAML, "YML": FormatYAML, ".json": FormatJSON, "csv": FormatCSV} {
		got, err := ParseFormat(input)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat(".xml")
	require.Error(t, err)
}
