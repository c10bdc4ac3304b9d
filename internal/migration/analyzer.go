package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/kuhlman-labs/crm-field-migrator/internal/codec"
	"github.com/kuhlman-labs/crm-field-migrator/internal/fields"
	"github.com/kuhlman-labs/crm-field-migrator/internal/records"
)

// ConflictCategory groups field-level problems found during analysis
type ConflictCategory string

const (
	ConflictMissingSource ConflictCategory = "missing_source"
	ConflictMissingTarget ConflictCategory = "missing_target"
	ConflictTypeMismatch  ConflictCategory = "type_mismatch"
)

// ValueConflict is a record whose target already holds a different non-empty value
type ValueConflict struct {
	ResourceID  string `json:"resource_id" yaml:"resource_id"`
	SourceField string `json:"source_field" yaml:"source_field"`
	TargetField string `json:"target_field" yaml:"target_field"`
	SourceValue any    `json:"source_value" yaml:"source_value"`
	TargetValue any    `json:"target_value" yaml:"target_value"`
}

// ConflictReport is the result of analyzing a plan before execution
type ConflictReport struct {
	FieldConflicts        map[ConflictCategory][]string `json:"field_conflicts" yaml:"field_conflicts"`
	ValueConflicts        []ValueConflict               `json:"value_conflicts" yaml:"value_conflicts"`
	ResolutionSuggestions []string                      `json:"resolution_suggestions" yaml:"resolution_suggestions"`
	Warnings              []string                      `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	RecordsScanned        int                           `json:"records_scanned" yaml:"records_scanned"`

	// FieldSuggestions maps each unresolved field to existing names that look like it
	FieldSuggestions map[string][]string `json:"field_suggestions,omitempty" yaml:"field_suggestions,omitempty"`
}

// HasConflicts reports whether any field or value conflict was found
func (r *ConflictReport) HasConflicts() bool {
	return len(r.FieldConflicts) > 0 || len(r.ValueConflicts) > 0
}

func (r *ConflictReport) addField(category ConflictCategory, name string) {
	if !slices.Contains(r.FieldConflicts[category], name) {
		r.FieldConflicts[category] = append(r.FieldConflicts[category], name)
	}
}

// addMissing records an unresolved field with any close names the provider offered
func (r *ConflictReport) addMissing(category ConflictCategory, name string, err error) {
	r.addField(category, name)
	var nf *fields.FieldNotFoundError
	if errors.As(err, &nf) && len(nf.Suggestions) > 0 {
		if r.FieldSuggestions == nil {
			r.FieldSuggestions = make(map[string][]string)
		}
		r.FieldSuggestions[name] = nf.Suggestions
	}
}

// didYouMean renders the suggestions for the given fields, or "" when there are none
func (r *ConflictReport) didYouMean(names []string) string {
	var parts []string
	for _, name := range names {
		if similar := r.FieldSuggestions[name]; len(similar) > 0 {
			parts = append(parts, fmt.Sprintf("%s: did you mean %s?", name, quoteJoin(similar, " or ")))
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return " (" + strings.Join(parts, "; ") + ")"
}

// Analyzer inspects a plan and current record values without writing anything
type Analyzer struct {
	reader     records.Reader
	fields     fields.Provider
	applier    *applier
	sampleSize int
	logger     *slog.Logger
}

// AnalyzerConfig configures the conflict analyzer
type AnalyzerConfig struct {
	Reader records.Reader
	Fields fields.Provider
	Codec  *codec.Codec
	// SampleSize bounds the records scanned; zero scans the whole working set
	SampleSize int
	Logger     *slog.Logger
}

// NewAnalyzer creates a new conflict analyzer
func NewAnalyzer(cfg AnalyzerConfig) (*Analyzer, error) {
	if cfg.Reader == nil {
		return nil, fmt.Errorf("record reader is required")
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
	return &Analyzer{
		reader:     cfg.Reader,
		fields:     cfg.Fields,
		applier:    &applier{codec: cfg.Codec},
		sampleSize: cfg.SampleSize,
		logger:     cfg.Logger,
	}, nil
}

// Analyze classifies every mapping and scans the working set for value
// conflicts. Field resolution failures are reported per mapping, never returned.
func (a *Analyzer) Analyze(ctx context.Context, plan *Plan) (*ConflictReport, error) {
	report := &ConflictReport{
		FieldConflicts:        make(map[ConflictCategory][]string),
		ValueConflicts:        []ValueConflict{},
		ResolutionSuggestions: []string{},
	}

	bindings, err := a.resolve(ctx, plan, report)
	if err != nil {
		return nil, err
	}

	if len(bindings) > 0 {
		if err := a.scanValues(ctx, plan, bindings, report); err != nil {
			return nil, err
		}
	}

	a.suggest(report)

	a.logger.Info("Analyzed migration plan",
		"plan_id", plan.ID,
		"records_scanned", report.RecordsScanned,
		"field_conflicts", len(report.FieldConflicts),
		"value_conflicts", len(report.ValueConflicts))
	return report, nil
}

// resolve returns the mappings eligible for value analysis. Unknown fields are
// reported as conflicts; any other provider error ends the analysis.
func (a *Analyzer) resolve(ctx context.Context, plan *Plan, report *ConflictReport) ([]binding, error) {
	var bindings []binding
	for i, m := range plan.Mappings {
		source, err := a.fields.Resolve(ctx, m.SourceField, plan.Category)
		if err != nil {
			if !errors.Is(err, fields.ErrFieldNotFound) {
				return nil, err
			}
			a.logger.Warn("Source field not resolved", "field", m.SourceField, "error", err)
			report.addMissing(ConflictMissingSource, m.SourceField, err)
		}
		target, terr := a.fields.Resolve(ctx, m.TargetField, plan.Category)
		if terr != nil {
			if !errors.Is(terr, fields.ErrFieldNotFound) {
				return nil, terr
			}
			a.logger.Warn("Target field not resolved", "field", m.TargetField, "error", terr)
			report.addMissing(ConflictMissingTarget, m.TargetField, terr)
		}
		if err != nil || terr != nil {
			continue
		}

		ok, advice := compatible(m, source, target)
		if advice != "" {
			report.Warnings = append(report.Warnings, advice)
		}
		if !ok {
			report.addField(ConflictTypeMismatch, fmt.Sprintf("%s -> %s", m.SourceField, m.TargetField))
			continue
		}
		if m.Strategy == StrategyTransform && m.Transform == nil {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("Transform for %s -> %s is not bound; its values were not analyzed", m.SourceField, m.TargetField))
			continue
		}
		bindings = append(bindings, binding{index: i, m: m, source: source, target: target})
	}
	return bindings, nil
}

func (a *Analyzer) scanValues(ctx context.Context, plan *Plan, bindings []binding, report *ConflictReport) error {
	ids, _, err := resolveWorkingSet(ctx, a.reader, plan, a.sampleSize)
	if err != nil {
		return err
	}

	var names []string
	for _, b := range bindings {
		for _, name := range []string{b.m.SourceField, b.m.TargetField} {
			if !slices.Contains(names, name) {
				names = append(names, name)
			}
		}
	}

	for _, id := range ids {
		rec, err := a.reader.Fetch(ctx, id, names)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			report.Warnings = append(report.Warnings, fmt.Sprintf("record %s could not be read: %v", id, err))
			continue
		}
		report.RecordsScanned++

		for _, b := range bindings {
			src, err := a.applier.codec.Decode(rec.Values[b.m.SourceField], b.source)
			if err != nil {
				report.Warnings = append(report.Warnings, fmt.Sprintf("record %s: %v", id, err))
				continue
			}
			if codec.IsEmpty(src) {
				continue
			}
			if narrows(b) {
				if _, err := a.applier.codec.Coerce(src, b.source, b.target); err != nil {
					report.Warnings = append(report.Warnings, fmt.Sprintf("record %s: %s -> %s: %v", id, b.m.SourceField, b.m.TargetField, err))
					continue
				}
			}
			dst, err := a.applier.codec.Decode(rec.Values[b.m.TargetField], b.target)
			if err != nil {
				report.Warnings = append(report.Warnings, fmt.Sprintf("record %s: %v", id, err))
				continue
			}
			if codec.IsEmpty(dst) {
				continue
			}

			ok, err := a.applier.satisfied(b, src, dst)
			if err != nil {
				report.Warnings = append(report.Warnings, fmt.Sprintf("record %s: %s -> %s: %v", id, b.m.SourceField, b.m.TargetField, err))
				continue
			}
			if !ok {
				report.ValueConflicts = append(report.ValueConflicts, ValueConflict{
					ResourceID:  id,
					SourceField: b.m.SourceField,
					TargetField: b.m.TargetField,
					SourceValue: src,
					TargetValue: dst,
				})
			}
		}
	}
	return nil
}

// narrows reports whether the mapping moves a multi-value source into a
// single-value target through coercion
func narrows(b binding) bool {
	switch b.m.Strategy {
	case StrategyTransform, StrategyAddOption:
		return false
	}
	return b.source.MultiValue && !b.target.MultiValue
}

// suggest adds one suggestion per observed conflict category
func (a *Analyzer) suggest(report *ConflictReport) {
	if names := report.FieldConflicts[ConflictMissingSource]; len(names) > 0 {
		report.ResolutionSuggestions = append(report.ResolutionSuggestions,
			fmt.Sprintf("%d source field(s) not found (%s): check the spelling or refresh field metadata%s",
				len(names), strings.Join(names, ", "), report.didYouMean(names)))
	}
	if names := report.FieldConflicts[ConflictMissingTarget]; len(names) > 0 {
		report.ResolutionSuggestions = append(report.ResolutionSuggestions,
			fmt.Sprintf("%d target field(s) not found (%s): create them in the CRM or correct the mapping%s",
				len(names), strings.Join(names, ", "), report.didYouMean(names)))
	}
	if pairs := report.FieldConflicts[ConflictTypeMismatch]; len(pairs) > 0 {
		report.ResolutionSuggestions = append(report.ResolutionSuggestions,
			fmt.Sprintf("%d mapping(s) have incompatible field types (%s): use TRANSFORM with a conversion function",
				len(pairs), strings.Join(pairs, "; ")))
	}
	if len(report.ValueConflicts) > 0 {
		affected := make(map[string]bool)
		for _, c := range report.ValueConflicts {
			affected[c.ResourceID] = true
		}
		report.ResolutionSuggestions = append(report.ResolutionSuggestions,
			fmt.Sprintf("%d record(s) have differing target values: choose MERGE or COPY_IF_EMPTY, or review them manually",
				len(affected)))
	}
}

// compatible reports whether values can move from source to target under the
// mapping's strategy, with optional advice for pairs that need care
func compatible(m Mapping, source, target *fields.Descriptor) (bool, string) {
	if m.Strategy == StrategyTransform {
		return true, ""
	}
	if m.Strategy == StrategyAddOption {
		return target.MultiValue, ""
	}

	sk, tk := source.Kind, target.Kind
	switch {
	case sk == tk:
		return true, ""
	case sk == fields.KindFile || tk == fields.KindFile:
		return false, ""
	case tk == fields.KindText:
		return true, ""
	case sk.IsNumeric() && tk.IsNumeric():
		return true, ""
	case sk.IsTemporal() && tk.IsTemporal():
		return true, ""
	case source.MultiValue && !target.MultiValue && tk.IsSelect():
		return true, fmt.Sprintf("%s holds several options but %s takes one; records with more than one option will fail to migrate",
			m.SourceField, m.TargetField)
	case sk.IsSelect() && tk.IsSelect():
		return true, ""
	case sk == fields.KindText && tk.IsSelect():
		return true, fmt.Sprintf("Migration from %s to %s may require text parsing. Consider using a transform function for %s -> %s",
			source.DisplayType, target.DisplayType, m.SourceField, m.TargetField)
	case sk == fields.KindText && (tk.IsNumeric() || tk.IsTemporal() || tk == fields.KindBoolean):
		return true, fmt.Sprintf("Values of %s that do not parse as %s will fail to migrate into %s",
			m.SourceField, tk, m.TargetField)
	}
	return false, ""
}
