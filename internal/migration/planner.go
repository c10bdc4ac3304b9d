package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kuhlman-labs/crm-field-migrator/internal/fields"
)

const (
	// SkipMarker excludes a table entry from the plan
	SkipMarker = "TODO"

	// TemplateMarker is written by Template for targets still to be chosen
	TemplateMarker = "TODO_SPECIFY_TARGET"
)

// TableEntry is one source field's row in a mapping table
type TableEntry struct {
	Source             string `yaml:"-"`
	Skip               bool   `yaml:"-"`
	Target             string `yaml:"field"`
	Strategy           string `yaml:"strategy"`
	Option             string `yaml:"option"`
	Transform          string `yaml:"transform"`
	PreserveSource     bool   `yaml:"preserve_source"`
	ValidationRequired bool   `yaml:"validation_required"`
	Separator          string `yaml:"separator"`
}

// MappingTable is an ordered mapping table. Order becomes plan order.
type MappingTable []TableEntry

func isSkipMarker(s string) bool {
	s = strings.TrimSpace(s)
	return s == SkipMarker || s == TemplateMarker
}

// ParseMappingTable reads a YAML or JSON object keyed by source field. Each
// value is a target field name, a skip marker, or an object with field,
// strategy, option, transform, preserve_source, validation_required and
// separator keys. Key order is preserved.
func ParseMappingTable(data []byte) (MappingTable, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse mapping table: %w", err)
	}
	if len(doc.Content) == 0 {
		return MappingTable{}, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("mapping table must be an object keyed by source field (line %d)", root.Line)
	}

	table := make(MappingTable, 0, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, value := root.Content[i], root.Content[i+1]
		entry := TableEntry{Source: key.Value}

		switch value.Kind {
		case yaml.ScalarNode:
			if isSkipMarker(value.Value) || value.Value == "" {
				entry.Skip = true
			} else {
				entry.Target = value.Value
			}
		case yaml.MappingNode:
			if err := value.Decode(&entry); err != nil {
				return nil, fmt.Errorf("invalid mapping for %q (line %d): %w", key.Value, value.Line, err)
			}
			entry.Source = key.Value
			entry.Skip = isSkipMarker(entry.Target)
		default:
			return nil, fmt.Errorf("invalid mapping for %q (line %d): expected a field name or an object", key.Value, value.Line)
		}
		table = append(table, entry)
	}
	return table, nil
}

// Planner builds validated plans from mapping tables or explicit mappings
type Planner struct {
	fields         fields.Provider
	transforms     *TransformRegistry
	category       fields.Category
	batchSize      int
	maxWorkers     int
	mergeSeparator string
	logger         *slog.Logger
}

// PlannerConfig configures the planner
type PlannerConfig struct {
	Fields         fields.Provider
	Transforms     *TransformRegistry // optional; named transforms are bound from it
	Category       fields.Category
	BatchSize      int
	MaxWorkers     int
	MergeSeparator string
	Logger         *slog.Logger
}

// NewPlanner creates a new migration planner
func NewPlanner(cfg PlannerConfig) (*Planner, error) {
	if cfg.Fields == nil {
		return nil, fmt.Errorf("field provider is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.Category == "" {
		cfg.Category = fields.CategoryAccount
	}
	if cfg.Transforms == nil {
		cfg.Transforms = DefaultTransforms()
	}
	return &Planner{
		fields:         cfg.Fields,
		transforms:     cfg.Transforms,
		category:       cfg.Category,
		batchSize:      cfg.BatchSize,
		maxWorkers:     cfg.MaxWorkers,
		mergeSeparator: cfg.MergeSeparator,
		logger:         cfg.Logger,
	}, nil
}

// Build is a plan together with what the planner left out of it
type Build struct {
	Plan     *Plan
	Warnings []string
	Excluded []string
}

// CreateFromMapping builds a dry-run plan over the default working set. Pass
// options to change scope or execution parameters.
func (p *Planner) CreateFromMapping(ctx context.Context, table MappingTable, opts ...PlanOption) (*Plan, error) {
	build, err := p.BuildFromTable(ctx, table, opts...)
	if err != nil {
		return nil, err
	}
	return build.Plan, nil
}

// CreateForResources builds a plan scoped to exactly ids
func (p *Planner) CreateForResources(ctx context.Context, table MappingTable, ids []string, dryRun bool) (*Plan, error) {
	return p.CreateFromMapping(ctx, table, ForResources(ids), AsDryRun(dryRun))
}

// BuildFromTable resolves every non-skipped entry and defaults its strategy.
// Entries naming unknown fields are excluded with a warning. An entry that
// cannot be defaulted, or a provider failure, fails the whole build.
func (p *Planner) BuildFromTable(ctx context.Context, table MappingTable, opts ...PlanOption) (*Build, error) {
	build := &Build{}
	var mappings []Mapping
	for _, entry := range table {
		if entry.Skip {
			p.logger.Debug("Skipping unmapped field", "field", entry.Source)
			continue
		}
		m, err := p.mappingFromEntry(ctx, entry, build)
		if err != nil {
			return nil, err
		}
		if m != nil {
			mappings = append(mappings, *m)
		}
	}
	return p.finish(mappings, build, opts)
}

// CreatePlan builds a plan from explicit mappings. Mappings naming unknown fields
// are excluded with a warning.
func (p *Planner) CreatePlan(ctx context.Context, mappings []Mapping, opts ...PlanOption) (*Build, error) {
	build := &Build{}
	var kept []Mapping
	for _, m := range mappings {
		_, target, ok, err := p.resolvePair(ctx, m.SourceField, m.TargetField, build)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if m.Strategy == StrategyAddOption && !target.MultiValue {
			return nil, fmt.Errorf("%w: ADD_OPTION target %q is %s, not multi-value", ErrInvalidPlan, target.Name, target.Kind)
		}
		p.bindTransform(&m, build)
		kept = append(kept, m)
	}
	return p.finish(kept, build, opts)
}

func (p *Planner) finish(mappings []Mapping, build *Build, opts []PlanOption) (*Build, error) {
	base := []PlanOption{AsDryRun(true), WithBatchSize(p.batchSize), WithMaxWorkers(p.maxWorkers)}
	plan, err := NewPlan(p.category, mappings, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	build.Plan = plan
	for _, issue := range CheckMappingSet(plan.Mappings) {
		build.Warnings = append(build.Warnings, issue.Message)
	}
	p.logger.Info("Created migration plan",
		"plan_id", plan.ID,
		"category", plan.Category,
		"mappings", len(plan.Mappings),
		"excluded", len(build.Excluded),
		"dry_run", plan.DryRun)
	return build, nil
}

func (p *Planner) mappingFromEntry(ctx context.Context, entry TableEntry, build *Build) (*Mapping, error) {
	if strings.TrimSpace(entry.Target) == "" {
		return nil, &AmbiguousStrategyError{SourceField: entry.Source, Reason: "no target field given"}
	}
	source, target, ok, err := p.resolvePair(ctx, entry.Source, entry.Target, build)
	if err != nil || !ok {
		return nil, err
	}

	m := Mapping{
		SourceField:        source.Name,
		TargetField:        target.Name,
		Option:             entry.Option,
		TransformName:      entry.Transform,
		PreserveSource:     entry.PreserveSource,
		ValidationRequired: entry.ValidationRequired,
		Separator:          entry.Separator,
	}
	if m.Separator == "" {
		m.Separator = p.mergeSeparator
	}

	switch {
	case entry.Strategy != "":
		strategy, err := ParseStrategy(entry.Strategy)
		if err != nil {
			return nil, &AmbiguousStrategyError{SourceField: entry.Source, TargetField: target.Name, Reason: err.Error()}
		}
		m.Strategy = strategy
	case entry.Option != "":
		if !target.MultiValue {
			return nil, &AmbiguousStrategyError{SourceField: entry.Source, TargetField: target.Name,
				Reason: fmt.Sprintf("option %q given but target is %s, not multi-value", entry.Option, target.Kind)}
		}
		m.Strategy = StrategyAddOption
	case entry.Transform != "":
		m.Strategy = StrategyTransform
	case target.MultiValue:
		return nil, &AmbiguousStrategyError{SourceField: entry.Source, TargetField: target.Name,
			Reason: "multi-value target needs an option or an explicit strategy"}
	default:
		m.Strategy = StrategyCopyIfEmpty
	}

	if m.Strategy == StrategyAddOption {
		if !target.MultiValue {
			return nil, fmt.Errorf("%w: ADD_OPTION target %q is %s, not multi-value", ErrInvalidPlan, target.Name, target.Kind)
		}
		if m.Option == "" {
			return nil, &AmbiguousStrategyError{SourceField: entry.Source, TargetField: target.Name, Reason: "ADD_OPTION needs an option"}
		}
	}
	p.bindTransform(&m, build)
	return &m, nil
}

// resolvePair resolves both fields of a mapping, recording an exclusion when
// either is missing. Any other provider error is returned.
func (p *Planner) resolvePair(ctx context.Context, sourceName, targetName string, build *Build) (*fields.Descriptor, *fields.Descriptor, bool, error) {
	source, err := p.fields.Resolve(ctx, sourceName, p.category)
	if err == nil {
		var target *fields.Descriptor
		target, err = p.fields.Resolve(ctx, targetName, p.category)
		if err == nil {
			return source, target, true, nil
		}
	}

	label := fmt.Sprintf("%s -> %s", sourceName, targetName)
	if !errors.Is(err, fields.ErrFieldNotFound) {
		return nil, nil, false, fmt.Errorf("failed to resolve fields for mapping %s: %w", label, err)
	}
	p.logger.Warn("Excluding mapping", "mapping", label, "error", err)
	build.Warnings = append(build.Warnings, fmt.Sprintf("mapping %s excluded: %v", label, err))
	build.Excluded = append(build.Excluded, label)
	return nil, nil, false, nil
}

func (p *Planner) bindTransform(m *Mapping, build *Build) {
	if m.Strategy != StrategyTransform || m.Transform != nil || m.TransformName == "" {
		if m.Strategy == StrategyTransform && m.Transform == nil && m.TransformName == "" {
			build.Warnings = append(build.Warnings,
				fmt.Sprintf("mapping %s -> %s has no transform; bind one before execution", m.SourceField, m.TargetField))
		}
		return
	}
	if fn, ok := p.transforms.Lookup(m.TransformName); ok {
		m.Transform = fn
		return
	}
	build.Warnings = append(build.Warnings,
		fmt.Sprintf("transform %q for %s -> %s is not registered; register it before execution", m.TransformName, m.SourceField, m.TargetField))
}
