package migration

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/kuhlman-labs/crm-field-migrator/internal/fields"
	"github.com/kuhlman-labs/crm-field-migrator/internal/records"
)

const (
	// DefaultBatchSize is the number of records per chunk
	DefaultBatchSize = 50

	// DefaultMaxWorkers bounds concurrent record processing
	DefaultMaxWorkers = 3

	// DefaultMergeSeparator joins text values under MERGE
	DefaultMergeSeparator = ", "
)

// Mapping is one field-to-field transfer rule
type Mapping struct {
	SourceField string
	TargetField string
	Strategy    Strategy

	// Option is the option added by ADD_OPTION
	Option string

	// Transform is required for TRANSFORM at execution time. It is never serialized;
	// TransformName is the registry key used to rebind it after import.
	Transform     TransformFunc
	TransformName string

	// PreserveSource keeps the source value after a successful transfer
	PreserveSource     bool
	ValidationRequired bool

	// Separator joins text under MERGE; empty means DefaultMergeSeparator
	Separator string
}

func (m Mapping) String() string {
	return fmt.Sprintf("%s -> %s (%s)", m.SourceField, m.TargetField, m.Strategy)
}

func (m Mapping) separator() string {
	if m.Separator == "" {
		return DefaultMergeSeparator
	}
	return m.Separator
}

func (m Mapping) validate() error {
	if m.SourceField == "" || m.TargetField == "" {
		return fmt.Errorf("%w: mapping needs both source and target fields", ErrInvalidPlan)
	}
	if !m.Strategy.Valid() {
		return fmt.Errorf("%w: mapping %s -> %s has unknown strategy %q", ErrInvalidPlan, m.SourceField, m.TargetField, m.Strategy)
	}
	if m.Strategy == StrategyAddOption && m.Option == "" {
		return fmt.Errorf("%w: ADD_OPTION mapping %s -> %s requires an option", ErrInvalidPlan, m.SourceField, m.TargetField)
	}
	if m.SourceField == m.TargetField && !m.PreserveSource {
		return fmt.Errorf("%w: mapping %s -> %s writes its own source and must preserve it", ErrInvalidPlan, m.SourceField, m.TargetField)
	}
	return nil
}

// Plan is an ordered set of mappings plus execution parameters and resource
// scope. Plans are treated as immutable: the With methods return copies.
type Plan struct {
	ID             string
	Category       fields.Category
	Mappings       []Mapping
	ResourceIDs    []string
	ResourceFilter []records.Condition
	BatchSize      int
	MaxWorkers     int
	DryRun         bool
	CleanupOnly    bool
	CreatedAt      time.Time
}

// PlanOption configures a plan built by NewPlan
type PlanOption func(*Plan)

// ForResources restricts the plan to exactly these record IDs
func ForResources(ids []string) PlanOption {
	return func(p *Plan) { p.ResourceIDs = slices.Clone(ids) }
}

// ForFilter selects the working set with a server-side search
func ForFilter(filter []records.Condition) PlanOption {
	return func(p *Plan) { p.ResourceFilter = slices.Clone(filter) }
}

func WithBatchSize(n int) PlanOption {
	return func(p *Plan) { p.BatchSize = n }
}

func WithMaxWorkers(n int) PlanOption {
	return func(p *Plan) { p.MaxWorkers = n }
}

func AsDryRun(dryRun bool) PlanOption {
	return func(p *Plan) { p.DryRun = dryRun }
}

// AsCleanupOnly makes the plan clear sources whose targets already hold the value
func AsCleanupOnly(cleanupOnly bool) PlanOption {
	return func(p *Plan) { p.CleanupOnly = cleanupOnly }
}

// NewPlan builds and validates a plan. Zero batch size and worker count take defaults.
func NewPlan(category fields.Category, mappings []Mapping, opts ...PlanOption) (*Plan, error) {
	p := &Plan{
		ID:        uuid.NewString(),
		Category:  category,
		Mappings:  slices.Clone(mappings),
		CreatedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.BatchSize == 0 {
		p.BatchSize = DefaultBatchSize
	}
	if p.MaxWorkers == 0 {
		p.MaxWorkers = DefaultMaxWorkers
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the plan invariants. Transform binding is checked separately at execution.
func (p *Plan) Validate() error {
	if p.Category == "" {
		return fmt.Errorf("%w: category is required", ErrInvalidPlan)
	}
	if len(p.Mappings) == 0 {
		return fmt.Errorf("%w: no mappings", ErrInvalidPlan)
	}
	if p.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidPlan, p.BatchSize)
	}
	if p.MaxWorkers < 1 {
		return fmt.Errorf("%w: max workers must be at least 1, got %d", ErrInvalidPlan, p.MaxWorkers)
	}
	if len(p.ResourceIDs) > 0 && len(p.ResourceFilter) > 0 {
		return fmt.Errorf("%w: resource IDs and resource filter are mutually exclusive", ErrInvalidPlan)
	}
	for _, m := range p.Mappings {
		if err := m.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy of the plan
func (p *Plan) Clone() *Plan {
	cp := *p
	cp.Mappings = slices.Clone(p.Mappings)
	cp.ResourceIDs = slices.Clone(p.ResourceIDs)
	cp.ResourceFilter = slices.Clone(p.ResourceFilter)
	return &cp
}

// WithDryRun returns a copy with the dry-run flag set
func (p *Plan) WithDryRun(dryRun bool) *Plan {
	cp := p.Clone()
	cp.DryRun = dryRun
	return cp
}

// WithResourceIDs returns a copy scoped to ids, dropping any filter. It is used
// to restart an interrupted run against the remaining records.
func (p *Plan) WithResourceIDs(ids []string) *Plan {
	cp := p.Clone()
	cp.ResourceIDs = slices.Clone(ids)
	cp.ResourceFilter = nil
	return cp
}

// WithTransforms returns a copy whose TRANSFORM mappings are bound from the registry
func (p *Plan) WithTransforms(registry *TransformRegistry) (*Plan, error) {
	return registry.Bind(p)
}

// SourceFields returns the distinct source fields in mapping order
func (p *Plan) SourceFields() []string {
	var out []string
	for _, m := range p.Mappings {
		if !slices.Contains(out, m.SourceField) {
			out = append(out, m.SourceField)
		}
	}
	return out
}

// FieldNames returns every distinct field the plan reads or writes, in mapping order
func (p *Plan) FieldNames() []string {
	var out []string
	for _, m := range p.Mappings {
		for _, name := range []string{m.SourceField, m.TargetField} {
			if !slices.Contains(out, name) {
				out = append(out, name)
			}
		}
	}
	return out
}

// unboundTransforms returns an error for every TRANSFORM mapping without a function
func (p *Plan) unboundTransforms() []error {
	var errs []error
	for _, m := range p.Mappings {
		if m.Strategy == StrategyTransform && m.Transform == nil {
			errs = append(errs, &UnboundTransformError{SourceField: m.SourceField, TargetField: m.TargetField, Name: m.TransformName})
		}
	}
	return errs
}
