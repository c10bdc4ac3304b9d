package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kuhlman-labs/crm-field-migrator/internal/fields"
)

// Severity ranks a validation issue. Only errors make a plan invalid.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// IssueKind classifies a validation issue
type IssueKind string

const (
	IssueFieldNotFound    IssueKind = "field_not_found"
	IssueTypeMismatch     IssueKind = "type_mismatch"
	IssueTypeAdvice       IssueKind = "type_advice"
	IssueStrategyMismatch IssueKind = "strategy_mismatch"
	IssueUnknownOption    IssueKind = "unknown_option"
	IssueUnusedOption     IssueKind = "unused_option"
	IssueMissingTransform IssueKind = "missing_transform"
	IssueSelfMapping      IssueKind = "self_mapping"
	IssueMergeOverwrites  IssueKind = "merge_overwrites"
	IssueDuplicateTarget  IssueKind = "duplicate_target"
	IssueDuplicateMapping IssueKind = "duplicate_mapping"
	IssueCircularMapping  IssueKind = "circular_mapping"
)

// ValidationIssue is one problem found in a mapping set
type ValidationIssue struct {
	Severity   Severity  `json:"severity" yaml:"severity"`
	Kind       IssueKind `json:"kind" yaml:"kind"`
	Field      string    `json:"field" yaml:"field"`
	Message    string    `json:"message" yaml:"message"`
	Suggestion string    `json:"suggestion,omitempty" yaml:"suggestion,omitempty"`
}

// ValidationReport collects the issues of one plan
type ValidationReport struct {
	Issues      []ValidationIssue `json:"issues" yaml:"issues"`
	Suggestions []string          `json:"suggestions,omitempty" yaml:"suggestions,omitempty"`
}

// Valid reports whether no issue is an error
func (r *ValidationReport) Valid() bool {
	return r.count(SeverityError) == 0
}

// Errors returns the messages of error issues
func (r *ValidationReport) Errors() []string {
	return r.messages(SeverityError)
}

// Warnings returns the messages of warning issues
func (r *ValidationReport) Warnings() []string {
	return r.messages(SeverityWarning)
}

func (r *ValidationReport) count(sev Severity) int {
	n := 0
	for _, issue := range r.Issues {
		if issue.Severity == sev {
			n++
		}
	}
	return n
}

func (r *ValidationReport) messages(sev Severity) []string {
	var out []string
	for _, issue := range r.Issues {
		if issue.Severity == sev {
			out = append(out, issue.Message)
		}
	}
	return out
}

func (r *ValidationReport) has(kinds ...IssueKind) bool {
	for _, issue := range r.Issues {
		for _, k := range kinds {
			if issue.Kind == k {
				return true
			}
		}
	}
	return false
}

// CheckMappingSet finds problems in how mappings relate to each other:
// repeated targets, repeated mappings and chains that lead back to their start.
// It needs no field metadata.
func CheckMappingSet(mappings []Mapping) []ValidationIssue {
	var issues []ValidationIssue

	var (
		targets     []string
		targetCount = make(map[string]int)
		seen        = make(map[string]bool)
	)
	for _, m := range mappings {
		if targetCount[m.TargetField] == 0 {
			targets = append(targets, m.TargetField)
		}
		targetCount[m.TargetField]++

		key := m.SourceField + "\x00" + m.TargetField + "\x00" + string(m.Strategy) + "\x00" + m.Option
		if seen[key] {
			issues = append(issues, ValidationIssue{
				Severity:   SeverityWarning,
				Kind:       IssueDuplicateMapping,
				Field:      m.SourceField + " -> " + m.TargetField,
				Message:    fmt.Sprintf("Mapping %s appears more than once", m),
				Suggestion: "Remove the repeated mapping",
			})
		}
		seen[key] = true
	}

	for _, target := range targets {
		if n := targetCount[target]; n > 1 {
			issues = append(issues, ValidationIssue{
				Severity:   SeverityWarning,
				Kind:       IssueDuplicateTarget,
				Field:      target,
				Message:    fmt.Sprintf("Target field %q is written by %d mappings; they apply in plan order", target, n),
				Suggestion: "Use MERGE or ADD_OPTION for every mapping into a shared target, or use separate targets",
			})
		}
	}

	for _, cycle := range findCycles(mappings) {
		chain := strings.Join(cycle, " -> ")
		issues = append(issues, ValidationIssue{
			Severity:   SeverityWarning,
			Kind:       IssueCircularMapping,
			Field:      chain,
			Message:    fmt.Sprintf("Circular mapping: %s", chain),
			Suggestion: "Values move around the cycle in plan order and cleared sources are overwritten; split it into separate plans",
		})
	}
	return issues
}

// findCycles walks the source -> target graph in mapping order and returns each
// cycle once, as the path that closes it. Self-mappings are not cycles.
func findCycles(mappings []Mapping) [][]string {
	var nodes []string
	edges := make(map[string][]string)
	for _, m := range mappings {
		if m.SourceField == m.TargetField {
			continue
		}
		if _, ok := edges[m.SourceField]; !ok {
			nodes = append(nodes, m.SourceField)
		}
		edges[m.SourceField] = append(edges[m.SourceField], m.TargetField)
	}

	const (
		unvisited = iota
		onPath
		done
	)
	state := make(map[string]int)
	var (
		cycles [][]string
		path   []string
		visit  func(node string)
	)
	visit = func(node string) {
		state[node] = onPath
		path = append(path, node)
		for _, next := range edges[node] {
			switch state[next] {
			case onPath:
				start := 0
				for i, n := range path {
					if n == next {
						start = i
						break
					}
				}
				cycle := append(append([]string(nil), path[start:]...), next)
				cycles = append(cycles, cycle)
			case unvisited:
				visit(next)
			}
		}
		path = path[:len(path)-1]
		state[node] = done
	}
	for _, node := range nodes {
		if state[node] == unvisited {
			visit(node)
		}
	}
	return cycles
}

// Validator checks a plan's mappings against current field metadata before
// anything is executed
type Validator struct {
	fields fields.Provider
	logger *slog.Logger
}

// ValidatorConfig configures the mapping validator
type ValidatorConfig struct {
	Fields fields.Provider
	Logger *slog.Logger
}

// NewValidator creates a new mapping validator
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if cfg.Fields == nil {
		return nil, fmt.Errorf("field provider is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Validator{fields: cfg.Fields, logger: cfg.Logger}, nil
}

// Validate checks every mapping and the mapping set as a whole. Unknown fields
// are reported as issues; any other provider error is returned.
func (v *Validator) Validate(ctx context.Context, plan *Plan) (*ValidationReport, error) {
	report := &ValidationReport{Issues: []ValidationIssue{}}

	for _, m := range plan.Mappings {
		issues, err := v.checkMapping(ctx, plan.Category, m)
		if err != nil {
			return nil, err
		}
		report.Issues = append(report.Issues, issues...)
	}
	report.Issues = append(report.Issues, CheckMappingSet(plan.Mappings)...)
	report.Suggestions = summarize(report)

	v.logger.Info("Validated migration plan",
		"plan_id", plan.ID,
		"mappings", len(plan.Mappings),
		"errors", report.count(SeverityError),
		"warnings", report.count(SeverityWarning))
	return report, nil
}

func (v *Validator) checkMapping(ctx context.Context, category fields.Category, m Mapping) ([]ValidationIssue, error) {
	var issues []ValidationIssue
	pair := m.SourceField + " -> " + m.TargetField

	resolve := func(name, role string) (*fields.Descriptor, error) {
		d, err := v.fields.Resolve(ctx, name, category)
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, fields.ErrFieldNotFound) {
			return nil, fmt.Errorf("failed to resolve %s field %q: %w", role, name, err)
		}
		issue := ValidationIssue{
			Severity:   SeverityError,
			Kind:       IssueFieldNotFound,
			Field:      name,
			Message:    fmt.Sprintf("%s field %q does not exist in %s", role, name, category),
			Suggestion: "Check the spelling or create the custom field",
		}
		var nf *fields.FieldNotFoundError
		if errors.As(err, &nf) && len(nf.Suggestions) > 0 {
			issue.Suggestion = "Did you mean " + quoteJoin(nf.Suggestions, " or ") + "?"
		}
		issues = append(issues, issue)
		return nil, nil
	}

	source, err := resolve(m.SourceField, "Source")
	if err != nil {
		return nil, err
	}
	target, err := resolve(m.TargetField, "Target")
	if err != nil {
		return nil, err
	}

	if m.Strategy == StrategyTransform && m.Transform == nil {
		msg := fmt.Sprintf("Mapping %s uses TRANSFORM without a function", pair)
		if m.TransformName != "" {
			msg = fmt.Sprintf("Mapping %s uses transform %q, which is not registered", pair, m.TransformName)
		}
		issues = append(issues, ValidationIssue{
			Severity:   SeverityError,
			Kind:       IssueMissingTransform,
			Field:      pair,
			Message:    msg,
			Suggestion: "Register the transform or choose another strategy",
		})
	}
	if m.Option != "" && m.Strategy != StrategyAddOption {
		issues = append(issues, ValidationIssue{
			Severity: SeverityWarning,
			Kind:     IssueUnusedOption,
			Field:    pair,
			Message:  fmt.Sprintf("Option %q on %s is ignored by %s", m.Option, pair, m.Strategy),
		})
	}
	if source == nil || target == nil {
		return issues, nil
	}

	if source.ID == target.ID && m.Strategy != StrategyTransform {
		issues = append(issues, ValidationIssue{
			Severity:   SeverityWarning,
			Kind:       IssueSelfMapping,
			Field:      m.SourceField,
			Message:    fmt.Sprintf("Field %q maps to itself", m.SourceField),
			Suggestion: "Self-mappings only make sense with TRANSFORM",
		})
	}

	if m.Strategy == StrategyAddOption {
		switch {
		case !target.MultiValue:
			issues = append(issues, ValidationIssue{
				Severity:   SeverityError,
				Kind:       IssueStrategyMismatch,
				Field:      m.TargetField,
				Message:    fmt.Sprintf("ADD_OPTION needs a multi-value target; %q is %s", m.TargetField, target.Kind),
				Suggestion: "Use REPLACE or COPY_IF_EMPTY for single-value targets",
			})
		case len(target.Options) > 0:
			if _, ok := target.FindOption(m.Option); !ok {
				sev := SeverityWarning
				if m.ValidationRequired {
					sev = SeverityError
				}
				issue := ValidationIssue{
					Severity: sev,
					Kind:     IssueUnknownOption,
					Field:    m.TargetField,
					Message:  fmt.Sprintf("Option %q is not defined on %q", m.Option, m.TargetField),
				}
				if similar := fields.SimilarNames(m.Option, target.OptionNames(), fields.MaxSuggestions); len(similar) > 0 {
					issue.Suggestion = "Did you mean " + quoteJoin(matchNames(similar), " or ") + "?"
				}
				issues = append(issues, issue)
			}
		}
		return issues, nil
	}

	ok, advice := compatible(m, source, target)
	if !ok {
		issues = append(issues, ValidationIssue{
			Severity:   SeverityError,
			Kind:       IssueTypeMismatch,
			Field:      pair,
			Message:    fmt.Sprintf("Type mismatch: %s (%s) -> %s (%s)", m.SourceField, source.Kind, m.TargetField, target.Kind),
			Suggestion: "Use TRANSFORM with a conversion function",
		})
	} else if advice != "" {
		issues = append(issues, ValidationIssue{
			Severity: SeverityWarning,
			Kind:     IssueTypeAdvice,
			Field:    pair,
			Message:  advice,
		})
	}

	if m.Strategy == StrategyMerge && !target.MultiValue && target.Kind != fields.KindText {
		issues = append(issues, ValidationIssue{
			Severity: SeverityInfo,
			Kind:     IssueMergeOverwrites,
			Field:    m.TargetField,
			Message:  fmt.Sprintf("%s values cannot be combined; MERGE into %q replaces the current value", target.Kind, m.TargetField),
		})
	}
	return issues, nil
}

// summarize turns the issue list into follow-up advice
func summarize(r *ValidationReport) []string {
	var out []string
	if n := r.count(SeverityError); n > 0 {
		out = append(out, fmt.Sprintf("Fix %d error(s) before executing the plan", n))
	}
	if n := r.count(SeverityWarning); n > 0 {
		out = append(out, fmt.Sprintf("Review %d warning(s) to confirm the expected behavior", n))
	}
	if r.has(IssueTypeMismatch, IssueTypeAdvice) {
		out = append(out, "Consider TRANSFORM for type or structure conversions")
	}
	var missing []string
	for _, issue := range r.Issues {
		if issue.Kind == IssueFieldNotFound && !containsString(missing, issue.Field) {
			missing = append(missing, issue.Field)
		}
	}
	if len(missing) > 0 {
		out = append(out, "Create or correct the missing fields: "+strings.Join(missing, ", "))
	}
	return out
}

func quoteJoin(items []string, sep string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return strings.Join(quoted, sep)
}

func matchNames(matches []fields.Match) []string {
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.Name
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
