package migration

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/kuhlman-labs/crm-field-migrator/internal/fields"
	"github.com/kuhlman-labs/crm-field-migrator/internal/records"
)

const (
	// FormatVersion is the plan document schema version
	FormatVersion = 1

	// DefaultStaleAfter is the age at which an imported plan draws a warning
	DefaultStaleAfter = 24 * time.Hour

	toolName = "fieldmig"
)

// Format is a plan document encoding
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat accepts a format name or a file extension
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")) {
	case "yaml", "yml":
		return FormatYAML, nil
	case "json":
		return FormatJSON, nil
	case "csv":
		return FormatCSV, nil
	}
	return "", fmt.Errorf("unsupported plan format %q", s)
}

// planDocument is the versioned export schema
type planDocument struct {
	Metadata  documentMetadata `json:"metadata" yaml:"metadata"`
	Plan      planData         `json:"plan" yaml:"plan"`
	Conflicts *ConflictReport  `json:"conflicts,omitempty" yaml:"conflicts,omitempty"`
}

type documentMetadata struct {
	FormatVersion   int         `json:"format_version" yaml:"format_version"`
	ExportTimestamp time.Time   `json:"export_timestamp" yaml:"export_timestamp"`
	Tool            string      `json:"tool" yaml:"tool"`
	PlanSummary     planSummary `json:"plan_summary" yaml:"plan_summary"`
}

type planSummary struct {
	MappingCount  int  `json:"mapping_count" yaml:"mapping_count"`
	ResourceCount int  `json:"resource_count" yaml:"resource_count"`
	HasFilter     bool `json:"has_filter" yaml:"has_filter"`
	DryRun        bool `json:"dry_run" yaml:"dry_run"`
	CleanupOnly   bool `json:"cleanup_only" yaml:"cleanup_only"`
}

type planData struct {
	ID             string              `json:"id" yaml:"id"`
	Category       fields.Category     `json:"category" yaml:"category"`
	Mappings       []mappingData       `json:"mappings" yaml:"mappings"`
	ResourceIDs    []string            `json:"resource_ids,omitempty" yaml:"resource_ids,omitempty"`
	ResourceFilter []records.Condition `json:"resource_filter,omitempty" yaml:"resource_filter,omitempty"`
	BatchSize      int                 `json:"batch_size" yaml:"batch_size"`
	MaxWorkers     int                 `json:"max_workers" yaml:"max_workers"`
	DryRun         bool                `json:"dry_run" yaml:"dry_run"`
	CleanupOnly    bool                `json:"cleanup_only" yaml:"cleanup_only"`
	CreatedAt      time.Time           `json:"created_at" yaml:"created_at"`
}

type mappingData struct {
	SourceField        string `json:"source_field" yaml:"source_field"`
	TargetField        string `json:"target_field" yaml:"target_field"`
	Strategy           string `json:"strategy" yaml:"strategy"`
	Option             string `json:"option,omitempty" yaml:"option,omitempty"`
	PreserveSource     bool   `json:"preserve_source" yaml:"preserve_source"`
	ValidationRequired bool   `json:"validation_required" yaml:"validation_required"`
	Separator          string `json:"separator,omitempty" yaml:"separator,omitempty"`
	HasFunction        bool   `json:"has_function" yaml:"has_function"`
	Transform          string `json:"transform,omitempty" yaml:"transform,omitempty"`
	Note               string `json:"note,omitempty" yaml:"note,omitempty"`
}

const rebindNote = "transform function is not serialized and must be rebound before execution"

// ExportOptions controls a plan export
type ExportOptions struct {
	Format Format
	// Conflicts is embedded in YAML and JSON exports when set
	Conflicts *ConflictReport
	// NoComments drops the YAML review header
	NoComments bool
}

// Imported is a plan read back from a document
type Imported struct {
	Plan       *Plan
	ExportedAt time.Time
	Conflicts  *ConflictReport
	// Stale is set when the export is older than the freshness threshold
	Stale    *StalePlanWarning
	Warnings []string
}

// Serializer exports plans for review and imports them back
type Serializer struct {
	fields     fields.Provider
	transforms *TransformRegistry
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// SerializerConfig configures the plan serializer
type SerializerConfig struct {
	Fields     fields.Provider    // required by Validate
	Transforms *TransformRegistry // optional; rebinds named transforms on import
	StaleAfter time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
}

// NewSerializer creates a new plan serializer
func NewSerializer(cfg SerializerConfig) (*Serializer, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Transforms == nil {
		cfg.Transforms = DefaultTransforms()
	}
	return &Serializer{
		fields:     cfg.Fields,
		transforms: cfg.Transforms,
		staleAfter: cfg.StaleAfter,
		now:        cfg.Now,
		logger:     cfg.Logger,
	}, nil
}

func (s *Serializer) document(plan *Plan, conflicts *ConflictReport) planDocument {
	data := planData{
		ID:             plan.ID,
		Category:       plan.Category,
		Mappings:       make([]mappingData, 0, len(plan.Mappings)),
		ResourceIDs:    plan.ResourceIDs,
		ResourceFilter: plan.ResourceFilter,
		BatchSize:      plan.BatchSize,
		MaxWorkers:     plan.MaxWorkers,
		DryRun:         plan.DryRun,
		CleanupOnly:    plan.CleanupOnly,
		CreatedAt:      plan.CreatedAt,
	}
	for _, m := range plan.Mappings {
		md := mappingData{
			SourceField:        m.SourceField,
			TargetField:        m.TargetField,
			Strategy:           string(m.Strategy),
			Option:             m.Option,
			PreserveSource:     m.PreserveSource,
			ValidationRequired: m.ValidationRequired,
			Separator:          m.Separator,
			HasFunction:        m.Transform != nil,
			Transform:          m.TransformName,
		}
		if md.HasFunction {
			md.Note = rebindNote
		}
		data.Mappings = append(data.Mappings, md)
	}

	return planDocument{
		Metadata: documentMetadata{
			FormatVersion:   FormatVersion,
			ExportTimestamp: s.now().UTC(),
			Tool:            toolName,
			PlanSummary: planSummary{
				MappingCount:  len(plan.Mappings),
				ResourceCount: len(plan.ResourceIDs),
				HasFilter:     len(plan.ResourceFilter) > 0,
				DryRun:        plan.DryRun,
				CleanupOnly:   plan.CleanupOnly,
			},
		},
		Plan:      data,
		Conflicts: conflicts,
	}
}

// Export writes plan to w in the requested format (YAML when unset)
func (s *Serializer) Export(plan *Plan, w io.Writer, opts ExportOptions) error {
	doc := s.document(plan, opts.Conflicts)
	switch opts.Format {
	case FormatYAML, "":
		if !opts.NoComments {
			if _, err := io.WriteString(w, reviewHeader(doc.Metadata.ExportTimestamp)); err != nil {
				return fmt.Errorf("failed to write plan header: %w", err)
			}
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("failed to encode plan as YAML: %w", err)
		}
		return enc.Close()
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("failed to encode plan as JSON: %w", err)
		}
		return nil
	case FormatCSV:
		return writeCSV(w, doc)
	default:
		return fmt.Errorf("unsupported plan format %q", opts.Format)
	}
}

// ExportTo writes plan to path. The format comes from opts or the file extension.
func (s *Serializer) ExportTo(plan *Plan, path string, opts ExportOptions) (string, error) {
	if opts.Format == "" {
		format, err := ParseFormat(filepath.Ext(path))
		if err != nil {
			return "", err
		}
		opts.Format = format
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create plan directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create plan file: %w", err)
	}
	if err := s.Export(plan, f, opts); err != nil {
		_ = f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to write plan file: %w", err)
	}

	s.logger.Info("Exported migration plan", "plan_id", plan.ID, "path", path, "format", opts.Format)
	return path, nil
}

// Import reads a plan document. Named transforms are rebound from the registry;
// a plan older than the freshness threshold is returned with Stale set.
func (s *Serializer) Import(r io.Reader, format Format) (*Imported, error) {
	var doc planDocument
	switch format {
	case FormatYAML, "":
		if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode YAML plan: %w", err)
		}
	case FormatJSON:
		if err := json.NewDecoder(r).Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode JSON plan: %w", err)
		}
	case FormatCSV:
		var err error
		if doc, err = readCSV(r); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported plan format %q", format)
	}

	if doc.Metadata.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("unsupported plan format_version %d (expected %d)", doc.Metadata.FormatVersion, FormatVersion)
	}

	imported := &Imported{ExportedAt: doc.Metadata.ExportTimestamp, Conflicts: doc.Conflicts}
	plan, err := s.planFromDocument(doc.Plan, imported)
	if err != nil {
		return nil, err
	}
	imported.Plan = plan

	if !imported.ExportedAt.IsZero() {
		if age := s.now().Sub(imported.ExportedAt); age > s.staleAfter {
			imported.Stale = &StalePlanWarning{ExportedAt: imported.ExportedAt, Age: age, Threshold: s.staleAfter}
			s.logger.Warn("Imported plan is stale", "plan_id", plan.ID, "age", age.Round(time.Minute))
		}
	}
	return imported, nil
}

// ImportFrom reads a plan file, choosing the format from its extension
func (s *Serializer) ImportFrom(path string) (*Imported, error) {
	format, err := ParseFormat(filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plan file: %w", err)
	}
	defer f.Close()

	imported, err := s.Import(f, format)
	if err != nil {
		return nil, fmt.Errorf("failed to import %s: %w", path, err)
	}
	s.logger.Info("Imported migration plan", "plan_id", imported.Plan.ID, "path", path, "mappings", len(imported.Plan.Mappings))
	return imported, nil
}

func (s *Serializer) planFromDocument(data planData, imported *Imported) (*Plan, error) {
	plan := &Plan{
		ID:             data.ID,
		Category:       data.Category,
		Mappings:       make([]Mapping, 0, len(data.Mappings)),
		ResourceIDs:    data.ResourceIDs,
		ResourceFilter: data.ResourceFilter,
		BatchSize:      data.BatchSize,
		MaxWorkers:     data.MaxWorkers,
		DryRun:         data.DryRun,
		CleanupOnly:    data.CleanupOnly,
		CreatedAt:      data.CreatedAt,
	}
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	if plan.Category == "" {
		plan.Category = fields.CategoryAccount
	}

	for _, md := range data.Mappings {
		strategy, err := ParseStrategy(md.Strategy)
		if err != nil {
			return nil, fmt.Errorf("mapping %s -> %s: %w", md.SourceField, md.TargetField, err)
		}
		m := Mapping{
			SourceField:        md.SourceField,
			TargetField:        md.TargetField,
			Strategy:           strategy,
			Option:             md.Option,
			TransformName:      md.Transform,
			PreserveSource:     md.PreserveSource,
			ValidationRequired: md.ValidationRequired,
			Separator:          md.Separator,
		}
		if m.TransformName != "" {
			if fn, ok := s.transforms.Lookup(m.TransformName); ok {
				m.Transform = fn
			}
		}
		if m.Transform == nil && (md.HasFunction || strategy == StrategyTransform) {
			msg := fmt.Sprintf("mapping %s -> %s had a transform function that must be rebound before execution", m.SourceField, m.TargetField)
			s.logger.Warn("Transform needs rebinding", "source_field", m.SourceField, "target_field", m.TargetField)
			imported.Warnings = append(imported.Warnings, msg)
		}
		plan.Mappings = append(plan.Mappings, m)
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// Validate re-resolves every field the plan names. Each missing field is
// reported as a *fields.FieldNotFoundError; several are joined.
func (s *Serializer) Validate(ctx context.Context, plan *Plan) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	if s.fields == nil {
		return fmt.Errorf("field provider is required to validate a plan")
	}

	var errs []error
	for _, name := range plan.FieldNames() {
		if _, err := s.fields.Resolve(ctx, name, plan.Category); err != nil {
			if !errors.Is(err, fields.ErrFieldNotFound) {
				err = fmt.Errorf("failed to resolve %q: %w", name, err)
			}
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		s.logger.Warn("Plan validation failed", "plan_id", plan.ID, "problems", len(errs))
		return errors.Join(errs...)
	}
	return nil
}

// Template writes a starter mapping table for fieldNames. Targets found in
// targets are filled in; the rest are marked TODO_SPECIFY_TARGET.
func (s *Serializer) Template(w io.Writer, fieldNames []string, targets map[string]string) error {
	root := &yaml.Node{Kind: yaml.MappingNode}
	for _, name := range fieldNames {
		target := targets[name]
		if target == "" {
			target = TemplateMarker
		}
		root.Content = append(root.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: name},
			&yaml.Node{Kind: yaml.MappingNode, Content: []*yaml.Node{
				{Kind: yaml.ScalarNode, Value: "field"},
				{Kind: yaml.ScalarNode, Value: target},
			}})
	}

	header := "# Field mapping template\n" +
		"#\n" +
		"# Replace TODO_SPECIFY_TARGET with a target field, or set an entry to TODO to skip it.\n" +
		"# Optional keys: strategy (REPLACE, MERGE, ADD_OPTION, COPY_IF_EMPTY, TRANSFORM),\n" +
		"# option, transform, preserve_source, validation_required, separator.\n\n"
	if _, err := io.WriteString(w, header); err != nil {
		return fmt.Errorf("failed to write template header: %w", err)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{root}}); err != nil {
		return fmt.Errorf("failed to encode template: %w", err)
	}
	return enc.Close()
}

func reviewHeader(ts time.Time) string {
	return "# CRM custom field migration plan\n" +
		"# Generated: " + ts.Format(time.RFC3339) + "\n" +
		"#\n" +
		"# IMPORTANT: review this plan carefully before executing it.\n" +
		"#\n" +
		"# To validate and execute:\n" +
		"#   fieldmig validate --plan <this file>\n" +
		"#   fieldmig execute --plan <this file> --dry-run=false\n" +
		"#\n\n"
}

var csvHeader = []string{
	"source_field", "target_field", "strategy", "option", "preserve_source",
	"validation_required", "separator", "has_function", "transform", "notes",
}

// writeCSV writes the mappings plus trailing "#" metadata rows
func writeCSV(w io.Writer, doc planDocument) error {
	cw := csv.NewWriter(w)
	rows := [][]string{csvHeader}
	for _, m := range doc.Plan.Mappings {
		rows = append(rows, []string{
			m.SourceField, m.TargetField, m.Strategy, m.Option,
			strconv.FormatBool(m.PreserveSource), strconv.FormatBool(m.ValidationRequired),
			m.Separator, strconv.FormatBool(m.HasFunction), m.Transform, m.Note,
		})
	}
	meta := doc.Metadata
	rows = append(rows,
		[]string{},
		[]string{"# Metadata"},
		[]string{"# format_version", strconv.Itoa(meta.FormatVersion)},
		[]string{"# export_timestamp", meta.ExportTimestamp.Format(time.RFC3339Nano)},
		[]string{"# plan_id", doc.Plan.ID},
		[]string{"# category", string(doc.Plan.Category)},
		[]string{"# mapping_count", strconv.Itoa(meta.PlanSummary.MappingCount)},
		[]string{"# dry_run", strconv.FormatBool(doc.Plan.DryRun)},
	)
	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to write plan CSV: %w", err)
	}
	return nil
}

// readCSV rebuilds a document from a CSV export. Execution parameters not
// carried by CSV take defaults and the plan is always a dry run.
func readCSV(r io.Reader) (planDocument, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return planDocument{}, fmt.Errorf("failed to read plan CSV: %w", err)
	}
	if len(rows) == 0 {
		return planDocument{}, fmt.Errorf("plan CSV is empty")
	}

	columns := make(map[string]int, len(rows[0]))
	for i, name := range rows[0] {
		columns[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"source_field", "target_field", "strategy"} {
		if _, ok := columns[required]; !ok {
			return planDocument{}, fmt.Errorf("plan CSV is missing the %s column", required)
		}
	}
	raw := func(row []string, name string) string {
		if i, ok := columns[name]; ok && i < len(row) {
			return row[i]
		}
		return ""
	}
	cell := func(row []string, name string) string {
		return strings.TrimSpace(raw(row, name))
	}

	doc := planDocument{
		Metadata: documentMetadata{FormatVersion: FormatVersion},
		Plan: planData{
			BatchSize:  DefaultBatchSize,
			MaxWorkers: DefaultMaxWorkers,
			DryRun:     true,
		},
	}
	for _, row := range rows[1:] {
		if len(row) == 0 || (len(row) == 1 && strings.TrimSpace(row[0]) == "") {
			continue
		}
		if first := strings.TrimSpace(row[0]); strings.HasPrefix(first, "#") {
			value := ""
			if len(row) > 1 {
				value = strings.TrimSpace(row[1])
			}
			applyCSVMetadata(&doc, strings.TrimSpace(strings.TrimPrefix(first, "#")), value)
			continue
		}
		doc.Plan.Mappings = append(doc.Plan.Mappings, mappingData{
			SourceField:        cell(row, "source_field"),
			TargetField:        cell(row, "target_field"),
			Strategy:           cell(row, "strategy"),
			Option:             cell(row, "option"),
			PreserveSource:     strings.EqualFold(cell(row, "preserve_source"), "true"),
			ValidationRequired: strings.EqualFold(cell(row, "validation_required"), "true"),
			Separator:          raw(row, "separator"),
			HasFunction:        strings.EqualFold(cell(row, "has_function"), "true"),
			Transform:          cell(row, "transform"),
		})
	}
	return doc, nil
}

func applyCSVMetadata(doc *planDocument, key, value string) {
	switch key {
	case "format_version":
		if v, err := strconv.Atoi(value); err == nil {
			doc.Metadata.FormatVersion = v
		}
	case "export_timestamp":
		if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
			doc.Metadata.ExportTimestamp = ts
		}
	case "plan_id":
		doc.Plan.ID = value
	case "category":
		doc.Plan.Category = fields.Category(value)
	}
}
