package migration

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/kuhlman-labs/crm-field-migrator/internal/codec"
	"github.com/kuhlman-labs/crm-field-migrator/internal/fields"
	"github.com/kuhlman-labs/crm-field-migrator/internal/records"
)

const (
	// DefaultDiscoverySamples is the number of distinct values kept per field
	DefaultDiscoverySamples = 5

	// HighConfidence is the score an opportunity needs to enter a suggested table
	HighConfidence = 0.7
)

// FieldUsage is how many records hold a non-blank value in one field
type FieldUsage struct {
	Field   string `json:"field" yaml:"field"`
	Kind    string `json:"kind" yaml:"kind"`
	Records int    `json:"records" yaml:"records"`
	// Capped is set when counting stopped at the configured record limit
	Capped  bool     `json:"capped,omitempty" yaml:"capped,omitempty"`
	Samples []string `json:"samples,omitempty" yaml:"samples,omitempty"`
}

// Opportunity is a proposed mapping for a field that holds data
type Opportunity struct {
	Source     string   `json:"source" yaml:"source"`
	Target     string   `json:"target" yaml:"target"`
	Strategy   Strategy `json:"strategy" yaml:"strategy"`
	Option     string   `json:"option,omitempty" yaml:"option,omitempty"`
	Confidence float64  `json:"confidence" yaml:"confidence"`
	Records    int      `json:"records" yaml:"records"`
}

// DiscoveryReport summarizes field usage in a category
type DiscoveryReport struct {
	Category           fields.Category `json:"category" yaml:"category"`
	Prefix             string          `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	FieldsScanned      int             `json:"fields_scanned" yaml:"fields_scanned"`
	FieldsWithData     []FieldUsage    `json:"fields_with_data" yaml:"fields_with_data"`
	FieldsWithoutData  []string        `json:"fields_without_data" yaml:"fields_without_data"`
	Opportunities      []Opportunity   `json:"opportunities" yaml:"opportunities"`
	Recommendations    []string        `json:"recommendations" yaml:"recommendations"`
	TotalRecords       int             `json:"total_records" yaml:"total_records"`
	SuggestedBatchSize int             `json:"suggested_batch_size" yaml:"suggested_batch_size"`
}

// SuggestedTable turns the high-confidence opportunities into a mapping table
// ready for review and BuildFromTable
func (r *DiscoveryReport) SuggestedTable() MappingTable {
	var table MappingTable
	for _, o := range r.Opportunities {
		if o.Confidence < HighConfidence {
			continue
		}
		table = append(table, TableEntry{
			Source:   o.Source,
			Target:   o.Target,
			Strategy: string(o.Strategy),
			Option:   o.Option,
		})
	}
	return table
}

// Discoverer counts field usage and proposes mappings without writing anything
type Discoverer struct {
	reader     records.Reader
	fields     fields.Lister
	codec      *codec.Codec
	samples    int
	maxRecords int
	workers    int
	logger     *slog.Logger
}

// DiscovererConfig configures field discovery
type DiscovererConfig struct {
	Reader records.Reader
	Fields fields.Lister
	Codec  *codec.Codec
	// Samples bounds the distinct values kept per field
	Samples int
	// MaxRecords stops counting a field at this many records; zero counts all
	MaxRecords int
	Workers    int
	Logger     *slog.Logger
}

// NewDiscoverer creates a new field discoverer
func NewDiscoverer(cfg DiscovererConfig) (*Discoverer, error) {
	if cfg.Reader == nil {
		return nil, fmt.Errorf("record reader is required")
	}
	if cfg.Fields == nil {
		return nil, fmt.Errorf("field lister is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.New(codec.Options{})
	}
	if cfg.Samples <= 0 {
		cfg.Samples = DefaultDiscoverySamples
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultMaxWorkers
	}
	return &Discoverer{
		reader:     cfg.Reader,
		fields:     cfg.Fields,
		codec:      cfg.Codec,
		samples:    cfg.Samples,
		maxRecords: cfg.MaxRecords,
		workers:    cfg.Workers,
		logger:     cfg.Logger,
	}, nil
}

// Discover counts the records holding data in each field of category. When
// prefix is set only fields named with it are scanned, and opportunities
// point them at fields without it.
func (d *Discoverer) Discover(ctx context.Context, category fields.Category, prefix string) (*DiscoveryReport, error) {
	all, err := d.fields.List(ctx, category)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s fields: %w", category, err)
	}

	var sources, targets []*fields.Descriptor
	for _, f := range all {
		if prefix == "" || hasPrefixFold(f.Name, prefix) {
			sources = append(sources, f)
		}
		if prefix == "" || !hasPrefixFold(f.Name, prefix) {
			targets = append(targets, f)
		}
	}

	usage := make([]FieldUsage, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for i, f := range sources {
		g.Go(func() error {
			u, err := d.count(gctx, f)
			if err != nil {
				return fmt.Errorf("failed to count usage of %q: %w", f.Name, err)
			}
			usage[i] = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &DiscoveryReport{
		Category:          category,
		Prefix:            prefix,
		FieldsScanned:     len(sources),
		FieldsWithData:    []FieldUsage{},
		FieldsWithoutData: []string{},
		Opportunities:     []Opportunity{},
	}
	bySource := make(map[string]*fields.Descriptor, len(sources))
	for i, u := range usage {
		if u.Records == 0 {
			report.FieldsWithoutData = append(report.FieldsWithoutData, u.Field)
			continue
		}
		report.FieldsWithData = append(report.FieldsWithData, u)
		report.TotalRecords = max(report.TotalRecords, u.Records)
		bySource[u.Field] = sources[i]
	}
	sort.SliceStable(report.FieldsWithData, func(i, j int) bool {
		return report.FieldsWithData[i].Records > report.FieldsWithData[j].Records
	})

	for _, u := range report.FieldsWithData {
		if o, ok := propose(bySource[u.Field], targets, prefix); ok {
			o.Records = u.Records
			report.Opportunities = append(report.Opportunities, o)
		}
	}
	sort.SliceStable(report.Opportunities, func(i, j int) bool {
		a, b := report.Opportunities[i], report.Opportunities[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.Records > b.Records
	})

	report.SuggestedBatchSize = batchSizeFor(report.TotalRecords, len(report.FieldsWithData))
	report.Recommendations = recommend(report)

	d.logger.Info("Discovered field usage",
		"category", category,
		"prefix", prefix,
		"fields_scanned", report.FieldsScanned,
		"with_data", len(report.FieldsWithData),
		"opportunities", len(report.Opportunities))
	return report, nil
}

func (d *Discoverer) count(ctx context.Context, f *fields.Descriptor) (FieldUsage, error) {
	u := FieldUsage{Field: f.Name, Kind: f.Kind.String()}
	filter := []records.Condition{{Field: f.Name, Operator: records.OpNotBlank}}
	for rec, err := range d.reader.Search(ctx, filter, []string{f.Name}) {
		if err != nil {
			return u, err
		}
		u.Records++
		if len(u.Samples) < d.samples {
			if v, err := d.codec.Decode(rec.Values[f.Name], f); err == nil {
				if s := codec.Stringify(v); s != "" && !containsString(u.Samples, s) {
					u.Samples = append(u.Samples, s)
				}
			}
		}
		if d.maxRecords > 0 && u.Records >= d.maxRecords {
			u.Capped = true
			break
		}
	}
	return u, nil
}

// propose picks the best target for a source field. A multi-value target with
// an option named like the source wins over a field named like it.
func propose(source *fields.Descriptor, targets []*fields.Descriptor, prefix string) (Opportunity, bool) {
	stem := strings.TrimSpace(source.Name)
	if prefix != "" {
		stem = strings.TrimSpace(stem[len(prefix):])
	}

	var best Opportunity
	for _, t := range targets {
		if t.ID == source.ID {
			continue
		}
		if t.MultiValue && !source.MultiValue {
			for _, option := range t.OptionNames() {
				score := fields.Similarity(stem, option)
				if hasPrefixFold(option, stem) {
					score = max(score, 0.75)
				}
				if score >= fields.MinSimilarity && score > best.Confidence {
					best = Opportunity{Source: source.Name, Target: t.Name, Strategy: StrategyAddOption, Option: option, Confidence: score}
				}
			}
			continue
		}

		score := fields.Similarity(stem, t.Name)
		if score < fields.MinSimilarity || score <= best.Confidence {
			continue
		}
		strategy := StrategyCopyIfEmpty
		if source.MultiValue && t.MultiValue {
			strategy = StrategyMerge
		}
		if ok, _ := compatible(Mapping{Strategy: strategy}, source, t); !ok {
			continue
		}
		best = Opportunity{Source: source.Name, Target: t.Name, Strategy: strategy, Confidence: score}
	}
	best.Confidence = min(best.Confidence, 1)
	return best, best.Target != ""
}

// batchSizeFor scales the batch size with record volume and shrinks it as
// more fields are involved
func batchSizeFor(totalRecords, fieldCount int) int {
	size := 100
	switch {
	case totalRecords < 100:
		size = 25
	case totalRecords < 1000:
		size = 50
	}
	switch {
	case fieldCount > 10:
		size = max(25, size/2)
	case fieldCount > 5:
		size = max(50, size*3/4)
	}
	return size
}

func recommend(r *DiscoveryReport) []string {
	var out []string
	if r.TotalRecords > 1000 {
		out = append(out, fmt.Sprintf("Large dataset (%d records): run with batch size %d and raise max workers if the API allows it",
			r.TotalRecords, r.SuggestedBatchSize))
	}
	high := 0
	for _, o := range r.Opportunities {
		if o.Confidence >= HighConfidence {
			high++
		}
	}
	if high > 0 {
		out = append(out, fmt.Sprintf("%d high-confidence mapping(s) found: review the suggested table before planning", high))
	}
	if low := len(r.Opportunities) - high; low > 0 {
		out = append(out, fmt.Sprintf("%d low-confidence mapping(s) need a manual target choice", low))
	}
	if len(r.FieldsWithData) > 10 {
		out = append(out, "Many fields hold data: split the migration into several plans")
	}
	if len(r.FieldsWithoutData) > 0 {
		out = append(out, fmt.Sprintf("%d field(s) hold no data and need no migration: %s",
			len(r.FieldsWithoutData), strings.Join(r.FieldsWithoutData, ", ")))
	}
	if len(out) == 0 {
		out = append(out, "Discovery complete: ready for migration planning")
	}
	return out
}

// WriteMappingTable writes table as YAML that ParseMappingTable reads back.
// Empty keys are left out.
func WriteMappingTable(w io.Writer, table MappingTable) error {
	root := &yaml.Node{Kind: yaml.MappingNode}
	scalar := func(v string) *yaml.Node { return &yaml.Node{Kind: yaml.ScalarNode, Value: v} }
	for _, e := range table {
		if e.Skip {
			root.Content = append(root.Content, scalar(e.Source), scalar(SkipMarker))
			continue
		}
		entry := &yaml.Node{Kind: yaml.MappingNode}
		add := func(key, value string) {
			if value != "" {
				entry.Content = append(entry.Content, scalar(key), scalar(value))
			}
		}
		add("field", e.Target)
		add("strategy", e.Strategy)
		add("option", e.Option)
		add("transform", e.Transform)
		if e.PreserveSource {
			add("preserve_source", "true")
		}
		if e.ValidationRequired {
			add("validation_required", "true")
		}
		add("separator", e.Separator)
		root.Content = append(root.Content, scalar(e.Source), entry)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{root}}); err != nil {
		return fmt.Errorf("failed to encode mapping table: %w", err)
	}
	return enc.Close()
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
