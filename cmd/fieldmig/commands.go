package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kuhlman-labs/crm-field-migrator/internal/fields"
	"github.com/kuhlman-labs/crm-field-migrator/internal/migration"
	"github.com/kuhlman-labs/crm-field-migrator/internal/models"
	"github.com/kuhlman-labs/crm-field-migrator/internal/records"
	"github.com/kuhlman-labs/crm-field-migrator/internal/storage"
)

// scopeFlags are the flags that narrow a plan's working set
type scopeFlags struct {
	ids     []string
	filters []string
}

func (s *scopeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&s.ids, "ids", nil, "record IDs to migrate (comma-separated)")
	cmd.Flags().StringArrayVar(&s.filters, "filter", nil, `search condition "Field:OPERATOR[:value]" (repeatable)`)
}

func (s *scopeFlags) options() ([]migration.PlanOption, error) {
	if len(s.ids) > 0 && len(s.filters) > 0 {
		return nil, fmt.Errorf("--ids and --filter are mutually exclusive")
	}
	if len(s.ids) > 0 {
		return []migration.PlanOption{migration.ForResources(s.ids)}, nil
	}
	if len(s.filters) == 0 {
		return nil, nil
	}
	conditions := make([]records.Condition, 0, len(s.filters))
	for _, f := range s.filters {
		c, err := parseCondition(f)
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, c)
	}
	return []migration.PlanOption{migration.ForFilter(conditions)}, nil
}

// parseCondition reads "Field:OPERATOR[:value[:value_to]]"
func parseCondition(s string) (records.Condition, error) {
	parts := strings.SplitN(s, ":", 4)
	if len(parts) < 2 || strings.TrimSpace(parts[0]) == "" {
		return records.Condition{}, fmt.Errorf("invalid filter %q: want Field:OPERATOR[:value]", s)
	}
	c := records.Condition{
		Field:    strings.TrimSpace(parts[0]),
		Operator: records.Operator(strings.ToUpper(strings.TrimSpace(parts[1]))),
	}
	if len(parts) > 2 {
		c.Value = parts[2]
	}
	if len(parts) > 3 {
		c.ValueTo = parts[3]
	}
	return c, nil
}

// planSource loads a plan from either a mapping table or a plan document
type planSource struct {
	mapping string
	plan    string
	scope   scopeFlags
}

func (p *planSource) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&p.mapping, "mapping", "m", "", "mapping table (YAML or JSON)")
	cmd.Flags().StringVarP(&p.plan, "plan", "p", "", "exported plan document")
	p.scope.register(cmd)
	cmd.MarkFlagsMutuallyExclusive("mapping", "plan")
	cmd.MarkFlagsOneRequired("mapping", "plan")
}

func (p *planSource) load(ctx context.Context, a *app) (*migration.Plan, error) {
	opts, err := p.scope.options()
	if err != nil {
		return nil, err
	}

	if p.plan != "" {
		serializer, err := a.serializer()
		if err != nil {
			return nil, err
		}
		imported, err := serializer.ImportFrom(p.plan)
		if err != nil {
			return nil, err
		}
		printWarnings(imported.Warnings)
		if imported.Stale != nil {
			printWarnings([]string{imported.Stale.Error()})
		}
		plan := imported.Plan
		if len(p.scope.ids) > 0 {
			plan = plan.WithResourceIDs(p.scope.ids)
		} else if len(opts) > 0 {
			return nil, fmt.Errorf("--filter cannot be combined with --plan; rebuild the plan from its mapping table")
		}
		return plan, nil
	}

	build, err := buildFromFile(ctx, a, p.mapping, opts...)
	if err != nil {
		return nil, err
	}
	return build.Plan, nil
}

func buildFromFile(ctx context.Context, a *app, path string, opts ...migration.PlanOption) (*migration.Build, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping table: %w", err)
	}
	table, err := migration.ParseMappingTable(data)
	if err != nil {
		return nil, err
	}
	planner, err := a.planner()
	if err != nil {
		return nil, err
	}
	build, err := planner.BuildFromTable(ctx, table, opts...)
	if err != nil {
		return nil, err
	}
	printWarnings(build.Warnings)
	return build, nil
}

func fieldsCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "fields",
		Short: "List the custom fields of a record category",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if refresh {
					if err := a.fields.Refresh(ctx, a.category); err != nil {
						return err
					}
				}
				descriptors, err := a.fields.List(ctx, a.category)
				if err != nil {
					return err
				}
				return printFields(a.category, descriptors)
			})
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "bypass the field metadata cache")
	return cmd
}

func templateCmd() *cobra.Command {
	var (
		names   []string
		targets map[string]string
		out     string
		all     bool
	)
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Write a starter mapping table",
		Long:  "Write a mapping table listing source fields with TODO_SPECIFY_TARGET placeholders for their targets.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if all {
					descriptors, err := a.fields.List(ctx, a.category)
					if err != nil {
						return err
					}
					names = names[:0]
					for _, d := range descriptors {
						names = append(names, d.Name)
					}
				}
				if len(names) == 0 {
					return fmt.Errorf("pass --fields or --all")
				}
				serializer, err := a.serializer()
				if err != nil {
					return err
				}

				var buf bytes.Buffer
				if err := serializer.Template(&buf, names, targets); err != nil {
					return err
				}
				if out == "" || out == "-" {
					_, err := os.Stdout.Write(buf.Bytes())
					return err
				}
				if err := os.WriteFile(out, buf.Bytes(), 0o644); err != nil {
					return fmt.Errorf("failed to write template: %w", err)
				}
				fmt.Printf("Wrote mapping template for %d fields to %s\n", len(names), out)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&names, "fields", nil, "source fields to include")
	cmd.Flags().BoolVar(&all, "all", false, "include every custom field of the category")
	cmd.Flags().StringToStringVar(&targets, "target", nil, "prefill targets as source=target")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func planCmd() *cobra.Command {
	var (
		mapping     string
		out         string
		format      string
		analyze     bool
		dryRun      bool
		cleanupOnly bool
		batchSize   int
		maxWorkers  int
		scope       scopeFlags
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Build a reviewable plan document from a mapping table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				opts, err := scope.options()
				if err != nil {
					return err
				}
				opts = append(opts, migration.AsDryRun(dryRun), migration.AsCleanupOnly(cleanupOnly))
				if cmd.Flags().Changed("batch-size") {
					opts = append(opts, migration.WithBatchSize(batchSize))
				}
				if cmd.Flags().Changed("max-workers") {
					opts = append(opts, migration.WithMaxWorkers(maxWorkers))
				}

				build, err := buildFromFile(ctx, a, mapping, opts...)
				if err != nil {
					return err
				}
				printPlan(build.Plan)

				exportOpts := migration.ExportOptions{}
				if format != "" {
					if exportOpts.Format, err = migration.ParseFormat(format); err != nil {
						return err
					}
				}
				if analyze {
					analyzer, err := a.analyzer(0)
					if err != nil {
						return err
					}
					report, err := analyzer.Analyze(ctx, build.Plan)
					if err != nil {
						return err
					}
					if err := printConflicts(report); err != nil {
						return err
					}
					exportOpts.Conflicts = report
				}

				serializer, err := a.serializer()
				if err != nil {
					return err
				}
				path, err := serializer.ExportTo(build.Plan, out, exportOpts)
				if err != nil {
					return err
				}
				fmt.Printf("Plan %s written to %s. Review it, then run: fieldmig execute --plan %s\n", build.Plan.ID, path, path)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&mapping, "mapping", "m", "", "mapping table (YAML or JSON)")
	cmd.Flags().StringVarP(&out, "out", "o", "migration_plan.yaml", "plan document path")
	cmd.Flags().StringVar(&format, "format", "", "yaml, json or csv (default from --out extension)")
	cmd.Flags().BoolVar(&analyze, "analyze", false, "scan records for conflicts and embed the report")
	cmd.Flags().BoolVar(&dryRun, "dry-run", true, "mark the plan as a dry run")
	cmd.Flags().BoolVar(&cleanupOnly, "cleanup-only", false, "only clear sources whose values already reached their targets")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "records per batch (default from config)")
	cmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "parallel workers (default from config)")
	scope.register(cmd)
	_ = cmd.MarkFlagRequired("mapping")
	return cmd
}

func analyzeCmd() *cobra.Command {
	var (
		src    planSource
		sample int
	)
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Report field and value conflicts without writing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				plan, err := src.load(ctx, a)
				if err != nil {
					return err
				}
				analyzer, err := a.analyzer(sample)
				if err != nil {
					return err
				}
				report, err := analyzer.Analyze(ctx, plan)
				if err != nil {
					return err
				}
				return printConflicts(report)
			})
		},
	}
	src.register(cmd)
	cmd.Flags().IntVar(&sample, "sample", 0, "maximum records to scan (0 scans the whole working set)")
	return cmd
}

func recommendCmd() *cobra.Command {
	var (
		src   planSource
		count int
	)
	cmd := &cobra.Command{
		Use:   "recommend",
		Short: "Recommend an execution strategy and estimate API calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				plan, err := src.load(ctx, a)
				if err != nil {
					return err
				}
				return printRecommendation(migration.Recommend(plan, count))
			})
		},
	}
	src.register(cmd)
	cmd.Flags().IntVar(&count, "count", -1, "expected number of records (default: plan IDs or an estimate)")
	return cmd
}

func validateCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check that every field named by a plan document still exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				serializer, err := a.serializer()
				if err != nil {
					return err
				}
				imported, err := serializer.ImportFrom(path)
				if err != nil {
					return err
				}
				printWarnings(imported.Warnings)
				if imported.Stale != nil {
					printWarnings([]string{imported.Stale.Error()})
				}
				if err := serializer.Validate(ctx, imported.Plan); err != nil {
					return fmt.Errorf("plan %s is invalid:\n%w", imported.Plan.ID, err)
				}
				validator, err := a.validator()
				if err != nil {
					return err
				}
				report, err := validator.Validate(ctx, imported.Plan)
				if err != nil {
					return err
				}
				if err := printValidation(report); err != nil {
					return err
				}
				if !report.Valid() {
					return fmt.Errorf("plan %s is invalid: %d mapping error(s)", imported.Plan.ID, len(report.Errors()))
				}
				printPlan(imported.Plan)
				fmt.Printf("Plan %s is valid\n", imported.Plan.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&path, "plan", "p", "", "plan document")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func discoverCmd() *cobra.Command {
	var (
		prefix     string
		out        string
		maxRecords int
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Count the records holding data in each field and suggest mappings",
		Long: "Search the category once per field for non-blank values, report which fields hold data, " +
			"and propose targets for them. With --out the high-confidence proposals are written as a mapping table.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				discoverer, err := a.discoverer(maxRecords)
				if err != nil {
					return err
				}
				report, err := discoverer.Discover(ctx, a.category, prefix)
				if err != nil {
					return err
				}
				if err := printDiscovery(report); err != nil {
					return err
				}
				if out == "" {
					return nil
				}
				table := report.SuggestedTable()
				if len(table) == 0 {
					printWarnings([]string{"no high-confidence mappings to write"})
					return nil
				}
				var buf bytes.Buffer
				if err := migration.WriteMappingTable(&buf, table); err != nil {
					return err
				}
				if err := os.WriteFile(out, buf.Bytes(), 0o644); err != nil {
					return fmt.Errorf("failed to write mapping table: %w", err)
				}
				fmt.Printf("Wrote %d suggested mappings to %s\n", len(table), out)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only scan fields whose names start with this prefix (e.g. V-)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write suggested mappings as a mapping table")
	cmd.Flags().IntVar(&maxRecords, "max-records", 0, "stop counting a field after this many records (0 counts all)")
	return cmd
}

func suggestCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "suggest <field>...",
		Short: "List existing fields with names similar to the given ones",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				suggestions, err := fields.SuggestTargets(ctx, a.fields, a.category, args, limit)
				if err != nil {
					return err
				}
				return printSuggestions(args, suggestions)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", fields.MaxSuggestions, "maximum candidates per field")
	return cmd
}

func executeCmd() *cobra.Command {
	var (
		path     string
		strategy string
		dryRun   bool
		record   bool
		queue    bool
		verbose  bool
		ids      []string
	)
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Execute a reviewed plan document",
		Long: `Execute a reviewed plan document. The document's dry_run setting applies
unless --dry-run is passed. With --queue the plan is handed to the worker of a
running 'fieldmig serve' instead of being executed here.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				serializer, err := a.serializer()
				if err != nil {
					return err
				}
				imported, err := serializer.ImportFrom(path)
				if err != nil {
					return err
				}
				printWarnings(imported.Warnings)
				if imported.Stale != nil {
					printWarnings([]string{imported.Stale.Error()})
				}
				plan := imported.Plan
				if err := serializer.Validate(ctx, plan); err != nil {
					return fmt.Errorf("plan %s is invalid:\n%w", plan.ID, err)
				}
				if err := checkMappings(ctx, a, plan); err != nil {
					return err
				}
				if cmd.Flags().Changed("dry-run") {
					plan = plan.WithDryRun(dryRun)
				}
				if len(ids) > 0 {
					plan = plan.WithResourceIDs(ids)
				}

				if strategy == "" {
					strategy = a.cfg.Migration.Strategy
				}
				exec, err := migration.ParseExecutionStrategy(strategy)
				if err != nil {
					return err
				}

				if queue || record {
					db, err := a.database()
					if err != nil {
						return err
					}
					defer func() { _ = db.Close() }()

					if queue {
						return queuePlan(ctx, serializer, db, plan, exec)
					}
					return executePlan(ctx, a, plan, exec, db, verbose)
				}
				return executePlan(ctx, a, plan, exec, nil, verbose)
			})
		},
	}
	cmd.Flags().StringVarP(&path, "plan", "p", "", "plan document")
	cmd.Flags().StringVarP(&strategy, "strategy", "s", "", "auto, sequential, parallel, put_batch or hybrid (default from config)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", true, "override the document's dry_run setting")
	cmd.Flags().BoolVar(&record, "record", true, "save the run to run history")
	cmd.Flags().BoolVar(&queue, "queue", false, "queue the plan for the serve worker instead of executing it")
	cmd.Flags().BoolVar(&verbose, "details", false, "show every record outcome, not only failures")
	cmd.Flags().StringSliceVar(&ids, "ids", nil, "restrict the plan to these record IDs (resume with the IDs a run did not process)")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func executePlan(ctx context.Context, a *app, plan *migration.Plan, strategy migration.ExecutionStrategy, recorder migration.RunRecorder, verbose bool) error {
	progress := func(done, total int, outcome *migration.RecordOutcome) {
		a.logger.Debug("Record processed", "resource_id", outcome.ResourceID, "status", outcome.Status, "done", done, "total", total)
	}
	executor, err := a.executor(recorder, progress)
	if err != nil {
		return err
	}

	result, err := executor.Execute(ctx, plan, strategy)
	if result != nil {
		if perr := printResult(result, verbose); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}
	if result.Failed > 0 {
		return fmt.Errorf("%d of %d records failed", result.Failed, result.TotalResources)
	}
	return nil
}

// checkMappings runs the mapping validator, printing warnings and failing on errors
func checkMappings(ctx context.Context, a *app, plan *migration.Plan) error {
	validator, err := a.validator()
	if err != nil {
		return err
	}
	report, err := validator.Validate(ctx, plan)
	if err != nil {
		return err
	}
	printWarnings(report.Warnings())
	if !report.Valid() {
		return fmt.Errorf("plan %s is invalid:\n%s", plan.ID, strings.Join(report.Errors(), "\n"))
	}
	return nil
}

func queuePlan(ctx context.Context, serializer *migration.Serializer, runs storage.RunStore, plan *migration.Plan, strategy migration.ExecutionStrategy) error {
	var doc bytes.Buffer
	if err := serializer.Export(plan, &doc, migration.ExportOptions{Format: migration.FormatYAML, NoComments: true}); err != nil {
		return err
	}
	run := &models.MigrationRun{
		PlanID:       plan.ID,
		Category:     string(plan.Category),
		Strategy:     string(strategy),
		DryRun:       plan.DryRun,
		CleanupOnly:  plan.CleanupOnly,
		PlanDocument: doc.String(),
	}
	if err := runs.QueueRun(ctx, run); err != nil {
		return err
	}
	fmt.Printf("Queued run %s for plan %s\n", run.ID, plan.ID)
	return nil
}

func benchmarkCmd() *cobra.Command {
	var (
		src    planSource
		sample int
	)
	cmd := &cobra.Command{
		Use:   "benchmark",
		Short: "Dry-run each bulk strategy on a sample and compare throughput",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				plan, err := src.load(ctx, a)
				if err != nil {
					return err
				}
				executor, err := a.executor(nil, nil)
				if err != nil {
					return err
				}
				metrics, err := executor.Benchmark(ctx, plan, sample)
				if err != nil {
					return err
				}
				return printBenchmark(metrics)
			})
		},
	}
	src.register(cmd)
	cmd.Flags().IntVar(&sample, "sample", 10, "records to benchmark on")
	return cmd
}
