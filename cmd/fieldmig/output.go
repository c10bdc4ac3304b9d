package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/viper"

	"github.com/kuhlman-labs/crm-field-migrator/internal/fields"
	"github.com/kuhlman-labs/crm-field-migrator/internal/migration"
	"github.com/kuhlman-labs/crm-field-migrator/internal/models"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(title string) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	if title != "" {
		tw.SetTitle(title)
	}
	return tw
}

func printWarnings(warnings []string) {
	for _, w := range warnings {
		fmt.Fprintln(os.Stderr, text.FgYellow.Sprint("warning: ")+w)
	}
}

func printFields(category fields.Category, descriptors []*fields.Descriptor) error {
	if viper.GetBool("json") {
		return printJSON(descriptors)
	}
	tw := newTable(fmt.Sprintf("%s custom fields", category))
	tw.AppendHeader(table.Row{"ID", "Name", "Display Type", "Kind", "Options"})
	for _, d := range descriptors {
		tw.AppendRow(table.Row{d.ID, d.Name, d.DisplayType, d.Kind, strings.Join(d.OptionNames(), ", ")})
	}
	tw.AppendFooter(table.Row{"", fmt.Sprintf("%d fields", len(descriptors))})
	tw.Render()
	return nil
}

func printPlan(plan *migration.Plan) {
	mode := "dry run"
	if !plan.DryRun {
		mode = text.FgRed.Sprint("LIVE")
	}
	tw := newTable(fmt.Sprintf("Plan %s (%s, %s)", plan.ID, plan.Category, mode))
	tw.AppendHeader(table.Row{"#", "Source", "Target", "Strategy", "Option / Transform", "Preserve Source"})
	for i, m := range plan.Mappings {
		detail := m.Option
		if m.TransformName != "" {
			detail = m.TransformName
		}
		tw.AppendRow(table.Row{i + 1, m.SourceField, m.TargetField, m.Strategy, detail, m.PreserveSource})
	}
	scope := "default working set"
	switch {
	case len(plan.ResourceIDs) > 0:
		scope = fmt.Sprintf("%d records", len(plan.ResourceIDs))
	case len(plan.ResourceFilter) > 0:
		scope = fmt.Sprintf("%d search conditions", len(plan.ResourceFilter))
	}
	tw.AppendFooter(table.Row{"", "scope", scope, "batch", plan.BatchSize, fmt.Sprintf("workers %d", plan.MaxWorkers)})
	tw.Render()
}

func printConflicts(report *migration.ConflictReport) error {
	if viper.GetBool("json") {
		return printJSON(report)
	}

	if len(report.FieldConflicts) > 0 {
		tw := newTable("Field conflicts")
		tw.AppendHeader(table.Row{"Category", "Fields"})
		categories := make([]string, 0, len(report.FieldConflicts))
		for c := range report.FieldConflicts {
			categories = append(categories, string(c))
		}
		sort.Strings(categories)
		for _, c := range categories {
			tw.AppendRow(table.Row{c, strings.Join(report.FieldConflicts[migration.ConflictCategory(c)], "\n")})
		}
		tw.Render()
	}

	if len(report.ValueConflicts) > 0 {
		tw := newTable("Value conflicts")
		tw.AppendHeader(table.Row{"Record", "Source", "Target", "Source Value", "Target Value"})
		for _, c := range report.ValueConflicts {
			tw.AppendRow(table.Row{c.ResourceID, c.SourceField, c.TargetField, c.SourceValue, c.TargetValue})
		}
		tw.Render()
	}

	if !report.HasConflicts() {
		fmt.Printf("No conflicts found in %d scanned records\n", report.RecordsScanned)
	} else {
		fmt.Printf("%d records scanned\n", report.RecordsScanned)
	}
	for _, s := range report.ResolutionSuggestions {
		fmt.Println(" - " + s)
	}
	printWarnings(report.Warnings)
	return nil
}

func printValidation(report *migration.ValidationReport) error {
	if viper.GetBool("json") {
		return printJSON(report)
	}
	if len(report.Issues) > 0 {
		tw := newTable("Mapping issues")
		tw.AppendHeader(table.Row{"Severity", "Kind", "Field", "Message", "Suggestion"})
		for _, issue := range report.Issues {
			tw.AppendRow(table.Row{colorSeverity(issue.Severity), issue.Kind, issue.Field, issue.Message, issue.Suggestion})
		}
		tw.Render()
	}
	for _, s := range report.Suggestions {
		fmt.Println(" - " + s)
	}
	return nil
}

func colorSeverity(sev migration.Severity) string {
	switch sev {
	case migration.SeverityError:
		return text.FgRed.Sprint(sev)
	case migration.SeverityWarning:
		return text.FgYellow.Sprint(sev)
	default:
		return string(sev)
	}
}

func printDiscovery(report *migration.DiscoveryReport) error {
	if viper.GetBool("json") {
		return printJSON(report)
	}
	tw := newTable(fmt.Sprintf("%s field usage", report.Category))
	tw.AppendHeader(table.Row{"Field", "Kind", "Records", "Samples"})
	for _, u := range report.FieldsWithData {
		count := fmt.Sprint(u.Records)
		if u.Capped {
			count += "+"
		}
		tw.AppendRow(table.Row{u.Field, u.Kind, count, strings.Join(u.Samples, ", ")})
	}
	tw.AppendFooter(table.Row{"", "", fmt.Sprintf("%d of %d fields hold data", len(report.FieldsWithData), report.FieldsScanned)})
	tw.Render()

	if len(report.Opportunities) > 0 {
		ow := newTable("Suggested mappings")
		ow.AppendHeader(table.Row{"Source", "Target", "Strategy", "Option", "Confidence", "Records"})
		for _, o := range report.Opportunities {
			ow.AppendRow(table.Row{o.Source, o.Target, o.Strategy, o.Option, fmt.Sprintf("%.2f", o.Confidence), o.Records})
		}
		ow.Render()
	}
	fmt.Printf("Suggested batch size: %d\n", report.SuggestedBatchSize)
	for _, r := range report.Recommendations {
		fmt.Println(" - " + r)
	}
	return nil
}

func printSuggestions(sources []string, suggestions map[string][]fields.Match) error {
	if viper.GetBool("json") {
		return printJSON(suggestions)
	}
	tw := newTable("Similar fields")
	tw.AppendHeader(table.Row{"Field", "Candidate", "Score"})
	for _, source := range sources {
		matches := suggestions[source]
		if len(matches) == 0 {
			tw.AppendRow(table.Row{source, "-", ""})
			continue
		}
		for _, m := range matches {
			tw.AppendRow(table.Row{source, m.Name, fmt.Sprintf("%.2f", m.Score)})
		}
	}
	tw.Render()
	return nil
}

func printRecommendation(rec migration.Recommendation) error {
	if viper.GetBool("json") {
		return printJSON(rec)
	}
	tw := newTable("Strategy recommendation")
	tw.AppendRows([]table.Row{
		{"Strategy", rec.Strategy},
		{"Records", rec.ResourceCount},
		{"Mappings", rec.MappingCount},
		{"Estimated API calls", rec.EstimatedAPICalls},
	})
	tw.Render()
	for _, r := range rec.Recommendations {
		fmt.Println(" - " + r)
	}
	return nil
}

func printResult(result *migration.Result, verbose bool) error {
	if viper.GetBool("json") {
		return printJSON(result)
	}

	title := "Migration result"
	if result.DryRun {
		title += " (dry run)"
	}
	tw := newTable(title)
	tw.AppendRows([]table.Row{
		{"Plan", result.PlanID},
		{"Strategy", result.Strategy},
		{"Records", result.TotalResources},
		{"Successful", text.FgGreen.Sprint(result.Successful)},
		{"Failed", text.FgRed.Sprint(result.Failed)},
		{"Skipped", result.Skipped},
		{"API calls", result.APICalls},
		{"Duration", result.Duration.Round(1e6)},
	})
	tw.Render()

	ids := make([]string, 0, len(result.Details))
	for id, o := range result.Details {
		if verbose || o.Status == migration.RecordFailed {
			ids = append(ids, id)
		}
	}
	if len(ids) > 0 {
		sort.Strings(ids)
		dt := newTable("Record outcomes")
		dt.AppendHeader(table.Row{"Record", "Mapping", "Status", "Reason"})
		for _, id := range ids {
			for _, m := range result.Details[id].Mappings {
				dt.AppendRow(table.Row{id, m.SourceField + " -> " + m.TargetField, m.Status, m.Reason})
			}
		}
		dt.SetColumnConfigs([]table.ColumnConfig{{Number: 1, AutoMerge: true}})
		dt.Render()
	}

	if remaining := result.Remaining(); len(remaining) > 0 {
		fmt.Printf("%d records were not processed: %s\n", len(remaining), strings.Join(remaining, ","))
	}
	for _, e := range result.Errors {
		fmt.Fprintln(os.Stderr, text.FgRed.Sprint("error: ")+e)
	}
	printWarnings(result.Warnings)
	return nil
}

func printBenchmark(metrics []migration.BenchmarkMetrics) error {
	if viper.GetBool("json") {
		return printJSON(metrics)
	}
	tw := newTable("Strategy benchmark (dry run)")
	tw.AppendHeader(table.Row{"Strategy", "Records", "API Calls", "Duration", "Records/s", "Calls/s", "Error"})
	for _, m := range metrics {
		tw.AppendRow(table.Row{m.Strategy, m.Resources, m.APICalls, m.Duration.Round(1e6),
			fmt.Sprintf("%.1f", m.ResourcesPerSecond), fmt.Sprintf("%.1f", m.APICallsPerSecond), m.Error})
	}
	tw.Render()
	return nil
}

func printRuns(runs []*models.MigrationRun) error {
	if viper.GetBool("json") {
		return printJSON(runs)
	}
	tw := newTable("Migration runs")
	tw.AppendHeader(table.Row{"ID", "Plan", "Status", "Strategy", "Dry Run", "Records", "OK", "Failed", "Skipped", "Queued"})
	for _, r := range runs {
		tw.AppendRow(table.Row{r.ID, r.PlanID, colorStatus(r.Status), r.Strategy, r.DryRun,
			r.TotalResources, r.Successful, r.Failed, r.Skipped, r.QueuedAt.Local().Format("2006-01-02 15:04")})
	}
	tw.Render()
	return nil
}

func printRun(run *models.MigrationRun, outcomes []models.RunRecordOutcome) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"run": run, "outcomes": outcomes})
	}
	tw := newTable("Run " + run.ID)
	tw.AppendRows([]table.Row{
		{"Plan", run.PlanID},
		{"Category", run.Category},
		{"Status", colorStatus(run.Status)},
		{"Strategy", run.Strategy},
		{"Dry run", run.DryRun},
		{"Records", run.TotalResources},
		{"Successful", run.Successful},
		{"Failed", run.Failed},
		{"Skipped", run.Skipped},
		{"API calls", run.APICalls},
	})
	if run.Message != nil {
		tw.AppendRow(table.Row{"Message", *run.Message})
	}
	tw.Render()

	if len(outcomes) > 0 {
		ot := newTable("Record outcomes")
		ot.AppendHeader(table.Row{"Record", "Status"})
		for _, o := range outcomes {
			ot.AppendRow(table.Row{o.ResourceID, o.Status})
		}
		ot.Render()
	}
	for _, e := range run.ErrorList() {
		fmt.Fprintln(os.Stderr, text.FgRed.Sprint("error: ")+e)
	}
	printWarnings(run.WarningList())
	return nil
}

func colorStatus(status string) string {
	switch status {
	case models.RunStatusCompleted:
		return text.FgGreen.Sprint(status)
	case models.RunStatusFailed:
		return text.FgRed.Sprint(status)
	case models.RunStatusInterrupted:
		return text.FgYellow.Sprint(status)
	default:
		return status
	}
}
