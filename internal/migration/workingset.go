package migration

import (
	"context"
	"fmt"

	"github.com/kuhlman-labs/crm-field-migrator/internal/records"
)

// resolveWorkingSet returns the record IDs a plan targets and the number of
// searches issued. Explicit IDs win, then the filter, then every record whose
// source field is not blank for any mapping. A positive limit stops early.
func resolveWorkingSet(ctx context.Context, reader records.Reader, plan *Plan, limit int) ([]string, int, error) {
	if len(plan.ResourceIDs) > 0 {
		ids := dedupe(plan.ResourceIDs)
		if limit > 0 && len(ids) > limit {
			ids = ids[:limit]
		}
		return ids, 0, nil
	}

	var filters [][]records.Condition
	if len(plan.ResourceFilter) > 0 {
		filters = [][]records.Condition{plan.ResourceFilter}
	} else {
		for _, field := range plan.SourceFields() {
			filters = append(filters, []records.Condition{{Field: field, Operator: records.OpNotBlank}})
		}
	}

	var ids []string
	searches := 0
	seen := make(map[string]bool)
	for _, filter := range filters {
		searches++
		for rec, err := range reader.Search(ctx, filter, nil) {
			if err != nil {
				return nil, searches, fmt.Errorf("failed to build working set: %w", err)
			}
			if seen[rec.ID] {
				continue
			}
			seen[rec.ID] = true
			ids = append(ids, rec.ID)
			if limit > 0 && len(ids) >= limit {
				return ids, searches, nil
			}
		}
	}
	return ids, searches, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
