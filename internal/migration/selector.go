package migration

import (
	"context"
	"fmt"
	"time"
)

// UnknownResourceCount is assumed when a plan's working set has not been resolved
const UnknownResourceCount = 1000

// SelectStrategy picks an execution strategy from the plan shape. Many records
// with many mappings go hybrid; many of either go put_batch; the rest parallel.
func SelectStrategy(plan *Plan, resourceCount int) ExecutionStrategy {
	mappings := len(plan.Mappings)
	switch {
	case resourceCount > 100 && mappings > 5:
		return ExecHybrid
	case mappings > 3 || resourceCount > 50:
		return ExecPutBatch
	default:
		return ExecParallel
	}
}

// ResolveStrategy honors an explicit choice and selects one for auto
func ResolveStrategy(requested ExecutionStrategy, plan *Plan, resourceCount int) ExecutionStrategy {
	if requested == "" || requested == ExecAuto {
		return SelectStrategy(plan, resourceCount)
	}
	return requested
}

// Recommendation is the performance advice for a plan
type Recommendation struct {
	Strategy          ExecutionStrategy `json:"recommended_strategy"`
	ResourceCount     int               `json:"resource_count"`
	MappingCount      int               `json:"mapping_count"`
	EstimatedAPICalls int               `json:"estimated_api_calls"`
	Recommendations   []string          `json:"recommendations"`
}

// Recommend estimates call volume and suggests tuning. A negative resourceCount
// falls back to the plan's explicit IDs or UnknownResourceCount.
func Recommend(plan *Plan, resourceCount int) Recommendation {
	if resourceCount < 0 {
		resourceCount = UnknownResourceCount
		if len(plan.ResourceIDs) > 0 {
			resourceCount = len(plan.ResourceIDs)
		}
	}
	mappings := len(plan.Mappings)
	rec := Recommendation{
		Strategy:          SelectStrategy(plan, resourceCount),
		ResourceCount:     resourceCount,
		MappingCount:      mappings,
		EstimatedAPICalls: resourceCount * mappings * 2,
		Recommendations:   []string{},
	}

	if rec.EstimatedAPICalls > 1000 {
		rec.Recommendations = append(rec.Recommendations,
			"Consider the put_batch strategy: one combined write per record roughly halves API calls")
	}
	if resourceCount > 100 {
		rec.Recommendations = append(rec.Recommendations,
			"Use parallel processing with max_workers between 3 and 5 for better throughput")
	}
	if mappings > 5 {
		rec.Recommendations = append(rec.Recommendations,
			"Multiple mappings detected: the hybrid strategy may give the best performance")
	}
	if plan.BatchSize > 100 {
		rec.Recommendations = append(rec.Recommendations,
			"Consider smaller batch sizes (50-100) for better error isolation")
	}
	return rec
}

// BenchmarkMetrics is the measured cost of one strategy on a sample
type BenchmarkMetrics struct {
	Strategy           ExecutionStrategy `json:"strategy"`
	Resources          int               `json:"resources"`
	APICalls           int               `json:"api_calls"`
	Duration           time.Duration     `json:"duration"`
	ResourcesPerSecond float64           `json:"resources_per_second"`
	APICallsPerSecond  float64           `json:"api_calls_per_second"`
	Error              string            `json:"error,omitempty"`
}

// Benchmark dry-runs the parallel, put_batch and hybrid strategies on the first
// sampleSize records of the plan's working set
func (e *Executor) Benchmark(ctx context.Context, plan *Plan, sampleSize int) ([]BenchmarkMetrics, error) {
	if sampleSize <= 0 {
		return nil, fmt.Errorf("sample size must be positive, got %d", sampleSize)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	ids, _, err := resolveWorkingSet(ctx, e.store, plan, sampleSize)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no records available for benchmarking")
	}

	sample := plan.WithResourceIDs(ids).WithDryRun(true)
	sample.BatchSize = len(ids)

	e.logger.Info("Benchmarking migration strategies", "plan_id", plan.ID, "sample_size", len(ids))

	metrics := make([]BenchmarkMetrics, 0, 3)
	for _, strategy := range []ExecutionStrategy{ExecParallel, ExecPutBatch, ExecHybrid} {
		m := BenchmarkMetrics{Strategy: strategy, Resources: len(ids)}
		result, err := e.execute(ctx, sample, strategy, false)
		if err != nil {
			e.logger.Error("Benchmark strategy failed", "strategy", strategy, "error", err)
			m.Error = err.Error()
			metrics = append(metrics, m)
			continue
		}
		m.APICalls = result.APICalls
		m.Duration = result.Duration
		if secs := result.Duration.Seconds(); secs > 0 {
			m.ResourcesPerSecond = float64(result.TotalResources) / secs
			m.APICallsPerSecond = float64(result.APICalls) / secs
		}
		e.logger.Info("Benchmarked strategy",
			"strategy", strategy,
			"resources_per_second", fmt.Sprintf("%.1f", m.ResourcesPerSecond),
			"api_calls", m.APICalls)
		metrics = append(metrics, m)
	}
	return metrics, nil
}
