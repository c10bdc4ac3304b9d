package migration

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuhlman-labs/crm-field-migrator/internal/records"
)

func plainMappings(n int) []Mapping {
	out := make([]Mapping, n)
	for i := range out {
		out[i] = Mapping{SourceField: fmt.Sprintf("src%d", i), TargetField: fmt.Sprintf("dst%d", i), Strategy: StrategyReplace}
	}
	return out
}

func TestSelectStrategy(t *testing.T) {
	tests := []struct {
		name      string
		resources int
		mappings  int
		want      ExecutionStrategy
	}{
		{"small plan", 10, 1, ExecParallel},
		{"boundary resources", 50, 3, ExecParallel},
		{"many resources", 51, 1, ExecPutBatch},
		{"many mappings", 10, 4, ExecPutBatch},
		{"many of both", 101, 6, ExecHybrid},
		{"resources at hybrid boundary", 100, 6, ExecPutBatch},
		{"mappings at hybrid boundary", 500, 5, ExecPutBatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := mustPlan(t, plainMappings(tt.mappings))
			assert.Equal(t, tt.want, SelectStrategy(plan, tt.resources))
		})
	}
}

func TestResolveStrategy(t *testing.T) {
	plan := mustPlan(t, plainMappings(6))
	assert.Equal(t, ExecHybrid, ResolveStrategy(ExecAuto, plan, 200))
	assert.Equal(t, ExecHybrid, ResolveStrategy("", plan, 200))
	assert.Equal(t, ExecSequential, ResolveStrategy(ExecSequential, plan, 200), "explicit choice overrides")
}

func TestRecommend(t *testing.T) {
	t.Run("unknown resource count", func(t *testing.T) {
		plan := mustPlan(t, plainMappings(6), WithBatchSize(200))
		rec := Recommend(plan, -1)
		assert.Equal(t, UnknownResourceCount, rec.ResourceCount)
		assert.Equal(t, 12000, rec.EstimatedAPICalls)
		assert.Equal(t, ExecHybrid, rec.Strategy)
		assert.Len(t, rec.Recommendations, 4)
	})

	t.Run("explicit ids", func(t *testing.T) {
		plan := mustPlan(t, plainMappings(2), ForResources([]string{"1", "2", "3"}))
		rec := Recommend(plan, -1)
		assert.Equal(t, 3, rec.ResourceCount)
		assert.Equal(t, 12, rec.EstimatedAPICalls)
		assert.Equal(t, ExecParallel, rec.Strategy)
		assert.Empty(t, rec.Recommendations)
	})

	t.Run("known count", func(t *testing.T) {
		plan := mustPlan(t, plainMappings(1))
		rec := Recommend(plan, 600)
		assert.Equal(t, 1200, rec.EstimatedAPICalls)
		assert.Equal(t, ExecPutBatch, rec.Strategy)
		require.Len(t, rec.Recommendations, 2)
		assert.Contains(t, rec.Recommendations[0], "put_batch")
		assert.Contains(t, rec.Recommendations[1], "max_workers")
	})
}

func TestBenchmark(t *testing.T) {
	store := records.NewMemoryStore()
	for i := range 8 {
		store.Put(fmt.Sprintf("b%d", i), map[string]any{fieldCanvassing: "Yes"})
	}
	recorder := &fakeRecorder{}
	e := newTestExecutor(t, store, func(cfg *ExecutorConfig) { cfg.Recorder = recorder })
	plan := mustPlan(t, []Mapping{addOptionMapping()}, AsDryRun(false))

	metrics, err := e.Benchmark(context.Background(), plan, 5)
	require.NoError(t, err)
	require.Len(t, metrics, 3)

	var strategies []ExecutionStrategy
	for _, m := range metrics {
		strategies = append(strategies, m.Strategy)
		assert.Empty(t, m.Error)
		assert.Equal(t, 5, m.Resources)
		assert.Equal(t, 5, m.APICalls, "dry runs only fetch")
	}
	assert.Equal(t, []ExecutionStrategy{ExecParallel, ExecPutBatch, ExecHybrid}, strategies)
	assert.Empty(t, store.Updates(), "benchmarks never write")
	assert.Empty(t, recorder.runs, "benchmarks are not recorded")

	_, err = e.Benchmark(context.Background(), plan, 0)
	require.Error(t, err)
}
