package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memory-agent/retrieval/internal/cache"
	"github.com/memory-agent/retrieval/internal/dependency"
	"github.com/memory-agent/retrieval/internal/profiler"
	"github.com/memory-agent/retrieval/internal/strategy"
	"github.com/memory-agent/retrieval/internal/telemetry"
	"github.com/memory-agent/retrieval/internal/tuner"
)

func newTestEngine() *Engine {
	prof := profiler.New(1000, 24)
	graph := dependency.New(3)
	crossCache := cache.NewCrossLayerCache(100, time.Minute, nil)
	selector := strategy.NewSelector(strategy.DefaultConfig())
	autoTuner := tuner.New(prof, tuner.Options{
		AdjustmentInterval: 10,
		MinSamples:         5,
		Hysteresis:         0.10,
	}, tuner.DefaultTuningConfig())

	return NewEngine(prof, graph, crossCache, nil, selector, autoTuner, nil)
}

func TestPlanQuerySelectsLayersFromGraph(t *testing.T) {
	e := newTestEngine()

	resp, err := e.PlanQuery(context.Background(), PlanRequest{
		QueryText: "what happened yesterday",
		QueryType: telemetry.QueryTypeTemporal,
	})
	require.NoError(t, err)

	assert.Equal(t,
		[]string{telemetry.LayerEpisodic, telemetry.LayerSemantic},
		resp.Layers,
	)
	assert.NotEmpty(t, resp.CacheKey)
	assert.NotEmpty(t, resp.Decision.Reasoning)
	assert.False(t, resp.CacheHit)
	assert.Equal(t, tuner.DefaultTuningConfig().ConcurrencyLevel, resp.Tuning.ConcurrencyLevel)
}

func TestCompletionWithResultEnablesCacheStrategy(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	layers := []string{telemetry.LayerEpisodic, telemetry.LayerSemantic}
	params := map[string]string{"k": "5", "query_hash": "abc"}

	plan, err := e.PlanQuery(ctx, PlanRequest{
		QueryType: telemetry.QueryTypeTemporal,
		Layers:    layers,
		Params:    params,
	})
	require.NoError(t, err)
	require.NotEqual(t, strategy.StrategyCache, plan.Decision.Strategy)

	id, err := e.RecordCompletion(ctx, CompletionRequest{
		Metrics: telemetry.QueryMetrics{
			QueryType:   telemetry.QueryTypeTemporal,
			Layers:      layers,
			Latency:     80 * time.Millisecond,
			ResultCount: 12,
			Success:     true,
		},
		Decision: &plan.Decision,
		Params:   params,
		Result:   []string{"memory-1", "memory-2"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	// A fresh entry sits at 0.7 confidence, under the 0.75 cache
	// threshold. Reads raise the hit factor past it.
	key := plan.CacheKey
	for i := 0; i < 3; i++ {
		_, ok := e.cache.TryGet(key)
		require.True(t, ok)
	}

	plan2, err := e.PlanQuery(ctx, PlanRequest{
		QueryType: telemetry.QueryTypeTemporal,
		Layers:    layers,
		Params:    params,
	})
	require.NoError(t, err)
	assert.Equal(t, strategy.StrategyCache, plan2.Decision.Strategy)
	assert.True(t, plan2.CacheHit)
	assert.Equal(t, []string{"memory-1", "memory-2"}, plan2.CachedResult)
}

func TestPlanKeyIgnoresLayerOrderAndUnknownParams(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	a, err := e.PlanQuery(ctx, PlanRequest{
		QueryType: telemetry.QueryTypeFactual,
		Layers:    []string{"semantic", "episodic"},
		Params:    map[string]string{"k": "3", "trace_id": "x"},
	})
	require.NoError(t, err)

	b, err := e.PlanQuery(ctx, PlanRequest{
		QueryType: telemetry.QueryTypeFactual,
		Layers:    []string{"episodic", "semantic"},
		Params:    map[string]string{"k": "3", "trace_id": "y"},
	})
	require.NoError(t, err)

	assert.Equal(t, a.CacheKey, b.CacheKey)
}

func TestCompletionFeedsProfilerAndGraph(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := e.RecordCompletion(ctx, CompletionRequest{
			Metrics: telemetry.QueryMetrics{
				QueryType: telemetry.QueryTypeAssociative,
				Layers:    []string{"association", "semantic"},
				Latency:   60 * time.Millisecond,
				LayerLatencies: map[string]time.Duration{
					"association": 55 * time.Millisecond,
					"semantic":    50 * time.Millisecond,
				},
				ParallelExecution: true,
				Success:           true,
				ResultCount:       5,
			},
		})
		require.NoError(t, err)
	}

	snap := e.Snapshot()
	assert.Equal(t, 10, snap.Profiler.WindowSize)
	assert.Equal(t, 10, snap.Profiler.QueryTypes[telemetry.QueryTypeAssociative].TotalQueries)
	assert.Equal(t, 10, snap.Dependencies.TotalObservations)
	require.NotEmpty(t, snap.Dependencies.Dependencies)
	assert.Greater(t, snap.Dependencies.Dependencies[0].ParallelSpeedup, 1.0)

	// The learned pattern takes over layer selection.
	assert.Equal(t, []string{"association", "semantic"},
		e.graph.GetLayerSelection(telemetry.QueryTypeAssociative))
}

func TestOutcomeFeedbackAdjustsAccuracy(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	plan, err := e.PlanQuery(ctx, PlanRequest{
		QueryType: telemetry.QueryTypeExploratory,
		Layers:    []string{"a", "b", "c"},
	})
	require.NoError(t, err)

	before := e.selector.Accuracy(plan.Decision.Strategy)
	_, err = e.RecordCompletion(ctx, CompletionRequest{
		Metrics: telemetry.QueryMetrics{
			QueryType: telemetry.QueryTypeExploratory,
			Layers:    []string{"a", "b", "c"},
			Latency:   100 * time.Millisecond,
			Success:   false,
		},
		Decision: &plan.Decision,
	})
	require.NoError(t, err)

	assert.Less(t, e.selector.Accuracy(plan.Decision.Strategy), before)
}

func TestInvalidateAndPrune(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	_, err := e.RecordCompletion(ctx, CompletionRequest{
		Metrics: telemetry.QueryMetrics{
			QueryType: telemetry.QueryTypeFactual,
			Layers:    []string{"semantic"},
			Latency:   30 * time.Millisecond,
			Success:   true,
		},
		Result: "answer",
	})
	require.NoError(t, err)
	require.Equal(t, 1, e.cache.Len())

	removed, err := e.InvalidateLayer(ctx, "semantic")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Zero(t, e.PruneExpired())
}
