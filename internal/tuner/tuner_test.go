package tuner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memory-agent/retrieval/internal/profiler"
)

type fakeSource struct {
	byType map[string]profiler.QueryTypeMetrics
}

func (f *fakeSource) GetQueryTypeMetrics(queryType string) profiler.QueryTypeMetrics {
	if m, ok := f.byType[queryType]; ok {
		return m
	}
	return profiler.QueryTypeMetrics{QueryType: queryType, ParallelSpeedup: 1.0}
}

func (f *fakeSource) GetAllQueryTypeMetrics() map[string]profiler.QueryTypeMetrics {
	return f.byType
}

func newTuner(src MetricsSource, interval, minSamples int) *AutoTuner {
	return New(src, Options{
		AdjustmentInterval: interval,
		MinSamples:         minSamples,
		Hysteresis:         0.10,
	}, DefaultTuningConfig())
}

func TestCounterGateReturnsUnchangedConfig(t *testing.T) {
	src := &fakeSource{byType: map[string]profiler.QueryTypeMetrics{
		"factual": {QueryType: "factual", TotalQueries: 100, P99Latency: 50 * time.Millisecond, ParallelSpeedup: 2.5},
	}}
	tn := newTuner(src, 5, 10)
	def := DefaultTuningConfig()

	for i := 0; i < 4; i++ {
		got := tn.GetOptimizedConfig("factual")
		assert.True(t, got.Equal(def), "call %d must return the unchanged default", i+1)
	}

	// The fifth call is due and retunes: p99 50ms -> base 15, speedup
	// 2.5 -> x1.2 = 18; timeout clamps up to the 5s floor.
	got := tn.GetOptimizedConfig("factual")
	assert.Equal(t, 18, got.ConcurrencyLevel)
	assert.Equal(t, 5*time.Second, got.LayerTimeout)
	assert.Equal(t, 1, tn.Adjustments())
}

func TestInsufficientSamplesKeepsConfig(t *testing.T) {
	src := &fakeSource{byType: map[string]profiler.QueryTypeMetrics{
		"factual": {QueryType: "factual", TotalQueries: 5, P99Latency: 50 * time.Millisecond, ParallelSpeedup: 2.5},
	}}
	tn := newTuner(src, 2, 10)
	def := DefaultTuningConfig()

	for i := 0; i < 6; i++ {
		got := tn.GetOptimizedConfig("factual")
		assert.True(t, got.Equal(def))
	}
	assert.Zero(t, tn.Adjustments())
}

func TestConcurrencyTiersAndClamping(t *testing.T) {
	cases := []struct {
		name    string
		p99     time.Duration
		speedup float64
		want    int
	}{
		{"fast high speedup", 50 * time.Millisecond, 2.5, 18},
		{"fast neutral speedup", 50 * time.Millisecond, 1.5, 15},
		{"medium weak speedup", 300 * time.Millisecond, 1.0, 6},
		{"slow weak speedup", 2 * time.Second, 1.0, 3},
		{"slow neutral", 2 * time.Second, 1.5, 4},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := concurrencyFor(profiler.QueryTypeMetrics{
				TotalQueries:    100,
				P99Latency:      tc.p99,
				ParallelSpeedup: tc.speedup,
			})
			assert.Equal(t, tc.want, got)
			assert.GreaterOrEqual(t, got, minConcurrency)
			assert.LessOrEqual(t, got, maxConcurrency)
		})
	}
}

func TestTimeoutStrategyMultipliers(t *testing.T) {
	stats := profiler.QueryTypeMetrics{P99Latency: 10 * time.Second}

	assert.Equal(t, 12*time.Second, timeoutFor(stats, OptimizeLatency))
	assert.Equal(t, 20*time.Second, timeoutFor(stats, OptimizeThroughput))
	assert.Equal(t, 15*time.Second, timeoutFor(stats, OptimizeCost))
	assert.Equal(t, 15*time.Second, timeoutFor(stats, OptimizeBalanced))

	// Clamped to [5s, 30s].
	assert.Equal(t, 5*time.Second, timeoutFor(profiler.QueryTypeMetrics{P99Latency: time.Second}, OptimizeLatency))
	assert.Equal(t, 30*time.Second, timeoutFor(profiler.QueryTypeMetrics{P99Latency: time.Minute}, OptimizeThroughput))
}

func TestHysteresisSuppressesSmallChanges(t *testing.T) {
	src := &fakeSource{byType: map[string]profiler.QueryTypeMetrics{
		// base 8 x 1.0 = 8 concurrency, same as the default; timeout
		// 400ms*1.5 clamps to 5s.
		"factual": {QueryType: "factual", TotalQueries: 100, P99Latency: 400 * time.Millisecond, ParallelSpeedup: 1.5},
	}}
	tn := New(src, Options{AdjustmentInterval: 1, MinSamples: 10, Hysteresis: 0.10},
		Config{ConcurrencyLevel: 8, LayerTimeout: 5 * time.Second, Strategy: OptimizeBalanced})

	got := tn.GetOptimizedConfig("factual")
	assert.Equal(t, 8, got.ConcurrencyLevel)
	assert.Equal(t, 5*time.Second, got.LayerTimeout)
	assert.Zero(t, tn.Adjustments(), "sub-hysteresis recompute must not be adopted")

	// A real shift in the workload is adopted.
	src.byType["factual"] = profiler.QueryTypeMetrics{
		QueryType: "factual", TotalQueries: 100, P99Latency: 50 * time.Millisecond, ParallelSpeedup: 2.5,
	}
	got = tn.GetOptimizedConfig("factual")
	assert.Equal(t, 18, got.ConcurrencyLevel)
	assert.Equal(t, 1, tn.Adjustments())
}

func TestAggregateAcrossTypesIsQueryCountWeighted(t *testing.T) {
	src := &fakeSource{byType: map[string]profiler.QueryTypeMetrics{
		"factual":  {QueryType: "factual", TotalQueries: 90, P99Latency: 50 * time.Millisecond, ParallelSpeedup: 2.5},
		"temporal": {QueryType: "temporal", TotalQueries: 10, P99Latency: 800 * time.Millisecond, ParallelSpeedup: 1.0},
	}}
	tn := newTuner(src, 1, 10)

	// Weighted p99 = (50*90 + 800*10)/100 = 125ms -> base 8; weighted
	// speedup = (2.5*90 + 1.0*10)/100 = 2.35 -> x1.2 = 10.
	got := tn.GetOptimizedConfig("")
	require.Equal(t, 10, got.ConcurrencyLevel)
}

func TestConfigEqualityIgnoresFlags(t *testing.T) {
	a := Config{ConcurrencyLevel: 8, LayerTimeout: 10 * time.Second, Strategy: OptimizeBalanced, EnableCaching: true}
	b := a
	b.EnableCaching = false
	assert.True(t, a.Equal(b))

	b.ConcurrencyLevel = 9
	assert.False(t, a.Equal(b))
}
