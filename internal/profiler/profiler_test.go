package profiler

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memory-agent/retrieval/internal/telemetry"
)

func recordN(p *Profiler, n int, build func(i int) telemetry.QueryMetrics) {
	for i := 0; i < n; i++ {
		p.RecordQuery(build(i))
	}
}

func TestPercentilesMatchIndexCalculation(t *testing.T) {
	p := New(1000, 24)

	// Latencies 10ms, 20ms, ..., 1000ms.
	recordN(p, 100, func(i int) telemetry.QueryMetrics {
		return telemetry.QueryMetrics{
			ID:        fmt.Sprintf("q-%d", i),
			QueryType: telemetry.QueryTypeFactual,
			Latency:   time.Duration(10*(i+1)) * time.Millisecond,
			Layers:    []string{telemetry.LayerSemantic},
			Success:   true,
		}
	})

	agg := p.GetQueryTypeMetrics(telemetry.QueryTypeFactual)
	require.Equal(t, 100, agg.TotalQueries)

	// floor(100*50/100)=50 -> sorted[50] = 510ms; floor(100*99/100)=99 -> 1000ms.
	assert.Equal(t, 510*time.Millisecond, agg.P50Latency)
	assert.Equal(t, 1000*time.Millisecond, agg.P99Latency)
}

func TestParallelSpeedupOverParallelSamplesOnly(t *testing.T) {
	p := New(1000, 24)

	recordN(p, 20, func(i int) telemetry.QueryMetrics {
		latency := time.Duration(50+5*i) * time.Millisecond
		m := telemetry.QueryMetrics{
			ID:        fmt.Sprintf("q-%d", i),
			QueryType: telemetry.QueryTypeTemporal,
			Latency:   latency,
			Layers:    []string{telemetry.LayerEpisodic, telemetry.LayerSemantic},
			Success:   true,
		}
		if i%2 == 0 {
			m.ParallelExecution = true
			// Both layers ran concurrently for roughly the full latency,
			// so the sequential-equivalent time is near twice the actual.
			m.LayerLatencies = map[string]time.Duration{
				telemetry.LayerEpisodic: latency,
				telemetry.LayerSemantic: latency - 10*time.Millisecond,
			}
		}
		return m
	})

	agg := p.GetQueryTypeMetrics(telemetry.QueryTypeTemporal)
	assert.Equal(t, 20, agg.TotalQueries)
	assert.Greater(t, agg.ParallelSpeedup, 1.0)

	episodic := p.GetLayerMetrics(telemetry.LayerEpisodic)
	assert.Equal(t, 20, episodic.TotalQueries)
	assert.Greater(t, episodic.ParallelSpeedup, 1.0)
}

func TestEmptyWindowYieldsNeutralDefaults(t *testing.T) {
	p := New(100, 24)

	layer := p.GetLayerMetrics(telemetry.LayerEpisodic)
	assert.Equal(t, 0, layer.TotalQueries)
	assert.Equal(t, time.Duration(0), layer.P99Latency)
	assert.Equal(t, 1.0, layer.ParallelSpeedup)

	qt := p.GetQueryTypeMetrics(telemetry.QueryTypeTemporal)
	assert.Equal(t, 0, qt.TotalQueries)
	assert.Equal(t, 1.0, qt.ParallelSpeedup)

	assert.Empty(t, p.GetSlowQueries(95, 10))
}

func TestRetentionCapEvictsOldestFirst(t *testing.T) {
	p := New(10, 24)

	recordN(p, 15, func(i int) telemetry.QueryMetrics {
		return telemetry.QueryMetrics{
			ID:        fmt.Sprintf("q-%d", i),
			QueryType: telemetry.QueryTypeFactual,
			Latency:   time.Duration(i+1) * time.Millisecond,
			Layers:    []string{telemetry.LayerSemantic},
			Success:   true,
		}
	})

	require.Equal(t, 10, p.WindowSize())

	// The five oldest records (1..5ms) are gone, so the minimum retained
	// latency is 6ms.
	slow := p.GetSlowQueries(0, 0)
	require.Len(t, slow, 10)
	assert.Equal(t, 15*time.Millisecond, slow[0].Latency)
	assert.Equal(t, 6*time.Millisecond, slow[len(slow)-1].Latency)
}

func TestTimeWindowPrunesStaleRecords(t *testing.T) {
	p := New(100, 1)

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base }

	p.RecordQuery(telemetry.QueryMetrics{
		ID:        "old",
		QueryType: telemetry.QueryTypeFactual,
		Timestamp: base.Add(-2 * time.Hour),
		Latency:   10 * time.Millisecond,
		Layers:    []string{telemetry.LayerSemantic},
	})
	p.RecordQuery(telemetry.QueryMetrics{
		ID:        "fresh",
		QueryType: telemetry.QueryTypeFactual,
		Timestamp: base.Add(-10 * time.Minute),
		Latency:   20 * time.Millisecond,
		Layers:    []string{telemetry.LayerSemantic},
	})

	assert.Equal(t, 1, p.WindowSize())
	agg := p.GetQueryTypeMetrics(telemetry.QueryTypeFactual)
	assert.Equal(t, 1, agg.TotalQueries)
	assert.Equal(t, 20*time.Millisecond, agg.AvgLatency)
}

func TestGetSlowQueriesThresholdAndOrder(t *testing.T) {
	p := New(1000, 24)

	recordN(p, 100, func(i int) telemetry.QueryMetrics {
		return telemetry.QueryMetrics{
			ID:        fmt.Sprintf("q-%d", i),
			QueryType: telemetry.QueryTypeExploratory,
			Latency:   time.Duration(10*(i+1)) * time.Millisecond,
			Layers:    []string{telemetry.LayerEpisodic},
		}
	})

	slow := p.GetSlowQueries(95, 3)
	require.Len(t, slow, 3)
	assert.Equal(t, 1000*time.Millisecond, slow[0].Latency)
	assert.Equal(t, 990*time.Millisecond, slow[1].Latency)
	assert.Equal(t, 980*time.Millisecond, slow[2].Latency)
}

func TestCacheHitAndSuccessRates(t *testing.T) {
	p := New(100, 24)

	recordN(p, 10, func(i int) telemetry.QueryMetrics {
		return telemetry.QueryMetrics{
			ID:        fmt.Sprintf("q-%d", i),
			QueryType: telemetry.QueryTypeFactual,
			Latency:   50 * time.Millisecond,
			Layers:    []string{telemetry.LayerSemantic},
			CacheHit:  i < 3,
			Success:   i < 8,
		}
	})

	agg := p.GetQueryTypeMetrics(telemetry.QueryTypeFactual)
	assert.InDelta(t, 0.3, agg.CacheHitRate, 1e-9)
	assert.InDelta(t, 0.8, agg.SuccessRate, 1e-9)
}
