package dependency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memory-agent/retrieval/internal/telemetry"
)

func parallelQuery(queryType string, layers []string, perLayer time.Duration, total time.Duration) telemetry.QueryMetrics {
	latencies := make(map[string]time.Duration, len(layers))
	for _, l := range layers {
		latencies[l] = perLayer
	}
	return telemetry.QueryMetrics{
		QueryType:         queryType,
		Layers:            layers,
		Latency:           total,
		LayerLatencies:    latencies,
		ParallelExecution: true,
		Success:           true,
		ResultCount:       10,
	}
}

func TestParallelizationBenefitHeuristicFallback(t *testing.T) {
	g := New(5)

	// No observations: n layers fall back to min(n*1.2, 3.0).
	assert.InDelta(t, 2.4, g.GetParallelizationBenefit([]string{"a", "b"}), 1e-9)
	assert.InDelta(t, 3.0, g.GetParallelizationBenefit([]string{"a", "b", "c"}), 1e-9)
	assert.InDelta(t, 1.0, g.GetParallelizationBenefit([]string{"a"}), 1e-9)
}

func TestParallelizationBenefitLearned(t *testing.T) {
	g := New(5)

	// Three layers at equal latency, fully parallel: each observation's
	// speedup sample is 3x.
	for i := 0; i < 10; i++ {
		g.UpdateFromMetrics(parallelQuery(
			telemetry.QueryTypeExploratory,
			[]string{"a", "b", "c"},
			100*time.Millisecond,
			100*time.Millisecond,
		))
	}

	benefit := g.GetParallelizationBenefit([]string{"a", "b"})
	assert.InDelta(t, 3.0, benefit, 1e-9)
	assert.LessOrEqual(t, benefit, 5.0)
}

func TestParallelizationBenefitIsOrderInsensitive(t *testing.T) {
	g := New(5)

	for i := 0; i < 10; i++ {
		g.UpdateFromMetrics(parallelQuery(
			telemetry.QueryTypeTemporal,
			[]string{"episodic", "semantic"},
			80*time.Millisecond,
			90*time.Millisecond,
		))
	}

	assert.Equal(t,
		g.GetParallelizationBenefit([]string{"episodic", "semantic"}),
		g.GetParallelizationBenefit([]string{"semantic", "episodic"}),
	)
}

func TestMemoInvalidatedByUpdate(t *testing.T) {
	g := New(1)

	first := g.GetParallelizationBenefit([]string{"a", "b"})
	assert.InDelta(t, 2.4, first, 1e-9)

	g.UpdateFromMetrics(parallelQuery(
		telemetry.QueryTypeTemporal,
		[]string{"a", "b"},
		100*time.Millisecond,
		100*time.Millisecond,
	))

	// One qualifying observation at minSamples=1 must be visible
	// immediately after the update.
	assert.InDelta(t, 2.0, g.GetParallelizationBenefit([]string{"a", "b"}), 1e-9)
}

func TestCachedResultsBenefitFallbackGrowsWithObservations(t *testing.T) {
	g := New(50)

	assert.InDelta(t, 0.3, g.GetCachedResultsBenefit([]string{"a", "b"}), 1e-9)

	for i := 0; i < 50; i++ {
		g.UpdateFromMetrics(telemetry.QueryMetrics{
			QueryType: telemetry.QueryTypeFactual,
			Layers:    []string{"x"},
			Latency:   50 * time.Millisecond,
			Success:   true,
		})
	}

	// 50 observations: 0.3 + 50/100*0.3 = 0.45.
	assert.InDelta(t, 0.45, g.GetCachedResultsBenefit([]string{"a", "b"}), 1e-9)
	assert.InDelta(t, 0.0, g.GetCachedResultsBenefit(nil), 1e-9)
}

func TestLayerSelectionDefaultsThenLearned(t *testing.T) {
	g := New(3)

	assert.Equal(t,
		[]string{telemetry.LayerEpisodic, telemetry.LayerSemantic},
		g.GetLayerSelection(telemetry.QueryTypeTemporal),
	)
	// Unknown types use the default entry.
	assert.Equal(t,
		[]string{telemetry.LayerEpisodic, telemetry.LayerSemantic},
		g.GetLayerSelection("unheard-of"),
	)

	for i := 0; i < 3; i++ {
		g.UpdateFromMetrics(telemetry.QueryMetrics{
			QueryType: telemetry.QueryTypeTemporal,
			Layers:    []string{"procedural", "episodic"},
			Latency:   40 * time.Millisecond,
			Success:   true,
		})
	}

	assert.Equal(t, []string{"episodic", "procedural"}, g.GetLayerSelection(telemetry.QueryTypeTemporal))
}

func TestPatternDriftReplacesTypicalLayers(t *testing.T) {
	g := New(2)

	for i := 0; i < 4; i++ {
		g.UpdateFromMetrics(telemetry.QueryMetrics{
			QueryType: telemetry.QueryTypeAssociative,
			Layers:    []string{"a", "b"},
			Latency:   30 * time.Millisecond,
			Success:   true,
		})
	}
	require.Equal(t, []string{"a", "b"}, g.GetLayerSelection(telemetry.QueryTypeAssociative))

	// Overlap of {a,b,c} with {a,b} is 2/3 > 0.6, so the typical set drifts.
	g.UpdateFromMetrics(telemetry.QueryMetrics{
		QueryType: telemetry.QueryTypeAssociative,
		Layers:    []string{"c", "a", "b"},
		Latency:   30 * time.Millisecond,
		Success:   true,
	})
	assert.Equal(t, []string{"a", "b", "c"}, g.GetLayerSelection(telemetry.QueryTypeAssociative))

	// A disjoint set ({d,e} overlap 0) does not replace it.
	g.UpdateFromMetrics(telemetry.QueryMetrics{
		QueryType: telemetry.QueryTypeAssociative,
		Layers:    []string{"d", "e"},
		Latency:   30 * time.Millisecond,
		Success:   true,
	})
	assert.Equal(t, []string{"a", "b", "c"}, g.GetLayerSelection(telemetry.QueryTypeAssociative))
}

func TestCouplingScoreAndIndependentLayers(t *testing.T) {
	g := New(1)

	// "a" and "b" always co-occur; "c" runs alone.
	for i := 0; i < 8; i++ {
		g.UpdateFromMetrics(telemetry.QueryMetrics{
			QueryType: telemetry.QueryTypeFactual,
			Layers:    []string{"a", "b"},
			Latency:   20 * time.Millisecond,
			Success:   true,
		})
	}
	for i := 0; i < 8; i++ {
		g.UpdateFromMetrics(telemetry.QueryMetrics{
			QueryType: telemetry.QueryTypeFactual,
			Layers:    []string{"c"},
			Latency:   20 * time.Millisecond,
			Success:   true,
		})
	}

	assert.InDelta(t, 1.0, g.GetLayerCouplingScore("a", "b"), 1e-9)
	assert.InDelta(t, 0.0, g.GetLayerCouplingScore("a", "c"), 1e-9)

	assert.Equal(t, []string{"c"}, g.GetIndependentLayers([]string{"a", "b"}))
	// "b" is fully coupled to "a", so only "c" is independent of {a}.
	assert.Equal(t, []string{"c"}, g.GetIndependentLayers([]string{"a"}))
}

func TestResetDropsLearnedState(t *testing.T) {
	g := New(1)

	g.UpdateFromMetrics(parallelQuery(
		telemetry.QueryTypeTemporal,
		[]string{"a", "b"},
		50*time.Millisecond,
		50*time.Millisecond,
	))
	require.NotEmpty(t, g.Snapshot().Dependencies)

	g.Reset()

	snap := g.Snapshot()
	assert.Zero(t, snap.TotalObservations)
	assert.Empty(t, snap.Dependencies)
	assert.Empty(t, snap.Patterns)
	assert.InDelta(t, 2.4, g.GetParallelizationBenefit([]string{"a", "b"}), 1e-9)
}
