package profiler

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/memory-agent/retrieval/internal/telemetry"
	"github.com/memory-agent/retrieval/pkg/logger"
)

// LayerMetrics aggregates the rolling window for one memory layer.
type LayerMetrics struct {
	Layer           string
	TotalQueries    int
	AvgLatency      time.Duration
	P50Latency      time.Duration
	P95Latency      time.Duration
	P99Latency      time.Duration
	CacheHitRate    float64
	SuccessRate     float64
	ParallelSpeedup float64
}

// QueryTypeMetrics aggregates the rolling window for one query type.
type QueryTypeMetrics struct {
	QueryType       string
	TotalQueries    int
	AvgLatency      time.Duration
	P50Latency      time.Duration
	P95Latency      time.Duration
	P99Latency      time.Duration
	AvgResultCount  float64
	CacheHitRate    float64
	SuccessRate     float64
	ParallelSpeedup float64
}

// Snapshot is the full aggregate view used by the stats API.
type Snapshot struct {
	WindowSize int
	Layers     map[string]LayerMetrics
	QueryTypes map[string]QueryTypeMetrics
}

// Profiler keeps a bounded window of QueryMetrics and lazily computes
// per-layer and per-type aggregates. All operations are synchronous and
// guarded by one lock; nothing blocks while holding it.
type Profiler struct {
	mu sync.Mutex

	window     []telemetry.QueryMetrics
	maxMetrics int
	windowDur  time.Duration

	dirty    bool
	layerAgg map[string]LayerMetrics
	typeAgg  map[string]QueryTypeMetrics

	now func() time.Time
}

func New(maxMetrics, windowHours int) *Profiler {
	if maxMetrics <= 0 {
		maxMetrics = 10000
	}
	if windowHours <= 0 {
		windowHours = 24
	}
	return &Profiler{
		maxMetrics: maxMetrics,
		windowDur:  time.Duration(windowHours) * time.Hour,
		layerAgg:   map[string]LayerMetrics{},
		typeAgg:    map[string]QueryTypeMetrics{},
		now:        time.Now,
	}
}

// RecordQuery appends one completed query to the window, evicting oldest
// entries beyond the retention cap or the time window.
func (p *Profiler) RecordQuery(m telemetry.QueryMetrics) {
	m.Normalize()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.window = append(p.window, m)
	p.pruneLocked()
	p.dirty = true

	logger.Debug("Query metrics recorded",
		zap.String("query_id", m.ID),
		zap.String("query_type", m.QueryType),
		zap.Duration("latency", m.Latency),
		zap.Bool("parallel", m.ParallelExecution),
	)
}

// GetLayerMetrics returns the aggregate for one layer. Unknown layers yield
// neutral defaults, never an error.
func (p *Profiler) GetLayerMetrics(layer string) LayerMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pruneLocked()
	p.recomputeLocked()

	if agg, ok := p.layerAgg[layer]; ok {
		return agg
	}
	return LayerMetrics{Layer: layer, ParallelSpeedup: 1.0}
}

// GetQueryTypeMetrics returns the aggregate for one query type, with neutral
// defaults when the type has not been observed.
func (p *Profiler) GetQueryTypeMetrics(queryType string) QueryTypeMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pruneLocked()
	p.recomputeLocked()

	if agg, ok := p.typeAgg[queryType]; ok {
		return agg
	}
	return QueryTypeMetrics{QueryType: queryType, ParallelSpeedup: 1.0}
}

// GetAllQueryTypeMetrics returns aggregates for every observed query type.
func (p *Profiler) GetAllQueryTypeMetrics() map[string]QueryTypeMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pruneLocked()
	p.recomputeLocked()

	out := make(map[string]QueryTypeMetrics, len(p.typeAgg))
	for t, agg := range p.typeAgg {
		out[t] = agg
	}
	return out
}

// GetSlowQueries returns the samples at or above the given latency
// percentile, slowest first, truncated to limit.
func (p *Profiler) GetSlowQueries(percentile float64, limit int) []telemetry.QueryMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pruneLocked()
	if len(p.window) == 0 {
		return []telemetry.QueryMetrics{}
	}

	latencies := make([]time.Duration, 0, len(p.window))
	for _, m := range p.window {
		latencies = append(latencies, m.Latency)
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	threshold := percentileOf(latencies, percentile)

	slow := make([]telemetry.QueryMetrics, 0)
	for _, m := range p.window {
		if m.Latency >= threshold {
			slow = append(slow, m)
		}
	}
	sort.Slice(slow, func(i, j int) bool { return slow[i].Latency > slow[j].Latency })

	if limit > 0 && len(slow) > limit {
		slow = slow[:limit]
	}
	return slow
}

// Snapshot returns all current aggregates for the stats endpoints.
func (p *Profiler) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pruneLocked()
	p.recomputeLocked()

	snap := Snapshot{
		WindowSize: len(p.window),
		Layers:     make(map[string]LayerMetrics, len(p.layerAgg)),
		QueryTypes: make(map[string]QueryTypeMetrics, len(p.typeAgg)),
	}
	for l, agg := range p.layerAgg {
		snap.Layers[l] = agg
	}
	for t, agg := range p.typeAgg {
		snap.QueryTypes[t] = agg
	}
	return snap
}

// WindowSize reports how many records are currently retained.
func (p *Profiler) WindowSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pruneLocked()
	return len(p.window)
}

// pruneLocked drops records beyond maxMetrics (oldest first) and records
// older than the time window.
func (p *Profiler) pruneLocked() {
	if over := len(p.window) - p.maxMetrics; over > 0 {
		p.window = p.window[over:]
		p.dirty = true
	}

	cutoff := p.now().Add(-p.windowDur)
	drop := 0
	for drop < len(p.window) && p.window[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		p.window = p.window[drop:]
		p.dirty = true
	}
}

type layerAccum struct {
	latencies []time.Duration
	cacheHits int
	successes int
	speedups  []float64
}

type typeAccum struct {
	latencies   []time.Duration
	resultCount int
	cacheHits   int
	successes   int
	speedups    []float64
}

// recomputeLocked rebuilds every aggregate in one pass over the window.
func (p *Profiler) recomputeLocked() {
	if !p.dirty {
		return
	}

	layers := map[string]*layerAccum{}
	types := map[string]*typeAccum{}

	for _, m := range p.window {
		var speedup float64
		if m.ParallelExecution && m.Latency > 0 {
			var sum time.Duration
			for _, l := range m.Layers {
				sum += m.LayerLatencies[l]
			}
			if sum > 0 {
				speedup = float64(sum) / float64(m.Latency)
			}
		}

		for _, l := range m.Layers {
			acc := layers[l]
			if acc == nil {
				acc = &layerAccum{}
				layers[l] = acc
			}
			lat := m.LayerLatencies[l]
			if lat <= 0 {
				lat = m.Latency
			}
			acc.latencies = append(acc.latencies, lat)
			if m.CacheHit {
				acc.cacheHits++
			}
			if m.Success {
				acc.successes++
			}
			if speedup > 0 {
				acc.speedups = append(acc.speedups, speedup)
			}
		}

		acc := types[m.QueryType]
		if acc == nil {
			acc = &typeAccum{}
			types[m.QueryType] = acc
		}
		acc.latencies = append(acc.latencies, m.Latency)
		acc.resultCount += m.ResultCount
		if m.CacheHit {
			acc.cacheHits++
		}
		if m.Success {
			acc.successes++
		}
		if speedup > 0 {
			acc.speedups = append(acc.speedups, speedup)
		}
	}

	p.layerAgg = make(map[string]LayerMetrics, len(layers))
	for l, acc := range layers {
		n := len(acc.latencies)
		sort.Slice(acc.latencies, func(i, j int) bool { return acc.latencies[i] < acc.latencies[j] })
		p.layerAgg[l] = LayerMetrics{
			Layer:           l,
			TotalQueries:    n,
			AvgLatency:      avgDuration(acc.latencies),
			P50Latency:      percentileOf(acc.latencies, 50),
			P95Latency:      percentileOf(acc.latencies, 95),
			P99Latency:      percentileOf(acc.latencies, 99),
			CacheHitRate:    ratio(acc.cacheHits, n),
			SuccessRate:     ratio(acc.successes, n),
			ParallelSpeedup: avgOrNeutral(acc.speedups),
		}
	}

	p.typeAgg = make(map[string]QueryTypeMetrics, len(types))
	for t, acc := range types {
		n := len(acc.latencies)
		sort.Slice(acc.latencies, func(i, j int) bool { return acc.latencies[i] < acc.latencies[j] })
		p.typeAgg[t] = QueryTypeMetrics{
			QueryType:       t,
			TotalQueries:    n,
			AvgLatency:      avgDuration(acc.latencies),
			P50Latency:      percentileOf(acc.latencies, 50),
			P95Latency:      percentileOf(acc.latencies, 95),
			P99Latency:      percentileOf(acc.latencies, 99),
			AvgResultCount:  ratio(acc.resultCount, n),
			CacheHitRate:    ratio(acc.cacheHits, n),
			SuccessRate:     ratio(acc.successes, n),
			ParallelSpeedup: avgOrNeutral(acc.speedups),
		}
	}

	p.dirty = false
}

// percentileOf indexes a sorted slice at floor(n*p/100), clamped to bounds.
func percentileOf(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * p / 100)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func avgDuration(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range ds {
		sum += d
	}
	return sum / time.Duration(len(ds))
}

func avgOrNeutral(vals []float64) float64 {
	if len(vals) == 0 {
		return 1.0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func ratio(count, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(count) / float64(total)
}
