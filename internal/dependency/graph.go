package dependency

import (
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/memory-agent/retrieval/internal/telemetry"
	"github.com/memory-agent/retrieval/pkg/logger"
)

const (
	maxParallelBenefit = 5.0
	maxCacheBenefit    = 1.0
	// Overlap above which a new observation replaces a pattern's typical
	// layer set (drift tracking).
	patternDriftOverlap = 0.6
)

// LayerDependency tracks one unordered layer pair: how often the layers
// co-occur, how much parallelizing them has helped, and how cache-worthy
// their combination has been.
type LayerDependency struct {
	LayerA          string
	LayerB          string
	CoOccurrence    int
	ParallelSpeedup float64
	SpeedupSamples  int
	CacheWorthiness float64
}

// QueryPattern tracks the typical shape of one query type.
type QueryPattern struct {
	QueryType     string
	TypicalLayers []string
	Frequency     int
	AvgLatencyMs  float64
	SuccessRate   float64
	CacheHitRate  float64
}

// Snapshot is the read-only view exposed by the stats API.
type Snapshot struct {
	TotalObservations int
	Dependencies      []LayerDependency
	Patterns          []QueryPattern
}

// Graph learns layer co-occurrence, parallel speedup and cache-worthiness
// from the same telemetry the profiler sees, and answers advisory questions
// about layer sets. Missing data always yields heuristic defaults.
type Graph struct {
	mu sync.Mutex

	deps        map[string]*LayerDependency
	layerTotals map[string]int
	patterns    map[string]*QueryPattern

	totalObservations int
	minSamples        int

	// Memoized recommendation results, invalidated synchronously on
	// every update so no stale read can follow an update.
	parallelMemo map[string]float64
	cacheMemo    map[string]float64

	defaults map[string][]string
}

func New(minSamples int) *Graph {
	if minSamples <= 0 {
		minSamples = 5
	}
	return &Graph{
		deps:         map[string]*LayerDependency{},
		layerTotals:  map[string]int{},
		patterns:     map[string]*QueryPattern{},
		minSamples:   minSamples,
		parallelMemo: map[string]float64{},
		cacheMemo:    map[string]float64{},
		defaults:     defaultLayerTable(),
	}
}

func defaultLayerTable() map[string][]string {
	return map[string][]string{
		telemetry.QueryTypeTemporal:    {telemetry.LayerEpisodic, telemetry.LayerSemantic},
		telemetry.QueryTypeFactual:     {telemetry.LayerSemantic, telemetry.LayerAssociation},
		telemetry.QueryTypeProcedural:  {telemetry.LayerProcedural, telemetry.LayerSemantic},
		telemetry.QueryTypeAssociative: {telemetry.LayerAssociation, telemetry.LayerSemantic, telemetry.LayerEpisodic},
		telemetry.QueryTypeExploratory: {telemetry.LayerEpisodic, telemetry.LayerSemantic, telemetry.LayerAssociation},
		telemetry.QueryTypeDefault:     {telemetry.LayerEpisodic, telemetry.LayerSemantic},
	}
}

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

func setKey(layers []string) string {
	return strings.Join(layers, "|")
}

// UpdateFromMetrics folds one completed query into the graph: co-occurrence
// counts, per-pair speedup and cache-worthiness running averages, and the
// query type's pattern.
func (g *Graph) UpdateFromMetrics(m telemetry.QueryMetrics) {
	m.Normalize()
	if len(m.Layers) == 0 {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.totalObservations++

	layers := append([]string(nil), m.Layers...)
	sort.Strings(layers)

	for _, l := range layers {
		g.layerTotals[l]++
	}

	// Whole-query speedup: sequential-equivalent time over actual time.
	var querySpeedup float64
	if m.ParallelExecution && m.Latency > 0 {
		var sum, max float64
		for _, l := range layers {
			lat := float64(m.LayerLatencies[l])
			if lat <= 0 {
				continue
			}
			sum += lat
			if lat > max {
				max = lat
			}
		}
		if max > 0 {
			querySpeedup = sum / max
		}
	}

	success := 0.0
	if m.Success {
		success = 1.0
	}
	latencySec := m.Latency.Seconds()
	if latencySec < 0.1 {
		latencySec = 0.1
	}

	for i := 0; i < len(layers); i++ {
		for j := i + 1; j < len(layers); j++ {
			a, b := layers[i], layers[j]
			key := pairKey(a, b)
			dep := g.deps[key]
			if dep == nil {
				dep = &LayerDependency{LayerA: a, LayerB: b}
				g.deps[key] = dep
			}
			dep.CoOccurrence++

			if querySpeedup > 0 && m.LayerLatencies[a] > 0 && m.LayerLatencies[b] > 0 {
				dep.SpeedupSamples++
				dep.ParallelSpeedup = foldAverage(dep.ParallelSpeedup, querySpeedup, dep.SpeedupSamples)
			}

			worthiness := success *
				clamp01(float64(dep.CoOccurrence)/100) *
				clamp01(float64(m.ResultCount)/100) /
				latencySec
			dep.CacheWorthiness = foldAverage(dep.CacheWorthiness, worthiness, dep.CoOccurrence)
		}
	}

	g.updatePatternLocked(m, layers)

	// Any update may change every recommendation; drop memoized answers
	// before the lock is released.
	g.parallelMemo = map[string]float64{}
	g.cacheMemo = map[string]float64{}
}

func (g *Graph) updatePatternLocked(m telemetry.QueryMetrics, layers []string) {
	cacheHit := 0.0
	if m.CacheHit {
		cacheHit = 1.0
	}
	success := 0.0
	if m.Success {
		success = 1.0
	}
	latencyMs := float64(m.Latency.Milliseconds())

	p := g.patterns[m.QueryType]
	if p == nil {
		g.patterns[m.QueryType] = &QueryPattern{
			QueryType:     m.QueryType,
			TypicalLayers: layers,
			Frequency:     1,
			AvgLatencyMs:  latencyMs,
			SuccessRate:   success,
			CacheHitRate:  cacheHit,
		}
		return
	}

	p.Frequency++
	p.AvgLatencyMs = foldAverage(p.AvgLatencyMs, latencyMs, p.Frequency)
	p.SuccessRate = foldAverage(p.SuccessRate, success, p.Frequency)
	p.CacheHitRate = foldAverage(p.CacheHitRate, cacheHit, p.Frequency)

	if layerOverlap(layers, p.TypicalLayers) > patternDriftOverlap {
		p.TypicalLayers = layers
	}
}

// GetLayerSelection returns the learned typical layer set for a query type
// once its pattern has enough samples, otherwise the static default table.
func (g *Graph) GetLayerSelection(queryType string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if p, ok := g.patterns[queryType]; ok && p.Frequency >= g.minSamples {
		return append([]string(nil), p.TypicalLayers...)
	}
	if def, ok := g.defaults[queryType]; ok {
		return append([]string(nil), def...)
	}
	return append([]string(nil), g.defaults[telemetry.QueryTypeDefault]...)
}

// GetParallelizationBenefit estimates the speedup from running the given
// layers in parallel: the average of learned pairwise speedups where enough
// samples exist, capped at 5.0, with a layer-count heuristic fallback.
func (g *Graph) GetParallelizationBenefit(layers []string) float64 {
	if len(layers) < 2 {
		return 1.0
	}

	sorted := append([]string(nil), layers...)
	sort.Strings(sorted)

	g.mu.Lock()
	defer g.mu.Unlock()

	key := setKey(sorted)
	if v, ok := g.parallelMemo[key]; ok {
		return v
	}

	var sum float64
	var count int
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			dep := g.deps[pairKey(sorted[i], sorted[j])]
			if dep == nil || dep.CoOccurrence < g.minSamples || dep.SpeedupSamples == 0 {
				continue
			}
			if dep.ParallelSpeedup > 1 {
				sum += dep.ParallelSpeedup
				count++
			}
		}
	}

	var benefit float64
	if count > 0 {
		benefit = sum / float64(count)
		if benefit > maxParallelBenefit {
			benefit = maxParallelBenefit
		}
	} else {
		benefit = float64(len(sorted)) * 1.2
		if benefit > 3.0 {
			benefit = 3.0
		}
	}

	g.parallelMemo[key] = benefit
	return benefit
}

// GetCachedResultsBenefit estimates how worthwhile caching the combined
// result of the given layers is, in [0,1].
func (g *Graph) GetCachedResultsBenefit(layers []string) float64 {
	if len(layers) == 0 {
		return 0.0
	}

	sorted := append([]string(nil), layers...)
	sort.Strings(sorted)

	g.mu.Lock()
	defer g.mu.Unlock()

	key := setKey(sorted)
	if v, ok := g.cacheMemo[key]; ok {
		return v
	}

	var sum float64
	var count int
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			dep := g.deps[pairKey(sorted[i], sorted[j])]
			if dep == nil || dep.CoOccurrence < g.minSamples {
				continue
			}
			sum += dep.CacheWorthiness
			count++
		}
	}

	var benefit float64
	if count > 0 {
		benefit = sum / float64(count)
		if benefit > maxCacheBenefit {
			benefit = maxCacheBenefit
		}
	} else {
		benefit = 0.3 + minFloat(float64(g.totalObservations)/100*0.3, 0.3)
	}

	g.cacheMemo[key] = benefit
	return benefit
}

// GetLayerCouplingScore reports how tightly two layers are coupled:
// co-occurrences over the busier layer's total query count.
func (g *Graph) GetLayerCouplingScore(a, b string) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	dep := g.deps[pairKey(a, b)]
	if dep == nil {
		return 0.0
	}
	max := g.layerTotals[a]
	if g.layerTotals[b] > max {
		max = g.layerTotals[b]
	}
	if max == 0 {
		return 0.0
	}
	return float64(dep.CoOccurrence) / float64(max)
}

// GetIndependentLayers returns every known layer outside the given set whose
// coupling against all members is at most 0.5.
func (g *Graph) GetIndependentLayers(layers []string) []string {
	inSet := make(map[string]bool, len(layers))
	for _, l := range layers {
		inSet[l] = true
	}

	g.mu.Lock()
	known := make([]string, 0, len(g.layerTotals))
	for l := range g.layerTotals {
		if !inSet[l] {
			known = append(known, l)
		}
	}
	g.mu.Unlock()

	sort.Strings(known)

	independent := make([]string, 0, len(known))
	for _, candidate := range known {
		ok := true
		for _, member := range layers {
			if g.GetLayerCouplingScore(candidate, member) > 0.5 {
				ok = false
				break
			}
		}
		if ok {
			independent = append(independent, candidate)
		}
	}
	return independent
}

// Snapshot returns a copy of the learned state for the stats endpoints.
func (g *Graph) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap := Snapshot{TotalObservations: g.totalObservations}
	for _, dep := range g.deps {
		snap.Dependencies = append(snap.Dependencies, *dep)
	}
	sort.Slice(snap.Dependencies, func(i, j int) bool {
		return snap.Dependencies[i].CoOccurrence > snap.Dependencies[j].CoOccurrence
	})
	for _, p := range g.patterns {
		cp := *p
		cp.TypicalLayers = append([]string(nil), p.TypicalLayers...)
		snap.Patterns = append(snap.Patterns, cp)
	}
	sort.Slice(snap.Patterns, func(i, j int) bool {
		return snap.Patterns[i].QueryType < snap.Patterns[j].QueryType
	})
	return snap
}

// Reset drops all learned state. Dependencies are never deleted otherwise.
func (g *Graph) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.deps = map[string]*LayerDependency{}
	g.layerTotals = map[string]int{}
	g.patterns = map[string]*QueryPattern{}
	g.totalObservations = 0
	g.parallelMemo = map[string]float64{}
	g.cacheMemo = map[string]float64{}

	logger.Info("Dependency graph reset", zap.Int("min_samples", g.minSamples))
}

// foldAverage folds one sample into a running average with n observations.
func foldAverage(old, sample float64, n int) float64 {
	if n <= 1 {
		return sample
	}
	return (old*float64(n-1) + sample) / float64(n)
}

// layerOverlap is the Jaccard overlap between two layer sets.
func layerOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, l := range a {
		set[l] = true
	}
	intersection := 0
	union := len(a)
	for _, l := range b {
		if set[l] {
			intersection++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func clamp01(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
