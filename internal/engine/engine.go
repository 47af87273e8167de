package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/memory-agent/retrieval/internal/cache"
	"github.com/memory-agent/retrieval/internal/dependency"
	"github.com/memory-agent/retrieval/internal/metrics"
	"github.com/memory-agent/retrieval/internal/profiler"
	"github.com/memory-agent/retrieval/internal/storage/models"
	"github.com/memory-agent/retrieval/internal/storage/sqlite"
	"github.com/memory-agent/retrieval/internal/strategy"
	"github.com/memory-agent/retrieval/internal/telemetry"
	"github.com/memory-agent/retrieval/internal/tuner"
	"github.com/memory-agent/retrieval/pkg/logger"
)

const defaultCostEstimateMs = 200.0

// Engine is the retrieval planner owning explicit instances of the five
// adaptive components. It decides how a query should run and whether a
// cached answer exists; it never executes layer queries itself.
type Engine struct {
	profiler *profiler.Profiler
	graph    *dependency.Graph
	cache    *cache.CrossLayerCache
	remote   *cache.RemoteCache
	selector *strategy.Selector
	tuner    *tuner.AutoTuner
	store    *sqlite.Client

	// Last seen tuner adjustment count, for detecting adopted changes.
	tunerAdjust atomic.Int64
}

// NewEngine wires the components together. remote and store may be nil:
// the remote cache tier and persistence are both optional.
func NewEngine(
	prof *profiler.Profiler,
	graph *dependency.Graph,
	crossCache *cache.CrossLayerCache,
	remote *cache.RemoteCache,
	selector *strategy.Selector,
	autoTuner *tuner.AutoTuner,
	store *sqlite.Client,
) *Engine {
	return &Engine{
		profiler: prof,
		graph:    graph,
		cache:    crossCache,
		remote:   remote,
		selector: selector,
		tuner:    autoTuner,
		store:    store,
	}
}

type PlanRequest struct {
	QueryText string
	QueryType string
	// Layers to query; empty means let the dependency graph choose.
	Layers          []string
	Params          map[string]string
	EstimatedCostMs float64
}

type PlanResponse struct {
	Decision     strategy.Decision
	Tuning       tuner.Config
	Layers       []string
	CacheKey     string
	CacheHit     bool
	CachedResult interface{}
}

// PlanQuery produces the execution plan for one incoming query: layer
// selection, cache availability, parallelization benefit, strategy decision
// and the current tuning config. When the decision is cache and the entry is
// live, the cached payload rides along.
func (e *Engine) PlanQuery(ctx context.Context, req PlanRequest) (*PlanResponse, error) {
	start := time.Now()

	queryType := req.QueryType
	if queryType == "" {
		queryType = telemetry.QueryTypeDefault
	}

	layers := req.Layers
	if len(layers) == 0 {
		layers = e.graph.GetLayerSelection(queryType)
	}

	key := cache.Key(queryType, layers, req.Params)

	availability := e.cache.Availability(key)
	if availability == 0 && e.remote != nil {
		remoteType, remoteLayers, raw, found := e.remote.Get(ctx, key)
		if found {
			e.cache.CacheResult(key, remoteType, remoteLayers, raw, 0)
			availability = e.cache.Availability(key)
			metrics.CacheHits.WithLabelValues("remote").Inc()
		} else {
			metrics.CacheMisses.WithLabelValues("remote").Inc()
		}
	}

	cost := req.EstimatedCostMs
	if cost <= 0 {
		cost = e.estimateCost(queryType)
	}

	decision := e.selector.Select(strategy.Input{
		QueryText:           req.QueryText,
		QueryType:           queryType,
		NumLayers:           len(layers),
		EstimatedCostMs:     cost,
		CacheHitProbability: availability,
		ParallelBenefit:     e.graph.GetParallelizationBenefit(layers),
		CacheKey:            key,
	})

	tuning := e.tuner.GetOptimizedConfig(queryType)
	metrics.ConcurrencyLevel.Set(float64(tuning.ConcurrencyLevel))
	metrics.LayerTimeoutSeconds.Set(tuning.LayerTimeout.Seconds())
	e.noteTunerAdjustments(queryType, tuning)

	resp := &PlanResponse{
		Decision: decision,
		Tuning:   tuning,
		Layers:   layers,
		CacheKey: key,
	}

	if decision.Strategy == strategy.StrategyCache {
		if entry, ok := e.cache.TryGet(key); ok {
			resp.CacheHit = true
			resp.CachedResult = entry.Result
			metrics.CacheHits.WithLabelValues("local").Inc()
		} else {
			metrics.CacheMisses.WithLabelValues("local").Inc()
		}
	}

	metrics.StrategyDecisions.WithLabelValues(string(decision.Strategy)).Inc()
	metrics.PlanDuration.Observe(time.Since(start).Seconds())

	if e.store != nil {
		record := &models.DecisionRecord{
			ID:                 decision.ID,
			QueryType:          queryType,
			Strategy:           string(decision.Strategy),
			Confidence:         decision.Confidence,
			Reasoning:          decision.Reasoning,
			EstimatedLatencyMS: decision.EstimatedLatencyMs,
			ExpectedSpeedup:    decision.ExpectedSpeedup,
			Fallback:           string(decision.Fallback),
			CacheKey:           decision.CacheKey,
			CreatedAt:          decision.CreatedAt,
		}
		if err := e.store.InsertDecision(record); err != nil {
			logger.Warn("Failed to persist decision", zap.Error(err))
		}
	}

	logger.Debug("Query planned",
		zap.String("query_type", queryType),
		zap.Strings("layers", layers),
		zap.String("strategy", string(decision.Strategy)),
		zap.Bool("cache_hit", resp.CacheHit),
	)

	return resp, nil
}

type CompletionRequest struct {
	Metrics telemetry.QueryMetrics
	// Decision the caller executed, if any; grades the selector.
	Decision *strategy.Decision
	// Params used for cache key derivation, matching the plan request.
	Params map[string]string
	// Result to cache; nil skips caching. ResultTTL zero uses the
	// per-layer defaults.
	Result    interface{}
	ResultTTL time.Duration
}

// RecordCompletion folds one finished query back into the engine: profiler
// window, dependency graph, selector accuracy, optional result caching and
// persistence. Returns the metrics record's id.
func (e *Engine) RecordCompletion(ctx context.Context, req CompletionRequest) (string, error) {
	m := req.Metrics
	m.Normalize()
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.QueryType == "" {
		m.QueryType = telemetry.QueryTypeDefault
	}

	e.profiler.RecordQuery(m)
	e.graph.UpdateFromMetrics(m)

	if req.Decision != nil {
		e.selector.RecordOutcome(*req.Decision, m.Latency, m.Success)
		metrics.StrategyAccuracy.
			WithLabelValues(string(req.Decision.Strategy)).
			Set(e.selector.Accuracy(req.Decision.Strategy))
	}

	metrics.QueryLatency.WithLabelValues(m.QueryType).Observe(m.Latency.Seconds())
	if m.ParallelExecution && m.Latency > 0 {
		var sum time.Duration
		for _, l := range m.Layers {
			sum += m.LayerLatencies[l]
		}
		if sum > 0 {
			metrics.ParallelSpeedup.Observe(float64(sum) / float64(m.Latency))
		}
	}

	if req.Result != nil && m.Success {
		key := cache.Key(m.QueryType, m.Layers, req.Params)
		entry := e.cache.CacheResult(key, m.QueryType, m.Layers, req.Result, req.ResultTTL)
		if e.remote != nil {
			e.remote.Set(ctx, key, m.QueryType, m.Layers, req.Result, entry.TTL)
		}
		stats := e.cache.Stats()
		metrics.CacheEntries.Set(float64(stats.Entries))
		metrics.CacheBytes.Set(float64(stats.TotalBytes))
	}

	if e.store != nil {
		record := &models.QueryMetricsRecord{
			ID:                m.ID,
			QueryText:         m.QueryText,
			QueryType:         m.QueryType,
			Layers:            m.Layers,
			LatencyMS:         int(m.Latency.Milliseconds()),
			MemoryUsed:        m.MemoryUsed,
			CacheHit:          m.CacheHit,
			ResultCount:       m.ResultCount,
			Success:           m.Success,
			Error:             m.Error,
			ParallelExecution: m.ParallelExecution,
			ConcurrencyLevel:  m.ConcurrencyLevel,
			AccuracyScore:     m.AccuracyScore,
			CreatedAt:         m.Timestamp,
		}
		if err := e.store.InsertQueryMetrics(record); err != nil {
			logger.Warn("Failed to persist query metrics", zap.Error(err))
		}
	}

	return m.ID, nil
}

// InvalidateLayer drops every cached result touching the layer, locally and
// (when configured) on the remote tier.
func (e *Engine) InvalidateLayer(ctx context.Context, layer string) (int, error) {
	removed := e.cache.InvalidateLayer(layer)
	if e.remote != nil {
		if err := e.remote.InvalidateAll(ctx); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// PruneExpired runs one explicit sweep over the local cache.
func (e *Engine) PruneExpired() int {
	return e.cache.PruneExpired()
}

// Snapshot aggregates every component's stats for dashboards.
type Snapshot struct {
	Profiler     profiler.Snapshot
	Dependencies dependency.Snapshot
	Cache        cache.Stats
	CacheCombos  []cache.ComboStats
	Strategies   []strategy.Stats
	Tuning       tuner.Config
}

func (e *Engine) Snapshot() Snapshot {
	return Snapshot{
		Profiler:     e.profiler.Snapshot(),
		Dependencies: e.graph.Snapshot(),
		Cache:        e.cache.Stats(),
		CacheCombos:  e.cache.ComboSnapshot(),
		Strategies:   e.selector.Snapshot(),
		Tuning:       e.tuner.CurrentConfig(),
	}
}

// SlowQueries exposes the profiler's slow-query report.
func (e *Engine) SlowQueries(percentile float64, limit int) []telemetry.QueryMetrics {
	return e.profiler.GetSlowQueries(percentile, limit)
}

// RecentDecisions returns persisted decision history, empty without a store.
func (e *Engine) RecentDecisions(limit int) ([]models.DecisionRecord, error) {
	if e.store == nil {
		return []models.DecisionRecord{}, nil
	}
	return e.store.GetRecentDecisions(limit)
}

// RecentMetrics returns persisted telemetry history, empty without a store.
func (e *Engine) RecentMetrics(limit int) ([]models.QueryMetricsRecord, error) {
	if e.store == nil {
		return []models.QueryMetricsRecord{}, nil
	}
	return e.store.GetRecentMetrics(limit)
}

// noteTunerAdjustments records adopted tuning changes in the metrics and,
// when configured, the tuning_changes table.
func (e *Engine) noteTunerAdjustments(queryType string, tuning tuner.Config) {
	n := int64(e.tuner.Adjustments())
	old := e.tunerAdjust.Swap(n)
	if n <= old {
		return
	}

	metrics.TunerAdjustments.Add(float64(n - old))

	if e.store != nil {
		change := &models.TuningChange{
			QueryType:        queryType,
			ConcurrencyLevel: tuning.ConcurrencyLevel,
			LayerTimeoutMS:   int(tuning.LayerTimeout.Milliseconds()),
			Strategy:         string(tuning.Strategy),
			CreatedAt:        time.Now(),
		}
		if err := e.store.InsertTuningChange(change); err != nil {
			logger.Warn("Failed to persist tuning change", zap.Error(err))
		}
	}
}

func (e *Engine) estimateCost(queryType string) float64 {
	tm := e.profiler.GetQueryTypeMetrics(queryType)
	if tm.TotalQueries == 0 || tm.AvgLatency == 0 {
		return defaultCostEstimateMs
	}
	return float64(tm.AvgLatency) / float64(time.Millisecond)
}
