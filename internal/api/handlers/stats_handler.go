package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/memory-agent/retrieval/internal/engine"
	"github.com/memory-agent/retrieval/internal/profiler"
	"github.com/memory-agent/retrieval/pkg/logger"
)

type StatsHandler struct {
	engine *engine.Engine
}

func NewStatsHandler(e *engine.Engine) *StatsHandler {
	return &StatsHandler{
		engine: e,
	}
}

func (h *StatsHandler) HandleProfilerStats(c *fiber.Ctx) error {
	snap := h.engine.Snapshot().Profiler

	layers := make(map[string]fiber.Map, len(snap.Layers))
	for name, m := range snap.Layers {
		layers[name] = fiber.Map{
			"total_queries":    m.TotalQueries,
			"avg_latency_ms":   m.AvgLatency.Milliseconds(),
			"p50_latency_ms":   m.P50Latency.Milliseconds(),
			"p95_latency_ms":   m.P95Latency.Milliseconds(),
			"p99_latency_ms":   m.P99Latency.Milliseconds(),
			"cache_hit_rate":   m.CacheHitRate,
			"success_rate":     m.SuccessRate,
			"parallel_speedup": m.ParallelSpeedup,
		}
	}

	return c.JSON(fiber.Map{
		"window_size": snap.WindowSize,
		"layers":      layers,
		"query_types": queryTypeMaps(snap.QueryTypes),
	})
}

func (h *StatsHandler) HandleDependencyStats(c *fiber.Ctx) error {
	snap := h.engine.Snapshot().Dependencies

	deps := make([]fiber.Map, 0, len(snap.Dependencies))
	for _, d := range snap.Dependencies {
		deps = append(deps, fiber.Map{
			"layer_a":          d.LayerA,
			"layer_b":          d.LayerB,
			"co_occurrence":    d.CoOccurrence,
			"parallel_speedup": d.ParallelSpeedup,
			"speedup_samples":  d.SpeedupSamples,
			"cache_worthiness": d.CacheWorthiness,
		})
	}

	patterns := make([]fiber.Map, 0, len(snap.Patterns))
	for _, p := range snap.Patterns {
		patterns = append(patterns, fiber.Map{
			"query_type":     p.QueryType,
			"typical_layers": p.TypicalLayers,
			"frequency":      p.Frequency,
			"avg_latency_ms": p.AvgLatencyMs,
			"success_rate":   p.SuccessRate,
			"cache_hit_rate": p.CacheHitRate,
		})
	}

	return c.JSON(fiber.Map{
		"total_observations": snap.TotalObservations,
		"dependencies":       deps,
		"patterns":           patterns,
	})
}

func (h *StatsHandler) HandleCacheStats(c *fiber.Ctx) error {
	snap := h.engine.Snapshot()

	combos := make([]fiber.Map, 0, len(snap.CacheCombos))
	for _, cs := range snap.CacheCombos {
		combos = append(combos, fiber.Map{
			"query_type": cs.QueryType,
			"layers":     cs.Layers,
			"hits":       cs.Hits,
			"misses":     cs.Misses,
			"stores":     cs.Stores,
		})
	}

	return c.JSON(fiber.Map{
		"entries":     snap.Cache.Entries,
		"max_entries": snap.Cache.MaxEntries,
		"total_bytes": snap.Cache.TotalBytes,
		"hits":        snap.Cache.Hits,
		"misses":      snap.Cache.Misses,
		"hit_rate":    snap.Cache.HitRate,
		"evictions":   snap.Cache.Evictions,
		"combos":      combos,
	})
}

func (h *StatsHandler) HandleStrategyStats(c *fiber.Ctx) error {
	stats := h.engine.Snapshot().Strategies

	strategies := make([]fiber.Map, 0, len(stats))
	for _, s := range stats {
		strategies = append(strategies, fiber.Map{
			"strategy":  string(s.Strategy),
			"accuracy":  s.Accuracy,
			"decisions": s.Decisions,
			"outcomes":  s.Outcomes,
		})
	}

	return c.JSON(fiber.Map{
		"strategies": strategies,
	})
}

func (h *StatsHandler) HandleRecentDecisions(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	records, err := h.engine.RecentDecisions(limit)
	if err != nil {
		logger.Error("Failed to get recent decisions", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get recent decisions",
		})
	}

	decisions := make([]fiber.Map, 0, len(records))
	for _, r := range records {
		decisions = append(decisions, fiber.Map{
			"id":                   r.ID,
			"query_type":           r.QueryType,
			"strategy":             r.Strategy,
			"confidence":           r.Confidence,
			"reasoning":            r.Reasoning,
			"estimated_latency_ms": r.EstimatedLatencyMS,
			"expected_speedup":     r.ExpectedSpeedup,
			"fallback":             r.Fallback,
			"created_at":           r.CreatedAt,
		})
	}

	return c.JSON(fiber.Map{
		"decisions": decisions,
		"count":     len(decisions),
	})
}

func (h *StatsHandler) HandleTuningStats(c *fiber.Ctx) error {
	cfg := h.engine.Snapshot().Tuning

	return c.JSON(fiber.Map{
		"concurrency_level": cfg.ConcurrencyLevel,
		"layer_timeout_ms":  cfg.LayerTimeout.Milliseconds(),
		"strategy":          string(cfg.Strategy),
		"enable_caching":    cfg.EnableCaching,
		"enable_parallel":   cfg.EnableParallel,
	})
}

func (h *StatsHandler) HandleSlowQueries(c *fiber.Ctx) error {
	percentile := c.QueryFloat("percentile", 95)
	if percentile <= 0 || percentile >= 100 {
		percentile = 95
	}
	limit := c.QueryInt("limit", 20)
	if limit <= 0 || limit > 200 {
		limit = 20
	}

	slow := h.engine.SlowQueries(percentile, limit)

	queries := make([]fiber.Map, 0, len(slow))
	for _, m := range slow {
		queries = append(queries, fiber.Map{
			"id":                 m.ID,
			"query":              m.QueryText,
			"query_type":         m.QueryType,
			"layers":             m.Layers,
			"latency_ms":         m.Latency.Milliseconds(),
			"parallel_execution": m.ParallelExecution,
			"success":            m.Success,
			"timestamp":          m.Timestamp,
		})
	}

	return c.JSON(fiber.Map{
		"percentile": percentile,
		"queries":    queries,
		"count":      len(queries),
	})
}

func (h *StatsHandler) HandleInvalidateLayer(c *fiber.Ctx) error {
	var req struct {
		Layer string `json:"layer"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Layer == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "layer is required",
		})
	}

	removed, err := h.engine.InvalidateLayer(c.Context(), req.Layer)
	if err != nil {
		logger.Error("Failed to invalidate remote cache", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "Remote invalidation failed",
			"removed": removed,
		})
	}

	return c.JSON(fiber.Map{
		"layer":   req.Layer,
		"removed": removed,
	})
}

func (h *StatsHandler) HandlePruneExpired(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"removed": h.engine.PruneExpired(),
	})
}

func queryTypeMaps(types map[string]profiler.QueryTypeMetrics) map[string]fiber.Map {
	out := make(map[string]fiber.Map, len(types))
	for name, m := range types {
		out[name] = fiber.Map{
			"total_queries":    m.TotalQueries,
			"avg_latency_ms":   m.AvgLatency.Milliseconds(),
			"p50_latency_ms":   m.P50Latency.Milliseconds(),
			"p95_latency_ms":   m.P95Latency.Milliseconds(),
			"p99_latency_ms":   m.P99Latency.Milliseconds(),
			"avg_result_count": m.AvgResultCount,
			"cache_hit_rate":   m.CacheHitRate,
			"success_rate":     m.SuccessRate,
			"parallel_speedup": m.ParallelSpeedup,
		}
	}
	return out
}
