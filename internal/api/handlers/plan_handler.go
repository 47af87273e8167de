package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/memory-agent/retrieval/internal/engine"
	"github.com/memory-agent/retrieval/internal/strategy"
	"github.com/memory-agent/retrieval/internal/telemetry"
	"github.com/memory-agent/retrieval/pkg/logger"
)

type PlanHandler struct {
	engine *engine.Engine
}

func NewPlanHandler(e *engine.Engine) *PlanHandler {
	return &PlanHandler{
		engine: e,
	}
}

// decisionPayload is the wire form of a strategy decision. Clients echo it
// back on completion so the selector can grade the decision it made.
type decisionPayload struct {
	ID                 string  `json:"id"`
	Strategy           string  `json:"strategy"`
	Confidence         float64 `json:"confidence"`
	Reasoning          string  `json:"reasoning"`
	EstimatedLatencyMS float64 `json:"estimated_latency_ms"`
	ExpectedSpeedup    float64 `json:"expected_speedup"`
	Fallback           string  `json:"fallback"`
	CacheKey           string  `json:"cache_key"`
}

func toDecisionPayload(d strategy.Decision) decisionPayload {
	return decisionPayload{
		ID:                 d.ID,
		Strategy:           string(d.Strategy),
		Confidence:         d.Confidence,
		Reasoning:          d.Reasoning,
		EstimatedLatencyMS: d.EstimatedLatencyMs,
		ExpectedSpeedup:    d.ExpectedSpeedup,
		Fallback:           string(d.Fallback),
		CacheKey:           d.CacheKey,
	}
}

func fromDecisionPayload(p decisionPayload) strategy.Decision {
	return strategy.Decision{
		ID:                 p.ID,
		Strategy:           strategy.Strategy(p.Strategy),
		Confidence:         p.Confidence,
		Reasoning:          p.Reasoning,
		EstimatedLatencyMs: p.EstimatedLatencyMS,
		ExpectedSpeedup:    p.ExpectedSpeedup,
		Fallback:           strategy.Strategy(p.Fallback),
		CacheKey:           p.CacheKey,
	}
}

func (h *PlanHandler) HandlePlan(c *fiber.Ctx) error {
	var req struct {
		Query           string            `json:"query"`
		QueryType       string            `json:"query_type"`
		Layers          []string          `json:"layers"`
		Params          map[string]string `json:"params"`
		EstimatedCostMS float64           `json:"estimated_cost_ms"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Query == "" && req.QueryType == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "query or query_type is required",
		})
	}

	resp, err := h.engine.PlanQuery(c.Context(), engine.PlanRequest{
		QueryText:       req.Query,
		QueryType:       req.QueryType,
		Layers:          req.Layers,
		Params:          req.Params,
		EstimatedCostMs: req.EstimatedCostMS,
	})
	if err != nil {
		logger.Error("Failed to plan query", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to plan query",
		})
	}

	return c.JSON(fiber.Map{
		"decision":  toDecisionPayload(resp.Decision),
		"layers":    resp.Layers,
		"cache_key": resp.CacheKey,
		"cache_hit": resp.CacheHit,
		"result":    resp.CachedResult,
		"tuning": fiber.Map{
			"concurrency_level": resp.Tuning.ConcurrencyLevel,
			"layer_timeout_ms":  resp.Tuning.LayerTimeout.Milliseconds(),
			"strategy":          string(resp.Tuning.Strategy),
			"enable_caching":    resp.Tuning.EnableCaching,
			"enable_parallel":   resp.Tuning.EnableParallel,
		},
	})
}

func (h *PlanHandler) HandleComplete(c *fiber.Ctx) error {
	var req struct {
		ID               string             `json:"id"`
		Query            string             `json:"query"`
		QueryType        string             `json:"query_type"`
		Layers           []string           `json:"layers"`
		LayerLatenciesMS map[string]float64 `json:"layer_latencies_ms"`
		LatencyMS        float64            `json:"latency_ms"`
		MemoryUsed       int64              `json:"memory_used"`
		CacheHit         bool               `json:"cache_hit"`
		ResultCount      int                `json:"result_count"`
		Success          bool               `json:"success"`
		Error            string             `json:"error"`
		Parallel         bool               `json:"parallel_execution"`
		ConcurrencyLevel int                `json:"concurrency_level"`
		AccuracyScore    float64            `json:"accuracy_score"`
		Decision         *decisionPayload   `json:"decision"`
		Params           map[string]string  `json:"params"`
		Result           interface{}        `json:"result"`
		ResultTTLSeconds int                `json:"result_ttl_seconds"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if len(req.Layers) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "layers is required",
		})
	}
	if req.LatencyMS <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "latency_ms must be positive",
		})
	}

	layerLatencies := make(map[string]time.Duration, len(req.LayerLatenciesMS))
	for layer, ms := range req.LayerLatenciesMS {
		layerLatencies[layer] = time.Duration(ms * float64(time.Millisecond))
	}

	completion := engine.CompletionRequest{
		Metrics: telemetry.QueryMetrics{
			ID:                req.ID,
			QueryText:         req.Query,
			QueryType:         req.QueryType,
			Layers:            req.Layers,
			LayerLatencies:    layerLatencies,
			Latency:           time.Duration(req.LatencyMS * float64(time.Millisecond)),
			MemoryUsed:        req.MemoryUsed,
			CacheHit:          req.CacheHit,
			ResultCount:       req.ResultCount,
			Success:           req.Success,
			Error:             req.Error,
			ParallelExecution: req.Parallel,
			ConcurrencyLevel:  req.ConcurrencyLevel,
			AccuracyScore:     req.AccuracyScore,
		},
		Params:    req.Params,
		Result:    req.Result,
		ResultTTL: time.Duration(req.ResultTTLSeconds) * time.Second,
	}
	if req.Decision != nil {
		d := fromDecisionPayload(*req.Decision)
		completion.Decision = &d
	}

	id, err := h.engine.RecordCompletion(c.Context(), completion)
	if err != nil {
		logger.Error("Failed to record completion", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to record completion",
		})
	}

	return c.JSON(fiber.Map{
		"id":     id,
		"cached": req.Result != nil && req.Success,
	})
}

func (h *PlanHandler) HandleHistory(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	records, err := h.engine.RecentMetrics(limit)
	if err != nil {
		logger.Error("Failed to get query history", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get query history",
		})
	}

	history := make([]fiber.Map, 0, len(records))
	for _, r := range records {
		history = append(history, fiber.Map{
			"id":                 r.ID,
			"query":              r.QueryText,
			"query_type":         r.QueryType,
			"layers":             r.Layers,
			"latency_ms":         r.LatencyMS,
			"cache_hit":          r.CacheHit,
			"result_count":       r.ResultCount,
			"success":            r.Success,
			"parallel_execution": r.ParallelExecution,
			"created_at":         r.CreatedAt,
		})
	}

	return c.JSON(fiber.Map{
		"history": history,
		"count":   len(history),
	})
}
