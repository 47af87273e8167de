package handlers

import (
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/memory-agent/retrieval/internal/engine"
	"github.com/memory-agent/retrieval/pkg/logger"
)

const (
	defaultStreamInterval = 2 * time.Second
	minStreamInterval     = 500 * time.Millisecond
	maxStreamInterval     = 30 * time.Second
)

// WebSocketHandler streams engine snapshots to dashboard clients.
type WebSocketHandler struct {
	engine *engine.Engine
}

func NewWebSocketHandler(e *engine.Engine) *WebSocketHandler {
	return &WebSocketHandler{
		engine: e,
	}
}

func (h *WebSocketHandler) HandleStatsStream(c *websocket.Conn) {
	logger.Info("Stats stream connected")

	defer func() {
		c.Close()
		logger.Info("Stats stream closed")
	}()

	interval := defaultStreamInterval

	// Client messages only adjust the interval; any read error ends the
	// stream.
	intervals := make(chan time.Duration, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var msg struct {
				Type       string `json:"type"`
				IntervalMS int    `json:"interval_ms"`
			}
			if err := c.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type != "interval" {
				continue
			}
			next := time.Duration(msg.IntervalMS) * time.Millisecond
			if next < minStreamInterval {
				next = minStreamInterval
			}
			if next > maxStreamInterval {
				next = maxStreamInterval
			}
			select {
			case intervals <- next:
			default:
			}
		}
	}()

	if err := h.sendSnapshot(c); err != nil {
		logger.Error("Failed to send snapshot", zap.Error(err))
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case next := <-intervals:
			if next != interval {
				interval = next
				ticker.Reset(interval)
			}
		case <-ticker.C:
			if err := h.sendSnapshot(c); err != nil {
				logger.Error("Failed to send snapshot", zap.Error(err))
				return
			}
		}
	}
}

func (h *WebSocketHandler) sendSnapshot(c *websocket.Conn) error {
	snap := h.engine.Snapshot()

	msg := map[string]interface{}{
		"type":      "snapshot",
		"timestamp": time.Now().UTC(),
		"profiler": map[string]interface{}{
			"window_size": snap.Profiler.WindowSize,
			"query_types": queryTypeMaps(snap.Profiler.QueryTypes),
		},
		"dependencies": map[string]interface{}{
			"total_observations": snap.Dependencies.TotalObservations,
			"tracked_pairs":      len(snap.Dependencies.Dependencies),
			"patterns":           len(snap.Dependencies.Patterns),
		},
		"cache": map[string]interface{}{
			"entries":     snap.Cache.Entries,
			"total_bytes": snap.Cache.TotalBytes,
			"hit_rate":    snap.Cache.HitRate,
			"evictions":   snap.Cache.Evictions,
		},
		"strategies": strategyMaps(snap),
		"tuning": map[string]interface{}{
			"concurrency_level": snap.Tuning.ConcurrencyLevel,
			"layer_timeout_ms":  snap.Tuning.LayerTimeout.Milliseconds(),
			"strategy":          string(snap.Tuning.Strategy),
		},
	}

	return c.WriteJSON(msg)
}

func strategyMaps(snap engine.Snapshot) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(snap.Strategies))
	for _, s := range snap.Strategies {
		out = append(out, map[string]interface{}{
			"strategy":  string(s.Strategy),
			"accuracy":  s.Accuracy,
			"decisions": s.Decisions,
		})
	}
	return out
}
