package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PlanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "retrieval_plan_duration_seconds",
			Help:    "Time spent producing a strategy decision",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		},
	)

	StrategyDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrieval_strategy_decisions_total",
			Help: "Strategy decisions by chosen strategy",
		},
		[]string{"strategy"},
	)

	StrategyAccuracy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "retrieval_strategy_accuracy",
			Help: "Running accuracy per strategy from outcome feedback",
		},
		[]string{"strategy"},
	)

	QueryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "retrieval_query_latency_seconds",
			Help:    "Completed query latency as reported by callers",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"query_type"},
	)

	ParallelSpeedup = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "retrieval_parallel_speedup",
			Help:    "Observed speedup of parallel executions",
			Buckets: []float64{1, 1.2, 1.5, 2, 3, 4, 5},
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrieval_cache_hits_total",
			Help: "Cross-layer cache hits by tier",
		},
		[]string{"tier"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrieval_cache_misses_total",
			Help: "Cross-layer cache misses by tier",
		},
		[]string{"tier"},
	)

	CacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "retrieval_cache_entries",
			Help: "Resident cross-layer cache entries",
		},
	)

	CacheBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "retrieval_cache_bytes",
			Help: "Resident cross-layer cache size in bytes",
		},
	)

	TunerAdjustments = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "retrieval_tuner_adjustments_total",
			Help: "Adopted auto-tuner configuration changes",
		},
	)

	ConcurrencyLevel = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "retrieval_tuned_concurrency_level",
			Help: "Currently advised concurrency level",
		},
	)

	LayerTimeoutSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "retrieval_tuned_layer_timeout_seconds",
			Help: "Currently advised per-layer timeout",
		},
	)
)

func Init() {
	prometheus.MustRegister(PlanDuration)
	prometheus.MustRegister(StrategyDecisions)
	prometheus.MustRegister(StrategyAccuracy)
	prometheus.MustRegister(QueryLatency)
	prometheus.MustRegister(ParallelSpeedup)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(CacheEntries)
	prometheus.MustRegister(CacheBytes)
	prometheus.MustRegister(TunerAdjustments)
	prometheus.MustRegister(ConcurrencyLevel)
	prometheus.MustRegister(LayerTimeoutSeconds)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
