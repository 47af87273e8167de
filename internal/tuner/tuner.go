package tuner

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/memory-agent/retrieval/internal/profiler"
	"github.com/memory-agent/retrieval/pkg/logger"
)

// OptimizationStrategy biases the timeout headroom the tuner grants.
type OptimizationStrategy string

const (
	OptimizeLatency    OptimizationStrategy = "latency"
	OptimizeThroughput OptimizationStrategy = "throughput"
	OptimizeCost       OptimizationStrategy = "cost"
	OptimizeBalanced   OptimizationStrategy = "balanced"
)

const (
	minConcurrency = 2
	maxConcurrency = 20
	minTimeout     = 5 * time.Second
	maxTimeout     = 30 * time.Second
)

// Config is the advisory execution configuration the tuner maintains. The
// engine hands it to callers; nothing in this package enforces it.
type Config struct {
	ConcurrencyLevel int
	LayerTimeout     time.Duration
	Strategy         OptimizationStrategy
	EnableCaching    bool
	EnableParallel   bool
}

// Equal compares the fields whose change is considered meaningful.
func (c Config) Equal(o Config) bool {
	return c.ConcurrencyLevel == o.ConcurrencyLevel &&
		c.LayerTimeout == o.LayerTimeout &&
		c.Strategy == o.Strategy
}

func DefaultTuningConfig() Config {
	return Config{
		ConcurrencyLevel: 8,
		LayerTimeout:     10 * time.Second,
		Strategy:         OptimizeBalanced,
		EnableCaching:    true,
		EnableParallel:   true,
	}
}

// MetricsSource is what the tuner needs from the profiler.
type MetricsSource interface {
	GetQueryTypeMetrics(queryType string) profiler.QueryTypeMetrics
	GetAllQueryTypeMetrics() map[string]profiler.QueryTypeMetrics
}

// Options bounds how often and how eagerly the tuner retunes.
type Options struct {
	AdjustmentInterval int
	MinSamples         int
	// Relative change in concurrency or timeout below which a recomputed
	// config is discarded, so noise cannot thrash the configuration.
	Hysteresis float64
}

func DefaultOptions() Options {
	return Options{
		AdjustmentInterval: 50,
		MinSamples:         20,
		Hysteresis:         0.10,
	}
}

// AutoTuner recomputes concurrency and per-layer timeout from the
// profiler's percentile statistics, amortized over adjustment_interval
// calls and damped by hysteresis.
type AutoTuner struct {
	mu sync.Mutex

	src     MetricsSource
	opts    Options
	current Config

	calls       int
	adjustments int
}

func New(src MetricsSource, opts Options, initial Config) *AutoTuner {
	if opts.AdjustmentInterval <= 0 {
		opts.AdjustmentInterval = DefaultOptions().AdjustmentInterval
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = DefaultOptions().MinSamples
	}
	if opts.Hysteresis <= 0 {
		opts.Hysteresis = DefaultOptions().Hysteresis
	}
	if initial == (Config{}) {
		initial = DefaultTuningConfig()
	}
	return &AutoTuner{src: src, opts: opts, current: initial}
}

// GetOptimizedConfig returns the current advisory config, recomputing it
// only every adjustment_interval invocations. With a query type it tunes
// from that type's statistics, otherwise from a query-count-weighted
// aggregate across all types.
func (t *AutoTuner) GetOptimizedConfig(queryType string) Config {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.calls++
	if t.calls < t.opts.AdjustmentInterval {
		return t.current
	}
	t.calls = 0

	stats := t.collectStats(queryType)
	if stats.TotalQueries < t.opts.MinSamples {
		return t.current
	}

	candidate := t.current
	candidate.ConcurrencyLevel = concurrencyFor(stats)
	candidate.LayerTimeout = timeoutFor(stats, t.current.Strategy)

	if !t.meaningfulChange(candidate) {
		return t.current
	}

	logger.Info("Tuning config adjusted",
		zap.String("query_type", queryType),
		zap.Int("concurrency", candidate.ConcurrencyLevel),
		zap.Duration("layer_timeout", candidate.LayerTimeout),
		zap.Duration("p99_latency", stats.P99Latency),
		zap.Float64("parallel_speedup", stats.ParallelSpeedup),
	)

	t.current = candidate
	t.adjustments++
	return t.current
}

// CurrentConfig returns the config without advancing the call counter.
func (t *AutoTuner) CurrentConfig() Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// SetStrategy switches the optimization strategy for future recomputes.
func (t *AutoTuner) SetStrategy(s OptimizationStrategy) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current.Strategy = s
}

// Adjustments reports how many times the config has actually changed.
func (t *AutoTuner) Adjustments() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.adjustments
}

func (t *AutoTuner) collectStats(queryType string) profiler.QueryTypeMetrics {
	if queryType != "" {
		return t.src.GetQueryTypeMetrics(queryType)
	}

	all := t.src.GetAllQueryTypeMetrics()
	var agg profiler.QueryTypeMetrics
	var totalWeight float64
	var p99Acc, speedupAcc float64
	for _, m := range all {
		w := float64(m.TotalQueries)
		if w == 0 {
			continue
		}
		agg.TotalQueries += m.TotalQueries
		p99Acc += float64(m.P99Latency) * w
		speedupAcc += m.ParallelSpeedup * w
		totalWeight += w
	}
	if totalWeight > 0 {
		agg.P99Latency = time.Duration(p99Acc / totalWeight)
		agg.ParallelSpeedup = speedupAcc / totalWeight
	}
	return agg
}

func (t *AutoTuner) meaningfulChange(candidate Config) bool {
	return relativeDiff(float64(candidate.ConcurrencyLevel), float64(t.current.ConcurrencyLevel)) > t.opts.Hysteresis ||
		relativeDiff(float64(candidate.LayerTimeout), float64(t.current.LayerTimeout)) > t.opts.Hysteresis
}

// concurrencyFor tiers the base level by p99 latency, then scales it by how
// well parallelism has been paying off.
func concurrencyFor(stats profiler.QueryTypeMetrics) int {
	p99 := stats.P99Latency
	base := 4
	switch {
	case p99 < 100*time.Millisecond:
		base = 15
	case p99 < 500*time.Millisecond:
		base = 8
	}

	factor := 1.0
	switch {
	case stats.ParallelSpeedup > 2.0:
		factor = 1.2
	case stats.ParallelSpeedup < 1.1:
		factor = 0.7
	}

	level := int(math.Round(float64(base) * factor))
	if level < minConcurrency {
		level = minConcurrency
	}
	if level > maxConcurrency {
		level = maxConcurrency
	}
	return level
}

// timeoutFor scales p99 latency by the strategy's headroom multiplier.
func timeoutFor(stats profiler.QueryTypeMetrics, strategy OptimizationStrategy) time.Duration {
	multiplier := 1.5
	switch strategy {
	case OptimizeLatency:
		multiplier = 1.2
	case OptimizeThroughput:
		multiplier = 2.0
	}

	timeout := time.Duration(float64(stats.P99Latency) * multiplier)
	if timeout < minTimeout {
		timeout = minTimeout
	}
	if timeout > maxTimeout {
		timeout = maxTimeout
	}
	return timeout
}

func relativeDiff(a, b float64) float64 {
	if b == 0 {
		if a == 0 {
			return 0
		}
		return 1
	}
	return math.Abs(a-b) / b
}
