package strategy

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/memory-agent/retrieval/pkg/logger"
)

// Strategy is an execution path the caller can take for a query.
type Strategy string

const (
	StrategyCache       Strategy = "cache"
	StrategyParallel    Strategy = "parallel"
	StrategyDistributed Strategy = "distributed"
	StrategySequential  Strategy = "sequential"
)

// Config carries the decision thresholds. They are tuning defaults, not
// derived quantities, so every one of them is overridable.
type Config struct {
	CacheHitThreshold        float64
	CacheSpeedup             float64
	ParallelBenefitThreshold float64
	ComplexityThreshold      float64
	DistributedCostMs        float64
	DistributedBenefit       float64
	DistributedSpeedup       float64
	SequentialConfidence     float64
	InitialAccuracy          float64
	FailureDecay             float64
	AccuracySmoothing        float64
}

func DefaultConfig() Config {
	return Config{
		CacheHitThreshold:        0.75,
		CacheSpeedup:             50.0,
		ParallelBenefitThreshold: 1.5,
		ComplexityThreshold:      0.7,
		DistributedCostMs:        500.0,
		DistributedBenefit:       1.2,
		DistributedSpeedup:       6.0,
		SequentialConfidence:     0.8,
		InitialAccuracy:          0.5,
		FailureDecay:             0.95,
		AccuracySmoothing:        0.9,
	}
}

// Input is everything the selector consumes for one decision. Cache
// availability and parallelization benefit are pre-computed by the caller;
// the selector never queries the cache or the dependency graph itself.
type Input struct {
	QueryText           string
	QueryType           string
	NumLayers           int
	EstimatedCostMs     float64
	CacheHitProbability float64
	ParallelBenefit     float64
	CacheKey            string
}

// Decision is the immutable outcome of one selection. The fallback is the
// next safer strategy for the caller to retry with; the selector never
// invokes it itself.
type Decision struct {
	ID                 string
	Strategy           Strategy
	Confidence         float64
	Reasoning          string
	EstimatedLatencyMs float64
	ExpectedSpeedup    float64
	Fallback           Strategy
	CacheKey           string
	CreatedAt          time.Time
}

// Stats is one strategy's accuracy record.
type Stats struct {
	Strategy  Strategy
	Accuracy  float64
	Decisions int
	Outcomes  int
}

// Selector walks an ordered rule list (first match wins) and grades its own
// past decisions from execution outcomes.
type Selector struct {
	mu sync.Mutex

	cfg       Config
	accuracy  map[Strategy]float64
	decisions map[Strategy]int
	outcomes  map[Strategy]int
}

func NewSelector(cfg Config) *Selector {
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	return &Selector{
		cfg:       cfg,
		accuracy:  map[Strategy]float64{},
		decisions: map[Strategy]int{},
		outcomes:  map[Strategy]int{},
	}
}

// Select picks the cheapest plausible execution strategy for the input.
func (s *Selector) Select(in Input) Decision {
	cfg := s.cfg
	complexity := queryComplexity(in.NumLayers, in.EstimatedCostMs)

	d := Decision{
		ID:        uuid.New().String(),
		CacheKey:  in.CacheKey,
		CreatedAt: time.Now(),
	}

	switch {
	case in.CacheHitProbability > cfg.CacheHitThreshold:
		d.Strategy = StrategyCache
		d.Confidence = in.CacheHitProbability
		d.ExpectedSpeedup = cfg.CacheSpeedup
		d.Fallback = StrategySequential
		d.Reasoning = fmt.Sprintf("cache hit probability %.2f above threshold %.2f",
			in.CacheHitProbability, cfg.CacheHitThreshold)

	case in.NumLayers > 1 && in.ParallelBenefit > cfg.ParallelBenefitThreshold && complexity < cfg.ComplexityThreshold:
		d.Strategy = StrategyParallel
		d.Confidence = minFloat(in.ParallelBenefit/5.0, 1.0)
		d.ExpectedSpeedup = in.ParallelBenefit
		d.Fallback = StrategySequential
		d.Reasoning = fmt.Sprintf("%d layers with %.2fx parallel benefit at complexity %.2f",
			in.NumLayers, in.ParallelBenefit, complexity)

	case in.EstimatedCostMs > cfg.DistributedCostMs && in.ParallelBenefit > cfg.DistributedBenefit:
		d.Strategy = StrategyDistributed
		d.Confidence = minFloat(in.EstimatedCostMs/1000.0, 1.0)
		d.ExpectedSpeedup = cfg.DistributedSpeedup
		d.Fallback = StrategyParallel
		d.Reasoning = fmt.Sprintf("estimated cost %.0fms above %.0fms warrants worker pool dispatch",
			in.EstimatedCostMs, cfg.DistributedCostMs)

	default:
		d.Strategy = StrategySequential
		d.Confidence = cfg.SequentialConfidence
		d.ExpectedSpeedup = 1.0
		d.Reasoning = "no cache or parallelism advantage, running layers in order"
	}

	if d.ExpectedSpeedup > 0 {
		d.EstimatedLatencyMs = in.EstimatedCostMs / d.ExpectedSpeedup
	}

	s.mu.Lock()
	s.decisions[d.Strategy]++
	s.mu.Unlock()

	logger.Debug("Strategy selected",
		zap.String("decision_id", d.ID),
		zap.String("strategy", string(d.Strategy)),
		zap.Float64("confidence", d.Confidence),
		zap.String("reasoning", d.Reasoning),
	)

	return d
}

// RecordOutcome grades a past decision. Failures decay the strategy's
// accuracy; successes fold in how close the latency estimate was.
func (s *Selector) RecordOutcome(d Decision, actual time.Duration, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.accuracy[d.Strategy]
	if !ok {
		old = s.cfg.InitialAccuracy
	}
	s.outcomes[d.Strategy]++

	if !success {
		s.accuracy[d.Strategy] = old * s.cfg.FailureDecay
		return
	}

	actualMs := float64(actual) / float64(time.Millisecond)
	ratio := 1.0
	if d.EstimatedLatencyMs > 0 && actualMs > 0 {
		ratio = minFloat(d.EstimatedLatencyMs/actualMs, actualMs/d.EstimatedLatencyMs)
	}
	if ratio < 0.1 {
		ratio = 0.1
	}
	if ratio > 1 {
		ratio = 1
	}

	s.accuracy[d.Strategy] = s.cfg.AccuracySmoothing*old + (1-s.cfg.AccuracySmoothing)*ratio
}

// Accuracy returns the running accuracy for a strategy, 0.5 before any
// outcome has been recorded.
func (s *Selector) Accuracy(strategy Strategy) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.accuracy[strategy]; ok {
		return v
	}
	return s.cfg.InitialAccuracy
}

// Snapshot returns per-strategy decision and accuracy stats.
func (s *Selector) Snapshot() []Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Stats, 0, 4)
	for _, strategy := range []Strategy{StrategyCache, StrategyParallel, StrategyDistributed, StrategySequential} {
		acc, ok := s.accuracy[strategy]
		if !ok {
			acc = s.cfg.InitialAccuracy
		}
		out = append(out, Stats{
			Strategy:  strategy,
			Accuracy:  acc,
			Decisions: s.decisions[strategy],
			Outcomes:  s.outcomes[strategy],
		})
	}
	return out
}

// queryComplexity blends layer fan-out and estimated cost into [0,1].
func queryComplexity(numLayers int, estimatedCostMs float64) float64 {
	layerPart := minFloat(float64(numLayers)/5.0, 1.0)
	costPart := minFloat(estimatedCostMs/1000.0, 1.0)
	return 0.6*layerPart + 0.4*costPart
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
