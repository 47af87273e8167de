package telemetry

import "time"

// Memory layers the retrieval engine advises on. The engine never queries
// these itself; layer names are opaque labels fed back by the caller.
const (
	LayerEpisodic    = "episodic"
	LayerSemantic    = "semantic"
	LayerProcedural  = "procedural"
	LayerAssociation = "association"
)

// Query types used for pattern learning and per-type tuning.
const (
	QueryTypeTemporal    = "temporal"
	QueryTypeFactual     = "factual"
	QueryTypeProcedural  = "procedural"
	QueryTypeAssociative = "associative"
	QueryTypeExploratory = "exploratory"
	QueryTypeDefault     = "default"
)

// QueryMetrics is the per-query telemetry record the caller delivers after
// each completed retrieval. Records are immutable once recorded; the
// profiler and dependency graph only ever append and aggregate them.
type QueryMetrics struct {
	ID        string
	QueryText string
	QueryType string
	Timestamp time.Time

	Latency     time.Duration
	MemoryUsed  int64
	CacheHit    bool
	ResultCount int

	// Layers queried, in the order the caller ran them.
	Layers []string
	// Per-layer latency where the caller measured it. Missing or zero
	// entries mean the layer's latency is unknown.
	LayerLatencies map[string]time.Duration

	Success bool
	Error   string

	ParallelExecution bool
	ConcurrencyLevel  int
	AccuracyScore     float64
}

// Normalize fills the defaults for fields the caller left unset:
// zero timestamp becomes now, nil layer latencies become an empty map.
func (m *QueryMetrics) Normalize() {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	if m.LayerLatencies == nil {
		m.LayerLatencies = map[string]time.Duration{}
	}
}
