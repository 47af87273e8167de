package cache

import (
	"container/list"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/memory-agent/retrieval/pkg/logger"
)

const (
	// Confidence weights: freshness dominates, repeat hits add trust.
	confidenceAgeWeight = 0.7
	confidenceHitWeight = 0.3
	minAgeFactor        = 0.1
	hitFactorSaturation = 10.0

	fallbackEntrySize = 64
)

// Entry is one cached cross-layer result.
type Entry struct {
	Key        string
	QueryType  string
	Layers     []string
	Result     interface{}
	CreatedAt  time.Time
	TTL        time.Duration
	HitCount   int
	Confidence float64
	SizeBytes  int
}

// Stats is the cache counter snapshot exposed by the stats API.
type Stats struct {
	Entries    int
	MaxEntries int
	TotalBytes int64
	Hits       uint64
	Misses     uint64
	HitRate    float64
	Evictions  uint64
}

// ComboStats tracks hit/miss/store counts per layer combination.
type ComboStats struct {
	QueryType string
	Layers    []string
	Hits      int
	Misses    int
	Stores    int
}

// CrossLayerCache is an in-process TTL+LRU cache for combined multi-layer
// results. Reads and writes both count as LRU touches; expired entries are
// evicted at access time, never returned. At most one live entry exists per
// key and the resident byte total always equals the sum of entry sizes.
type CrossLayerCache struct {
	mu sync.Mutex

	maxEntries int
	defaultTTL time.Duration
	layerTTLs  map[string]time.Duration

	ll    *list.List
	items map[string]*list.Element

	totalBytes int64
	hits       uint64
	misses     uint64
	evictions  uint64
	combos     map[string]*ComboStats

	now func() time.Time
}

func NewCrossLayerCache(maxEntries int, defaultTTL time.Duration, layerTTLs map[string]time.Duration) *CrossLayerCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	if layerTTLs == nil {
		layerTTLs = map[string]time.Duration{}
	}
	return &CrossLayerCache{
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
		layerTTLs:  layerTTLs,
		ll:         list.New(),
		items:      make(map[string]*list.Element, maxEntries),
		combos:     map[string]*ComboStats{},
		now:        time.Now,
	}
}

// TryGet returns the live entry for key, counting the hit, refreshing the
// entry's confidence and moving it to most-recently-used. Expired entries
// are removed on the spot and reported as misses.
func (c *CrossLayerCache) TryGet(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses++
		return Entry{}, false
	}

	entry := elem.Value.(*Entry)
	age := c.now().Sub(entry.CreatedAt)
	if age > entry.TTL {
		c.removeElementLocked(elem)
		c.misses++
		c.comboLocked(entry).Misses++
		logger.Debug("Cache entry expired on access",
			zap.String("key", entry.Key),
			zap.Duration("age", age),
			zap.Duration("ttl", entry.TTL),
		)
		return Entry{}, false
	}

	entry.HitCount++
	entry.Confidence = confidence(age, entry.TTL, entry.HitCount)
	c.ll.MoveToFront(elem)
	c.hits++
	c.comboLocked(entry).Hits++

	return cloneEntry(entry), true
}

// Availability reports the confidence a hit on key would carry right now,
// without consuming a hit or touching LRU order. Zero means miss.
func (c *CrossLayerCache) Availability(key string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return 0
	}
	entry := elem.Value.(*Entry)
	age := c.now().Sub(entry.CreatedAt)
	if age > entry.TTL {
		return 0
	}
	return confidence(age, entry.TTL, entry.HitCount)
}

// CacheResult stores a combined result under key. A non-positive ttl selects
// the default: the minimum per-layer TTL override among the included layers,
// so the most volatile layer bounds the whole entry. When the cache is full
// exactly one least-recently-used entry is evicted before insertion.
func (c *CrossLayerCache) CacheResult(key, queryType string, layers []string, result interface{}, ttl time.Duration) Entry {
	if ttl <= 0 {
		ttl = c.ttlForLayers(layers)
	}
	size := estimateSize(result)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		// Concurrent identical misses may both execute and both store;
		// the second write overwrites with an equivalent value.
		old := elem.Value.(*Entry)
		c.totalBytes -= int64(old.SizeBytes)
		old.QueryType = queryType
		old.Layers = append([]string(nil), layers...)
		old.Result = result
		old.CreatedAt = c.now()
		old.TTL = ttl
		old.SizeBytes = size
		old.Confidence = confidence(0, ttl, old.HitCount)
		c.totalBytes += int64(size)
		c.ll.MoveToFront(elem)
		c.comboLocked(old).Stores++
		return cloneEntry(old)
	}

	if c.ll.Len() >= c.maxEntries {
		if back := c.ll.Back(); back != nil {
			evicted := back.Value.(*Entry)
			c.removeElementLocked(back)
			c.evictions++
			logger.Debug("Cache entry evicted",
				zap.String("key", evicted.Key),
				zap.Int("hit_count", evicted.HitCount),
			)
		}
	}

	entry := &Entry{
		Key:        key,
		QueryType:  queryType,
		Layers:     append([]string(nil), layers...),
		Result:     result,
		CreatedAt:  c.now(),
		TTL:        ttl,
		Confidence: confidence(0, ttl, 0),
		SizeBytes:  size,
	}
	elem := c.ll.PushFront(entry)
	c.items[key] = elem
	c.totalBytes += int64(size)
	c.comboLocked(entry).Stores++

	return cloneEntry(entry)
}

// InvalidateLayer removes every entry whose layer set contains the given
// layer and returns how many were removed.
func (c *CrossLayerCache) InvalidateLayer(layer string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.ll.Front(); elem != nil; {
		next := elem.Next()
		entry := elem.Value.(*Entry)
		for _, l := range entry.Layers {
			if l == layer {
				c.removeElementLocked(elem)
				removed++
				break
			}
		}
		elem = next
	}

	if removed > 0 {
		logger.Info("Cache layer invalidated",
			zap.String("layer", layer),
			zap.Int("removed", removed),
		)
	}
	return removed
}

// PruneExpired sweeps out every expired entry and returns the count. The
// sweep is caller-driven; the cache never runs it on its own.
func (c *CrossLayerCache) PruneExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for elem := c.ll.Front(); elem != nil; {
		next := elem.Next()
		entry := elem.Value.(*Entry)
		if now.Sub(entry.CreatedAt) > entry.TTL {
			c.removeElementLocked(elem)
			removed++
		}
		elem = next
	}
	return removed
}

func (c *CrossLayerCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *CrossLayerCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}
	return Stats{
		Entries:    c.ll.Len(),
		MaxEntries: c.maxEntries,
		TotalBytes: c.totalBytes,
		Hits:       c.hits,
		Misses:     c.misses,
		HitRate:    hitRate,
		Evictions:  c.evictions,
	}
}

// ComboSnapshot returns per-layer-combination statistics.
func (c *CrossLayerCache) ComboSnapshot() []ComboStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ComboStats, 0, len(c.combos))
	for _, cs := range c.combos {
		cp := *cs
		cp.Layers = append([]string(nil), cs.Layers...)
		out = append(out, cp)
	}
	return out
}

func (c *CrossLayerCache) ttlForLayers(layers []string) time.Duration {
	ttl := time.Duration(0)
	for _, l := range layers {
		override, ok := c.layerTTLs[l]
		if !ok {
			continue
		}
		if ttl == 0 || override < ttl {
			ttl = override
		}
	}
	if ttl == 0 {
		return c.defaultTTL
	}
	return ttl
}

func (c *CrossLayerCache) removeElementLocked(elem *list.Element) {
	entry := elem.Value.(*Entry)
	c.ll.Remove(elem)
	delete(c.items, entry.Key)
	c.totalBytes -= int64(entry.SizeBytes)
}

func (c *CrossLayerCache) comboLocked(entry *Entry) *ComboStats {
	key := entry.QueryType + "|" + comboLayers(entry.Layers)
	cs := c.combos[key]
	if cs == nil {
		cs = &ComboStats{
			QueryType: entry.QueryType,
			Layers:    append([]string(nil), entry.Layers...),
		}
		c.combos[key] = cs
	}
	return cs
}

func comboLayers(layers []string) string {
	out := ""
	for i, l := range layers {
		if i > 0 {
			out += ","
		}
		out += l
	}
	return out
}

func confidence(age, ttl time.Duration, hits int) float64 {
	ageFactor := 1.0
	if ttl > 0 {
		ageFactor = 1 - float64(age)/float64(ttl)
	}
	if ageFactor < minAgeFactor {
		ageFactor = minAgeFactor
	}
	hitFactor := float64(hits) / hitFactorSaturation
	if hitFactor > 1 {
		hitFactor = 1
	}
	return confidenceAgeWeight*ageFactor + confidenceHitWeight*hitFactor
}

func cloneEntry(e *Entry) Entry {
	cp := *e
	cp.Layers = append([]string(nil), e.Layers...)
	return cp
}

func estimateSize(result interface{}) int {
	data, err := json.Marshal(result)
	if err != nil || len(data) == 0 {
		return fallbackEntrySize
	}
	return len(data)
}
