package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/memory-agent/retrieval/pkg/circuitbreaker"
	"github.com/memory-agent/retrieval/pkg/logger"
	"github.com/memory-agent/retrieval/pkg/retry"
)

const remoteKeyPrefix = "crosslayer:"

// RemoteCache is an optional Redis-backed second tier shared by agent
// processes. The in-process CrossLayerCache stays authoritative; the remote
// tier only pre-warms it on local misses and receives write-throughs.
// A circuit breaker keeps a down Redis from slowing the query path.
type RemoteCache struct {
	client   *redis.Client
	breaker  *circuitbreaker.Breaker
	retryCfg retry.Config
}

type remoteEntry struct {
	QueryType string          `json:"query_type"`
	Layers    []string        `json:"layers"`
	Result    json.RawMessage `json:"result"`
	StoredAt  time.Time       `json:"stored_at"`
}

func NewRemoteCache(host string, port int, password string, db int) (*RemoteCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	breaker := circuitbreaker.New("remote-cache", circuitbreaker.Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		Logger:           logger.Log,
	})

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = 2
	retryCfg.InitialDelay = 50 * time.Millisecond
	retryCfg.Logger = logger.Log

	logger.Info("Remote cache tier initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &RemoteCache{client: client, breaker: breaker, retryCfg: retryCfg}, nil
}

func (r *RemoteCache) Close() error {
	return r.client.Close()
}

// Get fetches a remote entry by cache key. A miss, an open breaker or a
// redis error all return found=false; the remote tier is advisory.
func (r *RemoteCache) Get(ctx context.Context, key string) (queryType string, layers []string, result json.RawMessage, found bool) {
	var entry remoteEntry
	err := r.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, r.retryCfg, func() error {
			data, err := r.client.Get(ctx, remoteKeyPrefix+key).Bytes()
			if err == redis.Nil {
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to get remote cache entry: %w", err)
			}
			if err := json.Unmarshal(data, &entry); err != nil {
				return fmt.Errorf("failed to unmarshal remote cache entry: %w", err)
			}
			found = true
			return nil
		})
	})
	if err != nil {
		logger.Warn("Remote cache get failed", zap.String("key", key), zap.Error(err))
		return "", nil, nil, false
	}
	if !found {
		return "", nil, nil, false
	}
	return entry.QueryType, entry.Layers, entry.Result, true
}

// Set writes an entry through to the remote tier with the same TTL the
// local entry carries. Failures are logged, never surfaced to the caller.
func (r *RemoteCache) Set(ctx context.Context, key, queryType string, layers []string, result interface{}, ttl time.Duration) {
	raw, err := json.Marshal(result)
	if err != nil {
		logger.Warn("Remote cache marshal failed", zap.String("key", key), zap.Error(err))
		return
	}
	entry := remoteEntry{
		QueryType: queryType,
		Layers:    layers,
		Result:    raw,
		StoredAt:  time.Now(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		logger.Warn("Remote cache marshal failed", zap.String("key", key), zap.Error(err))
		return
	}

	err = r.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, r.retryCfg, func() error {
			if err := r.client.Set(ctx, remoteKeyPrefix+key, data, ttl).Err(); err != nil {
				return fmt.Errorf("failed to set remote cache entry: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		logger.Warn("Remote cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// InvalidateAll drops every remote cross-layer entry. Used when a layer
// invalidation must propagate to sibling processes.
func (r *RemoteCache) InvalidateAll(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, remoteKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warn("Failed to delete remote cache key", zap.Error(err))
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to iterate remote cache keys: %w", err)
	}

	logger.Info("Remote cache invalidated")
	return nil
}
