package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/memory-agent/retrieval/internal/storage/models"
	"github.com/memory-agent/retrieval/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS query_metrics (
		id TEXT PRIMARY KEY,
		query_text TEXT,
		query_type TEXT NOT NULL,
		layers TEXT,
		latency_ms INTEGER,
		memory_used INTEGER,
		cache_hit INTEGER DEFAULT 0,
		result_count INTEGER,
		success INTEGER DEFAULT 1,
		error TEXT,
		parallel_execution INTEGER DEFAULT 0,
		concurrency_level INTEGER,
		accuracy_score REAL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_metrics_type ON query_metrics(query_type);
	CREATE INDEX IF NOT EXISTS idx_metrics_created ON query_metrics(created_at);

	CREATE TABLE IF NOT EXISTS strategy_decisions (
		id TEXT PRIMARY KEY,
		query_type TEXT,
		strategy TEXT NOT NULL,
		confidence REAL,
		reasoning TEXT,
		estimated_latency_ms REAL,
		expected_speedup REAL,
		fallback TEXT,
		cache_key TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_strategy ON strategy_decisions(strategy);
	CREATE INDEX IF NOT EXISTS idx_decisions_created ON strategy_decisions(created_at);

	CREATE TABLE IF NOT EXISTS tuning_changes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query_type TEXT,
		concurrency_level INTEGER NOT NULL,
		layer_timeout_ms INTEGER NOT NULL,
		strategy TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tuning_created ON tuning_changes(created_at);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) InsertQueryMetrics(record *models.QueryMetricsRecord) error {
	layersJSON, _ := json.Marshal(record.Layers)

	query := `
		INSERT INTO query_metrics (id, query_text, query_type, layers, latency_ms, memory_used,
			cache_hit, result_count, success, error, parallel_execution, concurrency_level,
			accuracy_score, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.Exec(
		query,
		record.ID,
		record.QueryText,
		record.QueryType,
		string(layersJSON),
		record.LatencyMS,
		record.MemoryUsed,
		boolToInt(record.CacheHit),
		record.ResultCount,
		boolToInt(record.Success),
		record.Error,
		boolToInt(record.ParallelExecution),
		record.ConcurrencyLevel,
		record.AccuracyScore,
		record.CreatedAt.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert query metrics: %w", err)
	}

	return nil
}

func (c *Client) GetRecentMetrics(limit int) ([]models.QueryMetricsRecord, error) {
	query := `
		SELECT id, query_text, query_type, layers, latency_ms, cache_hit, result_count,
			success, parallel_execution, created_at
		FROM query_metrics
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := c.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent metrics: %w", err)
	}
	defer rows.Close()

	var records []models.QueryMetricsRecord
	for rows.Next() {
		var r models.QueryMetricsRecord
		var layersJSON string
		var cacheHit, success, parallel int
		var createdAt int64

		err := rows.Scan(&r.ID, &r.QueryText, &r.QueryType, &layersJSON, &r.LatencyMS,
			&cacheHit, &r.ResultCount, &success, &parallel, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		json.Unmarshal([]byte(layersJSON), &r.Layers)
		r.CacheHit = cacheHit == 1
		r.Success = success == 1
		r.ParallelExecution = parallel == 1
		r.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, r)
	}

	return records, nil
}

func (c *Client) InsertDecision(record *models.DecisionRecord) error {
	query := `
		INSERT INTO strategy_decisions (id, query_type, strategy, confidence, reasoning,
			estimated_latency_ms, expected_speedup, fallback, cache_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.Exec(
		query,
		record.ID,
		record.QueryType,
		record.Strategy,
		record.Confidence,
		record.Reasoning,
		record.EstimatedLatencyMS,
		record.ExpectedSpeedup,
		record.Fallback,
		record.CacheKey,
		record.CreatedAt.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}

	return nil
}

func (c *Client) GetRecentDecisions(limit int) ([]models.DecisionRecord, error) {
	query := `
		SELECT id, query_type, strategy, confidence, reasoning, estimated_latency_ms,
			expected_speedup, fallback, created_at
		FROM strategy_decisions
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := c.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent decisions: %w", err)
	}
	defer rows.Close()

	var records []models.DecisionRecord
	for rows.Next() {
		var r models.DecisionRecord
		var createdAt int64

		err := rows.Scan(&r.ID, &r.QueryType, &r.Strategy, &r.Confidence, &r.Reasoning,
			&r.EstimatedLatencyMS, &r.ExpectedSpeedup, &r.Fallback, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		r.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, r)
	}

	return records, nil
}

func (c *Client) InsertTuningChange(change *models.TuningChange) error {
	query := `
		INSERT INTO tuning_changes (query_type, concurrency_level, layer_timeout_ms, strategy, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := c.db.Exec(
		query,
		change.QueryType,
		change.ConcurrencyLevel,
		change.LayerTimeoutMS,
		change.Strategy,
		change.CreatedAt.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert tuning change: %w", err)
	}

	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
