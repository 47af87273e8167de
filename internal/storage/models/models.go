package models

import "time"

// QueryMetricsRecord is the persisted form of one telemetry record.
type QueryMetricsRecord struct {
	ID                string
	QueryText         string
	QueryType         string
	Layers            []string
	LatencyMS         int
	MemoryUsed        int64
	CacheHit          bool
	ResultCount       int
	Success           bool
	Error             string
	ParallelExecution bool
	ConcurrencyLevel  int
	AccuracyScore     float64
	CreatedAt         time.Time
}

// DecisionRecord is one logged strategy decision with its reasoning.
type DecisionRecord struct {
	ID                 string
	QueryType          string
	Strategy           string
	Confidence         float64
	Reasoning          string
	EstimatedLatencyMS float64
	ExpectedSpeedup    float64
	Fallback           string
	CacheKey           string
	CreatedAt          time.Time
}

// TuningChange is one adopted auto-tuner adjustment.
type TuningChange struct {
	ID               int
	QueryType        string
	ConcurrencyLevel int
	LayerTimeoutMS   int
	Strategy         string
	CreatedAt        time.Time
}
