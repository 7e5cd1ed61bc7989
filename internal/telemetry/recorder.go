// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// defaultMaxRecords bounds the in-memory audit window. The durable log, if
// configured, keeps everything.
const defaultMaxRecords = 10000

// UsageRecord is one immutable entry in the audit trail. Never mutated
// after Record.
type UsageRecord struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	Cost             float64   `json:"cost"`
	CacheHit         bool      `json:"cache_hit"`
}

// TotalTokens returns prompt plus completion tokens.
func (r UsageRecord) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}

// ModelStats aggregates usage for one model.
type ModelStats struct {
	Requests         int     `json:"requests"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Cost             float64 `json:"cost"`
}

// Snapshot is a point-in-time copy of the aggregated statistics.
type Snapshot struct {
	Records     int                   `json:"records"`
	TotalCost   float64               `json:"total_cost"`
	TotalTokens int                   `json:"total_tokens"`
	PerModel    map[string]ModelStats `json:"per_model"`
}

// Log receives every record durably. Append must be safe for concurrent
// use.
type Log interface {
	Append(rec UsageRecord) error
}

// Recorder accumulates usage records and per-model aggregates.
// Safe for concurrent use.
type Recorder struct {
	mu         sync.RWMutex
	records    []UsageRecord
	perModel   map[string]*ModelStats
	totalCost  float64
	totalToken int
	maxRecords int

	log    Log // optional durable sink
	logger zerolog.Logger
}

// NewRecorder creates a recorder. log may be nil for in-memory only.
func NewRecorder(log Log, logger zerolog.Logger) *Recorder {
	return &Recorder{
		perModel:   make(map[string]*ModelStats),
		maxRecords: defaultMaxRecords,
		log:        log,
		logger:     logger,
	}
}

// Record appends a usage record, assigning an ID when the caller left it
// empty. A durable-log failure is logged but never fails the request that
// produced the record.
func (r *Recorder) Record(rec UsageRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	r.mu.Lock()
	r.records = append(r.records, rec)
	if len(r.records) > r.maxRecords {
		r.records = r.records[len(r.records)-r.maxRecords:]
	}

	stats, ok := r.perModel[rec.Model]
	if !ok {
		stats = &ModelStats{}
		r.perModel[rec.Model] = stats
	}
	stats.Requests++
	stats.PromptTokens += rec.PromptTokens
	stats.CompletionTokens += rec.CompletionTokens
	stats.Cost += rec.Cost

	r.totalCost += rec.Cost
	r.totalToken += rec.TotalTokens()
	r.mu.Unlock()

	if r.log != nil {
		if err := r.log.Append(rec); err != nil {
			r.logger.Warn().Err(err).Str("record", rec.ID).
				Msg("failed to append usage record to durable log")
		}
	}
}

// Snapshot returns a copy of the aggregates.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	perModel := make(map[string]ModelStats, len(r.perModel))
	for model, stats := range r.perModel {
		perModel[model] = *stats
	}
	return Snapshot{
		Records:     len(r.records),
		TotalCost:   r.totalCost,
		TotalTokens: r.totalToken,
		PerModel:    perModel,
	}
}

// Recent returns up to n of the most recent records, newest last.
func (r *Recorder) Recent(n int) []UsageRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || n > len(r.records) {
		n = len(r.records)
	}
	out := make([]UsageRecord, n)
	copy(out, r.records[len(r.records)-n:])
	return out
}
