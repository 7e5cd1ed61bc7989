// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const usageSchema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id                TEXT PRIMARY KEY,
	ts                INTEGER NOT NULL,
	model             TEXT NOT NULL,
	prompt_tokens     INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	cost              REAL NOT NULL,
	cache_hit         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_ts ON usage_records(ts);
CREATE INDEX IF NOT EXISTS idx_usage_model ON usage_records(model);
`

// SQLiteLog is an append-only durable usage log.
type SQLiteLog struct {
	db *sql.DB
}

// NewSQLiteLog opens (or creates) the database at path.
func NewSQLiteLog(path string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open database: %w", err)
	}
	if _, err := db.Exec(usageSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("telemetry: prepare schema: %w", err)
	}
	return &SQLiteLog{db: db}, nil
}

// Append inserts a record. Records are never updated or deleted.
func (l *SQLiteLog) Append(rec UsageRecord) error {
	_, err := l.db.Exec(`
		INSERT INTO usage_records (id, ts, model, prompt_tokens, completion_tokens, cost, cache_hit)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp.UTC().UnixNano(), rec.Model,
		rec.PromptTokens, rec.CompletionTokens, rec.Cost, boolToInt(rec.CacheHit),
	)
	if err != nil {
		return fmt.Errorf("telemetry: append record: %w", err)
	}
	return nil
}

// List returns records within [from, to), oldest first.
func (l *SQLiteLog) List(from, to time.Time) ([]UsageRecord, error) {
	rows, err := l.db.Query(`
		SELECT id, ts, model, prompt_tokens, completion_tokens, cost, cache_hit
		FROM usage_records
		WHERE ts >= ? AND ts < ?
		ORDER BY ts ASC`,
		from.UTC().UnixNano(), to.UTC().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: list records: %w", err)
	}
	defer rows.Close()

	var records []UsageRecord
	for rows.Next() {
		var rec UsageRecord
		var ts int64
		var cacheHit int
		if err := rows.Scan(&rec.ID, &ts, &rec.Model, &rec.PromptTokens,
			&rec.CompletionTokens, &rec.Cost, &cacheHit); err != nil {
			return nil, fmt.Errorf("telemetry: scan record: %w", err)
		}
		rec.Timestamp = time.Unix(0, ts).UTC()
		rec.CacheHit = cacheHit != 0
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close releases the underlying database handle.
func (l *SQLiteLog) Close() error {
	return l.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Ensure SQLiteLog implements Log.
var _ Log = (*SQLiteLog)(nil)
