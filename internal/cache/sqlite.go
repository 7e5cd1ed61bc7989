// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/gencost/internal/clock"
)

// ErrStoreClosed is returned by operations on a closed SQLite store.
var ErrStoreClosed = errors.New("cache: store is closed")

const cacheSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key              TEXT PRIMARY KEY,
	value            BLOB NOT NULL,
	created_at       INTEGER NOT NULL,
	expires_at       INTEGER NOT NULL,
	estimated_tokens INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_cache_created ON cache_entries(created_at);
CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);
`

// SQLite is a durable Store backed by a local SQLite database.
// One row per cache key: {key, value, created_at, expires_at,
// estimated_tokens}, timestamps in Unix nanoseconds (UTC).
type SQLite struct {
	db         *sql.DB
	maxEntries int
	ttl        time.Duration
	clk        clock.Clock
	logger     zerolog.Logger

	mu     sync.Mutex
	hits   int
	misses int
	closed bool
}

// NewSQLite opens (or creates) the database at path and prepares the schema.
func NewSQLite(path string, maxEntries int, ttl time.Duration, clk clock.Clock, logger zerolog.Logger) (*SQLite, error) {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if clk == nil {
		clk = clock.System{}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open database: %w", err)
	}
	if _, err := db.Exec(cacheSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: prepare schema: %w", err)
	}

	return &SQLite{
		db:         db,
		maxEntries: maxEntries,
		ttl:        ttl,
		clk:        clk,
		logger:     logger,
	}, nil
}

// Get retrieves a value. Expired or malformed rows are deleted and treated
// as a miss; corruption is never surfaced to the caller.
func (s *SQLite) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.lookupLocked(key)
	if ok {
		s.hits++
	} else {
		s.misses++
	}
	return value, ok
}

// Peek retrieves a value without counting the lookup.
func (s *SQLite) Peek(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(key)
}

// lookupLocked resolves a key. Expired or malformed rows are deleted and
// treated as absent; corruption is never surfaced. Must hold the lock.
func (s *SQLite) lookupLocked(key string) ([]byte, bool) {
	if s.closed {
		return nil, false
	}

	var value []byte
	var createdAt, expiresAt int64
	err := s.db.QueryRow(
		`SELECT value, created_at, expires_at FROM cache_entries WHERE key = ?`, key,
	).Scan(&value, &createdAt, &expiresAt)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			// Malformed row: discard and treat as a miss.
			s.logger.Warn().Err(err).Str("key", key).Msg("discarding corrupt cache entry")
			s.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, key)
		}
		return nil, false
	}

	if expiresAt < createdAt || s.clk.Now().UnixNano() > expiresAt {
		s.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, key)
		return nil, false
	}

	return value, true
}

// Put stores a value with the configured TTL, evicting as needed.
func (s *SQLite) Put(key string, value []byte, estimatedTokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	now := s.clk.Now()
	_, err := s.db.Exec(`
		INSERT INTO cache_entries (key, value, created_at, expires_at, estimated_tokens)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			estimated_tokens = excluded.estimated_tokens`,
		key, value, now.UnixNano(), now.Add(s.ttl).UnixNano(), estimatedTokens,
	)
	if err != nil {
		return fmt.Errorf("cache: put: %w", err)
	}

	return s.evictLocked(now)
}

// Delete removes an entry if present.
func (s *SQLite) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("cache: delete: %w", err)
	}
	return nil
}

// Stats returns a snapshot of the counters and current row count.
func (s *SQLite) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var size int
	if !s.closed {
		s.db.QueryRow(`SELECT COUNT(*) FROM cache_entries`).Scan(&size)
	}
	return Stats{Hits: s.hits, Misses: s.misses, Size: size}
}

// Clear removes all entries.
func (s *SQLite) Clear() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	res, err := s.db.Exec(`DELETE FROM cache_entries`)
	if err != nil {
		return 0, fmt.Errorf("cache: clear: %w", err)
	}
	removed, _ := res.RowsAffected()
	return int(removed), nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// evictLocked sweeps expired rows, then the oldest rows by created_at until
// at or under capacity. Must hold the lock.
func (s *SQLite) evictLocked(now time.Time) error {
	if _, err := s.db.Exec(`DELETE FROM cache_entries WHERE expires_at < ?`, now.UnixNano()); err != nil {
		return fmt.Errorf("cache: expiry sweep: %w", err)
	}

	var size int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM cache_entries`).Scan(&size); err != nil {
		return fmt.Errorf("cache: size check: %w", err)
	}
	if size <= s.maxEntries {
		return nil
	}

	_, err := s.db.Exec(`
		DELETE FROM cache_entries WHERE key IN (
			SELECT key FROM cache_entries ORDER BY created_at ASC LIMIT ?
		)`, size-s.maxEntries)
	if err != nil {
		return fmt.Errorf("cache: capacity eviction: %w", err)
	}

	s.logger.Debug().Int("evicted", size-s.maxEntries).Msg("cache eviction sweep")
	return nil
}

// Ensure SQLite implements Store.
var _ Store = (*SQLite)(nil)
