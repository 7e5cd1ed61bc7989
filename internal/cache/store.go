// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cache

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/gencost/internal/clock"
)

// =============================================================================
// STORE INTERFACE
// =============================================================================

// Entry is a cached response with its expiry metadata.
// Invariant: ExpiresAt is never before CreatedAt; an entry is considered
// absent once now > ExpiresAt even if not yet physically removed.
type Entry struct {
	Key             string
	Value           []byte
	CreatedAt       time.Time
	ExpiresAt       time.Time
	EstimatedTokens int
}

// Stats holds cache hit/miss counters and the current entry count.
type Stats struct {
	Hits   int
	Misses int
	Size   int
}

// Store is the interface for cached-response storage.
//
// Contract:
//   - Implementations must be safe for concurrent Get/Put from many callers.
//   - Get treats an expired entry as not-found and may remove it.
//   - Put evicts when the entry count exceeds capacity: expired entries
//     first, then oldest-by-CreatedAt until at or under capacity.
type Store interface {
	// Put stores a value. Returns an error only for storage failures.
	Put(key string, value []byte, estimatedTokens int) error

	// Get retrieves a value. Returns (nil, false) on miss or expiry.
	Get(key string) ([]byte, bool)

	// Peek is Get without touching the hit/miss counters, for re-checks
	// of a key whose lookup was already counted.
	Peek(key string) ([]byte, bool)

	// Delete removes an entry if present. Deleting a missing key is a no-op.
	Delete(key string) error

	// Stats returns hit/miss counters and the current size.
	Stats() Stats

	// Clear removes all entries and returns how many were removed.
	Clear() (int, error)
}

// =============================================================================
// IN-MEMORY STORE
// =============================================================================

// Memory is the default in-process Store.
type Memory struct {
	mu          sync.RWMutex
	entries     map[string]*Entry
	createOrder []string // Keys in insertion order, for oldest-first eviction
	maxEntries  int
	ttl         time.Duration
	clk         clock.Clock
	logger      zerolog.Logger

	hits   int
	misses int
}

// NewMemory creates an in-memory store.
// maxEntries caps the entry count (default 1000 when <= 0); ttl is the
// time-to-live applied to every Put (default 1 hour when <= 0).
func NewMemory(maxEntries int, ttl time.Duration, clk clock.Clock, logger zerolog.Logger) *Memory {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Memory{
		entries:     make(map[string]*Entry),
		createOrder: make([]string, 0, maxEntries),
		maxEntries:  maxEntries,
		ttl:         ttl,
		clk:         clk,
		logger:      logger,
	}
}

// Get retrieves a value. An expired entry counts as a miss and is removed.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	value, ok := m.lookupLocked(key)
	if ok {
		m.hits++
	} else {
		m.misses++
	}
	return value, ok
}

// Peek retrieves a value without counting the lookup.
func (m *Memory) Peek(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookupLocked(key)
}

// lookupLocked resolves a key, removing it when expired. Must hold the
// lock.
func (m *Memory) lookupLocked(key string) ([]byte, bool) {
	entry, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if m.clk.Now().After(entry.ExpiresAt) {
		m.removeLocked(key)
		return nil, false
	}
	return entry.Value, true
}

// Put stores a value with the configured TTL, evicting as needed.
func (m *Memory) Put(key string, value []byte, estimatedTokens int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()

	// Replacing an existing key keeps the count stable but refreshes its age.
	if _, ok := m.entries[key]; ok {
		m.removeLocked(key)
	}

	m.entries[key] = &Entry{
		Key:             key,
		Value:           value,
		CreatedAt:       now,
		ExpiresAt:       now.Add(m.ttl),
		EstimatedTokens: estimatedTokens,
	}
	m.createOrder = append(m.createOrder, key)

	if len(m.entries) > m.maxEntries {
		m.evictLocked(now)
	}
	return nil
}

// Delete removes an entry if present.
func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(key)
	return nil
}

// Stats returns a snapshot of the counters.
func (m *Memory) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{Hits: m.hits, Misses: m.misses, Size: len(m.entries)}
}

// Clear removes all entries.
func (m *Memory) Clear() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := len(m.entries)
	m.entries = make(map[string]*Entry)
	m.createOrder = m.createOrder[:0]
	return removed, nil
}

// evictLocked brings the store back to capacity: expired entries are swept
// first, then the oldest entries by creation time. Must hold the lock.
func (m *Memory) evictLocked(now time.Time) {
	expired := 0
	for key, entry := range m.entries {
		if now.After(entry.ExpiresAt) {
			m.removeLocked(key)
			expired++
		}
	}

	aged := 0
	for len(m.entries) > m.maxEntries && len(m.createOrder) > 0 {
		m.removeLocked(m.createOrder[0])
		aged++
	}

	if expired > 0 || aged > 0 {
		m.logger.Debug().
			Int("expired", expired).
			Int("aged_out", aged).
			Int("size", len(m.entries)).
			Msg("cache eviction sweep")
	}
}

// removeLocked deletes an entry and its createOrder slot. Must hold the lock.
func (m *Memory) removeLocked(key string) {
	if _, ok := m.entries[key]; !ok {
		return
	}
	delete(m.entries, key)
	for i, k := range m.createOrder {
		if k == key {
			m.createOrder = append(m.createOrder[:i], m.createOrder[i+1:]...)
			break
		}
	}
}

// Ensure Memory implements Store.
var _ Store = (*Memory)(nil)
