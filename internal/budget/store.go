// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package budget

import "sync"

// PeriodStore persists per-period spend counters. Any store offering
// get/put and atomic-increment semantics satisfies this interface.
//
// Contract:
//   - Implementations must be safe for concurrent use.
//   - Spent returns 0 for a period that has never been touched.
//   - Add increments a period's counter and returns the new total, creating
//     the period lazily.
type PeriodStore interface {
	Spent(periodKey string) (float64, error)
	Add(periodKey string, delta float64) (float64, error)
	Reset(periodKey string) error
}

// MemoryStore is the default in-process PeriodStore.
type MemoryStore struct {
	mu    sync.Mutex
	spent map[string]float64
}

// NewMemoryStore creates an empty in-memory period store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{spent: make(map[string]float64)}
}

// Spent returns the accumulated spend for a period.
func (s *MemoryStore) Spent(periodKey string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spent[periodKey], nil
}

// Add increments a period's spend and returns the new total.
func (s *MemoryStore) Add(periodKey string, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spent[periodKey] += delta
	return s.spent[periodKey], nil
}

// Reset zeroes a period's counter.
func (s *MemoryStore) Reset(periodKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.spent, periodKey)
	return nil
}

// Ensure MemoryStore implements PeriodStore.
var _ PeriodStore = (*MemoryStore)(nil)
