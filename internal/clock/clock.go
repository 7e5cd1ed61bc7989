// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package clock provides an injectable time source.
//
// Budget period rollover and cache TTL expiry both depend on the current
// time; injecting the clock makes day/month rollover and expiry
// deterministically testable instead of dependent on wall-clock timing
// during test runs.
package clock

import (
	"sync"
	"time"
)

// Clock is a time source. Implementations must be safe for concurrent use.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// =============================================================================
// SYSTEM CLOCK
// =============================================================================

// System is the wall-clock time source used in production.
type System struct{}

// Now returns time.Now().
func (System) Now() time.Time {
	return time.Now()
}

// =============================================================================
// FAKE CLOCK
// =============================================================================

// Fake is a manually-advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a fake clock frozen at the given instant.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

// Now returns the fake clock's current instant.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set jumps the clock to the given instant.
func (f *Fake) Set(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}
