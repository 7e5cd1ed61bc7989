// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cache provides keyed storage of prior generation responses with
// TTL expiry and capacity-bounded eviction.
//
// Two Store implementations are provided:
//   - Memory: a mutex-guarded in-process map (the default)
//   - SQLite: a durable store for deployments where cached responses must
//     survive process restarts
//
// Both treat an entry whose TTL has elapsed as absent (lazy expiry) and
// remove it opportunistically. Capacity eviction runs on Put: expired
// entries are swept first, then the oldest entries by creation time until
// the store is at or under capacity.
//
// The package also derives deterministic cache keys: semantically identical
// inputs (including differently-ordered but structurally equal parameter
// maps) always produce the same key.
package cache
