// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry provides the governor's usage audit trail and
// statistics aggregation.
//
// Every resolved request appends a UsageRecord — an immutable fact about
// what was spent, on which model, and whether the cache answered. Records
// aggregate into per-model breakdowns that back the governor's Stats
// surface, and can optionally stream into a durable SQLite log for offline
// cost analysis.
package telemetry
