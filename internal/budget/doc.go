// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package budget provides per-day and per-month spend accounting with
// atomic check-and-commit semantics.
//
// Spend is tracked per period: a UTC day ("2006-01-02") and a UTC month
// ("2006-01"), each with an independent ceiling. Periods are created lazily
// on the first request that touches them and survive until an explicit
// administrative reset. Period keys come from an injected clock so day and
// month rollover is deterministically testable.
//
// CheckAndCommit verifies both ceilings and commits both counters
// all-or-nothing: at the moment a commit decision is made, spend never
// exceeds the limit. The one documented exception is reconciliation: once
// the true token usage of a call is known, a positive correction is applied
// even if it pushes a period over its ceiling, because historical
// accounting accuracy outranks a post-hoc limit on work that already
// happened. Such corrections emit a "soft overspend" observability event.
package budget
