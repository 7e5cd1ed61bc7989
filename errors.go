// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gencost

import "errors"

// Sentinel errors returned by the Governor. Callers distinguish outcomes
// with errors.Is; wrapped detail carries the specifics.
var (
	// ErrBudgetExceeded means the request was rejected because its
	// estimated cost would exceed the daily or monthly budget, even after
	// attempting a model downgrade.
	ErrBudgetExceeded = errors.New("gencost: budget exceeded")

	// ErrComputeFailed means the compute function returned an error. The
	// result was not cached.
	ErrComputeFailed = errors.New("gencost: compute failed")

	// ErrTimeout means the compute function did not finish within the
	// configured per-request timeout.
	ErrTimeout = errors.New("gencost: compute timed out")

	// ErrConfigInvalid means the configuration failed validation.
	ErrConfigInvalid = errors.New("gencost: invalid configuration")
)
