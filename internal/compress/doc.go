// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package compress shrinks oversized prompts to fit a token ceiling.
//
// A prompt already under the ceiling passes through untouched, which makes
// Optimize idempotent once its output fits. Mild overruns (under 20%) are
// cut proportionally on a safe text-unit boundary. Larger overruns get a
// structured reduction: the first and last 20% of logical lines survive and
// the middle is replaced with an explicit elision marker, with a
// proportional second pass if the result still exceeds the ceiling.
//
// Optimize never fails. When nothing useful survives compression it
// returns a short degraded-content marker so the pipeline can decide to
// skip the request rather than crash.
package compress
