// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pricing provides token counting and monetary cost estimation from
// a versioned model pricing table.
//
// Pricing is configuration, never a hard-coded constant: tables load from
// TOML, carry a version string, and can be hot-reloaded while the governor
// is serving (stale hardcoded rates silently corrupt every subsequent
// budget decision).
//
// Token counting is abstracted behind a Tokenizer capability interface.
// When no exact tokenizer is registered for a model, a documented heuristic
// takes over and the degraded accuracy is logged once per model, so the
// system degrades gracefully instead of failing outright.
package pricing
