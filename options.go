// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gencost

import (
	"time"

	"github.com/rs/zerolog"
)

// Clock supplies the current time. The default is the system clock; tests
// inject a fixed or advanceable implementation to exercise TTL expiry and
// budget period rollover.
type Clock interface {
	Now() time.Time
}

// Tokenizer counts tokens for a specific model family. Registered
// tokenizers replace the built-in heuristic for their model.
type Tokenizer interface {
	// Name identifies the tokenizer in logs.
	Name() string

	// Count returns the token count for text. Must be deterministic.
	Count(text string) int
}

// Option adjusts Governor construction.
type Option func(*Governor)

// WithLogger sets the structured logger. The default discards all output.
func WithLogger(logger zerolog.Logger) Option {
	return func(g *Governor) {
		g.logger = logger
	}
}

// WithClock overrides the time source used for cache TTLs, budget period
// keys, and usage record timestamps.
func WithClock(clk Clock) Option {
	return func(g *Governor) {
		g.clk = clk
	}
}

// WithTokenizer registers an exact tokenizer for one model. Unregistered
// models fall back to a word/character heuristic and their estimates are
// flagged approximate.
func WithTokenizer(model string, tk Tokenizer) Option {
	return func(g *Governor) {
		g.tokenizers[model] = tk
	}
}
