// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package pricing

import (
	"sync"

	"github.com/rs/zerolog"
)

// DefaultOutputRatio is the completion:prompt token ratio assumed when
// estimating the cost of a request before the response exists. Generation
// workloads typically produce output around 60% the size of their input.
const DefaultOutputRatio = 0.6

// Estimator counts tokens and estimates monetary cost against a pricing
// table. Safe for concurrent use.
type Estimator struct {
	table    *Table
	fallback Tokenizer
	logger   zerolog.Logger

	mu         sync.RWMutex
	tokenizers map[string]Tokenizer

	// Tracks models already reported as degraded/unpriced so the log
	// carries one event per model, not one per request.
	warnedTokenizer sync.Map
	warnedPricing   sync.Map
}

// NewEstimator creates an estimator over the given pricing table.
// The heuristic blend is the guaranteed fallback tokenizer.
func NewEstimator(table *Table, logger zerolog.Logger) *Estimator {
	return &Estimator{
		table:      table,
		fallback:   Heuristic{},
		logger:     logger,
		tokenizers: make(map[string]Tokenizer),
	}
}

// RegisterTokenizer installs an exact tokenizer for a model.
func (e *Estimator) RegisterTokenizer(model string, tk Tokenizer) {
	e.mu.Lock()
	e.tokenizers[model] = tk
	e.mu.Unlock()
}

// EstimateTokens counts the tokens of text for a model. Precedence: a
// registered exact tokenizer, then the builtin formula named in the
// model's pricing entry, then the heuristic fallback. Only the final
// fallback is logged (once per model) as degraded accuracy.
func (e *Estimator) EstimateTokens(text, model string) int {
	e.mu.RLock()
	tk, ok := e.tokenizers[model]
	e.mu.RUnlock()

	if !ok {
		if rates, priced := e.table.Lookup(model); priced && rates.Tokenizer != "" {
			// Validated when the table was built.
			if named, known := BuiltinTokenizer(rates.Tokenizer); known {
				return named.Count(text)
			}
		}
		tk = e.fallback
		if _, seen := e.warnedTokenizer.LoadOrStore(model, true); !seen {
			e.logger.Warn().
				Str("model", model).
				Str("tokenizer", tk.Name()).
				Msg("no exact tokenizer for model, token estimates degraded")
		}
	}
	return tk.Count(text)
}

// EstimateCost computes (promptTokens/1000)*inputRate +
// (completionTokens/1000)*outputRate for the model. An unrecognized model
// falls back to the cheapest tracked tier and the estimate is flagged
// approximate.
func (e *Estimator) EstimateCost(promptTokens, completionTokens int, model string) (cost float64, approximate bool) {
	rates, ok := e.table.Lookup(model)
	if !ok {
		var cheapest string
		cheapest, rates = e.table.Cheapest()
		approximate = true
		if _, seen := e.warnedPricing.LoadOrStore(model, true); !seen {
			e.logger.Warn().
				Str("model", model).
				Str("priced_as", cheapest).
				Msg("model not in pricing table, cost estimate approximate")
		}
	}

	cost = (float64(promptTokens)/1000.0)*rates.InputPer1K +
		(float64(completionTokens)/1000.0)*rates.OutputPer1K
	return cost, approximate
}

// EstimateRequestCost estimates the full cost of a request whose response
// does not exist yet, assuming DefaultOutputRatio completion tokens.
func (e *Estimator) EstimateRequestCost(promptTokens int, model string) (cost float64, completionTokens int, approximate bool) {
	completionTokens = int(float64(promptTokens) * DefaultOutputRatio)
	cost, approximate = e.EstimateCost(promptTokens, completionTokens, model)
	return cost, completionTokens, approximate
}

// Table returns the estimator's pricing table.
func (e *Estimator) Table() *Table {
	return e.table
}
