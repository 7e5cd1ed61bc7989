// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package selector

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jeranaias/gencost/internal/pricing"
)

// EscalationComplexity is the complexity score (on the caller-supplied 1-5
// scale) at which selection forces the highest-quality tier.
const EscalationComplexity = 4

// Selector picks a model per content type and walks the downgrade ladder.
// Safe for concurrent use; all mutable state lives in the pricing table.
type Selector struct {
	table    *pricing.Table
	policy   map[string]string
	fallback string
	logger   zerolog.Logger
}

// New creates a selector. Every policy target and the fallback model must
// be tracked by the pricing table.
func New(table *pricing.Table, policy map[string]string, fallback string, logger zerolog.Logger) (*Selector, error) {
	if !table.Has(fallback) {
		return nil, fmt.Errorf("selector: fallback model %q not in pricing table", fallback)
	}
	for contentType, model := range policy {
		if !table.Has(model) {
			return nil, fmt.Errorf("selector: policy for %q names model %q not in pricing table", contentType, model)
		}
	}

	copied := make(map[string]string, len(policy))
	for k, v := range policy {
		copied[k] = v
	}
	return &Selector{table: table, policy: copied, fallback: fallback, logger: logger}, nil
}

// SelectModel returns the model for a content type and complexity.
// Complexity >= EscalationComplexity always wins the highest-priced tier;
// an unknown content type falls back to the configured default.
func (s *Selector) SelectModel(contentType string, complexity int) string {
	if complexity >= EscalationComplexity {
		model, _ := s.table.Priciest()
		return model
	}

	if model, ok := s.policy[contentType]; ok && s.table.Has(model) {
		return model
	}

	s.logger.Debug().
		Str("content_type", contentType).
		Str("model", s.fallback).
		Msg("no selection policy for content type, using fallback")
	return s.fallback
}

// Downgrade returns the next cheaper tracked model, or ("", false) when
// current is already the cheapest option. A model the table no longer
// tracks downgrades to the cheapest tier so a stale policy still lands on
// a priced model.
func (s *Selector) Downgrade(current string) (string, bool) {
	ordered := s.table.PriceOrdered()

	if !s.table.Has(current) {
		cheapest := ordered[0]
		if cheapest == current {
			return "", false
		}
		return cheapest, true
	}

	for i, model := range ordered {
		if model == current {
			if i == 0 {
				return "", false
			}
			return ordered[i-1], true
		}
	}
	return "", false
}
