// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package compress

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/jeranaias/gencost/internal/pricing"
)

// DegradedMarker replaces a prompt that could not be compressed under the
// ceiling. Callers can match on it to skip the request instead of paying
// for garbage.
const DegradedMarker = "[content omitted: prompt exceeded token budget]"

// structuredThreshold is the overrun ratio at which proportional truncation
// stops being enough and structured reduction takes over.
const structuredThreshold = 1.2

// edgeFraction is the share of logical lines kept at each end during
// structured reduction.
const edgeFraction = 0.2

// maxTruncatePasses bounds the proportional shrink loop. Token estimates
// are roughly linear in length, so a handful of passes always converges.
const maxTruncatePasses = 8

// Compressor shrinks prompts against a token estimator. Stateless and safe
// for concurrent use.
type Compressor struct {
	est    *pricing.Estimator
	logger zerolog.Logger
}

// New creates a compressor over the given estimator.
func New(est *pricing.Estimator, logger zerolog.Logger) *Compressor {
	return &Compressor{est: est, logger: logger}
}

// Optimize returns prompt shrunk to at most maxTokens tokens of model.
// A prompt already within budget is returned unchanged. Never errors; the
// worst case is DegradedMarker.
func (c *Compressor) Optimize(prompt string, maxTokens int, model string) string {
	if maxTokens <= 0 {
		return DegradedMarker
	}

	tokens := c.est.EstimateTokens(prompt, model)
	if tokens <= maxTokens {
		return prompt
	}

	ratio := float64(tokens) / float64(maxTokens)

	var out string
	if ratio < structuredThreshold {
		out = c.proportional(prompt, maxTokens, model)
	} else {
		out = c.structured(prompt, maxTokens, model)
		if c.est.EstimateTokens(out, model) > maxTokens {
			out = c.proportional(out, maxTokens, model)
		}
	}

	if strings.TrimSpace(out) == "" {
		out = DegradedMarker
	}

	c.logger.Debug().
		Str("model", model).
		Int("tokens_before", tokens).
		Int("tokens_after", c.est.EstimateTokens(out, model)).
		Int("max_tokens", maxTokens).
		Msg("prompt compressed")
	return out
}

// proportional repeatedly cuts text down by the inverse of its overrun
// ratio until it fits.
func (c *Compressor) proportional(text string, maxTokens int, model string) string {
	for pass := 0; pass < maxTruncatePasses; pass++ {
		tokens := c.est.EstimateTokens(text, model)
		if tokens <= maxTokens {
			return text
		}

		keep := int(float64(len(text)) * float64(maxTokens) / float64(tokens))
		if keep <= 0 {
			return DegradedMarker
		}
		text = cutSafe(text, keep)
	}

	if c.est.EstimateTokens(text, model) <= maxTokens {
		return text
	}
	return DegradedMarker
}

// structured keeps the first and last edgeFraction of logical lines and
// replaces the middle with an explicit elision marker.
func (c *Compressor) structured(text string, maxTokens int, model string) string {
	lines := strings.Split(text, "\n")
	if len(lines) < 5 {
		// Too few lines for a meaningful head/tail split.
		return c.proportional(text, maxTokens, model)
	}

	edge := int(float64(len(lines)) * edgeFraction)
	if edge < 1 {
		edge = 1
	}

	head := lines[:edge]
	tail := lines[len(lines)-edge:]
	elided := len(lines) - 2*edge
	if elided <= 0 {
		return c.proportional(text, maxTokens, model)
	}

	var b strings.Builder
	b.WriteString(strings.Join(head, "\n"))
	b.WriteString(fmt.Sprintf("\n[... %d lines elided ...]\n", elided))
	b.WriteString(strings.Join(tail, "\n"))
	return b.String()
}

// cutSafe truncates text to at most n bytes without splitting a multi-byte
// character, preferring a sentence or line boundary when one falls in the
// second half of the kept range.
func cutSafe(text string, n int) string {
	if n >= len(text) {
		return text
	}
	for n > 0 && !utf8.RuneStart(text[n]) {
		n--
	}
	truncated := text[:n]

	if idx := strings.LastIndexAny(truncated, ".!?\n"); idx > n/2 {
		truncated = truncated[:idx+1]
	}
	return truncated
}
