// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package pricing

import "strings"

// Tokenizer counts tokens for a specific model family.
// Implementations must be safe for concurrent use.
type Tokenizer interface {
	// Name identifies the tokenizer for logging.
	Name() string

	// Count returns the token count for text.
	Count(text string) int
}

// =============================================================================
// HEURISTIC TOKENIZERS
// =============================================================================

// Heuristic is the guaranteed fallback tokenizer. It blends word and
// character estimates: (words + chars/4) / 2. GPT-style text averages
// ~4 chars per token; the blend tracks real tokenizers more closely than
// either estimate alone.
type Heuristic struct{}

// Name returns "heuristic".
func (Heuristic) Name() string { return "heuristic" }

// Count estimates the token count of text.
func (Heuristic) Count(text string) int {
	words := len(strings.Fields(text))
	chars := len(text)
	return (words + chars/4) / 2
}

// CharRatio is the simplest documented approximation: len(text)/4,
// rounded up. The blend undercounts text without word boundaries (CJK,
// minified source, base64 blobs), so models serving such content should
// name "char-ratio" in their pricing entry.
type CharRatio struct{}

// Name returns "char-ratio".
func (CharRatio) Name() string { return "char-ratio" }

// Count estimates the token count of text as ceil(len/4).
func (CharRatio) Count(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}

// BuiltinTokenizer resolves a tokenizer name used in pricing entries.
func BuiltinTokenizer(name string) (Tokenizer, bool) {
	switch name {
	case "heuristic":
		return Heuristic{}, true
	case "char-ratio":
		return CharRatio{}, true
	}
	return nil, false
}
