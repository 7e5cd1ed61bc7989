// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Key derives a deterministic cache key from a function identity and its
// semantically relevant inputs.
//
// Inputs are normalized via canonical JSON with recursively sorted map keys,
// so map iteration order never changes the key. The result has the form
// "gencost:<identity>:<hash>" where hash is the hex SHA-256 of the identity
// plus the canonical input encoding.
func Key(identity string, inputs map[string]any) (string, error) {
	canonical, err := canonicalize(inputs)
	if err != nil {
		return "", fmt.Errorf("cache: failed to canonicalize inputs: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(identity))
	h.Write([]byte{0})
	h.Write(canonical)

	return fmt.Sprintf("gencost:%s:%s", identity, hex.EncodeToString(h.Sum(nil)[:16])), nil
}

// canonicalize produces a deterministic JSON representation of v.
// Maps are encoded with sorted keys; nested maps and slices are handled
// recursively. Everything else uses standard JSON encoding.
func canonicalize(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}

	switch val := v.(type) {
	case map[string]any:
		return canonicalizeMap(val)
	case []any:
		return canonicalizeSlice(val)
	default:
		return json.Marshal(v)
	}
}

func canonicalizeMap(m map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			result = append(result, ',')
		}

		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		result = append(result, keyBytes...)
		result = append(result, ':')

		valBytes, err := canonicalize(m[k])
		if err != nil {
			return nil, err
		}
		result = append(result, valBytes...)
	}
	return append(result, '}'), nil
}

func canonicalizeSlice(s []any) ([]byte, error) {
	result := []byte{'['}
	for i, v := range s {
		if i > 0 {
			result = append(result, ',')
		}

		valBytes, err := canonicalize(v)
		if err != nil {
			return nil, err
		}
		result = append(result, valBytes...)
	}
	return append(result, ']'), nil
}
