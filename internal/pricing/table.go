// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package pricing

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/BurntSushi/toml"
)

// ErrEmptyTable is returned when a pricing table has no models.
var ErrEmptyTable = errors.New("pricing: table has no models")

// ModelPricing holds per-1K-token rates for one model, in dollars.
// Tokenizer optionally names a builtin estimation formula ("heuristic" or
// "char-ratio") for models the default blend suits poorly.
type ModelPricing struct {
	InputPer1K  float64 `toml:"input_per_1k"`
	OutputPer1K float64 `toml:"output_per_1k"`
	Tokenizer   string  `toml:"tokenizer,omitempty"`
}

// rateSum is the ordering criterion for cheapest/priciest comparisons.
func (p ModelPricing) rateSum() float64 {
	return p.InputPer1K + p.OutputPer1K
}

// Table is a versioned model pricing table. The whole table swaps
// atomically on reload so concurrent readers never observe a half-updated
// rate set.
type Table struct {
	mu      sync.RWMutex
	version string
	models  map[string]ModelPricing
}

// tableFile is the TOML schema of a pricing file.
type tableFile struct {
	Version string                  `toml:"version"`
	Models  map[string]ModelPricing `toml:"models"`
}

// NewTable creates a pricing table from an in-memory rate set.
func NewTable(version string, models map[string]ModelPricing) (*Table, error) {
	copied, err := validateModels(models)
	if err != nil {
		return nil, err
	}
	return &Table{version: version, models: copied}, nil
}

// validateModels copies a rate set, rejecting an empty set or an unknown
// tokenizer name.
func validateModels(models map[string]ModelPricing) (map[string]ModelPricing, error) {
	if len(models) == 0 {
		return nil, ErrEmptyTable
	}

	copied := make(map[string]ModelPricing, len(models))
	for name, p := range models {
		if p.Tokenizer != "" {
			if _, ok := BuiltinTokenizer(p.Tokenizer); !ok {
				return nil, fmt.Errorf("pricing: model %s names unknown tokenizer %q", name, p.Tokenizer)
			}
		}
		copied[name] = p
	}
	return copied, nil
}

// LoadTable reads a pricing table from a TOML file.
func LoadTable(path string) (*Table, error) {
	var file tableFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("pricing: decode %s: %w", path, err)
	}
	return NewTable(file.Version, file.Models)
}

// Replace swaps in a new rate set atomically. An invalid set is rejected
// and the current table stays in effect.
func (t *Table) Replace(version string, models map[string]ModelPricing) error {
	copied, err := validateModels(models)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.version = version
	t.models = copied
	t.mu.Unlock()
	return nil
}

// ReplaceFromFile re-reads the TOML file at path and swaps the table.
func (t *Table) ReplaceFromFile(path string) error {
	var file tableFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return fmt.Errorf("pricing: decode %s: %w", path, err)
	}
	return t.Replace(file.Version, file.Models)
}

// Version returns the table's version string.
func (t *Table) Version() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// Lookup returns the rates for a model, and whether the model is tracked.
func (t *Table) Lookup(model string) (ModelPricing, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.models[model]
	return p, ok
}

// Has reports whether a model is tracked.
func (t *Table) Has(model string) bool {
	_, ok := t.Lookup(model)
	return ok
}

// Cheapest returns the lowest-priced tracked model. Ties break by name so
// the result is deterministic.
func (t *Table) Cheapest() (string, ModelPricing) {
	ordered := t.PriceOrdered()
	name := ordered[0]
	p, _ := t.Lookup(name)
	return name, p
}

// Priciest returns the highest-priced tracked model.
func (t *Table) Priciest() (string, ModelPricing) {
	ordered := t.PriceOrdered()
	name := ordered[len(ordered)-1]
	p, _ := t.Lookup(name)
	return name, p
}

// PriceOrdered returns all tracked model names sorted cheapest-first by
// combined input+output rate, ties broken by name.
func (t *Table) PriceOrdered() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.models))
	for name := range t.models {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := t.models[names[i]], t.models[names[j]]
		if a.rateSum() != b.rateSum() {
			return a.rateSum() < b.rateSum()
		}
		return names[i] < names[j]
	})
	return names
}
