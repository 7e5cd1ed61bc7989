// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gencost

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// ModelRates holds per-1K-token prices for one model, in dollars.
// Tokenizer optionally names a builtin token-estimation formula for the
// model: "heuristic" (word/char blend, the default) or "char-ratio"
// (len/4, better for text without word boundaries). An exact tokenizer
// registered via WithTokenizer always wins.
type ModelRates struct {
	InputPer1K  float64 `toml:"input_per_1k"`
	OutputPer1K float64 `toml:"output_per_1k"`
	Tokenizer   string  `toml:"tokenizer,omitempty"`
}

// PricingConfig configures the model pricing table. Either Path points at
// a TOML pricing file (watched for changes at runtime), or Models carries
// the rates inline. Path wins when both are set.
type PricingConfig struct {
	Version string                `toml:"version"`
	Path    string                `toml:"path"`
	Models  map[string]ModelRates `toml:"models"`
}

// Config holds every tunable of the Governor. Zero values fall back to
// the defaults documented per field; see DefaultConfig.
type Config struct {
	// DailyBudget is the maximum estimated spend per UTC day, in dollars.
	DailyBudget float64 `toml:"daily_budget"`

	// MonthlyBudget is the maximum estimated spend per UTC month, in
	// dollars.
	MonthlyBudget float64 `toml:"monthly_budget"`

	// EnableCaching toggles response caching. Budget enforcement is
	// unaffected either way.
	EnableCaching bool `toml:"enable_caching"`

	// CacheTTLSeconds is the time-to-live applied to every cached
	// response.
	CacheTTLSeconds int `toml:"cache_ttl_seconds"`

	// CacheMaxEntries caps the cache entry count; oldest entries are
	// evicted past the cap.
	CacheMaxEntries int `toml:"cache_max_entries"`

	// PerRequestTimeoutSeconds bounds each compute invocation.
	PerRequestTimeoutSeconds int `toml:"per_request_timeout_seconds"`

	// PromptTokenCeiling triggers prompt compression when an estimated
	// prompt exceeds it. Zero disables compression.
	PromptTokenCeiling int `toml:"prompt_token_ceiling"`

	// RequestsPerSecond throttles compute invocations. Zero disables the
	// limiter.
	RequestsPerSecond float64 `toml:"requests_per_second"`

	// BillFailedCalls keeps the estimated cost committed when a compute
	// call fails. Off by default: failures are refunded.
	BillFailedCalls bool `toml:"bill_failed_calls"`

	// FallbackModel is selected when no policy entry matches a request's
	// content type. It must exist in the pricing table.
	FallbackModel string `toml:"fallback_model"`

	// CachePath, when set, backs the cache with a SQLite database at that
	// path instead of process memory.
	CachePath string `toml:"cache_path"`

	// BudgetPath, when set, persists per-period spend in a SQLite
	// database so budgets survive restarts.
	BudgetPath string `toml:"budget_path"`

	// UsagePath, when set, appends every usage record to a SQLite
	// database for offline analysis.
	UsagePath string `toml:"usage_path"`

	// Pricing configures the model rate table.
	Pricing PricingConfig `toml:"pricing"`

	// Selection maps content types ("code", "chat", ...) to model names.
	// Every target must exist in the pricing table.
	Selection map[string]string `toml:"selection"`
}

// DefaultConfig returns a Config with sane defaults for everything except
// the pricing table and fallback model, which have no meaningful default
// and must be supplied.
func DefaultConfig() Config {
	return Config{
		DailyBudget:              10.0,
		MonthlyBudget:            200.0,
		EnableCaching:            true,
		CacheTTLSeconds:          3600,
		CacheMaxEntries:          1000,
		PerRequestTimeoutSeconds: 60,
		PromptTokenCeiling:       8000,
	}
}

// LoadConfig reads a TOML config file over DefaultConfig, so absent keys
// keep their defaults, then applies environment overrides and validates.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %v", ErrConfigInvalid, path, err)
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnvOverrides lets the environment override the loaded file.
//
// Supported environment variables:
//   - GENCOST_DAILY_BUDGET: overrides daily_budget
//   - GENCOST_MONTHLY_BUDGET: overrides monthly_budget
//   - GENCOST_CACHING: set to "1"/"true" or "0"/"false" to override enable_caching
//   - GENCOST_FALLBACK_MODEL: overrides fallback_model
//   - GENCOST_PRICING_PATH: overrides pricing.path
func (c *Config) ApplyEnvOverrides() {
	// GENCOST_DAILY_BUDGET
	if v := os.Getenv("GENCOST_DAILY_BUDGET"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.DailyBudget = f
		}
	}

	// GENCOST_MONTHLY_BUDGET
	if v := os.Getenv("GENCOST_MONTHLY_BUDGET"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.MonthlyBudget = f
		}
	}

	// GENCOST_CACHING
	if v := os.Getenv("GENCOST_CACHING"); v != "" {
		c.EnableCaching = v == "1" || strings.ToLower(v) == "true"
	}

	// GENCOST_FALLBACK_MODEL
	if v := os.Getenv("GENCOST_FALLBACK_MODEL"); v != "" {
		c.FallbackModel = v
	}

	// GENCOST_PRICING_PATH
	if v := os.Getenv("GENCOST_PRICING_PATH"); v != "" {
		c.Pricing.Path = v
	}
}

// Validate checks field-level constraints. Cross-references into the
// pricing table (fallback model, selection targets) are checked by New
// once the table is built.
func (c Config) Validate() error {
	if c.DailyBudget <= 0 {
		return fmt.Errorf("%w: daily_budget must be positive, got %g", ErrConfigInvalid, c.DailyBudget)
	}
	if c.MonthlyBudget <= 0 {
		return fmt.Errorf("%w: monthly_budget must be positive, got %g", ErrConfigInvalid, c.MonthlyBudget)
	}
	if c.CacheTTLSeconds <= 0 {
		return fmt.Errorf("%w: cache_ttl_seconds must be positive, got %d", ErrConfigInvalid, c.CacheTTLSeconds)
	}
	if c.CacheMaxEntries <= 0 {
		return fmt.Errorf("%w: cache_max_entries must be positive, got %d", ErrConfigInvalid, c.CacheMaxEntries)
	}
	if c.PerRequestTimeoutSeconds <= 0 {
		return fmt.Errorf("%w: per_request_timeout_seconds must be positive, got %d", ErrConfigInvalid, c.PerRequestTimeoutSeconds)
	}
	if c.PromptTokenCeiling < 0 {
		return fmt.Errorf("%w: prompt_token_ceiling must not be negative, got %d", ErrConfigInvalid, c.PromptTokenCeiling)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("%w: requests_per_second must not be negative, got %g", ErrConfigInvalid, c.RequestsPerSecond)
	}
	if c.FallbackModel == "" {
		return fmt.Errorf("%w: fallback_model is required", ErrConfigInvalid)
	}
	if c.Pricing.Path == "" && len(c.Pricing.Models) == 0 {
		return fmt.Errorf("%w: pricing requires a file path or inline models", ErrConfigInvalid)
	}
	for model, rates := range c.Pricing.Models {
		if rates.InputPer1K < 0 || rates.OutputPer1K < 0 {
			return fmt.Errorf("%w: pricing for %q must not be negative", ErrConfigInvalid, model)
		}
	}
	return nil
}
