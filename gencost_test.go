// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gencost

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/gencost/internal/clock"
)

// fixedTokens reports a constant count for any text, which makes
// estimated costs exact and easy to assert on.
type fixedTokens struct{ n int }

func (f fixedTokens) Name() string          { return "fixed" }
func (f fixedTokens) Count(text string) int { return f.n }

// testConfig prices four models so that a 1000-token prompt with the
// default 60% completion ratio costs, per model:
//
//	opus   $0.40    sonnet $0.50    haiku  $0.20    mini   $0.10
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DailyBudget = 100.0
	cfg.MonthlyBudget = 1000.0
	cfg.FallbackModel = "mini"
	cfg.Pricing.Models = map[string]ModelRates{
		"opus":   {InputPer1K: 0.25, OutputPer1K: 0.25},
		"sonnet": {InputPer1K: 0.35, OutputPer1K: 0.25},
		"haiku":  {InputPer1K: 0.125, OutputPer1K: 0.125},
		"mini":   {InputPer1K: 0.0625, OutputPer1K: 0.0625},
	}
	cfg.Selection = map[string]string{
		"a": "opus",
		"b": "sonnet",
		"c": "haiku",
	}
	return cfg
}

// fixedTokenOptions registers the constant tokenizer for every priced
// model.
func fixedTokenOptions(n int) []Option {
	return []Option{
		WithTokenizer("opus", fixedTokens{n}),
		WithTokenizer("sonnet", fixedTokens{n}),
		WithTokenizer("haiku", fixedTokens{n}),
		WithTokenizer("mini", fixedTokens{n}),
	}
}

// okCompute returns a compute function that reports exact token counts
// matching the fixed tokenizer, so actual cost equals the estimate.
func okCompute(calls *atomic.Int64, body string) ComputeFunc {
	return func(ctx context.Context, prompt, model string) (*ComputeResult, error) {
		calls.Add(1)
		return &ComputeResult{Response: body, PromptTokens: 1000, CompletionTokens: 600}, nil
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero daily budget", func(c *Config) { c.DailyBudget = 0 }},
		{"negative monthly budget", func(c *Config) { c.MonthlyBudget = -1 }},
		{"zero cache ttl", func(c *Config) { c.CacheTTLSeconds = 0 }},
		{"zero cache capacity", func(c *Config) { c.CacheMaxEntries = 0 }},
		{"zero timeout", func(c *Config) { c.PerRequestTimeoutSeconds = 0 }},
		{"negative rate limit", func(c *Config) { c.RequestsPerSecond = -1 }},
		{"missing fallback", func(c *Config) { c.FallbackModel = "" }},
		{"no pricing", func(c *Config) { c.Pricing = PricingConfig{} }},
		{"negative rate", func(c *Config) {
			c.Pricing.Models["opus"] = ModelRates{InputPer1K: -0.1}
		}},
		{"unpriced fallback", func(c *Config) { c.FallbackModel = "nonexistent" }},
		{"unpriced selection target", func(c *Config) { c.Selection["a"] = "nonexistent" }},
		{"unknown tokenizer name", func(c *Config) {
			c.Pricing.Models["opus"] = ModelRates{InputPer1K: 0.25, OutputPer1K: 0.25, Tokenizer: "bogus"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := New(cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfigInvalid)
		})
	}
}

func TestGetOrComputeCachesByCanonicalInputs(t *testing.T) {
	gov, err := New(testConfig(), fixedTokenOptions(1000)...)
	require.NoError(t, err)
	defer gov.Close()

	var calls atomic.Int64
	fn := okCompute(&calls, "result")
	req := Request{
		Identity:    "summarize",
		Inputs:      map[string]any{"doc": "x1", "lang": "en"},
		Prompt:      "summarize this",
		ContentType: "a",
		Complexity:  1,
	}

	first, err := gov.GetOrCompute(context.Background(), req, fn)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	assert.Equal(t, "opus", first.Model)
	assert.Equal(t, "result", first.Body)
	assert.InDelta(t, 0.40, first.Cost, 1e-9)
	assert.Equal(t, int64(1), calls.Load())

	// Same inputs in a different map; the canonical key must match.
	req.Inputs = map[string]any{"lang": "en", "doc": "x1"}
	second, err := gov.GetOrCompute(context.Background(), req, fn)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, "result", second.Body)
	assert.Equal(t, "opus", second.Model)
	assert.Zero(t, second.Cost)
	assert.Equal(t, int64(1), calls.Load(), "cache hit must not invoke compute")

	// Any changed input misses.
	req.Inputs = map[string]any{"doc": "x2", "lang": "en"}
	third, err := gov.GetOrCompute(context.Background(), req, fn)
	require.NoError(t, err)
	assert.False(t, third.CacheHit)
	assert.Equal(t, int64(2), calls.Load())
}

func TestConcurrentIdenticalRequestsShareOneCompute(t *testing.T) {
	gov, err := New(testConfig(), fixedTokenOptions(1000)...)
	require.NoError(t, err)
	defer gov.Close()

	var calls atomic.Int64
	fn := func(ctx context.Context, prompt, model string) (*ComputeResult, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return &ComputeResult{Response: "shared", PromptTokens: 1000, CompletionTokens: 600}, nil
	}
	req := Request{
		Identity: "dedup",
		Inputs:   map[string]any{"doc": "same"},
		Prompt:   "same prompt",
	}

	const workers = 10
	var wg sync.WaitGroup
	results := make([]*Response, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = gov.GetOrCompute(context.Background(), req, fn)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "identical in-flight requests must share one compute")
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", results[i].Body)
	}
}

func TestBudgetRejectionDowngradeAndCachedReads(t *testing.T) {
	cfg := testConfig()
	cfg.DailyBudget = 1.00
	gov, err := New(cfg, fixedTokenOptions(1000)...)
	require.NoError(t, err)
	defer gov.Close()

	var calls atomic.Int64
	fn := okCompute(&calls, "out")
	mkReq := func(contentType string, id int) Request {
		return Request{
			Identity:    "task",
			Inputs:      map[string]any{"id": id},
			Prompt:      "do the thing",
			ContentType: contentType,
			Complexity:  1,
		}
	}

	// $0.40 on opus, then $0.50 on sonnet: $0.90 of $1.00 spent.
	reqA := mkReq("a", 1)
	respA, err := gov.GetOrCompute(context.Background(), reqA, fn)
	require.NoError(t, err)
	assert.Equal(t, "opus", respA.Model)

	respB, err := gov.GetOrCompute(context.Background(), mkReq("b", 2), fn)
	require.NoError(t, err)
	assert.Equal(t, "sonnet", respB.Model)

	// Haiku at $0.20 would overshoot; the downgrade to mini at $0.10
	// lands exactly on the limit and is accepted.
	respC, err := gov.GetOrCompute(context.Background(), mkReq("c", 3), fn)
	require.NoError(t, err)
	assert.Equal(t, "mini", respC.Model)
	assert.InDelta(t, 0.10, respC.Cost, 1e-9)

	// Nothing fits anymore, even the cheapest model.
	_, err = gov.GetOrCompute(context.Background(), mkReq("c", 4), fn)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBudgetExceeded)

	// Cached responses stay readable with the budget exhausted.
	hit, err := gov.GetOrCompute(context.Background(), reqA, fn)
	require.NoError(t, err)
	assert.True(t, hit.CacheHit)
	assert.Equal(t, "out", hit.Body)

	st := gov.Stats()
	assert.InDelta(t, 1.00, st.DaySpent, 1e-9)
	assert.Equal(t, int64(3), calls.Load())
}

func TestCacheEntryExpiresAfterTTL(t *testing.T) {
	cfg := testConfig()
	cfg.CacheTTLSeconds = 60
	clk := clock.NewFake(time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC))
	gov, err := New(cfg, append(fixedTokenOptions(1000), WithClock(clk))...)
	require.NoError(t, err)
	defer gov.Close()

	var calls atomic.Int64
	fn := okCompute(&calls, "fresh")
	req := Request{Identity: "ttl", Inputs: map[string]any{"k": "v"}, Prompt: "p"}

	_, err = gov.GetOrCompute(context.Background(), req, fn)
	require.NoError(t, err)

	clk.Advance(59 * time.Second)
	resp, err := gov.GetOrCompute(context.Background(), req, fn)
	require.NoError(t, err)
	assert.True(t, resp.CacheHit)
	assert.Equal(t, int64(1), calls.Load())

	clk.Advance(2 * time.Second)
	resp, err = gov.GetOrCompute(context.Background(), req, fn)
	require.NoError(t, err)
	assert.False(t, resp.CacheHit, "entry past its TTL must recompute")
	assert.Equal(t, int64(2), calls.Load())
}

func TestFailedComputeIsNotCachedAndRefunded(t *testing.T) {
	cfg := testConfig()
	gov, err := New(cfg, fixedTokenOptions(1000)...)
	require.NoError(t, err)
	defer gov.Close()

	var calls atomic.Int64
	failing := func(ctx context.Context, prompt, model string) (*ComputeResult, error) {
		calls.Add(1)
		return nil, fmt.Errorf("upstream unavailable")
	}
	req := Request{Identity: "flaky", Inputs: map[string]any{"k": 1}, Prompt: "p", ContentType: "a"}

	_, err = gov.GetOrCompute(context.Background(), req, failing)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrComputeFailed)
	assert.Zero(t, gov.Stats().DaySpent, "failed call must be refunded")

	// The failure was not cached: a retry reaches the compute function
	// and its success is served from cache afterwards.
	ok := okCompute(&calls, "recovered")
	resp, err := gov.GetOrCompute(context.Background(), req, ok)
	require.NoError(t, err)
	assert.False(t, resp.CacheHit)
	assert.Equal(t, "recovered", resp.Body)
	assert.Equal(t, int64(2), calls.Load())

	resp, err = gov.GetOrCompute(context.Background(), req, ok)
	require.NoError(t, err)
	assert.True(t, resp.CacheHit)
}

func TestFailedComputeBilledWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.BillFailedCalls = true
	gov, err := New(cfg, fixedTokenOptions(1000)...)
	require.NoError(t, err)
	defer gov.Close()

	failing := func(ctx context.Context, prompt, model string) (*ComputeResult, error) {
		return nil, fmt.Errorf("upstream unavailable")
	}
	req := Request{Identity: "flaky", Inputs: map[string]any{"k": 1}, Prompt: "p", ContentType: "a"}

	_, err = gov.GetOrCompute(context.Background(), req, failing)
	require.ErrorIs(t, err, ErrComputeFailed)
	assert.InDelta(t, 0.40, gov.Stats().DaySpent, 1e-9)
}

func TestComputeTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.PerRequestTimeoutSeconds = 1
	gov, err := New(cfg, fixedTokenOptions(1000)...)
	require.NoError(t, err)
	defer gov.Close()

	var calls atomic.Int64
	slow := func(ctx context.Context, prompt, model string) (*ComputeResult, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	req := Request{Identity: "slow", Inputs: map[string]any{"k": 1}, Prompt: "p"}

	_, err = gov.GetOrCompute(context.Background(), req, slow)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)

	// The in-flight slot is released: a retry invokes compute again.
	resp, err := gov.GetOrCompute(context.Background(), req, okCompute(&calls, "late"))
	require.NoError(t, err)
	assert.Equal(t, "late", resp.Body)
	assert.Equal(t, int64(2), calls.Load())
}

func TestPromptCompressedAgainstCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.PromptTokenCeiling = 50
	gov, err := New(cfg) // heuristic tokenizer, so compression can converge
	require.NoError(t, err)
	defer gov.Close()

	long := ""
	for i := 0; i < 200; i++ {
		long += fmt.Sprintf("line %d with several words of filler content.\n", i)
	}

	var received string
	fn := func(ctx context.Context, prompt, model string) (*ComputeResult, error) {
		received = prompt
		return &ComputeResult{Response: "ok"}, nil
	}

	_, err = gov.GetOrCompute(context.Background(), Request{
		Identity: "compress",
		Inputs:   map[string]any{"k": 1},
		Prompt:   long,
	}, fn)
	require.NoError(t, err)
	assert.Less(t, len(received), len(long), "oversized prompt must be compressed before compute")
	assert.NotEmpty(t, received)
}

func TestCachingDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.EnableCaching = false
	gov, err := New(cfg, fixedTokenOptions(1000)...)
	require.NoError(t, err)
	defer gov.Close()

	var calls atomic.Int64
	req := Request{Identity: "nocache", Inputs: map[string]any{"k": 1}, Prompt: "p"}
	for i := 0; i < 3; i++ {
		resp, err := gov.GetOrCompute(context.Background(), req, okCompute(&calls, "v"))
		require.NoError(t, err)
		assert.False(t, resp.CacheHit)
	}
	assert.Equal(t, int64(3), calls.Load())
}

func TestClearCacheForcesRecompute(t *testing.T) {
	gov, err := New(testConfig(), fixedTokenOptions(1000)...)
	require.NoError(t, err)
	defer gov.Close()

	var calls atomic.Int64
	req := Request{Identity: "clear", Inputs: map[string]any{"k": 1}, Prompt: "p"}
	_, err = gov.GetOrCompute(context.Background(), req, okCompute(&calls, "v"))
	require.NoError(t, err)

	removed, err := gov.ClearCache()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	resp, err := gov.GetOrCompute(context.Background(), req, okCompute(&calls, "v"))
	require.NoError(t, err)
	assert.False(t, resp.CacheHit)
	assert.Equal(t, int64(2), calls.Load())
}

func TestResetBudgetPeriodUnblocksRequests(t *testing.T) {
	cfg := testConfig()
	cfg.DailyBudget = 0.40
	gov, err := New(cfg, fixedTokenOptions(1000)...)
	require.NoError(t, err)
	defer gov.Close()

	var calls atomic.Int64
	mkReq := func(id int) Request {
		return Request{Identity: "reset", Inputs: map[string]any{"id": id}, Prompt: "p", ContentType: "a"}
	}

	_, err = gov.GetOrCompute(context.Background(), mkReq(1), okCompute(&calls, "v"))
	require.NoError(t, err)
	_, err = gov.GetOrCompute(context.Background(), mkReq(2), okCompute(&calls, "v"))
	require.ErrorIs(t, err, ErrBudgetExceeded)

	dayKey := time.Now().UTC().Format("2006-01-02")
	require.NoError(t, gov.ResetBudgetPeriod(dayKey))

	_, err = gov.GetOrCompute(context.Background(), mkReq(2), okCompute(&calls, "v"))
	require.NoError(t, err)
}

func TestStatsAggregation(t *testing.T) {
	gov, err := New(testConfig(), fixedTokenOptions(1000)...)
	require.NoError(t, err)
	defer gov.Close()

	var calls atomic.Int64
	req := Request{Identity: "stats", Inputs: map[string]any{"k": 1}, Prompt: "p", ContentType: "a"}
	_, err = gov.GetOrCompute(context.Background(), req, okCompute(&calls, "v"))
	require.NoError(t, err)
	_, err = gov.GetOrCompute(context.Background(), req, okCompute(&calls, "v"))
	require.NoError(t, err)

	st := gov.Stats()
	assert.Equal(t, 1, st.Hits)
	assert.Equal(t, 1, st.Misses)
	assert.InDelta(t, 0.5, st.HitRatio, 1e-9)
	assert.InDelta(t, 0.40, st.TotalCost, 1e-9)
	assert.Equal(t, 1600, st.TotalTokens)
	require.Contains(t, st.PerModel, "opus")
	assert.InDelta(t, 0.40, st.PerModel["opus"].Cost, 1e-9)
	assert.InDelta(t, 0.40, st.DaySpent, 1e-9)
	assert.InDelta(t, 0.40, st.MonthSpent, 1e-9)
}

func TestComplexityEscalatesToPriciestModel(t *testing.T) {
	gov, err := New(testConfig(), fixedTokenOptions(1000)...)
	require.NoError(t, err)
	defer gov.Close()

	var calls atomic.Int64
	resp, err := gov.GetOrCompute(context.Background(), Request{
		Identity:    "hard",
		Inputs:      map[string]any{"k": 1},
		Prompt:      "p",
		ContentType: "c",
		Complexity:  5,
	}, okCompute(&calls, "v"))
	require.NoError(t, err)
	assert.Equal(t, "sonnet", resp.Model, "high complexity overrides the content-type policy")
}

func TestConfiguredTokenizerDrivesEstimates(t *testing.T) {
	cfg := testConfig()
	cfg.Pricing.Models["mini"] = ModelRates{InputPer1K: 0.0625, OutputPer1K: 0.0625, Tokenizer: "char-ratio"}
	gov, err := New(cfg)
	require.NoError(t, err)
	defer gov.Close()

	// 40 chars -> 10 prompt tokens under char-ratio, 6 completion tokens
	// at the default output ratio, all at $0.0625/1K.
	prompt := "0123456789012345678901234567890123456789"
	resp, err := gov.GetOrCompute(context.Background(), Request{
		Identity: "blob",
		Inputs:   map[string]any{"k": 1},
		Prompt:   prompt,
	}, func(ctx context.Context, p, model string) (*ComputeResult, error) {
		return &ComputeResult{Response: "ok"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "mini", resp.Model)
	assert.Equal(t, 10, resp.PromptTokens)
	assert.Equal(t, 6, resp.CompletionTokens)
	assert.InDelta(t, 0.001, resp.Cost, 1e-9)
}

func TestNilComputeFunc(t *testing.T) {
	gov, err := New(testConfig(), fixedTokenOptions(1000)...)
	require.NoError(t, err)
	defer gov.Close()

	_, err = gov.GetOrCompute(context.Background(), Request{Identity: "x"}, nil)
	assert.ErrorIs(t, err, ErrComputeFailed)
}

func TestUnhashableInputsBypassCacheButStayGoverned(t *testing.T) {
	cfg := testConfig()
	cfg.DailyBudget = 0.40
	gov, err := New(cfg, fixedTokenOptions(1000)...)
	require.NoError(t, err)
	defer gov.Close()

	var calls atomic.Int64
	req := Request{
		Identity:    "weird",
		Inputs:      map[string]any{"fn": func() {}}, // not serializable
		Prompt:      "p",
		ContentType: "a",
	}

	resp, err := gov.GetOrCompute(context.Background(), req, okCompute(&calls, "v"))
	require.NoError(t, err)
	assert.False(t, resp.CacheHit)

	// Still subject to the budget on the second pass.
	_, err = gov.GetOrCompute(context.Background(), req, okCompute(&calls, "v"))
	require.ErrorIs(t, err, ErrBudgetExceeded)
	assert.Equal(t, int64(1), calls.Load())
}

func TestCloseIsIdempotent(t *testing.T) {
	gov, err := New(testConfig())
	require.NoError(t, err)
	require.NoError(t, gov.Close())
	require.NoError(t, gov.Close())
}

func TestDurableStoresSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.CachePath = dir + "/cache.db"
	cfg.BudgetPath = dir + "/budget.db"
	cfg.UsagePath = dir + "/usage.db"

	var calls atomic.Int64
	req := Request{Identity: "durable", Inputs: map[string]any{"k": 1}, Prompt: "p", ContentType: "a"}

	gov, err := New(cfg, fixedTokenOptions(1000)...)
	require.NoError(t, err)
	_, err = gov.GetOrCompute(context.Background(), req, okCompute(&calls, "v"))
	require.NoError(t, err)
	require.NoError(t, gov.Close())

	// A new instance over the same files sees the cached entry and the
	// spent budget.
	gov2, err := New(cfg, fixedTokenOptions(1000)...)
	require.NoError(t, err)
	defer gov2.Close()

	resp, err := gov2.GetOrCompute(context.Background(), req, okCompute(&calls, "v"))
	require.NoError(t, err)
	assert.True(t, resp.CacheHit)
	assert.Equal(t, int64(1), calls.Load())
	assert.InDelta(t, 0.40, gov2.Stats().DaySpent, 1e-9)
}

func TestGetOrComputeErrorsBubbleDetail(t *testing.T) {
	gov, err := New(testConfig(), fixedTokenOptions(1000)...)
	require.NoError(t, err)
	defer gov.Close()

	sentinel := errors.New("provider 503")
	fn := func(ctx context.Context, prompt, model string) (*ComputeResult, error) {
		return nil, sentinel
	}
	_, err = gov.GetOrCompute(context.Background(), Request{Identity: "x", Prompt: "p"}, fn)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrComputeFailed)
	assert.Contains(t, err.Error(), "provider 503")
}
