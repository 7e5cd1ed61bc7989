// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gencost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/jeranaias/gencost/internal/budget"
	"github.com/jeranaias/gencost/internal/cache"
	"github.com/jeranaias/gencost/internal/clock"
	"github.com/jeranaias/gencost/internal/compress"
	"github.com/jeranaias/gencost/internal/pricing"
	"github.com/jeranaias/gencost/internal/selector"
	"github.com/jeranaias/gencost/internal/telemetry"
)

// =============================================================================
// REQUEST / RESPONSE TYPES
// =============================================================================

// Request describes one generative call to govern.
type Request struct {
	// Identity names the logical operation ("summarize", "chat", ...).
	// Requests with different identities never share cache entries.
	Identity string

	// Inputs are the semantic inputs of the request. They are
	// canonicalized (map keys sorted recursively) before hashing, so two
	// maps with equal content always produce the same cache key.
	Inputs map[string]any

	// Prompt is the text sent to the model, and the basis for token
	// estimation and compression.
	Prompt string

	// ContentType drives model selection ("code", "chat", ...). Content
	// types without a policy entry use the fallback model.
	ContentType string

	// Complexity is a 1-5 difficulty hint. Values at or above the
	// escalation threshold select the priciest model. Out-of-range values
	// are clamped.
	Complexity int
}

// ComputeResult is what a compute function returns on success.
type ComputeResult struct {
	// Response is the model output to cache and return.
	Response string

	// PromptTokens and CompletionTokens are the actual token counts as
	// reported by the provider. They drive final billing; when zero the
	// estimate stands.
	PromptTokens     int
	CompletionTokens int
}

// ComputeFunc performs the actual model call. It must honor ctx: the
// Governor cancels it at the per-request timeout.
type ComputeFunc func(ctx context.Context, prompt, model string) (*ComputeResult, error)

// Response is the governed result of GetOrCompute. Concurrent callers
// deduplicated onto one compute share a single Response value; treat it
// as read-only.
type Response struct {
	// Body is the model output.
	Body string

	// Model is the model that produced Body, after selection and any
	// budget downgrade.
	Model string

	// CacheHit reports whether Body was served from the cache.
	CacheHit bool

	// Token counts and cost for this call. Zero on cache hits: a hit
	// costs nothing.
	PromptTokens     int
	CompletionTokens int
	Cost             float64
}

// cacheEnvelope is the stored form of a cached response. A stored entry
// that fails to decode is discarded and treated as a miss.
type cacheEnvelope struct {
	Body  string `json:"body"`
	Model string `json:"model"`
}

// =============================================================================
// GOVERNOR
// =============================================================================

// Governor fronts generative calls with caching, budget enforcement,
// model selection, prompt compression, and usage accounting. Safe for
// concurrent use.
type Governor struct {
	cfg    Config
	logger zerolog.Logger
	clk    Clock

	// Staged by options, applied during construction.
	tokenizers map[string]Tokenizer

	table   *pricing.Table
	est     *pricing.Estimator
	sel     *selector.Selector
	comp    *compress.Compressor
	cache   cache.Store
	ledger  *budget.Ledger
	rec     *telemetry.Recorder
	watcher *pricing.Watcher
	limiter *rate.Limiter
	flight  singleflight.Group

	closeOnce sync.Once
	closers   []io.Closer
}

// New builds a Governor from cfg. Construction fails with
// ErrConfigInvalid when validation fails, the pricing table cannot be
// built, or the fallback model or a selection target is not priced.
func New(cfg Config, opts ...Option) (*Governor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Governor{
		cfg:        cfg,
		logger:     zerolog.Nop(),
		clk:        clock.System{},
		tokenizers: make(map[string]Tokenizer),
	}
	for _, opt := range opts {
		opt(g)
	}

	if err := g.buildPricing(); err != nil {
		return nil, err
	}
	if err := g.buildSelector(); err != nil {
		return nil, err
	}
	if err := g.buildStores(); err != nil {
		g.Close()
		return nil, err
	}

	g.comp = compress.New(g.est, g.logger.With().Str("component", "compress").Logger())
	if cfg.RequestsPerSecond > 0 {
		burst := int(math.Ceil(cfg.RequestsPerSecond))
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	g.logger.Info().
		Float64("daily_budget", cfg.DailyBudget).
		Float64("monthly_budget", cfg.MonthlyBudget).
		Bool("caching", cfg.EnableCaching).
		Str("fallback_model", cfg.FallbackModel).
		Int("models", len(g.table.PriceOrdered())).
		Msg("governor ready")
	return g, nil
}

// buildPricing constructs the rate table, estimator, and (for file-backed
// tables) the hot-reload watcher.
func (g *Governor) buildPricing() error {
	var (
		table *pricing.Table
		err   error
	)
	if g.cfg.Pricing.Path != "" {
		table, err = pricing.LoadTable(g.cfg.Pricing.Path)
		if err != nil {
			return fmt.Errorf("%w: pricing file: %v", ErrConfigInvalid, err)
		}
	} else {
		models := make(map[string]pricing.ModelPricing, len(g.cfg.Pricing.Models))
		for name, r := range g.cfg.Pricing.Models {
			models[name] = pricing.ModelPricing{
				InputPer1K:  r.InputPer1K,
				OutputPer1K: r.OutputPer1K,
				Tokenizer:   r.Tokenizer,
			}
		}
		table, err = pricing.NewTable(g.cfg.Pricing.Version, models)
		if err != nil {
			return fmt.Errorf("%w: pricing: %v", ErrConfigInvalid, err)
		}
	}
	g.table = table

	g.est = pricing.NewEstimator(table, g.logger.With().Str("component", "pricing").Logger())
	for model, tk := range g.tokenizers {
		g.est.RegisterTokenizer(model, tk)
	}

	if g.cfg.Pricing.Path != "" {
		w, werr := pricing.NewWatcher(table, g.cfg.Pricing.Path, g.logger.With().Str("component", "pricing").Logger())
		if werr != nil {
			// Hot reload is best-effort; the loaded table still serves.
			g.logger.Warn().Err(werr).Msg("pricing watcher unavailable")
		} else {
			g.watcher = w
			g.closers = append(g.closers, w)
		}
	}
	return nil
}

// buildSelector validates the selection policy against the pricing table.
func (g *Governor) buildSelector() error {
	sel, err := selector.New(g.table, g.cfg.Selection, g.cfg.FallbackModel,
		g.logger.With().Str("component", "selector").Logger())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	g.sel = sel
	return nil
}

// buildStores wires the cache, budget ledger, and usage recorder, each
// backed by SQLite when a path is configured and process memory
// otherwise.
func (g *Governor) buildStores() error {
	ttl := time.Duration(g.cfg.CacheTTLSeconds) * time.Second
	cacheLog := g.logger.With().Str("component", "cache").Logger()
	if g.cfg.CachePath != "" {
		store, err := cache.NewSQLite(g.cfg.CachePath, g.cfg.CacheMaxEntries, ttl, g.clk, cacheLog)
		if err != nil {
			return fmt.Errorf("%w: cache store: %v", ErrConfigInvalid, err)
		}
		g.cache = store
		g.closers = append(g.closers, store)
	} else {
		g.cache = cache.NewMemory(g.cfg.CacheMaxEntries, ttl, g.clk, cacheLog)
	}

	var periods budget.PeriodStore
	if g.cfg.BudgetPath != "" {
		store, err := budget.NewSQLiteStore(g.cfg.BudgetPath)
		if err != nil {
			return fmt.Errorf("%w: budget store: %v", ErrConfigInvalid, err)
		}
		periods = store
		g.closers = append(g.closers, store)
	} else {
		periods = budget.NewMemoryStore()
	}
	g.ledger = budget.NewLedger(periods, g.clk, g.cfg.DailyBudget, g.cfg.MonthlyBudget,
		g.logger.With().Str("component", "budget").Logger())

	var usageLog telemetry.Log
	if g.cfg.UsagePath != "" {
		log, err := telemetry.NewSQLiteLog(g.cfg.UsagePath)
		if err != nil {
			return fmt.Errorf("%w: usage log: %v", ErrConfigInvalid, err)
		}
		usageLog = log
		g.closers = append(g.closers, log)
	}
	g.rec = telemetry.NewRecorder(usageLog, g.logger.With().Str("component", "telemetry").Logger())
	return nil
}

// =============================================================================
// GET-OR-COMPUTE
// =============================================================================

// GetOrCompute serves req from the cache when possible, otherwise runs fn
// under budget, selection, compression, and timeout governance.
//
// Concurrent calls with the same cache key are collapsed onto a single fn
// invocation; every waiter receives the same Response. Failed computes
// are never cached, so a retry invokes fn again.
func (g *Governor) GetOrCompute(ctx context.Context, req Request, fn ComputeFunc) (*Response, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: nil compute function", ErrComputeFailed)
	}

	key, err := cache.Key(req.Identity, g.keyInputs(req))
	if err != nil {
		// Unhashable inputs: skip the cache but keep every other control.
		g.logger.Warn().Err(err).Str("identity", req.Identity).
			Msg("cache key derivation failed, bypassing cache")
		return g.compute(ctx, req, "", fn)
	}

	if g.cfg.EnableCaching {
		if resp, ok := g.cacheLookup(key, true); ok {
			return resp, nil
		}
	}

	v, err, _ := g.flight.Do(key, func() (any, error) {
		// A concurrent winner may have filled the cache while this caller
		// waited for the flight slot. The miss was already counted above,
		// so this re-check must not count again.
		if g.cfg.EnableCaching {
			if resp, ok := g.cacheLookup(key, false); ok {
				return resp, nil
			}
		}
		return g.compute(ctx, req, key, fn)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Response), nil
}

// cacheLookup returns a cached Response for key, recording the hit.
// count selects between the counting lookup and the non-counting peek, so
// one logical request bumps the hit/miss counters at most once.
// Undecodable entries are dropped and treated as misses.
func (g *Governor) cacheLookup(key string, count bool) (*Response, bool) {
	var (
		value []byte
		ok    bool
	)
	if count {
		value, ok = g.cache.Get(key)
	} else {
		value, ok = g.cache.Peek(key)
	}
	if !ok {
		return nil, false
	}

	var env cacheEnvelope
	if err := json.Unmarshal(value, &env); err != nil {
		g.logger.Warn().Err(err).Str("key", key).Msg("dropping undecodable cache entry")
		if derr := g.cache.Delete(key); derr != nil {
			g.logger.Warn().Err(derr).Str("key", key).Msg("cache delete failed")
		}
		return nil, false
	}

	g.rec.Record(telemetry.UsageRecord{
		Timestamp: g.clk.Now(),
		Model:     env.Model,
		CacheHit:  true,
	})
	return &Response{Body: env.Body, Model: env.Model, CacheHit: true}, true
}

// compute runs one governed upstream call. key is empty when the cache is
// bypassed.
func (g *Governor) compute(ctx context.Context, req Request, key string, fn ComputeFunc) (*Response, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
			}
			return nil, fmt.Errorf("%w: rate limit wait: %v", ErrComputeFailed, err)
		}
	}

	model := g.sel.SelectModel(req.ContentType, clampComplexity(req.Complexity))
	promptTokens := g.est.EstimateTokens(req.Prompt, model)
	estCost, _, _ := g.est.EstimateRequestCost(promptTokens, model)

	res, ok, err := g.ledger.CheckAndCommit(estCost)
	if err != nil {
		return nil, fmt.Errorf("%w: budget check: %v", ErrComputeFailed, err)
	}
	if !ok {
		// One downgrade attempt before rejecting outright.
		if cheaper, can := g.sel.Downgrade(model); can {
			g.logger.Info().
				Str("from", model).
				Str("to", cheaper).
				Float64("estimated_cost", estCost).
				Msg("downgrading model for budget headroom")
			model = cheaper
			promptTokens = g.est.EstimateTokens(req.Prompt, model)
			estCost, _, _ = g.est.EstimateRequestCost(promptTokens, model)
			res, ok, err = g.ledger.CheckAndCommit(estCost)
			if err != nil {
				return nil, fmt.Errorf("%w: budget check: %v", ErrComputeFailed, err)
			}
		}
	}
	if !ok {
		g.logger.Info().
			Str("model", model).
			Float64("estimated_cost", estCost).
			Msg("request rejected by budget")
		return nil, fmt.Errorf("%w: %s estimated at $%.4f", ErrBudgetExceeded, model, estCost)
	}

	prompt := req.Prompt
	if g.cfg.PromptTokenCeiling > 0 && promptTokens > g.cfg.PromptTokenCeiling {
		prompt = g.comp.Optimize(prompt, g.cfg.PromptTokenCeiling, model)
	}

	out, err := g.invoke(ctx, prompt, model, fn)
	if err != nil {
		if !g.cfg.BillFailedCalls {
			if rerr := g.ledger.Reconcile(res, 0); rerr != nil {
				g.logger.Error().Err(rerr).Msg("refund after failed compute")
			}
		}
		return nil, err
	}

	actualPrompt, actualCompletion := out.PromptTokens, out.CompletionTokens
	if actualPrompt == 0 && actualCompletion == 0 {
		// Provider reported nothing; bill at the estimate.
		actualPrompt = g.est.EstimateTokens(prompt, model)
		_, actualCompletion, _ = g.est.EstimateRequestCost(actualPrompt, model)
	}
	actualCost, _ := g.est.EstimateCost(actualPrompt, actualCompletion, model)
	if rerr := g.ledger.Reconcile(res, actualCost); rerr != nil {
		g.logger.Error().Err(rerr).Msg("budget reconcile failed")
	}

	if g.cfg.EnableCaching && key != "" {
		payload, merr := json.Marshal(cacheEnvelope{Body: out.Response, Model: model})
		if merr == nil {
			if perr := g.cache.Put(key, payload, actualPrompt+actualCompletion); perr != nil {
				g.logger.Warn().Err(perr).Str("key", key).Msg("cache put failed")
			}
		}
	}

	g.rec.Record(telemetry.UsageRecord{
		Timestamp:        g.clk.Now(),
		Model:            model,
		PromptTokens:     actualPrompt,
		CompletionTokens: actualCompletion,
		Cost:             actualCost,
	})

	return &Response{
		Body:             out.Response,
		Model:            model,
		PromptTokens:     actualPrompt,
		CompletionTokens: actualCompletion,
		Cost:             actualCost,
	}, nil
}

// invoke runs fn bounded by the per-request timeout. fn keeps running in
// its goroutine after a timeout; it is expected to notice ctx and stop.
func (g *Governor) invoke(ctx context.Context, prompt, model string, fn ComputeFunc) (*ComputeResult, error) {
	timeout := time.Duration(g.cfg.PerRequestTimeoutSeconds) * time.Second
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		out *ComputeResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := fn(cctx, prompt, model)
		done <- outcome{out, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			if errors.Is(o.err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: model %s: %v", ErrTimeout, model, o.err)
			}
			return nil, fmt.Errorf("%w: model %s: %v", ErrComputeFailed, model, o.err)
		}
		if o.out == nil {
			return nil, fmt.Errorf("%w: model %s returned no result", ErrComputeFailed, model)
		}
		return o.out, nil
	case <-cctx.Done():
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: model %s after %s", ErrTimeout, model, timeout)
		}
		return nil, fmt.Errorf("%w: model %s: %v", ErrComputeFailed, model, cctx.Err())
	}
}

// keyInputs folds the prompt, content type, and complexity into the
// hashed inputs so any field that changes the output changes the key.
func (g *Governor) keyInputs(req Request) map[string]any {
	inputs := make(map[string]any, len(req.Inputs)+3)
	for k, v := range req.Inputs {
		inputs[k] = v
	}
	inputs["_prompt"] = req.Prompt
	inputs["_content_type"] = req.ContentType
	inputs["_complexity"] = clampComplexity(req.Complexity)
	return inputs
}

// clampComplexity folds out-of-range hints into the valid 1-5 band.
func clampComplexity(c int) int {
	if c < 1 {
		return 1
	}
	if c > 5 {
		return 5
	}
	return c
}

// =============================================================================
// OBSERVABILITY / LIFECYCLE
// =============================================================================

// ModelStats aggregates usage for one model.
type ModelStats struct {
	Requests         int     `json:"requests"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Cost             float64 `json:"cost"`
}

// Stats is a point-in-time view of cache effectiveness, spend, and
// per-model usage.
type Stats struct {
	Hits        int                   `json:"hits"`
	Misses      int                   `json:"misses"`
	HitRatio    float64               `json:"hit_ratio"`
	TotalCost   float64               `json:"total_cost"`
	TotalTokens int                   `json:"total_tokens"`
	DaySpent    float64               `json:"day_spent"`
	MonthSpent  float64               `json:"month_spent"`
	PerModel    map[string]ModelStats `json:"per_model"`
}

// Stats returns current counters. HitRatio is 0 before any lookup.
func (g *Governor) Stats() Stats {
	cs := g.cache.Stats()
	snap := g.rec.Snapshot()

	st := Stats{
		Hits:        cs.Hits,
		Misses:      cs.Misses,
		TotalCost:   snap.TotalCost,
		TotalTokens: snap.TotalTokens,
		PerModel:    make(map[string]ModelStats, len(snap.PerModel)),
	}
	if total := cs.Hits + cs.Misses; total > 0 {
		st.HitRatio = float64(cs.Hits) / float64(total)
	}
	for model, ms := range snap.PerModel {
		st.PerModel[model] = ModelStats{
			Requests:         ms.Requests,
			PromptTokens:     ms.PromptTokens,
			CompletionTokens: ms.CompletionTokens,
			Cost:             ms.Cost,
		}
	}

	day, month := g.ledger.CurrentKeys()
	if spent, err := g.ledger.Spent(day); err == nil {
		st.DaySpent = spent
	}
	if spent, err := g.ledger.Spent(month); err == nil {
		st.MonthSpent = spent
	}
	return st
}

// ClearCache removes every cached entry and returns how many were
// removed. Hit/miss counters are preserved.
func (g *Governor) ClearCache() (int, error) {
	return g.cache.Clear()
}

// ResetBudgetPeriod zeroes the spend recorded for one period key, e.g.
// "2026-08-29" or "2026-08".
func (g *Governor) ResetBudgetPeriod(periodKey string) error {
	return g.ledger.ResetPeriod(periodKey)
}

// Close stops the pricing watcher and releases any SQLite handles. Safe
// to call more than once.
func (g *Governor) Close() error {
	var errs []error
	g.closeOnce.Do(func() {
		for _, c := range g.closers {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
