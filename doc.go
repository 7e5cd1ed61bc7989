// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gencost is a request-level cache and cost governor for
// generative-AI calls.
//
// A Governor sits in front of an application's model invocations and
// applies, in order: response caching keyed on canonicalized request
// inputs, in-flight deduplication so concurrent identical requests share
// one upstream call, cost-aware model selection with automatic downgrade,
// daily and monthly budget enforcement, prompt compression against a
// token ceiling, and a bounded per-request timeout. Every completed call
// is recorded for aggregate usage statistics.
//
// Typical use:
//
//	cfg := gencost.DefaultConfig()
//	cfg.DailyBudget = 5.00
//	cfg.FallbackModel = "small"
//	cfg.Pricing.Models = map[string]gencost.ModelRates{
//		"small": {InputPer1K: 0.25, OutputPer1K: 1.25},
//		"large": {InputPer1K: 3.00, OutputPer1K: 15.00},
//	}
//
//	gov, err := gencost.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer gov.Close()
//
//	resp, err := gov.GetOrCompute(ctx, gencost.Request{
//		Identity: "summarize",
//		Inputs:   map[string]any{"doc_id": docID},
//		Prompt:   prompt,
//	}, callModel)
//
// The compute function is only invoked on a cache miss that clears the
// budget check; its result is cached and billed against the budget at
// actual token counts.
package gencost
