// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package selector chooses and downgrades generation models.
//
// Selection is data-driven: a policy table maps content types (draft,
// article, polish, metadata, ...) to a default model, a complexity score of
// 4 or 5 escalates to the highest-priced tracked model regardless of
// content type, and downgrades walk the pricing table's cheapest-first
// ordering. There is no hard-coded tier list — the model universe is
// whatever the pricing table tracks.
package selector
