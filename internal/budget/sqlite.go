// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package budget

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const periodSchema = `
CREATE TABLE IF NOT EXISTS budget_periods (
	period_key TEXT PRIMARY KEY,
	spent      REAL NOT NULL DEFAULT 0
);
`

// SQLiteStore is a durable PeriodStore: one row per budget period
// {period_key, spent}. Increments use an atomic UPSERT.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("budget: open database: %w", err)
	}
	if _, err := db.Exec(periodSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("budget: prepare schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Spent returns the accumulated spend for a period (0 if never touched).
func (s *SQLiteStore) Spent(periodKey string) (float64, error) {
	var spent float64
	err := s.db.QueryRow(
		`SELECT spent FROM budget_periods WHERE period_key = ?`, periodKey,
	).Scan(&spent)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("budget: read period %s: %w", periodKey, err)
	}
	return spent, nil
}

// Add atomically increments a period's spend and returns the new total.
func (s *SQLiteStore) Add(periodKey string, delta float64) (float64, error) {
	var spent float64
	err := s.db.QueryRow(`
		INSERT INTO budget_periods (period_key, spent) VALUES (?, ?)
		ON CONFLICT(period_key) DO UPDATE SET spent = spent + excluded.spent
		RETURNING spent`,
		periodKey, delta,
	).Scan(&spent)
	if err != nil {
		return 0, fmt.Errorf("budget: increment period %s: %w", periodKey, err)
	}
	return spent, nil
}

// Reset zeroes a period's counter.
func (s *SQLiteStore) Reset(periodKey string) error {
	if _, err := s.db.Exec(`DELETE FROM budget_periods WHERE period_key = ?`, periodKey); err != nil {
		return fmt.Errorf("budget: reset period %s: %w", periodKey, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ensure SQLiteStore implements PeriodStore.
var _ PeriodStore = (*SQLiteStore)(nil)
