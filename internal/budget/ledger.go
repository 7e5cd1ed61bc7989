// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package budget

import (
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/gencost/internal/clock"
)

// epsilon absorbs float64 noise when comparing accumulated spend against a
// limit, so a period can be filled exactly to its ceiling.
const epsilon = 1e-9

// lockShards is the size of the fixed lock set period keys map onto. A
// bounded set keeps a long-lived process from accreting one mutex per
// day; 16 shards keep contention between unrelated periods negligible.
const lockShards = 16

// DayKey returns the UTC day period key for t.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// MonthKey returns the UTC month period key for t.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Reservation identifies a committed estimate so reconciliation adjusts the
// same periods the commit touched, even across a midnight or month rollover.
type Reservation struct {
	DayKey    string
	MonthKey  string
	Estimated float64
}

// Ledger tracks spend against a daily and a monthly ceiling.
//
// Period keys hash onto a fixed set of lock shards, so unrelated periods
// rarely contend and the lock table stays bounded for the life of the
// process.
type Ledger struct {
	store        PeriodStore
	clk          clock.Clock
	dailyLimit   float64
	monthlyLimit float64
	logger       zerolog.Logger

	locks [lockShards]sync.Mutex
}

// NewLedger creates a ledger over the given store and clock.
func NewLedger(store PeriodStore, clk clock.Clock, dailyLimit, monthlyLimit float64, logger zerolog.Logger) *Ledger {
	if store == nil {
		store = NewMemoryStore()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Ledger{
		store:        store,
		clk:          clk,
		dailyLimit:   dailyLimit,
		monthlyLimit: monthlyLimit,
		logger:       logger,
	}
}

// CheckAndCommit atomically verifies that cost fits under both the daily
// and monthly ceiling and, if so, commits both counters. All-or-nothing:
// a partial commit is never left behind.
func (l *Ledger) CheckAndCommit(cost float64) (Reservation, bool, error) {
	now := l.clk.Now()
	res := Reservation{DayKey: DayKey(now), MonthKey: MonthKey(now), Estimated: cost}

	defer l.lockPair(res.MonthKey, res.DayKey)()

	daySpent, err := l.store.Spent(res.DayKey)
	if err != nil {
		return Reservation{}, false, fmt.Errorf("budget: day lookup: %w", err)
	}
	monthSpent, err := l.store.Spent(res.MonthKey)
	if err != nil {
		return Reservation{}, false, fmt.Errorf("budget: month lookup: %w", err)
	}

	if daySpent+cost > l.dailyLimit+epsilon || monthSpent+cost > l.monthlyLimit+epsilon {
		l.logger.Debug().
			Float64("cost", cost).
			Float64("day_spent", daySpent).
			Float64("month_spent", monthSpent).
			Msg("budget commit rejected")
		return Reservation{}, false, nil
	}

	if _, err := l.store.Add(res.DayKey, cost); err != nil {
		return Reservation{}, false, fmt.Errorf("budget: day commit: %w", err)
	}
	if _, err := l.store.Add(res.MonthKey, cost); err != nil {
		// Undo the day commit so no partial state is left behind.
		if _, uerr := l.store.Add(res.DayKey, -cost); uerr != nil {
			l.logger.Error().Err(uerr).Str("period", res.DayKey).
				Msg("failed to roll back day commit")
		}
		return Reservation{}, false, fmt.Errorf("budget: month commit: %w", err)
	}

	return res, true, nil
}

// Reconcile adjusts the ledger by actual - estimated once the true cost of
// a call is known. A negative delta applies immediately. A positive delta
// is applied even if it pushes a period over its ceiling — the work already
// happened and the books must say so — but emits a soft-overspend event.
// This is the one documented exception to the spend-never-exceeds-limit
// invariant.
func (l *Ledger) Reconcile(res Reservation, actual float64) error {
	delta := actual - res.Estimated
	if math.Abs(delta) < epsilon {
		return nil
	}

	defer l.lockPair(res.MonthKey, res.DayKey)()

	daySpent, err := l.store.Add(res.DayKey, delta)
	if err != nil {
		return fmt.Errorf("budget: day reconcile: %w", err)
	}
	monthSpent, err := l.store.Add(res.MonthKey, delta)
	if err != nil {
		return fmt.Errorf("budget: month reconcile: %w", err)
	}

	if delta > 0 {
		if daySpent > l.dailyLimit+epsilon {
			l.softOverspend(res.DayKey, daySpent, l.dailyLimit, delta)
		}
		if monthSpent > l.monthlyLimit+epsilon {
			l.softOverspend(res.MonthKey, monthSpent, l.monthlyLimit, delta)
		}
	}
	return nil
}

// Spent returns the accumulated spend for a period key.
func (l *Ledger) Spent(periodKey string) (float64, error) {
	lock := &l.locks[l.shardIndex(periodKey)]
	lock.Lock()
	defer lock.Unlock()
	return l.store.Spent(periodKey)
}

// ResetPeriod zeroes a period's counter. Administrative use only.
func (l *Ledger) ResetPeriod(periodKey string) error {
	lock := &l.locks[l.shardIndex(periodKey)]
	lock.Lock()
	defer lock.Unlock()

	if err := l.store.Reset(periodKey); err != nil {
		return err
	}
	l.logger.Info().Str("period", periodKey).Msg("budget period reset")
	return nil
}

// CurrentKeys returns the day and month period keys as of now.
func (l *Ledger) CurrentKeys() (day, month string) {
	now := l.clk.Now()
	return DayKey(now), MonthKey(now)
}

func (l *Ledger) softOverspend(periodKey string, spent, limit, delta float64) {
	l.logger.Warn().
		Str("event", "soft_overspend").
		Str("period", periodKey).
		Float64("spent", spent).
		Float64("limit", limit).
		Float64("delta", delta).
		Msg("reconciliation pushed period over its ceiling")
}

// lockPair acquires the shards guarding two period keys in ascending
// index order, locking once when both keys share a shard. The fixed
// ordering keeps concurrent pair acquisitions deadlock-free.
func (l *Ledger) lockPair(a, b string) func() {
	i := l.shardIndex(a)
	j := l.shardIndex(b)
	if i == j {
		l.locks[i].Lock()
		return l.locks[i].Unlock
	}
	if i > j {
		i, j = j, i
	}
	l.locks[i].Lock()
	l.locks[j].Lock()
	return func() {
		l.locks[j].Unlock()
		l.locks[i].Unlock()
	}
}

func (l *Ledger) shardIndex(periodKey string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(periodKey))
	return h.Sum32() % lockShards
}
