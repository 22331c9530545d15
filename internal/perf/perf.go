// Package perf tracks realized trade outcomes and summarizes them into the
// statistics the risk policy consumes.
package perf

import (
	"sync"
	"time"
)

// Stats summarizes realized performance over a lookback window. WinRate is
// expressed in percent (0-100).
type Stats struct {
	Trades        int
	Wins          int
	WinRate       float64
	CumulativePnL float64
	WindowDays    int
}

// Outcome is one closed trade.
type Outcome struct {
	Symbol   string
	PnL      float64
	ClosedAt time.Time
}

// Store is the read side consumed by the risk policy.
type Store interface {
	RecentStats(windowDays int) (Stats, error)
}

// Tracker adds the write side and the daily aggregate the engine needs.
type Tracker interface {
	Store
	Record(Outcome)
	TodayPnL() float64
}

var _ Tracker = (*MemoryStore)(nil)

// MemoryStore is an append-only in-process Store used in paper mode and
// tests. The zero value is not usable; call NewMemoryStore.
type MemoryStore struct {
	mu       sync.Mutex
	outcomes []Outcome
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

// Record appends one closed trade. Outcomes are never mutated or removed.
func (s *MemoryStore) Record(o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ClosedAt.IsZero() {
		o.ClosedAt = s.now()
	}
	s.outcomes = append(s.outcomes, o)
}

// RecentStats aggregates outcomes closed within the last windowDays days.
// An empty window yields zero Stats, not an error.
func (s *MemoryStore) RecentStats(windowDays int) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().AddDate(0, 0, -windowDays)
	stats := Stats{WindowDays: windowDays}
	for _, o := range s.outcomes {
		if o.ClosedAt.Before(cutoff) {
			continue
		}
		stats.Trades++
		stats.CumulativePnL += o.PnL
		if o.PnL > 0 {
			stats.Wins++
		}
	}
	if stats.Trades > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.Trades) * 100
	}
	return stats, nil
}

// TodayPnL sums outcomes closed since local midnight. The daily loss check
// consumes this directly.
func (s *MemoryStore) TodayPnL() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	total := 0.0
	for _, o := range s.outcomes {
		if o.ClosedAt.Before(midnight) {
			continue
		}
		total += o.PnL
	}
	return total
}
