// Package risk holds the pre-trade gates: entry sizing limits, the daily
// loss circuit breaker and the performance-derived sizing multipliers.
package risk

import (
	"fmt"
	"math"

	"perpflow/internal/perf"
)

// marginUsableFraction caps required margin relative to available balance.
// The remaining 2% absorbs fees and mark-price drift between the check and
// the fill.
const marginUsableFraction = 0.98

// drawdownPnLFloor is the cumulative lookback PnL (in quote units) below
// which sizing is cut further regardless of win rate.
const drawdownPnLFloor = -100.0

// Verdict is the outcome of a pre-trade check. Reason is set only when the
// trade is not allowed.
type Verdict struct {
	Allowed bool
	Reason  string
}

func allow() Verdict { return Verdict{Allowed: true} }

func deny(format string, args ...interface{}) Verdict {
	return Verdict{Reason: fmt.Sprintf(format, args...)}
}

// EntryCheck carries everything CheckEntryRisk needs. Price is the intended
// entry price (mark price for market orders).
type EntryCheck struct {
	Symbol           string
	Quantity         float64
	Price            float64
	Leverage         int
	AvailableBalance float64

	MaxLeverage    int
	MaxPositionUSD float64
}

// CheckEntryRisk gates a prospective entry on leverage, notional and margin.
// Pure: it never touches the exchange.
func CheckEntryRisk(check EntryCheck) Verdict {
	if check.Leverage > check.MaxLeverage {
		return deny("leverage %dx exceeds configured cap %dx", check.Leverage, check.MaxLeverage)
	}

	notional := check.Quantity * check.Price
	if notional > check.MaxPositionUSD {
		return deny("notional %.2f exceeds max position size %.2f", notional, check.MaxPositionUSD)
	}

	leverage := float64(check.Leverage)
	if leverage < 1 {
		leverage = 1
	}
	margin := notional / leverage
	if margin > marginUsableFraction*check.AvailableBalance {
		return deny("required margin %.2f exceeds %.0f%% of available balance %.2f",
			margin, marginUsableFraction*100, check.AvailableBalance)
	}

	return allow()
}

// CheckDailyLoss blocks new entries once today's realized loss, as a percent
// of initial capital, meets or exceeds the configured limit. The boundary is
// inclusive on the blocked side: hitting the limit exactly stops trading.
func CheckDailyLoss(todayPnL, initialCapital, limitPct float64) Verdict {
	if todayPnL >= 0 || initialCapital <= 0 {
		return allow()
	}
	lossPct := math.Abs(todayPnL) / initialCapital * 100
	if lossPct >= limitPct {
		return deny("daily loss %.2f%% reached limit %.2f%%; no new entries today", lossPct, limitPct)
	}
	return allow()
}

// Multipliers scale the caller's next order. Advisory: the engine applies
// them when sizing a new entry, never to orders already in flight.
type Multipliers struct {
	Leverage            float64
	Size                float64
	ConfidenceThreshold float64
}

// DeriveMultipliers maps recent performance onto sizing multipliers. Poor
// win rates shrink the next position, strong ones let it grow slightly, and
// a deep lookback drawdown cuts sizing further on top of the win-rate band.
func DeriveMultipliers(stats perf.Stats) Multipliers {
	m := Multipliers{Leverage: 1.0, Size: 1.0, ConfidenceThreshold: 0.60}

	// No closed trades in the window means no evidence either way.
	if stats.Trades == 0 {
		return m
	}

	switch {
	case stats.WinRate < 40:
		m = Multipliers{Leverage: 0.5, Size: 0.5, ConfidenceThreshold: 0.75}
	case stats.WinRate <= 50:
		m = Multipliers{Leverage: 0.7, Size: 0.7, ConfidenceThreshold: 0.70}
	case stats.WinRate > 65:
		m = Multipliers{Leverage: 1.2, Size: 1.1, ConfidenceThreshold: 0.55}
	}

	if stats.CumulativePnL < drawdownPnLFloor {
		m.Leverage *= 0.6
		m.Size *= 0.6
		if m.ConfidenceThreshold < 0.75 {
			m.ConfidenceThreshold = 0.75
		}
	}

	return m
}
