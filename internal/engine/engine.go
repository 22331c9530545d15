// Package engine runs the trading cycle: a decision comes in, the risk
// gates run, orders go out and protection follows. One cycle is one
// sequential pass; nothing here runs in the background.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"perpflow/config"
	"perpflow/internal/exchange"
	"perpflow/internal/executor"
	"perpflow/internal/market"
	"perpflow/internal/perf"
	"perpflow/internal/position"
	"perpflow/internal/protection"
	"perpflow/internal/risk"
	"perpflow/internal/session"
	"perpflow/logger"
)

// Action is the decision verb. Hold cycles touch nothing.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// Decision is one trading instruction from the decision source. Semantics
// beyond the numeric risk checks are the source's responsibility.
type Decision struct {
	Symbol            string  `json:"symbol"`
	Action            Action  `json:"action"`
	Quantity          float64 `json:"quantity,omitempty"`
	Percentage        float64 `json:"percentage,omitempty"`
	Leverage          int     `json:"leverage,omitempty"`
	StopLossPercent   float64 `json:"stop_loss_percent,omitempty"`
	TakeProfitPercent float64 `json:"take_profit_percent,omitempty"`
	Confidence        float64 `json:"confidence,omitempty"`
}

// Outcome classifies one cycle. Partial is the mixed case: the entry
// filled but protection could not be placed, leaving an unguarded position
// the caller must know about.
type Outcome string

const (
	OutcomeHold     Outcome = "hold"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeRejected Outcome = "rejected"
	OutcomeEntered  Outcome = "entered"
	OutcomePartial  Outcome = "entered_unprotected"
	OutcomeExited   Outcome = "exited"
	OutcomeFailed   Outcome = "failed"
)

// CycleResult reports everything one cycle did. Entry, Exit and Protection
// are zero-valued when that stage did not run.
type CycleResult struct {
	Decision   Decision
	Outcome    Outcome
	Reason     string
	Entry      executor.OrderResult
	Exit       executor.OrderResult
	Protection protection.Result
	Position   *position.Position
}

// components are the session-bound collaborators, built once after the
// first successful session acquisition.
type components struct {
	client exchange.Client
	policy *market.Policy
	reader *position.Reader
	exec   *executor.Executor
	prot   *protection.Manager
}

type Engine struct {
	cfg      *config.Config
	sessions *session.Manager
	tracker  perf.Tracker
	log      *logger.Log

	mu    sync.Mutex
	comps *components
}

func New(cfg *config.Config, sessions *session.Manager, tracker perf.Tracker) *Engine {
	return &Engine{
		cfg:      cfg,
		sessions: sessions,
		tracker:  tracker,
		log:      logger.GetLogger(),
	}
}

// ensure acquires the session and builds the collaborators on first use.
func (e *Engine) ensure(ctx context.Context) (*components, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.comps != nil {
		return e.comps, nil
	}

	sess, err := e.sessions.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	policy := market.NewPolicy()
	if filters, err := sess.Client.SymbolFilters(ctx); err != nil {
		e.log.WithComponent("engine").WithError(err).
			Warn("exchange filters unavailable, using built-in precision table")
	} else {
		policy.Refresh(filters)
	}

	reader := position.NewReader(sess.Client)
	e.comps = &components{
		client: sess.Client,
		policy: policy,
		reader: reader,
		exec:   executor.New(sess.Client, policy),
		prot: protection.New(sess.Client, reader, policy, protection.Options{
			ATRPeriod:          e.cfg.Protection.ATRPeriod,
			ATRInterval:        e.cfg.Protection.ATRInterval,
			StopATRMultiple:    e.cfg.Protection.StopATRMultiple,
			TargetStopMultiple: e.cfg.Protection.TargetStopMultiple,
			SettleAttempts:     e.cfg.Protection.SettleAttempts,
			SettleInterval:     e.cfg.Protection.SettleInterval,
			TrailingPercent:    e.cfg.Protection.TrailingPercent,
		}),
	}
	return e.comps, nil
}

// RunCycle executes one decision end to end: position lookup, risk gates,
// order submission, protection, confirmation. It never panics on business
// rejections; those come back as Rejected results.
func (e *Engine) RunCycle(ctx context.Context, d Decision) CycleResult {
	logger.IncrementCycle()
	result := CycleResult{Decision: d, Outcome: OutcomeFailed}

	// Decision sources spell actions freely (Buy, SELL, hold); normalize
	// before matching and never let an unknown verb trade.
	action := Action(strings.ToLower(string(d.Action)))
	if action == ActionHold || action == "" {
		result.Outcome = OutcomeHold
		return result
	}
	if action != ActionBuy && action != ActionSell {
		result.Outcome = OutcomeRejected
		result.Reason = fmt.Sprintf("unknown action %q", d.Action)
		return result
	}
	if d.Symbol == "" {
		result.Outcome = OutcomeRejected
		result.Reason = "decision has no symbol"
		return result
	}

	comps, err := e.ensure(ctx)
	if err != nil {
		result.Reason = fmt.Sprintf("session unavailable: %v", err)
		return result
	}

	pos, err := comps.reader.Open(ctx, d.Symbol)
	if err != nil {
		result.Reason = fmt.Sprintf("position lookup failed: %v", err)
		return result
	}
	result.Position = pos

	if pos == nil {
		for _, side := range []position.Side{position.SideLong, position.SideShort} {
			if comps.prot.State(d.Symbol, side) == protection.StateActive {
				comps.prot.MarkTriggered(d.Symbol, side)
				e.log.WithComponent("engine").WithFields(logger.Fields{
					"symbol": d.Symbol,
					"side":   side,
				}).Info("position closed while protection was active, marking triggered")
			}
		}
	}

	want := position.SideLong
	if action == ActionSell {
		want = position.SideShort
	}

	if pos != nil {
		if pos.Side == want {
			result.Outcome = OutcomeSkipped
			result.Reason = fmt.Sprintf("%s position already open on %s", pos.Side, d.Symbol)
			return result
		}
		return e.exit(ctx, comps, d, pos, result)
	}
	return e.enter(ctx, comps, d, want, result)
}

func (e *Engine) enter(ctx context.Context, comps *components, d Decision, want position.Side, result CycleResult) CycleResult {
	stats, err := e.tracker.RecentStats(e.cfg.Risk.PerfWindowDays)
	if err != nil {
		e.log.WithComponent("engine").WithError(err).
			Warn("performance stats unavailable, sizing without multipliers")
	}
	mult := risk.DeriveMultipliers(stats)

	if d.Confidence > 0 && d.Confidence < mult.ConfidenceThreshold {
		logger.IncrementRiskRejection()
		result.Outcome = OutcomeRejected
		result.Reason = fmt.Sprintf("confidence %.2f below threshold %.2f", d.Confidence, mult.ConfidenceThreshold)
		return result
	}

	if v := risk.CheckDailyLoss(e.tracker.TodayPnL(), e.cfg.Risk.InitialCapital, e.cfg.Risk.DailyLossLimitPct); !v.Allowed {
		logger.IncrementRiskRejection()
		result.Outcome = OutcomeRejected
		result.Reason = v.Reason
		return result
	}

	balance, err := comps.client.AvailableBalance(ctx, "USDT")
	if err != nil {
		result.Reason = fmt.Sprintf("balance lookup failed: %v", err)
		return result
	}
	price, err := comps.markPrice(ctx, d.Symbol)
	if err != nil {
		result.Reason = fmt.Sprintf("price lookup failed: %v", err)
		return result
	}

	leverage := d.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	leverage = scaleLeverage(leverage, mult.Leverage)

	qty := d.Quantity
	if qty <= 0 && d.Percentage > 0 {
		// Percentage sizing spends that share of the balance as margin.
		qty = balance * d.Percentage / 100 * float64(leverage) / price
	}
	qty *= mult.Size

	if v := risk.CheckEntryRisk(risk.EntryCheck{
		Symbol:           d.Symbol,
		Quantity:         qty,
		Price:            price,
		Leverage:         leverage,
		AvailableBalance: balance,
		MaxLeverage:      e.cfg.Risk.MaxLeverage,
		MaxPositionUSD:   e.cfg.Risk.MaxPositionUSD,
	}); !v.Allowed {
		logger.IncrementRiskRejection()
		result.Outcome = OutcomeRejected
		result.Reason = v.Reason
		return result
	}

	side := exchange.SideBuy
	if want == position.SideShort {
		side = exchange.SideSell
	}
	result.Entry = comps.exec.SubmitEntry(ctx, executor.EntryParams{
		Symbol:   d.Symbol,
		Side:     side,
		Quantity: qty,
		Leverage: leverage,
	})
	if !result.Entry.Success {
		result.Reason = result.Entry.Message
		return result
	}

	result.Protection = comps.prot.Set(ctx, protection.Params{
		Symbol:        d.Symbol,
		Side:          want,
		EntryPrice:    result.Entry.Price,
		StopPercent:   d.StopLossPercent,
		TargetPercent: d.TakeProfitPercent,
		WantStop:      true,
		WantTarget:    true,
	})
	if !result.Protection.Success {
		// The position is open but unguarded. Never swallowed.
		result.Outcome = OutcomePartial
		result.Reason = fmt.Sprintf("entry filled but protection failed: stop %q target %q",
			result.Protection.Stop.Message, result.Protection.Target.Message)
		e.log.WithComponent("engine").WithFields(logger.Fields{
			"symbol": d.Symbol,
			"reason": result.Reason,
		}).Error("position open without protection")
		return result
	}

	if confirmed, err := comps.reader.Open(ctx, d.Symbol); err == nil && confirmed != nil {
		result.Position = confirmed
	}
	result.Outcome = OutcomeEntered
	return result
}

func (e *Engine) exit(ctx context.Context, comps *components, d Decision, pos *position.Position, result CycleResult) CycleResult {
	pct := d.Percentage
	if pct <= 0 && d.Quantity <= 0 {
		pct = 100
	}

	result.Exit = comps.exec.SubmitExit(ctx, executor.ExitParams{
		Symbol:           d.Symbol,
		PositionSide:     pos.Side,
		PositionQuantity: pos.Quantity,
		Percentage:       pct,
		Quantity:         d.Quantity,
		OneWayMode:       !comps.prot.PositionMode(ctx),
	})
	if !result.Exit.Success {
		result.Reason = result.Exit.Message
		return result
	}

	// A partial exit realizes only the exited share of the open PnL.
	pnl := pos.UnrealizedPnL
	if result.Exit.Quantity > 0 && result.Exit.Quantity < pos.Quantity {
		pnl *= result.Exit.Quantity / pos.Quantity
	}
	e.tracker.Record(perf.Outcome{Symbol: d.Symbol, PnL: pnl})

	if err := comps.prot.Cancel(ctx, d.Symbol); err != nil {
		e.log.WithComponent("engine").WithError(err).WithFields(logger.Fields{
			"symbol": d.Symbol,
		}).Warn("failed to cancel protection after exit")
	}

	if remaining, err := comps.reader.Open(ctx, d.Symbol); err == nil {
		result.Position = remaining
	}
	result.Outcome = OutcomeExited
	return result
}

// markPrice reads the latest close as the working mark price for sizing.
func (c *components) markPrice(ctx context.Context, symbol string) (float64, error) {
	wire := exchange.WireSymbol(symbol)
	klines, err := c.client.Klines(ctx, wire, "1m", 1)
	if err != nil {
		return 0, err
	}
	if len(klines) == 0 || klines[len(klines)-1].Close <= 0 {
		return 0, fmt.Errorf("no recent price for %s", symbol)
	}
	return klines[len(klines)-1].Close, nil
}

// scaleLeverage applies the advisory multiplier, never dropping below 1x.
func scaleLeverage(leverage int, mult float64) int {
	scaled := int(float64(leverage) * mult)
	if scaled < 1 {
		return 1
	}
	return scaled
}
