// Package protection places and maintains the stop-loss / take-profit pair
// guarding an open position: stale-order cleanup, ATR-based price derivation,
// independent leg creation and trailing-stop updates.
package protection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"perpflow/internal/exchange"
	"perpflow/internal/market"
	"perpflow/internal/position"
	"perpflow/logger"
)

// State tracks the protection lifecycle for one position side.
type State string

const (
	StateNone      State = "NONE"
	StateCleaning  State = "CLEANING"
	StateActive    State = "ACTIVE"
	StateTriggered State = "TRIGGERED"
)

var protectDelays = []time.Duration{3 * time.Second, 5 * time.Second}

// Options tunes price derivation and settlement polling. Zero fields take
// the defaults below.
type Options struct {
	ATRPeriod          int
	ATRInterval        string
	StopATRMultiple    float64
	TargetStopMultiple float64
	SettleAttempts     int
	SettleInterval     time.Duration
	TrailingPercent    float64
}

func (o *Options) applyDefaults() {
	if o.ATRPeriod <= 0 {
		o.ATRPeriod = 14
	}
	if o.ATRInterval == "" {
		o.ATRInterval = "1h"
	}
	if o.StopATRMultiple <= 0 {
		o.StopATRMultiple = 1.5
	}
	if o.TargetStopMultiple <= 0 {
		o.TargetStopMultiple = 3
	}
	if o.SettleAttempts <= 0 {
		o.SettleAttempts = 8
	}
	if o.SettleInterval <= 0 {
		o.SettleInterval = time.Second
	}
	if o.TrailingPercent <= 0 {
		o.TrailingPercent = 1
	}
}

// Params describes one protection request. Explicit prices win over
// percents; with neither, distances are derived from volatility. A leg not
// requested is vacuously successful in the result.
type Params struct {
	Symbol     string
	Side       position.Side
	EntryPrice float64

	StopPrice     float64
	TargetPrice   float64
	StopPercent   float64
	TargetPercent float64

	WantStop   bool
	WantTarget bool
}

// LegResult reports one protective order independently of its sibling.
type LegResult struct {
	Requested bool
	Placed    bool
	OrderID   int64
	Price     float64
	Message   string
}

func (l LegResult) ok() bool { return !l.Requested || l.Placed }

// Result is the outcome of Set. Success means every requested leg was
// placed; a stop placed with a failed target is a mixed outcome, reported
// as Success=false with the stop leg still marked placed.
type Result struct {
	Success bool
	Stop    LegResult
	Target  LegResult
	State   State
}

// TrailingParams moves an existing stop behind a profitable position.
// Percent of zero uses the configured default.
type TrailingParams struct {
	Symbol  string
	Percent float64
}

// Manager owns protective orders. The position-mode lookup is cached for
// the life of the process; Reset clears it for tests.
type Manager struct {
	client exchange.Client
	reader *position.Reader
	policy *market.Policy
	opts   Options
	log    *logger.Log

	sleep func(time.Duration)

	mu        sync.Mutex
	modeKnown bool
	dualMode  bool
	states    map[string]State
}

func New(client exchange.Client, reader *position.Reader, policy *market.Policy, opts Options) *Manager {
	opts.applyDefaults()
	return &Manager{
		client: client,
		reader: reader,
		policy: policy,
		opts:   opts,
		log:    logger.GetLogger(),
		sleep:  time.Sleep,
		states: make(map[string]State),
	}
}

// PositionMode reports whether the account runs dual-side (hedge)
// accounting. The first successful lookup is cached; a failed lookup
// defaults to one-way without caching, so later calls may still learn the
// real mode.
func (m *Manager) PositionMode(ctx context.Context) bool {
	m.mu.Lock()
	if m.modeKnown {
		dual := m.dualMode
		m.mu.Unlock()
		return dual
	}
	m.mu.Unlock()

	dual, err := m.client.DualSidePosition(ctx)
	if err != nil {
		m.log.WithComponent("protection").WithError(err).
			Warn("position mode lookup failed, assuming one-way")
		return false
	}

	m.mu.Lock()
	m.modeKnown = true
	m.dualMode = dual
	m.mu.Unlock()
	return dual
}

// Reset clears the position-mode cache and all tracked states.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modeKnown = false
	m.dualMode = false
	m.states = make(map[string]State)
}

// State reports the tracked protection state for one position side.
func (m *Manager) State(symbol string, side position.Side) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[stateKey(symbol, side)]; ok {
		return s
	}
	return StateNone
}

// MarkTriggered records that a protective order fired and closed the
// position, observed by the caller during position confirmation.
func (m *Manager) MarkTriggered(symbol string, side position.Side) {
	m.setState(symbol, side, StateTriggered)
}

func (m *Manager) setState(symbol string, side position.Side, s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[stateKey(symbol, side)] = s
}

func stateKey(symbol string, side position.Side) string {
	return symbol + "/" + string(side)
}

// Set cleans stale protective orders and places the requested stop-loss and
// take-profit legs. The whole round retries up to three times when cleanup
// or creation fails.
func (m *Manager) Set(ctx context.Context, params Params) Result {
	result := Result{State: StateNone}
	result.Stop.Requested = params.WantStop
	result.Target.Requested = params.WantTarget
	if !params.WantStop && !params.WantTarget {
		result.Success = true
		return result
	}

	// Explicit prices are validated before anything is sent to the
	// exchange; derived prices are directional by construction.
	if err := validateDirection(params); err != nil {
		result.Stop.Message = err.Error()
		result.Target.Message = err.Error()
		return result
	}

	pos, err := m.awaitSettlement(ctx, params.Symbol)
	if err != nil {
		msg := err.Error()
		result.Stop.Message = msg
		result.Target.Message = msg
		logger.IncrementProtectionFailed()
		return result
	}
	if params.EntryPrice <= 0 {
		params.EntryPrice = pos.EntryPrice
	}
	if params.Side == "" {
		params.Side = pos.Side
	}

	dual := m.PositionMode(ctx)

	for attempt := 0; attempt <= len(protectDelays); attempt++ {
		if attempt > 0 {
			m.sleep(protectDelays[attempt-1])
		}

		result = m.protectOnce(ctx, params, pos, dual)
		if result.Success {
			logger.IncrementProtectionPlaced()
			return result
		}
		m.log.WithComponent("protection").WithFields(logger.Fields{
			"symbol":  params.Symbol,
			"attempt": attempt + 1,
			"stop":    result.Stop.Message,
			"target":  result.Target.Message,
		}).Warn("protection round failed")
	}

	logger.IncrementProtectionFailed()
	return result
}

// protectOnce runs one cleanup-then-create round.
func (m *Manager) protectOnce(ctx context.Context, params Params, pos *position.Position, dual bool) Result {
	result := Result{State: StateCleaning}
	result.Stop.Requested = params.WantStop
	result.Target.Requested = params.WantTarget

	m.setState(params.Symbol, params.Side, StateCleaning)
	if err := m.cleanup(ctx, params.Symbol, params.Side, dual); err != nil {
		msg := fmt.Sprintf("cleanup failed: %v", err)
		result.Stop.Message = msg
		result.Target.Message = msg
		return result
	}

	stopPrice, targetPrice, err := m.derivePrices(ctx, params)
	if err != nil {
		result.Stop.Message = err.Error()
		result.Target.Message = err.Error()
		return result
	}

	wire := exchange.WireSymbol(params.Symbol)
	closeSide := exchange.SideSell
	hedge := exchange.PositionSideLong
	if params.Side == position.SideShort {
		closeSide = exchange.SideBuy
		hedge = exchange.PositionSideShort
	}

	if params.WantStop {
		result.Stop = m.placeLeg(ctx, wire, closeSide, exchange.OrderTypeStopMarket, stopPrice, hedge, dual)
	}
	if params.WantTarget {
		result.Target = m.placeLeg(ctx, wire, closeSide, exchange.OrderTypeTakeProfitMarket, targetPrice, hedge, dual)
	}

	result.Success = result.Stop.ok() && result.Target.ok()
	if result.Success {
		result.State = StateActive
		m.setState(params.Symbol, params.Side, StateActive)
	}
	return result
}

// placeLeg submits one close-position protective order. Leg failures are
// independent: the caller still attempts the sibling leg.
func (m *Manager) placeLeg(ctx context.Context, wire string, side exchange.Side, orderType exchange.OrderType, price float64, hedge exchange.PositionSide, dual bool) LegResult {
	leg := LegResult{Requested: true, Price: m.policy.RoundPrice(wire, price)}

	req := exchange.OrderRequest{
		Symbol:        wire,
		Side:          side,
		Type:          orderType,
		StopPrice:     m.policy.FormatPrice(wire, leg.Price),
		ClosePosition: true,
	}
	if dual {
		req.PositionSide = hedge
	}

	ack, err := m.client.PlaceOrder(ctx, req)
	if err != nil {
		leg.Message = err.Error()
		m.log.WithComponent("protection").WithError(err).WithFields(logger.Fields{
			"symbol": wire,
			"type":   string(orderType),
			"price":  leg.Price,
		}).Error("protective order rejected")
		return leg
	}

	leg.Placed = true
	leg.OrderID = ack.OrderID
	m.log.WithComponent("protection").WithFields(logger.Fields{
		"symbol":   wire,
		"type":     string(orderType),
		"price":    leg.Price,
		"order_id": ack.OrderID,
	}).Info("protective order placed")
	return leg
}

// cleanup cancels stale stop-market and take-profit-market orders for the
// symbol. Under dual mode only the given side's orders are touched; one-way
// accounting has no per-side tagging, so all protective orders go. Cleanup
// succeeds when every order was attempted, not when every cancel succeeded.
func (m *Manager) cleanup(ctx context.Context, symbol string, side position.Side, dual bool) error {
	wire := exchange.WireSymbol(symbol)
	orders, err := m.client.OpenOrders(ctx, wire)
	if err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}

	hedge := exchange.PositionSideLong
	if side == position.SideShort {
		hedge = exchange.PositionSideShort
	}

	for _, order := range orders {
		if order.Type != exchange.OrderTypeStopMarket && order.Type != exchange.OrderTypeTakeProfitMarket {
			continue
		}
		if dual && order.PositionSide != hedge {
			continue
		}
		if err := m.client.CancelOrder(ctx, wire, order.OrderID); err != nil {
			m.log.WithComponent("protection").WithError(err).WithFields(logger.Fields{
				"symbol":   symbol,
				"order_id": order.OrderID,
			}).Warn("failed to cancel stale protective order")
		}
	}
	return nil
}

// awaitSettlement polls until the exchange's position ledger reflects the
// fill, instead of sleeping a fixed delay and hoping.
func (m *Manager) awaitSettlement(ctx context.Context, symbol string) (*position.Position, error) {
	for attempt := 0; attempt < m.opts.SettleAttempts; attempt++ {
		if attempt > 0 {
			m.sleep(m.opts.SettleInterval)
		}
		pos, err := m.reader.Open(ctx, symbol)
		if err != nil {
			m.log.WithComponent("protection").WithError(err).
				Debug("settlement poll failed")
			continue
		}
		if pos != nil {
			return pos, nil
		}
	}
	return nil, fmt.Errorf("position %s not visible after %d settlement polls", symbol, m.opts.SettleAttempts)
}

// derivePrices resolves each leg independently: explicit price, then
// percent distance, then ATR-scaled volatility. A target with no inputs of
// its own scales from the resolved stop distance. The resolved prices are
// re-checked against the entry price here, because the entry price may have
// come from the ledger after the early validation ran.
func (m *Manager) derivePrices(ctx context.Context, params Params) (stop, target float64, err error) {
	entry := params.EntryPrice
	long := params.Side != position.SideShort

	stop = params.StopPrice
	stopPct := params.StopPercent

	targetNeedsDistance := params.WantTarget && params.TargetPrice == 0 && params.TargetPercent == 0
	if stop == 0 && stopPct == 0 && (params.WantStop || targetNeedsDistance) {
		atrPct, atrErr := m.atrPercent(ctx, params.Symbol, entry)
		if atrErr != nil {
			return 0, 0, fmt.Errorf("volatility lookup for %s: %w", params.Symbol, atrErr)
		}
		stopPct = m.opts.StopATRMultiple * atrPct
	}
	if stop == 0 && stopPct > 0 {
		stop = offsetPrice(entry, stopPct, !long)
	}

	target = params.TargetPrice
	targetPct := params.TargetPercent
	if targetNeedsDistance {
		dist := stopPct
		if dist == 0 && stop > 0 && entry > 0 {
			dist = abs(entry-stop) / entry * 100
		}
		targetPct = m.opts.TargetStopMultiple * dist
	}
	if target == 0 && targetPct > 0 {
		target = offsetPrice(entry, targetPct, long)
	}

	if params.WantStop && stop <= 0 {
		return 0, 0, exchange.NewValidationError("could not resolve a stop price for %s", params.Symbol)
	}
	if params.WantTarget && target <= 0 {
		return 0, 0, exchange.NewValidationError("could not resolve a target price for %s", params.Symbol)
	}
	if err := checkDirection(entry, stop, target, long, params.WantStop, params.WantTarget); err != nil {
		return 0, 0, err
	}
	return stop, target, nil
}

// offsetPrice shifts price by pct percent, upward when up is true.
func offsetPrice(price, pct float64, up bool) float64 {
	if up {
		return price * (1 + pct/100)
	}
	return price * (1 - pct/100)
}

// atrPercent computes the average true range over the configured period,
// expressed as a percent of the reference price.
func (m *Manager) atrPercent(ctx context.Context, symbol string, refPrice float64) (float64, error) {
	wire := exchange.WireSymbol(symbol)
	klines, err := m.client.Klines(ctx, wire, m.opts.ATRInterval, m.opts.ATRPeriod+1)
	if err != nil {
		return 0, err
	}
	if len(klines) < 2 {
		return 0, fmt.Errorf("not enough klines for ATR: got %d", len(klines))
	}
	if refPrice <= 0 {
		return 0, fmt.Errorf("reference price must be positive, got %v", refPrice)
	}

	sum := 0.0
	for i := 1; i < len(klines); i++ {
		prevClose := klines[i-1].Close
		tr := klines[i].High - klines[i].Low
		if d := abs(klines[i].High - prevClose); d > tr {
			tr = d
		}
		if d := abs(klines[i].Low - prevClose); d > tr {
			tr = d
		}
		sum += tr
	}
	atr := sum / float64(len(klines)-1)
	return atr / refPrice * 100, nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// validateDirection is the early fast-reject on explicit prices, run before
// anything is sent to the exchange. With no entry price yet it passes;
// derivePrices repeats the check once the ledger supplies one.
func validateDirection(params Params) error {
	long := params.Side != position.SideShort
	return checkDirection(params.EntryPrice, params.StopPrice, params.TargetPrice,
		long, params.StopPrice > 0, params.TargetPrice > 0)
}

// checkDirection rejects prices on the wrong side of entry. For a long the
// stop must sit below entry and the target above; shorts are the mirror
// image.
func checkDirection(entry, stop, target float64, long, wantStop, wantTarget bool) error {
	if entry <= 0 {
		return nil
	}

	if wantStop && stop > 0 {
		if long && stop >= entry {
			return exchange.NewValidationError(
				"stop price %.4f must be below entry %.4f for a long", stop, entry)
		}
		if !long && stop <= entry {
			return exchange.NewValidationError(
				"stop price %.4f must be above entry %.4f for a short", stop, entry)
		}
	}
	if wantTarget && target > 0 {
		if long && target <= entry {
			return exchange.NewValidationError(
				"target price %.4f must be above entry %.4f for a long", target, entry)
		}
		if !long && target >= entry {
			return exchange.NewValidationError(
				"target price %.4f must be below entry %.4f for a short", target, entry)
		}
	}
	return nil
}

// UpdateTrailing tightens the stop behind a profitable position. The
// existing protective set is canceled and only a stop is recreated; any
// take-profit is dropped by the replace. A flat or losing position is left
// untouched.
func (m *Manager) UpdateTrailing(ctx context.Context, params TrailingParams) Result {
	result := Result{State: StateNone}

	pos, err := m.reader.Open(ctx, params.Symbol)
	if err != nil {
		result.Stop.Requested = true
		result.Stop.Message = fmt.Sprintf("position lookup: %v", err)
		return result
	}
	if pos == nil || pos.UnrealizedPnL <= 0 {
		// Nothing to trail.
		result.Success = true
		return result
	}

	pct := params.Percent
	if pct <= 0 {
		pct = m.opts.TrailingPercent
	}
	newStop := offsetPrice(pos.MarkPrice, pct, pos.Side == position.SideShort)

	dual := m.PositionMode(ctx)
	result.Stop.Requested = true

	m.setState(params.Symbol, pos.Side, StateCleaning)
	if err := m.cleanup(ctx, params.Symbol, pos.Side, dual); err != nil {
		result.Stop.Message = fmt.Sprintf("cleanup failed: %v", err)
		return result
	}

	wire := exchange.WireSymbol(params.Symbol)
	closeSide := exchange.SideSell
	hedge := exchange.PositionSideLong
	if pos.Side == position.SideShort {
		closeSide = exchange.SideBuy
		hedge = exchange.PositionSideShort
	}

	result.Stop = m.placeLeg(ctx, wire, closeSide, exchange.OrderTypeStopMarket, newStop, hedge, dual)
	result.Success = result.Stop.Placed
	if result.Success {
		result.State = StateActive
		m.setState(params.Symbol, pos.Side, StateActive)
	}
	return result
}

// Cancel removes every protective order for the symbol, both sides.
func (m *Manager) Cancel(ctx context.Context, symbol string) error {
	dual := m.PositionMode(ctx)

	if err := m.cleanup(ctx, symbol, position.SideLong, dual); err != nil {
		return err
	}
	if dual {
		if err := m.cleanup(ctx, symbol, position.SideShort, dual); err != nil {
			return err
		}
	}

	m.setState(symbol, position.SideLong, StateNone)
	m.setState(symbol, position.SideShort, StateNone)
	return nil
}
