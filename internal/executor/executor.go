// Package executor turns sized trade intents into exchange orders, owning
// quantity rounding, auto-scaling of sub-minimum entries and the submission
// retry policy.
package executor

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"perpflow/internal/exchange"
	"perpflow/internal/market"
	"perpflow/internal/position"
	"perpflow/logger"
)

// Ceilings for auto-scaled entries. An order that cannot reach the minimum
// tradable size within these bounds is rejected instead of over-leveraged.
const (
	maxAutoLeverage   = 30
	maxSizeMultiplier = 20.0
)

var (
	entryDelays = []time.Duration{3 * time.Second, 6 * time.Second}
	exitDelays  = []time.Duration{2 * time.Second, 4 * time.Second}
)

// EntryParams describes a new position to open. Price of zero means a
// market order.
type EntryParams struct {
	Symbol   string
	Side     exchange.Side
	Quantity float64
	Leverage int
	Price    float64
}

// ExitParams closes all or part of an existing position. Exactly one of
// Percentage (of PositionQuantity) or Quantity should be set.
type ExitParams struct {
	Symbol           string
	PositionSide     position.Side
	PositionQuantity float64
	Percentage       float64
	Quantity         float64
	Price            float64
	OneWayMode       bool
}

// OrderResult reports one submission outcome. On failure Message carries the
// exchange's reason verbatim when one exists.
type OrderResult struct {
	Success       bool
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          exchange.Side
	Quantity      float64
	Price         float64
	Leverage      int
	Message       string
}

type Executor struct {
	client exchange.Client
	policy *market.Policy
	log    *logger.Log

	// Injectable for deterministic retry tests.
	sleep func(time.Duration)
	newID func() string
}

func New(client exchange.Client, policy *market.Policy) *Executor {
	return &Executor{
		client: client,
		policy: policy,
		log:    logger.GetLogger(),
		sleep:  time.Sleep,
		newID:  uuid.NewString,
	}
}

// SubmitEntry rounds, optionally auto-scales and submits an opening order.
// The rounded request is built once and resent unchanged across retries.
func (e *Executor) SubmitEntry(ctx context.Context, params EntryParams) OrderResult {
	wire := exchange.WireSymbol(params.Symbol)
	result := OrderResult{Symbol: params.Symbol, Side: params.Side, Leverage: params.Leverage}

	qty := e.policy.RoundQuantity(wire, params.Quantity)
	leverage := params.Leverage
	if leverage < 1 {
		leverage = 1
	}

	minQty := e.minTradableQuantity(wire, params.Price)
	if qty < minQty {
		scaledQty, scaledLeverage, err := e.autoScale(params, wire, minQty, leverage)
		if err != nil {
			logger.IncrementRiskRejection()
			result.Message = err.Error()
			return result
		}
		qty, leverage = scaledQty, scaledLeverage
	}

	if err := e.policy.CheckMinNotional(wire, qty, params.Price); err != nil {
		result.Message = err.Error()
		return result
	}

	// Leverage failure is non-fatal: the order proceeds on whatever
	// leverage the account currently has.
	if err := e.client.SetLeverage(ctx, wire, leverage); err != nil {
		e.log.WithComponent("executor").WithError(err).WithFields(logger.Fields{
			"symbol":   params.Symbol,
			"leverage": leverage,
		}).Warn("failed to set leverage, proceeding with account setting")
	}
	result.Leverage = leverage

	req := exchange.OrderRequest{
		Symbol:        wire,
		Side:          params.Side,
		Type:          exchange.OrderTypeMarket,
		Quantity:      e.policy.FormatQuantity(wire, qty),
		ClientOrderID: e.newID(),
	}
	if params.Price > 0 {
		req.Type = exchange.OrderTypeLimit
		req.Price = e.policy.FormatPrice(wire, params.Price)
		req.TimeInForce = "GTC"
	}
	result.ClientOrderID = req.ClientOrderID

	ack, err := e.place(ctx, req, entryDelays)
	if err != nil {
		logger.IncrementOrderFailed()
		result.Message = failureMessage("entry order was not accepted", err)
		return result
	}

	logger.IncrementOrderSubmitted()
	return fill(result, ack, qty, params.Price)
}

// SubmitExit closes part or all of a position. The close side is derived
// from the position's direction; reduce-only is set under one-way mode so
// the order can never flip the position.
func (e *Executor) SubmitExit(ctx context.Context, params ExitParams) OrderResult {
	wire := exchange.WireSymbol(params.Symbol)

	entrySide := exchange.SideBuy
	if params.PositionSide == position.SideShort {
		entrySide = exchange.SideSell
	}
	side := entrySide.Opposite()
	result := OrderResult{Symbol: params.Symbol, Side: side}

	qty := params.Quantity
	if params.Percentage > 0 {
		qty = params.PositionQuantity * params.Percentage / 100
	}
	qty = e.policy.RoundQuantity(wire, qty)
	if qty <= 0 {
		result.Message = exchange.NewValidationError(
			"exit quantity for %s rounds to zero", params.Symbol).Error()
		return result
	}

	req := exchange.OrderRequest{
		Symbol:        wire,
		Side:          side,
		Type:          exchange.OrderTypeMarket,
		Quantity:      e.policy.FormatQuantity(wire, qty),
		ReduceOnly:    params.OneWayMode,
		ClientOrderID: e.newID(),
	}
	// Dual-side accounting rejects untagged orders; one-way rejects tagged
	// ones, so the hedge tag and reduce-only are mutually exclusive.
	if !params.OneWayMode {
		req.PositionSide = exchange.PositionSideLong
		if params.PositionSide == position.SideShort {
			req.PositionSide = exchange.PositionSideShort
		}
	}
	if params.Price > 0 {
		req.Type = exchange.OrderTypeLimit
		req.Price = e.policy.FormatPrice(wire, params.Price)
		req.TimeInForce = "GTC"
	}
	result.ClientOrderID = req.ClientOrderID

	ack, err := e.place(ctx, req, exitDelays)
	if err != nil {
		logger.IncrementOrderFailed()
		result.Message = failureMessage("exit order was not accepted", err)
		return result
	}

	logger.IncrementOrderSubmitted()
	return fill(result, ack, qty, params.Price)
}

// autoScale lifts a sub-minimum entry to the minimum tradable quantity with
// an equivalent leverage increase, so the account margin at stake stays what
// the caller intended. Beyond the ceilings the signal is too weak to trade.
func (e *Executor) autoScale(params EntryParams, wire string, minQty float64, leverage int) (float64, int, error) {
	if params.Quantity <= 0 {
		return 0, 0, exchange.NewValidationError("entry quantity must be positive, got %v", params.Quantity)
	}

	multiplier := minQty / params.Quantity
	scaledLeverage := int(math.Ceil(float64(leverage) * multiplier))
	if multiplier > maxSizeMultiplier || scaledLeverage > maxAutoLeverage {
		return 0, 0, exchange.NewValidationError(
			"signal too weak: scaling %s entry to minimum size needs %.1fx size and %dx leverage (caps %.0fx, %dx)",
			params.Symbol, multiplier, scaledLeverage, maxSizeMultiplier, maxAutoLeverage)
	}

	e.log.WithComponent("executor").WithFields(logger.Fields{
		"symbol":     params.Symbol,
		"quantity":   minQty,
		"multiplier": multiplier,
		"leverage":   scaledLeverage,
	}).Info("auto-scaled entry to minimum tradable size")
	return minQty, scaledLeverage, nil
}

// place submits req up to len(delays)+1 times, resending the identical
// request each time. Non-retryable failures stop the loop immediately.
func (e *Executor) place(ctx context.Context, req exchange.OrderRequest, delays []time.Duration) (*exchange.OrderAck, error) {
	var lastErr error
	for attempt := 0; attempt <= len(delays); attempt++ {
		if attempt > 0 {
			e.sleep(delays[attempt-1])
			logger.IncrementOrderRetry()
		}

		ack, err := e.client.PlaceOrder(ctx, req)
		if err == nil {
			return ack, nil
		}
		lastErr = err
		if !exchange.Retryable(err) {
			break
		}
		e.log.WithComponent("executor").WithError(err).WithFields(logger.Fields{
			"symbol":  req.Symbol,
			"attempt": attempt + 1,
		}).Warn("order submission failed")
	}
	return nil, lastErr
}

// minTradableQuantity is the smallest quantity the exchange accepts: one
// quantity step, lifted to cover the minimum notional when a price is known.
func (e *Executor) minTradableQuantity(wire string, price float64) float64 {
	step := e.policy.QuantityStep(wire)
	if price <= 0 {
		return step
	}
	min := e.policy.Lookup(wire).MinNotional / price
	if min <= step {
		return step
	}
	stepDec := decimal.NewFromFloat(step)
	lifted, _ := decimal.NewFromFloat(min).Div(stepDec).Ceil().Mul(stepDec).Float64()
	return lifted
}

// fill maps the acknowledgement onto the result, falling back to the
// requested quantity and price when the exchange reports nothing filled yet.
func fill(result OrderResult, ack *exchange.OrderAck, qty, price float64) OrderResult {
	result.Success = true
	result.OrderID = ack.OrderID
	result.Quantity = ack.ExecutedQty
	if result.Quantity == 0 {
		result.Quantity = qty
	}
	result.Price = ack.AvgPrice
	if result.Price == 0 {
		result.Price = price
	}
	return result
}

func failureMessage(fallback string, err error) string {
	if err == nil {
		return fallback
	}
	return fmt.Sprintf("%v (%s)", err, fallback)
}
