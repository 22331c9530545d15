// Package position normalizes raw exchange position rows into the canonical
// view the rest of the engine consumes.
package position

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"perpflow/internal/exchange"
	"perpflow/logger"
)

// ErrMalformed marks a position payload the reader could not interpret.
// Callers distinguish it from transport failures with errors.Is.
var ErrMalformed = errors.New("malformed position payload")

type Reader struct {
	client exchange.Client
	log    *logger.Log
}

func NewReader(client exchange.Client) *Reader {
	return &Reader{client: client, log: logger.GetLogger()}
}

// ListOpenPositions fetches and normalizes all non-flat positions. A fetch
// failure propagates as-is: it is never treated as "no positions". A single
// attempt only; retry policy belongs to the caller.
func (r *Reader) ListOpenPositions(ctx context.Context) ([]Position, error) {
	records, err := r.client.Positions(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}

	positions := make([]Position, 0, len(records))
	for _, rec := range records {
		qty, err := parseField(rec.Symbol, "positionAmt", rec.PositionAmt)
		if err != nil {
			return nil, err
		}
		if qty == 0 {
			continue
		}

		pos, err := normalize(rec, qty)
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}

	r.log.WithComponent("position_reader").WithFields(logger.Fields{
		"open": len(positions),
	}).Debug("listed open positions")
	return positions, nil
}

// Open reports the position for one symbol, or nil when flat.
func (r *Reader) Open(ctx context.Context, symbol string) (*Position, error) {
	records, err := r.client.Positions(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("fetch position %s: %w", symbol, err)
	}

	for _, rec := range records {
		qty, err := parseField(rec.Symbol, "positionAmt", rec.PositionAmt)
		if err != nil {
			return nil, err
		}
		if qty == 0 {
			continue
		}
		pos, err := normalize(rec, qty)
		if err != nil {
			return nil, err
		}
		return &pos, nil
	}
	return nil, nil
}

func normalize(rec exchange.PositionRecord, qty float64) (Position, error) {
	entry, err := parseField(rec.Symbol, "entryPrice", rec.EntryPrice)
	if err != nil {
		return Position{}, err
	}
	mark, err := parseField(rec.Symbol, "markPrice", rec.MarkPrice)
	if err != nil {
		return Position{}, err
	}
	pnl, err := parseField(rec.Symbol, "unRealizedProfit", rec.UnrealizedProfit)
	if err != nil {
		return Position{}, err
	}
	leverage, err := parseField(rec.Symbol, "leverage", rec.Leverage)
	if err != nil {
		return Position{}, err
	}

	// Liquidation price can legitimately be empty for cross positions.
	liquidation := 0.0
	if rec.LiquidationPrice != "" {
		if liquidation, err = parseField(rec.Symbol, "liquidationPrice", rec.LiquidationPrice); err != nil {
			return Position{}, err
		}
	}

	notional := math.Abs(qty) * mark
	if rec.Notional != "" {
		if n, err := parseField(rec.Symbol, "notional", rec.Notional); err == nil {
			notional = math.Abs(n)
		}
	}

	side := SideLong
	if qty < 0 {
		side = SideShort
	}

	if leverage <= 0 {
		leverage = 1
	}
	initialMargin := notional / leverage

	percentReturn := 0.0
	if initialMargin > 0 {
		percentReturn = pnl / initialMargin * 100
	}

	return Position{
		Symbol:            exchange.DisplaySymbol(rec.Symbol),
		Side:              side,
		Quantity:          math.Abs(qty),
		EntryPrice:        entry,
		MarkPrice:         mark,
		Leverage:          leverage,
		Notional:          notional,
		UnrealizedPnL:     pnl,
		MarginMode:        rec.MarginType,
		LiquidationPrice:  liquidation,
		InitialMargin:     initialMargin,
		MaintenanceMargin: notional * maintenanceMarginRate,
		PercentReturn:     percentReturn,
		HedgeSide:         exchange.PositionSide(rec.PositionSide),
	}, nil
}

func parseField(symbol, field, value string) (float64, error) {
	if value == "" {
		return 0, fmt.Errorf("%w: %s missing %s", ErrMalformed, symbol, field)
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %s=%q", ErrMalformed, symbol, field, value)
	}
	return v, nil
}
