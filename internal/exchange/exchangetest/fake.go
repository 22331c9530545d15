// Package exchangetest provides a scriptable in-memory exchange.Client for
// component tests.
package exchangetest

import (
	"context"
	"sync"

	"perpflow/internal/exchange"
)

// Fake implements exchange.Client. Each method delegates to the matching
// hook when set and records the call either way. The zero value is usable.
type Fake struct {
	mu sync.Mutex

	PingFunc           func(ctx context.Context) error
	ServerTimeFunc     func(ctx context.Context) (int64, error)
	BalanceFunc        func(ctx context.Context, asset string) (float64, error)
	PositionsFunc      func(ctx context.Context, symbol string) ([]exchange.PositionRecord, error)
	DualSideFunc       func(ctx context.Context) (bool, error)
	SetLeverageFunc    func(ctx context.Context, symbol string, leverage int) error
	PlaceOrderFunc     func(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderAck, error)
	CancelOrderFunc    func(ctx context.Context, symbol string, orderID int64) error
	OpenOrdersFunc     func(ctx context.Context, symbol string) ([]exchange.OpenOrder, error)
	KlinesFunc         func(ctx context.Context, symbol, interval string, limit int) ([]exchange.Kline, error)
	SymbolFiltersFunc  func(ctx context.Context) ([]exchange.SymbolFilter, error)

	PingCalls      int
	PlacedOrders   []exchange.OrderRequest
	CanceledOrders []int64
	LeverageCalls  []int
	TimeOffset     int64
}

var _ exchange.Client = (*Fake)(nil)

func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	f.PingCalls++
	f.mu.Unlock()
	if f.PingFunc != nil {
		return f.PingFunc(ctx)
	}
	return nil
}

func (f *Fake) ServerTime(ctx context.Context) (int64, error) {
	if f.ServerTimeFunc != nil {
		return f.ServerTimeFunc(ctx)
	}
	return 0, nil
}

func (f *Fake) AvailableBalance(ctx context.Context, asset string) (float64, error) {
	if f.BalanceFunc != nil {
		return f.BalanceFunc(ctx, asset)
	}
	return 0, nil
}

func (f *Fake) Positions(ctx context.Context, symbol string) ([]exchange.PositionRecord, error) {
	if f.PositionsFunc != nil {
		return f.PositionsFunc(ctx, symbol)
	}
	return nil, nil
}

func (f *Fake) DualSidePosition(ctx context.Context) (bool, error) {
	if f.DualSideFunc != nil {
		return f.DualSideFunc(ctx)
	}
	return false, nil
}

func (f *Fake) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	f.mu.Lock()
	f.LeverageCalls = append(f.LeverageCalls, leverage)
	f.mu.Unlock()
	if f.SetLeverageFunc != nil {
		return f.SetLeverageFunc(ctx, symbol, leverage)
	}
	return nil
}

func (f *Fake) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderAck, error) {
	f.mu.Lock()
	f.PlacedOrders = append(f.PlacedOrders, req)
	f.mu.Unlock()
	if f.PlaceOrderFunc != nil {
		return f.PlaceOrderFunc(ctx, req)
	}
	return &exchange.OrderAck{OrderID: int64(len(f.PlacedOrders))}, nil
}

func (f *Fake) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	f.mu.Lock()
	f.CanceledOrders = append(f.CanceledOrders, orderID)
	f.mu.Unlock()
	if f.CancelOrderFunc != nil {
		return f.CancelOrderFunc(ctx, symbol, orderID)
	}
	return nil
}

func (f *Fake) OpenOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error) {
	if f.OpenOrdersFunc != nil {
		return f.OpenOrdersFunc(ctx, symbol)
	}
	return nil, nil
}

func (f *Fake) Klines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Kline, error) {
	if f.KlinesFunc != nil {
		return f.KlinesFunc(ctx, symbol, interval, limit)
	}
	return nil, nil
}

func (f *Fake) SymbolFilters(ctx context.Context) ([]exchange.SymbolFilter, error) {
	if f.SymbolFiltersFunc != nil {
		return f.SymbolFiltersFunc(ctx)
	}
	return nil, nil
}

func (f *Fake) SetTimeOffset(offsetMs int64) {
	f.mu.Lock()
	f.TimeOffset = offsetMs
	f.mu.Unlock()
}
