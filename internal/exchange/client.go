// Package exchange is the single boundary the engine talks to Binance
// USDT-M futures through. Every signed request flows through one code path
// (the Client implementation) so timestamping, rate limiting and error
// classification live in exactly one place.
package exchange

import "context"

// Client is the canonical exchange surface. Symbols cross this boundary in
// display form (BTC/USDT); implementations convert to the wire form.
type Client interface {
	// Ping verifies connectivity without authentication.
	Ping(ctx context.Context) error
	// ServerTime returns the exchange clock in epoch milliseconds.
	ServerTime(ctx context.Context) (int64, error)
	// AvailableBalance returns the free balance of the given asset.
	AvailableBalance(ctx context.Context, asset string) (float64, error)
	// Positions lists raw position rows. An empty symbol lists all.
	Positions(ctx context.Context, symbol string) ([]PositionRecord, error)
	// DualSidePosition reports whether the account runs hedge accounting.
	DualSidePosition(ctx context.Context) (bool, error)
	// SetLeverage changes the symbol's leverage setting.
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	// PlaceOrder submits one order.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
	// CancelOrder cancels one open order by id.
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	// OpenOrders lists the symbol's open orders.
	OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	// Klines fetches recent candles for volatility measurements.
	Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
	// SymbolFilters fetches the exchange's precision rules.
	SymbolFilters(ctx context.Context) ([]SymbolFilter, error)
	// SetTimeOffset installs the clock offset (exchange minus local, in
	// milliseconds) applied to every signed request timestamp.
	SetTimeOffset(offsetMs int64)
}
