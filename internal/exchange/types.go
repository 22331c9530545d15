package exchange

// Side is the order direction as the exchange expects it on the wire.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side for a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// PositionSide tags an order under dual-side (hedge) accounting. Under
// one-way accounting every order is BOTH.
type PositionSide string

const (
	PositionSideBoth  PositionSide = "BOTH"
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// OrderRequest describes a single order submission. Quantities and prices are
// pre-formatted strings so a retried request is resent byte-identical.
// Immutable once sent.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      string
	Price         string
	StopPrice     string
	TimeInForce   string
	ReduceOnly    bool
	ClosePosition bool
	PositionSide  PositionSide
	ClientOrderID string
}

// OrderAck is the exchange's acknowledgement of a placed order. AvgPrice and
// ExecutedQty are zero when the exchange has not filled anything yet.
type OrderAck struct {
	OrderID     int64
	Status      string
	AvgPrice    float64
	ExecutedQty float64
}

// OpenOrder is the subset of an open order the protection manager needs for
// stale-order cleanup.
type OpenOrder struct {
	OrderID      int64
	Symbol       string
	Type         OrderType
	Side         Side
	StopPrice    string
	PositionSide PositionSide
}

// PositionRecord is a raw exchange position row. Numeric fields stay strings;
// the position reader owns parsing and error reporting.
type PositionRecord struct {
	Symbol           string
	PositionAmt      string
	EntryPrice       string
	MarkPrice        string
	UnrealizedProfit string
	LiquidationPrice string
	Leverage         string
	Notional         string
	MarginType       string
	PositionSide     string
}

// Kline carries the fields the ATR computation reads.
type Kline struct {
	High  float64
	Low   float64
	Close float64
}

// SymbolFilter holds the exchange-published precision rules for one symbol.
type SymbolFilter struct {
	Symbol            string
	QuantityPrecision int
	PricePrecision    int
	MinNotional       float64
}
