package position

import "perpflow/internal/exchange"

// Side is the direction of an open position. A position is long exactly when
// its signed contract quantity is positive.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// maintenanceMarginRate is a flat 0.4% of notional. Real maintenance margin
// follows the exchange's tiered schedule per symbol; this flat rate is a
// simplification and must not be read as verified exchange behaviour.
const maintenanceMarginRate = 0.004

// Position is the canonical read-only view of one open position. It is
// sourced fresh from the exchange on every query and never cached.
type Position struct {
	Symbol            string
	Side              Side
	Quantity          float64
	EntryPrice        float64
	MarkPrice         float64
	Leverage          float64
	Notional          float64
	UnrealizedPnL     float64
	MarginMode        string
	LiquidationPrice  float64
	InitialMargin     float64
	MaintenanceMargin float64
	PercentReturn     float64

	// HedgeSide is the raw accounting tag (LONG/SHORT/BOTH) used when
	// filtering protective orders under dual-side mode.
	HedgeSide exchange.PositionSide
}
