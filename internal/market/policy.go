// Package market holds the per-symbol precision and minimum-notional rules
// orders must satisfy before they reach the exchange.
package market

import (
	"math"
	"sync"

	"github.com/shopspring/decimal"

	"perpflow/internal/exchange"
)

// Precision describes one symbol's rounding and minimum-notional rules.
type Precision struct {
	QuantityDecimals int
	PriceDecimals    int
	MinNotional      float64
}

// Unknown symbols fall back to a conservative default rather than failing:
// 3 quantity decimals keeps sizes small, the 5-unit floor matches the
// exchange's most common minimum.
var defaultPrecision = Precision{QuantityDecimals: 3, PriceDecimals: 2, MinNotional: 5}

// Built-in table for the majors, keyed by wire symbol. Refresh overrides
// these with exchange-published filters when available.
var builtinPrecision = map[string]Precision{
	"BTCUSDT":  {QuantityDecimals: 3, PriceDecimals: 1, MinNotional: 100},
	"ETHUSDT":  {QuantityDecimals: 3, PriceDecimals: 2, MinNotional: 20},
	"BNBUSDT":  {QuantityDecimals: 2, PriceDecimals: 2, MinNotional: 5},
	"SOLUSDT":  {QuantityDecimals: 0, PriceDecimals: 3, MinNotional: 5},
	"XRPUSDT":  {QuantityDecimals: 1, PriceDecimals: 4, MinNotional: 5},
	"ADAUSDT":  {QuantityDecimals: 0, PriceDecimals: 4, MinNotional: 5},
	"DOGEUSDT": {QuantityDecimals: 0, PriceDecimals: 5, MinNotional: 5},
}

// Policy answers precision questions for the executor and the protection
// manager. Safe for concurrent use.
type Policy struct {
	mu    sync.RWMutex
	table map[string]Precision
}

func NewPolicy() *Policy {
	table := make(map[string]Precision, len(builtinPrecision))
	for k, v := range builtinPrecision {
		table[k] = v
	}
	return &Policy{table: table}
}

// Refresh replaces the table entries with the exchange-published filters.
// Symbols absent from the response keep their built-in rules.
func (p *Policy) Refresh(filters []exchange.SymbolFilter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range filters {
		prec := Precision{
			QuantityDecimals: f.QuantityPrecision,
			PriceDecimals:    f.PricePrecision,
			MinNotional:      f.MinNotional,
		}
		if prec.MinNotional <= 0 {
			prec.MinNotional = defaultPrecision.MinNotional
		}
		p.table[f.Symbol] = prec
	}
}

// Lookup returns the symbol's rules, falling back to the conservative
// default for unknown symbols.
func (p *Policy) Lookup(symbol string) Precision {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if prec, ok := p.table[exchange.WireSymbol(symbol)]; ok {
		return prec
	}
	return defaultPrecision
}

// RoundQuantity truncates the amount toward zero at the symbol's decimal
// count. It never rounds up: exceeding the requested risk is worse than
// trading slightly under it.
func (p *Policy) RoundQuantity(symbol string, amount float64) float64 {
	prec := p.Lookup(symbol)
	rounded, _ := decimal.NewFromFloat(amount).Truncate(int32(prec.QuantityDecimals)).Float64()
	return rounded
}

// RoundPrice truncates a price at the symbol's price decimal count.
func (p *Policy) RoundPrice(symbol string, price float64) float64 {
	prec := p.Lookup(symbol)
	rounded, _ := decimal.NewFromFloat(price).Truncate(int32(prec.PriceDecimals)).Float64()
	return rounded
}

// FormatQuantity renders a quantity as the exact string sent on the wire.
func (p *Policy) FormatQuantity(symbol string, amount float64) string {
	prec := p.Lookup(symbol)
	return decimal.NewFromFloat(amount).Truncate(int32(prec.QuantityDecimals)).StringFixed(int32(prec.QuantityDecimals))
}

// FormatPrice renders a price as the exact string sent on the wire.
func (p *Policy) FormatPrice(symbol string, price float64) string {
	prec := p.Lookup(symbol)
	return decimal.NewFromFloat(price).Truncate(int32(prec.PriceDecimals)).StringFixed(int32(prec.PriceDecimals))
}

// QuantityStep returns the smallest tradable quantity increment.
func (p *Policy) QuantityStep(symbol string) float64 {
	prec := p.Lookup(symbol)
	return math.Pow(10, -float64(prec.QuantityDecimals))
}

// CheckMinNotional rejects orders below the minimum tradable value when a
// price is known. Market orders without a price skip the check and rely on
// exchange-side rejection.
func (p *Policy) CheckMinNotional(symbol string, qty, price float64) error {
	if price <= 0 {
		return nil
	}
	prec := p.Lookup(symbol)
	if qty*price < prec.MinNotional {
		return exchange.NewValidationError(
			"order notional %.4f below minimum %.4f for %s", qty*price, prec.MinNotional, symbol)
	}
	return nil
}
