package exchange

import "strings"

// WireSymbol converts a display symbol (BTC/USDT) to the wire format Binance
// expects (BTCUSDT). Symbols already in wire format pass through unchanged.
func WireSymbol(sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	sym = strings.ReplaceAll(sym, "/", "")
	return strings.ReplaceAll(sym, "-", "")
}

// DisplaySymbol converts a wire symbol back to the slash-separated display
// form used across the engine's public interface. Only the common quote
// assets are recognised; anything else is returned as-is.
func DisplaySymbol(sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	if strings.Contains(sym, "/") {
		return sym
	}
	for _, quote := range []string{"USDT", "USDC", "BUSD", "BTC", "ETH"} {
		if strings.HasSuffix(sym, quote) && len(sym) > len(quote) {
			return sym[:len(sym)-len(quote)] + "/" + quote
		}
	}
	return sym
}
