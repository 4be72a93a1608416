package exchange

import "strings"

// SplitAssetQuote splits a canonical BASE/QUOTE symbol into its assets.
func SplitAssetQuote(symbol string) (asset string, quote string) {
	parts := strings.SplitN(symbol, "/", 2)
	if len(parts) != 2 {
		return symbol, ""
	}
	return parts[0], parts[1]
}

// FormatSymbol converts the canonical form to the exchange wire form,
// BTC/USDT -> BTCUSDT.
func FormatSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}
