package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitAssetQuote(t *testing.T) {
	asset, quote := SplitAssetQuote("BTC/USDT")
	assert.Equal(t, "BTC", asset)
	assert.Equal(t, "USDT", quote)

	asset, quote = SplitAssetQuote("BTCUSDT")
	assert.Equal(t, "BTCUSDT", asset)
	assert.Empty(t, quote)
}

func TestFormatSymbol(t *testing.T) {
	assert.Equal(t, "BTCUSDT", FormatSymbol("BTC/USDT"))
	assert.Equal(t, "ETHBTC", FormatSymbol("ETH/BTC"))
}
