package exchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsbot/helmsbot/model"
)

func candleAt(close float64) model.Candle {
	return model.Candle{
		Pair:     "BTC/USDT",
		Time:     time.Now(),
		Open:     close,
		High:     close,
		Low:      close,
		Close:    close,
		Volume:   1,
		Complete: true,
	}
}

func TestCacheMissThenHit(t *testing.T) {
	cache, err := NewPriceCache()
	require.NoError(t, err)
	defer cache.Close()

	_, ok := cache.Candles("BTC/USDT", "1h", 10)
	assert.False(t, ok)

	cache.PutREST("BTC/USDT", "1h", 10, []model.Candle{candleAt(50000)})

	candles, ok := cache.Candles("BTC/USDT", "1h", 10)
	require.True(t, ok)
	require.Len(t, candles, 1)
	assert.Equal(t, 50000.0, candles[0].Close)

	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestCacheWSOverridesREST(t *testing.T) {
	cache, err := NewPriceCache()
	require.NoError(t, err)
	defer cache.Close()

	cache.PutREST("BTC/USDT", "1h", 10, []model.Candle{candleAt(50000)})
	cache.PutWS("BTC/USDT", "1h", 10, []model.Candle{candleAt(50100)})

	// A later REST write must not clobber the live entry.
	cache.PutREST("BTC/USDT", "1h", 10, []model.Candle{candleAt(49000)})

	candles, ok := cache.Candles("BTC/USDT", "1h", 10)
	require.True(t, ok)
	assert.Equal(t, 50100.0, candles[0].Close)
}

func TestCacheKeysAreIndependent(t *testing.T) {
	cache, err := NewPriceCache()
	require.NoError(t, err)
	defer cache.Close()

	cache.PutREST("BTC/USDT", "1h", 10, []model.Candle{candleAt(50000)})

	_, ok := cache.Candles("BTC/USDT", "1h", 20)
	assert.False(t, ok)
	_, ok = cache.Candles("ETH/USDT", "1h", 10)
	assert.False(t, ok)
}

func TestCacheQuoteTTLExpires(t *testing.T) {
	cache, err := NewPriceCache()
	require.NoError(t, err)
	defer cache.Close()

	cache.PutWS("BTC/USDT", "1m", 1, []model.Candle{candleAt(50000)})

	_, ok := cache.Candles("BTC/USDT", "1m", 1)
	require.True(t, ok)

	time.Sleep(quoteTTL + 100*time.Millisecond)

	_, ok = cache.Candles("BTC/USDT", "1m", 1)
	assert.False(t, ok)
}
