package exchange

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeCSV emits hourly bars starting at a bucket-aligned timestamp.
func writeCSV(t *testing.T, rows int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "btc.csv")
	file, err := os.Create(path)
	require.NoError(t, err)
	defer file.Close()

	_, err = file.WriteString("time,open,close,low,high,volume\n")
	require.NoError(t, err)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < rows; i++ {
		ts := start.Add(time.Duration(i) * time.Hour).Unix()
		price := 100 + float64(i)
		_, err = file.WriteString(fmt.Sprintf("%d,%.1f,%.1f,%.1f,%.1f,%.1f\n",
			ts, price, price+1, price-1, price+2, 10.0))
		require.NoError(t, err)
	}
	return path
}

func TestCSVFeedLoadsAndServes(t *testing.T) {
	path := writeCSV(t, 8)

	feed, err := NewCSVFeed("1h", PairFeed{Pair: "BTC/USDT", File: path, Timeframe: "1h"})
	require.NoError(t, err)

	candles, err := feed.CandlesByLimit(context.Background(), "BTC/USDT", "1h", 4)
	require.NoError(t, err)
	require.Len(t, candles, 4)
	assert.Equal(t, 100.0, candles[0].Open)
	assert.True(t, candles[0].Complete)

	// The warmup read consumed the head of the series.
	remaining, cerr := feed.CandlesSubscription(context.Background(), "BTC/USDT", "1h")
	count := 0
	for range remaining {
		count++
	}
	assert.Equal(t, 4, count)
	_, open := <-cerr
	assert.False(t, open)
}

func TestCSVFeedResamplesToLargerTimeframe(t *testing.T) {
	path := writeCSV(t, 8)

	feed, err := NewCSVFeed("4h", PairFeed{Pair: "BTC/USDT", File: path, Timeframe: "1h"})
	require.NoError(t, err)

	candles, err := feed.CandlesByLimit(context.Background(), "BTC/USDT", "4h", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)

	first := candles[0]
	assert.Equal(t, 100.0, first.Open)  // open of hour 0
	assert.Equal(t, 104.0, first.Close) // close of hour 3
	assert.Equal(t, 105.0, first.High)  // high of hour 3
	assert.Equal(t, 99.0, first.Low)    // low of hour 0
	assert.Equal(t, 40.0, first.Volume)
}

func TestCSVFeedInsufficientData(t *testing.T) {
	path := writeCSV(t, 2)

	feed, err := NewCSVFeed("1h", PairFeed{Pair: "BTC/USDT", File: path, Timeframe: "1h"})
	require.NoError(t, err)

	_, err = feed.CandlesByLimit(context.Background(), "BTC/USDT", "1h", 10)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestCSVFeedLastQuote(t *testing.T) {
	path := writeCSV(t, 5)

	feed, err := NewCSVFeed("1h", PairFeed{Pair: "BTC/USDT", File: path, Timeframe: "1h"})
	require.NoError(t, err)

	quote, err := feed.LastQuote(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, 105.0, quote)

	_, err = feed.LastQuote(context.Background(), "ETH/USDT")
	assert.Error(t, err)
}
