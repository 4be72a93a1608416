package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsbot/helmsbot/model"
)

func feedHourly(c *Controller, base time.Time, closes []float64) {
	for i, price := range closes {
		c.OnCandle(candle(base.Add(time.Duration(i)*time.Hour), price))
	}
}

func TestTrendBuysOnLineFlip(t *testing.T) {
	s := NewTrend(3, "binance", "BTC/USDT")
	var signals []model.Signal
	c := NewController("BTC/USDT", s, func(sig model.Signal) { signals = append(signals, sig) })
	c.Start()

	// A quiet stretch keeps the line glued to price; the first strong bar
	// pushes the close through the ratcheted upper band.
	closes := make([]float64, 0, 45)
	for i := 0; i < 35; i++ {
		closes = append(closes, 100)
	}
	for i := 0; i < 10; i++ {
		closes = append(closes, 100+float64(i+1)*5)
	}
	feedHourly(c, time.Now().Truncate(time.Hour), closes)

	require.NotEmpty(t, signals)
	first := signals[0]
	assert.Equal(t, model.SideTypeBuy, first.Side)
	assert.Equal(t, int64(3), first.StrategyID)
	assert.Positive(t, first.SignalPrice)
	assert.Less(t, first.StopLossPrice, first.SignalPrice)
	assert.GreaterOrEqual(t, first.Confidence, 0.5)
	assert.LessOrEqual(t, first.Confidence, 1.0)
	assert.Positive(t, first.Params["supertrend"])
}

func TestTrendSellsWhenPriceFallsThroughLine(t *testing.T) {
	s := NewTrend(3, "binance", "BTC/USDT")
	var signals []model.Signal
	c := NewController("BTC/USDT", s, func(sig model.Signal) { signals = append(signals, sig) })
	c.Start()

	closes := make([]float64, 0, 50)
	for i := 0; i < 35; i++ {
		closes = append(closes, 100)
	}
	for i := 0; i < 10; i++ {
		closes = append(closes, 100+float64(i+1)*5)
	}
	// A crash back through the trailed line flips the trend down.
	closes = append(closes, 135, 120, 105)
	feedHourly(c, time.Now().Truncate(time.Hour), closes)

	require.GreaterOrEqual(t, len(signals), 2)
	assert.Equal(t, model.SideTypeBuy, signals[0].Side)

	exit := signals[len(signals)-1]
	assert.Equal(t, model.SideTypeSell, exit.Side)
	assert.Positive(t, exit.Params["supertrend"])
}

func TestTrendSubscriptions(t *testing.T) {
	s := NewTrend(3, "binance", "BTC/USDT")
	assert.Equal(t, []string{"market_data.binance.btcusdt"}, s.Subscriptions())
	assert.Equal(t, "1h", s.Timeframe())
	assert.Equal(t, 30, s.WarmupPeriod())
}
