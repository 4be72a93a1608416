package strategy

import (
	"math"

	"github.com/helmsbot/helmsbot/bus"
	"github.com/helmsbot/helmsbot/indicator"
	"github.com/helmsbot/helmsbot/model"
	"github.com/helmsbot/helmsbot/tools"
)

// CrossEMA trades the classic golden/death cross: a fast EMA crossing a
// slow SMA. Buy on the cross up, sell on the cross down or when the
// trailing stop armed at entry fires.
type CrossEMA struct {
	ID          int64
	Symbol      string
	Exchange    string
	FastPeriod  int
	SlowPeriod  int
	StopLossPct float64

	trailing *tools.TrailingStop
}

// NewCrossEMA creates the strategy with the stock 8/21 periods.
func NewCrossEMA(id int64, exchange, symbol string) *CrossEMA {
	return &CrossEMA{
		ID:          id,
		Symbol:      symbol,
		Exchange:    exchange,
		FastPeriod:  8,
		SlowPeriod:  21,
		StopLossPct: 2.0,
		trailing:    tools.NewTrailingStop(),
	}
}

func (e *CrossEMA) Timeframe() string {
	return "4h"
}

func (e *CrossEMA) WarmupPeriod() int {
	return e.SlowPeriod + 1
}

// ReplayOnPreload rebuilds the trailing stop from history after a stop and
// start. An entry older than the replayed window cannot re-arm it.
func (e *CrossEMA) ReplayOnPreload() bool {
	return true
}

func (e *CrossEMA) Subscriptions() []string {
	return []string{bus.TopicMarketData(e.Exchange, e.Symbol)}
}

func (e *CrossEMA) Indicators(df *model.Dataframe) {
	df.Metadata["ema_fast"] = indicator.EMA(df.Close, e.FastPeriod)
	df.Metadata["sma_slow"] = indicator.SMA(df.Close, e.SlowPeriod)
}

func (e *CrossEMA) OnCandle(df *model.Dataframe) *model.Signal {
	if df.Close.Length() == 0 {
		return nil
	}

	closePrice := df.Close.Last(0)
	fast := df.Metadata["ema_fast"]
	slow := df.Metadata["sma_slow"]

	if fast.Crossover(slow) {
		stop := closePrice * (1 - e.StopLossPct/100)
		e.trailing.Start(closePrice, stop)
		return &model.Signal{
			StrategyID:    e.ID,
			Symbol:        e.Symbol,
			Side:          model.SideTypeBuy,
			SignalPrice:   closePrice,
			StopLossPrice: stop,
			Confidence:    e.confidence(fast.Last(0), slow.Last(0)),
			Params: map[string]float64{
				"ema_fast": fast.Last(0),
				"sma_slow": slow.Last(0),
			},
		}
	}

	// The stop ratchets up with price; a fall back through it exits
	// before the averages cross back.
	if e.trailing.Update(closePrice) {
		e.trailing.Stop()
		return &model.Signal{
			StrategyID:  e.ID,
			Symbol:      e.Symbol,
			Side:        model.SideTypeSell,
			SignalPrice: closePrice,
			Confidence:  1.0,
			Params: map[string]float64{
				"trailing_stop": 1,
			},
		}
	}

	if fast.Crossunder(slow) {
		e.trailing.Stop()
		return &model.Signal{
			StrategyID:  e.ID,
			Symbol:      e.Symbol,
			Side:        model.SideTypeSell,
			SignalPrice: closePrice,
			Confidence:  e.confidence(fast.Last(0), slow.Last(0)),
			Params: map[string]float64{
				"ema_fast": fast.Last(0),
				"sma_slow": slow.Last(0),
			},
		}
	}

	return nil
}

// confidence grows with the separation between the averages, capped at 1.
func (e *CrossEMA) confidence(fast, slow float64) float64 {
	if slow == 0 {
		return 0.5
	}
	spread := math.Abs(fast-slow) / slow * 100
	return math.Min(0.5+spread/10, 1.0)
}
