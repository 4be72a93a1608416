package strategy

import (
	"math"

	"github.com/helmsbot/helmsbot/bus"
	"github.com/helmsbot/helmsbot/indicator"
	"github.com/helmsbot/helmsbot/model"
)

// Trend follows the SuperTrend line: buy when price flips the line below
// itself, sell when price falls back through it. The line rides a multiple
// of ATR, so stops widen in volatile regimes and tighten in quiet ones.
type Trend struct {
	ID        int64
	Symbol    string
	Exchange  string
	AtrPeriod int
	Factor    float64
}

// NewTrend creates the strategy with the stock 10-period ATR and factor 3.
func NewTrend(id int64, exchange, symbol string) *Trend {
	return &Trend{
		ID:        id,
		Symbol:    symbol,
		Exchange:  exchange,
		AtrPeriod: 10,
		Factor:    3.0,
	}
}

func (t *Trend) Timeframe() string {
	return "1h"
}

func (t *Trend) WarmupPeriod() int {
	return t.AtrPeriod * 3
}

func (t *Trend) Subscriptions() []string {
	return []string{bus.TopicMarketData(t.Exchange, t.Symbol)}
}

func (t *Trend) Indicators(df *model.Dataframe) {
	df.Metadata["supertrend"] = indicator.SuperTrend(df.High, df.Low, df.Close, t.AtrPeriod, t.Factor)
}

func (t *Trend) OnCandle(df *model.Dataframe) *model.Signal {
	if df.Close.Length() < 2 {
		return nil
	}

	closePrice := df.Close.Last(0)
	line := df.Metadata["supertrend"]

	if df.Close.Crossover(line) {
		return &model.Signal{
			StrategyID:    t.ID,
			Symbol:        t.Symbol,
			Side:          model.SideTypeBuy,
			SignalPrice:   closePrice,
			StopLossPrice: line.Last(0),
			Confidence:    t.confidence(closePrice, line.Last(0)),
			Params: map[string]float64{
				"supertrend": line.Last(0),
			},
		}
	}

	if df.Close.Crossunder(line) {
		return &model.Signal{
			StrategyID:  t.ID,
			Symbol:      t.Symbol,
			Side:        model.SideTypeSell,
			SignalPrice: closePrice,
			Confidence:  t.confidence(closePrice, line.Last(0)),
			Params: map[string]float64{
				"supertrend": line.Last(0),
			},
		}
	}

	return nil
}

// confidence grows with the distance between price and the line, capped at 1.
func (t *Trend) confidence(price, line float64) float64 {
	if price == 0 {
		return 0.5
	}
	spread := math.Abs(price-line) / price * 100
	return math.Min(0.5+spread/10, 1.0)
}
