package strategy

import (
	"github.com/helmsbot/helmsbot/model"
	"github.com/helmsbot/helmsbot/tools/log"
)

// Controller feeds candles into one strategy instance and forwards its
// proposals to the emit callback. It owns the dataframe; the strategy only
// ever sees a warmup-sized sample of it.
type Controller struct {
	strategy  Strategy
	dataframe *model.Dataframe
	emit      func(model.Signal)
	started   bool
}

// NewController creates a controller for one (strategy, symbol) pairing.
func NewController(symbol string, strategy Strategy, emit func(model.Signal)) *Controller {
	dataframe := &model.Dataframe{
		Pair:     symbol,
		Metadata: make(map[string]model.Series[float64]),
	}

	return &Controller{
		dataframe: dataframe,
		strategy:  strategy,
		emit:      emit,
	}
}

// Start enables signal emission. Candles received before Start still warm
// up the dataframe.
func (c *Controller) Start() {
	c.started = true
}

// Stop disables signal emission.
func (c *Controller) Stop() {
	c.started = false
}

// WarmedUp reports whether the frame holds at least the warmup period.
func (c *Controller) WarmedUp() bool {
	return len(c.dataframe.Close) >= c.strategy.WarmupPeriod()
}

// Preload seeds the dataframe from historical bars without emitting.
// Replayable strategies additionally run OnCandle over the warmed part of
// the history so their in-memory state matches a run that never stopped.
func (c *Controller) Preload(candles []model.Candle) {
	replay := false
	if r, ok := c.strategy.(Replayable); ok {
		replay = r.ReplayOnPreload()
	}
	for _, candle := range candles {
		c.updateDataFrame(candle)
		if !replay || !c.WarmedUp() {
			continue
		}
		sample := c.dataframe.Sample(c.strategy.WarmupPeriod())
		c.strategy.Indicators(&sample)
		c.strategy.OnCandle(&sample)
	}
}

// OnCandle ingests one closed bar and runs the strategy once. Late bars
// are dropped: the frame only ever moves forward in time.
func (c *Controller) OnCandle(candle model.Candle) {
	if len(c.dataframe.Time) > 0 && candle.Time.Before(c.dataframe.Time[len(c.dataframe.Time)-1]) {
		log.Errorf("strategy: late candle received: %#v", candle)
		return
	}

	c.updateDataFrame(candle)

	if !c.WarmedUp() {
		return
	}

	sample := c.dataframe.Sample(c.strategy.WarmupPeriod())
	c.strategy.Indicators(&sample)
	if !c.started {
		return
	}
	if signal := c.strategy.OnCandle(&sample); signal != nil {
		c.emit(*signal)
	}
}

func (c *Controller) updateDataFrame(candle model.Candle) {
	if len(c.dataframe.Time) > 0 && candle.Time.Equal(c.dataframe.Time[len(c.dataframe.Time)-1]) {
		last := len(c.dataframe.Time) - 1
		c.dataframe.Close[last] = candle.Close
		c.dataframe.Open[last] = candle.Open
		c.dataframe.High[last] = candle.High
		c.dataframe.Low[last] = candle.Low
		c.dataframe.Volume[last] = candle.Volume
		c.dataframe.Time[last] = candle.Time
	} else {
		c.dataframe.Close = append(c.dataframe.Close, candle.Close)
		c.dataframe.Open = append(c.dataframe.Open, candle.Open)
		c.dataframe.High = append(c.dataframe.High, candle.High)
		c.dataframe.Low = append(c.dataframe.Low, candle.Low)
		c.dataframe.Volume = append(c.dataframe.Volume, candle.Volume)
		c.dataframe.Time = append(c.dataframe.Time, candle.Time)
		c.dataframe.LastUpdate = candle.Time
	}
}
