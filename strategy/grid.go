package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/helmsbot/helmsbot/bus"
	"github.com/helmsbot/helmsbot/model"
	"github.com/helmsbot/helmsbot/tools/log"
)

// GridStore persists grid rungs so a restart recovers the exact layout.
type GridStore interface {
	SaveGridOrder(order *model.GridOrder) error
	GridOrders(strategyID int64) ([]*model.GridOrder, error)
}

// Grid places a ladder of buy rungs below and sell rungs above an anchor
// price. A buy rung fires when price falls through it; the matching sell
// rung one level up re-arms the buy once it fires. Rung state lives in the
// store, not in the strategy, so stop/start cycles are safe.
type Grid struct {
	ID         int64
	Symbol     string
	Exchange   string
	Levels     int
	SpacingPct float64
	Quantity   float64

	store GridStore
	rungs []*model.GridOrder
}

// NewGrid creates a grid strategy with its rung store.
func NewGrid(id int64, exchange, symbol string, levels int, spacingPct, quantity float64, store GridStore) *Grid {
	return &Grid{
		ID:         id,
		Symbol:     symbol,
		Exchange:   exchange,
		Levels:     levels,
		SpacingPct: spacingPct,
		Quantity:   quantity,
		store:      store,
	}
}

func (g *Grid) Timeframe() string {
	return "15m"
}

func (g *Grid) WarmupPeriod() int {
	return 1
}

func (g *Grid) Subscriptions() []string {
	return []string{bus.TopicMarketData(g.Exchange, g.Symbol)}
}

// OnStart recovers persisted rungs. An empty store means the grid is built
// around the first observed close.
func (g *Grid) OnStart() error {
	rungs, err := g.store.GridOrders(g.ID)
	if err != nil {
		return err
	}
	g.rungs = rungs
	if len(rungs) > 0 {
		log.WithFields(log.Fields{
			"strategy": g.ID,
			"rungs":    len(rungs),
		}).Info("strategy: grid layout recovered")
	}
	return nil
}

func (g *Grid) OnStop() error {
	g.rungs = nil
	return nil
}

func (g *Grid) Indicators(_ *model.Dataframe) {}

func (g *Grid) OnCandle(df *model.Dataframe) *model.Signal {
	if df.Close.Length() == 0 {
		return nil
	}
	price := df.Close.Last(0)

	if len(g.rungs) == 0 {
		g.build(price)
		return nil
	}

	for _, rung := range g.rungs {
		rungPrice, _ := rung.Price.Float64()
		quantity, _ := rung.Quantity.Float64()

		switch {
		case rung.Side == model.SideTypeBuy && !rung.Filled && price <= rungPrice:
			g.mark(rung, true)
			return g.signal(model.SideTypeBuy, price, quantity)

		case rung.Side == model.SideTypeSell && !rung.Filled && price >= rungPrice && g.holdsInventory():
			g.mark(rung, true)
			g.rearm(rung.Level)
			return g.signal(model.SideTypeSell, price, quantity)
		}
	}
	return nil
}

// build lays out Levels buy rungs below and Levels sell rungs above price.
func (g *Grid) build(price float64) {
	for level := 1; level <= g.Levels; level++ {
		offset := price * g.SpacingPct / 100 * float64(level)
		buy := &model.GridOrder{
			StrategyID: g.ID,
			Level:      level,
			Side:       model.SideTypeBuy,
			Price:      decimal.NewFromFloat(price - offset),
			Quantity:   decimal.NewFromFloat(g.Quantity),
		}
		sell := &model.GridOrder{
			StrategyID: g.ID,
			Level:      level,
			Side:       model.SideTypeSell,
			Price:      decimal.NewFromFloat(price + offset),
			Quantity:   decimal.NewFromFloat(g.Quantity),
		}
		g.persist(buy)
		g.persist(sell)
		g.rungs = append(g.rungs, buy, sell)
	}
	log.WithFields(log.Fields{
		"strategy": g.ID,
		"anchor":   price,
		"levels":   g.Levels,
	}).Info("strategy: grid built")
}

func (g *Grid) holdsInventory() bool {
	for _, rung := range g.rungs {
		if rung.Side == model.SideTypeBuy && rung.Filled {
			return true
		}
	}
	return false
}

// rearm resets the buy rung at the given level so the grid keeps cycling.
func (g *Grid) rearm(level int) {
	for _, rung := range g.rungs {
		if rung.Side == model.SideTypeBuy && rung.Level == level && rung.Filled {
			g.mark(rung, false)
			return
		}
	}
}

func (g *Grid) mark(rung *model.GridOrder, filled bool) {
	rung.Filled = filled
	g.persist(rung)
}

func (g *Grid) persist(rung *model.GridOrder) {
	if err := g.store.SaveGridOrder(rung); err != nil {
		log.Errorf("strategy: cannot persist grid rung: %v", err)
	}
}

func (g *Grid) signal(side model.SideType, price, quantity float64) *model.Signal {
	return &model.Signal{
		StrategyID:  g.ID,
		Symbol:      g.Symbol,
		Side:        side,
		SignalPrice: price,
		Quantity:    quantity,
		Confidence:  0.6,
		Params: map[string]float64{
			"grid_spacing_pct": g.SpacingPct,
		},
	}
}
