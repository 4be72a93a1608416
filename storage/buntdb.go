package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/tidwall/buntdb"

	"github.com/helmsbot/helmsbot/model"
)

// Bunt is a buntdb-backed Storage. Records are JSON values under typed key
// prefixes, so a prefix scan yields one entity table.
type Bunt struct {
	lastID int64
	db     *buntdb.DB
}

// FromMemory creates a throwaway in-memory store.
func FromMemory() (Storage, error) {
	return newBunt(":memory:")
}

// FromFile creates a file-backed store.
func FromFile(file string) (Storage, error) {
	return newBunt(file)
}

func newBunt(sourceFile string) (Storage, error) {
	db, err := buntdb.Open(sourceFile)
	if err != nil {
		return nil, err
	}
	return &Bunt{db: db}, nil
}

func (b *Bunt) nextID() int64 {
	return atomic.AddInt64(&b.lastID, 1)
}

func key(prefix string, id int64) string {
	return fmt.Sprintf("%s:%020d", prefix, id)
}

func (b *Bunt) put(prefix string, id int64, v interface{}) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		content, err := json.Marshal(v)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(key(prefix, id), string(content), nil)
		return err
	})
}

func (b *Bunt) scan(prefix string, fn func(value string)) error {
	return b.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+":*", func(_, value string) bool {
			fn(value)
			return true
		})
	})
}

func (b *Bunt) CreatePortfolio(portfolio *model.Portfolio) error {
	portfolio.ID = b.nextID()
	return b.put("portfolio", portfolio.ID, portfolio)
}

func (b *Bunt) UpdatePortfolio(portfolio *model.Portfolio) error {
	return b.put("portfolio", portfolio.ID, portfolio)
}

func (b *Bunt) Portfolio(id int64) (*model.Portfolio, error) {
	var portfolio model.Portfolio
	err := b.db.View(func(tx *buntdb.Tx) error {
		value, err := tx.Get(key("portfolio", id))
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(value), &portfolio)
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &portfolio, nil
}

func (b *Bunt) ActivePortfolio() (*model.Portfolio, error) {
	var found *model.Portfolio
	err := b.scan("portfolio", func(value string) {
		var portfolio model.Portfolio
		if json.Unmarshal([]byte(value), &portfolio) == nil && portfolio.Active && found == nil {
			found = &portfolio
		}
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (b *Bunt) CreateRule(rule *model.PortfolioRule) error {
	rule.ID = b.nextID()
	return b.put("rule", rule.ID, rule)
}

func (b *Bunt) Rules(portfolioID int64) ([]*model.PortfolioRule, error) {
	rules := make([]*model.PortfolioRule, 0)
	err := b.scan("rule", func(value string) {
		var rule model.PortfolioRule
		if json.Unmarshal([]byte(value), &rule) == nil &&
			rule.PortfolioID == portfolioID && rule.Active {
			rules = append(rules, &rule)
		}
	})
	return rules, err
}

func (b *Bunt) CreateStrategyConfig(config *model.StrategyConfig) error {
	config.ID = b.nextID()
	return b.put("config", config.ID, config)
}

func (b *Bunt) UpdateStrategyConfig(config *model.StrategyConfig) error {
	return b.put("config", config.ID, config)
}

func (b *Bunt) StrategyConfig(id int64) (*model.StrategyConfig, error) {
	var config model.StrategyConfig
	err := b.db.View(func(tx *buntdb.Tx) error {
		value, err := tx.Get(key("config", id))
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(value), &config)
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &config, nil
}

func (b *Bunt) StrategyConfigs(filters ...ConfigFilter) ([]*model.StrategyConfig, error) {
	configs := make([]*model.StrategyConfig, 0)
	err := b.scan("config", func(value string) {
		var config model.StrategyConfig
		if json.Unmarshal([]byte(value), &config) != nil {
			return
		}
		for _, filter := range filters {
			if !filter(config) {
				return
			}
		}
		configs = append(configs, &config)
	})
	return configs, err
}

func (b *Bunt) CreateTrade(trade *model.Trade) error {
	trade.ID = b.nextID()
	return b.put("trade", trade.ID, trade)
}

func (b *Bunt) UpdateTrade(trade *model.Trade) error {
	return b.put("trade", trade.ID, trade)
}

func (b *Bunt) Trades(filters ...TradeFilter) ([]*model.Trade, error) {
	trades := make([]*model.Trade, 0)
	err := b.scan("trade", func(value string) {
		var trade model.Trade
		if json.Unmarshal([]byte(value), &trade) != nil {
			return
		}
		for _, filter := range filters {
			if !filter(trade) {
				return
			}
		}
		trades = append(trades, &trade)
	})
	return trades, err
}

func (b *Bunt) CreatePosition(position *model.Position) error {
	position.ID = b.nextID()
	return b.put("position", position.ID, position)
}

func (b *Bunt) UpdatePosition(position *model.Position) error {
	return b.put("position", position.ID, position)
}

func (b *Bunt) Positions(filters ...PositionFilter) ([]*model.Position, error) {
	positions := make([]*model.Position, 0)
	err := b.scan("position", func(value string) {
		var position model.Position
		if json.Unmarshal([]byte(value), &position) != nil {
			return
		}
		for _, filter := range filters {
			if !filter(position) {
				return
			}
		}
		positions = append(positions, &position)
	})
	return positions, err
}

func (b *Bunt) SaveGridOrder(order *model.GridOrder) error {
	if order.ID == 0 {
		existing, err := b.GridOrders(order.StrategyID)
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e.Level == order.Level && e.Side == order.Side {
				order.ID = e.ID
				break
			}
		}
		if order.ID == 0 {
			order.ID = b.nextID()
		}
	}
	return b.put("grid", order.ID, order)
}

func (b *Bunt) GridOrders(strategyID int64) ([]*model.GridOrder, error) {
	orders := make([]*model.GridOrder, 0)
	err := b.scan("grid", func(value string) {
		var order model.GridOrder
		if json.Unmarshal([]byte(value), &order) == nil && order.StrategyID == strategyID {
			orders = append(orders, &order)
		}
	})
	return orders, err
}

func (b *Bunt) CreateMetric(metric *model.PerformanceMetric) error {
	metric.ID = b.nextID()
	return b.put("metric", metric.ID, metric)
}

func (b *Bunt) Metrics(filters ...MetricFilter) ([]*model.PerformanceMetric, error) {
	metrics := make([]*model.PerformanceMetric, 0)
	err := b.scan("metric", func(value string) {
		var metric model.PerformanceMetric
		if json.Unmarshal([]byte(value), &metric) != nil {
			return
		}
		for _, filter := range filters {
			if !filter(metric) {
				return
			}
		}
		metrics = append(metrics, &metric)
	})
	return metrics, err
}

func (b *Bunt) CreateSystemLog(entry *model.SystemLog) error {
	entry.ID = b.nextID()
	return b.put("syslog", entry.ID, entry)
}
