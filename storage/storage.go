// Package storage persists the trading state: portfolios and their risk
// rules, strategy configurations, trades, positions, grid levels, metrics
// and system logs. The SQL backend is the system of record; the in-memory
// backend serves tests.
package storage

import (
	"errors"
	"time"

	"github.com/helmsbot/helmsbot/model"
)

// ErrNotFound is returned when a lookup by ID matches nothing.
var ErrNotFound = errors.New("storage: record not found")

type TradeFilter func(model.Trade) bool

type PositionFilter func(model.Position) bool

type ConfigFilter func(model.StrategyConfig) bool

type MetricFilter func(model.PerformanceMetric) bool

// Storage is the persistence contract shared by every component.
type Storage interface {
	CreatePortfolio(portfolio *model.Portfolio) error
	UpdatePortfolio(portfolio *model.Portfolio) error
	Portfolio(id int64) (*model.Portfolio, error)
	ActivePortfolio() (*model.Portfolio, error)

	CreateRule(rule *model.PortfolioRule) error
	Rules(portfolioID int64) ([]*model.PortfolioRule, error)

	CreateStrategyConfig(config *model.StrategyConfig) error
	UpdateStrategyConfig(config *model.StrategyConfig) error
	StrategyConfig(id int64) (*model.StrategyConfig, error)
	StrategyConfigs(filters ...ConfigFilter) ([]*model.StrategyConfig, error)

	CreateTrade(trade *model.Trade) error
	UpdateTrade(trade *model.Trade) error
	Trades(filters ...TradeFilter) ([]*model.Trade, error)

	CreatePosition(position *model.Position) error
	UpdatePosition(position *model.Position) error
	Positions(filters ...PositionFilter) ([]*model.Position, error)

	SaveGridOrder(order *model.GridOrder) error
	GridOrders(strategyID int64) ([]*model.GridOrder, error)

	CreateMetric(metric *model.PerformanceMetric) error
	Metrics(filters ...MetricFilter) ([]*model.PerformanceMetric, error)

	CreateSystemLog(entry *model.SystemLog) error
}

// WithTradeStatusIn keeps trades whose status is any of the given statuses.
func WithTradeStatusIn(status ...model.OrderStatusType) TradeFilter {
	return func(trade model.Trade) bool {
		for _, s := range status {
			if s == trade.Status {
				return true
			}
		}
		return false
	}
}

// WithTradeSymbol keeps trades for one symbol.
func WithTradeSymbol(symbol string) TradeFilter {
	return func(trade model.Trade) bool {
		return trade.Symbol == symbol
	}
}

// WithTradeStrategy keeps trades issued by one strategy.
func WithTradeStrategy(strategyID int64) TradeFilter {
	return func(trade model.Trade) bool {
		return trade.StrategyID == strategyID
	}
}

// WithTradeSince keeps trades created at or after t.
func WithTradeSince(t time.Time) TradeFilter {
	return func(trade model.Trade) bool {
		return !trade.CreatedAt.Before(t)
	}
}

// WithExchangeOrderID keeps the trade matching one exchange order ID.
func WithExchangeOrderID(id string) TradeFilter {
	return func(trade model.Trade) bool {
		return trade.ExchangeOrderID == id
	}
}

// WithOpenPositions keeps positions that are still open.
func WithOpenPositions() PositionFilter {
	return func(position model.Position) bool {
		return position.Open
	}
}

// WithPositionStrategy keeps positions owned by one strategy.
func WithPositionStrategy(strategyID int64) PositionFilter {
	return func(position model.Position) bool {
		return position.StrategyID == strategyID
	}
}

// WithPositionSymbol keeps positions in one symbol.
func WithPositionSymbol(symbol string) PositionFilter {
	return func(position model.Position) bool {
		return position.Symbol == symbol
	}
}

// WithActiveConfigs keeps strategy configurations marked active.
func WithActiveConfigs() ConfigFilter {
	return func(config model.StrategyConfig) bool {
		return config.Active
	}
}

// WithConfigPortfolio keeps configurations bound to one portfolio.
func WithConfigPortfolio(portfolioID int64) ConfigFilter {
	return func(config model.StrategyConfig) bool {
		return config.PortfolioID == portfolioID
	}
}

// WithMetricStrategy keeps metrics recorded for one strategy.
func WithMetricStrategy(strategyID int64) MetricFilter {
	return func(metric model.PerformanceMetric) bool {
		return metric.StrategyID == strategyID
	}
}

// WithMetricName keeps metrics with one name.
func WithMetricName(name string) MetricFilter {
	return func(metric model.PerformanceMetric) bool {
		return metric.Name == name
	}
}
