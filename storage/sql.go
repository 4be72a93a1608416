package storage

import (
	"errors"
	"time"

	"github.com/samber/lo"
	"gorm.io/gorm"

	"github.com/helmsbot/helmsbot/model"
)

// SQL is the gorm-backed Storage. Filters run in memory after a full table
// read; the tables this system keeps stay small enough for that.
type SQL struct {
	db *gorm.DB
}

// FromSQL opens the database, configures the pool and migrates the schema.
func FromSQL(dialect gorm.Dialector, opts ...gorm.Option) (Storage, error) {
	db, err := gorm.Open(dialect, opts...)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	err = db.AutoMigrate(
		&model.Portfolio{},
		&model.PortfolioRule{},
		&model.StrategyConfig{},
		&model.Trade{},
		&model.Position{},
		&model.GridOrder{},
		&model.PerformanceMetric{},
		&model.SystemLog{},
	)
	if err != nil {
		return nil, err
	}

	return &SQL{db: db}, nil
}

func (s *SQL) CreatePortfolio(portfolio *model.Portfolio) error {
	return s.db.Create(portfolio).Error
}

func (s *SQL) UpdatePortfolio(portfolio *model.Portfolio) error {
	return s.db.Save(portfolio).Error
}

func (s *SQL) Portfolio(id int64) (*model.Portfolio, error) {
	var portfolio model.Portfolio
	result := s.db.First(&portfolio, id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &portfolio, result.Error
}

// ActivePortfolio returns the single active portfolio.
func (s *SQL) ActivePortfolio() (*model.Portfolio, error) {
	var portfolio model.Portfolio
	result := s.db.Where("active = ?", true).First(&portfolio)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &portfolio, result.Error
}

func (s *SQL) CreateRule(rule *model.PortfolioRule) error {
	return s.db.Create(rule).Error
}

func (s *SQL) Rules(portfolioID int64) ([]*model.PortfolioRule, error) {
	rules := make([]*model.PortfolioRule, 0)
	result := s.db.Where("portfolio_id = ? AND active = ?", portfolioID, true).Find(&rules)
	return rules, result.Error
}

func (s *SQL) CreateStrategyConfig(config *model.StrategyConfig) error {
	return s.db.Create(config).Error
}

func (s *SQL) UpdateStrategyConfig(config *model.StrategyConfig) error {
	return s.db.Save(config).Error
}

func (s *SQL) StrategyConfig(id int64) (*model.StrategyConfig, error) {
	var config model.StrategyConfig
	result := s.db.First(&config, id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &config, result.Error
}

func (s *SQL) StrategyConfigs(filters ...ConfigFilter) ([]*model.StrategyConfig, error) {
	configs := make([]*model.StrategyConfig, 0)
	result := s.db.Find(&configs)
	if result.Error != nil && !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, result.Error
	}
	return lo.Filter(configs, func(config *model.StrategyConfig, _ int) bool {
		for _, filter := range filters {
			if !filter(*config) {
				return false
			}
		}
		return true
	}), nil
}

func (s *SQL) CreateTrade(trade *model.Trade) error {
	return s.db.Create(trade).Error
}

func (s *SQL) UpdateTrade(trade *model.Trade) error {
	return s.db.Save(trade).Error
}

func (s *SQL) Trades(filters ...TradeFilter) ([]*model.Trade, error) {
	trades := make([]*model.Trade, 0)
	result := s.db.Find(&trades)
	if result.Error != nil && !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, result.Error
	}
	return lo.Filter(trades, func(trade *model.Trade, _ int) bool {
		for _, filter := range filters {
			if !filter(*trade) {
				return false
			}
		}
		return true
	}), nil
}

func (s *SQL) CreatePosition(position *model.Position) error {
	return s.db.Create(position).Error
}

func (s *SQL) UpdatePosition(position *model.Position) error {
	return s.db.Save(position).Error
}

func (s *SQL) Positions(filters ...PositionFilter) ([]*model.Position, error) {
	positions := make([]*model.Position, 0)
	result := s.db.Find(&positions)
	if result.Error != nil && !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, result.Error
	}
	return lo.Filter(positions, func(position *model.Position, _ int) bool {
		for _, filter := range filters {
			if !filter(*position) {
				return false
			}
		}
		return true
	}), nil
}

// SaveGridOrder inserts or updates the rung keyed by (strategy, level, side).
func (s *SQL) SaveGridOrder(order *model.GridOrder) error {
	if order.ID != 0 {
		return s.db.Save(order).Error
	}
	var existing model.GridOrder
	result := s.db.Where("strategy_id = ? AND level = ? AND side = ?",
		order.StrategyID, order.Level, order.Side).First(&existing)
	if result.Error == nil {
		order.ID = existing.ID
		return s.db.Save(order).Error
	}
	if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return result.Error
	}
	return s.db.Create(order).Error
}

func (s *SQL) GridOrders(strategyID int64) ([]*model.GridOrder, error) {
	orders := make([]*model.GridOrder, 0)
	result := s.db.Where("strategy_id = ?", strategyID).
		Order("level asc").Find(&orders)
	return orders, result.Error
}

func (s *SQL) CreateMetric(metric *model.PerformanceMetric) error {
	return s.db.Create(metric).Error
}

func (s *SQL) Metrics(filters ...MetricFilter) ([]*model.PerformanceMetric, error) {
	metrics := make([]*model.PerformanceMetric, 0)
	result := s.db.Find(&metrics)
	if result.Error != nil && !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, result.Error
	}
	return lo.Filter(metrics, func(metric *model.PerformanceMetric, _ int) bool {
		for _, filter := range filters {
			if !filter(*metric) {
				return false
			}
		}
		return true
	}), nil
}

func (s *SQL) CreateSystemLog(entry *model.SystemLog) error {
	return s.db.Create(entry).Error
}
