package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// RuleKind identifies a typed portfolio risk limit.
type RuleKind string

var (
	RuleMaxPositionSizePercent  RuleKind = "max_position_size_percent"
	RuleMaxDailyLossPercent     RuleKind = "max_daily_loss_percent"
	RuleMaxPortfolioExposurePct RuleKind = "max_portfolio_exposure_percent"
	RuleMinPositionSizeValue    RuleKind = "min_position_size_value"
	RuleMaxPositionSizeValue    RuleKind = "max_position_size_value"
	RuleMaxTotalPositions       RuleKind = "max_total_positions"
	RuleMaxPositionsPerSymbol   RuleKind = "max_positions_per_symbol"
	RuleBlacklistedSymbols      RuleKind = "blacklisted_symbols"
)

// Portfolio is the capital container risk rules attach to. TotalCapital
// moves only by deposit/withdrawal events, never by trading.
type Portfolio struct {
	ID               int64           `json:"id" gorm:"primaryKey;autoIncrement"`
	Name             string          `json:"name"`
	BaseCurrency     string          `json:"base_currency"`
	TotalCapital     decimal.Decimal `json:"total_capital" gorm:"type:decimal(20,8)"`
	AvailableCapital decimal.Decimal `json:"available_capital" gorm:"type:decimal(20,8)"`
	Active           bool            `json:"active"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// PortfolioRule is a typed risk limit bound to a portfolio. Value is a JSON
// payload whose shape depends on Kind.
type PortfolioRule struct {
	ID          int64          `json:"id" gorm:"primaryKey;autoIncrement"`
	PortfolioID int64          `json:"portfolio_id" gorm:"index"`
	Kind        RuleKind       `json:"kind"`
	Value       json.RawMessage `json:"value"`
	Active      bool           `json:"active"`
	CreatedAt   time.Time      `json:"created_at"`
}

// StrategyConfig is a configured strategy instance bound to one portfolio.
type StrategyConfig struct {
	ID           int64          `json:"id" gorm:"primaryKey;autoIncrement"`
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	Exchange     string         `json:"exchange"`
	Symbol       string         `json:"symbol"`
	Params       json.RawMessage `json:"params"`
	Sizing       json.RawMessage `json:"sizing"`
	Active       bool           `json:"active"`
	PortfolioID  int64          `json:"portfolio_id" gorm:"index"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Trade is the immutable record of one order sent to the exchange.
type Trade struct {
	ID              int64           `json:"id" gorm:"primaryKey;autoIncrement"`
	StrategyID      int64           `json:"strategy_id" gorm:"index"`
	Exchange        string          `json:"exchange"`
	ExchangeOrderID string          `json:"exchange_order_id" gorm:"uniqueIndex"`
	ClientOrderID   string          `json:"client_order_id" gorm:"index"`
	Symbol          string          `json:"symbol" gorm:"index"`
	Side            SideType        `json:"side"`
	Type            OrderType       `json:"type"`
	Amount          decimal.Decimal `json:"amount" gorm:"type:decimal(20,8)"`
	Price           decimal.Decimal `json:"price" gorm:"type:decimal(20,8)"`
	Cost            decimal.Decimal `json:"cost" gorm:"type:decimal(20,8)"`
	Fee             decimal.Decimal `json:"fee" gorm:"type:decimal(20,8)"`
	Status          OrderStatusType `json:"status" gorm:"index"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Position is the mutable aggregate of a strategy's open holding in one
// symbol. Spot only: side is always long, at most one open position per
// (strategy, symbol).
type Position struct {
	ID            int64           `json:"id" gorm:"primaryKey;autoIncrement"`
	StrategyID    int64           `json:"strategy_id" gorm:"index:idx_strategy_symbol"`
	Symbol        string          `json:"symbol" gorm:"index:idx_strategy_symbol"`
	Side          SideType        `json:"side"`
	Size          decimal.Decimal `json:"size" gorm:"type:decimal(20,8)"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price" gorm:"type:decimal(20,8)"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl" gorm:"type:decimal(20,8)"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl" gorm:"type:decimal(20,8)"`
	TotalFees     decimal.Decimal `json:"total_fees" gorm:"type:decimal(20,8)"`
	StopLoss      decimal.Decimal `json:"stop_loss" gorm:"type:decimal(20,8)"`
	TakeProfit    decimal.Decimal `json:"take_profit" gorm:"type:decimal(20,8)"`
	Open          bool            `json:"open" gorm:"index"`
	OpenedAt      time.Time       `json:"opened_at"`
	ClosedAt      *time.Time      `json:"closed_at"`
}

// Apply settles one execution into the position using cost averaging.
// It returns the realized profit of the closing part, if any, and whether
// the position is now fully closed.
func (p *Position) Apply(exec TradeExecution) (realized decimal.Decimal, closed bool) {
	qty := decimal.NewFromFloat(exec.FilledQuantity)
	price := decimal.NewFromFloat(exec.AveragePrice)
	fee := decimal.NewFromFloat(exec.Fees)

	p.TotalFees = p.TotalFees.Add(fee)

	if exec.Side == SideTypeBuy {
		total := p.AvgEntryPrice.Mul(p.Size).Add(price.Mul(qty))
		p.Size = p.Size.Add(qty)
		if p.Size.IsPositive() {
			p.AvgEntryPrice = total.Div(p.Size)
		}
		return decimal.Zero, false
	}

	// Sells realize PnL against the cost-averaged entry; a sell larger than
	// the position is clamped to it (spot cannot go short).
	if qty.GreaterThan(p.Size) {
		qty = p.Size
	}
	realized = price.Sub(p.AvgEntryPrice).Mul(qty)
	p.RealizedPnL = p.RealizedPnL.Add(realized)
	p.Size = p.Size.Sub(qty)

	if !p.Size.IsPositive() {
		now := exec.Timestamp
		p.Open = false
		p.ClosedAt = &now
		return realized, true
	}
	return realized, false
}

// GridOrder is the persisted state of one grid-strategy rung, keyed by
// (strategy, level, side) so a restart can recover the exact grid layout.
type GridOrder struct {
	ID         int64           `json:"id" gorm:"primaryKey;autoIncrement"`
	StrategyID int64           `json:"strategy_id" gorm:"index:idx_grid,unique"`
	Level      int             `json:"level" gorm:"index:idx_grid,unique"`
	Side       SideType        `json:"side" gorm:"index:idx_grid,unique"`
	Price      decimal.Decimal `json:"price" gorm:"type:decimal(20,8)"`
	Quantity   decimal.Decimal `json:"quantity" gorm:"type:decimal(20,8)"`
	Filled     bool            `json:"filled"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// PerformanceMetric is an append-only named scalar per strategy or
// portfolio. It feeds reporting, never trading.
type PerformanceMetric struct {
	ID          int64           `json:"id" gorm:"primaryKey;autoIncrement"`
	StrategyID  int64           `json:"strategy_id" gorm:"index"`
	PortfolioID int64           `json:"portfolio_id" gorm:"index"`
	Name        string          `json:"name"`
	Value       decimal.Decimal `json:"value" gorm:"type:decimal(20,8)"`
	RecordedAt  time.Time       `json:"recorded_at"`
}

// LogLevel is the SystemLog severity.
type LogLevel string

var (
	LogLevelDebug    LogLevel = "debug"
	LogLevelInfo     LogLevel = "info"
	LogLevelWarning  LogLevel = "warning"
	LogLevelError    LogLevel = "error"
	LogLevelCritical LogLevel = "critical"
)

// SystemLog is a structured event record. Critical events (reconciliation
// outcomes, emergency stops, risk denials) are persisted here in addition
// to the runtime log.
type SystemLog struct {
	ID         int64          `json:"id" gorm:"primaryKey;autoIncrement"`
	Level      LogLevel       `json:"level" gorm:"index"`
	Component  string         `json:"component" gorm:"index"`
	Message    string         `json:"message"`
	Context    json.RawMessage `json:"context"`
	StrategyID *int64         `json:"strategy_id"`
	TradeID    *int64         `json:"trade_id"`
	CreatedAt  time.Time      `json:"created_at"`
}
