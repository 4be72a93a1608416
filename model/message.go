package model

import "time"

// Signal is a trade proposal emitted by a strategy. It is a request, not an
// imperative: the capital manager decides whether and at what size it runs.
type Signal struct {
	StrategyID    int64              `json:"strategy_id"`
	Symbol        string             `json:"symbol"`
	Side          SideType           `json:"side"`
	SignalPrice   float64            `json:"signal_price"`
	Quantity      float64            `json:"quantity,omitempty"`
	StopLossPrice float64            `json:"stop_loss_price,omitempty"`
	Confidence    float64            `json:"confidence"`
	Params        map[string]float64 `json:"strategy_params,omitempty"`
}

// ExecutionStatus is the fill outcome reported on events.trade_executed.
type ExecutionStatus string

var (
	ExecutionStatusFilled    ExecutionStatus = "filled"
	ExecutionStatusPartial   ExecutionStatus = "partial"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// TradeExecution is the event payload broadcast after the exchange resolves
// an order. The capital manager uses it to settle the ledger.
type TradeExecution struct {
	StrategyID     int64           `json:"strategy_id"`
	OrderID        string          `json:"order_id"`
	Symbol         string          `json:"symbol"`
	Side           SideType        `json:"side"`
	FilledQuantity float64         `json:"filled_quantity"`
	AveragePrice   float64         `json:"average_price"`
	Fees           float64         `json:"fees"`
	Status         ExecutionStatus `json:"status"`
	Timestamp      time.Time       `json:"timestamp"`
}

// TradeCommand is an approved, sized order imperative for the exchange
// connector, published on commands.execute_trade.
type TradeCommand struct {
	StrategyID int64     `json:"strategy_id"`
	ClientID   string    `json:"client_id"`
	Symbol     string    `json:"symbol"`
	Side       SideType  `json:"side"`
	Type       OrderType `json:"type"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price,omitempty"`
	StopLoss   float64   `json:"stop_loss,omitempty"`
	TakeProfit float64   `json:"take_profit,omitempty"`
}
