package model

import (
	"fmt"
	"time"
)

// SideType is the order direction.
type SideType string

// OrderType is the order kind sent to the exchange.
type OrderType string

// OrderStatusType is the lifecycle status of an order.
type OrderStatusType string

var (
	SideTypeBuy  SideType = "buy"
	SideTypeSell SideType = "sell"
)

var (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStopLoss   OrderType = "stop_loss"
	OrderTypeTakeProfit OrderType = "take_profit"
)

// Order status transitions are monotonic:
// pending -> open -> closed | canceled | failed.
var (
	OrderStatusTypePending  OrderStatusType = "pending"
	OrderStatusTypeOpen     OrderStatusType = "open"
	OrderStatusTypeClosed   OrderStatusType = "closed"
	OrderStatusTypeCanceled OrderStatusType = "canceled"
	OrderStatusTypeFailed   OrderStatusType = "failed"
)

// statusRank orders statuses along the lifecycle; transitions may never
// decrease the rank.
var statusRank = map[OrderStatusType]int{
	OrderStatusTypePending:  0,
	OrderStatusTypeOpen:     1,
	OrderStatusTypeClosed:   2,
	OrderStatusTypeCanceled: 2,
	OrderStatusTypeFailed:   2,
}

// CanTransition reports whether an order status may move from one status to
// the next without violating monotonicity.
func (s OrderStatusType) CanTransition(next OrderStatusType) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	if s == next {
		return true
	}
	return to > from
}

// OrderRequest is a validated order command for the exchange connector.
type OrderRequest struct {
	StrategyID int64     `json:"strategy_id"`
	ClientID   string    `json:"client_id"`
	Symbol     string    `json:"symbol"`
	Side       SideType  `json:"side"`
	Type       OrderType `json:"type"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price,omitempty"`
	StopPrice  float64   `json:"stop_price,omitempty"`
}

// Validate checks the request before it reaches the wire.
func (r OrderRequest) Validate() error {
	if !ValidSymbol(r.Symbol) {
		return fmt.Errorf("invalid symbol: %q", r.Symbol)
	}
	if r.Side != SideTypeBuy && r.Side != SideTypeSell {
		return fmt.Errorf("invalid side: %q", r.Side)
	}
	switch r.Type {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStopLoss, OrderTypeTakeProfit:
	default:
		return fmt.Errorf("invalid order type: %q", r.Type)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive, got %f", r.Quantity)
	}
	if r.Type != OrderTypeMarket && r.Price <= 0 {
		return fmt.Errorf("%s orders require a price", r.Type)
	}
	return nil
}

// OrderResponse is the connector's view of an order after submission.
type OrderResponse struct {
	ClientID        string          `json:"client_id"`
	ExchangeOrderID string          `json:"exchange_order_id"`
	Symbol          string          `json:"symbol"`
	Side            SideType        `json:"side"`
	Type            OrderType       `json:"type"`
	Status          OrderStatusType `json:"status"`
	Quantity        float64         `json:"quantity"`
	FilledQuantity  float64         `json:"filled_quantity"`
	Price           float64         `json:"price"`
	AveragePrice    float64         `json:"average_price"`
	Fee             float64         `json:"fee"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (o OrderResponse) String() string {
	return fmt.Sprintf("[%s] %s %s | %s, %s, %f x $%f",
		o.Status, o.Side, o.Symbol, o.ExchangeOrderID, o.Type, o.Quantity, o.Price)
}
