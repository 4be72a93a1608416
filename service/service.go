package service

import (
	"context"
	"time"

	"github.com/helmsbot/helmsbot/model"
)

// Exchange is the full connector surface: market data plus order entry.
type Exchange interface {
	Broker
	Feeder
}

// Feeder provides market data. Candle reads are served from the shared
// price cache when fresh; the subscription channel carries live updates.
type Feeder interface {
	AssetsInfo(ctx context.Context, symbol string) (model.AssetInfo, error)
	LastQuote(ctx context.Context, symbol string) (float64, error)
	CandlesByPeriod(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]model.Candle, error)
	CandlesByLimit(ctx context.Context, symbol, timeframe string, limit int) ([]model.Candle, error)
	CandlesSubscription(ctx context.Context, symbol, timeframe string) (chan model.Candle, chan error)
}

// Broker executes and manages orders. Every order carries the caller's
// client order ID so fills can be traced back to the issuing strategy.
type Broker interface {
	Account(ctx context.Context) (model.Account, error)
	Balance(ctx context.Context, asset string) (model.Balance, error)
	PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderResponse, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	OrderStatus(ctx context.Context, symbol, orderID string) (model.OrderResponse, error)
	OpenOrders(ctx context.Context, symbol string) ([]model.OrderResponse, error)
}

// Notifier delivers out-of-band messages to an operator.
type Notifier interface {
	Notify(text string)
	OnTrade(exec model.TradeExecution)
	OnError(err error)
}

// Telegram is a Notifier with a long-running receive loop.
type Telegram interface {
	Notifier
	Start()
}
