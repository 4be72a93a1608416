package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/helmsbot/helmsbot/bus"
	"github.com/helmsbot/helmsbot/model"
	"github.com/helmsbot/helmsbot/service"
	"github.com/helmsbot/helmsbot/storage"
	"github.com/helmsbot/helmsbot/tools/log"
)

// trackedOrder correlates a client-assigned ID with the exchange's ID so
// fills and reconciliation can trace an order back to its strategy.
type trackedOrder struct {
	StrategyID      int64
	ClientID        string
	ExchangeOrderID string
	Symbol          string
	PlacedAt        time.Time
}

// Connector bridges the bus and the exchange. It consumes approved trade
// commands, executes them, records the trade and broadcasts the execution
// outcome. Market-data streams it owns are republished onto the events
// exchange.
type Connector struct {
	exchange service.Exchange
	broker   *bus.Bus
	repo     storage.Storage
	name     string

	mu     sync.RWMutex
	orders map[string]trackedOrder

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConnector wires the exchange client to the bus and storage.
func NewConnector(name string, exchange service.Exchange, broker *bus.Bus, repo storage.Storage) *Connector {
	return &Connector{
		exchange: exchange,
		broker:   broker,
		repo:     repo,
		name:     name,
		orders:   make(map[string]trackedOrder),
	}
}

// Start subscribes to the trade-commands queue. Returns after wiring; the
// consumer runs until Stop.
func (c *Connector) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	ok := c.broker.Subscribe(bus.QueueTradeCommands, func(msg bus.Message) error {
		var cmd model.TradeCommand
		if err := msg.Decode(&cmd); err != nil {
			return err
		}
		c.execute(ctx, cmd)
		return nil
	}, false)
	if !ok {
		return ErrUnknownOrder
	}

	log.WithField("exchange", c.name).Info("exchange: connector started")
	return nil
}

// StreamMarketData opens a live stream for the symbol and republishes every
// complete bar on the events exchange.
func (c *Connector) StreamMarketData(ctx context.Context, symbol, timeframe string) {
	ccandle, cerr := c.exchange.CandlesSubscription(ctx, symbol, timeframe)
	topic := bus.TopicMarketData(c.name, symbol)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-cerr:
				if !ok {
					return
				}
				log.WithField("symbol", symbol).Errorf("exchange: stream error: %v", err)
			case candle, ok := <-ccandle:
				if !ok {
					return
				}
				if !candle.Complete || !candle.Valid() {
					continue
				}
				c.broker.Publish(bus.ExchangeEvents, topic, candle, false)
			}
		}
	}()
}

// execute places one approved order and broadcasts the outcome. Failures
// are broadcast too, with a failed status, so the capital manager can
// release the held allocation.
func (c *Connector) execute(ctx context.Context, cmd model.TradeCommand) {
	clientID := cmd.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	req := model.OrderRequest{
		StrategyID: cmd.StrategyID,
		ClientID:   clientID,
		Symbol:     cmd.Symbol,
		Side:       cmd.Side,
		Type:       cmd.Type,
		Quantity:   cmd.Quantity,
		Price:      cmd.Price,
		StopPrice:  cmd.StopLoss,
	}

	resp, err := c.exchange.PlaceOrder(ctx, req)
	if err != nil {
		log.WithFields(log.Fields{
			"strategy": cmd.StrategyID,
			"symbol":   cmd.Symbol,
		}).Errorf("exchange: order rejected: %v", err)

		c.publishExecution(model.TradeExecution{
			StrategyID: cmd.StrategyID,
			OrderID:    clientID,
			Symbol:     cmd.Symbol,
			Side:       cmd.Side,
			Status:     model.ExecutionStatusFailed,
			Timestamp:  time.Now().UTC(),
		})
		c.recordTrade(cmd, clientID, model.OrderResponse{Status: model.OrderStatusTypeFailed})
		return
	}

	c.mu.Lock()
	c.orders[clientID] = trackedOrder{
		StrategyID:      cmd.StrategyID,
		ClientID:        clientID,
		ExchangeOrderID: resp.ExchangeOrderID,
		Symbol:          cmd.Symbol,
		PlacedAt:        time.Now().UTC(),
	}
	c.mu.Unlock()

	c.recordTrade(cmd, clientID, resp)

	status := model.ExecutionStatusFilled
	switch {
	case resp.FilledQuantity == 0:
		// Resting limit order, the fill arrives later via status polls.
		return
	case resp.FilledQuantity < resp.Quantity:
		status = model.ExecutionStatusPartial
	}

	c.publishExecution(model.TradeExecution{
		StrategyID:     cmd.StrategyID,
		OrderID:        resp.ExchangeOrderID,
		Symbol:         cmd.Symbol,
		Side:           cmd.Side,
		FilledQuantity: resp.FilledQuantity,
		AveragePrice:   resp.AveragePrice,
		Fees:           resp.Fee,
		Status:         status,
		Timestamp:      time.Now().UTC(),
	})
}

func (c *Connector) publishExecution(exec model.TradeExecution) {
	c.broker.Publish(bus.ExchangeEvents, bus.TopicTradeExecuted, exec, true)
}

func (c *Connector) recordTrade(cmd model.TradeCommand, clientID string, resp model.OrderResponse) {
	trade := &model.Trade{
		StrategyID:      cmd.StrategyID,
		Exchange:        c.name,
		ExchangeOrderID: resp.ExchangeOrderID,
		ClientOrderID:   clientID,
		Symbol:          cmd.Symbol,
		Side:            cmd.Side,
		Type:            cmd.Type,
		Amount:          decimal.NewFromFloat(cmd.Quantity),
		Price:           decimal.NewFromFloat(resp.AveragePrice),
		Cost:            decimal.NewFromFloat(resp.AveragePrice * resp.FilledQuantity),
		Fee:             decimal.NewFromFloat(resp.Fee),
		Status:          resp.Status,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	if err := c.repo.CreateTrade(trade); err != nil {
		log.Errorf("exchange: cannot record trade %s: %v", clientID, err)
	}
}

// TrackedOrder returns the correlation record for a client order ID.
func (c *Connector) TrackedOrder(clientID string) (trackedOrder, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	order, ok := c.orders[clientID]
	return order, ok
}

// ConnectorHealth is the connector health snapshot.
type ConnectorHealth struct {
	Connected    bool         `json:"connected"`
	CircuitState BreakerState `json:"circuit_state"`
	Cache        CacheStats   `json:"cache"`
	TrackedOrders int         `json:"tracked_orders"`
}

// HealthCheck reports connection, circuit and cache state.
func (c *Connector) HealthCheck() ConnectorHealth {
	health := ConnectorHealth{Connected: true}
	if b, ok := c.exchange.(*Binance); ok {
		health.CircuitState = b.BreakerState()
		health.Cache = b.CacheStats()
		health.Connected = b.BreakerState() != BreakerOpen
	}
	c.mu.RLock()
	health.TrackedOrders = len(c.orders)
	c.mu.RUnlock()
	return health
}

// Stop halts stream republishing and the command consumer.
func (c *Connector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	if closer, ok := c.exchange.(interface{ Close() }); ok {
		closer.Close()
	}
	log.WithField("exchange", c.name).Info("exchange: connector stopped")
}
