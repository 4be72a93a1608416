package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/helmsbot/helmsbot/model"
	"github.com/helmsbot/helmsbot/tools/log"
)

// sandboxAsset tracks one asset's free and locked quantity.
type sandboxAsset struct {
	Free float64
	Lock float64
}

// Sandbox is an in-memory exchange. It fills market orders immediately at
// the last seen price, keeps limit orders open until cancelled, and tracks
// balances with a flat taker fee. It backs mock mode and the test suites.
type Sandbox struct {
	mu sync.Mutex

	counter  int64
	takerFee float64
	assets   map[string]*sandboxAsset
	orders   map[string]model.OrderResponse
	prices   map[string]float64
	candles  map[string][]model.Candle

	feeds map[string]chan model.Candle
}

// SandboxOption configures the sandbox.
type SandboxOption func(*Sandbox)

// WithSandboxAsset seeds a free balance.
func WithSandboxAsset(asset string, amount float64) SandboxOption {
	return func(s *Sandbox) {
		s.assets[asset] = &sandboxAsset{Free: amount}
	}
}

// WithSandboxFee overrides the default 0.1% taker fee.
func WithSandboxFee(fee float64) SandboxOption {
	return func(s *Sandbox) { s.takerFee = fee }
}

// NewSandbox creates an empty in-memory exchange.
func NewSandbox(options ...SandboxOption) *Sandbox {
	s := &Sandbox{
		takerFee: 0.001,
		assets:   make(map[string]*sandboxAsset),
		orders:   make(map[string]model.OrderResponse),
		prices:   make(map[string]float64),
		candles:  make(map[string][]model.Candle),
		feeds:    make(map[string]chan model.Candle),
	}
	for _, option := range options {
		option(s)
	}
	log.Info("[SETUP] Using sandbox exchange")
	return s
}

func (s *Sandbox) nextID() string {
	s.counter++
	return strconv.FormatInt(s.counter, 10)
}

// Feed pushes a candle into the sandbox: it updates the last price, the
// candle history and any live subscription.
func (s *Sandbox) Feed(symbol, timeframe string, candle model.Candle) {
	s.mu.Lock()
	s.prices[symbol] = candle.Close
	key := symbol + "--" + timeframe
	s.candles[key] = append(s.candles[key], candle)
	feed := s.feeds[key]
	s.mu.Unlock()

	if feed != nil {
		feed <- candle
	}
}

// SetPrice sets the last trade price without recording a candle.
func (s *Sandbox) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	s.prices[symbol] = price
	s.mu.Unlock()
}

// Deposit credits a free balance.
func (s *Sandbox) Deposit(asset string, amount float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assets[asset]; !ok {
		s.assets[asset] = &sandboxAsset{}
	}
	s.assets[asset].Free += amount
}

// PlaceExternalOrder registers an open order as if placed outside the
// system, for reconciliation exercises.
func (s *Sandbox) PlaceExternalOrder(symbol string, side model.SideType, quantity, price float64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID()
	s.orders[id] = model.OrderResponse{
		ExchangeOrderID: id,
		Symbol:          symbol,
		Side:            side,
		Type:            model.OrderTypeLimit,
		Status:          model.OrderStatusTypeOpen,
		Quantity:        quantity,
		Price:           price,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	return id
}

func (s *Sandbox) AssetsInfo(_ context.Context, symbol string) (model.AssetInfo, error) {
	base, quote := SplitAssetQuote(symbol)
	return model.AssetInfo{
		BaseAsset:          base,
		QuoteAsset:         quote,
		MaxPrice:           float64(^uint32(0)),
		MaxQuantity:        float64(^uint32(0)),
		StepSize:           0.00000001,
		TickSize:           0.00000001,
		QuotePrecision:     8,
		BaseAssetPrecision: 8,
	}, nil
}

func (s *Sandbox) LastQuote(_ context.Context, symbol string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	price, ok := s.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("sandbox: no price for %s", symbol)
	}
	return price, nil
}

func (s *Sandbox) CandlesByLimit(_ context.Context, symbol, timeframe string, limit int) ([]model.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := s.candles[symbol+"--"+timeframe]
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]model.Candle, len(history))
	copy(out, history)
	return out, nil
}

func (s *Sandbox) CandlesByPeriod(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]model.Candle, error) {
	all, err := s.CandlesByLimit(ctx, symbol, timeframe, int(^uint32(0)>>1))
	if err != nil {
		return nil, err
	}
	out := make([]model.Candle, 0, len(all))
	for _, c := range all {
		if !c.Time.Before(start) && !c.Time.After(end) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Sandbox) CandlesSubscription(ctx context.Context, symbol, timeframe string) (chan model.Candle, chan error) {
	cerr := make(chan error)
	s.mu.Lock()
	key := symbol + "--" + timeframe
	feed, ok := s.feeds[key]
	if !ok {
		feed = make(chan model.Candle, prefetchSandbox)
		s.feeds[key] = feed
	}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if s.feeds[key] == feed {
			delete(s.feeds, key)
		}
		s.mu.Unlock()
	}()
	return feed, cerr
}

const prefetchSandbox = 64

func (s *Sandbox) Account(_ context.Context) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	balances := make([]model.Balance, 0, len(s.assets))
	for asset, info := range s.assets {
		balances = append(balances, model.Balance{
			Asset: asset,
			Free:  info.Free,
			Used:  info.Lock,
			Total: info.Free + info.Lock,
		})
	}
	return model.Account{Balances: balances}, nil
}

func (s *Sandbox) Balance(_ context.Context, asset string) (model.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.assets[asset]
	if !ok {
		return model.Balance{Asset: asset}, nil
	}
	return model.Balance{
		Asset: asset,
		Free:  info.Free,
		Used:  info.Lock,
		Total: info.Free + info.Lock,
	}, nil
}

// PlaceOrder fills market orders at the last price and rests limit orders.
func (s *Sandbox) PlaceOrder(_ context.Context, req model.OrderRequest) (model.OrderResponse, error) {
	if err := req.Validate(); err != nil {
		return model.OrderResponse{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	order := model.OrderResponse{
		ClientID:        req.ClientID,
		ExchangeOrderID: s.nextID(),
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Quantity:        req.Quantity,
		Price:           req.Price,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if req.Type != model.OrderTypeMarket {
		order.Status = model.OrderStatusTypeOpen
		s.orders[order.ExchangeOrderID] = order
		return order, nil
	}

	price, ok := s.prices[req.Symbol]
	if !ok {
		return model.OrderResponse{}, fmt.Errorf("sandbox: no price for %s", req.Symbol)
	}
	if err := s.settle(req, price); err != nil {
		return model.OrderResponse{}, err
	}

	order.Status = model.OrderStatusTypeClosed
	order.FilledQuantity = req.Quantity
	order.AveragePrice = price
	order.Fee = price * req.Quantity * s.takerFee
	s.orders[order.ExchangeOrderID] = order
	return order, nil
}

// settle moves balances for an immediate fill, fees charged in quote.
func (s *Sandbox) settle(req model.OrderRequest, price float64) error {
	base, quote := SplitAssetQuote(req.Symbol)
	if _, ok := s.assets[base]; !ok {
		s.assets[base] = &sandboxAsset{}
	}
	if _, ok := s.assets[quote]; !ok {
		s.assets[quote] = &sandboxAsset{}
	}

	cost := price * req.Quantity
	fee := cost * s.takerFee

	if req.Side == model.SideTypeBuy {
		if s.assets[quote].Free < cost+fee {
			return &OrderError{Err: ErrInsufficientFunds, Symbol: req.Symbol, Quantity: req.Quantity}
		}
		s.assets[quote].Free -= cost + fee
		s.assets[base].Free += req.Quantity
		return nil
	}

	if s.assets[base].Free < req.Quantity {
		return &OrderError{Err: ErrInsufficientFunds, Symbol: req.Symbol, Quantity: req.Quantity}
	}
	s.assets[base].Free -= req.Quantity
	s.assets[quote].Free += cost - fee
	return nil
}

func (s *Sandbox) CancelOrder(_ context.Context, symbol, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok || order.Symbol != symbol {
		return ErrUnknownOrder
	}
	if order.Status == model.OrderStatusTypeOpen {
		order.Status = model.OrderStatusTypeCanceled
		order.UpdatedAt = time.Now().UTC()
		s.orders[orderID] = order
	}
	return nil
}

func (s *Sandbox) OrderStatus(_ context.Context, symbol, orderID string) (model.OrderResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok || order.Symbol != symbol {
		return model.OrderResponse{}, ErrUnknownOrder
	}
	return order, nil
}

func (s *Sandbox) OpenOrders(_ context.Context, symbol string) ([]model.OrderResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.OrderResponse, 0)
	for _, order := range s.orders {
		if order.Status != model.OrderStatusTypeOpen {
			continue
		}
		if symbol != "" && order.Symbol != symbol {
			continue
		}
		out = append(out, order)
	}
	return out, nil
}
