package exchange

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"

	"github.com/helmsbot/helmsbot/model"
	"github.com/helmsbot/helmsbot/tools/log"
)

// Binance is the spot exchange client. Every REST call passes the circuit
// breaker and the matching rate-limit bucket; candle reads check the price
// cache first.
type Binance struct {
	ctx        context.Context
	client     *binance.Client
	assetsInfo map[string]model.AssetInfo

	APIKey    string
	APISecret string
	Testnet   bool

	limiter *RateLimiter
	breaker *Breaker
	cache   *PriceCache
	streams *StreamManager
}

// BinanceOption customizes the client during construction.
type BinanceOption func(*Binance)

// WithBinanceCredentials sets the API key pair.
func WithBinanceCredentials(key, secret string) BinanceOption {
	return func(b *Binance) {
		b.APIKey = key
		b.APISecret = secret
	}
}

// WithTestNet routes all calls to the Binance sandbox.
func WithTestNet() BinanceOption {
	return func(b *Binance) {
		b.Testnet = true
		binance.UseTestnet = true
	}
}

// WithBreaker overrides the default circuit breaker settings.
func WithBreaker(threshold int, timeout time.Duration) BinanceOption {
	return func(b *Binance) {
		b.breaker = NewBreaker(threshold, timeout)
	}
}

// NewBinance connects, loads the exchange trading filters and returns a
// ready client. A failed ping fails construction.
func NewBinance(ctx context.Context, options ...BinanceOption) (*Binance, error) {
	binance.WebsocketKeepalive = true

	cache, err := NewPriceCache()
	if err != nil {
		return nil, err
	}

	exchange := &Binance{
		ctx:     ctx,
		limiter: NewRateLimiter(),
		breaker: NewBreaker(0, 0),
		cache:   cache,
	}
	exchange.streams = NewStreamManager(cache)

	for _, option := range options {
		option(exchange)
	}

	exchange.client = binance.NewClient(exchange.APIKey, exchange.APISecret)

	if err := exchange.client.NewPingService().Do(ctx); err != nil {
		return nil, fmt.Errorf("binance ping fail: %w", err)
	}

	results, err := exchange.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, err
	}

	exchange.assetsInfo = make(map[string]model.AssetInfo)
	for _, info := range results.Symbols {
		tradeLimits := model.AssetInfo{
			BaseAsset:          info.BaseAsset,
			QuoteAsset:         info.QuoteAsset,
			BaseAssetPrecision: info.BaseAssetPrecision,
			QuotePrecision:     info.QuotePrecision,
		}
		for _, filter := range info.Filters {
			if typ, ok := filter["filterType"]; ok {
				if typ == string(binance.SymbolFilterTypeLotSize) {
					tradeLimits.MinQuantity, _ = strconv.ParseFloat(filter["minQty"].(string), 64)
					tradeLimits.MaxQuantity, _ = strconv.ParseFloat(filter["maxQty"].(string), 64)
					tradeLimits.StepSize, _ = strconv.ParseFloat(filter["stepSize"].(string), 64)
				}
				if typ == string(binance.SymbolFilterTypePriceFilter) {
					tradeLimits.MinPrice, _ = strconv.ParseFloat(filter["minPrice"].(string), 64)
					tradeLimits.MaxPrice, _ = strconv.ParseFloat(filter["maxPrice"].(string), 64)
					tradeLimits.TickSize, _ = strconv.ParseFloat(filter["tickSize"].(string), 64)
				}
			}
		}
		exchange.assetsInfo[info.Symbol] = tradeLimits
	}

	log.Info("[SETUP] Using Binance exchange")
	return exchange, nil
}

// guard runs the breaker and rate-limit gate before a REST call.
func (b *Binance) guard(ctx context.Context, bucket *TokenBucket) error {
	if err := b.breaker.Allow(); err != nil {
		return err
	}
	return bucket.Wait(ctx)
}

// record feeds the call outcome back into the breaker and passes err through.
func (b *Binance) record(err error) error {
	if err != nil {
		b.breaker.Failure()
		return err
	}
	b.breaker.Success()
	return nil
}

// AssetsInfo returns the exchange trading filters for one symbol.
func (b *Binance) AssetsInfo(_ context.Context, symbol string) (model.AssetInfo, error) {
	info, ok := b.assetsInfo[FormatSymbol(symbol)]
	if !ok {
		return model.AssetInfo{}, ErrInvalidAsset
	}
	return info, nil
}

func (b *Binance) validate(symbol string, quantity float64) error {
	info, ok := b.assetsInfo[FormatSymbol(symbol)]
	if !ok {
		return ErrInvalidAsset
	}
	if quantity > info.MaxQuantity || quantity < info.MinQuantity {
		return &OrderError{
			Err:      fmt.Errorf("%w: min: %f max: %f", ErrInvalidQuantity, info.MinQuantity, info.MaxQuantity),
			Symbol:   symbol,
			Quantity: quantity,
		}
	}
	return nil
}

func (b *Binance) formatPrice(symbol string, value float64) string {
	if info, ok := b.assetsInfo[FormatSymbol(symbol)]; ok {
		value = common.AmountToLotSize(info.TickSize, info.QuotePrecision, value)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}

func (b *Binance) formatQuantity(symbol string, value float64) string {
	if info, ok := b.assetsInfo[FormatSymbol(symbol)]; ok {
		value = common.AmountToLotSize(info.StepSize, info.BaseAssetPrecision, value)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// LastQuote returns the most recent close for the symbol.
func (b *Binance) LastQuote(ctx context.Context, symbol string) (float64, error) {
	candles, err := b.CandlesByLimit(ctx, symbol, "1m", 1)
	if err != nil || len(candles) < 1 {
		return 0, err
	}
	return candles[len(candles)-1].Close, nil
}

// CandlesByLimit returns the most recent limit bars, from cache when fresh.
func (b *Binance) CandlesByLimit(ctx context.Context, symbol, timeframe string, limit int) ([]model.Candle, error) {
	if cached, ok := b.cache.Candles(symbol, timeframe, limit); ok {
		return cached, nil
	}

	if err := b.guard(ctx, b.limiter.Market); err != nil {
		return nil, err
	}

	// One extra bar: the newest is usually still forming and is dropped.
	data, err := b.client.NewKlinesService().
		Symbol(FormatSymbol(symbol)).
		Interval(timeframe).
		Limit(limit + 1).
		Do(ctx)
	if err := b.record(err); err != nil {
		return nil, err
	}

	candles := make([]model.Candle, 0, len(data))
	for _, d := range data {
		candles = append(candles, candleFromKline(symbol, *d))
	}
	if len(candles) > 0 {
		candles = candles[:len(candles)-1]
	}

	b.cache.PutREST(symbol, timeframe, limit, candles)
	return candles, nil
}

// CandlesByPeriod returns bars between start and end. Range reads bypass
// the cache.
func (b *Binance) CandlesByPeriod(ctx context.Context, symbol, timeframe string,
	start, end time.Time) ([]model.Candle, error) {
	if err := b.guard(ctx, b.limiter.Market); err != nil {
		return nil, err
	}

	data, err := b.client.NewKlinesService().
		Symbol(FormatSymbol(symbol)).
		Interval(timeframe).
		StartTime(start.UnixNano() / int64(time.Millisecond)).
		EndTime(end.UnixNano() / int64(time.Millisecond)).
		Do(ctx)
	if err := b.record(err); err != nil {
		return nil, err
	}

	candles := make([]model.Candle, 0, len(data))
	for _, d := range data {
		candles = append(candles, candleFromKline(symbol, *d))
	}
	return candles, nil
}

// CandlesSubscription attaches to the live kline stream for the symbol.
func (b *Binance) CandlesSubscription(ctx context.Context, symbol, timeframe string) (chan model.Candle, chan error) {
	return b.streams.Subscribe(ctx, symbol, timeframe)
}

// PlaceOrder validates and submits the order, returning the connector's
// uniform view of the accepted order.
func (b *Binance) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderResponse, error) {
	if err := req.Validate(); err != nil {
		return model.OrderResponse{}, err
	}
	if err := b.validate(req.Symbol, req.Quantity); err != nil {
		return model.OrderResponse{}, err
	}
	if err := b.guard(ctx, b.limiter.Order); err != nil {
		return model.OrderResponse{}, err
	}

	service := b.client.NewCreateOrderService().
		Symbol(FormatSymbol(req.Symbol)).
		Side(binance.SideType(sideToBinance(req.Side))).
		Quantity(b.formatQuantity(req.Symbol, req.Quantity)).
		NewClientOrderID(req.ClientID).
		NewOrderRespType(binance.NewOrderRespTypeFULL)

	switch req.Type {
	case model.OrderTypeMarket:
		service.Type(binance.OrderTypeMarket)
	case model.OrderTypeLimit:
		service.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(b.formatPrice(req.Symbol, req.Price))
	case model.OrderTypeStopLoss:
		service.Type(binance.OrderTypeStopLossLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(b.formatPrice(req.Symbol, req.Price)).
			StopPrice(b.formatPrice(req.Symbol, req.StopPrice))
	case model.OrderTypeTakeProfit:
		service.Type(binance.OrderTypeTakeProfitLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(b.formatPrice(req.Symbol, req.Price)).
			StopPrice(b.formatPrice(req.Symbol, req.StopPrice))
	}

	order, err := service.Do(ctx)
	if err := b.record(err); err != nil {
		return model.OrderResponse{}, err
	}

	executed, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)
	quantity, _ := strconv.ParseFloat(order.OrigQuantity, 64)
	cost, _ := strconv.ParseFloat(order.CummulativeQuoteQuantity, 64)
	price, _ := strconv.ParseFloat(order.Price, 64)

	avgPrice := price
	if cost > 0 && executed > 0 {
		avgPrice = cost / executed
	}

	var fees float64
	for _, fill := range order.Fills {
		commission, _ := strconv.ParseFloat(fill.Commission, 64)
		fees += commission
	}

	at := time.Unix(0, order.TransactTime*int64(time.Millisecond))
	return model.OrderResponse{
		ClientID:        order.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(order.OrderID, 10),
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Status:          statusFromBinance(order.Status),
		Quantity:        quantity,
		FilledQuantity:  executed,
		Price:           price,
		AveragePrice:    avgPrice,
		Fee:             fees,
		CreatedAt:       at,
		UpdatedAt:       at,
	}, nil
}

// CancelOrder cancels an open order by its exchange order ID.
func (b *Binance) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrUnknownOrder, orderID)
	}
	if err := b.guard(ctx, b.limiter.Cancel); err != nil {
		return err
	}

	_, err = b.client.NewCancelOrderService().
		Symbol(FormatSymbol(symbol)).
		OrderID(id).
		Do(ctx)
	return b.record(err)
}

// OrderStatus is the authoritative order query.
func (b *Binance) OrderStatus(ctx context.Context, symbol, orderID string) (model.OrderResponse, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return model.OrderResponse{}, fmt.Errorf("%w: %q", ErrUnknownOrder, orderID)
	}
	if err := b.guard(ctx, b.limiter.Market); err != nil {
		return model.OrderResponse{}, err
	}

	order, err := b.client.NewGetOrderService().
		Symbol(FormatSymbol(symbol)).
		OrderID(id).
		Do(ctx)
	if err := b.record(err); err != nil {
		return model.OrderResponse{}, err
	}
	return orderResponse(symbol, order), nil
}

// OpenOrders lists resting orders, optionally filtered by symbol.
func (b *Binance) OpenOrders(ctx context.Context, symbol string) ([]model.OrderResponse, error) {
	if err := b.guard(ctx, b.limiter.Market); err != nil {
		return nil, err
	}

	service := b.client.NewListOpenOrdersService()
	if symbol != "" {
		service.Symbol(FormatSymbol(symbol))
	}
	result, err := service.Do(ctx)
	if err := b.record(err); err != nil {
		return nil, err
	}

	orders := make([]model.OrderResponse, 0, len(result))
	for _, order := range result {
		orders = append(orders, orderResponse(symbol, order))
	}
	return orders, nil
}

// Account returns the full spot account snapshot.
func (b *Binance) Account(ctx context.Context) (model.Account, error) {
	if err := b.guard(ctx, b.limiter.Market); err != nil {
		return model.Account{}, err
	}

	acc, err := b.client.NewGetAccountService().Do(ctx)
	if err := b.record(err); err != nil {
		return model.Account{}, err
	}

	balances := make([]model.Balance, 0, len(acc.Balances))
	for _, balance := range acc.Balances {
		free, err := strconv.ParseFloat(balance.Free, 64)
		if err != nil {
			return model.Account{}, err
		}
		locked, err := strconv.ParseFloat(balance.Locked, 64)
		if err != nil {
			return model.Account{}, err
		}
		balances = append(balances, model.Balance{
			Asset: balance.Asset,
			Free:  free,
			Used:  locked,
			Total: free + locked,
		})
	}
	return model.Account{Balances: balances}, nil
}

// Balance returns the balance of one asset.
func (b *Binance) Balance(ctx context.Context, asset string) (model.Balance, error) {
	acc, err := b.Account(ctx)
	if err != nil {
		return model.Balance{}, err
	}
	for _, balance := range acc.Balances {
		if balance.Asset == asset {
			return balance, nil
		}
	}
	return model.Balance{Asset: asset}, nil
}

// BreakerState exposes the circuit state for health checks.
func (b *Binance) BreakerState() BreakerState {
	return b.breaker.State()
}

// CacheStats exposes the price-cache counters for health checks.
func (b *Binance) CacheStats() CacheStats {
	return b.cache.Stats()
}

// Close stops live streams and releases the cache.
func (b *Binance) Close() {
	b.streams.Close()
	_ = b.cache.Close()
}

func sideToBinance(side model.SideType) binance.SideType {
	if side == model.SideTypeSell {
		return binance.SideTypeSell
	}
	return binance.SideTypeBuy
}

func statusFromBinance(status binance.OrderStatusType) model.OrderStatusType {
	switch status {
	case binance.OrderStatusTypeNew, binance.OrderStatusTypePartiallyFilled:
		return model.OrderStatusTypeOpen
	case binance.OrderStatusTypeFilled:
		return model.OrderStatusTypeClosed
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypePendingCancel:
		return model.OrderStatusTypeCanceled
	case binance.OrderStatusTypeRejected, binance.OrderStatusTypeExpired:
		return model.OrderStatusTypeFailed
	default:
		return model.OrderStatusTypePending
	}
}

func typeFromBinance(orderType binance.OrderType) model.OrderType {
	switch orderType {
	case binance.OrderTypeLimit, binance.OrderTypeLimitMaker:
		return model.OrderTypeLimit
	case binance.OrderTypeStopLoss, binance.OrderTypeStopLossLimit:
		return model.OrderTypeStopLoss
	case binance.OrderTypeTakeProfit, binance.OrderTypeTakeProfitLimit:
		return model.OrderTypeTakeProfit
	default:
		return model.OrderTypeMarket
	}
}

func orderResponse(symbol string, order *binance.Order) model.OrderResponse {
	var price float64
	cost, _ := strconv.ParseFloat(order.CummulativeQuoteQuantity, 64)
	executed, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)
	quantity, _ := strconv.ParseFloat(order.OrigQuantity, 64)
	price, _ = strconv.ParseFloat(order.Price, 64)

	avgPrice := price
	if cost > 0 && executed > 0 {
		avgPrice = cost / executed
	}

	side := model.SideTypeBuy
	if order.Side == binance.SideTypeSell {
		side = model.SideTypeSell
	}

	return model.OrderResponse{
		ClientID:        order.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(order.OrderID, 10),
		Symbol:          symbol,
		Side:            side,
		Type:            typeFromBinance(order.Type),
		Status:          statusFromBinance(order.Status),
		Quantity:        quantity,
		FilledQuantity:  executed,
		Price:           price,
		AveragePrice:    avgPrice,
		CreatedAt:       time.Unix(0, order.Time*int64(time.Millisecond)),
		UpdatedAt:       time.Unix(0, order.UpdateTime*int64(time.Millisecond)),
	}
}

func candleFromKline(symbol string, k binance.Kline) model.Candle {
	t := time.Unix(0, k.OpenTime*int64(time.Millisecond))
	candle := model.Candle{Pair: symbol, Time: t, UpdatedAt: t}
	candle.Open, _ = strconv.ParseFloat(k.Open, 64)
	candle.Close, _ = strconv.ParseFloat(k.Close, 64)
	candle.High, _ = strconv.ParseFloat(k.High, 64)
	candle.Low, _ = strconv.ParseFloat(k.Low, 64)
	candle.Volume, _ = strconv.ParseFloat(k.Volume, 64)
	candle.Complete = true
	return candle
}

func candleFromWsKline(symbol string, k binance.WsKline) model.Candle {
	t := time.Unix(0, k.StartTime*int64(time.Millisecond))
	candle := model.Candle{Pair: symbol, Time: t, UpdatedAt: t}
	candle.Open, _ = strconv.ParseFloat(k.Open, 64)
	candle.Close, _ = strconv.ParseFloat(k.Close, 64)
	candle.High, _ = strconv.ParseFloat(k.High, 64)
	candle.Low, _ = strconv.ParseFloat(k.Low, 64)
	candle.Volume, _ = strconv.ParseFloat(k.Volume, 64)
	candle.Complete = k.IsFinal
	return candle
}
