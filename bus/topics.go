package bus

import (
	"fmt"
	"strconv"
	"strings"
)

// Logical exchanges. Every publish names one of these.
const (
	ExchangeEvents   = "events"
	ExchangeCommands = "commands"
	ExchangeRequests = "requests"
	ExchangeDLX      = "dlx"
)

// Named durable queues declared by the default topology.
const (
	QueueMarketData      = "market_data"
	QueueTradeCommands   = "trade_commands"
	QueueCapitalRequests = "capital_requests"
	QueueSystemEvents    = "system_events"
	QueueDeadLetters     = "dead_letters"
)

// Routing keys are the bit-stable wire protocol between components.
const (
	TopicTradeExecuted   = "events.trade_executed"
	TopicStrategyStarted = "events.strategy.started"
	TopicStrategyStopped = "events.strategy.stopped"
	TopicSystemError     = "events.system.error"
	TopicSystemHealth    = "events.system.health"

	TopicExecuteTrade  = "commands.execute_trade"
	TopicStartStrategy = "commands.start_strategy"
	TopicStopStrategy  = "commands.stop_strategy"

	TopicCapitalValidation = "request.capital.validation"
	TopicPositionStatus    = "request.position.status"
)

// TopicMarketData builds the market-data routing key for one pair, e.g.
// market_data.binance.btcusdt for BTC/USDT.
func TopicMarketData(exchange, symbol string) string {
	flat := strings.ToLower(strings.ReplaceAll(symbol, "/", ""))
	return fmt.Sprintf("market_data.%s.%s", strings.ToLower(exchange), flat)
}

// TopicCapitalAllocation builds the per-strategy allocation request key.
func TopicCapitalAllocation(strategyID int64) string {
	return "request.capital.allocation." + strconv.FormatInt(strategyID, 10)
}
