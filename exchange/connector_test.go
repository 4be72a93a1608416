package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsbot/helmsbot/bus"
	"github.com/helmsbot/helmsbot/model"
	"github.com/helmsbot/helmsbot/storage"
)

func connectorUnderTest(t *testing.T) (*Connector, *Sandbox, *bus.Bus, storage.Storage) {
	t.Helper()

	repo, err := storage.FromMemory()
	require.NoError(t, err)

	sandbox := NewSandbox(WithSandboxAsset("USDT", 10000))
	sandbox.SetPrice("BTC/USDT", 50000)

	broker := bus.New()
	t.Cleanup(broker.Close)

	connector := NewConnector("sandbox", sandbox, broker, repo)
	require.NoError(t, connector.Start(context.Background()))
	t.Cleanup(connector.Stop)

	return connector, sandbox, broker, repo
}

func TestConnectorExecutesApprovedCommand(t *testing.T) {
	connector, _, broker, repo := connectorUnderTest(t)

	executions := make(chan model.TradeExecution, 1)
	broker.DeclareQueue("test.executions", bus.DefaultTTL,
		bus.Bind(bus.ExchangeEvents, bus.TopicTradeExecuted))
	require.True(t, broker.Subscribe("test.executions", func(msg bus.Message) error {
		var exec model.TradeExecution
		if err := msg.Decode(&exec); err != nil {
			return err
		}
		executions <- exec
		return nil
	}, true))

	cmd := model.TradeCommand{
		StrategyID: 7,
		ClientID:   "client-1",
		Symbol:     "BTC/USDT",
		Side:       model.SideTypeBuy,
		Type:       model.OrderTypeMarket,
		Quantity:   0.01,
	}
	require.True(t, broker.Publish(bus.ExchangeCommands, bus.TopicExecuteTrade, cmd, true))

	select {
	case exec := <-executions:
		assert.Equal(t, int64(7), exec.StrategyID)
		assert.Equal(t, model.ExecutionStatusFilled, exec.Status)
		assert.Equal(t, 0.01, exec.FilledQuantity)
		assert.Equal(t, 50000.0, exec.AveragePrice)
		assert.Positive(t, exec.Fees)
	case <-time.After(time.Second):
		t.Fatal("execution not published")
	}

	// The trade row correlates client and exchange order ids.
	trades, err := repo.Trades(storage.WithTradeStrategy(7))
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "client-1", trades[0].ClientOrderID)
	assert.NotEmpty(t, trades[0].ExchangeOrderID)

	tracked, ok := connector.TrackedOrder("client-1")
	require.True(t, ok)
	assert.Equal(t, int64(7), tracked.StrategyID)
}

func TestConnectorBroadcastsFailedExecution(t *testing.T) {
	_, _, broker, repo := connectorUnderTest(t)

	executions := make(chan model.TradeExecution, 1)
	broker.DeclareQueue("test.failures", bus.DefaultTTL,
		bus.Bind(bus.ExchangeEvents, bus.TopicTradeExecuted))
	require.True(t, broker.Subscribe("test.failures", func(msg bus.Message) error {
		var exec model.TradeExecution
		if err := msg.Decode(&exec); err != nil {
			return err
		}
		executions <- exec
		return nil
	}, true))

	// Oversized buy, the sandbox balance cannot cover it.
	cmd := model.TradeCommand{
		StrategyID: 7,
		ClientID:   "client-2",
		Symbol:     "BTC/USDT",
		Side:       model.SideTypeBuy,
		Type:       model.OrderTypeMarket,
		Quantity:   100,
	}
	require.True(t, broker.Publish(bus.ExchangeCommands, bus.TopicExecuteTrade, cmd, true))

	select {
	case exec := <-executions:
		assert.Equal(t, model.ExecutionStatusFailed, exec.Status)
		assert.Zero(t, exec.FilledQuantity)
	case <-time.After(time.Second):
		t.Fatal("failure not published")
	}

	trades, err := repo.Trades(storage.WithTradeStatusIn(model.OrderStatusTypeFailed))
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestConnectorStreamRepublishesCompleteBars(t *testing.T) {
	_, sandbox, broker, _ := connectorUnderTest(t)
	connector := NewConnector("sandbox", sandbox, broker, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	candles := make(chan model.Candle, 2)
	broker.DeclareQueue("test.market", bus.DefaultTTL,
		bus.Bind(bus.ExchangeEvents, bus.TopicMarketData("sandbox", "BTC/USDT")))
	require.True(t, broker.Subscribe("test.market", func(msg bus.Message) error {
		var candle model.Candle
		if err := msg.Decode(&candle); err != nil {
			return err
		}
		candles <- candle
		return nil
	}, true))

	connector.StreamMarketData(ctx, "BTC/USDT", "1h")

	now := time.Now().UTC()
	sandbox.Feed("BTC/USDT", "1h", model.Candle{
		Pair: "BTC/USDT", Time: now, Open: 50000, Close: 50100,
		Low: 49900, High: 50200, Volume: 5, Complete: false,
	})
	sandbox.Feed("BTC/USDT", "1h", model.Candle{
		Pair: "BTC/USDT", Time: now.Add(time.Hour), Open: 50100, Close: 50300,
		Low: 50000, High: 50400, Volume: 7, Complete: true,
	})

	select {
	case candle := <-candles:
		// The incomplete bar is filtered, only the closed one arrives.
		assert.True(t, candle.Complete)
		assert.Equal(t, 50300.0, candle.Close)
	case <-time.After(time.Second):
		t.Fatal("candle not republished")
	}
}
