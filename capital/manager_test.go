package capital

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsbot/helmsbot/bus"
	"github.com/helmsbot/helmsbot/model"
	"github.com/helmsbot/helmsbot/storage"
)

func newManagerUnderTest(t *testing.T) (*Manager, *bus.Bus, storage.Storage) {
	t.Helper()

	repo, err := storage.FromMemory()
	require.NoError(t, err)
	require.NoError(t, repo.CreatePortfolio(&model.Portfolio{
		Name:             "main",
		BaseCurrency:     "USDT",
		TotalCapital:     decimal.NewFromInt(10000),
		AvailableCapital: decimal.NewFromInt(10000),
		Active:           true,
	}))

	b := bus.New()
	t.Cleanup(b.Close)

	m := NewManager(b, repo, nil)
	require.NoError(t, m.Start(context.Background()))
	return m, b, repo
}

func buySignal(quantity float64) model.Signal {
	return model.Signal{
		StrategyID:  1,
		Symbol:      "BTC/USDT",
		Side:        model.SideTypeBuy,
		SignalPrice: 50000,
		Quantity:    quantity,
		Confidence:  0.9,
	}
}

func fill(side model.SideType, quantity, price float64) model.TradeExecution {
	return model.TradeExecution{
		StrategyID:     1,
		OrderID:        "100",
		Symbol:         "BTC/USDT",
		Side:           side,
		FilledQuantity: quantity,
		AveragePrice:   price,
		Fees:           5,
		Status:         model.ExecutionStatusFilled,
		Timestamp:      time.Now().UTC(),
	}
}

func TestManagerStartFailsWithoutPortfolio(t *testing.T) {
	repo, err := storage.FromMemory()
	require.NoError(t, err)
	b := bus.New()
	defer b.Close()

	m := NewManager(b, repo, nil)
	assert.Error(t, m.Start(context.Background()))
}

func TestManagerSizesUnsizedProposal(t *testing.T) {
	m, _, _ := newManagerUnderTest(t)

	resp := m.Validate(context.Background(), buySignal(0))

	assert.Equal(t, ResultApproved, resp.Result)
	assert.InDelta(t, 0.01, resp.ApprovedQuantity, 1e-9)
	assert.Equal(t, RiskMedium, resp.RiskLevel)
}

func TestManagerForwardsApprovedCommand(t *testing.T) {
	m, b, _ := newManagerUnderTest(t)
	_ = m

	commands := make(chan model.TradeCommand, 1)
	require.True(t, b.Subscribe(bus.QueueTradeCommands, func(msg bus.Message) error {
		var cmd model.TradeCommand
		if err := msg.Decode(&cmd); err != nil {
			return err
		}
		commands <- cmd
		return nil
	}, true))

	b.Publish(bus.ExchangeRequests, bus.TopicCapitalAllocation(1), buySignal(0), true)

	select {
	case cmd := <-commands:
		assert.Equal(t, int64(1), cmd.StrategyID)
		assert.Equal(t, model.SideTypeBuy, cmd.Side)
		assert.Equal(t, model.OrderTypeMarket, cmd.Type)
		assert.InDelta(t, 0.01, cmd.Quantity, 1e-9)
		assert.NotEmpty(t, cmd.ClientID)
	case <-time.After(2 * time.Second):
		t.Fatal("no trade command published")
	}
}

func TestManagerValidationTopicIsDryRun(t *testing.T) {
	_, b, _ := newManagerUnderTest(t)

	commands := make(chan model.TradeCommand, 1)
	require.True(t, b.Subscribe(bus.QueueTradeCommands, func(msg bus.Message) error {
		var cmd model.TradeCommand
		_ = msg.Decode(&cmd)
		commands <- cmd
		return nil
	}, true))

	b.Publish(bus.ExchangeRequests, bus.TopicCapitalValidation, buySignal(0), true)

	select {
	case <-commands:
		t.Fatal("dry-run validation must not produce a command")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestManagerSettlesFillIntoPosition(t *testing.T) {
	m, _, repo := newManagerUnderTest(t)

	m.OnTradeExecuted(fill(model.SideTypeBuy, 0.01, 50000))

	position, ok := m.Position(1, "BTC/USDT")
	require.True(t, ok)
	size, _ := position.Size.Float64()
	entry, _ := position.AvgEntryPrice.Float64()
	assert.Equal(t, 0.01, size)
	assert.Equal(t, 50000.0, entry)

	// cost 500 plus 5 fees
	portfolio, err := repo.ActivePortfolio()
	require.NoError(t, err)
	available, _ := portfolio.AvailableCapital.Float64()
	assert.InDelta(t, 9495, available, 1e-6)

	persisted, err := repo.Positions(storage.WithOpenPositions())
	require.NoError(t, err)
	require.Len(t, persisted, 1)
}

func TestManagerClosesPositionOnFullSell(t *testing.T) {
	m, _, _ := newManagerUnderTest(t)

	m.OnTradeExecuted(fill(model.SideTypeBuy, 0.01, 50000))
	m.OnTradeExecuted(fill(model.SideTypeSell, 0.01, 51000))

	_, ok := m.Position(1, "BTC/USDT")
	assert.False(t, ok)
	daily, _ := m.DailyPnL().Float64()
	assert.InDelta(t, 10, daily, 1e-6)
}

func TestManagerDailyLossTripsBreakerOnce(t *testing.T) {
	m, b, _ := newManagerUnderTest(t)

	alarms := make(chan bus.Message, 4)
	require.True(t, b.Subscribe(bus.QueueSystemEvents, func(msg bus.Message) error {
		alarms <- msg
		return nil
	}, true))

	// Realize a 510 loss against the 500 daily cap (5% of 10000).
	m.OnTradeExecuted(fill(model.SideTypeBuy, 1, 1000))
	m.OnTradeExecuted(fill(model.SideTypeSell, 1, 490))

	select {
	case msg := <-alarms:
		assert.Equal(t, bus.TopicSystemError, msg.RoutingKey)
	case <-time.After(2 * time.Second):
		t.Fatal("no breaker alarm published")
	}

	resp := m.Validate(context.Background(), buySignal(0))
	assert.Equal(t, ResultRejected, resp.Result)
	require.NotEmpty(t, resp.Reasons)
	assert.Contains(t, resp.Reasons[0], "circuit breaker")

	// A further losing fill must not alarm again.
	m.OnTradeExecuted(fill(model.SideTypeBuy, 1, 1000))
	m.OnTradeExecuted(fill(model.SideTypeSell, 1, 900))
	select {
	case <-alarms:
		t.Fatal("breaker alarm published twice")
	case <-time.After(300 * time.Millisecond):
	}

	// Resetting the breaker does not erase the loss: the daily-loss rule
	// itself still rejects for the rest of the day.
	m.ResetBreaker(breakerDailyLoss)
	resp = m.Validate(context.Background(), buySignal(0))
	assert.Equal(t, ResultRejected, resp.Result)
	assert.Contains(t, resp.Reasons[0], "daily loss limit")
}

func TestManagerDailyLossRejectionTripsBreaker(t *testing.T) {
	m, b, _ := newManagerUnderTest(t)

	alarms := make(chan bus.Message, 4)
	require.True(t, b.Subscribe(bus.QueueSystemEvents, func(msg bus.Message) error {
		alarms <- msg
		return nil
	}, true))

	// 480 already lost against the 500 daily cap (5% of 10000); a proposal
	// risking another 30 must not only be rejected, it latches the breaker.
	m.mu.Lock()
	m.dailyPnL = decimal.NewFromInt(-480)
	m.mu.Unlock()

	signal := buySignal(0.01)
	signal.StopLossPrice = 47000 // 3000 stop distance, risk 30

	resp := m.Validate(context.Background(), signal)
	assert.Equal(t, ResultRejected, resp.Result)
	require.NotEmpty(t, resp.Reasons)
	assert.Contains(t, resp.Reasons[0], "daily loss limit")

	select {
	case msg := <-alarms:
		assert.Equal(t, bus.TopicSystemError, msg.RoutingKey)
	case <-time.After(2 * time.Second):
		t.Fatal("no breaker alarm published")
	}

	// Even a tiny follow-up proposal fails on the breaker until reset.
	resp = m.Validate(context.Background(), buySignal(0.001))
	assert.Equal(t, ResultRejected, resp.Result)
	require.NotEmpty(t, resp.Reasons)
	assert.Contains(t, resp.Reasons[0], "circuit breaker")

	// The latch alarms once, not per rejection.
	select {
	case <-alarms:
		t.Fatal("breaker alarm published twice")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestManagerEmergencyStopLatch(t *testing.T) {
	m, _, repo := newManagerUnderTest(t)

	m.EmergencyStop("exchange misbehaving")
	assert.True(t, m.Halted())

	resp := m.Validate(context.Background(), buySignal(0))
	assert.Equal(t, ResultRejected, resp.Result)
	assert.Contains(t, resp.Reasons[0], "system halted")

	// Latched: a second call is a no-op, reset clears it.
	m.EmergencyStop("again")
	m.ResetEmergencyStop()
	assert.False(t, m.Halted())
	assert.Equal(t, ResultApproved, m.Validate(context.Background(), buySignal(0)).Result)

	_ = repo
}

func TestManagerMalformedProposalGoesToDeadLetters(t *testing.T) {
	m, b, _ := newManagerUnderTest(t)

	b.Publish(bus.ExchangeRequests, bus.TopicCapitalAllocation(1), []int{1, 2, 3}, true)

	require.Eventually(t, func() bool {
		return b.DeadLetterCount() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	// The consumer survives and the next proposal still settles.
	resp := m.Validate(context.Background(), buySignal(0))
	assert.Equal(t, ResultApproved, resp.Result)
}

func TestManagerRecoversOpenPositionsAtStartup(t *testing.T) {
	repo, err := storage.FromMemory()
	require.NoError(t, err)
	require.NoError(t, repo.CreatePortfolio(&model.Portfolio{
		Name:             "main",
		TotalCapital:     decimal.NewFromInt(10000),
		AvailableCapital: decimal.NewFromInt(9000),
		Active:           true,
	}))
	require.NoError(t, repo.CreatePosition(&model.Position{
		StrategyID:    1,
		Symbol:        "BTC/USDT",
		Side:          model.SideTypeBuy,
		Size:          decimal.NewFromFloat(0.02),
		AvgEntryPrice: decimal.NewFromInt(48000),
		Open:          true,
		OpenedAt:      time.Now().UTC(),
	}))

	b := bus.New()
	defer b.Close()
	m := NewManager(b, repo, nil)
	require.NoError(t, m.Start(context.Background()))

	assert.Equal(t, 1, m.OpenPositionCount())
	_, ok := m.Position(1, "BTC/USDT")
	assert.True(t, ok)
}
