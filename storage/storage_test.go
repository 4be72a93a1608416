package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsbot/helmsbot/model"
)

func TestTradeFilters(t *testing.T) {
	repo, err := FromMemory()
	require.NoError(t, err)

	now := time.Now()
	trades := []*model.Trade{
		{StrategyID: 1, Symbol: "BTC/USDT", Status: model.OrderStatusTypeClosed, ExchangeOrderID: "a", CreatedAt: now.Add(-2 * time.Hour)},
		{StrategyID: 1, Symbol: "ETH/USDT", Status: model.OrderStatusTypeOpen, ExchangeOrderID: "b", CreatedAt: now.Add(-time.Hour)},
		{StrategyID: 2, Symbol: "BTC/USDT", Status: model.OrderStatusTypeFailed, ExchangeOrderID: "c", CreatedAt: now},
	}
	for _, trade := range trades {
		require.NoError(t, repo.CreateTrade(trade))
	}

	got, err := repo.Trades(WithTradeSymbol("BTC/USDT"))
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = repo.Trades(WithTradeStrategy(1), WithTradeStatusIn(model.OrderStatusTypeOpen))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ExchangeOrderID)

	got, err = repo.Trades(WithTradeSince(now.Add(-90 * time.Minute)))
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = repo.Trades(WithExchangeOrderID("c"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.OrderStatusTypeFailed, got[0].Status)
}

func TestPortfolioRoundTrip(t *testing.T) {
	repo, err := FromMemory()
	require.NoError(t, err)

	portfolio := &model.Portfolio{
		Name:             "main",
		BaseCurrency:     "USDT",
		TotalCapital:     decimal.NewFromInt(10000),
		AvailableCapital: decimal.NewFromInt(10000),
		Active:           true,
	}
	require.NoError(t, repo.CreatePortfolio(portfolio))
	require.NotZero(t, portfolio.ID)

	active, err := repo.ActivePortfolio()
	require.NoError(t, err)
	assert.Equal(t, portfolio.ID, active.ID)

	active.AvailableCapital = decimal.NewFromInt(9000)
	require.NoError(t, repo.UpdatePortfolio(active))

	reloaded, err := repo.Portfolio(portfolio.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.AvailableCapital.Equal(decimal.NewFromInt(9000)))

	_, err = repo.Portfolio(999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLLookupsMapRecordNotFound(t *testing.T) {
	repo, err := FromSQL(sqlite.Open(filepath.Join(t.TempDir(), "helmsbot.db")))
	require.NoError(t, err)

	_, err = repo.Portfolio(999)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.ActivePortfolio()
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.StrategyConfig(999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRulesOnlyActiveForPortfolio(t *testing.T) {
	repo, err := FromMemory()
	require.NoError(t, err)

	require.NoError(t, repo.CreateRule(&model.PortfolioRule{PortfolioID: 1, Kind: model.RuleMaxDailyLossPercent, Active: true}))
	require.NoError(t, repo.CreateRule(&model.PortfolioRule{PortfolioID: 1, Kind: model.RuleBlacklistedSymbols, Active: false}))
	require.NoError(t, repo.CreateRule(&model.PortfolioRule{PortfolioID: 2, Kind: model.RuleMaxDailyLossPercent, Active: true}))

	rules, err := repo.Rules(1)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, model.RuleMaxDailyLossPercent, rules[0].Kind)
}

func TestGridOrderUpsert(t *testing.T) {
	repo, err := FromMemory()
	require.NoError(t, err)

	rung := &model.GridOrder{
		StrategyID: 7,
		Level:      3,
		Side:       model.SideTypeBuy,
		Price:      decimal.NewFromInt(42000),
		Quantity:   decimal.NewFromFloat(0.01),
	}
	require.NoError(t, repo.SaveGridOrder(rung))
	firstID := rung.ID

	again := &model.GridOrder{
		StrategyID: 7,
		Level:      3,
		Side:       model.SideTypeBuy,
		Price:      decimal.NewFromInt(42000),
		Quantity:   decimal.NewFromFloat(0.01),
		Filled:     true,
	}
	require.NoError(t, repo.SaveGridOrder(again))
	assert.Equal(t, firstID, again.ID)

	orders, err := repo.GridOrders(7)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.True(t, orders[0].Filled)
}

func TestPositionFilters(t *testing.T) {
	repo, err := FromMemory()
	require.NoError(t, err)

	require.NoError(t, repo.CreatePosition(&model.Position{StrategyID: 1, Symbol: "BTC/USDT", Open: true}))
	require.NoError(t, repo.CreatePosition(&model.Position{StrategyID: 1, Symbol: "ETH/USDT", Open: false}))
	require.NoError(t, repo.CreatePosition(&model.Position{StrategyID: 2, Symbol: "BTC/USDT", Open: true}))

	open, err := repo.Positions(WithOpenPositions())
	require.NoError(t, err)
	assert.Len(t, open, 2)

	mine, err := repo.Positions(WithPositionStrategy(1), WithOpenPositions())
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "BTC/USDT", mine[0].Symbol)
}
