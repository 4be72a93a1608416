package capital

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsbot/helmsbot/model"
)

func buyContext() *Context {
	return &Context{
		Signal: model.Signal{
			StrategyID:  1,
			Symbol:      "BTC/USDT",
			Side:        model.SideTypeBuy,
			SignalPrice: 50000,
		},
		Price:      50000,
		Quantity:   0.01,
		TotalValue: 10000,
		Limits:     DefaultLimits(),
	}
}

func TestChainApprovesWithinLimits(t *testing.T) {
	resp := NewChain().Evaluate(buyContext())

	assert.Equal(t, ResultApproved, resp.Result)
	assert.Equal(t, 0.01, resp.ApprovedQuantity)
	assert.Empty(t, resp.Reasons)
	assert.Equal(t, RiskMedium, resp.RiskLevel)
	assert.InDelta(t, 5.0, resp.PortfolioImpact, 1e-9)
	assert.InDelta(t, 49000, resp.SuggestedStopLoss, 1e-6)
	assert.InDelta(t, 52000, resp.SuggestedTakeProfit, 1e-6)
}

func TestChainResizesOversizedProposal(t *testing.T) {
	ctx := buyContext()
	ctx.Quantity = 0.5
	ctx.EstimatedRisk = 500 // 1000 stop distance on the requested 0.5

	resp := NewChain().Evaluate(ctx)

	assert.Equal(t, ResultApproved, resp.Result)
	assert.InDelta(t, 0.01, resp.ApprovedQuantity, 1e-9)
	require.Len(t, resp.Reasons, 1)
	assert.Contains(t, resp.Reasons[0], "reduced quantity")
	assert.Equal(t, RiskMedium, resp.RiskLevel)

	// Risk and impact follow the approved quantity, not the requested one.
	assert.InDelta(t, 10, resp.EstimatedRiskAmount, 1e-9)
	assert.InDelta(t, 5.0, resp.PortfolioImpact, 1e-9)
}

func TestChainRejectsWhenResizeIsNotTheOnlyFailure(t *testing.T) {
	ctx := buyContext()
	ctx.Quantity = 0.5
	ctx.Limits.MaxTradeAmount = 1000

	resp := NewChain().Evaluate(ctx)

	assert.Equal(t, ResultRejected, resp.Result)
	assert.Zero(t, resp.ApprovedQuantity)
	assert.Len(t, resp.Reasons, 2)
}

func TestChainDailyLossLimit(t *testing.T) {
	ctx := buyContext()
	ctx.DailyPnL = -480
	ctx.EstimatedRisk = 30

	resp := NewChain().Evaluate(ctx)

	assert.Equal(t, ResultRejected, resp.Result)
	assert.Zero(t, resp.ApprovedQuantity)
	require.NotEmpty(t, resp.Reasons)
	assert.Contains(t, resp.Reasons[0], "daily loss limit")
	assert.Contains(t, resp.FailedRules, "daily_loss_limit")
}

func TestChainEmergencyStopShortCircuitsEverything(t *testing.T) {
	ctx := buyContext()
	ctx.Halted = true
	ctx.HaltReason = "operator stop"

	resp := NewChain().Evaluate(ctx)

	assert.Equal(t, ResultRejected, resp.Result)
	assert.Contains(t, resp.Reasons[0], "system halted")
}

func TestChainBlockedSymbol(t *testing.T) {
	ctx := buyContext()
	ctx.Limits.BlockedSymbols = []string{"btc/usdt"}

	resp := NewChain().Evaluate(ctx)

	assert.Equal(t, ResultRejected, resp.Result)
	assert.Contains(t, resp.Reasons[0], "blocked")
}

func TestChainPositionLimitExemptsClosingSells(t *testing.T) {
	ctx := buyContext()
	ctx.Limits.MaxTotalPositions = 1
	ctx.OpenPositions = []*model.Position{{StrategyID: 1, Symbol: "BTC/USDT", Open: true}}

	resp := NewChain().Evaluate(ctx)
	assert.Equal(t, ResultRejected, resp.Result)

	ctx.Signal.Side = model.SideTypeSell
	resp = NewChain().Evaluate(ctx)
	assert.Equal(t, ResultApproved, resp.Result)
}

func TestChainDisableRule(t *testing.T) {
	ctx := buyContext()
	ctx.Quantity = 0.0001 // notional 5, below the 10 minimum

	chain := NewChain()
	assert.Equal(t, ResultRejected, chain.Evaluate(ctx).Result)

	chain.Disable("trade_size")
	assert.Equal(t, ResultApproved, chain.Evaluate(ctx).Result)
}

func TestRiskClassificationBoundaries(t *testing.T) {
	assert.Equal(t, RiskLow, classifyRisk(2))
	assert.Equal(t, RiskMedium, classifyRisk(5))
	assert.Equal(t, RiskHigh, classifyRisk(7))
	assert.Equal(t, RiskExtreme, classifyRisk(7.01))
}

func TestResolveLimitsOverlaysRules(t *testing.T) {
	pct, _ := json.Marshal(2.5)
	blocked, _ := json.Marshal([]string{"DOGE/USDT"})
	inactive, _ := json.Marshal(99.0)

	limits := ResolveLimits([]*model.PortfolioRule{
		{Kind: model.RuleMaxPositionSizePercent, Value: pct, Active: true},
		{Kind: model.RuleBlacklistedSymbols, Value: blocked, Active: true},
		{Kind: model.RuleMaxDailyLossPercent, Value: inactive, Active: false},
	})

	assert.Equal(t, 2.5, limits.MaxPositionSizePct)
	assert.Equal(t, []string{"DOGE/USDT"}, limits.BlockedSymbols)
	assert.Equal(t, DefaultLimits().MaxDailyLossPct, limits.MaxDailyLossPct)
}
