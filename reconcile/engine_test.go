package reconcile

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsbot/helmsbot/exchange"
	"github.com/helmsbot/helmsbot/model"
	"github.com/helmsbot/helmsbot/storage"
)

func seedPortfolio(t *testing.T, repo storage.Storage, capital float64) {
	t.Helper()
	require.NoError(t, repo.CreatePortfolio(&model.Portfolio{
		Name:             "main",
		BaseCurrency:     "USDT",
		TotalCapital:     decimal.NewFromFloat(capital),
		AvailableCapital: decimal.NewFromFloat(capital),
		Active:           true,
	}))
}

func TestReconcileQuiescentSystemIsClean(t *testing.T) {
	repo, err := storage.FromMemory()
	require.NoError(t, err)
	seedPortfolio(t, repo, 10000)

	sandbox := exchange.NewSandbox(exchange.WithSandboxAsset("USDT", 10000))
	report, err := NewEngine(repo, sandbox).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, report.Status)
	assert.Empty(t, report.Discrepancies)
	assert.NotEmpty(t, report.SessionID)
}

func TestReconcileDetectsOrphanExchangeOrder(t *testing.T) {
	repo, err := storage.FromMemory()
	require.NoError(t, err)
	seedPortfolio(t, repo, 10000)
	params, _ := json.Marshal(map[string]int{"fast": 8})
	require.NoError(t, repo.CreateStrategyConfig(&model.StrategyConfig{
		Name: "cross-ema", Type: "cross_ema", Exchange: "binance",
		Symbol: "BTC/USDT", Params: params, Active: true,
	}))
	cfgs, err := repo.StrategyConfigs()
	require.NoError(t, err)
	require.NoError(t, repo.CreateMetric(&model.PerformanceMetric{
		StrategyID: cfgs[0].ID, Name: "total_return_percent",
		Value: decimal.NewFromInt(1), RecordedAt: time.Now().UTC(),
	}))

	sandbox := exchange.NewSandbox(exchange.WithSandboxAsset("USDT", 10000))
	sandbox.PlaceExternalOrder("BTC/USDT", model.SideTypeBuy, 0.5, 40000)

	report, err := NewEngine(repo, sandbox).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusPartial, report.Status)
	require.Len(t, report.Discrepancies, 1)
	d := report.Discrepancies[0]
	assert.Equal(t, TradeRecordMissing, d.Type)
	assert.Equal(t, SeverityHigh, d.Severity)
	assert.False(t, d.AutoCorrected)
}

func TestReconcileDetectsMissingOrder(t *testing.T) {
	repo, err := storage.FromMemory()
	require.NoError(t, err)
	seedPortfolio(t, repo, 10000)
	require.NoError(t, repo.CreateTrade(&model.Trade{
		StrategyID:      1,
		Exchange:        "binance",
		ExchangeOrderID: "999",
		Symbol:          "BTC/USDT",
		Side:            model.SideTypeBuy,
		Type:            model.OrderTypeLimit,
		Status:          model.OrderStatusTypeOpen,
	}))

	sandbox := exchange.NewSandbox(exchange.WithSandboxAsset("USDT", 10000))
	report, err := NewEngine(repo, sandbox).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, MissingOrder, report.Discrepancies[0].Type)
	assert.Equal(t, SeverityMedium, report.Discrepancies[0].Severity)
	assert.Equal(t, StatusCompleted, report.Status)
}

func TestReconcileBalanceVarianceThresholds(t *testing.T) {
	cases := []struct {
		name     string
		held     float64
		severity Severity
		findings int
	}{
		{"within tolerance", 9600, "", 0},
		{"medium variance", 9000, SeverityMedium, 1},
		{"high variance", 7000, SeverityHigh, 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo, err := storage.FromMemory()
			require.NoError(t, err)
			seedPortfolio(t, repo, 10000)

			sandbox := exchange.NewSandbox(exchange.WithSandboxAsset("USDT", tc.held))
			report, err := NewEngine(repo, sandbox).Run(context.Background())
			require.NoError(t, err)

			require.Len(t, report.Discrepancies, tc.findings)
			if tc.findings > 0 {
				assert.Equal(t, BalanceMismatch, report.Discrepancies[0].Type)
				assert.Equal(t, tc.severity, report.Discrepancies[0].Severity)
			}
		})
	}
}

func TestReconcilePositionChecks(t *testing.T) {
	repo, err := storage.FromMemory()
	require.NoError(t, err)
	seedPortfolio(t, repo, 10000)
	require.NoError(t, repo.CreatePosition(&model.Position{
		StrategyID:    1,
		Symbol:        "BTC/USDT",
		Side:          model.SideTypeBuy,
		Size:          decimal.NewFromFloat(0.02),
		AvgEntryPrice: decimal.NewFromInt(50000),
		Open:          true,
		OpenedAt:      time.Now().UTC(),
	}))

	// No BTC on exchange at all: the position is missing.
	sandbox := exchange.NewSandbox(exchange.WithSandboxAsset("USDT", 10000))
	report, err := NewEngine(repo, sandbox).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, MissingPosition, report.Discrepancies[0].Type)
	assert.Equal(t, SeverityHigh, report.Discrepancies[0].Severity)
	assert.Equal(t, StatusPartial, report.Status)

	// Holding within the 0.1% variance tolerance is clean.
	sandbox.Deposit("BTC", 0.02)
	report, err = NewEngine(repo, sandbox).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Discrepancies)

	// A 5% shortfall is a size mismatch.
	sandbox2 := exchange.NewSandbox(
		exchange.WithSandboxAsset("USDT", 10000),
		exchange.WithSandboxAsset("BTC", 0.019),
	)
	report, err = NewEngine(repo, sandbox2).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, PositionSizeMismatch, report.Discrepancies[0].Type)
	assert.Equal(t, SeverityMedium, report.Discrepancies[0].Severity)
}

func TestReconcileStrategySanityIsLowAndLogged(t *testing.T) {
	repo, err := storage.FromMemory()
	require.NoError(t, err)
	seedPortfolio(t, repo, 10000)
	require.NoError(t, repo.CreateStrategyConfig(&model.StrategyConfig{
		Name: "bare", Type: "grid", Exchange: "binance",
		Symbol: "ETH/USDT", Active: true,
	}))

	sandbox := exchange.NewSandbox(exchange.WithSandboxAsset("USDT", 10000))
	report, err := NewEngine(repo, sandbox).Run(context.Background())
	require.NoError(t, err)

	// Missing params and missing metrics are separate LOW findings; they
	// never degrade the final status.
	assert.Equal(t, StatusCompleted, report.Status)
	require.Len(t, report.Discrepancies, 2)
	for _, d := range report.Discrepancies {
		assert.Equal(t, StrategyStateMissing, d.Type)
		assert.Equal(t, SeverityLow, d.Severity)
		assert.True(t, d.AutoCorrected)
	}
}

func TestReportRender(t *testing.T) {
	report := &Report{
		SessionID: "abc",
		Status:    StatusPartial,
		Discrepancies: []Discrepancy{{
			Type: TradeRecordMissing, Severity: SeverityHigh,
			Ref: "BTC/USDT", Observed: "42", Expected: "absent",
			Detail: "exchange order has no database record",
		}},
	}
	out := report.Render()
	assert.Contains(t, out, "trade_record_missing")
	assert.Contains(t, out, "partial")
}
