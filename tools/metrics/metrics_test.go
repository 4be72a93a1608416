package metrics

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsbot/helmsbot/model"
	"github.com/helmsbot/helmsbot/storage"
)

func closedPosition(strategyID int64, realized float64, closedAt time.Time) *model.Position {
	return &model.Position{
		StrategyID:    strategyID,
		Symbol:        "BTC/USDT",
		Side:          model.SideTypeBuy,
		AvgEntryPrice: decimal.NewFromInt(50000),
		RealizedPnL:   decimal.NewFromFloat(realized),
		Open:          false,
		OpenedAt:      closedAt.Add(-time.Hour),
		ClosedAt:      &closedAt,
	}
}

func TestSnapshotRecordsPerformance(t *testing.T) {
	repo, err := storage.FromMemory()
	require.NoError(t, err)
	portfolio := &model.Portfolio{
		Name:         "main",
		TotalCapital: decimal.NewFromInt(10000),
		Active:       true,
	}
	require.NoError(t, repo.CreatePortfolio(portfolio))

	base := time.Now().UTC()
	require.NoError(t, repo.CreatePosition(closedPosition(1, 100, base.Add(-2*time.Hour))))
	require.NoError(t, repo.CreatePosition(closedPosition(1, -50, base.Add(-time.Hour))))
	require.NoError(t, repo.CreatePosition(&model.Position{
		StrategyID: 1, Symbol: "ETH/USDT", Side: model.SideTypeBuy,
		Size: decimal.NewFromFloat(0.5), Open: true, OpenedAt: base,
	}))

	require.NoError(t, NewWriter(repo).Snapshot(1, portfolio.ID))

	rows, err := repo.Metrics(storage.WithMetricStrategy(1))
	require.NoError(t, err)

	byName := make(map[string]float64)
	for _, row := range rows {
		value, _ := row.Value.Float64()
		byName[row.Name] = value
	}

	assert.Equal(t, 2.0, byName[MetricTradeCount])
	assert.InDelta(t, 0.5, byName[MetricTotalReturnPct], 1e-9)
	assert.NotZero(t, byName[MetricSharpeRatio])
	// +1% then -0.5% of capital: trough half a percent under the peak
	assert.InDelta(t, 0.5, byName[MetricMaxDrawdownPct], 1e-6)

	// Too few trades for the resampled interval.
	_, ok := byName[MetricMeanReturnCILower]
	assert.False(t, ok)
}

func TestSnapshotWithoutClosedPositions(t *testing.T) {
	repo, err := storage.FromMemory()
	require.NoError(t, err)
	portfolio := &model.Portfolio{Name: "main", TotalCapital: decimal.NewFromInt(10000), Active: true}
	require.NoError(t, repo.CreatePortfolio(portfolio))

	require.NoError(t, NewWriter(repo).Snapshot(7, portfolio.ID))

	rows, err := repo.Metrics(storage.WithMetricStrategy(7))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, MetricTradeCount, rows[0].Name)
}

func TestBootstrapIntervalBracketsMean(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	ci := Bootstrap(values, func(sample []float64) float64 {
		sum := 0.0
		for _, v := range sample {
			sum += v
		}
		return sum / float64(len(sample))
	}, 500, 0.95)

	assert.Less(t, ci.Lower, ci.Upper)
	assert.InDelta(t, 5.5, ci.Mean, 1.5)
	assert.GreaterOrEqual(t, ci.Mean, ci.Lower)
	assert.LessOrEqual(t, ci.Mean, ci.Upper)
}
