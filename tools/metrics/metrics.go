// Package metrics computes per-strategy performance figures from settled
// positions and persists them as append-only metric rows.
package metrics

import (
	"math"
	"sort"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/helmsbot/helmsbot/model"
	"github.com/helmsbot/helmsbot/storage"
	"github.com/helmsbot/helmsbot/tools/log"
)

// Metric names written by the snapshot. Reporting reads them back by name.
const (
	MetricTotalReturnPct = "total_return_percent"
	MetricSharpeRatio    = "sharpe_ratio"
	MetricMaxDrawdownPct = "max_drawdown_percent"
	MetricTradeCount     = "trade_count"

	MetricMeanReturnCILower = "mean_return_ci_lower_percent"
	MetricMeanReturnCIUpper = "mean_return_ci_upper_percent"
)

// BootstrapInterval holds a resampled confidence interval for a statistic.
type BootstrapInterval struct {
	Lower  float64
	Upper  float64
	StdDev float64
	Mean   float64
}

// Bootstrap estimates the confidence interval of measure over values by
// resampling with replacement sampleSize times.
func Bootstrap(values []float64, measure func([]float64) float64, sampleSize int,
	confidence float64) BootstrapInterval {
	var data []float64

	for i := 0; i < sampleSize; i++ {
		samples := make([]float64, len(values))
		for j := 0; j < len(values); j++ {
			samples[j] = lo.Sample(values)
		}
		data = append(data, measure(samples))
	}

	tail := 1 - confidence
	sort.Float64s(data)
	mean, stdDev := stat.MeanStdDev(data, nil)
	upper := stat.Quantile(1-tail/2, stat.LinInterp, data, nil)
	lower := stat.Quantile(tail/2, stat.LinInterp, data, nil)

	return BootstrapInterval{
		Lower:  lower,
		Upper:  upper,
		StdDev: stdDev,
		Mean:   mean,
	}
}

// Writer persists performance snapshots.
type Writer struct {
	repo storage.Storage
}

// NewWriter creates a metrics writer over the given store.
func NewWriter(repo storage.Storage) *Writer {
	return &Writer{repo: repo}
}

// Snapshot computes and records the strategy's performance against the
// portfolio's total capital. Strategies without closed positions only get
// a trade count.
func (w *Writer) Snapshot(strategyID, portfolioID int64) error {
	portfolio, err := w.repo.Portfolio(portfolioID)
	if err != nil {
		return err
	}
	positions, err := w.repo.Positions(storage.WithPositionStrategy(strategyID))
	if err != nil {
		return err
	}

	total, _ := portfolio.TotalCapital.Float64()
	returns := returnSeries(positions, total)
	now := time.Now().UTC()

	record := func(name string, value float64) {
		metric := &model.PerformanceMetric{
			StrategyID:  strategyID,
			PortfolioID: portfolioID,
			Name:        name,
			Value:       decimal.NewFromFloat(value),
			RecordedAt:  now,
		}
		if err := w.repo.CreateMetric(metric); err != nil {
			log.Errorf("metrics: cannot persist %s: %v", name, err)
		}
	}

	record(MetricTradeCount, float64(len(returns)))
	if len(returns) == 0 {
		return nil
	}

	record(MetricTotalReturnPct, totalReturnPct(positions, total))
	record(MetricSharpeRatio, sharpe(returns))
	record(MetricMaxDrawdownPct, maxDrawdownPct(returns))

	// With enough trades, bound the mean return by resampling.
	if len(returns) >= 10 {
		ci := Bootstrap(returns, func(sample []float64) float64 {
			return stat.Mean(sample, nil)
		}, 500, 0.95)
		record(MetricMeanReturnCILower, ci.Lower*100)
		record(MetricMeanReturnCIUpper, ci.Upper*100)
	}
	return nil
}

// returnSeries yields each closed position's realized PnL as a fraction of
// portfolio capital, in close order.
func returnSeries(positions []*model.Position, totalCapital float64) []float64 {
	if totalCapital <= 0 {
		return nil
	}
	closed := lo.Filter(positions, func(p *model.Position, _ int) bool {
		return !p.Open && p.ClosedAt != nil
	})
	sort.Slice(closed, func(i, j int) bool {
		return closed[i].ClosedAt.Before(*closed[j].ClosedAt)
	})

	return lo.Map(closed, func(p *model.Position, _ int) float64 {
		realized, _ := p.RealizedPnL.Float64()
		return realized / totalCapital
	})
}

func totalReturnPct(positions []*model.Position, totalCapital float64) float64 {
	if totalCapital <= 0 {
		return 0
	}
	realized := decimal.Zero
	for _, p := range positions {
		realized = realized.Add(p.RealizedPnL).Sub(p.TotalFees)
	}
	value, _ := realized.Float64()
	return value / totalCapital * 100
}

// sharpe is the annualized mean-over-volatility of the per-trade returns,
// risk-free rate zero.
func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean, stdDev := stat.MeanStdDev(returns, nil)
	if stdDev == 0 {
		return 0
	}
	return mean / stdDev * math.Sqrt(252)
}

// maxDrawdownPct walks the cumulative return curve and reports the deepest
// peak-to-trough fall in percent.
func maxDrawdownPct(returns []float64) float64 {
	equity := 1.0
	peak := 1.0
	worst := 0.0
	for _, r := range returns {
		equity *= 1 + r
		if equity > peak {
			peak = equity
		}
		if dd := (peak - equity) / peak; dd > worst {
			worst = dd
		}
	}
	return worst * 100
}
