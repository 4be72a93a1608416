// Package reconcile compares the database's view of balances, positions
// and orders against the exchange and classifies every divergence by
// severity. It never trades; the worst it does is log and report.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"

	"github.com/helmsbot/helmsbot/exchange"
	"github.com/helmsbot/helmsbot/model"
	"github.com/helmsbot/helmsbot/service"
	"github.com/helmsbot/helmsbot/storage"
	"github.com/helmsbot/helmsbot/tools/log"
)

// Severity ranks a discrepancy. LOW is auto-correctable, CRITICAL halts
// trading.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// DiscrepancyType names what diverged.
type DiscrepancyType string

const (
	MissingPosition      DiscrepancyType = "missing_position"
	ExtraPosition        DiscrepancyType = "extra_position"
	PositionSizeMismatch DiscrepancyType = "position_size_mismatch"
	MissingOrder         DiscrepancyType = "missing_order"
	OrderStatusMismatch  DiscrepancyType = "order_status_mismatch"
	BalanceMismatch      DiscrepancyType = "balance_mismatch"
	TradeRecordMissing   DiscrepancyType = "trade_record_missing"
	StrategyStateMissing DiscrepancyType = "strategy_state_missing"
)

// Discrepancy is one detected divergence between database and exchange.
type Discrepancy struct {
	Type          DiscrepancyType `json:"type"`
	Severity      Severity        `json:"severity"`
	Ref           string          `json:"ref"`
	Expected      string          `json:"expected"`
	Observed      string          `json:"observed"`
	Detail        string          `json:"detail"`
	AutoCorrected bool            `json:"auto_corrected"`
}

// ReportStatus is the final verdict of one reconciliation run.
type ReportStatus string

const (
	StatusCompleted ReportStatus = "completed"
	StatusPartial   ReportStatus = "partial"
)

// Report is the outcome of one reconciliation session.
type Report struct {
	SessionID     string        `json:"session_id"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
	Status        ReportStatus  `json:"status"`
	Discrepancies []Discrepancy `json:"discrepancies"`
}

func (r *Report) add(d Discrepancy) {
	r.Discrepancies = append(r.Discrepancies, d)
}

// CountBySeverity tallies discrepancies at the given severity.
func (r *Report) CountBySeverity(severity Severity) int {
	count := 0
	for _, d := range r.Discrepancies {
		if d.Severity == severity {
			count++
		}
	}
	return count
}

// HasCritical reports whether any discrepancy demands a trading halt.
func (r *Report) HasCritical() bool {
	return r.CountBySeverity(SeverityCritical) > 0
}

// Render prints the report as an ASCII table for the CLI and logs.
func (r *Report) Render() string {
	builder := &strings.Builder{}
	fmt.Fprintf(builder, "reconciliation %s: %s, %d finding(s)\n",
		r.SessionID, r.Status, len(r.Discrepancies))

	if len(r.Discrepancies) == 0 {
		return builder.String()
	}

	table := tablewriter.NewWriter(builder)
	table.SetHeader([]string{"Type", "Severity", "Ref", "Expected", "Observed", "Detail"})
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT, tablewriter.ALIGN_LEFT, tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_LEFT,
	})
	for _, d := range r.Discrepancies {
		table.Append([]string{
			string(d.Type), string(d.Severity), d.Ref, d.Expected, d.Observed, d.Detail,
		})
	}
	table.Render()
	return builder.String()
}

const (
	balanceMediumPct    = 5.0
	balanceHighPct      = 20.0
	positionVariancePct = 0.1
)

// Engine runs reconciliation sessions against one exchange account.
type Engine struct {
	repo     storage.Storage
	exchange service.Exchange
}

// NewEngine wires the engine to the database and the exchange.
func NewEngine(repo storage.Storage, ex service.Exchange) *Engine {
	return &Engine{repo: repo, exchange: ex}
}

// Run executes one full reconciliation session and persists its summary.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		SessionID: uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
	log.WithField("session", report.SessionID).Info("reconcile: session started")

	e.reconcileBalances(ctx, report)
	e.reconcilePositions(ctx, report)
	e.reconcileOrders(ctx, report)
	e.checkStrategyState(report)
	e.autoCorrect(report)

	report.FinishedAt = time.Now().UTC()
	report.Status = StatusCompleted
	if report.HasCritical() || report.CountBySeverity(SeverityHigh) > 0 {
		report.Status = StatusPartial
	}

	e.persistSummary(report)
	log.WithFields(log.Fields{
		"session":  report.SessionID,
		"status":   report.Status,
		"findings": len(report.Discrepancies),
	}).Info("reconcile: session finished")
	return report, nil
}

// reconcileBalances compares the active portfolio's capital against the
// exchange balance in its base currency.
func (e *Engine) reconcileBalances(ctx context.Context, report *Report) {
	portfolio, err := e.repo.ActivePortfolio()
	if err != nil {
		log.Errorf("reconcile: no active portfolio: %v", err)
		return
	}

	balance, err := e.exchange.Balance(ctx, portfolio.BaseCurrency)
	if err != nil {
		log.Errorf("reconcile: balance fetch failed: %v", err)
		return
	}

	expected, _ := portfolio.TotalCapital.Float64()
	if expected == 0 {
		return
	}
	variance := math.Abs(expected-balance.Total) / expected * 100
	if variance <= balanceMediumPct {
		return
	}

	severity := SeverityMedium
	if variance > balanceHighPct {
		severity = SeverityHigh
	}
	report.add(Discrepancy{
		Type:     BalanceMismatch,
		Severity: severity,
		Ref:      portfolio.BaseCurrency,
		Expected: fmt.Sprintf("%.8f", expected),
		Observed: fmt.Sprintf("%.8f", balance.Total),
		Detail:   fmt.Sprintf("variance %.2f%%", variance),
	})
}

// reconcilePositions verifies the exchange holds the base asset of every
// open database position.
func (e *Engine) reconcilePositions(ctx context.Context, report *Report) {
	positions, err := e.repo.Positions(storage.WithOpenPositions())
	if err != nil {
		log.Errorf("reconcile: cannot load positions: %v", err)
		return
	}

	// Open positions sharing a base asset are compared in aggregate since
	// the exchange reports one balance per asset.
	expectedByAsset := make(map[string]float64)
	refByAsset := make(map[string]string)
	for _, p := range positions {
		base, _ := exchange.SplitAssetQuote(p.Symbol)
		size, _ := p.Size.Float64()
		expectedByAsset[base] += size
		refByAsset[base] = p.Symbol
	}

	for asset, expected := range expectedByAsset {
		if expected <= 0 {
			continue
		}
		balance, err := e.exchange.Balance(ctx, asset)
		if err != nil {
			log.Errorf("reconcile: balance fetch for %s failed: %v", asset, err)
			continue
		}

		if balance.Total == 0 {
			report.add(Discrepancy{
				Type:     MissingPosition,
				Severity: SeverityHigh,
				Ref:      refByAsset[asset],
				Expected: fmt.Sprintf("%.8f", expected),
				Observed: "0",
				Detail:   "open position has no backing balance on exchange",
			})
			continue
		}

		variance := math.Abs(expected-balance.Total) / expected * 100
		if variance > positionVariancePct {
			report.add(Discrepancy{
				Type:     PositionSizeMismatch,
				Severity: SeverityMedium,
				Ref:      refByAsset[asset],
				Expected: fmt.Sprintf("%.8f", expected),
				Observed: fmt.Sprintf("%.8f", balance.Total),
				Detail:   fmt.Sprintf("variance %.4f%%", variance),
			})
		}
	}
}

// reconcileOrders cross-checks pending and open database trades against
// the exchange's open orders, both directions.
func (e *Engine) reconcileOrders(ctx context.Context, report *Report) {
	dbTrades, err := e.repo.Trades(storage.WithTradeStatusIn(
		model.OrderStatusTypePending, model.OrderStatusTypeOpen))
	if err != nil {
		log.Errorf("reconcile: cannot load trades: %v", err)
		return
	}

	symbols := make(map[string]bool)
	for _, trade := range dbTrades {
		symbols[trade.Symbol] = true
	}
	if configs, err := e.repo.StrategyConfigs(storage.WithActiveConfigs()); err == nil {
		for _, cfg := range configs {
			symbols[cfg.Symbol] = true
		}
	}

	onExchange := make(map[string]model.OrderResponse)
	for symbol := range symbols {
		orders, err := e.exchange.OpenOrders(ctx, symbol)
		if err != nil {
			log.Errorf("reconcile: open orders fetch for %s failed: %v", symbol, err)
			continue
		}
		for _, order := range orders {
			onExchange[order.ExchangeOrderID] = order
		}
	}

	for _, trade := range dbTrades {
		if _, found := onExchange[trade.ExchangeOrderID]; found {
			delete(onExchange, trade.ExchangeOrderID)
			continue
		}
		report.add(Discrepancy{
			Type:     MissingOrder,
			Severity: SeverityMedium,
			Ref:      trade.Symbol,
			Expected: trade.ExchangeOrderID,
			Observed: "absent",
			Detail:   fmt.Sprintf("database trade %d is %s but not open on exchange", trade.ID, trade.Status),
		})
	}

	// Whatever remains was placed outside the connector.
	for id, order := range onExchange {
		matches, err := e.repo.Trades(storage.WithExchangeOrderID(id))
		if err == nil && len(matches) > 0 {
			continue
		}
		report.add(Discrepancy{
			Type:     TradeRecordMissing,
			Severity: SeverityHigh,
			Ref:      order.Symbol,
			Expected: "absent",
			Observed: id,
			Detail:   "exchange order has no database record",
		})
	}
}

// checkStrategyState requires every active strategy to have parameters
// and at least one recorded performance metric.
func (e *Engine) checkStrategyState(report *Report) {
	configs, err := e.repo.StrategyConfigs(storage.WithActiveConfigs())
	if err != nil {
		log.Errorf("reconcile: cannot load strategy configs: %v", err)
		return
	}

	for _, cfg := range configs {
		if len(cfg.Params) == 0 || string(cfg.Params) == "null" {
			report.add(Discrepancy{
				Type:     StrategyStateMissing,
				Severity: SeverityLow,
				Ref:      cfg.Name,
				Detail:   "strategy has no parameters",
			})
		}
		metrics, err := e.repo.Metrics(storage.WithMetricStrategy(cfg.ID))
		if err == nil && len(metrics) == 0 {
			report.add(Discrepancy{
				Type:     StrategyStateMissing,
				Severity: SeverityLow,
				Ref:      cfg.Name,
				Detail:   "strategy has no performance metrics",
			})
		}
	}
}

// autoCorrect handles LOW findings. The current remediation is logging
// for manual follow-up; higher severities are never touched.
func (e *Engine) autoCorrect(report *Report) {
	for i := range report.Discrepancies {
		d := &report.Discrepancies[i]
		if d.Severity != SeverityLow {
			continue
		}
		log.WithFields(log.Fields{
			"type": d.Type,
			"ref":  d.Ref,
		}).Info("reconcile: low finding logged for follow-up")
		d.AutoCorrected = true
	}
}

func (e *Engine) persistSummary(report *Report) {
	level := model.LogLevelInfo
	switch {
	case report.HasCritical():
		level = model.LogLevelCritical
	case report.Status == StatusPartial:
		level = model.LogLevelWarning
	}

	raw, _ := json.Marshal(report)
	entry := &model.SystemLog{
		Level:     level,
		Component: "reconciliation",
		Message: fmt.Sprintf("reconciliation %s %s with %d finding(s)",
			report.SessionID, report.Status, len(report.Discrepancies)),
		Context:   raw,
		CreatedAt: report.FinishedAt,
	}
	if err := e.repo.CreateSystemLog(entry); err != nil {
		log.Errorf("reconcile: cannot persist report: %v", err)
	}
}
