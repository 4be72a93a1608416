// Package capital holds the portfolio ledger and decides whether proposed
// trades run. It is the single authority between strategy signals and the
// exchange connector.
package capital

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/helmsbot/helmsbot/bus"
	"github.com/helmsbot/helmsbot/model"
	"github.com/helmsbot/helmsbot/service"
	"github.com/helmsbot/helmsbot/storage"
	"github.com/helmsbot/helmsbot/tools/log"
)

const breakerDailyLoss = "daily_loss"

// Manager owns the in-memory portfolio ledger. All mutation happens on the
// capital_requests consumer plus the exported control methods, under one
// lock.
type Manager struct {
	broker   *bus.Bus
	repo     storage.Storage
	feeder   service.Feeder
	notifier service.Notifier
	chain    *Chain

	mu        sync.Mutex
	portfolio *model.Portfolio
	limits    Limits
	positions map[string]*model.Position
	dailyPnL  decimal.Decimal
	dailyDay  time.Time
	breakers  map[string]string
	halted    bool
	haltCause string
}

// Option configures the manager.
type Option func(*Manager)

// WithNotifier attaches an operator notification channel for emergency
// stops and breaker trips.
func WithNotifier(notifier service.Notifier) Option {
	return func(m *Manager) { m.notifier = notifier }
}

// WithChain replaces the default rule chain, used by tests to disable
// individual rules.
func WithChain(chain *Chain) Option {
	return func(m *Manager) { m.chain = chain }
}

// NewManager wires the ledger to its bus, store and market-price source.
func NewManager(broker *bus.Bus, repo storage.Storage, feeder service.Feeder, options ...Option) *Manager {
	m := &Manager{
		broker:    broker,
		repo:      repo,
		feeder:    feeder,
		chain:     NewChain(),
		positions: make(map[string]*model.Position),
		breakers:  make(map[string]string),
	}
	for _, option := range options {
		option(m)
	}
	return m
}

func positionKey(strategyID int64, symbol string) string {
	return fmt.Sprintf("%d:%s", strategyID, symbol)
}

// Start loads the ledger from storage and subscribes to the capital
// queue. A missing active portfolio is fatal.
func (m *Manager) Start(ctx context.Context) error {
	portfolio, err := m.repo.ActivePortfolio()
	if err != nil {
		return fmt.Errorf("capital: no active portfolio: %w", err)
	}

	rules, err := m.repo.Rules(portfolio.ID)
	if err != nil {
		return fmt.Errorf("capital: cannot load rules: %w", err)
	}

	open, err := m.repo.Positions(storage.WithOpenPositions())
	if err != nil {
		return fmt.Errorf("capital: cannot load positions: %w", err)
	}

	m.mu.Lock()
	m.portfolio = portfolio
	m.limits = ResolveLimits(rules)
	m.positions = make(map[string]*model.Position, len(open))
	for _, p := range open {
		m.positions[positionKey(p.StrategyID, p.Symbol)] = p
	}
	m.dailyDay = utcDay(time.Now())
	m.dailyPnL = m.recoverDailyPnL(m.dailyDay)
	m.mu.Unlock()

	if ok := m.broker.Subscribe(bus.QueueCapitalRequests, m.handle, false); !ok {
		return fmt.Errorf("capital: cannot subscribe %s", bus.QueueCapitalRequests)
	}

	log.WithFields(log.Fields{
		"portfolio": portfolio.ID,
		"rules":     len(rules),
		"positions": len(open),
	}).Info("capital: ledger loaded")
	return nil
}

// recoverDailyPnL rebuilds today's realized total from positions closed
// since UTC midnight. Intraday realizations on still-open positions are
// counted through their running RealizedPnL.
func (m *Manager) recoverDailyPnL(day time.Time) decimal.Decimal {
	total := decimal.Zero
	all, err := m.repo.Positions()
	if err != nil {
		log.Errorf("capital: cannot recover daily pnl: %v", err)
		return total
	}
	for _, p := range all {
		switch {
		case p.Open:
			total = total.Add(p.RealizedPnL)
		case p.ClosedAt != nil && !p.ClosedAt.Before(day):
			total = total.Add(p.RealizedPnL)
		}
	}
	return total
}

func utcDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// handle dispatches the capital queue by routing key: proposals and ad-hoc
// validations run the chain, executions settle the ledger.
func (m *Manager) handle(msg bus.Message) error {
	switch {
	case strings.HasPrefix(msg.RoutingKey, "request.capital.allocation."),
		msg.RoutingKey == bus.TopicCapitalValidation:
		var signal model.Signal
		if err := msg.Decode(&signal); err != nil {
			return fmt.Errorf("capital: malformed proposal: %w", err)
		}
		dryRun := msg.RoutingKey == bus.TopicCapitalValidation
		m.process(signal, dryRun)
		return nil

	case msg.RoutingKey == bus.TopicTradeExecuted:
		var exec model.TradeExecution
		if err := msg.Decode(&exec); err != nil {
			return fmt.Errorf("capital: malformed execution: %w", err)
		}
		m.OnTradeExecuted(exec)
		return nil
	}

	log.Warnf("capital: unexpected routing key %s", msg.RoutingKey)
	return nil
}

func (m *Manager) process(signal model.Signal, dryRun bool) {
	resp := m.Validate(context.Background(), signal)

	if resp.Result != ResultApproved || dryRun {
		return
	}

	command := model.TradeCommand{
		StrategyID: signal.StrategyID,
		ClientID:   uuid.NewString(),
		Symbol:     signal.Symbol,
		Side:       signal.Side,
		Type:       model.OrderTypeMarket,
		Quantity:   resp.ApprovedQuantity,
		StopLoss:   resp.SuggestedStopLoss,
		TakeProfit: resp.SuggestedTakeProfit,
	}
	m.broker.Publish(bus.ExchangeCommands, bus.TopicExecuteTrade, command, true)
}

// Validate runs the rule chain over one proposal and returns the verdict.
// Approved HIGH and EXTREME risk levels are persisted to the risk log.
func (m *Manager) Validate(ctx context.Context, signal model.Signal) ValidationResponse {
	ruleCtx := m.buildContext(ctx, signal)
	resp := m.chain.Evaluate(ruleCtx)

	switch resp.Result {
	case ResultApproved:
		log.WithFields(log.Fields{
			"strategy": signal.StrategyID,
			"symbol":   signal.Symbol,
			"side":     signal.Side,
			"quantity": resp.ApprovedQuantity,
			"risk":     resp.RiskLevel,
		}).Info("capital: proposal approved")
		if resp.RiskLevel == RiskHigh || resp.RiskLevel == RiskExtreme {
			m.auditRisk(signal, resp)
		}
	default:
		log.WithFields(log.Fields{
			"strategy": signal.StrategyID,
			"symbol":   signal.Symbol,
			"reasons":  strings.Join(resp.Reasons, "; "),
		}).Warn("capital: proposal rejected")
		// A proposal that would push the day past the loss cap latches the
		// breaker, so everything after it fails fast on the breaker rule.
		for i, name := range resp.FailedRules {
			if name == (dailyLossLimitRule{}).Name() {
				m.tripBreaker(breakerDailyLoss, resp.Reasons[i])
			}
		}
	}
	return resp
}

// buildContext snapshots the ledger plus the latest market price for the
// rule chain. A price lookup failure falls back to the signal price.
func (m *Manager) buildContext(ctx context.Context, signal model.Signal) *Context {
	price := signal.SignalPrice
	if m.feeder != nil {
		if quote, err := m.feeder.LastQuote(ctx, signal.Symbol); err == nil && quote > 0 {
			price = quote
		} else if err != nil {
			log.Warnf("capital: quote lookup failed for %s, using signal price: %v", signal.Symbol, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	total, _ := m.portfolio.TotalCapital.Float64()
	available, _ := m.portfolio.AvailableCapital.Float64()
	daily, _ := m.dailyPnL.Float64()

	open := make([]*model.Position, 0, len(m.positions))
	exposure := 0.0
	for _, p := range m.positions {
		open = append(open, p)
		size, _ := p.Size.Float64()
		entry, _ := p.AvgEntryPrice.Float64()
		exposure += size * entry
	}

	quantity := signal.Quantity
	if quantity == 0 && price > 0 {
		// Unsized proposals default to the full position-size allowance.
		quantity = m.limits.MaxPositionSizePct / 100 * total / price
	}

	stopDistance := price * m.limits.DefaultStopLossPct / 100
	if signal.StopLossPrice > 0 {
		if d := price - signal.StopLossPrice; d > 0 && signal.Side == model.SideTypeBuy {
			stopDistance = d
		} else if d := signal.StopLossPrice - price; d > 0 && signal.Side == model.SideTypeSell {
			stopDistance = d
		}
	}

	tripped := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		tripped = append(tripped, name)
	}

	return &Context{
		Signal:           signal,
		Price:            price,
		Quantity:         quantity,
		TotalValue:       total,
		AvailableCapital: available,
		DailyPnL:         daily,
		Exposure:         exposure,
		EstimatedRisk:    stopDistance * quantity,
		OpenPositions:    open,
		Halted:           m.halted,
		HaltReason:       m.haltCause,
		TrippedBreakers:  tripped,
		Limits:           m.limits,
	}
}

// OnTradeExecuted settles one fill into the ledger: position open, update
// or close, daily PnL rollup and available-capital adjustment. Crossing
// the daily-loss cap trips the breaker once.
func (m *Manager) OnTradeExecuted(exec model.TradeExecution) {
	if exec.Status == model.ExecutionStatusFailed || exec.Status == model.ExecutionStatusCancelled {
		log.WithFields(log.Fields{
			"strategy": exec.StrategyID,
			"order":    exec.OrderID,
			"status":   exec.Status,
		}).Warn("capital: execution did not fill")
		return
	}

	m.mu.Lock()
	m.rollDayLocked(exec.Timestamp)

	key := positionKey(exec.StrategyID, exec.Symbol)
	position, ok := m.positions[key]
	if !ok {
		position = &model.Position{
			StrategyID: exec.StrategyID,
			Symbol:     exec.Symbol,
			Side:       model.SideTypeBuy,
			Open:       true,
			OpenedAt:   exec.Timestamp,
		}
		m.positions[key] = position
	}

	realized, closed := position.Apply(exec)
	m.dailyPnL = m.dailyPnL.Add(realized)
	if closed {
		delete(m.positions, key)
	}

	cost := decimal.NewFromFloat(exec.AveragePrice * exec.FilledQuantity)
	fees := decimal.NewFromFloat(exec.Fees)
	if exec.Side == model.SideTypeBuy {
		m.portfolio.AvailableCapital = m.portfolio.AvailableCapital.Sub(cost).Sub(fees)
	} else {
		m.portfolio.AvailableCapital = m.portfolio.AvailableCapital.Add(cost).Sub(fees)
	}
	m.portfolio.UpdatedAt = exec.Timestamp

	breach := m.dailyLossBreachedLocked()
	daily := m.dailyPnL
	portfolio := m.portfolio
	m.mu.Unlock()

	if position.ID == 0 {
		if err := m.repo.CreatePosition(position); err != nil {
			log.Errorf("capital: cannot persist position: %v", err)
		}
	} else if err := m.repo.UpdatePosition(position); err != nil {
		log.Errorf("capital: cannot persist position: %v", err)
	}
	if err := m.repo.UpdatePortfolio(portfolio); err != nil {
		log.Errorf("capital: cannot persist portfolio: %v", err)
	}

	log.WithFields(log.Fields{
		"strategy":  exec.StrategyID,
		"symbol":    exec.Symbol,
		"side":      exec.Side,
		"realized":  realized.String(),
		"daily_pnl": daily.String(),
	}).Info("capital: execution settled")

	if breach {
		m.tripBreaker(breakerDailyLoss, fmt.Sprintf("daily loss %s crossed cap", daily.String()))
	}
}

func (m *Manager) rollDayLocked(now time.Time) {
	day := utcDay(now)
	if day.After(m.dailyDay) {
		m.dailyDay = day
		m.dailyPnL = decimal.Zero
		delete(m.breakers, breakerDailyLoss)
	}
}

func (m *Manager) dailyLossBreachedLocked() bool {
	if _, tripped := m.breakers[breakerDailyLoss]; tripped {
		return false
	}
	if !m.dailyPnL.IsNegative() {
		return false
	}
	cap := m.portfolio.TotalCapital.Mul(decimal.NewFromFloat(m.limits.MaxDailyLossPct / 100))
	return m.dailyPnL.Neg().GreaterThan(cap)
}

// tripBreaker latches a named breaker and raises the operator alarm once.
func (m *Manager) tripBreaker(name, reason string) {
	m.mu.Lock()
	if _, already := m.breakers[name]; already {
		m.mu.Unlock()
		return
	}
	m.breakers[name] = reason
	m.mu.Unlock()

	log.WithFields(log.Fields{
		"breaker": name,
		"reason":  reason,
	}).Error("capital: circuit breaker tripped")

	m.persistLog(model.LogLevelError, fmt.Sprintf("circuit breaker %s tripped: %s", name, reason))
	m.broker.Publish(bus.ExchangeEvents, bus.TopicSystemError, map[string]string{
		"source":  "capital_manager",
		"breaker": name,
		"error":   reason,
	}, true)
	if m.notifier != nil {
		m.notifier.Notify(fmt.Sprintf("circuit breaker %s tripped: %s", name, reason))
	}
}

// ResetBreaker clears a tripped breaker by name.
func (m *Manager) ResetBreaker(name string) {
	m.mu.Lock()
	delete(m.breakers, name)
	m.mu.Unlock()
	log.WithField("breaker", name).Warn("capital: circuit breaker reset")
}

// EmergencyStop latches the halt flag. Every validation fails until
// ResetEmergencyStop is called.
func (m *Manager) EmergencyStop(reason string) {
	m.mu.Lock()
	if m.halted {
		m.mu.Unlock()
		return
	}
	m.halted = true
	m.haltCause = reason
	m.mu.Unlock()

	log.WithField("reason", reason).Error("capital: EMERGENCY STOP")
	m.persistLog(model.LogLevelCritical, fmt.Sprintf("emergency stop: %s", reason))
	m.broker.Publish(bus.ExchangeEvents, bus.TopicSystemError, map[string]string{
		"source": "capital_manager",
		"error":  "emergency stop: " + reason,
	}, true)
	if m.notifier != nil {
		m.notifier.Notify("EMERGENCY STOP: " + reason)
	}
}

// ResetEmergencyStop clears the halt latch.
func (m *Manager) ResetEmergencyStop() {
	m.mu.Lock()
	m.halted = false
	m.haltCause = ""
	m.mu.Unlock()
	log.Warn("capital: emergency stop reset")
}

// Halted reports the emergency-stop latch.
func (m *Manager) Halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted
}

// DailyPnL returns today's accumulated realized profit and loss.
func (m *Manager) DailyPnL() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyPnL
}

// Position returns the open position for a strategy and symbol, if any.
func (m *Manager) Position(strategyID int64, symbol string) (*model.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[positionKey(strategyID, symbol)]
	return p, ok
}

// OpenPositionCount returns the number of open positions in the ledger.
func (m *Manager) OpenPositionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.positions)
}

func (m *Manager) auditRisk(signal model.Signal, resp ValidationResponse) {
	m.persistLog(model.LogLevelWarning, fmt.Sprintf(
		"%s risk approval: strategy %d %s %s quantity %.8f",
		resp.RiskLevel, signal.StrategyID, signal.Side, signal.Symbol, resp.ApprovedQuantity))
}

func (m *Manager) persistLog(level model.LogLevel, message string) {
	raw, _ := json.Marshal(map[string]string{"component": "capital_manager"})
	entry := &model.SystemLog{
		Level:     level,
		Component: "capital_manager",
		Message:   message,
		Context:   raw,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.repo.CreateSystemLog(entry); err != nil {
		log.Errorf("capital: cannot persist system log: %v", err)
	}
}
