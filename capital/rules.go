package capital

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/helmsbot/helmsbot/model"
	"github.com/helmsbot/helmsbot/tools/log"
)

// Result is the outcome class of a validation.
type Result string

const (
	ResultApproved         Result = "approved"
	ResultRejected         Result = "rejected"
	ResultRequiresApproval Result = "requires_approval"
)

// RiskLevel classifies an approved trade by its share of portfolio value.
type RiskLevel string

const (
	RiskLow     RiskLevel = "low"
	RiskMedium  RiskLevel = "medium"
	RiskHigh    RiskLevel = "high"
	RiskExtreme RiskLevel = "extreme"
)

// ValidationResponse is the verdict on one trade proposal. FailedRules
// lists the rejecting rule names aligned with Reasons.
type ValidationResponse struct {
	StrategyID          int64     `json:"strategy_id"`
	Symbol              string    `json:"symbol"`
	Result              Result    `json:"result"`
	ApprovedQuantity    float64   `json:"approved_quantity"`
	RiskLevel           RiskLevel `json:"risk_level"`
	Reasons             []string  `json:"reasons"`
	FailedRules         []string  `json:"failed_rules,omitempty"`
	SuggestedStopLoss   float64   `json:"suggested_stop_loss"`
	SuggestedTakeProfit float64   `json:"suggested_take_profit"`
	EstimatedRiskAmount float64   `json:"estimated_risk_amount"`
	PortfolioImpact     float64   `json:"portfolio_impact"`
}

// Limits are the rule-chain parameters, resolved from the portfolio's
// persisted rules over these defaults.
type Limits struct {
	MaxPositionSizePct    float64
	MaxDailyLossPct       float64
	MaxPortfolioRiskPct   float64
	MinTradeAmount        float64
	MaxTradeAmount        float64
	MaxTotalPositions     int
	MaxPositionsPerSymbol int
	BlockedSymbols        []string
	DefaultStopLossPct    float64
	DefaultTakeProfitPct  float64
}

// DefaultLimits returns the limits used when a portfolio carries no rule
// for a given parameter.
func DefaultLimits() Limits {
	return Limits{
		MaxPositionSizePct:    5,
		MaxDailyLossPct:       5,
		MaxPortfolioRiskPct:   10,
		MinTradeAmount:        10,
		MaxTradeAmount:        0,
		MaxTotalPositions:     10,
		MaxPositionsPerSymbol: 1,
		DefaultStopLossPct:    2,
		DefaultTakeProfitPct:  4,
	}
}

// ResolveLimits overlays persisted portfolio rules onto the defaults.
// Unknown kinds and malformed values are logged and skipped.
func ResolveLimits(rules []*model.PortfolioRule) Limits {
	limits := DefaultLimits()
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		var err error
		switch rule.Kind {
		case model.RuleMaxPositionSizePercent:
			err = json.Unmarshal(rule.Value, &limits.MaxPositionSizePct)
		case model.RuleMaxDailyLossPercent:
			err = json.Unmarshal(rule.Value, &limits.MaxDailyLossPct)
		case model.RuleMaxPortfolioExposurePct:
			err = json.Unmarshal(rule.Value, &limits.MaxPortfolioRiskPct)
		case model.RuleMinPositionSizeValue:
			err = json.Unmarshal(rule.Value, &limits.MinTradeAmount)
		case model.RuleMaxPositionSizeValue:
			err = json.Unmarshal(rule.Value, &limits.MaxTradeAmount)
		case model.RuleMaxTotalPositions:
			err = json.Unmarshal(rule.Value, &limits.MaxTotalPositions)
		case model.RuleMaxPositionsPerSymbol:
			err = json.Unmarshal(rule.Value, &limits.MaxPositionsPerSymbol)
		case model.RuleBlacklistedSymbols:
			err = json.Unmarshal(rule.Value, &limits.BlockedSymbols)
		default:
			log.Warnf("capital: unknown rule kind %q ignored", rule.Kind)
		}
		if err != nil {
			log.Errorf("capital: malformed %s rule value: %v", rule.Kind, err)
		}
	}
	return limits
}

// Context carries everything a rule may consult for one proposal. The
// chain never mutates it.
type Context struct {
	Signal   model.Signal
	Price    float64
	Quantity float64

	TotalValue       float64
	AvailableCapital float64
	DailyPnL         float64
	Exposure         float64
	EstimatedRisk    float64

	OpenPositions []*model.Position

	Halted          bool
	HaltReason      string
	TrippedBreakers []string

	Limits Limits
}

// Notional is the proposal's quote-currency value.
func (c *Context) Notional() float64 {
	return c.Price * c.Quantity
}

func (c *Context) openForSymbol(symbol string) int {
	count := 0
	for _, p := range c.OpenPositions {
		if p.Symbol == symbol {
			count++
		}
	}
	return count
}

// holdsPosition reports whether the proposing strategy already has an open
// position in the symbol. Sells against it reduce exposure and bypass the
// position-count rules.
func (c *Context) holdsPosition() bool {
	for _, p := range c.OpenPositions {
		if p.StrategyID == c.Signal.StrategyID && p.Symbol == c.Signal.Symbol {
			return true
		}
	}
	return false
}

// Rule is one link of the validation chain. A nil error passes; a non-nil
// error carries the rejection reason.
type Rule interface {
	Name() string
	Evaluate(ctx *Context) error
}

// resizeError is the PositionSize failure. It is the single rule whose
// failure may downgrade to an approval at reduced quantity.
type resizeError struct {
	requested float64
	allowed   float64
	capPct    float64
}

func (e *resizeError) Error() string {
	return fmt.Sprintf("position size %.2f exceeds %.2f%% cap, reduced quantity to %.8f",
		e.requested, e.capPct, e.allowed)
}

type emergencyStopRule struct{}

func (emergencyStopRule) Name() string { return "emergency_stop" }
func (emergencyStopRule) Evaluate(ctx *Context) error {
	if ctx.Halted {
		return fmt.Errorf("system halted: %s", ctx.HaltReason)
	}
	return nil
}

type circuitBreakerRule struct{}

func (circuitBreakerRule) Name() string { return "circuit_breaker" }
func (circuitBreakerRule) Evaluate(ctx *Context) error {
	if len(ctx.TrippedBreakers) > 0 {
		return fmt.Errorf("circuit breaker tripped: %s", strings.Join(ctx.TrippedBreakers, ", "))
	}
	return nil
}

type blockedSymbolRule struct{}

func (blockedSymbolRule) Name() string { return "blocked_symbol" }
func (blockedSymbolRule) Evaluate(ctx *Context) error {
	for _, blocked := range ctx.Limits.BlockedSymbols {
		if strings.EqualFold(blocked, ctx.Signal.Symbol) {
			return fmt.Errorf("symbol %s is blocked", ctx.Signal.Symbol)
		}
	}
	return nil
}

type dailyLossLimitRule struct{}

func (dailyLossLimitRule) Name() string { return "daily_loss_limit" }
func (dailyLossLimitRule) Evaluate(ctx *Context) error {
	var lossToday float64
	if ctx.DailyPnL < 0 {
		lossToday = -ctx.DailyPnL
	}
	cap := ctx.Limits.MaxDailyLossPct / 100 * ctx.TotalValue
	if lossToday+ctx.EstimatedRisk > cap {
		return fmt.Errorf("daily loss limit: today %.2f plus projected risk %.2f exceeds %.2f",
			lossToday, ctx.EstimatedRisk, cap)
	}
	return nil
}

type positionLimitRule struct{}

func (positionLimitRule) Name() string { return "position_limit" }
func (positionLimitRule) Evaluate(ctx *Context) error {
	// Only entries open new positions; reducing an existing one is exempt.
	if ctx.Signal.Side == model.SideTypeSell && ctx.holdsPosition() {
		return nil
	}
	if len(ctx.OpenPositions)+1 > ctx.Limits.MaxTotalPositions {
		return fmt.Errorf("too many positions: %d open, limit %d",
			len(ctx.OpenPositions), ctx.Limits.MaxTotalPositions)
	}
	if ctx.openForSymbol(ctx.Signal.Symbol)+1 > ctx.Limits.MaxPositionsPerSymbol {
		return fmt.Errorf("too many positions in %s: limit %d",
			ctx.Signal.Symbol, ctx.Limits.MaxPositionsPerSymbol)
	}
	return nil
}

type tradeSizeRule struct{}

func (tradeSizeRule) Name() string { return "trade_size" }
func (tradeSizeRule) Evaluate(ctx *Context) error {
	notional := ctx.Notional()
	if notional < ctx.Limits.MinTradeAmount {
		return fmt.Errorf("trade too small: %.2f below minimum %.2f", notional, ctx.Limits.MinTradeAmount)
	}
	if ctx.Limits.MaxTradeAmount > 0 && notional > ctx.Limits.MaxTradeAmount {
		return fmt.Errorf("trade too large: %.2f above maximum %.2f", notional, ctx.Limits.MaxTradeAmount)
	}
	return nil
}

type positionSizeRule struct{}

func (positionSizeRule) Name() string { return "position_size" }
func (positionSizeRule) Evaluate(ctx *Context) error {
	if ctx.TotalValue <= 0 {
		return fmt.Errorf("portfolio has no value")
	}
	notional := ctx.Notional()
	capNotional := ctx.Limits.MaxPositionSizePct / 100 * ctx.TotalValue
	if notional <= capNotional {
		return nil
	}
	allowed := 0.0
	if ctx.Price > 0 {
		allowed = capNotional / ctx.Price
	}
	return &resizeError{requested: notional, allowed: allowed, capPct: ctx.Limits.MaxPositionSizePct}
}

type portfolioRiskRule struct{}

func (portfolioRiskRule) Name() string { return "portfolio_risk" }
func (portfolioRiskRule) Evaluate(ctx *Context) error {
	if ctx.TotalValue <= 0 {
		return fmt.Errorf("portfolio has no value")
	}
	riskPct := (ctx.Exposure + ctx.EstimatedRisk) / ctx.TotalValue * 100
	if riskPct > ctx.Limits.MaxPortfolioRiskPct {
		return fmt.Errorf("portfolio risk exceeded: %.2f%% over %.2f%% cap",
			riskPct, ctx.Limits.MaxPortfolioRiskPct)
	}
	return nil
}

// Chain is the ordered rule sequence. All rules must pass; the single
// exception is a lone PositionSize failure, which resizes instead of
// rejecting. Rules can be disabled by name for testing.
type Chain struct {
	rules    []Rule
	disabled map[string]bool
}

// NewChain builds the default ordered chain.
func NewChain() *Chain {
	return &Chain{
		rules: []Rule{
			emergencyStopRule{},
			circuitBreakerRule{},
			blockedSymbolRule{},
			dailyLossLimitRule{},
			positionLimitRule{},
			tradeSizeRule{},
			positionSizeRule{},
			portfolioRiskRule{},
		},
		disabled: make(map[string]bool),
	}
}

// Disable switches a rule off by name.
func (c *Chain) Disable(name string) {
	c.disabled[name] = true
}

// Enable switches a previously disabled rule back on.
func (c *Chain) Enable(name string) {
	delete(c.disabled, name)
}

// Evaluate runs every enabled rule and folds the failures into a verdict.
func (c *Chain) Evaluate(ctx *Context) ValidationResponse {
	resp := ValidationResponse{
		StrategyID: ctx.Signal.StrategyID,
		Symbol:     ctx.Signal.Symbol,
		Reasons:    []string{},
	}

	var failures []error
	var failedRules []string
	var resize *resizeError
	for _, rule := range c.rules {
		if c.disabled[rule.Name()] {
			continue
		}
		err := rule.Evaluate(ctx)
		if err == nil {
			continue
		}
		failures = append(failures, err)
		failedRules = append(failedRules, rule.Name())
		if re, ok := err.(*resizeError); ok {
			resize = re
		}
	}

	quantity := ctx.Quantity
	switch {
	case len(failures) == 0:
		resp.Result = ResultApproved

	case len(failures) == 1 && resize != nil && resize.allowed > 0:
		resp.Result = ResultApproved
		resp.Reasons = append(resp.Reasons, resize.Error())
		quantity = resize.allowed

	default:
		resp.Result = ResultRejected
		resp.FailedRules = failedRules
		for _, err := range failures {
			resp.Reasons = append(resp.Reasons, err.Error())
		}
		return resp
	}

	resp.ApprovedQuantity = quantity
	resp.EstimatedRiskAmount = ctx.EstimatedRisk
	if resize != nil && ctx.Quantity > 0 {
		// Stop risk scales linearly with the resized quantity.
		resp.EstimatedRiskAmount = ctx.EstimatedRisk * quantity / ctx.Quantity
	}
	if ctx.TotalValue > 0 {
		resp.PortfolioImpact = ctx.Price * quantity / ctx.TotalValue * 100
	}
	resp.RiskLevel = classifyRisk(resp.PortfolioImpact)
	resp.SuggestedStopLoss, resp.SuggestedTakeProfit = suggestProtections(ctx)
	return resp
}

// classifyRisk buckets the approved position's share of portfolio value.
func classifyRisk(impactPct float64) RiskLevel {
	switch {
	case impactPct <= 2:
		return RiskLow
	case impactPct <= 5:
		return RiskMedium
	case impactPct <= 7:
		return RiskHigh
	default:
		return RiskExtreme
	}
}

// suggestProtections fills stop-loss and take-profit suggestions when the
// proposal omits them. They are advisory, never applied automatically.
func suggestProtections(ctx *Context) (stopLoss, takeProfit float64) {
	stopLoss = ctx.Signal.StopLossPrice
	direction := 1.0
	if ctx.Signal.Side == model.SideTypeSell {
		direction = -1.0
	}
	if stopLoss == 0 {
		stopLoss = ctx.Price * (1 - direction*ctx.Limits.DefaultStopLossPct/100)
	}
	takeProfit = ctx.Price * (1 + direction*ctx.Limits.DefaultTakeProfitPct/100)
	return stopLoss, takeProfit
}
