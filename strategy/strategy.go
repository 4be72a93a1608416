// Package strategy holds the trading strategy contract and the built-in
// strategies. A strategy is pure decision logic: it sees candles and emits
// trade proposals, it never talks to the exchange or sizes positions.
package strategy

import (
	"github.com/helmsbot/helmsbot/model"
)

// Strategy is the contract every trading strategy implements.
//
// Indicators runs once per incoming bar, before OnCandle, and must tolerate
// leading NaN values and empty frames. OnCandle returns a trade proposal or
// nil; it is deterministic given the frame plus the strategy's own state.
// Subscriptions returns the routing keys the worker binds for this strategy.
type Strategy interface {
	Timeframe() string
	WarmupPeriod() int
	Subscriptions() []string
	Indicators(df *model.Dataframe)
	OnCandle(df *model.Dataframe) *model.Signal
}

// Lifecycle is implemented by strategies that need start/stop hooks. The
// worker calls each hook exactly once per run; a strategy must survive a
// stop/start cycle, rebuilding any state from history on start.
type Lifecycle interface {
	OnStart() error
	OnStop() error
}

// Replayable is implemented by strategies whose in-memory state depends on
// the order of past bars, such as an armed trailing stop. Preload replays
// history through OnCandle for them with emission suppressed, so a stop
// and start recovers that state. Strategies that persist state externally,
// like the grid, must not opt in: a replay would apply their side effects
// twice.
type Replayable interface {
	ReplayOnPreload() bool
}
