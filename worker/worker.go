// Package worker runs strategies in supervised execution units. Each worker
// owns one strategy instance, its own bus queue and a heartbeat; the manager
// supervises the fleet, samples resource usage and applies the restart
// budget.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/helmsbot/helmsbot/bus"
	"github.com/helmsbot/helmsbot/model"
	"github.com/helmsbot/helmsbot/service"
	"github.com/helmsbot/helmsbot/strategy"
	"github.com/helmsbot/helmsbot/tools/log"
)

// Status is the worker lifecycle state.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
	StatusCrashed  Status = "crashed"
)

// legalNext lists the forward transitions. error and crashed are reachable
// from anywhere and terminal until a restart resets the worker to idle.
var legalNext = map[Status][]Status{
	StatusIdle:     {StatusStarting},
	StatusStarting: {StatusRunning},
	StatusRunning:  {StatusStopping},
	StatusStopping: {StatusStopped},
}

// DefaultHeartbeatInterval is how often a live worker refreshes its
// liveness timestamp.
const DefaultHeartbeatInterval = 30 * time.Second

// DefaultStartTimeout bounds the startup sequence. A strategy hook or a
// warmup fetch that hangs past it moves the worker to error.
const DefaultStartTimeout = 120 * time.Second

// replayHistoryFactor sizes the preload window for replayable strategies.
// State from before this many warmup periods is not recoverable.
const replayHistoryFactor = 4

// Worker runs one strategy. It binds its own queue to the events exchange
// with the strategy's subscriptions, feeds bars through the controller and
// publishes proposals on the requests exchange.
type Worker struct {
	ID       int64
	Symbol   string
	strategy strategy.Strategy

	broker *bus.Bus
	feeder service.Feeder

	controller *strategy.Controller

	mu        sync.RWMutex
	status    Status
	lastErr   error
	heartbeat time.Time

	heartbeatInterval time.Duration
	startTimeout      time.Duration
	cancel            context.CancelFunc
	wg                sync.WaitGroup
}

// NewWorker wires a strategy to the bus and the market-data feeder.
func NewWorker(id int64, symbol string, st strategy.Strategy, broker *bus.Bus, feeder service.Feeder) *Worker {
	w := &Worker{
		ID:                id,
		Symbol:            symbol,
		strategy:          st,
		broker:            broker,
		feeder:            feeder,
		status:            StatusIdle,
		heartbeatInterval: DefaultHeartbeatInterval,
		startTimeout:      DefaultStartTimeout,
	}
	w.controller = strategy.NewController(symbol, st, w.emit)
	return w
}

func (w *Worker) queueName() string {
	return fmt.Sprintf("strategy.%d", w.ID)
}

// Start runs the startup sequence: hook, warmup preload, queue binding,
// subscription, all bounded by the start timeout. Any failure moves the
// worker to error and is returned.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.transition(StatusStarting); err != nil {
		return err
	}

	startCtx, cancelStart := context.WithTimeout(ctx, w.startTimeout)
	defer cancelStart()

	done := make(chan error, 1)
	go func() { done <- w.startup(startCtx) }()

	select {
	case err := <-done:
		if err != nil {
			w.fail(err)
			return err
		}
	case <-startCtx.Done():
		err := fmt.Errorf("startup timed out after %s", w.startTimeout)
		w.fail(err)
		return err
	}

	w.controller.Start()
	if err := w.transition(StatusRunning); err != nil {
		return err
	}

	w.touch()
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.heartbeatLoop(ctx)

	w.broker.Publish(bus.ExchangeEvents, bus.TopicStrategyStarted,
		map[string]int64{"strategy_id": w.ID}, true)
	log.WithField("strategy", w.ID).Info("worker: started")
	return nil
}

func (w *Worker) startup(ctx context.Context) error {
	if hooks, ok := w.strategy.(strategy.Lifecycle); ok {
		if err := hooks.OnStart(); err != nil {
			return fmt.Errorf("on_start: %w", err)
		}
	}

	// Warm the dataframe from history so the first live bar can already
	// produce a signal. Replayable strategies get a deeper window so the
	// preload replay can reconstruct state from before the stop.
	if warmup := w.strategy.WarmupPeriod(); warmup > 0 && w.feeder != nil {
		limit := warmup
		if r, ok := w.strategy.(strategy.Replayable); ok && r.ReplayOnPreload() {
			limit = warmup * replayHistoryFactor
		}
		candles, err := w.feeder.CandlesByLimit(ctx, w.Symbol, w.strategy.Timeframe(), limit)
		if err != nil {
			return fmt.Errorf("warmup: %w", err)
		}
		w.controller.Preload(candles)
	}

	bindings := make([]bus.Binding, 0)
	for _, pattern := range w.strategy.Subscriptions() {
		bindings = append(bindings, bus.Bind(bus.ExchangeEvents, pattern))
	}
	w.broker.DeclareQueue(w.queueName(), bus.DefaultTTL, bindings...)

	ok := w.broker.Subscribe(w.queueName(), func(msg bus.Message) error {
		var candle model.Candle
		if err := msg.Decode(&candle); err != nil {
			return err
		}
		w.touch()
		w.controller.OnCandle(candle)
		return nil
	}, false)
	if !ok {
		return fmt.Errorf("cannot subscribe queue %s", w.queueName())
	}
	return nil
}

// Stop runs the shutdown sequence. Stopping a worker that is not running
// is an error; terminal workers stay terminal.
func (w *Worker) Stop() error {
	if err := w.transition(StatusStopping); err != nil {
		return err
	}

	w.controller.Stop()
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()

	if hooks, ok := w.strategy.(strategy.Lifecycle); ok {
		if err := hooks.OnStop(); err != nil {
			log.WithField("strategy", w.ID).Errorf("worker: on_stop: %v", err)
		}
	}

	if err := w.transition(StatusStopped); err != nil {
		return err
	}
	w.broker.Publish(bus.ExchangeEvents, bus.TopicStrategyStopped,
		map[string]int64{"strategy_id": w.ID}, true)
	log.WithField("strategy", w.ID).Info("worker: stopped")
	return nil
}

func (w *Worker) emit(signal model.Signal) {
	w.broker.Publish(bus.ExchangeRequests, bus.TopicCapitalAllocation(w.ID), signal, true)
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.touch()
		}
	}
}

func (w *Worker) touch() {
	w.mu.Lock()
	w.heartbeat = time.Now()
	w.mu.Unlock()
}

// Heartbeat returns the last liveness timestamp.
func (w *Worker) Heartbeat() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.heartbeat
}

// Alive reports whether the heartbeat is within two intervals of now.
func (w *Worker) Alive() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.status != StatusRunning {
		return false
	}
	return time.Since(w.heartbeat) <= 2*w.heartbeatInterval
}

// Status returns the current lifecycle state.
func (w *Worker) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// Err returns the error that moved the worker to the error state.
func (w *Worker) Err() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastErr
}

func (w *Worker) transition(next Status) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, allowed := range legalNext[w.status] {
		if allowed == next {
			w.status = next
			return nil
		}
	}
	return fmt.Errorf("illegal worker transition %s -> %s", w.status, next)
}

func (w *Worker) fail(err error) {
	w.mu.Lock()
	w.status = StatusError
	w.lastErr = err
	w.mu.Unlock()
	log.WithField("strategy", w.ID).Errorf("worker: failed: %v", err)
}

// markCrashed is the supervisor's terminal verdict after the restart
// budget is spent.
func (w *Worker) markCrashed(err error) {
	w.mu.Lock()
	w.status = StatusCrashed
	w.lastErr = err
	w.mu.Unlock()
	log.WithField("strategy", w.ID).Errorf("worker: crashed: %v", err)
}

// reset prepares a stopped or errored worker for a restart attempt.
func (w *Worker) reset() {
	w.mu.Lock()
	w.status = StatusIdle
	w.lastErr = nil
	w.mu.Unlock()
	w.controller = strategy.NewController(w.Symbol, w.strategy, w.emit)
}
