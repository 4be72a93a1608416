// Package helmsbot wires the trading platform together: storage, the
// message bus, the exchange connector, capital management, strategy
// workers, reconciliation and operator notifications.
package helmsbot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"

	"github.com/helmsbot/helmsbot/bus"
	"github.com/helmsbot/helmsbot/capital"
	"github.com/helmsbot/helmsbot/config"
	"github.com/helmsbot/helmsbot/exchange"
	"github.com/helmsbot/helmsbot/model"
	"github.com/helmsbot/helmsbot/notification"
	"github.com/helmsbot/helmsbot/reconcile"
	"github.com/helmsbot/helmsbot/service"
	"github.com/helmsbot/helmsbot/storage"
	"github.com/helmsbot/helmsbot/strategy"
	"github.com/helmsbot/helmsbot/tools"
	"github.com/helmsbot/helmsbot/tools/log"
	"github.com/helmsbot/helmsbot/tools/metrics"
	"github.com/helmsbot/helmsbot/worker"
)

const defaultDatabase = "helmsbot.db"

func init() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04",
	})
}

// Engine owns every component and starts them in dependency order:
// storage, bus, capital, connector, reconciliation, workers. Shutdown
// runs the same order in reverse so in-flight messages drain before the
// bus closes.
type Engine struct {
	cfg      *config.Config
	settings model.Settings

	repo       storage.Storage
	broker     *bus.Bus
	exch       service.Exchange
	exchName   string
	connector  *exchange.Connector
	capital    *capital.Manager
	reconciler *reconcile.Engine
	workers    *worker.Manager
	metrics    *metrics.Writer
	scheduler  *tools.Scheduler
	notifier   service.Notifier
	telegram   service.Telegram

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	runCtx    context.Context
	cancel    context.CancelFunc
}

// Option customizes the engine before the components start.
type Option func(*Engine)

// WithStorage replaces the default sqlite store.
func WithStorage(repo storage.Storage) Option {
	return func(e *Engine) {
		e.repo = repo
	}
}

// WithExchange replaces the exchange client chosen from the configuration.
func WithExchange(name string, exch service.Exchange) Option {
	return func(e *Engine) {
		e.exchName = name
		e.exch = exch
	}
}

// WithNotifier sets the operator notification channel.
func WithNotifier(notifier service.Notifier) Option {
	return func(e *Engine) {
		e.notifier = notifier
	}
}

// NewEngine validates the configuration and builds every component.
// Nothing is started yet; call Start or Run.
func NewEngine(ctx context.Context, cfg *config.Config, options ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	engine := &Engine{
		cfg: cfg,
		settings: model.Settings{
			Telegram: model.TelegramSettings{
				Enabled: cfg.Telegram.Token != "",
				Token:   cfg.Telegram.Token,
				Users:   cfg.Telegram.Users,
			},
		},
		scheduler: tools.NewScheduler(),
	}

	for _, option := range options {
		option(engine)
	}

	if engine.repo == nil {
		database := cfg.DatabaseURL
		if database == "" {
			database = defaultDatabase
		}
		repo, err := storage.FromSQL(sqlite.Open(database))
		if err != nil {
			return nil, fmt.Errorf("engine: cannot open database: %w", err)
		}
		engine.repo = repo
	}

	if engine.exch == nil {
		if cfg.MockExchange {
			engine.exchName = "sandbox"
			engine.exch = exchange.NewSandbox(
				exchange.WithSandboxAsset("USDT", 10000),
			)
		} else {
			engine.exchName = "binance"
			binanceOptions := []exchange.BinanceOption{
				exchange.WithBinanceCredentials(cfg.Binance.APIKey, cfg.Binance.APISecret),
			}
			if cfg.Binance.Testnet {
				binanceOptions = append(binanceOptions, exchange.WithTestNet())
			}
			exch, err := exchange.NewBinance(ctx, binanceOptions...)
			if err != nil {
				return nil, fmt.Errorf("engine: cannot connect exchange: %w", err)
			}
			engine.exch = exch
		}
	}

	engine.broker = bus.New()
	engine.connector = exchange.NewConnector(engine.exchName, engine.exch, engine.broker, engine.repo)
	engine.reconciler = reconcile.NewEngine(engine.repo, engine.exch)
	engine.workers = worker.NewManager(engine.broker, engine.exch)
	engine.metrics = metrics.NewWriter(engine.repo)

	if engine.settings.Telegram.Enabled && engine.telegram == nil {
		telegram, err := notification.NewTelegram(engine, engine.settings)
		if err != nil {
			return nil, fmt.Errorf("engine: cannot start telegram bot: %w", err)
		}
		engine.telegram = telegram
		if engine.notifier == nil {
			engine.notifier = telegram
		}
	}

	capitalOptions := []capital.Option{}
	if engine.notifier != nil {
		capitalOptions = append(capitalOptions, capital.WithNotifier(engine.notifier))
	}
	engine.capital = capital.NewManager(engine.broker, engine.repo, engine.exch, capitalOptions...)

	return engine, nil
}

// Start brings the platform up. A reconciliation pass runs before any
// strategy trades; critical findings abort the startup.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine: already running")
	}
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	e.runCtx, e.cancel = ctx, cancel

	if err := e.capital.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("engine: capital manager failed to start: %w", err)
	}
	if err := e.connector.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("engine: connector failed to start: %w", err)
	}

	report, err := e.reconciler.Run(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("engine: startup reconciliation failed: %w", err)
	}
	if report.HasCritical() {
		cancel()
		e.capital.EmergencyStop("critical discrepancies at startup")
		return fmt.Errorf("engine: refusing to start, reconciliation found critical discrepancies:\n%s",
			report.Render())
	}
	if len(report.Discrepancies) > 0 {
		log.Warnf("engine: startup reconciliation found %d discrepancies\n%s",
			len(report.Discrepancies), report.Render())
	}

	configs, err := e.repo.StrategyConfigs(storage.WithActiveConfigs())
	if err != nil {
		cancel()
		return fmt.Errorf("engine: cannot load strategy configurations: %w", err)
	}

	streams := make(map[string]bool)
	for _, sc := range configs {
		st, err := e.buildStrategy(sc)
		if err != nil {
			log.WithField("strategy", sc.ID).Errorf("engine: skipping strategy: %v", err)
			continue
		}
		if _, err := e.workers.Add(sc.ID, sc.Symbol, st); err != nil {
			log.WithField("strategy", sc.ID).Errorf("engine: cannot register worker: %v", err)
			continue
		}
		key := sc.Symbol + "/" + st.Timeframe()
		if !streams[key] {
			streams[key] = true
			e.connector.StreamMarketData(ctx, sc.Symbol, st.Timeframe())
		}
	}
	e.workers.StartAll(ctx)

	if e.telegram != nil {
		go e.telegram.Start()
	}

	if err := e.registerJobs(ctx); err != nil {
		cancel()
		return err
	}
	e.scheduler.Start()

	e.mu.Lock()
	e.running = true
	e.startedAt = time.Now().UTC()
	e.mu.Unlock()

	log.WithFields(log.Fields{
		"exchange":   e.exchName,
		"strategies": len(configs),
	}).Info("engine: started")
	return nil
}

// registerJobs wires the periodic background work: health sampling,
// reconciliation and performance snapshots.
func (e *Engine) registerJobs(ctx context.Context) error {
	jobs := []struct {
		interval time.Duration
		job      tools.Job
	}{
		{e.cfg.HealthInterval, tools.JobFunc{Label: "health_check", Fn: e.healthJob}},
		{e.cfg.ReconcileInterval, tools.JobFunc{Label: "reconcile", Fn: func() error {
			return e.reconcileJob(ctx)
		}}},
		{e.cfg.MetricsInterval, tools.JobFunc{Label: "metrics_snapshot", Fn: e.metricsJob}},
	}
	for _, entry := range jobs {
		if err := e.scheduler.Every(entry.interval, entry.job); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) healthJob() error {
	fleet := e.workers.HealthCheckAll()
	connector := e.connector.HealthCheck()

	if fleet.Crashed > 0 || !connector.Connected {
		e.broker.Publish(bus.ExchangeEvents, bus.TopicSystemError, map[string]interface{}{
			"source":          "health_check",
			"crashed_workers": fleet.Crashed,
			"connected":       connector.Connected,
		}, true)
	}

	log.WithFields(log.Fields{
		"running":   fleet.Running,
		"crashed":   fleet.Crashed,
		"memory":    fleet.MemoryBytes,
		"connected": connector.Connected,
	}).Debug("engine: health check")
	return nil
}

func (e *Engine) reconcileJob(ctx context.Context) error {
	report, err := e.reconciler.Run(ctx)
	if err != nil {
		return err
	}
	if report.HasCritical() {
		e.EmergencyStop("reconciliation found critical discrepancies")
		return fmt.Errorf("critical discrepancies in session %s", report.SessionID)
	}
	if len(report.Discrepancies) > 0 {
		log.Warnf("engine: reconciliation %s status=%s findings=%d",
			report.SessionID, report.Status, len(report.Discrepancies))
		if report.Status == reconcile.StatusPartial && e.notifier != nil {
			e.notifier.Notify(fmt.Sprintf("Reconciliation %s finished partial with %d findings.",
				report.SessionID, len(report.Discrepancies)))
		}
	}
	return nil
}

func (e *Engine) metricsJob() error {
	configs, err := e.repo.StrategyConfigs(storage.WithActiveConfigs())
	if err != nil {
		return err
	}
	for _, sc := range configs {
		if err := e.metrics.Snapshot(sc.ID, sc.PortfolioID); err != nil {
			log.WithField("strategy", sc.ID).Errorf("engine: metrics snapshot failed: %v", err)
		}
	}
	return nil
}

// crossParams and gridParams mirror the strategy_configs params column.
type crossParams struct {
	FastPeriod  int     `json:"fast_period"`
	SlowPeriod  int     `json:"slow_period"`
	StopLossPct float64 `json:"stop_loss_percent"`
}

type gridParams struct {
	Levels     int     `json:"levels"`
	SpacingPct float64 `json:"spacing_percent"`
	Quantity   float64 `json:"quantity"`
}

type trendParams struct {
	AtrPeriod int     `json:"atr_period"`
	Factor    float64 `json:"factor"`
}

// buildStrategy instantiates the configured strategy type. Params are
// optional; zero values keep the strategy defaults.
func (e *Engine) buildStrategy(sc *model.StrategyConfig) (strategy.Strategy, error) {
	switch sc.Type {
	case "cross_ema":
		st := strategy.NewCrossEMA(sc.ID, e.exchName, sc.Symbol)
		if len(sc.Params) > 0 {
			var params crossParams
			if err := json.Unmarshal(sc.Params, &params); err != nil {
				return nil, fmt.Errorf("invalid params: %w", err)
			}
			if params.FastPeriod > 0 {
				st.FastPeriod = params.FastPeriod
			}
			if params.SlowPeriod > 0 {
				st.SlowPeriod = params.SlowPeriod
			}
			if params.StopLossPct > 0 {
				st.StopLossPct = params.StopLossPct
			}
		}
		return st, nil

	case "grid":
		params := gridParams{Levels: 5, SpacingPct: 1.0, Quantity: 0.001}
		if len(sc.Params) > 0 {
			if err := json.Unmarshal(sc.Params, &params); err != nil {
				return nil, fmt.Errorf("invalid params: %w", err)
			}
		}
		return strategy.NewGrid(sc.ID, e.exchName, sc.Symbol,
			params.Levels, params.SpacingPct, params.Quantity, e.repo), nil

	case "supertrend":
		st := strategy.NewTrend(sc.ID, e.exchName, sc.Symbol)
		if len(sc.Params) > 0 {
			var params trendParams
			if err := json.Unmarshal(sc.Params, &params); err != nil {
				return nil, fmt.Errorf("invalid params: %w", err)
			}
			if params.AtrPeriod > 0 {
				st.AtrPeriod = params.AtrPeriod
			}
			if params.Factor > 0 {
				st.Factor = params.Factor
			}
		}
		return st, nil

	default:
		return nil, fmt.Errorf("unknown strategy type %q", sc.Type)
	}
}

// Reconcile runs a one-shot reconciliation pass.
func (e *Engine) Reconcile(ctx context.Context) (*reconcile.Report, error) {
	return e.reconciler.Run(ctx)
}

// StartStrategy registers and starts a worker for the configuration.
func (e *Engine) StartStrategy(ctx context.Context, sc *model.StrategyConfig) error {
	st, err := e.buildStrategy(sc)
	if err != nil {
		return err
	}
	if _, err := e.workers.Add(sc.ID, sc.Symbol, st); err != nil {
		return err
	}
	e.connector.StreamMarketData(ctx, sc.Symbol, st.Timeframe())
	return e.workers.Start(ctx, sc.ID)
}

// StopStrategy gracefully stops the strategy's worker.
func (e *Engine) StopStrategy(id int64) error {
	return e.workers.Stop(id)
}

// RestartStrategy stops and restarts the worker with a fresh budget.
func (e *Engine) RestartStrategy(ctx context.Context, id int64) error {
	return e.workers.Restart(ctx, id)
}

// StrategyStatus reports the worker's lifecycle status.
func (e *Engine) StrategyStatus(id int64) (worker.Status, error) {
	return e.workers.Status(id)
}

// HealthCheck aggregates component health for operators and probes.
type HealthCheck struct {
	Running     bool                     `json:"running"`
	Uptime      time.Duration            `json:"uptime"`
	Halted      bool                     `json:"halted"`
	Fleet       worker.FleetHealth       `json:"fleet"`
	Connector   exchange.ConnectorHealth `json:"connector"`
	DeadLetters int64                    `json:"dead_letters"`
}

// HealthCheck returns the engine-wide health snapshot.
func (e *Engine) HealthCheck() HealthCheck {
	e.mu.Lock()
	running := e.running
	startedAt := e.startedAt
	e.mu.Unlock()

	check := HealthCheck{
		Running:     running,
		Halted:      e.capital.Halted(),
		Fleet:       e.workers.HealthCheckAll(),
		Connector:   e.connector.HealthCheck(),
		DeadLetters: e.broker.DeadLetterCount(),
	}
	if running {
		check.Uptime = time.Since(startedAt).Round(time.Second)
	}
	return check
}

// StatusReport renders a short operator summary.
func (e *Engine) StatusReport() string {
	check := e.HealthCheck()
	daily := e.capital.DailyPnL()

	state := "running"
	if !check.Running {
		state = "stopped"
	}
	if check.Halted {
		state = "HALTED"
	}

	return fmt.Sprintf(
		"Status: %s\nUptime: %s\nExchange: %s (connected: %t)\n"+
			"Workers: %d running, %d crashed\nOpen positions: %d\n"+
			"Daily PnL: %s\nDead letters: %d",
		state, check.Uptime, e.exchName, check.Connector.Connected,
		check.Fleet.Running, check.Fleet.Crashed,
		e.capital.OpenPositionCount(), daily.StringFixed(2), check.DeadLetters,
	)
}

// EmergencyStop halts trading and stops every worker. The halt latch
// stays set until Resume.
func (e *Engine) EmergencyStop(reason string) {
	log.Errorf("engine: emergency stop: %s", reason)
	e.capital.EmergencyStop(reason)
	e.workers.StopAll()
}

// Resume clears the emergency halt and restarts the workers.
func (e *Engine) Resume() {
	e.capital.ResetEmergencyStop()
	e.mu.Lock()
	ctx := e.runCtx
	running := e.running
	e.mu.Unlock()
	if running && ctx != nil {
		e.workers.StartAll(ctx)
	}
	log.Info("engine: resumed")
}

// Stop shuts the platform down in reverse dependency order.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	e.scheduler.Stop()
	e.workers.StopAll()
	e.connector.Stop()
	if e.cancel != nil {
		e.cancel()
	}
	e.broker.Close()
	log.Info("engine: stopped")
}

// Run starts the engine and blocks until the context ends or the process
// receives SIGINT or SIGTERM.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	defer e.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-ctx.Done():
	case sig := <-quit:
		log.Infof("engine: received %s, shutting down", sig)
	}
	return nil
}
