package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/helmsbot/helmsbot/bus"
	"github.com/helmsbot/helmsbot/service"
	"github.com/helmsbot/helmsbot/strategy"
	"github.com/helmsbot/helmsbot/tools/log"
)

const (
	// DefaultSampleInterval is how often the supervisor samples process
	// resources and heartbeats.
	DefaultSampleInterval = 10 * time.Second

	// MaxRestarts bounds automatic recovery attempts per worker. Past the
	// budget the worker is crashed and needs operator intervention.
	MaxRestarts = 3

	// RestartDelay spaces automatic restart attempts.
	RestartDelay = 5 * time.Second

	memoryCapBytes = 512 << 20
	cpuCapPercent  = 80.0
)

// WorkerHealth is one worker's entry in the fleet report.
type WorkerHealth struct {
	StrategyID    int64     `json:"strategy_id"`
	Symbol        string    `json:"symbol"`
	Status        Status    `json:"status"`
	Alive         bool      `json:"alive"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Restarts      int       `json:"restarts"`
	Error         string    `json:"error,omitempty"`
}

// FleetHealth aggregates worker states with process resource usage.
type FleetHealth struct {
	Workers     []WorkerHealth `json:"workers"`
	Running     int            `json:"running"`
	Crashed     int            `json:"crashed"`
	MemoryBytes uint64         `json:"memory_bytes"`
	CPUPercent  float64        `json:"cpu_percent"`
}

// Manager supervises the worker fleet. It restarts workers that miss
// heartbeats or fail, within the restart budget, and watches process
// memory and CPU against hard caps.
type Manager struct {
	broker *bus.Bus
	feeder service.Feeder

	mu       sync.Mutex
	workers  map[int64]*Worker
	restarts map[int64]int

	proc           *process.Process
	sampleInterval time.Duration
	restartDelay   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a supervisor publishing over the given bus and
// preloading warmup data from the feeder.
func NewManager(broker *bus.Bus, feeder service.Feeder) *Manager {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Errorf("worker: cannot attach process sampler: %v", err)
	}
	return &Manager{
		broker:         broker,
		feeder:         feeder,
		workers:        make(map[int64]*Worker),
		restarts:       make(map[int64]int),
		proc:           proc,
		sampleInterval: DefaultSampleInterval,
		restartDelay:   RestartDelay,
	}
}

// Add registers a strategy under the given id. Adding an id twice is an
// error so two workers never share a queue.
func (m *Manager) Add(id int64, symbol string, st strategy.Strategy) (*Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workers[id]; ok {
		return nil, fmt.Errorf("worker %d already registered", id)
	}
	w := NewWorker(id, symbol, st, m.broker, m.feeder)
	m.workers[id] = w
	return w, nil
}

// Remove stops the worker if running and forgets it.
func (m *Manager) Remove(id int64) error {
	m.mu.Lock()
	w, ok := m.workers[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("worker %d not registered", id)
	}
	if w.Status() == StatusRunning {
		if err := w.Stop(); err != nil {
			return err
		}
	}
	m.mu.Lock()
	delete(m.workers, id)
	delete(m.restarts, id)
	m.mu.Unlock()
	return nil
}

func (m *Manager) worker(id int64) (*Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, fmt.Errorf("worker %d not registered", id)
	}
	return w, nil
}

// Start launches one worker. A manual start resets the restart budget.
func (m *Manager) Start(ctx context.Context, id int64) error {
	w, err := m.worker(id)
	if err != nil {
		return err
	}
	switch w.Status() {
	case StatusStopped, StatusError, StatusCrashed:
		w.reset()
	}
	m.mu.Lock()
	m.restarts[id] = 0
	m.mu.Unlock()
	return w.Start(ctx)
}

// Stop halts one worker.
func (m *Manager) Stop(id int64) error {
	w, err := m.worker(id)
	if err != nil {
		return err
	}
	return w.Stop()
}

// Restart stops and starts one worker without touching the budget.
func (m *Manager) Restart(ctx context.Context, id int64) error {
	w, err := m.worker(id)
	if err != nil {
		return err
	}
	if w.Status() == StatusRunning {
		if err := w.Stop(); err != nil {
			return err
		}
	}
	w.reset()
	return w.Start(ctx)
}

// StartAll starts every registered worker and the supervision loop.
// Individual startup failures are logged, not fatal to the rest.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.Lock()
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	for _, w := range workers {
		if err := m.Start(ctx, w.ID); err != nil {
			log.WithField("strategy", w.ID).Errorf("worker: start failed: %v", err)
		}
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.supervise(ctx)
}

// StopAll stops supervision, then every running worker.
func (m *Manager) StopAll() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	for _, w := range workers {
		if w.Status() != StatusRunning {
			continue
		}
		if err := w.Stop(); err != nil {
			log.WithField("strategy", w.ID).Errorf("worker: stop failed: %v", err)
		}
	}
}

func (m *Manager) supervise(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkHeartbeats(ctx)
			m.checkResources(ctx)
		}
	}
}

func (m *Manager) checkHeartbeats(ctx context.Context) {
	m.mu.Lock()
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	for _, w := range workers {
		switch {
		case w.Status() == StatusRunning && !w.Alive():
			log.WithField("strategy", w.ID).Warn("worker: heartbeat missed")
			m.autoRestart(ctx, w, fmt.Errorf("heartbeat missed"))
		case w.Status() == StatusError:
			m.autoRestart(ctx, w, w.Err())
		}
	}
}

// autoRestart recovers a worker within the budget; past it the worker is
// declared crashed and an error event is published.
func (m *Manager) autoRestart(ctx context.Context, w *Worker, cause error) {
	m.mu.Lock()
	attempts := m.restarts[w.ID]
	if attempts >= MaxRestarts {
		m.mu.Unlock()
		w.markCrashed(fmt.Errorf("restart budget exhausted: %w", cause))
		m.broker.Publish(bus.ExchangeEvents, bus.TopicSystemError, map[string]interface{}{
			"source":      "worker_manager",
			"strategy_id": w.ID,
			"error":       cause.Error(),
		}, true)
		return
	}
	m.restarts[w.ID] = attempts + 1
	m.mu.Unlock()

	log.WithFields(log.Fields{
		"strategy": w.ID,
		"attempt":  attempts + 1,
		"cause":    cause,
	}).Warn("worker: restarting")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.restartDelay):
		}
		if w.Status() == StatusRunning {
			if err := w.Stop(); err != nil {
				log.WithField("strategy", w.ID).Errorf("worker: stop before restart: %v", err)
			}
		}
		w.reset()
		if err := w.Start(ctx); err != nil {
			log.WithField("strategy", w.ID).Errorf("worker: restart failed: %v", err)
		}
	}()
}

// checkResources samples the host process against the memory and CPU caps.
func (m *Manager) checkResources(ctx context.Context) {
	memBytes, cpuPct := m.sample()
	m.enforceCaps(ctx, memBytes, cpuPct)
}

// enforceCaps raises a system error event on a cap breach and restarts the
// running workers. Breach restarts draw from the same per-worker budget as
// crash recovery.
func (m *Manager) enforceCaps(ctx context.Context, memBytes uint64, cpuPct float64) {
	if memBytes <= memoryCapBytes && cpuPct <= cpuCapPercent {
		return
	}
	log.WithFields(log.Fields{
		"memory_bytes": memBytes,
		"cpu_percent":  cpuPct,
	}).Error("worker: resource cap exceeded")
	m.broker.Publish(bus.ExchangeEvents, bus.TopicSystemError, map[string]interface{}{
		"source":       "worker_manager",
		"error":        "resource cap exceeded",
		"memory_bytes": memBytes,
		"cpu_percent":  cpuPct,
	}, true)

	m.mu.Lock()
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	cause := fmt.Errorf("resource cap exceeded: memory %d bytes, cpu %.1f%%", memBytes, cpuPct)
	for _, w := range workers {
		if w.Status() != StatusRunning {
			continue
		}
		m.autoRestart(ctx, w, cause)
	}
}

func (m *Manager) sample() (uint64, float64) {
	if m.proc == nil {
		return 0, 0
	}
	var memBytes uint64
	if info, err := m.proc.MemoryInfo(); err == nil {
		memBytes = info.RSS
	}
	cpuPct, err := m.proc.CPUPercent()
	if err != nil {
		cpuPct = 0
	}
	return memBytes, cpuPct
}

// HealthCheckAll reports every worker plus process resource usage.
func (m *Manager) HealthCheckAll() FleetHealth {
	m.mu.Lock()
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	restarts := make(map[int64]int, len(m.restarts))
	for id, n := range m.restarts {
		restarts[id] = n
	}
	m.mu.Unlock()

	health := FleetHealth{Workers: make([]WorkerHealth, 0, len(workers))}
	health.MemoryBytes, health.CPUPercent = m.sample()

	for _, w := range workers {
		entry := WorkerHealth{
			StrategyID:    w.ID,
			Symbol:        w.Symbol,
			Status:        w.Status(),
			Alive:         w.Alive(),
			LastHeartbeat: w.Heartbeat(),
			Restarts:      restarts[w.ID],
		}
		if err := w.Err(); err != nil {
			entry.Error = err.Error()
		}
		switch entry.Status {
		case StatusRunning:
			health.Running++
		case StatusCrashed:
			health.Crashed++
		}
		health.Workers = append(health.Workers, entry)
	}
	return health
}

// Status reports one worker's lifecycle state.
func (m *Manager) Status(id int64) (Status, error) {
	w, err := m.worker(id)
	if err != nil {
		return "", err
	}
	return w.Status(), nil
}
