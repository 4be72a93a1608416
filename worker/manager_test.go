package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsbot/helmsbot/bus"
)

func TestManagerRejectsDuplicateIDs(t *testing.T) {
	b := bus.New()
	defer b.Close()

	m := NewManager(b, nil)
	_, err := m.Add(1, "BTC/USDT", &echoStrategy{})
	require.NoError(t, err)
	_, err = m.Add(1, "ETH/USDT", &echoStrategy{})
	assert.Error(t, err)
}

func TestManagerStartStopRemove(t *testing.T) {
	b := bus.New()
	defer b.Close()

	m := NewManager(b, nil)
	_, err := m.Add(1, "BTC/USDT", &echoStrategy{})
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background(), 1))
	status, err := m.Status(1)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status)

	require.NoError(t, m.Remove(1))
	_, err = m.Status(1)
	assert.Error(t, err)
}

func TestManagerRestartAfterStop(t *testing.T) {
	b := bus.New()
	defer b.Close()

	m := NewManager(b, nil)
	w, err := m.Add(1, "BTC/USDT", &echoStrategy{})
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background(), 1))
	require.NoError(t, m.Stop(1))
	assert.Equal(t, StatusStopped, w.Status())

	require.NoError(t, m.Restart(context.Background(), 1))
	assert.Equal(t, StatusRunning, w.Status())
	require.NoError(t, m.Stop(1))
}

func TestManagerAutoRestartRecoversErroredWorker(t *testing.T) {
	b := bus.New()
	defer b.Close()

	m := NewManager(b, nil)
	m.restartDelay = 10 * time.Millisecond
	w, err := m.Add(1, "BTC/USDT", &echoStrategy{})
	require.NoError(t, err)

	w.fail(errors.New("stream dropped"))
	m.autoRestart(context.Background(), w, w.Err())
	m.wg.Wait()

	assert.Equal(t, StatusRunning, w.Status())
	m.mu.Lock()
	assert.Equal(t, 1, m.restarts[1])
	m.mu.Unlock()
	require.NoError(t, m.Stop(1))
}

func TestManagerCrashesAfterBudgetExhausted(t *testing.T) {
	b := bus.New()
	defer b.Close()

	errs := make(chan bus.Message, 1)
	require.True(t, b.Subscribe(bus.QueueSystemEvents, func(msg bus.Message) error {
		errs <- msg
		return nil
	}, true))

	m := NewManager(b, nil)
	w, err := m.Add(1, "BTC/USDT", &echoStrategy{})
	require.NoError(t, err)

	m.mu.Lock()
	m.restarts[1] = MaxRestarts
	m.mu.Unlock()

	w.fail(errors.New("stream dropped"))
	m.autoRestart(context.Background(), w, w.Err())

	assert.Equal(t, StatusCrashed, w.Status())
	assert.ErrorContains(t, w.Err(), "restart budget exhausted")

	select {
	case msg := <-errs:
		assert.Equal(t, bus.TopicSystemError, msg.RoutingKey)
	case <-time.After(2 * time.Second):
		t.Fatal("no system error event published")
	}
}

func TestManagerResourceBreachRestartsWorkers(t *testing.T) {
	b := bus.New()
	defer b.Close()

	errs := make(chan bus.Message, 1)
	require.True(t, b.Subscribe(bus.QueueSystemEvents, func(msg bus.Message) error {
		errs <- msg
		return nil
	}, true))

	m := NewManager(b, nil)
	m.restartDelay = 10 * time.Millisecond
	w, err := m.Add(1, "BTC/USDT", &echoStrategy{})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background(), 1))

	m.enforceCaps(context.Background(), memoryCapBytes+1, 0)
	m.wg.Wait()

	assert.Equal(t, StatusRunning, w.Status())
	m.mu.Lock()
	assert.Equal(t, 1, m.restarts[1])
	m.mu.Unlock()

	select {
	case msg := <-errs:
		assert.Equal(t, bus.TopicSystemError, msg.RoutingKey)
	case <-time.After(2 * time.Second):
		t.Fatal("no system error event published")
	}
	require.NoError(t, m.Stop(1))
}

func TestManagerResourceBreachSharesRestartBudget(t *testing.T) {
	b := bus.New()
	defer b.Close()

	m := NewManager(b, nil)
	w, err := m.Add(1, "BTC/USDT", &echoStrategy{})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background(), 1))

	// Crash recoveries already spent the budget; the cap breach must not
	// get extra attempts of its own.
	m.mu.Lock()
	m.restarts[1] = MaxRestarts
	m.mu.Unlock()

	m.enforceCaps(context.Background(), 0, cpuCapPercent+1)

	assert.Equal(t, StatusCrashed, w.Status())
	assert.ErrorContains(t, w.Err(), "restart budget exhausted")
}

func TestManagerResourcesWithinCapsAreUntouched(t *testing.T) {
	b := bus.New()
	defer b.Close()

	m := NewManager(b, nil)
	w, err := m.Add(1, "BTC/USDT", &echoStrategy{})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background(), 1))

	m.enforceCaps(context.Background(), memoryCapBytes, cpuCapPercent)

	assert.Equal(t, StatusRunning, w.Status())
	m.mu.Lock()
	assert.Zero(t, m.restarts[1])
	m.mu.Unlock()
	require.NoError(t, m.Stop(1))
}

func TestManagerFleetHealth(t *testing.T) {
	b := bus.New()
	defer b.Close()

	m := NewManager(b, nil)
	_, err := m.Add(1, "BTC/USDT", &echoStrategy{})
	require.NoError(t, err)
	_, err = m.Add(2, "ETH/USDT", &echoStrategy{})
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background(), 1))
	defer m.Stop(1)

	health := m.HealthCheckAll()
	assert.Len(t, health.Workers, 2)
	assert.Equal(t, 1, health.Running)
	assert.Zero(t, health.Crashed)
}
