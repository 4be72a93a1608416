package exchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.Failure()
	}
	assert.Equal(t, BreakerClosed, b.State())

	require.NoError(t, b.Allow())
	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := NewBreaker(1, 10*time.Millisecond)

	b.Failure()
	require.Equal(t, BreakerOpen, b.State())

	time.Sleep(20 * time.Millisecond)

	// First call after the timeout is the probe; a second concurrent call
	// must still be refused.
	require.NoError(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	b.Success()
	assert.Equal(t, BreakerClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreakerReopensOnProbeFailure(t *testing.T) {
	b := NewBreaker(1, 10*time.Millisecond)

	b.Failure()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Allow())

	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	assert.Equal(t, BreakerClosed, b.State())
}
