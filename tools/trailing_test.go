package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrailingStopRatchetsUp(t *testing.T) {
	ts := NewTrailingStop()
	ts.Start(100, 95)

	assert.False(t, ts.Update(110)) // stop moves to 105
	assert.False(t, ts.Update(108)) // falling, stop holds
	assert.True(t, ts.Update(105))
}

func TestTrailingStopInactive(t *testing.T) {
	ts := NewTrailingStop()
	assert.False(t, ts.Update(50))

	ts.Start(100, 95)
	ts.Stop()
	assert.False(t, ts.Update(10))
}

func TestTrailingStopNeverMovesDown(t *testing.T) {
	ts := NewTrailingStop()
	ts.Start(100, 90)

	assert.False(t, ts.Update(99))
	assert.False(t, ts.Update(95))
	assert.True(t, ts.Update(90))
}
