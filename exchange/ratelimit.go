package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a continuously refilled token bucket. Wait blocks until a
// token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64
	lastTime time.Time
}

// NewTokenBucket creates a full bucket with the given burst capacity and
// refill rate in tokens per second.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait consumes one token, blocking until one refills or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RateLimiter groups buckets per exchange endpoint weight class. Order entry
// and cancels have tighter budgets than market-data reads.
type RateLimiter struct {
	Order  *TokenBucket
	Cancel *TokenBucket
	Market *TokenBucket
}

// NewRateLimiter creates buckets tuned to the Binance spot published limits:
// 1200 request weight per minute for reads, 50 orders per 10 seconds.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  NewTokenBucket(50, 5),
		Cancel: NewTokenBucket(50, 5),
		Market: NewTokenBucket(100, 20),
	}
}
