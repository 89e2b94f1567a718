// ratelimit.go implements the token-bucket rate limiter every chain read
// passes through.
//
// The upstream RPC providers meter requests per second, so the process
// keeps a single smooth bucket (continuous refill rather than fixed
// windows) shared by the indexer, the sweeper, the summary assembler and
// the health endpoint. Capacity is the burst allowance, rate the steady
// QPS budget.
package chain

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
	minWait  time.Duration
}

// NewTokenBucket creates a rate limiter with the given capacity and refill
// rate. The wait quantum is floored at 50ms so a starved caller re-checks
// at a bounded frequency.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	minWait := 50 * time.Millisecond
	if ratePerSecond > 0 {
		if w := time.Duration(float64(time.Second) / ratePerSecond); w > minWait {
			minWait = w
		}
	}
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
		minWait:  minWait,
	}
}

// Wait blocks until a token is available or ctx is cancelled.
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

		wait := tb.minWait
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}
