package ingest

import (
	"context"
	"sync"
	"time"

	"verus-arb/internal/config"
)

// TokenBucket implements a token-bucket rate limiter with continuous
// refill. Callers block in Wait() until a token is available or the
// context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
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

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// Limiter is the per-venue outbound gate: a token bucket for rate and a
// semaphore for in-flight concurrency. Most venues run concurrency 1,
// which also gives callers FIFO ordering on the wire.
type Limiter struct {
	bucket *TokenBucket
	sem    chan struct{}
}

// NewLimiter builds a limiter from venue rate-limit config. Zero values
// fall back to 5 rps and concurrency 1.
func NewLimiter(cfg config.RateLimitConfig) *Limiter {
	rps := cfg.RPS
	if rps <= 0 {
		rps = 5
	}
	conc := cfg.Concurrency
	if conc <= 0 {
		conc = 1
	}
	return &Limiter{
		bucket: NewTokenBucket(rps, rps),
		sem:    make(chan struct{}, conc),
	}
}

// Acquire blocks for a concurrency slot and then a rate token.
// Callers must Release() the slot when the call completes.
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := l.bucket.Wait(ctx); err != nil {
		<-l.sem
		return err
	}
	return nil
}

// Release frees the concurrency slot taken by Acquire.
func (l *Limiter) Release() {
	<-l.sem
}
