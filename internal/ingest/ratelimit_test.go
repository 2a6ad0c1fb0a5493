package ingest

import (
	"context"
	"testing"
	"time"

	"verus-arb/internal/config"
)

func TestTokenBucketAllowsBurst(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(5, 1)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := tb.Wait(ctx); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("burst of 5 took %v, should be immediate", elapsed)
	}
}

func TestTokenBucketThrottles(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 10) // 1 burst, 10/sec refill

	ctx := context.Background()
	tb.Wait(ctx) // consume the burst

	start := time.Now()
	if err := tb.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("second token arrived in %v, want ~100ms", elapsed)
	}
}

func TestTokenBucketHonorsCancellation(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 0.001) // effectively no refill
	ctx := context.Background()
	tb.Wait(ctx)

	cancelCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := tb.Wait(cancelCtx); err == nil {
		t.Error("expected context error while starved")
	}
}

func TestLimiterConcurrencyGate(t *testing.T) {
	t.Parallel()
	l := NewLimiter(config.RateLimitConfig{RPS: 1000, Concurrency: 1})
	ctx := context.Background()

	if err := l.Acquire(ctx); err != nil {
		t.Fatal(err)
	}

	// Second acquire must block until release.
	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := l.Acquire(blocked); err == nil {
		t.Fatal("second acquire should block at concurrency 1")
	}

	l.Release()
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	l.Release()
}

func TestErrorWindowSaturation(t *testing.T) {
	t.Parallel()
	w := newErrorWindow(5*time.Minute, 5)
	now := time.Now()

	for i := 0; i < 4; i++ {
		w.record(now)
	}
	if w.saturated(now) {
		t.Error("4 errors should not saturate a limit of 5")
	}
	w.record(now)
	if !w.saturated(now) {
		t.Error("5 errors should saturate")
	}

	// Outside the window the budget clears.
	if w.saturated(now.Add(6 * time.Minute)) {
		t.Error("errors older than the window must not count")
	}
}
