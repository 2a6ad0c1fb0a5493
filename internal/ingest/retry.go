package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"verus-arb/pkg/types"
)

const (
	retryInitialDelay = 5 * time.Second
	retryMaxDelay     = 30 * time.Second
	retryMaxAttempts  = 3

	backoffWindow    = 5 * time.Minute
	backoffThreshold = 5
)

// errorWindow counts recent errors so a venue that keeps failing is
// backed off entirely instead of hammered with retries.
type errorWindow struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	stamps []time.Time
}

func newErrorWindow(window time.Duration, limit int) *errorWindow {
	return &errorWindow{window: window, limit: limit}
}

// record notes one error at now.
func (w *errorWindow) record(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stamps = append(w.stamps, now)
	w.trim(now)
}

// saturated reports whether the error budget for the window is spent.
func (w *errorWindow) saturated(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trim(now)
	return len(w.stamps) >= w.limit
}

func (w *errorWindow) trim(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for ; i < len(w.stamps); i++ {
		if w.stamps[i].After(cutoff) {
			break
		}
	}
	w.stamps = w.stamps[i:]
}

// executeWithRetry runs op with exponential backoff on transient
// failures: 5s initial delay, doubling, capped at 30s, at most 3
// attempts. Non-transient errors return immediately. When the venue's
// error window is saturated, the call is rejected up front.
func (w *Worker) executeWithRetry(ctx context.Context, opName string, op func(context.Context) error) error {
	if w.errWindow.saturated(time.Now()) {
		return types.NewVenueError(w.name, opName, types.ErrVenueDown,
			fmt.Errorf("venue backed off: %d errors within %s", backoffThreshold, backoffWindow))
	}

	delay := retryInitialDelay
	var err error
	for attempt := 1; attempt <= retryMaxAttempts; attempt++ {
		err = w.call(ctx, op)
		if err == nil {
			return nil
		}
		w.errWindow.record(time.Now())

		if !types.KindOf(err).Transient() || attempt == retryMaxAttempts {
			return err
		}
		w.logger.Debug("retrying after transient error",
			"op", opName, "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return types.NewVenueError(w.name, opName, types.ErrTimeout, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
	return err
}

// call runs one attempt under the limiter, breaker and per-call deadline.
func (w *Worker) call(ctx context.Context, op func(context.Context) error) error {
	if err := w.limiter.Acquire(ctx); err != nil {
		return types.NewVenueError(w.name, "call", types.ErrTimeout, err)
	}
	defer w.limiter.Release()

	return w.breaker.Execute(func() error {
		callCtx, cancel := context.WithTimeout(ctx, w.cfg.CallDeadline)
		defer cancel()
		return op(callCtx)
	})
}
