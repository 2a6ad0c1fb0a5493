package ingest

import (
	"context"
	"log/slog"
	"time"

	"verus-arb/internal/config"
	"verus-arb/internal/venue"
	"verus-arb/pkg/types"
)

// streamStableAfter is how long a stream connection must hold before a
// later failure resets the reconnect backoff.
const streamStableAfter = 30 * time.Second

// Worker owns one venue: its adapter, rate limiter, circuit breaker,
// heartbeat and reconnection policy. Ticks flow out through the hub;
// outbound order/depth/balance calls from other components flow in
// through Call so every wire interaction shares the same gates.
type Worker struct {
	name      string
	adapter   venue.Adapter
	limiter   *Limiter
	breaker   *Breaker
	errWindow *errorWindow
	cfg       config.IngestionConfig
	logger    *slog.Logger
	hub       *Hub
}

// NewWorker creates a venue worker. Register it on a hub before Run.
func NewWorker(adapter venue.Adapter, cfg config.IngestionConfig, breaker *Breaker, logger *slog.Logger) *Worker {
	return &Worker{
		name:      adapter.Name(),
		adapter:   adapter,
		limiter:   NewLimiter(cfg.RateLimits[adapter.Name()]),
		breaker:   breaker,
		errWindow: newErrorWindow(backoffWindow, backoffThreshold),
		cfg:       cfg,
		logger:    logger.With("component", "worker", "venue", adapter.Name()),
	}
}

// Name returns the venue name.
func (w *Worker) Name() string { return w.name }

// QuoteCcy returns the venue's native quote currency.
func (w *Worker) QuoteCcy() string { return w.adapter.QuoteCcy() }

// Adapter exposes the underlying venue adapter.
func (w *Worker) Adapter() venue.Adapter { return w.adapter }

// Health returns the venue's health snapshot.
func (w *Worker) Health() types.VenueHealth { return w.breaker.Health() }

// Healthy reports whether the venue's breaker admits calls.
func (w *Worker) Healthy() bool { return w.breaker.Closed() }

// SetBridgeStale records a stale-bridge condition in venue health.
func (w *Worker) SetBridgeStale(stale bool) { w.breaker.SetBridgeStale(stale) }

// Run drives ingestion until ctx is done: the streaming loop with
// reconnection for venues that push, the poll loop for venues that
// do not.
func (w *Worker) Run(ctx context.Context) {
	if venue.Supports(w.adapter, types.CapStreaming) {
		w.runStream(ctx)
		return
	}
	w.runPoll(ctx)
}

// Call runs an outbound venue operation through the worker's limiter,
// breaker, retry policy and per-call deadline. Non-ingestion components
// reach the venue through this method or, without retries, CallOnce.
func (w *Worker) Call(ctx context.Context, opName string, op func(context.Context) error) error {
	return w.executeWithRetry(ctx, opName, op)
}

// CallOnce runs an outbound operation through the limiter, breaker and
// deadline but without retries, for callers that own their own retry
// protocol (notably order placement, where a blind retry could
// double-place).
func (w *Worker) CallOnce(ctx context.Context, op func(context.Context) error) error {
	return w.call(ctx, op)
}

// runPoll pulls the ticker on a fixed cadence.
func (w *Worker) runPoll(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *Worker) pollOnce(ctx context.Context) {
	var tick types.Tick
	err := w.call(ctx, func(callCtx context.Context) error {
		var err error
		tick, err = w.adapter.FetchTicker(callCtx)
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Debug("poll failed", "error", err)
		}
		return
	}
	w.hub.push(tick)
}

// runStream maintains the live stream with exponential-backoff
// reconnection. Each connection gets its own heartbeat watchdog; a
// declared heartbeat failure cancels the stream, which lands back here
// as a reconnect. After MaxAttempts consecutive failures the worker
// escalates to the log and keeps probing at the capped delay.
func (w *Worker) runStream(ctx context.Context) {
	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		started := time.Now()
		err := w.streamOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > streamStableAfter {
			// The connection held; this failure starts a fresh backoff run.
			attempts = 0
			w.breaker.record(nil)
		}
		w.breaker.record(err)
		attempts++

		delay := w.cfg.Reconnect.BaseDelay << uint(attempts-1)
		maxDelay := w.cfg.Reconnect.BaseDelay << uint(w.cfg.Reconnect.MaxAttempts)
		if delay > maxDelay {
			delay = maxDelay
		}
		if attempts > w.cfg.Reconnect.MaxAttempts {
			w.logger.Error("stream reconnect attempts exhausted, continuing at capped delay",
				"attempts", attempts, "error", err)
		} else {
			w.logger.Warn("stream disconnected, reconnecting",
				"attempt", attempts, "backoff", delay, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// streamOnce runs one stream connection to failure. Ticks reset the
// heartbeat and flow to the hub.
func (w *Worker) streamOnce(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var hb *Heartbeat
	if pinger, ok := w.adapter.(venue.Pinger); ok {
		hb = NewHeartbeat(w.cfg.Heartbeat, pinger.Ping, cancel, w.logger)
		go hb.Run(streamCtx)
	}

	sink := venue.TickSinkFunc(func(tick types.Tick) {
		if hb != nil {
			hb.RecordActivity()
		}
		w.hub.push(tick)
	})

	err := w.adapter.Stream(streamCtx, sink)
	if err == nil || ctx.Err() != nil {
		return err
	}
	return err
}
