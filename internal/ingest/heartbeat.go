package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"verus-arb/internal/config"
)

// Heartbeat is the streaming-venue watchdog. It pings on a fixed
// cadence and treats received ticks (RecordActivity) as proof of life;
// pongs are not observed here. A beat whose ping fails, or that finds
// no tick for longer than the timeout, counts as missed, and enough
// missed beats in a row declare the connection failed.
type Heartbeat struct {
	cfg    config.HeartbeatConfig
	ping   func(context.Context) error
	failed func() // invoked once per declared failure
	logger *slog.Logger

	mu           sync.Mutex
	lastActivity time.Time
	missed       int
}

// NewHeartbeat creates a watchdog. ping sends one keep-alive; failed is
// called when MaxMissedBeats consecutive beats go unanswered.
func NewHeartbeat(cfg config.HeartbeatConfig, ping func(context.Context) error, failed func(), logger *slog.Logger) *Heartbeat {
	return &Heartbeat{
		cfg:          cfg,
		ping:         ping,
		failed:       failed,
		logger:       logger,
		lastActivity: time.Now(),
	}
}

// RecordActivity marks the stream alive. Workers call this for every
// tick received.
func (h *Heartbeat) RecordActivity() {
	h.mu.Lock()
	h.lastActivity = time.Now()
	h.missed = 0
	h.mu.Unlock()
}

// Run pings every CheckInterval until ctx is done.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, h.cfg.CheckInterval)
	err := h.ping(pingCtx)
	cancel()

	h.mu.Lock()
	silent := time.Since(h.lastActivity) > h.cfg.Timeout
	if err != nil || silent {
		h.missed++
	} else {
		h.missed = 0
	}
	missed := h.missed
	tripped := missed >= h.cfg.MaxMissedBeats
	if tripped {
		h.missed = 0
	}
	h.mu.Unlock()

	if err != nil || silent {
		h.logger.Debug("heartbeat missed", "missed", missed, "ping_error", err, "silent", silent)
	}
	if tripped {
		h.logger.Warn("heartbeat declared connection failed", "missed_beats", missed)
		h.failed()
	}
}
