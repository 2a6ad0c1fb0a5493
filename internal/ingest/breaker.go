// Package ingest is the price ingestion fabric: one worker per venue
// multiplexing stream and poll sources behind a rate limiter, circuit
// breaker, heartbeat watchdog and reconnection loop, with a central hub
// fanning worker outputs into a single tick stream.
package ingest

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"verus-arb/internal/config"
	"verus-arb/internal/events"
	"verus-arb/pkg/types"
)

// Breaker wraps a gobreaker circuit breaker with venue health tracking
// and event emission. While open, calls short-circuit with venue_down.
type Breaker struct {
	name   string
	cb     *gobreaker.CircuitBreaker
	bus    *events.Bus
	logger *slog.Logger

	mu     sync.Mutex
	health types.VenueHealth
}

// NewBreaker creates a per-venue circuit breaker from config: it trips
// after ErrorThreshold consecutive failures, probes after ResetTimeout,
// and closes again after RecoveryThreshold half-open successes.
func NewBreaker(venueName string, cfg config.CircuitConfig, bus *events.Bus, logger *slog.Logger) *Breaker {
	b := &Breaker{
		name:   venueName,
		bus:    bus,
		logger: logger.With("component", "breaker", "venue", venueName),
		health: types.VenueHealth{Venue: venueName, State: types.HealthHealthy},
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        venueName,
		MaxRequests: uint32(cfg.RecoveryThreshold),
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.ErrorThreshold)
		},
		OnStateChange: b.onStateChange,
	})
	return b
}

// Execute runs fn under the breaker. An open breaker returns a
// venue_down error without invoking fn.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewVenueError(b.name, "call", types.ErrVenueDown, err)
	}
	b.record(err)
	return err
}

// record updates the health counters after an attempted call.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if err != nil {
		b.health.ConsecutiveErrors++
		b.health.ConsecutiveSuccesses = 0
		b.health.LastErrorTs = now
		return
	}
	b.health.ConsecutiveSuccesses++
	b.health.ConsecutiveErrors = 0
	b.health.LastSuccessTs = now
}

func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	b.mu.Lock()
	switch to {
	case gobreaker.StateOpen:
		b.health.State = types.HealthOpen
		b.health.CircuitOpenedTs = time.Now()
	case gobreaker.StateHalfOpen:
		b.health.State = types.HealthDegraded
	case gobreaker.StateClosed:
		b.health.State = types.HealthHealthy
		b.health.CircuitOpenedTs = time.Time{}
	}
	state := b.health.State
	b.mu.Unlock()

	b.logger.Warn("circuit state change", "from", from.String(), "to", to.String())

	kind := events.KindCircuitClosed
	switch state {
	case types.HealthOpen:
		kind = events.KindCircuitOpen
	case types.HealthDegraded:
		kind = events.KindCircuitHalfOpen
	}
	b.bus.Publish(events.Event{Kind: kind, Venue: name})
}

// Closed reports whether calls are currently admitted without probing.
func (b *Breaker) Closed() bool {
	return b.cb.State() == gobreaker.StateClosed
}

// Health returns a snapshot of the venue's health.
func (b *Breaker) Health() types.VenueHealth {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.health
}

// SetBridgeStale flags (or clears) a stale-bridge condition in health.
func (b *Breaker) SetBridgeStale(stale bool) {
	b.mu.Lock()
	b.health.BridgeStale = stale
	b.mu.Unlock()
}
