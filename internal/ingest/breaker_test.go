package ingest

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"verus-arb/internal/config"
	"verus-arb/internal/events"
	"verus-arb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testCircuitConfig() config.CircuitConfig {
	return config.CircuitConfig{
		ErrorThreshold:    5,
		ResetTimeout:      50 * time.Millisecond,
		RecoveryThreshold: 3,
	}
}

func newTestBreaker() (*Breaker, *events.Bus) {
	logger := testLogger()
	bus := events.NewBus(logger)
	return NewBreaker("safetrade", testCircuitConfig(), bus, logger), bus
}

func failN(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		b.Execute(func() error { return errors.New("transport") })
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker()

	// One failure short keeps it closed.
	failN(b, 4)
	if !b.Closed() {
		t.Fatal("breaker must stay closed below the threshold")
	}

	failN(b, 1)
	if b.Closed() {
		t.Fatal("breaker must open at exactly the threshold")
	}

	err := b.Execute(func() error { return nil })
	if !types.IsKind(err, types.ErrVenueDown) {
		t.Errorf("open breaker should short-circuit with venue_down, got %v", err)
	}
	if b.Health().State != types.HealthOpen {
		t.Errorf("health = %s, want open", b.Health().State)
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	t.Parallel()
	b, bus := newTestBreaker()
	sub := bus.Subscribe(16)

	failN(b, 5)
	time.Sleep(60 * time.Millisecond) // past ResetTimeout

	// Three probe successes close it again.
	for i := 0; i < 3; i++ {
		if err := b.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if !b.Closed() {
		t.Fatal("breaker should be closed after recovery threshold successes")
	}

	// Every half_open must be preceded by an open.
	var kinds []events.Kind
	for {
		select {
		case evt := <-sub:
			kinds = append(kinds, evt.Kind)
			continue
		default:
		}
		break
	}
	lastOpen := -1
	for i, k := range kinds {
		switch k {
		case events.KindCircuitOpen:
			lastOpen = i
		case events.KindCircuitHalfOpen:
			if lastOpen == -1 || lastOpen > i {
				t.Error("half_open without a preceding open")
			}
		}
	}
	if len(kinds) < 3 {
		t.Errorf("expected open, half_open, closed events, got %v", kinds)
	}
}

func TestBreakerReopensOnProbeFailure(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker()

	failN(b, 5)
	time.Sleep(60 * time.Millisecond)

	// Probe fails: straight back to open.
	b.Execute(func() error { return errors.New("still down") })
	if b.Closed() {
		t.Fatal("failed probe must reopen the breaker")
	}
	err := b.Execute(func() error { return nil })
	if !types.IsKind(err, types.ErrVenueDown) {
		t.Errorf("reopened breaker should short-circuit, got %v", err)
	}
}

func TestBreakerHealthCounters(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker()

	b.Execute(func() error { return nil })
	b.Execute(func() error { return nil })
	h := b.Health()
	if h.ConsecutiveSuccesses != 2 || h.ConsecutiveErrors != 0 {
		t.Errorf("counters = %d/%d, want 2/0", h.ConsecutiveSuccesses, h.ConsecutiveErrors)
	}

	b.Execute(func() error { return errors.New("boom") })
	h = b.Health()
	if h.ConsecutiveErrors != 1 || h.ConsecutiveSuccesses != 0 {
		t.Errorf("counters = %d/%d, want 1 error, 0 successes", h.ConsecutiveErrors, h.ConsecutiveSuccesses)
	}
	if h.LastErrorTs.IsZero() {
		t.Error("last error timestamp should be set")
	}
}
