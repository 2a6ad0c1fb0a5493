package ingest

import (
	"context"
	"log/slog"
	"sync"

	"verus-arb/pkg/types"
)

// Hub merges per-venue worker outputs into a single tick stream with
// latest-wins semantics per venue: when the pipeline cannot keep up,
// the oldest undelivered tick for that venue is replaced, never queued.
type Hub struct {
	logger *slog.Logger

	mu    sync.Mutex
	slots map[string]chan types.Tick // one single-slot channel per venue
	out   chan types.Tick

	workers map[string]*Worker
}

// NewHub creates a hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger.With("component", "hub"),
		slots:   make(map[string]chan types.Tick),
		out:     make(chan types.Tick, 64),
		workers: make(map[string]*Worker),
	}
}

// Register attaches a worker and creates its venue slot.
func (h *Hub) Register(w *Worker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.workers[w.name] = w
	h.slots[w.name] = make(chan types.Tick, 1)
	w.hub = h
}

// Worker returns the registered worker for a venue.
func (h *Hub) Worker(venueName string) (*Worker, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.workers[venueName]
	return w, ok
}

// Ticks returns the merged output stream.
func (h *Hub) Ticks() <-chan types.Tick {
	return h.out
}

// HealthSnapshot returns every venue's current health.
func (h *Hub) HealthSnapshot() []types.VenueHealth {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]types.VenueHealth, 0, len(h.workers))
	for _, w := range h.workers {
		out = append(out, w.breaker.Health())
	}
	return out
}

// Run starts the per-venue mergers and every registered worker.
// Blocks until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	var wg sync.WaitGroup

	h.mu.Lock()
	for name, slot := range h.slots {
		wg.Add(1)
		go func(venueName string, slot chan types.Tick) {
			defer wg.Done()
			h.forward(ctx, slot)
		}(name, slot)
	}
	for _, w := range h.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}
	h.mu.Unlock()

	wg.Wait()
}

// push places a tick into its venue slot, replacing any undelivered one.
func (h *Hub) push(tick types.Tick) {
	h.mu.Lock()
	slot, ok := h.slots[tick.Venue]
	h.mu.Unlock()
	if !ok {
		return
	}

	for {
		select {
		case slot <- tick:
			return
		default:
			select {
			case <-slot:
				h.logger.Debug("dropped stale tick", "venue", tick.Venue)
			default:
			}
		}
	}
}

// forward drains one venue slot into the merged output in arrival order.
func (h *Hub) forward(ctx context.Context, slot chan types.Tick) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-slot:
			select {
			case h.out <- tick:
			case <-ctx.Done():
				return
			}
		}
	}
}
