// Package pricing validates venue ticks and normalizes them to the
// canonical quote currency.
//
// Each tick passes sanity bounds, a deviation check against the
// venue's recent-price window, and a last-trade freshness cutoff.
// Venues quoting in a non-canonical currency are re-quoted through a
// bridge tick (e.g. BTCUSDT) that must itself be validated and fresh.
// Rejections are flow control, not errors: bad ticks vanish and the
// pipeline moves on.
package pricing

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"verus-arb/internal/config"
	"verus-arb/pkg/types"
)

// RejectReason says why a tick produced no NormalizedTick.
type RejectReason string

const (
	RejectNone        RejectReason = ""
	RejectSanity      RejectReason = "sanity"
	RejectDeviation   RejectReason = "deviation"
	RejectStaleTrade  RejectReason = "stale_trade"
	RejectOutOfOrder  RejectReason = "out_of_order"
	RejectBridgeStale RejectReason = "bridge_stale"
	RejectNoBridge    RejectReason = "no_bridge"
)

// Validator checks and normalizes ticks. Stateless per call except for
// the per-venue rings and the latest-bridge cache.
type Validator struct {
	cfg      config.ValidationConfig
	quoteCcy string
	logger   *slog.Logger

	mu      sync.Mutex
	rings   map[string]*ring
	bridges map[string]types.Tick // symbol (e.g. BTCUSDT) -> latest valid bridge tick
}

// NewValidator creates a validator normalizing to quoteCcy.
func NewValidator(cfg config.ValidationConfig, quoteCcy string, logger *slog.Logger) *Validator {
	return &Validator{
		cfg:      cfg,
		quoteCcy: quoteCcy,
		logger:   logger.With("component", "pricing"),
		rings:    make(map[string]*ring),
		bridges:  make(map[string]types.Tick),
	}
}

// UpdateBridge validates and stores the latest tick for a bridge
// symbol. Bridge ticks pass the same sanity gate as venue ticks and
// must not be older than the stored one; no deviation window is kept
// for them, only the latest tick per symbol.
func (v *Validator) UpdateBridge(symbol string, tick types.Tick) error {
	if reason := v.sanity(tick.Price); reason != RejectNone {
		return fmt.Errorf("bridge %s rejected: %s", symbol, reason)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if prev, ok := v.bridges[symbol]; ok && tick.ReceivedTs.Before(prev.ReceivedTs) {
		return fmt.Errorf("bridge %s rejected: out of order", symbol)
	}
	v.bridges[symbol] = tick
	return nil
}

// Bridge returns the latest stored bridge tick for a symbol.
func (v *Validator) Bridge(symbol string) (types.Tick, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	t, ok := v.bridges[symbol]
	return t, ok
}

// Process runs the full validation pipeline on one venue tick. On
// success it returns the normalized tick and RejectNone; otherwise the
// zero tick and the reason it was dropped.
func (v *Validator) Process(tick types.Tick) (types.NormalizedTick, RejectReason) {
	now := time.Now()

	if reason := v.sanity(tick.Price); reason != RejectNone {
		return types.NormalizedTick{}, reason
	}
	if tick.HasBook() && tick.Ask.LessThan(tick.Bid) {
		return types.NormalizedTick{}, RejectSanity
	}
	if !tick.LastTradeTs.IsZero() && now.Sub(tick.LastTradeTs) > v.cfg.MaxStalePrice {
		return types.NormalizedTick{}, RejectStaleTrade
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	r, ok := v.rings[tick.Venue]
	if !ok {
		r = newRing(v.cfg.PriceValidity())
		v.rings[tick.Venue] = r
	}
	if last, ok := r.lastTs(); ok && tick.ReceivedTs.Before(last) {
		return types.NormalizedTick{}, RejectOutOfOrder
	}
	if mean, ok := r.mean(now); ok {
		dev := tick.Price.Sub(mean).Abs().Div(mean)
		if dev.GreaterThan(decimal.NewFromFloat(v.cfg.MaxPriceDeviation)) {
			v.logger.Debug("tick rejected on deviation",
				"venue", tick.Venue, "price", tick.Price, "window_mean", mean)
			return types.NormalizedTick{}, RejectDeviation
		}
	}

	normalized, reason := v.normalizeLocked(tick, now)
	if reason != RejectNone {
		return types.NormalizedTick{}, reason
	}

	// History keeps native prices so deviation is judged in the
	// venue's own terms.
	r.add(tick.ReceivedTs, tick.Price, now)
	return normalized, RejectNone
}

// sanity bounds-checks a price.
func (v *Validator) sanity(price decimal.Decimal) RejectReason {
	if !price.IsPositive() {
		return RejectSanity
	}
	if price.LessThan(decimal.NewFromFloat(v.cfg.MinPrice)) ||
		price.GreaterThan(decimal.NewFromFloat(v.cfg.MaxPrice)) {
		return RejectSanity
	}
	return RejectNone
}

// NormalizeDepth re-quotes an order book snapshot to the canonical
// currency through the bridge cache, for consumers comparing depth
// against normalized prices. Fails when the venue needs a bridge that
// is missing or stale.
func (v *Validator) NormalizeDepth(depth types.OrderBookDepth, quoteCcy string) (types.OrderBookDepth, error) {
	if quoteCcy == v.quoteCcy {
		return depth, nil
	}

	symbol := quoteCcy + v.quoteCcy
	v.mu.Lock()
	bridge, ok := v.bridges[symbol]
	v.mu.Unlock()
	if !ok {
		return types.OrderBookDepth{}, types.NewVenueError(depth.Venue, "normalize_depth", types.ErrBridgeStale,
			fmt.Errorf("no bridge for %s", symbol))
	}
	if time.Since(bridge.ReceivedTs) > v.cfg.PriceValidity() {
		return types.OrderBookDepth{}, types.NewVenueError(depth.Venue, "normalize_depth", types.ErrBridgeStale,
			fmt.Errorf("bridge %s stale", symbol))
	}

	out := types.OrderBookDepth{Venue: depth.Venue, FetchedTs: depth.FetchedTs}
	out.Bids = scaleLevels(depth.Bids, bridge.Price)
	out.Asks = scaleLevels(depth.Asks, bridge.Price)
	return out, nil
}

func scaleLevels(levels []types.PriceLevel, rate decimal.Decimal) []types.PriceLevel {
	out := make([]types.PriceLevel, len(levels))
	for i, lvl := range levels {
		out[i] = types.PriceLevel{Price: lvl.Price.Mul(rate), Size: lvl.Size}
	}
	return out
}

// normalizeLocked re-quotes a tick to the canonical currency through
// the bridge cache. Caller holds v.mu.
func (v *Validator) normalizeLocked(tick types.Tick, now time.Time) (types.NormalizedTick, RejectReason) {
	if tick.QuoteCcy == v.quoteCcy {
		return types.NormalizedTick{Tick: tick, BridgeTs: tick.ReceivedTs}, RejectNone
	}

	symbol := tick.QuoteCcy + v.quoteCcy
	bridge, ok := v.bridges[symbol]
	if !ok {
		return types.NormalizedTick{}, RejectNoBridge
	}
	if now.Sub(bridge.ReceivedTs) > v.cfg.PriceValidity() {
		return types.NormalizedTick{}, RejectBridgeStale
	}

	converted := tick
	converted.Price = tick.Price.Mul(bridge.Price)
	if tick.Bid.IsPositive() {
		converted.Bid = tick.Bid.Mul(bridge.Price)
	}
	if tick.Ask.IsPositive() {
		converted.Ask = tick.Ask.Mul(bridge.Price)
	}
	if tick.VolumeQuote24h.IsPositive() {
		converted.VolumeQuote24h = tick.VolumeQuote24h.Mul(bridge.Price)
	}
	converted.QuoteCcy = v.quoteCcy

	return types.NormalizedTick{Tick: converted, BridgeTs: bridge.ReceivedTs}, RejectNone
}
