// Package arb detects cross-venue price dislocations and gates them
// against live state before execution.
//
// The detector keeps the latest normalized tick per venue behind an
// aging mask and, on every update to venue v, evaluates only the pairs
// touching v. The validator then re-checks a candidate against freshly
// fetched depth, balances and venue health.
package arb

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"verus-arb/internal/config"
	"verus-arb/pkg/types"
)

// topK bounds how many opportunities one evaluation emits.
const topK = 5

// Detector computes spread candidates on every validated tick.
type Detector struct {
	cfg         config.ArbitrageConfig
	maxSlippage decimal.Decimal // pessimistic pre-check; refined by the validator
	notionalCap decimal.Decimal // position-sizing bound per execution

	mu     sync.Mutex
	latest map[string]types.NormalizedTick
	fees   map[string]types.FeeSchedule
}

// NewDetector creates a detector. notionalCap is the per-execution
// quote sizing bound (risk.max_position_size); maxSlippage the
// execution slippage ceiling used for the pessimistic estimate.
func NewDetector(cfg config.ArbitrageConfig, notionalCap decimal.Decimal, maxSlippage float64) *Detector {
	return &Detector{
		cfg:         cfg,
		maxSlippage: decimal.NewFromFloat(maxSlippage),
		notionalCap: notionalCap,
		latest:      make(map[string]types.NormalizedTick),
		fees:        make(map[string]types.FeeSchedule),
	}
}

// SetFees installs a venue's fee schedule for net estimates.
func (d *Detector) SetFees(venueName string, fees types.FeeSchedule) {
	d.mu.Lock()
	d.fees[venueName] = fees
	d.mu.Unlock()
}

// OnTick absorbs one normalized tick and returns up to topK
// opportunities touching its venue, ordered by estimated net profit
// descending with earlier expiry breaking ties.
func (d *Detector) OnTick(tick types.NormalizedTick) []types.Opportunity {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.latest[tick.Venue] = tick

	var out []types.Opportunity
	for other, peer := range d.latest {
		if other == tick.Venue {
			continue
		}
		if now.Sub(peer.EffectiveTs()) > d.cfg.MaxTickAge {
			continue // aged out of consideration
		}
		if opp, ok := d.evaluate(tick, peer, now); ok {
			out = append(out, opp)
		}
		if opp, ok := d.evaluate(peer, tick, now); ok {
			out = append(out, opp)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].EstNet.Equal(out[j].EstNet) {
			return out[i].EstNet.GreaterThan(out[j].EstNet)
		}
		return out[i].ExpiresTs.Before(out[j].ExpiresTs)
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}

// evaluate prices a buy-on-b / sell-on-s candidate. Caller holds d.mu.
func (d *Detector) evaluate(b, s types.NormalizedTick, now time.Time) (types.Opportunity, bool) {
	buyPrice := b.Price
	if b.Ask.IsPositive() {
		buyPrice = b.Ask
	}
	sellPrice := s.Price
	if s.Bid.IsPositive() {
		sellPrice = s.Bid
	}
	if !sellPrice.GreaterThan(buyPrice) {
		return types.Opportunity{}, false
	}

	spread := sellPrice.Sub(buyPrice).Div(buyPrice)
	if spread.LessThan(decimal.NewFromFloat(d.cfg.MinSpreadPercent)) {
		return types.Opportunity{}, false
	}

	volume, volumeKnown := minKnownVolume(b.VolumeQuote24h, s.VolumeQuote24h)
	if volumeKnown && volume.LessThan(decimal.NewFromFloat(d.cfg.MinVolumeQuote)) {
		return types.Opportunity{}, false
	}

	notional := d.notionalCap
	baseAmount := notional.Div(buyPrice)

	gross := notional.Mul(spread)
	fees := notional.Mul(d.takerSum(b.Venue, s.Venue))
	slippage := notional.Mul(d.maxSlippage)
	net := gross.Sub(fees).Sub(slippage)
	if net.LessThan(decimal.NewFromFloat(d.cfg.MinProfitQuote)) {
		return types.Opportunity{}, false
	}

	freshest := b.EffectiveTs()
	if s.EffectiveTs().Before(freshest) {
		freshest = s.EffectiveTs()
	}

	return types.Opportunity{
		ID:             uuid.NewString(),
		BuyVenue:       b.Venue,
		SellVenue:      s.Venue,
		BuyPrice:       buyPrice,
		SellPrice:      sellPrice,
		SpreadPct:      spread,
		BaseAmount:     baseAmount,
		EstVolumeQuote: volume,
		EstGross:       gross,
		EstFees:        fees,
		EstSlippage:    slippage,
		EstNet:         net,
		CreatedTs:      now,
		ExpiresTs:      freshest.Add(d.cfg.MaxTickAge),
	}, true
}

// takerSum returns the combined taker rate for both legs. Caller holds d.mu.
func (d *Detector) takerSum(buyVenue, sellVenue string) decimal.Decimal {
	return d.fees[buyVenue].Taker.Add(d.fees[sellVenue].Taker)
}

// minKnownVolume treats a zero volume as unknown: the constraint binds
// only when at least one side reports.
func minKnownVolume(a, b decimal.Decimal) (decimal.Decimal, bool) {
	switch {
	case a.IsPositive() && b.IsPositive():
		if a.LessThan(b) {
			return a, true
		}
		return b, true
	case a.IsPositive():
		return a, true
	case b.IsPositive():
		return b, true
	}
	return decimal.Zero, false
}
