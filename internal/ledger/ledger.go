// Package ledger is the authoritative in-memory state for balances,
// reservations, positions, and daily risk counters.
//
// Every mutation passes through one critical section so that
// available = max(0, total - live reservations) is always a consistent
// snapshot. The executor reserves before placing, consumes on
// settlement, and releases on failure; a sweeper expires reservations
// whose TTL lapsed and reports them on the event bus.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"verus-arb/internal/config"
	"verus-arb/internal/events"
	"verus-arb/pkg/types"
)

// ErrInsufficient is returned by Reserve when availability cannot cover
// the requested hold.
var ErrInsufficient = fmt.Errorf("insufficient available balance")

type balanceKey struct {
	venue    string
	currency string
}

// Ledger holds all mutable trading state. Thread-safe.
type Ledger struct {
	cfg      config.RiskConfig
	quoteCcy string // canonical quote currency for exposure math
	bus      *events.Bus
	logger   *slog.Logger

	mu           sync.RWMutex
	totals       map[balanceKey]decimal.Decimal
	reservations map[string]types.Reservation
	positions    map[string]*types.Position
	daily        types.DailyStats
}

// New creates a ledger.
func New(cfg config.RiskConfig, quoteCcy string, bus *events.Bus, logger *slog.Logger) *Ledger {
	return &Ledger{
		cfg:          cfg,
		quoteCcy:     quoteCcy,
		bus:          bus,
		logger:       logger.With("component", "ledger"),
		totals:       make(map[balanceKey]decimal.Decimal),
		reservations: make(map[string]types.Reservation),
		positions:    make(map[string]*types.Position),
		daily:        types.DailyStats{DayStartTs: dayStart(time.Now())},
	}
}

// Run starts the reservation expiry sweeper. Blocks until ctx is cancelled.
// The sweep cadence is a quarter of the reservation TTL so an expired
// hold never lingers long past its deadline.
func (l *Ledger) Run(ctx context.Context) {
	interval := l.cfg.ReserveTimeout() / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.expireReservations(time.Now())
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Balances & reservations
// ————————————————————————————————————————————————————————————————————————

// UpdateBalance sets the authoritative total for (venue, currency).
// Negative totals are rejected.
func (l *Ledger) UpdateBalance(venue, currency string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("balance for %s/%s must be >= 0, got %s", venue, currency, amount)
	}

	l.mu.Lock()
	l.totals[balanceKey{venue, currency}] = amount
	avail := l.availableLocked(venue, currency)
	l.mu.Unlock()

	l.bus.Publish(events.Event{
		Kind:  events.KindBalanceUpdated,
		Venue: venue,
		Payload: events.BalancePayload{
			Currency:  currency,
			Total:     amount,
			Available: avail,
		},
	})
	return nil
}

// Balance returns the total and derived availability for (venue, currency).
func (l *Ledger) Balance(venue, currency string) types.Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return types.Balance{
		Venue:     venue,
		Currency:  currency,
		Total:     l.totals[balanceKey{venue, currency}],
		Available: l.availableLocked(venue, currency),
	}
}

// Available returns max(0, total - live reservations) for (venue, currency).
func (l *Ledger) Available(venue, currency string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.availableLocked(venue, currency)
}

func (l *Ledger) availableLocked(venue, currency string) decimal.Decimal {
	total := l.totals[balanceKey{venue, currency}]
	for _, r := range l.reservations {
		if r.Venue == venue && r.Currency == currency {
			total = total.Sub(r.Amount)
		}
	}
	if total.IsNegative() {
		return decimal.Zero
	}
	return total
}

// Reserve atomically checks availability and inserts a hold on
// (venue, currency) tied to orderID, expiring after ttl.
// Returns ErrInsufficient when availability cannot cover the amount.
func (l *Ledger) Reserve(venue, currency string, amount decimal.Decimal, orderID string, ttl time.Duration) (types.Reservation, error) {
	if !amount.IsPositive() {
		return types.Reservation{}, fmt.Errorf("reserve amount must be > 0, got %s", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.availableLocked(venue, currency).LessThan(amount) {
		return types.Reservation{}, fmt.Errorf("%w: %s %s on %s", ErrInsufficient, amount, currency, venue)
	}

	res := types.Reservation{
		ID:        uuid.NewString(),
		Venue:     venue,
		Currency:  currency,
		Amount:    amount,
		OrderID:   orderID,
		ExpiresTs: time.Now().Add(ttl),
	}
	l.reservations[res.ID] = res
	return res, nil
}

// Release removes a reservation without touching totals, as if it was
// never taken. Unknown IDs are a no-op (the sweeper may have won).
func (l *Ledger) Release(reservationID string) {
	l.mu.Lock()
	delete(l.reservations, reservationID)
	l.mu.Unlock()
}

// Consume converts a reservation into realized balance deltas in one
// atomic step: the reservation disappears, spent is deducted from the
// reserved (venue, currency) total, and recv is credited to
// (venue, recvCurrency). Amounts are net of fees; the executor folds
// fees into spent or recv before calling.
func (l *Ledger) Consume(reservationID string, spent decimal.Decimal, recvCurrency string, recv decimal.Decimal) error {
	l.mu.Lock()

	res, ok := l.reservations[reservationID]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("consume: reservation %s not found", reservationID)
	}
	delete(l.reservations, reservationID)

	spentKey := balanceKey{res.Venue, res.Currency}
	newSpentTotal := l.totals[spentKey].Sub(spent)
	if newSpentTotal.IsNegative() {
		newSpentTotal = decimal.Zero
	}
	l.totals[spentKey] = newSpentTotal

	recvKey := balanceKey{res.Venue, recvCurrency}
	l.totals[recvKey] = l.totals[recvKey].Add(recv)

	spentAvail := l.availableLocked(res.Venue, res.Currency)
	recvAvail := l.availableLocked(res.Venue, recvCurrency)
	l.mu.Unlock()

	l.bus.Publish(events.Event{
		Kind:    events.KindBalanceUpdated,
		Venue:   res.Venue,
		Payload: events.BalancePayload{Currency: res.Currency, Total: newSpentTotal, Available: spentAvail},
	})
	l.bus.Publish(events.Event{
		Kind:    events.KindBalanceUpdated,
		Venue:   res.Venue,
		Payload: events.BalancePayload{Currency: recvCurrency, Total: l.Balance(res.Venue, recvCurrency).Total, Available: recvAvail},
	})
	return nil
}

// Reservation returns a live reservation by ID.
func (l *Ledger) Reservation(id string) (types.Reservation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.reservations[id]
	return r, ok
}

// ExpireNow runs one expiry sweep immediately, outside the ticker.
func (l *Ledger) ExpireNow() {
	l.expireReservations(time.Now())
}

// expireReservations drops every reservation past its TTL and reports
// each on the bus. Expiry restores availability as if the hold never
// existed; cancelling any venue order it backed is the executor's job.
func (l *Ledger) expireReservations(now time.Time) {
	l.mu.Lock()
	var expired []types.Reservation
	for id, r := range l.reservations {
		if now.After(r.ExpiresTs) {
			expired = append(expired, r)
			delete(l.reservations, id)
		}
	}
	l.mu.Unlock()

	for _, r := range expired {
		l.logger.Warn("reservation expired",
			"reservation_id", r.ID,
			"venue", r.Venue,
			"currency", r.Currency,
			"amount", r.Amount,
			"order_id", r.OrderID,
		)
		l.bus.Publish(events.Event{
			Kind:    events.KindReserveTimeout,
			Venue:   r.Venue,
			Payload: events.ReservePayload{Reservation: r},
		})
	}
}

// ————————————————————————————————————————————————————————————————————————
// Exposure
// ————————————————————————————————————————————————————————————————————————

// TotalExposure returns the quote-notional committed right now: live
// quote-currency reservations plus the entry notional of open positions.
func (l *Ledger) TotalExposure() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalExposureLocked()
}

func (l *Ledger) totalExposureLocked() decimal.Decimal {
	total := decimal.Zero
	for _, r := range l.reservations {
		if r.Currency == l.quoteCcy {
			total = total.Add(r.Amount)
		}
	}
	for _, p := range l.positions {
		if p.Status == types.PositionOpen {
			total = total.Add(p.BaseAmount.Mul(p.EntryPrice))
		}
	}
	return total
}
