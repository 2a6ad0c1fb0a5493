// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the arbitrage daemon — ticks,
// order book depth, opportunities, orders, reservations, positions, and
// venue health. It has no dependencies on internal packages, so it can be
// imported by any layer.
//
// All monetary quantities are decimal.Decimal. Floats are reserved for
// durations, thresholds, and non-monetary ratios.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// Capability identifies one operation a venue adapter supports.
// Consumers check capabilities before calling; a missing capability is a
// precondition failure, not a transport error.
type Capability string

const (
	CapStreaming   Capability = "streaming"    // push tick stream
	CapOrderBook   Capability = "orderbook"    // depth fetch
	CapPlaceOrder  Capability = "place_order"  // order placement
	CapCancelOrder Capability = "cancel_order" // order cancellation
	CapBalance     Capability = "balance"      // balance fetch
	CapFees        Capability = "fees"         // fee schedule fetch
)

// TickSource records how a tick reached us.
type TickSource string

const (
	SourceStream TickSource = "stream" // pushed over a live connection
	SourcePoll   TickSource = "poll"   // pulled via REST/RPC
)

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Tick is one venue's view of the pair at a point in time, in the venue's
// native quote currency. Bid/Ask may be zero when the venue does not
// expose top-of-book; Price is always set.
type Tick struct {
	Venue          string
	Price          decimal.Decimal // last/native price in QuoteCcy
	QuoteCcy       string          // venue-native quote currency code
	Bid            decimal.Decimal // zero = unknown
	Ask            decimal.Decimal // zero = unknown
	LastTradeTs    time.Time       // venue-reported trade time
	ReceivedTs     time.Time       // local receipt time, monotone per venue
	VolumeQuote24h decimal.Decimal // trailing 24h volume in QuoteCcy, zero = unknown
	Source         TickSource
}

// HasBook reports whether both top-of-book sides are present.
func (t Tick) HasBook() bool {
	return t.Bid.IsPositive() && t.Ask.IsPositive()
}

// NormalizedTick is a Tick re-quoted to the canonical quote currency.
// BridgeTs is the receipt time of the bridge tick used for conversion
// (equal to ReceivedTs when no conversion was needed); a normalized
// price is only as fresh as the stalest input that produced it.
type NormalizedTick struct {
	Tick
	BridgeTs time.Time
}

// EffectiveTs returns the older of the venue tick's and the bridge
// tick's receipt times.
func (n NormalizedTick) EffectiveTs() time.Time {
	if n.BridgeTs.Before(n.ReceivedTs) {
		return n.BridgeTs
	}
	return n.ReceivedTs
}

// PriceLevel is a single bid or ask level in an order book.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal // base amount available at Price
}

// OrderBookDepth is a transient snapshot of one venue's book.
// Bids are sorted descending by price, asks ascending. Never persisted.
type OrderBookDepth struct {
	Venue     string
	Bids      []PriceLevel
	Asks      []PriceLevel
	FetchedTs time.Time
}

// BestBid returns the top bid level, or false when the side is empty.
func (d OrderBookDepth) BestBid() (PriceLevel, bool) {
	if len(d.Bids) == 0 {
		return PriceLevel{}, false
	}
	return d.Bids[0], true
}

// BestAsk returns the top ask level, or false when the side is empty.
func (d OrderBookDepth) BestAsk() (PriceLevel, bool) {
	if len(d.Asks) == 0 {
		return PriceLevel{}, false
	}
	return d.Asks[0], true
}

// ————————————————————————————————————————————————————————————————————————
// Opportunities
// ————————————————————————————————————————————————————————————————————————

// Opportunity is a detected cross-venue spread candidate: buy on BuyVenue
// at BuyPrice, sell on SellVenue at SellPrice. Estimates are in the
// canonical quote currency. An Opportunity is dead once ExpiresTs passes.
type Opportunity struct {
	ID             string // uuid
	BuyVenue       string
	SellVenue      string
	BuyPrice       decimal.Decimal
	SellPrice      decimal.Decimal
	SpreadPct      decimal.Decimal // (sell-buy)/buy
	BaseAmount     decimal.Decimal // sized base quantity
	EstVolumeQuote decimal.Decimal // min 24h volume across both venues
	EstGross       decimal.Decimal
	EstFees        decimal.Decimal
	EstSlippage    decimal.Decimal
	EstNet         decimal.Decimal
	CreatedTs      time.Time
	ExpiresTs      time.Time
}

// Expired reports whether the opportunity is past its freshness window.
func (o Opportunity) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresTs)
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// OrderState is the lifecycle state of an order. Filled, Cancelled and
// Failed are terminal.
type OrderState string

const (
	OrderPending   OrderState = "pending"
	OrderOpen      OrderState = "open"
	OrderPartial   OrderState = "partial"
	OrderFilled    OrderState = "filled"
	OrderCancelled OrderState = "cancelled"
	OrderFailed    OrderState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderFailed:
		return true
	}
	return false
}

// Fill records a single execution against an order.
type Fill struct {
	BaseAmount  decimal.Decimal
	QuoteAmount decimal.Decimal
	FeeQuote    decimal.Decimal
	Ts          time.Time
}

// Order is a limit order on one venue. ClientRef is the idempotency key:
// the venue attributes retries carrying the same ClientRef to the same
// logical order.
type Order struct {
	ID         string // venue-assigned or uuid
	ClientRef  string
	Venue      string
	Side       Side
	BaseAmount decimal.Decimal
	LimitPrice decimal.Decimal
	State      OrderState
	Fills      []Fill
	CreatedTs  time.Time
	UpdatedTs  time.Time
}

// FilledBase returns the sum of fill base amounts.
func (o Order) FilledBase() decimal.Decimal {
	total := decimal.Zero
	for _, f := range o.Fills {
		total = total.Add(f.BaseAmount)
	}
	return total
}

// FilledQuote returns the sum of fill quote amounts.
func (o Order) FilledQuote() decimal.Decimal {
	total := decimal.Zero
	for _, f := range o.Fills {
		total = total.Add(f.QuoteAmount)
	}
	return total
}

// FeesPaid returns the sum of fill fees in quote currency.
func (o Order) FeesPaid() decimal.Decimal {
	total := decimal.Zero
	for _, f := range o.Fills {
		total = total.Add(f.FeeQuote)
	}
	return total
}

// AvgFillPrice returns total quote over total base, or zero when unfilled.
func (o Order) AvgFillPrice() decimal.Decimal {
	base := o.FilledBase()
	if base.IsZero() {
		return decimal.Zero
	}
	return o.FilledQuote().Div(base)
}

// CancelResult is the outcome of a cancel request.
type CancelResult string

const (
	CancelOK              CancelResult = "ok"
	CancelNotFound        CancelResult = "not_found"
	CancelAlreadyTerminal CancelResult = "already_terminal"
)

// FeeSchedule is a venue's maker/taker fee rates as fractions
// (0.002 = 20 bps).
type FeeSchedule struct {
	Maker decimal.Decimal
	Taker decimal.Decimal
}

// ————————————————————————————————————————————————————————————————————————
// Ledger
// ————————————————————————————————————————————————————————————————————————

// Reservation is a hold on a balance that reduces availability without
// changing the total, released when the owning order completes or the
// TTL expires.
type Reservation struct {
	ID        string // uuid
	Venue     string
	Currency  string
	Amount    decimal.Decimal
	OrderID   string
	ExpiresTs time.Time
}

// Balance is the authoritative total and derived availability for one
// (venue, currency).
type Balance struct {
	Venue     string
	Currency  string
	Total     decimal.Decimal
	Available decimal.Decimal // max(0, Total - live reservations)
}

// PositionStatus is open or closed.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// TakeProfitTarget is one rung of a position's take-profit ladder.
// Hit is sticky: set on first crossing, never cleared.
type TakeProfitTarget struct {
	Price decimal.Decimal
	Hit   bool
}

// Position is directional exposure carried on one venue, opened when an
// execution leaves unmatched base and closed by an opposing fill or a
// forced close.
type Position struct {
	ID            string // uuid
	Venue         string
	Side          Side
	BaseAmount    decimal.Decimal
	EntryPrice    decimal.Decimal
	StopLoss      decimal.Decimal // zero = none
	TakeProfits   []TakeProfitTarget
	Status        PositionStatus
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	OpenedTs      time.Time
	ClosedTs      time.Time
}

// DailyStats accumulates per-day trading counters, reset at day rollover.
type DailyStats struct {
	DayStartTs  time.Time
	Trades      int
	VolumeQuote decimal.Decimal
	RealizedPnL decimal.Decimal
	MaxDrawdown decimal.Decimal // most negative PnL excursion seen today
}

// ————————————————————————————————————————————————————————————————————————
// Venue health
// ————————————————————————————————————————————————————————————————————————

// HealthState mirrors the venue circuit breaker: healthy (closed),
// degraded (half-open probe), open (calls short-circuit).
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthOpen     HealthState = "open"
)

// VenueHealth is a snapshot of one venue's failure-isolation state.
type VenueHealth struct {
	Venue                string
	State                HealthState
	ConsecutiveErrors    int
	ConsecutiveSuccesses int
	LastErrorTs          time.Time
	LastSuccessTs        time.Time
	CircuitOpenedTs      time.Time // zero unless State == HealthOpen
	BridgeStale          bool      // last normalization failed on a stale bridge
}
