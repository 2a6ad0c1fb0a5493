package types

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestSideOpposite(t *testing.T) {
	t.Parallel()
	if BUY.Opposite() != SELL {
		t.Error("BUY.Opposite() should be SELL")
	}
	if SELL.Opposite() != BUY {
		t.Error("SELL.Opposite() should be BUY")
	}
}

func TestOrderStateTerminal(t *testing.T) {
	t.Parallel()
	terminal := []OrderState{OrderFilled, OrderCancelled, OrderFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	live := []OrderState{OrderPending, OrderOpen, OrderPartial}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestOrderFillAccumulation(t *testing.T) {
	t.Parallel()
	o := Order{
		Side:       BUY,
		BaseAmount: dec("100"),
		LimitPrice: dec("5.00"),
		Fills: []Fill{
			{BaseAmount: dec("40"), QuoteAmount: dec("200"), FeeQuote: dec("0.4")},
			{BaseAmount: dec("60"), QuoteAmount: dec("301.2"), FeeQuote: dec("0.6")},
		},
	}

	if got := o.FilledBase(); !got.Equal(dec("100")) {
		t.Errorf("FilledBase = %s, want 100", got)
	}
	if got := o.FilledQuote(); !got.Equal(dec("501.2")) {
		t.Errorf("FilledQuote = %s, want 501.2", got)
	}
	if got := o.FeesPaid(); !got.Equal(dec("1")) {
		t.Errorf("FeesPaid = %s, want 1", got)
	}
	if got := o.AvgFillPrice(); !got.Equal(dec("5.012")) {
		t.Errorf("AvgFillPrice = %s, want 5.012", got)
	}
}

func TestAvgFillPriceUnfilled(t *testing.T) {
	t.Parallel()
	o := Order{BaseAmount: dec("100")}
	if !o.AvgFillPrice().IsZero() {
		t.Error("AvgFillPrice of unfilled order should be zero")
	}
}

func TestNormalizedTickEffectiveTs(t *testing.T) {
	t.Parallel()
	now := time.Now()
	older := now.Add(-10 * time.Second)

	n := NormalizedTick{Tick: Tick{ReceivedTs: now}, BridgeTs: older}
	if !n.EffectiveTs().Equal(older) {
		t.Error("EffectiveTs should be the older bridge timestamp")
	}

	n = NormalizedTick{Tick: Tick{ReceivedTs: older}, BridgeTs: now}
	if !n.EffectiveTs().Equal(older) {
		t.Error("EffectiveTs should be the older venue timestamp")
	}
}

func TestOpportunityExpired(t *testing.T) {
	t.Parallel()
	now := time.Now()
	o := Opportunity{ExpiresTs: now.Add(time.Second)}
	if o.Expired(now) {
		t.Error("opportunity should be live before expiry")
	}
	if !o.Expired(now.Add(time.Second)) {
		t.Error("opportunity should be expired at the boundary")
	}
}

func TestVenueErrorKind(t *testing.T) {
	t.Parallel()
	cause := errors.New("connection reset")
	err := NewVenueError("tradeogre", "fetch_ticker", ErrTransport, cause)

	wrapped := fmt.Errorf("ingest: %w", err)
	if KindOf(wrapped) != ErrTransport {
		t.Errorf("KindOf = %s, want transport", KindOf(wrapped))
	}
	if !IsKind(wrapped, ErrTransport) {
		t.Error("IsKind should see transport through wrapping")
	}
	if IsKind(wrapped, ErrTimeout) {
		t.Error("IsKind should not match a different kind")
	}
	if !errors.Is(wrapped, cause) {
		t.Error("cause should survive unwrapping")
	}
}

func TestKindOfUnclassified(t *testing.T) {
	t.Parallel()
	if KindOf(errors.New("mystery")) != ErrTransport {
		t.Error("unclassified errors should report as transport")
	}
}

func TestErrorKindTransient(t *testing.T) {
	t.Parallel()
	for _, k := range []ErrorKind{ErrTransport, ErrRateLimited, ErrTimeout} {
		if !k.Transient() {
			t.Errorf("%s should be transient", k)
		}
	}
	for _, k := range []ErrorKind{ErrAuth, ErrInsufficientFunds, ErrVenueDown, ErrNotFound} {
		if k.Transient() {
			t.Errorf("%s should not be transient", k)
		}
	}
}
