package ledger

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"verus-arb/internal/config"
	"verus-arb/internal/events"
	"verus-arb/pkg/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxPositionSize:      500,
		MaxTotalExposure:     2000,
		MaxDailyExposure:     5000,
		MaxDailyLoss:         100,
		MaxDrawdown:          150,
		MinLiquidity:         1000,
		ReserveTimeoutMs:     30000,
		MaxPositionsPerVenue: 2,
		StopLossPercent:      0.05,
		TakeProfitTargets:    []float64{0.02, 0.05},
	}
}

func newTestLedger() (*Ledger, *events.Bus) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	bus := events.NewBus(logger)
	return New(testRiskConfig(), "USDT", bus, logger), bus
}

func TestAvailableReflectsReservations(t *testing.T) {
	t.Parallel()
	l, _ := newTestLedger()

	if err := l.UpdateBalance("safetrade", "USDT", dec("1000")); err != nil {
		t.Fatal(err)
	}

	res, err := l.Reserve("safetrade", "USDT", dec("300"), "order-1", time.Minute)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	if got := l.Available("safetrade", "USDT"); !got.Equal(dec("700")) {
		t.Errorf("available = %s, want 700", got)
	}
	if got := l.Balance("safetrade", "USDT").Total; !got.Equal(dec("1000")) {
		t.Errorf("total = %s, want 1000 (reservations must not change totals)", got)
	}

	l.Release(res.ID)
	if got := l.Available("safetrade", "USDT"); !got.Equal(dec("1000")) {
		t.Errorf("available after release = %s, want 1000", got)
	}
}

func TestReserveInsufficient(t *testing.T) {
	t.Parallel()
	l, _ := newTestLedger()

	l.UpdateBalance("safetrade", "USDT", dec("100"))

	if _, err := l.Reserve("safetrade", "USDT", dec("150"), "o1", time.Minute); err == nil {
		t.Fatal("expected insufficient error")
	}

	// Two holds whose sum exceeds the total: second must fail.
	if _, err := l.Reserve("safetrade", "USDT", dec("80"), "o2", time.Minute); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if _, err := l.Reserve("safetrade", "USDT", dec("30"), "o3", time.Minute); err == nil {
		t.Fatal("second reserve should fail against remaining availability")
	}
}

func TestUpdateBalanceRejectsNegative(t *testing.T) {
	t.Parallel()
	l, _ := newTestLedger()
	if err := l.UpdateBalance("safetrade", "USDT", dec("-1")); err == nil {
		t.Fatal("negative balance must be rejected")
	}
}

func TestConsumeRealizesDeltas(t *testing.T) {
	t.Parallel()
	l, _ := newTestLedger()

	l.UpdateBalance("safetrade", "USDT", dec("1000"))
	l.UpdateBalance("safetrade", "VRSC", dec("0"))

	res, err := l.Reserve("safetrade", "USDT", dec("505"), "buy-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	// Buy settled: spent 502 USDT (incl. fees), received 100 VRSC.
	if err := l.Consume(res.ID, dec("502"), "VRSC", dec("100")); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	if got := l.Balance("safetrade", "USDT").Total; !got.Equal(dec("498")) {
		t.Errorf("USDT total = %s, want 498", got)
	}
	if got := l.Available("safetrade", "USDT"); !got.Equal(dec("498")) {
		t.Errorf("USDT available = %s, want 498 (reservation must be gone)", got)
	}
	if got := l.Balance("safetrade", "VRSC").Total; !got.Equal(dec("100")) {
		t.Errorf("VRSC total = %s, want 100", got)
	}
	if _, ok := l.Reservation(res.ID); ok {
		t.Error("reservation should be absent after consume")
	}
}

func TestConsumeUnknownReservation(t *testing.T) {
	t.Parallel()
	l, _ := newTestLedger()
	if err := l.Consume("nope", dec("1"), "VRSC", dec("1")); err == nil {
		t.Fatal("expected error for unknown reservation")
	}
}

func TestReservationExpirySweep(t *testing.T) {
	t.Parallel()
	l, bus := newTestLedger()
	sub := bus.Subscribe(4)

	l.UpdateBalance("tradeogre", "VRSC", dec("50"))
	res, err := l.Reserve("tradeogre", "VRSC", dec("50"), "sell-1", 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	l.expireReservations(time.Now().Add(20 * time.Millisecond))

	if got := l.Available("tradeogre", "VRSC"); !got.Equal(dec("50")) {
		t.Errorf("available after expiry = %s, want 50", got)
	}

	found := false
	for !found {
		select {
		case evt := <-sub:
			if evt.Kind != events.KindReserveTimeout {
				continue // balance_updated from funding precedes it
			}
			payload := evt.Payload.(events.ReservePayload)
			if payload.Reservation.ID != res.ID {
				t.Errorf("payload reservation = %s, want %s", payload.Reservation.ID, res.ID)
			}
			found = true
		default:
			t.Fatal("expected reserve_timeout event")
		}
	}
}

func TestOpenPositionLadder(t *testing.T) {
	t.Parallel()
	l, _ := newTestLedger()

	pos, err := l.OpenPosition("safetrade", types.BUY, dec("40"), dec("5.00"))
	if err != nil {
		t.Fatal(err)
	}

	if !pos.StopLoss.Equal(dec("4.75")) {
		t.Errorf("stop loss = %s, want 4.75", pos.StopLoss)
	}
	if len(pos.TakeProfits) != 2 {
		t.Fatalf("take profits = %d, want 2", len(pos.TakeProfits))
	}
	if !pos.TakeProfits[0].Price.Equal(dec("5.1")) {
		t.Errorf("tp1 = %s, want 5.1", pos.TakeProfits[0].Price)
	}
}

func TestMaxPositionsPerVenue(t *testing.T) {
	t.Parallel()
	l, _ := newTestLedger()

	for i := 0; i < 2; i++ {
		if _, err := l.OpenPosition("safetrade", types.BUY, dec("1"), dec("5")); err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
	}
	if _, err := l.OpenPosition("safetrade", types.BUY, dec("1"), dec("5")); err == nil {
		t.Fatal("third position should exceed max_positions_per_venue")
	}
	// Other venues unaffected
	if _, err := l.OpenPosition("tradeogre", types.BUY, dec("1"), dec("5")); err != nil {
		t.Fatalf("other venue: %v", err)
	}
}

func TestUpdatePositionStickyTakeProfit(t *testing.T) {
	t.Parallel()
	l, _ := newTestLedger()

	pos, err := l.OpenPosition("safetrade", types.BUY, dec("10"), dec("5.00"))
	if err != nil {
		t.Fatal(err)
	}

	// Cross the first target, then fall back below it.
	updated, stop, err := l.UpdatePosition(pos.ID, dec("5.15"))
	if err != nil {
		t.Fatal(err)
	}
	if stop {
		t.Error("stop should not trigger above entry")
	}
	if !updated.TakeProfits[0].Hit {
		t.Error("tp1 should be hit at 5.15")
	}
	if updated.TakeProfits[1].Hit {
		t.Error("tp2 should not be hit at 5.15")
	}

	updated, _, err = l.UpdatePosition(pos.ID, dec("5.05"))
	if err != nil {
		t.Fatal(err)
	}
	if !updated.TakeProfits[0].Hit {
		t.Error("tp1 hit must be sticky after price falls back")
	}
	if !updated.UnrealizedPnL.Equal(dec("0.5")) {
		t.Errorf("unrealized = %s, want 0.5", updated.UnrealizedPnL)
	}
}

func TestUpdatePositionStopLoss(t *testing.T) {
	t.Parallel()
	l, _ := newTestLedger()

	pos, err := l.OpenPosition("safetrade", types.BUY, dec("10"), dec("5.00"))
	if err != nil {
		t.Fatal(err)
	}

	if _, stop, _ := l.UpdatePosition(pos.ID, dec("4.76")); stop {
		t.Error("stop should not trigger above the stop price")
	}
	if _, stop, _ := l.UpdatePosition(pos.ID, dec("4.75")); !stop {
		t.Error("stop should trigger at the stop price")
	}
}

func TestClosePositionRealizesPnL(t *testing.T) {
	t.Parallel()
	l, _ := newTestLedger()

	pos, err := l.OpenPosition("safetrade", types.BUY, dec("40"), dec("5.00"))
	if err != nil {
		t.Fatal(err)
	}

	closed, err := l.ClosePosition(pos.ID, dec("5.10"))
	if err != nil {
		t.Fatal(err)
	}
	if closed.Status != types.PositionClosed {
		t.Error("position should be closed")
	}
	if !closed.RealizedPnL.Equal(dec("4")) {
		t.Errorf("realized = %s, want 4", closed.RealizedPnL)
	}

	day := l.DailyStats()
	if day.Trades != 1 {
		t.Errorf("daily trades = %d, want 1", day.Trades)
	}
	if !day.RealizedPnL.Equal(dec("4")) {
		t.Errorf("daily pnl = %s, want 4", day.RealizedPnL)
	}
}

func TestTotalExposure(t *testing.T) {
	t.Parallel()
	l, _ := newTestLedger()

	l.UpdateBalance("safetrade", "USDT", dec("1000"))
	if _, err := l.Reserve("safetrade", "USDT", dec("300"), "o1", time.Minute); err != nil {
		t.Fatal(err)
	}
	// Base-currency reservations do not count toward quote exposure.
	l.UpdateBalance("tradeogre", "VRSC", dec("100"))
	if _, err := l.Reserve("tradeogre", "VRSC", dec("100"), "o2", time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := l.OpenPosition("tradeogre", types.BUY, dec("40"), dec("5.00")); err != nil {
		t.Fatal(err)
	}

	// 300 reserved quote + 40*5 position notional
	if got := l.TotalExposure(); !got.Equal(dec("500")) {
		t.Errorf("exposure = %s, want 500", got)
	}
}

func TestCheckLimits(t *testing.T) {
	t.Parallel()
	l, bus := newTestLedger()
	sub := bus.Subscribe(8)

	if !l.CheckLimit(LimitPosition, dec("500"), "sizing") {
		t.Error("position at the cap should pass")
	}
	if l.CheckLimit(LimitPosition, dec("500.01"), "sizing") {
		t.Error("position above the cap should breach")
	}
	if !l.CheckLimit(LimitLiquidity, dec("1000"), "depth") {
		t.Error("liquidity at the floor should pass")
	}
	if l.CheckLimit(LimitLiquidity, dec("999"), "depth") {
		t.Error("liquidity below the floor should breach")
	}

	breaches := 0
	for {
		select {
		case evt := <-sub:
			if evt.Kind == events.KindLimitBreached {
				breaches++
			}
			continue
		default:
		}
		break
	}
	if breaches != 2 {
		t.Errorf("limit_breached events = %d, want 2", breaches)
	}
}

func TestCheckExposureLimitIncludesLedgerState(t *testing.T) {
	t.Parallel()
	l, _ := newTestLedger()

	l.UpdateBalance("safetrade", "USDT", dec("5000"))
	if _, err := l.Reserve("safetrade", "USDT", dec("1800"), "o1", time.Minute); err != nil {
		t.Fatal(err)
	}

	if !l.CheckLimit(LimitExposure, dec("200"), "validate") {
		t.Error("1800 + 200 = 2000 should pass at the cap")
	}
	if l.CheckLimit(LimitExposure, dec("201"), "validate") {
		t.Error("1800 + 201 should breach the 2000 cap")
	}
}
