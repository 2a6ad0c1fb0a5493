package executor

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"verus-arb/internal/events"
	"verus-arb/pkg/types"
)

// balanceTolerance is how close two consecutive balance reads must be
// to count as stable (venues report settled amounts with dust-level
// rounding noise).
var balanceTolerance = decimal.New(1, -8)

// stageSettle confirms settlement on both venues, converts the
// reservations into realized balance deltas, records any partial-fill
// carry as a Position, and reports the measured profit.
func (e *Executor) stageSettle(ctx context.Context, exec *execution) *Result {
	e.stageStart(exec.id, StateSettled)

	buyFilled := exec.buyOrder.FilledBase()
	sellFilled := exec.sellOrder.FilledBase()

	e.confirmBalances(ctx, exec.buy)
	e.confirmBalances(ctx, exec.sell)

	// Buy leg: quote spent (fills + fees) became base.
	buySpent := exec.buyOrder.FilledQuote().Add(exec.buyOrder.FeesPaid())
	if exec.buyRes.ID != "" {
		if err := e.book.Consume(exec.buyRes.ID, buySpent, e.baseCcy, buyFilled); err != nil {
			e.logger.Error("buy consume failed", "execution_id", exec.id, "error", err)
		}
		exec.buyRes = types.Reservation{}
	}

	// Sell leg: base spent became quote net of fees.
	sellRecv := exec.sellOrder.FilledQuote().Sub(exec.sellOrder.FeesPaid())
	if exec.sellRes.ID != "" {
		if err := e.book.Consume(exec.sellRes.ID, sellFilled, e.quoteCcy, sellRecv); err != nil {
			e.logger.Error("sell consume failed", "execution_id", exec.id, "error", err)
		}
		exec.sellRes = types.Reservation{}
	}

	// Carry: base bought but not sold opens a Position on the buy venue.
	var position *types.Position
	carry := buyFilled.Sub(sellFilled)
	if carry.GreaterThan(balanceTolerance) {
		avg := exec.buyOrder.AvgFillPrice()
		if avg.IsZero() {
			avg = exec.opp.BuyPrice
		}
		if pos, err := e.book.OpenPosition(exec.buy.Name(), types.BUY, carry, avg); err == nil {
			position = &pos
		} else {
			e.logger.Error("carry position open failed", "execution_id", exec.id, "error", err)
		}
	}

	// Profit over the matched base, buy costs prorated when a carry exists.
	profit := decimal.Zero
	if sellFilled.IsPositive() && buyFilled.IsPositive() {
		matchedCost := buySpent.Mul(sellFilled).Div(buyFilled)
		profit = sellRecv.Sub(matchedCost)
	}
	e.book.RecordTrade(exec.sellOrder.FilledQuote(), profit)

	e.bus.Publish(events.Event{
		Kind:        events.KindSettlementCompleted,
		ExecutionID: exec.id,
		Payload: events.SettlementPayload{
			OpportunityID: exec.opp.ID,
			Profit:        profit,
			BoughtBase:    buyFilled,
			SoldBase:      sellFilled,
			FeesQuote:     exec.buyOrder.FeesPaid().Add(exec.sellOrder.FeesPaid()),
		},
	})
	e.stageDone(exec.id, StateSettled)

	state := StateSettled
	if position != nil {
		state = StateCompensatedSettled
	}
	return &Result{
		ExecutionID: exec.id,
		State:       state,
		BuyOrder:    orderPtr(exec.buyOrder),
		SellOrder:   orderPtr(exec.sellOrder),
		Profit:      profit,
		Position:    position,
	}
}

// confirmBalances polls a venue's balances until `confirmations`
// consecutive reads agree within tolerance. Failures degrade to a log
// line: settlement math runs off observed fills, the balance poll only
// corroborates them.
func (e *Executor) confirmBalances(ctx context.Context, v VenueOps) {
	if e.dryRun {
		return
	}

	var prev map[string]decimal.Decimal
	stable := 0
	// Bounded: worst case a few multiples of the confirmation count.
	for reads := 0; reads < e.cfg.Confirmations*4; reads++ {
		balances, err := v.GetBalances(ctx)
		if err != nil {
			e.logger.Warn("balance confirmation read failed", "venue", v.Name(), "error", err)
			return
		}

		if prev != nil && balancesStable(prev, balances) {
			stable++
			if stable >= e.cfg.Confirmations-1 {
				return
			}
		} else {
			stable = 0
		}
		prev = balances

		select {
		case <-ctx.Done():
			return
		case <-time.After(fillPollInterval):
		}
	}
	e.logger.Warn("balances did not stabilize within confirmation budget", "venue", v.Name())
}

// balancesStable compares two balance maps within tolerance.
func balancesStable(a, b map[string]decimal.Decimal) bool {
	if len(a) != len(b) {
		return false
	}
	for ccy, av := range a {
		bv, ok := b[ccy]
		if !ok || av.Sub(bv).Abs().GreaterThan(balanceTolerance) {
			return false
		}
	}
	return true
}
