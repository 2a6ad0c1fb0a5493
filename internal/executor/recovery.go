package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"verus-arb/internal/events"
	"verus-arb/pkg/types"
)

// placeLeg submits one leg with its idempotency key. A timeout or
// transient failure during placement means the outcome is unknown: the
// leg enters the orphan protocol, which resolves by idempotent lookup
// and never blind-places. Definitive venue rejections return as-is.
func (e *Executor) placeLeg(ctx context.Context, v VenueOps, side types.Side, baseAmount, limitPrice decimal.Decimal, clientRef string) (types.Order, error) {
	if e.dryRun {
		return e.dryRunOrder(v, side, baseAmount, limitPrice, clientRef), nil
	}

	placeCtx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout())
	order, err := v.PlaceOrder(placeCtx, side, baseAmount, limitPrice, clientRef)
	cancel()
	if err == nil {
		return order, nil
	}
	if !types.KindOf(err).Transient() {
		return types.Order{}, err
	}

	e.logger.Warn("placement outcome unknown, resolving by client ref",
		"venue", v.Name(), "client_ref", clientRef, "error", err)
	return e.resolveOrphan(ctx, v, side, baseAmount, limitPrice, clientRef)
}

// resolveOrphan repeatedly looks the client ref up until the order is
// observable or the resolve deadline passes. A definitive not_found
// means the placement never landed, in which case one re-placement
// with the same ref is attempted per polling round (the ref makes the
// retry attributable, so the venue cannot end up with two orders).
// Past the deadline the orphan escalates to the operator stream; it is
// never resolved by guessing.
func (e *Executor) resolveOrphan(ctx context.Context, v VenueOps, side types.Side, baseAmount, limitPrice decimal.Decimal, clientRef string) (types.Order, error) {
	deadline := time.Now().Add(e.cfg.OrphanResolveDeadline)

	for time.Now().Before(deadline) {
		order, err := v.LookupOrder(ctx, clientRef)
		if err == nil {
			e.logger.Info("orphan resolved", "venue", v.Name(), "client_ref", clientRef, "state", order.State)
			return order, nil
		}

		if types.IsKind(err, types.ErrNotFound) {
			// Nothing landed; the same ref makes a retry safe.
			order, err = v.PlaceOrder(ctx, side, baseAmount, limitPrice, clientRef)
			if err == nil {
				return order, nil
			}
			if !types.KindOf(err).Transient() {
				return types.Order{}, err
			}
		}

		select {
		case <-ctx.Done():
			return types.Order{}, types.NewVenueError(v.Name(), "resolve_orphan", types.ErrOrphanedOrder, ctx.Err())
		case <-time.After(fillPollInterval):
		}
	}

	e.logger.Error("orphaned order unresolved past deadline",
		"venue", v.Name(), "client_ref", clientRef)
	return types.Order{}, types.NewVenueError(v.Name(), "resolve_orphan", types.ErrOrphanedOrder,
		fmt.Errorf("order %s unresolved after %s, operator intervention required", clientRef, e.cfg.OrphanResolveDeadline))
}

// waitForFill polls the order until it is terminal or the stage's
// deadline lapses. Returns the freshest order view and whether the
// deadline was the reason for returning.
func (e *Executor) waitForFill(ctx context.Context, v VenueOps, order types.Order) (types.Order, bool) {
	if e.dryRun || order.State == types.OrderFilled {
		return order, false
	}

	deadline := time.Now().Add(e.cfg.OrderTimeout())
	current := order
	for {
		if !time.Now().Before(deadline) {
			return current, true
		}
		select {
		case <-ctx.Done():
			return current, true
		case <-time.After(fillPollInterval):
		}

		updated, err := v.GetOrder(ctx, current.ID)
		if err != nil {
			e.logger.Debug("fill poll failed", "venue", v.Name(), "order_id", current.ID, "error", err)
			continue
		}
		current = updated
		if current.State.Terminal() {
			return current, false
		}
	}
}

// cancelIfOpen cancels the unfilled remainder of an order, tolerating
// races where the venue finished it first.
func (e *Executor) cancelIfOpen(ctx context.Context, v VenueOps, order types.Order) {
	if e.dryRun || order.State.Terminal() || order.ID == "" {
		return
	}
	result, err := v.CancelOrder(ctx, order.ID)
	if err != nil {
		e.logger.Warn("cancel failed", "venue", v.Name(), "order_id", order.ID, "error", err)
		return
	}
	e.logger.Info("order cancelled", "venue", v.Name(), "order_id", order.ID, "result", result)
}

// recoverPartialBuy handles a buy below the fill floor with no sell
// placed: cancel the remainder, settle the filled part into a Position
// on the buy venue, and stop. The sell-side reservation is released
// untouched.
func (e *Executor) recoverPartialBuy(ctx context.Context, exec *execution) *Result {
	e.cancelIfOpen(ctx, exec.buy, exec.buyOrder)

	// Re-read once: the cancel may have raced a final fill.
	if !e.dryRun && exec.buyOrder.ID != "" {
		if updated, err := exec.buy.GetOrder(ctx, exec.buyOrder.ID); err == nil {
			exec.buyOrder = updated
		}
	}

	filled := exec.buyOrder.FilledBase()
	if !filled.IsPositive() {
		return e.fail(exec, types.ErrPartialFill, StateRecovering, "buy fill below floor with nothing executed")
	}

	return e.settleCarry(exec, StateRecovering, "partial buy below fill floor, unsold base carried as position")
}

// recoverSellFailed retries the sell leg, and on exhaustion carries the
// bought base as a Position at the buy fill price.
func (e *Executor) recoverSellFailed(ctx context.Context, exec *execution, cause error) *Result {
	e.logger.Warn("sell placement failed, retrying",
		"execution_id", exec.id, "error", cause, "attempts", e.cfg.RetryAttempts)

	sellAmount := exec.buyOrder.FilledBase()
	for attempt := 1; attempt <= e.cfg.RetryAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return e.recoverSellImpossible(ctx, exec, "execution deadline during sell retries")
		case <-time.After(e.cfg.RetryDelay):
		}

		order, err := e.placeLeg(ctx, exec.sell, types.SELL, sellAmount, exec.opp.SellPrice, exec.id+"-sell")
		if err == nil {
			exec.sellOrder = order
			e.stageDone(exec.id, StateSellPlaced)
			if res := e.stageSellFill(ctx, exec); res != nil {
				return res
			}
			return e.stageSettle(ctx, exec)
		}
		cause = err
		e.logger.Warn("sell retry failed", "execution_id", exec.id, "attempt", attempt, "error", err)
	}

	return e.recoverSellImpossible(ctx, exec, fmt.Sprintf("sell retries exhausted: %v", cause))
}

// recoverSellImpossible settles a filled buy whose sell leg cannot
// happen: the bought base becomes an open Position and the execution
// ends compensated, never silently.
func (e *Executor) recoverSellImpossible(ctx context.Context, exec *execution, reason string) *Result {
	if !exec.buyOrder.FilledBase().IsPositive() {
		return e.fail(exec, types.ErrPartialFill, StateRecovering, reason)
	}
	return e.settleCarry(exec, StateRecovering, reason)
}

// settleCarry consumes the buy reservation for what actually filled,
// releases everything else, opens the carry Position, and reports a
// compensated settlement.
func (e *Executor) settleCarry(exec *execution, stage State, reason string) *Result {
	filled := exec.buyOrder.FilledBase()
	avgPrice := exec.buyOrder.AvgFillPrice()
	if avgPrice.IsZero() {
		avgPrice = exec.opp.BuyPrice
	}

	spent := exec.buyOrder.FilledQuote().Add(exec.buyOrder.FeesPaid())
	if exec.buyRes.ID != "" {
		if err := e.book.Consume(exec.buyRes.ID, spent, e.baseCcy, filled); err != nil {
			e.logger.Error("consume after carry failed", "execution_id", exec.id, "error", err)
		}
		exec.buyRes = types.Reservation{}
	}
	e.releaseReservations(exec) // drops the sell-side hold

	var position *types.Position
	pos, err := e.book.OpenPosition(exec.buy.Name(), types.BUY, filled, avgPrice)
	if err != nil {
		// Position cap overflow still must not lose the exposure record.
		pos = types.Position{
			ID:         uuid.NewString(),
			Venue:      exec.buy.Name(),
			Side:       types.BUY,
			BaseAmount: filled,
			EntryPrice: avgPrice,
			Status:     types.PositionOpen,
			OpenedTs:   time.Now(),
		}
		e.logger.Error("position open failed, recording unmanaged carry",
			"execution_id", exec.id, "error", err)
	}
	position = &pos

	e.bus.Publish(events.Event{
		Kind:        events.KindSettlementFailed,
		ExecutionID: exec.id,
		Payload: events.FailurePayload{
			Stage:    string(stage),
			Category: types.ErrPartialFill,
			Venues:   []string{exec.buy.Name(), exec.sell.Name()},
			Hint:     reason,
		},
	})

	return &Result{
		ExecutionID: exec.id,
		State:       StateCompensatedSettled,
		BuyOrder:    orderPtr(exec.buyOrder),
		SellOrder:   orderPtr(exec.sellOrder),
		Position:    position,
		FailureKind: types.ErrPartialFill,
		Reason:      reason,
	}
}

// dryRunOrder synthesizes an instantly-filled order without touching
// the venue.
func (e *Executor) dryRunOrder(v VenueOps, side types.Side, baseAmount, limitPrice decimal.Decimal, clientRef string) types.Order {
	now := time.Now()
	quote := baseAmount.Mul(limitPrice)
	return types.Order{
		ID:         "dry-" + clientRef,
		ClientRef:  clientRef,
		Venue:      v.Name(),
		Side:       side,
		BaseAmount: baseAmount,
		LimitPrice: limitPrice,
		State:      types.OrderFilled,
		Fills:      []types.Fill{{BaseAmount: baseAmount, QuoteAmount: quote, Ts: now}},
		CreatedTs:  now,
		UpdatedTs:  now,
	}
}
