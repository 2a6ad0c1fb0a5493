package ingest

import (
	"context"

	"github.com/shopspring/decimal"

	"verus-arb/pkg/types"
)

// Outbound venue operations, each gated by the worker's limiter,
// breaker and deadline. Non-ingestion components call the venue only
// through these, which also gives them per-venue FIFO on the wire.

// FetchDepth fetches the venue's order book.
func (w *Worker) FetchDepth(ctx context.Context, levels int) (types.OrderBookDepth, error) {
	var depth types.OrderBookDepth
	err := w.Call(ctx, "fetch_depth", func(callCtx context.Context) error {
		var err error
		depth, err = w.adapter.FetchDepth(callCtx, levels)
		return err
	})
	return depth, err
}

// PlaceOrder submits an order without the generic retry loop: placement
// retries are owned by the executor's orphan protocol, because a blind
// retry can double-place.
func (w *Worker) PlaceOrder(ctx context.Context, side types.Side, baseAmount, limitPrice decimal.Decimal, clientRef string) (types.Order, error) {
	var order types.Order
	err := w.CallOnce(ctx, func(callCtx context.Context) error {
		var err error
		order, err = w.adapter.PlaceOrder(callCtx, side, baseAmount, limitPrice, clientRef)
		return err
	})
	return order, err
}

// GetOrder fetches an order by venue ID.
func (w *Worker) GetOrder(ctx context.Context, orderID string) (types.Order, error) {
	var order types.Order
	err := w.Call(ctx, "get_order", func(callCtx context.Context) error {
		var err error
		order, err = w.adapter.GetOrder(callCtx, orderID)
		return err
	})
	return order, err
}

// LookupOrder resolves an order by idempotency key.
func (w *Worker) LookupOrder(ctx context.Context, clientRef string) (types.Order, error) {
	var order types.Order
	err := w.CallOnce(ctx, func(callCtx context.Context) error {
		var err error
		order, err = w.adapter.LookupOrder(callCtx, clientRef)
		return err
	})
	return order, err
}

// CancelOrder cancels by venue order ID.
func (w *Worker) CancelOrder(ctx context.Context, orderID string) (types.CancelResult, error) {
	var result types.CancelResult
	err := w.Call(ctx, "cancel_order", func(callCtx context.Context) error {
		var err error
		result, err = w.adapter.CancelOrder(callCtx, orderID)
		return err
	})
	return result, err
}

// GetBalances fetches venue balances.
func (w *Worker) GetBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	var balances map[string]decimal.Decimal
	err := w.Call(ctx, "get_balances", func(callCtx context.Context) error {
		var err error
		balances, err = w.adapter.GetBalances(callCtx)
		return err
	})
	return balances, err
}

// GetFees fetches the venue fee schedule.
func (w *Worker) GetFees(ctx context.Context) (types.FeeSchedule, error) {
	var fees types.FeeSchedule
	err := w.Call(ctx, "get_fees", func(callCtx context.Context) error {
		var err error
		fees, err = w.adapter.GetFees(callCtx)
		return err
	})
	return fees, err
}
