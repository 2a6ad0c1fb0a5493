// Package executor realizes a validated Opportunity as two limit
// orders with bounded recovery.
//
// Each execution is a state machine:
//
//	Idle → Reserving → BuyPlaced → BuyFilled → SellPlaced → SellFilled → Settled
//
// with any state able to drop into Recovering and end as Failed or
// CompensatedSettled. The invariants the machine protects: no order is
// ever placed twice for one client ref, and a filled buy leg without a
// matching sell always leaves either a settled pair or exactly one
// recorded Position.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"verus-arb/internal/config"
	"verus-arb/internal/events"
	"verus-arb/internal/ledger"
	"verus-arb/pkg/types"
)

// State names an execution's position in the machine.
type State string

const (
	StateIdle               State = "idle"
	StateReserving          State = "reserving"
	StateBuyPlaced          State = "buy_placed"
	StateBuyFilled          State = "buy_filled"
	StateSellPlaced         State = "sell_placed"
	StateSellFilled         State = "sell_filled"
	StateSettled            State = "settled"
	StateRecovering         State = "recovering"
	StateFailed             State = "failed"
	StateCompensatedSettled State = "compensated_settled"
)

// fillPollInterval is the cadence for order status polling. A variable
// so tests can tighten the cadence.
var fillPollInterval = time.Second

// VenueOps is what the executor needs from a venue, satisfied by the
// ingest worker so every call shares the venue's rate and breaker gates.
type VenueOps interface {
	Name() string
	Healthy() bool
	PlaceOrder(ctx context.Context, side types.Side, baseAmount, limitPrice decimal.Decimal, clientRef string) (types.Order, error)
	GetOrder(ctx context.Context, orderID string) (types.Order, error)
	LookupOrder(ctx context.Context, clientRef string) (types.Order, error)
	CancelOrder(ctx context.Context, orderID string) (types.CancelResult, error)
	GetBalances(ctx context.Context) (map[string]decimal.Decimal, error)
}

// Result is the terminal record of one execution.
type Result struct {
	ExecutionID string
	State       State
	BuyOrder    *types.Order
	SellOrder   *types.Order
	Profit      decimal.Decimal
	Position    *types.Position
	FailureKind types.ErrorKind
	Reason      string
}

// Executor runs two-leg executions serialized per venue.
type Executor struct {
	cfg        config.ExecutionConfig
	reserveTTL time.Duration
	book       *ledger.Ledger
	bus        *events.Bus
	logger     *slog.Logger
	baseCcy    string
	quoteCcy   string
	dryRun     bool

	mu         sync.Mutex
	venueLocks map[string]*sync.Mutex
}

// New creates an executor.
func New(cfg config.ExecutionConfig, reserveTTL time.Duration, book *ledger.Ledger, bus *events.Bus, baseCcy, quoteCcy string, dryRun bool, logger *slog.Logger) *Executor {
	return &Executor{
		cfg:        cfg,
		reserveTTL: reserveTTL,
		book:       book,
		bus:        bus,
		logger:     logger.With("component", "executor"),
		baseCcy:    baseCcy,
		quoteCcy:   quoteCcy,
		dryRun:     dryRun,
		venueLocks: make(map[string]*sync.Mutex),
	}
}

// execution carries one run's mutable state.
type execution struct {
	id        string
	opp       types.Opportunity
	base      decimal.Decimal
	buy       VenueOps
	sell      VenueOps
	buyRes    types.Reservation
	sellRes   types.Reservation
	buyOrder  types.Order
	sellOrder types.Order
}

// Execute runs the state machine for one opportunity at the adjusted
// base amount. It returns ErrExecutorBusy (as a VenueError kind) when
// either venue is already mid-execution; additional opportunities on a
// busy pair are dropped, not queued behind held locks.
func (e *Executor) Execute(ctx context.Context, opp types.Opportunity, base decimal.Decimal, buy, sell VenueOps) *Result {
	release, ok := e.lockVenues(buy.Name(), sell.Name())
	if !ok {
		return &Result{
			ExecutionID: opp.ID,
			State:       StateFailed,
			FailureKind: types.ErrExecutorBusy,
			Reason:      "venue pair already executing",
		}
	}
	defer release()

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.SettlementTimeout)
	defer cancel()

	warn := time.AfterFunc(
		time.Duration(float64(e.cfg.SettlementTimeout)*e.cfg.WarningThreshold),
		func() {
			e.bus.Publish(events.Event{
				Kind:        events.KindExecutionWarning,
				ExecutionID: opp.ID,
				Payload:     events.StagePayload{Stage: "settlement"},
			})
		})
	defer warn.Stop()

	e.bus.Publish(events.Event{Kind: events.KindExecutionStarted, ExecutionID: opp.ID,
		Payload: events.OpportunityPayload{Opportunity: opp}})
	e.logger.Info("execution started",
		"execution_id", opp.ID,
		"buy_venue", buy.Name(), "sell_venue", sell.Name(),
		"base", base, "buy_price", opp.BuyPrice, "sell_price", opp.SellPrice,
	)

	exec := &execution{id: opp.ID, opp: opp, base: base, buy: buy, sell: sell}
	result := e.run(runCtx, exec)

	switch result.State {
	case StateSettled, StateCompensatedSettled:
		e.logger.Info("execution finished", "execution_id", opp.ID, "state", result.State, "profit", result.Profit)
	default:
		e.logger.Warn("execution failed",
			"execution_id", opp.ID, "state", result.State,
			"kind", result.FailureKind, "reason", result.Reason)
	}
	return result
}

// run drives the stages. Every early return has already cleaned up its
// reservations and emitted its failure events.
func (e *Executor) run(ctx context.Context, exec *execution) *Result {
	if res := e.stageReserve(ctx, exec); res != nil {
		return res
	}
	if res := e.stageBuyPlace(ctx, exec); res != nil {
		return res
	}
	if res := e.stageBuyFill(ctx, exec); res != nil {
		return res
	}
	if res := e.stageSellPlace(ctx, exec); res != nil {
		return res
	}
	if res := e.stageSellFill(ctx, exec); res != nil {
		return res
	}
	return e.stageSettle(ctx, exec)
}

// lockVenues try-locks both venues in a stable order. Returns the
// release func and whether both were acquired.
func (e *Executor) lockVenues(a, b string) (func(), bool) {
	names := []string{a, b}
	sort.Strings(names)

	var held []*sync.Mutex
	for _, name := range names {
		e.mu.Lock()
		lock, ok := e.venueLocks[name]
		if !ok {
			lock = &sync.Mutex{}
			e.venueLocks[name] = lock
		}
		e.mu.Unlock()

		if !lock.TryLock() {
			for _, h := range held {
				h.Unlock()
			}
			return nil, false
		}
		held = append(held, lock)
	}
	return func() {
		for _, h := range held {
			h.Unlock()
		}
	}, true
}

// ————————————————————————————————————————————————————————————————————————
// Stage helpers
// ————————————————————————————————————————————————————————————————————————

func (e *Executor) stageStart(execID string, stage State) {
	e.bus.Publish(events.Event{Kind: events.KindStageStarted, ExecutionID: execID,
		Payload: events.StagePayload{Stage: string(stage)}})
}

func (e *Executor) stageDone(execID string, stage State) {
	e.bus.Publish(events.Event{Kind: events.KindStageCompleted, ExecutionID: execID,
		Payload: events.StagePayload{Stage: string(stage)}})
}

func (e *Executor) stageTimeout(execID string, stage State) {
	e.bus.Publish(events.Event{Kind: events.KindStageTimeout, ExecutionID: execID,
		Payload: events.StagePayload{Stage: string(stage)}})
}

func (e *Executor) fail(exec *execution, kind types.ErrorKind, stage State, reason string) *Result {
	e.releaseReservations(exec)
	e.bus.Publish(events.Event{
		Kind:        events.KindSettlementFailed,
		ExecutionID: exec.id,
		Payload: events.FailurePayload{
			Stage:    string(stage),
			Category: kind,
			Venues:   []string{exec.buy.Name(), exec.sell.Name()},
			Hint:     reason,
		},
	})
	return &Result{
		ExecutionID: exec.id,
		State:       StateFailed,
		BuyOrder:    orderPtr(exec.buyOrder),
		SellOrder:   orderPtr(exec.sellOrder),
		FailureKind: kind,
		Reason:      reason,
	}
}

func (e *Executor) releaseReservations(exec *execution) {
	if exec.buyRes.ID != "" {
		e.book.Release(exec.buyRes.ID)
		exec.buyRes = types.Reservation{}
	}
	if exec.sellRes.ID != "" {
		e.book.Release(exec.sellRes.ID)
		exec.sellRes = types.Reservation{}
	}
}

// reservationAlive checks the hold still exists; a reservation the
// sweeper expired means the execution must stop, not proceed.
func (e *Executor) reservationAlive(res types.Reservation) bool {
	if res.ID == "" {
		return false
	}
	_, ok := e.book.Reservation(res.ID)
	return ok
}

func orderPtr(o types.Order) *types.Order {
	if o.ClientRef == "" && o.ID == "" {
		return nil
	}
	copied := o
	return &copied
}

// ————————————————————————————————————————————————————————————————————————
// Phase 1 — Reserving
// ————————————————————————————————————————————————————————————————————————

func (e *Executor) stageReserve(ctx context.Context, exec *execution) *Result {
	e.stageStart(exec.id, StateReserving)

	feeBuffer := decimal.NewFromInt(1).Add(decimal.NewFromFloat(e.cfg.FeeBuffer))
	quoteNeed := exec.base.Mul(exec.opp.BuyPrice).Mul(feeBuffer)

	buyRes, err := e.book.Reserve(exec.buy.Name(), e.quoteCcy, quoteNeed, exec.id+"-buy", e.reserveTTL)
	if err != nil {
		return e.fail(exec, types.ErrInsufficientFunds, StateReserving,
			fmt.Sprintf("quote reservation: %v", err))
	}
	exec.buyRes = buyRes

	sellRes, err := e.book.Reserve(exec.sell.Name(), e.baseCcy, exec.base, exec.id+"-sell", e.reserveTTL)
	if err != nil {
		return e.fail(exec, types.ErrInsufficientFunds, StateReserving,
			fmt.Sprintf("base reservation: %v", err))
	}
	exec.sellRes = sellRes

	e.stageDone(exec.id, StateReserving)
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Phase 2 — BuyPlaced
// ————————————————————————————————————————————————————————————————————————

func (e *Executor) stageBuyPlace(ctx context.Context, exec *execution) *Result {
	e.stageStart(exec.id, StateBuyPlaced)

	if !e.reservationAlive(exec.buyRes) || !e.reservationAlive(exec.sellRes) {
		return e.fail(exec, types.ErrTimeout, StateBuyPlaced, "reservation expired before placement")
	}

	order, err := e.placeLeg(ctx, exec.buy, types.BUY, exec.base, exec.opp.BuyPrice, exec.id+"-buy")
	if err != nil {
		return e.fail(exec, types.KindOf(err), StateBuyPlaced, err.Error())
	}
	exec.buyOrder = order

	e.stageDone(exec.id, StateBuyPlaced)
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Phase 3 — BuyFilled
// ————————————————————————————————————————————————————————————————————————

func (e *Executor) stageBuyFill(ctx context.Context, exec *execution) *Result {
	e.stageStart(exec.id, StateBuyFilled)

	order, timedOut := e.waitForFill(ctx, exec.buy, exec.buyOrder)
	exec.buyOrder = order

	filled := order.FilledBase()
	switch {
	case order.State == types.OrderFilled:
		// Full fill, clean path.
	case timedOut || order.State.Terminal():
		e.stageTimeout(exec.id, StateBuyFilled)
		fraction := decimal.Zero
		if exec.base.IsPositive() {
			fraction = filled.Div(exec.base)
		}
		if fraction.GreaterThanOrEqual(decimal.NewFromFloat(e.cfg.MinFillFraction)) {
			// Accept the partial: cancel the remainder and sell what we got.
			e.cancelIfOpen(ctx, exec.buy, order)
			e.logger.Info("accepting partial buy",
				"execution_id", exec.id, "filled", filled, "requested", exec.base)
		} else {
			return e.recoverPartialBuy(ctx, exec)
		}
	default:
		// waitForFill only returns on terminal state or timeout.
	}

	if !filled.IsPositive() {
		return e.fail(exec, types.ErrPartialFill, StateBuyFilled, "buy order terminated with no fills")
	}

	e.stageDone(exec.id, StateBuyFilled)
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Phase 4 — SellPlaced
// ————————————————————————————————————————————————————————————————————————

func (e *Executor) stageSellPlace(ctx context.Context, exec *execution) *Result {
	e.stageStart(exec.id, StateSellPlaced)

	if !e.reservationAlive(exec.sellRes) {
		return e.recoverSellImpossible(ctx, exec, "base reservation expired before sell placement")
	}

	sellAmount := exec.buyOrder.FilledBase()
	order, err := e.placeLeg(ctx, exec.sell, types.SELL, sellAmount, exec.opp.SellPrice, exec.id+"-sell")
	if err != nil {
		return e.recoverSellFailed(ctx, exec, err)
	}
	exec.sellOrder = order

	e.stageDone(exec.id, StateSellPlaced)
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Phase 5 — SellFilled
// ————————————————————————————————————————————————————————————————————————

func (e *Executor) stageSellFill(ctx context.Context, exec *execution) *Result {
	e.stageStart(exec.id, StateSellFilled)

	order, timedOut := e.waitForFill(ctx, exec.sell, exec.sellOrder)
	exec.sellOrder = order

	if order.State != types.OrderFilled {
		e.stageTimeout(exec.id, StateSellFilled)
		if timedOut || order.State.Terminal() {
			e.cancelIfOpen(ctx, exec.sell, order)
		}
	}

	e.stageDone(exec.id, StateSellFilled)
	return nil
}
