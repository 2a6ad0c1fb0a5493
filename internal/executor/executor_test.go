package executor

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"verus-arb/internal/config"
	"verus-arb/internal/events"
	"verus-arb/internal/ledger"
	"verus-arb/pkg/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// fakeVenue is a scriptable VenueOps. Placements consume placeScript
// entries; with an empty script they fill instantly at the limit price.
type fakeVenue struct {
	name       string
	instantFee decimal.Decimal
	lookupErr  error

	mu          sync.Mutex
	orders      map[string]types.Order
	byRef       map[string]string
	placeCalls  int
	placeScript []func(ref string) (types.Order, error)
	fillScript  map[string][]types.Order // order ID -> successive GetOrder views
	cancelled   []string
	balances    map[string]decimal.Decimal
}

var _ VenueOps = (*fakeVenue)(nil)

func newFakeVenue(name string) *fakeVenue {
	return &fakeVenue{
		name:       name,
		orders:     make(map[string]types.Order),
		byRef:      make(map[string]string),
		fillScript: make(map[string][]types.Order),
		balances:   map[string]decimal.Decimal{"USDT": dec("10000"), "VRSC": dec("10000")},
	}
}

func (f *fakeVenue) Name() string  { return f.name }
func (f *fakeVenue) Healthy() bool { return true }

func (f *fakeVenue) PlaceOrder(ctx context.Context, side types.Side, baseAmount, limitPrice decimal.Decimal, clientRef string) (types.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeCalls++

	if id, ok := f.byRef[clientRef]; ok {
		return f.orders[id], nil
	}

	if len(f.placeScript) > 0 {
		fn := f.placeScript[0]
		f.placeScript = f.placeScript[1:]
		return fn(clientRef)
	}

	now := time.Now()
	quote := baseAmount.Mul(limitPrice)
	order := types.Order{
		ID:         uuid.NewString(),
		ClientRef:  clientRef,
		Venue:      f.name,
		Side:       side,
		BaseAmount: baseAmount,
		LimitPrice: limitPrice,
		State:      types.OrderFilled,
		Fills: []types.Fill{{
			BaseAmount:  baseAmount,
			QuoteAmount: quote,
			FeeQuote:    quote.Mul(f.instantFee),
			Ts:          now,
		}},
		CreatedTs: now,
		UpdatedTs: now,
	}
	f.orders[order.ID] = order
	f.byRef[clientRef] = order.ID
	return order, nil
}

// record stores an order under its ref, for placeScript closures that
// simulate a venue accepting an order the caller never saw.
func (f *fakeVenue) record(order types.Order) {
	f.orders[order.ID] = order
	f.byRef[order.ClientRef] = order.ID
}

func (f *fakeVenue) GetOrder(ctx context.Context, orderID string) (types.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if script, ok := f.fillScript[orderID]; ok && len(script) > 0 {
		next := script[0]
		f.fillScript[orderID] = script[1:]
		f.orders[orderID] = next
		return next, nil
	}
	if order, ok := f.orders[orderID]; ok {
		return order, nil
	}
	return types.Order{}, types.NewVenueError(f.name, "get_order", types.ErrNotFound, nil)
}

func (f *fakeVenue) LookupOrder(ctx context.Context, clientRef string) (types.Order, error) {
	f.mu.Lock()
	if f.lookupErr != nil {
		err := f.lookupErr
		f.mu.Unlock()
		return types.Order{}, err
	}
	id, ok := f.byRef[clientRef]
	f.mu.Unlock()
	if !ok {
		return types.Order{}, types.NewVenueError(f.name, "lookup_order", types.ErrNotFound, nil)
	}
	return f.GetOrder(ctx, id)
}

func (f *fakeVenue) CancelOrder(ctx context.Context, orderID string) (types.CancelResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	if order, ok := f.orders[orderID]; ok && !order.State.Terminal() {
		order.State = types.OrderCancelled
		f.orders[orderID] = order
		return types.CancelOK, nil
	}
	return types.CancelAlreadyTerminal, nil
}

func (f *fakeVenue) GetBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(f.balances))
	for k, v := range f.balances {
		out[k] = v
	}
	return out, nil
}

func testExecConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		MaxSlippage:           0.003,
		MinFillFraction:       0.95,
		OrderTimeoutMs:        150,
		SettlementTimeout:     10 * time.Second,
		WarningThreshold:      0.8,
		Confirmations:         2,
		RetryAttempts:         2,
		RetryDelay:            10 * time.Millisecond,
		OrphanResolveDeadline: 2 * time.Second,
		FeeBuffer:             0.01,
	}
}

func newTestExecutor(t *testing.T) (*Executor, *ledger.Ledger, *events.Bus) {
	t.Helper()
	fillPollInterval = 20 * time.Millisecond
	t.Cleanup(func() { fillPollInterval = time.Second })

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	bus := events.NewBus(logger)
	book := ledger.New(config.RiskConfig{
		MaxPositionSize:      1000,
		MaxTotalExposure:     10000,
		ReserveTimeoutMs:     30000,
		MaxPositionsPerVenue: 5,
	}, "USDT", bus, logger)
	book.UpdateBalance("buyv", "USDT", dec("1000"))
	book.UpdateBalance("sellv", "VRSC", dec("500"))

	ex := New(testExecConfig(), 30*time.Second, book, bus, "VRSC", "USDT", false, logger)
	return ex, book, bus
}

func happyOpp() types.Opportunity {
	return types.Opportunity{
		ID:        uuid.NewString(),
		BuyVenue:  "buyv",
		SellVenue: "sellv",
		BuyPrice:  dec("5.000"),
		SellPrice: dec("5.050"),
		CreatedTs: time.Now(),
		ExpiresTs: time.Now().Add(5 * time.Second),
	}
}

func drainKinds(ch <-chan events.Event) map[events.Kind]int {
	kinds := make(map[events.Kind]int)
	for {
		select {
		case evt := <-ch:
			kinds[evt.Kind]++
			continue
		default:
		}
		return kinds
	}
}

func TestHappyPathSettles(t *testing.T) {
	ex, book, bus := newTestExecutor(t)
	sub := bus.Subscribe(64)

	buy := newFakeVenue("buyv")
	buy.instantFee = dec("0.002")
	sell := newFakeVenue("sellv")
	sell.instantFee = dec("0.002")

	result := ex.Execute(context.Background(), happyOpp(), dec("100"), buy, sell)

	if result.State != StateSettled {
		t.Fatalf("state = %s (%s), want settled", result.State, result.Reason)
	}
	// gross 100*(5.05-5.00)=5; fees 1.00 + 1.01 = 2.01; profit 2.99
	if !result.Profit.Equal(dec("2.99")) {
		t.Errorf("profit = %s, want 2.99", result.Profit)
	}
	if result.Position != nil {
		t.Error("full match must not open a position")
	}

	// Balances realized: buy venue spent 501 USDT, gained 100 VRSC;
	// sell venue spent 100 VRSC, gained 503.99 USDT.
	if got := book.Balance("buyv", "USDT").Total; !got.Equal(dec("499")) {
		t.Errorf("buyv USDT = %s, want 499", got)
	}
	if got := book.Balance("buyv", "VRSC").Total; !got.Equal(dec("100")) {
		t.Errorf("buyv VRSC = %s, want 100", got)
	}
	if got := book.Balance("sellv", "VRSC").Total; !got.Equal(dec("400")) {
		t.Errorf("sellv VRSC = %s, want 400", got)
	}
	if got := book.Balance("sellv", "USDT").Total; !got.Equal(dec("503.99")) {
		t.Errorf("sellv USDT = %s, want 503.99", got)
	}

	kinds := drainKinds(sub)
	if kinds[events.KindSettlementCompleted] != 1 {
		t.Error("expected settlement_completed")
	}
	if kinds[events.KindStageCompleted] < 4 {
		t.Errorf("stage_completed = %d, want at least 4", kinds[events.KindStageCompleted])
	}

	day := book.DailyStats()
	if day.Trades != 1 || !day.RealizedPnL.Equal(dec("2.99")) {
		t.Errorf("daily = %+v", day)
	}
}

func TestOrphanedBuyResolvesWithoutDoublePlacement(t *testing.T) {
	ex, _, _ := newTestExecutor(t)

	buy := newFakeVenue("buyv")
	// The venue accepts the order but the response is lost: record it
	// under the ref, then report a timeout to the caller.
	buy.placeScript = []func(string) (types.Order, error){
		func(ref string) (types.Order, error) {
			now := time.Now()
			buy.record(types.Order{
				ID: "orphan-1", ClientRef: ref, Venue: "buyv", Side: types.BUY,
				BaseAmount: dec("100"), LimitPrice: dec("5.000"),
				State: types.OrderFilled,
				Fills: []types.Fill{{BaseAmount: dec("100"), QuoteAmount: dec("500"), Ts: now}},
			})
			return types.Order{}, types.NewVenueError("buyv", "place_order", types.ErrTimeout, nil)
		},
	}
	sell := newFakeVenue("sellv")

	result := ex.Execute(context.Background(), happyOpp(), dec("100"), buy, sell)

	if result.State != StateSettled {
		t.Fatalf("state = %s (%s), want settled via orphan resolution", result.State, result.Reason)
	}
	if buy.placeCalls != 1 {
		t.Errorf("buy placements = %d, want exactly 1 (no double placement)", buy.placeCalls)
	}
	if result.BuyOrder == nil || result.BuyOrder.ID != "orphan-1" {
		t.Error("execution must proceed with the resolved orphan order")
	}
}

func TestOrphanUnresolvedEscalates(t *testing.T) {
	ex, book, _ := newTestExecutor(t)
	ex.cfg.OrphanResolveDeadline = 60 * time.Millisecond

	buy := newFakeVenue("buyv")
	timeoutErr := func(ref string) (types.Order, error) {
		return types.Order{}, types.NewVenueError("buyv", "place_order", types.ErrTimeout, nil)
	}
	// Placement times out and the venue wedges: lookups time out too,
	// so the outcome stays unknown.
	buy.placeScript = []func(string) (types.Order, error){timeoutErr, timeoutErr, timeoutErr}
	buy.lookupErr = types.NewVenueError("buyv", "lookup_order", types.ErrTimeout, nil)
	sell := newFakeVenue("sellv")

	result := ex.Execute(context.Background(), happyOpp(), dec("100"), buy, sell)

	if result.State != StateFailed {
		t.Fatalf("state = %s, want failed", result.State)
	}
	if result.FailureKind != types.ErrOrphanedOrder {
		t.Errorf("kind = %s, want orphaned_order", result.FailureKind)
	}
	// Reservations must be back.
	if got := book.Available("buyv", "USDT"); !got.Equal(dec("1000")) {
		t.Errorf("buyv available = %s, want 1000 restored", got)
	}
}

func TestPartialBuyBelowFloorOpensPosition(t *testing.T) {
	ex, book, bus := newTestExecutor(t)
	sub := bus.Subscribe(64)

	buy := newFakeVenue("buyv")
	// Order rests open and only ever fills 40/100.
	buy.placeScript = []func(string) (types.Order, error){
		func(ref string) (types.Order, error) {
			now := time.Now()
			order := types.Order{
				ID: "pb-1", ClientRef: ref, Venue: "buyv", Side: types.BUY,
				BaseAmount: dec("100"), LimitPrice: dec("5.000"),
				State: types.OrderPartial,
				Fills: []types.Fill{{BaseAmount: dec("40"), QuoteAmount: dec("200"), FeeQuote: dec("0.4"), Ts: now}},
			}
			buy.record(order)
			return order, nil
		},
	}
	sell := newFakeVenue("sellv")

	result := ex.Execute(context.Background(), happyOpp(), dec("100"), buy, sell)

	if result.State != StateCompensatedSettled {
		t.Fatalf("state = %s (%s), want compensated_settled", result.State, result.Reason)
	}
	if result.Position == nil {
		t.Fatal("expected a carry position")
	}
	if !result.Position.BaseAmount.Equal(dec("40")) {
		t.Errorf("position base = %s, want 40", result.Position.BaseAmount)
	}
	if !result.Position.EntryPrice.Equal(dec("5")) {
		t.Errorf("entry = %s, want 5", result.Position.EntryPrice)
	}
	if sell.placeCalls != 0 {
		t.Error("sell must not be placed below the fill floor")
	}
	if len(buy.cancelled) == 0 {
		t.Error("buy remainder must be cancelled")
	}

	// Ledger: 200.4 USDT consumed, 40 VRSC realized, rest released.
	if got := book.Balance("buyv", "USDT").Total; !got.Equal(dec("799.6")) {
		t.Errorf("buyv USDT = %s, want 799.6", got)
	}
	if got := book.Balance("buyv", "VRSC").Total; !got.Equal(dec("40")) {
		t.Errorf("buyv VRSC = %s, want 40", got)
	}
	if got := book.Available("sellv", "VRSC"); !got.Equal(dec("500")) {
		t.Errorf("sellv VRSC available = %s, want 500 (hold released)", got)
	}

	kinds := drainKinds(sub)
	if kinds[events.KindSettlementFailed] == 0 {
		t.Error("expected settlement_failed event")
	}
	if kinds[events.KindPositionOpened] == 0 {
		t.Error("expected position_opened event")
	}
}

func TestPartialAtExactlyFillFloorAccepts(t *testing.T) {
	ex, _, _ := newTestExecutor(t)

	buy := newFakeVenue("buyv")
	// 95/100 filled: exactly the floor.
	buy.placeScript = []func(string) (types.Order, error){
		func(ref string) (types.Order, error) {
			now := time.Now()
			order := types.Order{
				ID: "pf-1", ClientRef: ref, Venue: "buyv", Side: types.BUY,
				BaseAmount: dec("100"), LimitPrice: dec("5.000"),
				State: types.OrderPartial,
				Fills: []types.Fill{{BaseAmount: dec("95"), QuoteAmount: dec("475"), Ts: now}},
			}
			buy.record(order)
			return order, nil
		},
	}
	sell := newFakeVenue("sellv")

	result := ex.Execute(context.Background(), happyOpp(), dec("100"), buy, sell)

	if result.State != StateSettled {
		t.Fatalf("state = %s (%s), want settled (floor is inclusive)", result.State, result.Reason)
	}
	if sell.placeCalls != 1 {
		t.Fatalf("sell placements = %d, want 1", sell.placeCalls)
	}
	if result.SellOrder == nil || !result.SellOrder.BaseAmount.Equal(dec("95")) {
		t.Error("sell must be scaled to the filled buy amount")
	}
}

func TestSellRetriesThenCarriesPosition(t *testing.T) {
	ex, book, _ := newTestExecutor(t)

	buy := newFakeVenue("buyv")
	sell := newFakeVenue("sellv")
	sellErr := func(ref string) (types.Order, error) {
		return types.Order{}, types.NewVenueError("sellv", "place_order", types.ErrVenueDown, nil)
	}
	sell.placeScript = []func(string) (types.Order, error){sellErr, sellErr, sellErr}

	result := ex.Execute(context.Background(), happyOpp(), dec("100"), buy, sell)

	if result.State != StateCompensatedSettled {
		t.Fatalf("state = %s (%s), want compensated_settled", result.State, result.Reason)
	}
	if sell.placeCalls != 3 {
		t.Errorf("sell placements = %d, want 1 + 2 retries", sell.placeCalls)
	}
	if result.Position == nil || !result.Position.BaseAmount.Equal(dec("100")) {
		t.Fatal("full bought base must be carried as a position")
	}
	if got := book.Available("sellv", "VRSC"); !got.Equal(dec("500")) {
		t.Errorf("sellv hold must be released, available = %s", got)
	}
}

func TestExecutorBusyVenuePair(t *testing.T) {
	ex, _, _ := newTestExecutor(t)

	release, ok := ex.lockVenues("buyv", "sellv")
	if !ok {
		t.Fatal("first lock should succeed")
	}
	defer release()

	buy := newFakeVenue("buyv")
	sell := newFakeVenue("sellv")
	result := ex.Execute(context.Background(), happyOpp(), dec("100"), buy, sell)

	if result.State != StateFailed || result.FailureKind != types.ErrExecutorBusy {
		t.Fatalf("result = %+v, want executor_busy failure", result)
	}
	if buy.placeCalls != 0 {
		t.Error("busy execution must not touch the venue")
	}
}

func TestExpiredReservationStopsExecution(t *testing.T) {
	ex, book, bus := newTestExecutor(t)
	ex.reserveTTL = time.Millisecond
	sub := bus.Subscribe(16)

	buy := newFakeVenue("buyv")
	sell := newFakeVenue("sellv")
	exec := &execution{id: "exec-exp", opp: happyOpp(), base: dec("100"), buy: buy, sell: sell}

	if res := ex.stageReserve(context.Background(), exec); res != nil {
		t.Fatalf("reserve failed: %s", res.Reason)
	}

	time.Sleep(5 * time.Millisecond)
	book.ExpireNow()

	result := ex.stageBuyPlace(context.Background(), exec)
	if result == nil || result.State != StateFailed {
		t.Fatal("placement after reservation expiry must fail the execution")
	}
	if buy.placeCalls != 0 {
		t.Error("no order may be placed on an expired hold")
	}
	if got := book.Available("buyv", "USDT"); !got.Equal(dec("1000")) {
		t.Errorf("available = %s, want pre-reservation 1000", got)
	}

	kinds := drainKinds(sub)
	if kinds[events.KindReserveTimeout] == 0 {
		t.Error("expected reserve_timeout event")
	}
}

func TestInsufficientReservationFailsFast(t *testing.T) {
	ex, _, _ := newTestExecutor(t)

	buy := newFakeVenue("buyv")
	sell := newFakeVenue("sellv")

	// 300 base at 5.00 needs 1515 quote with buffer; only 1000 funded.
	result := ex.Execute(context.Background(), happyOpp(), dec("300"), buy, sell)

	if result.State != StateFailed || result.FailureKind != types.ErrInsufficientFunds {
		t.Fatalf("result = %s/%s, want failed/insufficient_funds", result.State, result.FailureKind)
	}
	if buy.placeCalls != 0 {
		t.Error("no order may be placed without reservations")
	}
}

func TestDryRunFullMachine(t *testing.T) {
	ex, book, _ := newTestExecutor(t)
	ex.dryRun = true

	buy := newFakeVenue("buyv")
	sell := newFakeVenue("sellv")

	result := ex.Execute(context.Background(), happyOpp(), dec("100"), buy, sell)

	if result.State != StateSettled {
		t.Fatalf("state = %s (%s), want settled", result.State, result.Reason)
	}
	if buy.placeCalls != 0 || sell.placeCalls != 0 {
		t.Error("dry run must not place real orders")
	}
	// Synthetic fills at limit prices, no fees: profit = 5.
	if !result.Profit.Equal(dec("5")) {
		t.Errorf("profit = %s, want 5", result.Profit)
	}
	if got := book.Balance("buyv", "VRSC").Total; !got.Equal(dec("100")) {
		t.Errorf("dry-run settlement must still flow through the ledger, VRSC = %s", got)
	}
}
