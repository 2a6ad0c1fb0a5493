// Package engine is the central orchestrator of the arbitrage daemon.
//
// It wires together all subsystems:
//
//  1. Venue adapters normalize each venue's wire protocol.
//  2. The ingestion hub runs one worker per venue behind rate limits,
//     circuit breakers, heartbeats and reconnection.
//  3. The pricing validator turns raw ticks into normalized ticks,
//     bridging non-canonical quotes.
//  4. The detector evaluates cross-venue spreads on every tick; the
//     opportunity validator gates candidates against live depth,
//     balances and health.
//  5. The executor realizes validated opportunities as atomic two-leg
//     trades backed by ledger reservations.
//  6. The event bus feeds logging and the optional Postgres audit store.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"verus-arb/internal/arb"
	"verus-arb/internal/config"
	"verus-arb/internal/events"
	"verus-arb/internal/executor"
	"verus-arb/internal/ingest"
	"verus-arb/internal/ledger"
	"verus-arb/internal/pricing"
	"verus-arb/internal/store"
	"verus-arb/internal/venue"
	"verus-arb/internal/venue/ethpool"
	"verus-arb/internal/venue/safetrade"
	"verus-arb/internal/venue/tradeogre"
	"verus-arb/pkg/types"
)

// bridgeSource is any adapter that can quote a bridge symbol.
type bridgeSource interface {
	FetchBridgeTicker(ctx context.Context, symbol string) (types.Tick, error)
}

// Engine orchestrates all components and owns their goroutines.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	bus       *events.Bus
	book      *ledger.Ledger
	validator *pricing.Validator
	detector  *arb.Detector
	oppGate   *arb.Validator
	exec      *executor.Executor
	hub       *ingest.Hub
	workers   map[string]*ingest.Worker
	audit     *store.Store

	// bridgeFeeds maps bridge symbol -> the worker whose adapter quotes it.
	bridgeFeeds map[string]*ingest.Worker

	// execSem bounds concurrent validation+execution attempts.
	execSem chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	ctx, cancel := context.WithCancel(context.Background())

	bus := events.NewBus(logger)
	book := ledger.New(cfg.Risk, cfg.Pair.Quote, bus, logger)
	validator := pricing.NewValidator(cfg.Validation, cfg.Pair.Quote, logger)
	detector := arb.NewDetector(cfg.Arbitrage, cfg.Risk.MaxPositionSizeDec(), cfg.Execution.MaxSlippage)
	oppGate := arb.NewValidator(cfg.Arbitrage, cfg.Execution, book, validator, cfg.Pair.Base, cfg.Pair.Quote, logger)
	exec := executor.New(cfg.Execution, cfg.Risk.ReserveTimeout(), book, bus, cfg.Pair.Base, cfg.Pair.Quote, cfg.DryRun, logger)

	hub := ingest.NewHub(logger)
	workers := make(map[string]*ingest.Worker, len(cfg.Venues))
	bridgeFeeds := make(map[string]*ingest.Worker)

	for name, vc := range cfg.Venues {
		adapter, err := buildAdapter(name, vc, cfg.Pair)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("venue %s: %w", name, err)
		}
		if adapter.Name() != name {
			cancel()
			return nil, fmt.Errorf("venue %s: adapter identifies as %s; config key must match", name, adapter.Name())
		}
		breaker := ingest.NewBreaker(name, cfg.Ingestion.Circuit, bus, logger)
		worker := ingest.NewWorker(adapter, cfg.Ingestion, breaker, logger)
		hub.Register(worker)
		workers[name] = worker
	}

	// Bridge symbols are quoted by a canonical-quote venue that can
	// serve arbitrary markets.
	for name, vc := range cfg.Venues {
		if vc.Bridge == "" {
			continue
		}
		feed, err := findBridgeFeed(cfg, workers, name)
		if err != nil {
			cancel()
			return nil, err
		}
		bridgeFeeds[vc.Bridge] = feed
	}

	var audit *store.Store
	if cfg.Store.Enabled {
		var err error
		audit, err = store.Open(cfg.Store.DSN, logger)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("open audit store: %w", err)
		}
	}

	return &Engine{
		cfg:         cfg,
		logger:      logger.With("component", "engine"),
		bus:         bus,
		book:        book,
		validator:   validator,
		detector:    detector,
		oppGate:     oppGate,
		exec:        exec,
		hub:         hub,
		workers:     workers,
		audit:       audit,
		bridgeFeeds: bridgeFeeds,
		execSem:     make(chan struct{}, len(cfg.Venues)),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// buildAdapter selects the adapter implementation for a venue.
func buildAdapter(name string, vc config.VenueConfig, pair config.PairConfig) (venue.Adapter, error) {
	switch {
	case vc.Kind == "amm":
		return ethpool.New(vc, pair.Base, pair.Quote)
	case name == safetrade.Name:
		return safetrade.New(vc, pair.Base, pair.Quote), nil
	case name == tradeogre.Name:
		return tradeogre.New(vc, pair.Base), nil
	default:
		return nil, fmt.Errorf("no adapter for cex venue %q", name)
	}
}

// findBridgeFeed picks a venue whose adapter quotes bridge symbols and
// whose native quote is already canonical.
func findBridgeFeed(cfg config.Config, workers map[string]*ingest.Worker, needyVenue string) (*ingest.Worker, error) {
	for name, vc := range cfg.Venues {
		if vc.Quote != cfg.Pair.Quote {
			continue
		}
		w := workers[name]
		if _, ok := w.Adapter().(bridgeSource); ok {
			return w, nil
		}
	}
	return nil, fmt.Errorf("venue %s needs a bridge but no canonical-quote venue can serve bridge tickers", needyVenue)
}

// Start launches all background goroutines: the hub (workers included),
// the ledger sweeper, bridge pollers, the audit consumer, and the main
// pipeline loop.
func (e *Engine) Start() error {
	if err := e.seed(); err != nil {
		return err
	}

	e.goRun(func() { e.hub.Run(e.ctx) })
	e.goRun(func() { e.book.Run(e.ctx) })
	e.goRun(func() { e.pipeline() })

	for symbol, feed := range e.bridgeFeeds {
		symbol, feed := symbol, feed
		e.goRun(func() { e.bridgeLoop(symbol, feed) })
	}

	if e.audit != nil {
		sub := e.bus.Subscribe(256)
		e.goRun(func() { e.audit.Run(e.ctx, sub) })
	}

	e.logger.Info("engine started",
		"venues", len(e.workers),
		"pair", e.cfg.Pair.Base+"/"+e.cfg.Pair.Quote,
		"dry_run", e.cfg.DryRun,
	)
	return nil
}

func (e *Engine) goRun(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// Stop gracefully shuts down: cancels all goroutines, logs the final
// ledger snapshot, and closes resources.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()
	e.wg.Wait()

	for _, pos := range e.book.OpenPositions() {
		e.logger.Warn("open position at shutdown",
			"position_id", pos.ID, "venue", pos.Venue,
			"base", pos.BaseAmount, "entry", pos.EntryPrice)
	}
	day := e.book.DailyStats()
	e.logger.Info("final daily stats",
		"trades", day.Trades, "volume", day.VolumeQuote, "pnl", day.RealizedPnL)

	e.bus.Close()
	if e.audit != nil {
		e.audit.Close()
	}
	e.logger.Info("shutdown complete")
}

// HealthSnapshot exposes per-venue health for operators.
func (e *Engine) HealthSnapshot() []types.VenueHealth {
	return e.hub.HealthSnapshot()
}

// Events subscribes an external consumer to the engine's event stream.
func (e *Engine) Events(buffer int) <-chan events.Event {
	return e.bus.Subscribe(buffer)
}

// seed loads fee schedules and starting balances before the pipeline
// begins trading on them.
func (e *Engine) seed() error {
	ctx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
	defer cancel()

	for name, w := range e.workers {
		fees, err := w.GetFees(ctx)
		if err != nil {
			return fmt.Errorf("seed fees for %s: %w", name, err)
		}
		e.detector.SetFees(name, fees)

		balances, err := w.GetBalances(ctx)
		if err != nil {
			if !e.cfg.DryRun {
				return fmt.Errorf("seed balances for %s: %w", name, err)
			}
			// Dry runs work against synthetic funding.
			balances = map[string]decimal.Decimal{
				e.cfg.Pair.Quote: decimal.NewFromInt(10000),
				e.cfg.Pair.Base:  decimal.NewFromInt(1000),
			}
			e.logger.Warn("seeding synthetic dry-run balances", "venue", name)
		}
		for ccy, amount := range balances {
			if ccy != e.cfg.Pair.Base && ccy != e.cfg.Pair.Quote {
				continue
			}
			if err := e.book.UpdateBalance(name, ccy, amount); err != nil {
				return fmt.Errorf("seed balance %s/%s: %w", name, ccy, err)
			}
		}
	}
	return nil
}

// pipeline is the main loop: hub ticks → validation → detection →
// gated execution, plus position supervision on every price update.
func (e *Engine) pipeline() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case tick := <-e.hub.Ticks():
			e.onTick(tick)
		}
	}
}

func (e *Engine) onTick(tick types.Tick) {
	nt, reason := e.validator.Process(tick)
	if reason != pricing.RejectNone {
		if reason == pricing.RejectBridgeStale || reason == pricing.RejectNoBridge {
			if w, ok := e.workers[tick.Venue]; ok {
				w.SetBridgeStale(true)
			}
			e.bus.Publish(events.Event{Kind: events.KindBridgeStale, Venue: tick.Venue})
		}
		e.logger.Debug("tick dropped", "venue", tick.Venue, "reason", string(reason))
		return
	}
	if w, ok := e.workers[tick.Venue]; ok {
		w.SetBridgeStale(false)
	}

	e.bus.Publish(events.Event{Kind: events.KindTick, Venue: nt.Venue,
		Payload: events.TickPayload{Tick: nt}})

	e.supervisePositions(nt)

	for _, opp := range e.detector.OnTick(nt) {
		e.bus.Publish(events.Event{Kind: events.KindOpportunity,
			Payload: events.OpportunityPayload{Opportunity: opp}})
		e.tryExecute(opp)
	}
}

// tryExecute validates and executes an opportunity asynchronously. The
// semaphore bounds in-flight attempts; anything beyond it is dropped as
// executor_busy rather than queued against a dying opportunity.
func (e *Engine) tryExecute(opp types.Opportunity) {
	select {
	case e.execSem <- struct{}{}:
	default:
		e.rejectOpportunity(opp, "execution slots saturated", types.ErrExecutorBusy)
		return
	}

	e.goRun(func() {
		defer func() { <-e.execSem }()

		buyW, okB := e.workers[opp.BuyVenue]
		sellW, okS := e.workers[opp.SellVenue]
		if !okB || !okS {
			e.rejectOpportunity(opp, "unknown venue", types.ErrValidationFailed)
			return
		}

		outcome := e.oppGate.Validate(e.ctx, opp, buyW, sellW)
		if !outcome.Valid {
			e.rejectOpportunity(opp, outcome.Reason, outcome.Kind)
			return
		}

		result := e.exec.Execute(e.ctx, opp, outcome.AdjustedBase, buyW, sellW)
		if result.State == executor.StateFailed && result.FailureKind == types.ErrExecutorBusy {
			e.rejectOpportunity(opp, result.Reason, types.ErrExecutorBusy)
		}
	})
}

func (e *Engine) rejectOpportunity(opp types.Opportunity, reason string, kind types.ErrorKind) {
	e.logger.Debug("opportunity rejected", "opportunity_id", opp.ID, "reason", reason)
	e.bus.Publish(events.Event{
		Kind: events.KindOpportunityRejected,
		Payload: events.RejectionPayload{
			OpportunityID: opp.ID,
			Reason:        reason,
			Kind:          kind,
		},
	})
}

// supervisePositions re-marks open positions on the tick's venue and
// force-closes any whose stop-loss the price crossed.
func (e *Engine) supervisePositions(nt types.NormalizedTick) {
	for _, pos := range e.book.OpenPositions() {
		if pos.Venue != nt.Venue {
			continue
		}
		_, stopHit, err := e.book.UpdatePosition(pos.ID, nt.Price)
		if err != nil {
			continue
		}
		if stopHit {
			e.logger.Warn("stop loss hit, closing position",
				"position_id", pos.ID, "venue", pos.Venue, "price", nt.Price)
			if _, err := e.book.ClosePosition(pos.ID, nt.Price); err != nil {
				e.logger.Error("forced close failed", "position_id", pos.ID, "error", err)
			}
		}
	}
}

// bridgeLoop polls one bridge symbol through its feed venue and keeps
// the validator's bridge cache current.
func (e *Engine) bridgeLoop(symbol string, feed *ingest.Worker) {
	source := feed.Adapter().(bridgeSource)
	ticker := time.NewTicker(e.cfg.Ingestion.PollInterval)
	defer ticker.Stop()

	fetch := func() {
		var tick types.Tick
		err := feed.Call(e.ctx, "fetch_bridge", func(ctx context.Context) error {
			var err error
			tick, err = source.FetchBridgeTicker(ctx, symbol)
			return err
		})
		if err != nil {
			if e.ctx.Err() == nil {
				e.logger.Debug("bridge fetch failed", "symbol", symbol, "error", err)
			}
			return
		}
		if err := e.validator.UpdateBridge(symbol, tick); err != nil {
			e.logger.Debug("bridge update rejected", "symbol", symbol, "error", err)
		}
	}

	fetch()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			fetch()
		}
	}
}
