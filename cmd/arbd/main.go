// verus-arb — a cross-venue arbitrage monitor and executor for a single
// trading pair (VRSC/USDT) across centralized exchanges and an on-chain
// liquidity pool.
//
// Architecture:
//
//	main.go              — entry point: env + config, engine lifecycle, signals
//	engine/engine.go     — orchestrator: hub → pricing → detector → validator → executor
//	ingest/              — per-venue workers: rate limits, circuit breakers, heartbeats, reconnect
//	pricing/             — tick sanity/deviation/freshness checks + bridge normalization
//	arb/                 — spread detection and the pre-execution gate
//	executor/            — atomic two-leg execution with reservations and recovery
//	ledger/              — balances, reservations, positions, daily risk counters
//	venue/               — adapter interface + safetrade, tradeogre, ethpool implementations
//	events/              — typed event bus feeding logs and the audit store
//	store/               — append-only Postgres audit history
//
// How it makes money:
//
//	The same coin trades at different prices on different venues. When
//	the gap exceeds fees plus slippage, the daemon buys on the cheap
//	venue and sells on the expensive one in one guarded execution,
//	keeping the spread. Everything else here exists to make sure a
//	half-completed execution can never silently lose the inventory.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"verus-arb/internal/config"
	"verus-arb/internal/engine"
)

const (
	exitOK          = 0
	exitFatal       = 1
	exitConfigError = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	// Optional .env for local development; real deployments use the
	// environment directly.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ARB_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		return exitConfigError
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return exitConfigError
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		return exitFatal
	}
	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		return exitFatal
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("verus-arb started",
		"pair", fmt.Sprintf("%s/%s", cfg.Pair.Base, cfg.Pair.Quote),
		"venues", len(cfg.Venues),
		"min_spread", cfg.Arbitrage.MinSpreadPercent,
		"max_exposure", cfg.Risk.MaxTotalExposure,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
	return exitOK
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
