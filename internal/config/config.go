// Package config defines all configuration for the arbitrage daemon.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ARB_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun     bool                   `mapstructure:"dry_run"`
	Pair       PairConfig             `mapstructure:"pair"`
	Venues     map[string]VenueConfig `mapstructure:"venues"`
	Ingestion  IngestionConfig        `mapstructure:"ingestion"`
	Validation ValidationConfig       `mapstructure:"validation"`
	Arbitrage  ArbitrageConfig        `mapstructure:"arbitrage"`
	Execution  ExecutionConfig        `mapstructure:"execution"`
	Risk       RiskConfig             `mapstructure:"risk"`
	Store      StoreConfig            `mapstructure:"store"`
	Logging    LoggingConfig          `mapstructure:"logging"`
}

// PairConfig names the traded pair. Quote is the canonical quote
// currency every price is normalized to before detection.
type PairConfig struct {
	Base  string `mapstructure:"base"`
	Quote string `mapstructure:"quote"`
}

// VenueConfig describes one venue and how to reach it. Kind selects the
// adapter: "cex" venues use BaseURL (+ optional WSURL), "amm" venues use
// RPCURL + PairAddress. Quote is the venue-native quote currency; when it
// differs from the canonical quote, Bridge names the symbol whose ticks
// convert it (e.g. BTCUSDT).
type VenueConfig struct {
	Kind        string  `mapstructure:"kind"` // "cex" or "amm"
	Quote       string  `mapstructure:"quote"`
	Bridge      string  `mapstructure:"bridge"`
	BaseURL     string  `mapstructure:"base_url"`
	WSURL       string  `mapstructure:"ws_url"`
	APIKey      string  `mapstructure:"api_key"`
	APISecret   string  `mapstructure:"api_secret"`
	RPCURL      string  `mapstructure:"rpc_url"`
	PairAddress string  `mapstructure:"pair_address"`
	FeePct      float64 `mapstructure:"fee_pct"` // amm swap fee fraction
}

// RateLimitConfig is the per-venue token bucket: RPS refill rate and
// maximum concurrent in-flight calls.
type RateLimitConfig struct {
	RPS         float64 `mapstructure:"rps"`
	Concurrency int     `mapstructure:"concurrency"`
}

// CircuitConfig tunes the per-venue circuit breaker.
type CircuitConfig struct {
	ErrorThreshold    int           `mapstructure:"error_threshold"`    // consecutive failures to open
	ResetTimeout      time.Duration `mapstructure:"reset_timeout"`      // open to half-open delay
	RecoveryThreshold int           `mapstructure:"recovery_threshold"` // half-open successes to close
}

// HeartbeatConfig tunes the streaming-venue watchdog.
type HeartbeatConfig struct {
	CheckInterval  time.Duration `mapstructure:"check_interval"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxMissedBeats int           `mapstructure:"max_missed_beats"`
}

// ReconnectConfig tunes stream reconnection backoff.
type ReconnectConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// IngestionConfig groups everything the price ingestion fabric needs.
type IngestionConfig struct {
	RateLimits   map[string]RateLimitConfig `mapstructure:"rate_limits"`
	Circuit      CircuitConfig              `mapstructure:"circuit"`
	Heartbeat    HeartbeatConfig            `mapstructure:"heartbeat"`
	Reconnect    ReconnectConfig            `mapstructure:"reconnect"`
	PollInterval time.Duration              `mapstructure:"poll_interval"`
	CallDeadline time.Duration              `mapstructure:"call_deadline"`
}

// ValidationConfig bounds what counts as a sane, fresh price.
type ValidationConfig struct {
	MinPrice          float64       `mapstructure:"min_price"`
	MaxPrice          float64       `mapstructure:"max_price"`
	MaxPriceDeviation float64       `mapstructure:"max_price_deviation"` // fraction of window mean
	PriceValidityMs   int           `mapstructure:"price_validity_ms"`   // ring + bridge freshness
	MaxStalePrice     time.Duration `mapstructure:"max_stale_price"`     // last-trade age cutoff
}

// PriceValidity returns PriceValidityMs as a duration.
func (v ValidationConfig) PriceValidity() time.Duration {
	return time.Duration(v.PriceValidityMs) * time.Millisecond
}

// ArbitrageConfig holds detection thresholds.
type ArbitrageConfig struct {
	MinSpreadPercent float64       `mapstructure:"min_spread_percent"` // fraction, 0.005 = 0.5%
	MinVolumeQuote   float64       `mapstructure:"min_volume_quote"`
	MinProfitQuote   float64       `mapstructure:"min_profit_quote"`
	MaxTickAge       time.Duration `mapstructure:"max_tick_age"`
}

// ExecutionConfig tunes the two-leg executor.
type ExecutionConfig struct {
	MaxSlippage           float64       `mapstructure:"max_slippage"`      // fraction
	MinFillFraction       float64       `mapstructure:"min_fill_fraction"` // accept partials at/above
	OrderTimeoutMs        int           `mapstructure:"order_timeout_ms"`
	SettlementTimeout     time.Duration `mapstructure:"settlement_timeout"`
	WarningThreshold      float64       `mapstructure:"warning_threshold"` // fraction of settlement timeout
	Confirmations         int           `mapstructure:"confirmations"`
	RetryAttempts         int           `mapstructure:"retry_attempts"`
	RetryDelay            time.Duration `mapstructure:"retry_delay"`
	OrphanResolveDeadline time.Duration `mapstructure:"orphan_resolve_deadline"`
	FeeBuffer             float64       `mapstructure:"fee_buffer"` // fraction added to quote reservations
}

// OrderTimeout returns OrderTimeoutMs as a duration.
func (e ExecutionConfig) OrderTimeout() time.Duration {
	return time.Duration(e.OrderTimeoutMs) * time.Millisecond
}

// RiskConfig sets the hard limits the ledger enforces.
type RiskConfig struct {
	MaxPositionSize      float64   `mapstructure:"max_position_size"`  // quote notional per execution
	MaxTotalExposure     float64   `mapstructure:"max_total_exposure"` // quote notional across venues
	MaxDailyExposure     float64   `mapstructure:"max_daily_exposure"`
	MaxDailyLoss         float64   `mapstructure:"max_daily_loss"`
	MaxDrawdown          float64   `mapstructure:"max_drawdown"`
	MinLiquidity         float64   `mapstructure:"min_liquidity"`
	ReserveTimeoutMs     int       `mapstructure:"reserve_timeout_ms"`
	MaxPositionsPerVenue int       `mapstructure:"max_positions_per_venue"`
	StopLossPercent      float64   `mapstructure:"stop_loss_percent"`
	TakeProfitTargets    []float64 `mapstructure:"take_profit_targets"` // fractions above entry
}

// ReserveTimeout returns ReserveTimeoutMs as a duration.
func (r RiskConfig) ReserveTimeout() time.Duration {
	return time.Duration(r.ReserveTimeoutMs) * time.Millisecond
}

// MaxPositionSizeDec returns the per-execution notional cap as a decimal.
func (r RiskConfig) MaxPositionSizeDec() decimal.Decimal {
	return decimal.NewFromFloat(r.MaxPositionSize)
}

// StoreConfig points the audit store at Postgres. Disabled by default.
type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: ARB_STORE_DSN plus per-venue
// ARB_<VENUE>_API_KEY / ARB_<VENUE>_API_SECRET / ARB_<VENUE>_RPC_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if dsn := os.Getenv("ARB_STORE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	for name, vc := range cfg.Venues {
		prefix := "ARB_" + strings.ToUpper(name) + "_"
		if key := os.Getenv(prefix + "API_KEY"); key != "" {
			vc.APIKey = key
		}
		if secret := os.Getenv(prefix + "API_SECRET"); secret != "" {
			vc.APISecret = secret
		}
		if rpc := os.Getenv(prefix + "RPC_URL"); rpc != "" {
			vc.RPCURL = rpc
		}
		cfg.Venues[name] = vc
	}
	if os.Getenv("ARB_DRY_RUN") == "true" || os.Getenv("ARB_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// setDefaults installs defaults for the pair, ingestion, validation,
// arbitrage, execution and logging tunables, and for the reservation
// TTL, per-venue position count and stop-loss of the risk section. The
// risk caps and the take-profit ladder have no default; Validate rejects
// a config that leaves max_position_size or max_total_exposure unset.
func setDefaults(v *viper.Viper) {
	v.SetDefault("pair.base", "VRSC")
	v.SetDefault("pair.quote", "USDT")

	v.SetDefault("ingestion.circuit.error_threshold", 5)
	v.SetDefault("ingestion.circuit.reset_timeout", "60s")
	v.SetDefault("ingestion.circuit.recovery_threshold", 3)
	v.SetDefault("ingestion.heartbeat.check_interval", "5s")
	v.SetDefault("ingestion.heartbeat.timeout", "30s")
	v.SetDefault("ingestion.heartbeat.max_missed_beats", 3)
	v.SetDefault("ingestion.reconnect.base_delay", "1s")
	v.SetDefault("ingestion.reconnect.max_attempts", 5)
	v.SetDefault("ingestion.poll_interval", "2s")
	v.SetDefault("ingestion.call_deadline", "15s")

	v.SetDefault("validation.min_price", 0.000001)
	v.SetDefault("validation.max_price", 1000000)
	v.SetDefault("validation.max_price_deviation", 0.10)
	v.SetDefault("validation.price_validity_ms", 30000)
	v.SetDefault("validation.max_stale_price", "5m")

	v.SetDefault("arbitrage.min_spread_percent", 0.005)
	v.SetDefault("arbitrage.min_volume_quote", 1000)
	v.SetDefault("arbitrage.min_profit_quote", 1)
	v.SetDefault("arbitrage.max_tick_age", "5s")

	v.SetDefault("execution.max_slippage", 0.003)
	v.SetDefault("execution.min_fill_fraction", 0.95)
	v.SetDefault("execution.order_timeout_ms", 30000)
	v.SetDefault("execution.settlement_timeout", "5m")
	v.SetDefault("execution.warning_threshold", 0.8)
	v.SetDefault("execution.confirmations", 3)
	v.SetDefault("execution.retry_attempts", 3)
	v.SetDefault("execution.retry_delay", "10s")
	v.SetDefault("execution.orphan_resolve_deadline", "3m")
	v.SetDefault("execution.fee_buffer", 0.01)

	v.SetDefault("risk.reserve_timeout_ms", 30000)
	v.SetDefault("risk.max_positions_per_venue", 3)
	v.SetDefault("risk.stop_loss_percent", 0.05)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Pair.Base == "" || c.Pair.Quote == "" {
		return fmt.Errorf("pair.base and pair.quote are required")
	}
	if len(c.Venues) < 2 {
		return fmt.Errorf("at least two venues are required, got %d", len(c.Venues))
	}
	for name, vc := range c.Venues {
		switch vc.Kind {
		case "cex":
			if vc.BaseURL == "" {
				return fmt.Errorf("venues.%s.base_url is required for cex venues", name)
			}
		case "amm":
			if vc.RPCURL == "" {
				return fmt.Errorf("venues.%s.rpc_url is required for amm venues (set ARB_%s_RPC_URL)", name, strings.ToUpper(name))
			}
			if vc.PairAddress == "" {
				return fmt.Errorf("venues.%s.pair_address is required for amm venues", name)
			}
		default:
			return fmt.Errorf("venues.%s.kind must be cex or amm, got %q", name, vc.Kind)
		}
		if vc.Quote == "" {
			return fmt.Errorf("venues.%s.quote is required", name)
		}
		if vc.Quote != c.Pair.Quote && vc.Bridge == "" {
			return fmt.Errorf("venues.%s quotes in %s but has no bridge to %s", name, vc.Quote, c.Pair.Quote)
		}
	}
	if c.Validation.MinPrice <= 0 || c.Validation.MaxPrice <= c.Validation.MinPrice {
		return fmt.Errorf("validation.min_price/max_price must satisfy 0 < min < max")
	}
	if c.Validation.MaxPriceDeviation <= 0 || c.Validation.MaxPriceDeviation >= 1 {
		return fmt.Errorf("validation.max_price_deviation must be in (0, 1)")
	}
	if c.Validation.PriceValidityMs <= 0 {
		return fmt.Errorf("validation.price_validity_ms must be > 0")
	}
	if c.Arbitrage.MinSpreadPercent <= 0 {
		return fmt.Errorf("arbitrage.min_spread_percent must be > 0")
	}
	if c.Arbitrage.MaxTickAge <= 0 {
		return fmt.Errorf("arbitrage.max_tick_age must be > 0")
	}
	if c.Execution.MinFillFraction <= 0 || c.Execution.MinFillFraction > 1 {
		return fmt.Errorf("execution.min_fill_fraction must be in (0, 1]")
	}
	if c.Execution.WarningThreshold <= 0 || c.Execution.WarningThreshold >= 1 {
		return fmt.Errorf("execution.warning_threshold must be in (0, 1)")
	}
	if c.Execution.Confirmations < 1 {
		return fmt.Errorf("execution.confirmations must be >= 1")
	}
	if c.Risk.MaxPositionSize <= 0 {
		return fmt.Errorf("risk.max_position_size must be > 0")
	}
	if c.Risk.MaxTotalExposure <= 0 {
		return fmt.Errorf("risk.max_total_exposure must be > 0")
	}
	if c.Risk.ReserveTimeoutMs <= 0 {
		return fmt.Errorf("risk.reserve_timeout_ms must be > 0")
	}
	if c.Store.Enabled && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required when store.enabled (set ARB_STORE_DSN)")
	}
	return nil
}
