package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const minimalYAML = `
pair:
  base: VRSC
  quote: USDT
venues:
  safetrade:
    kind: cex
    quote: USDT
    base_url: https://safe.trade/api/v2
    ws_url: wss://safe.trade/ws
  tradeogre:
    kind: cex
    quote: BTC
    bridge: BTCUSDT
    base_url: https://tradeogre.com/api/v1
risk:
  max_position_size: 500
  max_total_exposure: 2000
  max_daily_loss: 100
`

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Ingestion.Circuit.ErrorThreshold != 5 {
		t.Errorf("circuit.error_threshold = %d, want 5", cfg.Ingestion.Circuit.ErrorThreshold)
	}
	if cfg.Ingestion.Circuit.ResetTimeout != 60*time.Second {
		t.Errorf("circuit.reset_timeout = %v, want 60s", cfg.Ingestion.Circuit.ResetTimeout)
	}
	if cfg.Validation.PriceValidity() != 30*time.Second {
		t.Errorf("price validity = %v, want 30s", cfg.Validation.PriceValidity())
	}
	if cfg.Arbitrage.MinSpreadPercent != 0.005 {
		t.Errorf("min_spread_percent = %v, want 0.005", cfg.Arbitrage.MinSpreadPercent)
	}
	if cfg.Execution.OrderTimeout() != 30*time.Second {
		t.Errorf("order timeout = %v, want 30s", cfg.Execution.OrderTimeout())
	}
	if cfg.Execution.MinFillFraction != 0.95 {
		t.Errorf("min_fill_fraction = %v, want 0.95", cfg.Execution.MinFillFraction)
	}
	if cfg.Risk.ReserveTimeout() != 30*time.Second {
		t.Errorf("reserve timeout = %v, want 30s", cfg.Risk.ReserveTimeout())
	}
}

func TestValidateRejectsSingleVenue(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
pair: {base: VRSC, quote: USDT}
venues:
  safetrade: {kind: cex, quote: USDT, base_url: https://safe.trade/api/v2}
risk: {max_position_size: 500, max_total_exposure: 2000}
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for single-venue config")
	}
}

func TestValidateRejectsMissingBridge(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
pair: {base: VRSC, quote: USDT}
venues:
  safetrade: {kind: cex, quote: USDT, base_url: https://safe.trade/api/v2}
  tradeogre: {kind: cex, quote: BTC, base_url: https://tradeogre.com/api/v1}
risk: {max_position_size: 500, max_total_exposure: 2000}
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for BTC-quoted venue without bridge")
	}
}

func TestValidateRejectsBadVenueKind(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
pair: {base: VRSC, quote: USDT}
venues:
  a: {kind: cex, quote: USDT, base_url: https://a.example}
  b: {kind: dark-pool, quote: USDT}
risk: {max_position_size: 500, max_total_exposure: 2000}
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown venue kind")
	}
}

func TestValidateRejectsAmmWithoutPairAddress(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
pair: {base: VRSC, quote: USDT}
venues:
  a: {kind: cex, quote: USDT, base_url: https://a.example}
  pool: {kind: amm, quote: USDT, rpc_url: https://rpc.example}
risk: {max_position_size: 500, max_total_exposure: 2000}
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for amm venue without pair_address")
	}
}

func TestEnvOverridesSensitiveFields(t *testing.T) {
	t.Setenv("ARB_TRADEOGRE_API_KEY", "key-from-env")
	t.Setenv("ARB_STORE_DSN", "postgres://env")
	t.Setenv("ARB_DRY_RUN", "1")

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Venues["tradeogre"].APIKey != "key-from-env" {
		t.Errorf("api key = %q, want env override", cfg.Venues["tradeogre"].APIKey)
	}
	if cfg.Store.DSN != "postgres://env" {
		t.Errorf("store dsn = %q, want env override", cfg.Store.DSN)
	}
	if !cfg.DryRun {
		t.Error("ARB_DRY_RUN=1 should enable dry run")
	}
}

func TestValidateStoreNeedsDSN(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML+`
store:
  enabled: true
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for enabled store without dsn")
	}
}
