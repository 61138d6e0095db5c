package config

import (
	"os"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

const minimalYAML = `marketpipe:
  name: "marketpipe"
  version: "1.0"
bus:
  driver: memory
storage:
  driver: memory
exchanges:
  - name: binance
    market_type: spot
    symbols: ["BTCUSDT"]
    kinds: ["trade", "orderbook"]
consumer:
  dedup:
    ttl_seconds: 120
migrator:
  cadence_seconds: 3600
  default_retention_days: 7
  retention_days:
    trades: 3
`

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, minimalYAML)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Marketpipe.Name != "marketpipe" {
		t.Fatalf("unexpected name %q", cfg.Marketpipe.Name)
	}
	if got := cfg.Consumer.Dedup.TTL(); got != 2*time.Minute {
		t.Fatalf("unexpected dedup ttl %v", got)
	}
	if got := cfg.Migrator.Retention("trades"); got != 3*24*time.Hour {
		t.Fatalf("unexpected trades retention %v", got)
	}
	if got := cfg.Migrator.Retention("klines"); got != 7*24*time.Hour {
		t.Fatalf("unexpected default retention %v", got)
	}
}

func TestLoadConfigEnvExpansion(t *testing.T) {
	t.Setenv("TEST_BUS_URL", "nats://broker:4222")
	content := `marketpipe:
  name: "marketpipe"
bus:
  driver: nats
  url: "${TEST_BUS_URL}"
storage:
  driver: memory
`
	path := writeTempConfig(t, content)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Bus.URL != "nats://broker:4222" {
		t.Fatalf("env not expanded: %q", cfg.Bus.URL)
	}
}

func TestLoadConfigRejectsBadMarketType(t *testing.T) {
	content := `marketpipe:
  name: "marketpipe"
exchanges:
  - name: binance
    market_type: margin
    symbols: ["BTCUSDT"]
`
	path := writeTempConfig(t, content)
	defer os.Remove(path)

	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for invalid market_type")
	}
}

func TestLoadConfigRejectsNatsWithoutURL(t *testing.T) {
	content := `marketpipe:
  name: "marketpipe"
bus:
  driver: nats
`
	path := writeTempConfig(t, content)
	defer os.Remove(path)

	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for nats bus without url")
	}
}

func TestAppEnvironmentDefaults(t *testing.T) {
	t.Setenv(appEnvVar, "")
	if got := AppEnvironment(); got != EnvironmentDevelopment {
		t.Fatalf("unexpected environment %q", got)
	}
	t.Setenv(appEnvVar, "prod")
	if got := AppEnvironment(); got != EnvironmentProduction {
		t.Fatalf("alias not resolved: %q", got)
	}
}
