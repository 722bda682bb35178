package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/artpar/meterd/config"
)

const sampleConfig = `
server:
  host: 127.0.0.1
  port: 9090

database:
  driver: sqlite
  dsn: test.db

dispatch:
  workers: 8
  queue_size: 2048
  full_policy: block

fx:
  url: https://open.er-api.com/v6/latest
  ttl: 12h

quota:
  monthly_limit_usd: 200
  daily_limit_usd: 25

pricing:
  - version: "2026-01"
    models:
      gpt-4o:
        input_per_k: 2.50
        output_per_k: 10.00
        cached_per_k: 1.25
  - version: "2026-07"
    models:
      gpt-4o:
        input_per_k: 2.00
        output_per_k: 8.00
        cached_per_k: 1.00

logging:
  level: debug
  format: console
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meterd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Port = %d", cfg.Server.Port)
	}
	if cfg.Dispatch.Workers != 8 || cfg.Dispatch.FullPolicy != "block" {
		t.Errorf("dispatch = %+v", cfg.Dispatch)
	}
	if cfg.Fx.TTL != 12*time.Hour {
		t.Errorf("Fx.TTL = %v", cfg.Fx.TTL)
	}
	if len(cfg.Pricing) != 2 {
		t.Fatalf("pricing tables = %d", len(cfg.Pricing))
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q", cfg.Logging.Level)
	}
}

func TestLoad_Defaults(t *testing.T) {
	minimal := `
pricing:
  - version: "2026-07"
    models:
      gpt-4o:
        input_per_k: 2.50
        output_per_k: 10.00
`
	cfg, err := config.Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("default port = %d", cfg.Server.Port)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("default driver = %q", cfg.Database.Driver)
	}
	if cfg.Dispatch.Workers != 4 || cfg.Dispatch.QueueSize != 1024 {
		t.Errorf("dispatch defaults = %+v", cfg.Dispatch)
	}
	if cfg.Dispatch.FullPolicy != "drop_oldest" {
		t.Errorf("default policy = %q", cfg.Dispatch.FullPolicy)
	}
	if cfg.Fx.TTL != 24*time.Hour {
		t.Errorf("default fx ttl = %v", cfg.Fx.TTL)
	}
	if cfg.Quota.SoftLimitPct != 0.8 {
		t.Errorf("default soft pct = %v", cfg.Quota.SoftLimitPct)
	}
	if cfg.Dedup.Retention != 45*24*time.Hour {
		t.Errorf("default dedup retention = %v", cfg.Dedup.Retention)
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no pricing", `
database:
  driver: sqlite
`},
		{"bad driver", `
database:
  driver: postgres
pricing:
  - version: "2026-07"
    models: {}
`},
		{"bad policy", `
dispatch:
  full_policy: spill
pricing:
  - version: "2026-07"
    models: {}
`},
		{"negative rate", `
pricing:
  - version: "2026-07"
    models:
      gpt-4o:
        input_per_k: -1
`},
		{"missing version", `
pricing:
  - models: {}
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := config.Load(writeConfig(t, tt.yaml)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("METERD_SERVER_PORT", "7070")
	t.Setenv("METERD_LOG_LEVEL", "warn")

	cfg, err := config.Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Port = %d, env override lost", cfg.Server.Port)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Level = %q, env override lost", cfg.Logging.Level)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_DB_PATH", "/tmp/expanded.db")
	content := strings.Replace(sampleConfig, "dsn: test.db", "dsn: ${TEST_DB_PATH}", 1)

	cfg, err := config.Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.DSN != "/tmp/expanded.db" {
		t.Errorf("DSN = %q", cfg.Database.DSN)
	}
}

func TestPricingRegistry(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	r, err := cfg.PricingRegistry()
	if err != nil {
		t.Fatalf("PricingRegistry: %v", err)
	}
	if r.Active().Version != "2026-07" {
		t.Errorf("Active = %q, want latest version", r.Active().Version)
	}
	rates := r.Active().Models["gpt-4o"]
	if rates.InputPerK.Units != 200 { // $2.00
		t.Errorf("InputPerK = %d, want 200", rates.InputPerK.Units)
	}
}

func TestQuotaDefaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	q := cfg.QuotaDefaults()
	if q.MonthlyLimitUSD.Units != 20000 {
		t.Errorf("MonthlyLimitUSD = %d, want 20000", q.MonthlyLimitUSD.Units)
	}
	if q.DailyLimitUSD.Units != 2500 {
		t.Errorf("DailyLimitUSD = %d, want 2500", q.DailyLimitUSD.Units)
	}
}
