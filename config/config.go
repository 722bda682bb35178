// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/artpar/meterd/domain/money"
	"github.com/artpar/meterd/domain/pricing"
	"github.com/artpar/meterd/domain/quota"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Fx       FxConfig       `yaml:"fx"`
	Quota    QuotaConfig    `yaml:"quota"`
	Pricing  []TableConfig  `yaml:"pricing"`
	Dedup    DedupConfig    `yaml:"dedup"`
	Cache    CacheConfig    `yaml:"cache"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DatabaseConfig configures the aggregate store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	DSN    string `yaml:"dsn"`
}

// DispatchConfig configures the worker pool and retry policy.
type DispatchConfig struct {
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queue_size"`
	FullPolicy  string        `yaml:"full_policy"` // drop_oldest or block
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
}

// FxConfig configures the exchange-rate source and cache.
type FxConfig struct {
	URL     string             `yaml:"url"`
	TTL     time.Duration      `yaml:"ttl"`
	Timeout time.Duration      `yaml:"timeout"`
	Pinned  map[string]float64 `yaml:"pinned,omitempty"` // "BASE:QUOTE" -> rate; used when url is empty
}

// QuotaConfig configures the default cost limits.
type QuotaConfig struct {
	MonthlyLimitUSD float64 `yaml:"monthly_limit_usd"`
	DailyLimitUSD   float64 `yaml:"daily_limit_usd"`
	SoftLimitPct    float64 `yaml:"soft_limit_pct"`
}

// TableConfig configures one pricing table version.
type TableConfig struct {
	Version string                 `yaml:"version"`
	Models  map[string]RatesConfig `yaml:"models"`
	Default *RatesConfig           `yaml:"default,omitempty"`
}

// RatesConfig prices one model in USD per 1000 tokens.
type RatesConfig struct {
	InputPerK  float64 `yaml:"input_per_k"`
	OutputPerK float64 `yaml:"output_per_k"`
	CachedPerK float64 `yaml:"cached_per_k"`
}

// DedupConfig configures dedup record retention.
type DedupConfig struct {
	Retention   time.Duration `yaml:"retention"`
	GCInterval  time.Duration `yaml:"gc_interval"`
	DecisionTTL time.Duration `yaml:"decision_ttl"`
}

// CacheConfig configures the optional Redis decision cache.
type CacheConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

// LoggingConfig configures logging output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("METERD_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("METERD_SERVER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("METERD_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("METERD_FX_URL"); v != "" {
		cfg.Fx.URL = v
	}
	if v := os.Getenv("METERD_REDIS_ADDR"); v != "" {
		cfg.Cache.Enabled = true
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("METERD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "meterd.db"
	}
	if cfg.Dispatch.Workers == 0 {
		cfg.Dispatch.Workers = 4
	}
	if cfg.Dispatch.QueueSize == 0 {
		cfg.Dispatch.QueueSize = 1024
	}
	if cfg.Dispatch.FullPolicy == "" {
		cfg.Dispatch.FullPolicy = "drop_oldest"
	}
	if cfg.Dispatch.MaxAttempts == 0 {
		cfg.Dispatch.MaxAttempts = 5
	}
	if cfg.Dispatch.BaseBackoff == 0 {
		cfg.Dispatch.BaseBackoff = 25 * time.Millisecond
	}
	if cfg.Fx.TTL == 0 {
		cfg.Fx.TTL = 24 * time.Hour
	}
	if cfg.Fx.Timeout == 0 {
		cfg.Fx.Timeout = 10 * time.Second
	}
	if cfg.Quota.SoftLimitPct == 0 {
		cfg.Quota.SoftLimitPct = quota.DefaultSoftLimitPct
	}
	if cfg.Dedup.Retention == 0 {
		cfg.Dedup.Retention = 45 * 24 * time.Hour
	}
	if cfg.Dedup.GCInterval == 0 {
		cfg.Dedup.GCInterval = time.Hour
	}
	if cfg.Dedup.DecisionTTL == 0 {
		cfg.Dedup.DecisionTTL = 5 * time.Minute
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func validate(cfg *Config) error {
	switch cfg.Database.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
	switch cfg.Dispatch.FullPolicy {
	case "drop_oldest", "block":
	default:
		return fmt.Errorf("unknown dispatch full_policy %q", cfg.Dispatch.FullPolicy)
	}
	if len(cfg.Pricing) == 0 {
		return fmt.Errorf("at least one pricing table is required")
	}
	for _, t := range cfg.Pricing {
		if t.Version == "" {
			return fmt.Errorf("pricing table missing version")
		}
		for model, r := range t.Models {
			if r.InputPerK < 0 || r.OutputPerK < 0 || r.CachedPerK < 0 {
				return fmt.Errorf("pricing %s/%s: negative rate", t.Version, model)
			}
		}
	}
	if cfg.Quota.MonthlyLimitUSD < 0 || cfg.Quota.DailyLimitUSD < 0 {
		return fmt.Errorf("quota limits must be non-negative")
	}
	if cfg.Cache.Enabled && cfg.Cache.Addr == "" {
		return fmt.Errorf("cache enabled but addr missing")
	}
	return nil
}

// PricingRegistry builds the pricing registry from the configured tables.
func (c *Config) PricingRegistry() (*pricing.Registry, error) {
	tables := make([]pricing.Table, 0, len(c.Pricing))
	for _, tc := range c.Pricing {
		t := pricing.Table{
			Version:  tc.Version,
			Currency: "USD",
			Models:   make(map[string]pricing.ModelRates, len(tc.Models)),
		}
		for model, r := range tc.Models {
			t.Models[model] = toRates(r)
		}
		if tc.Default != nil {
			d := toRates(*tc.Default)
			t.Default = &d
		}
		tables = append(tables, t)
	}
	return pricing.NewRegistry(tables...)
}

func toRates(r RatesConfig) pricing.ModelRates {
	return pricing.ModelRates{
		InputPerK:  money.FromMajor(r.InputPerK, "USD"),
		OutputPerK: money.FromMajor(r.OutputPerK, "USD"),
		CachedPerK: money.FromMajor(r.CachedPerK, "USD"),
	}
}

// QuotaDefaults converts the configured limits to a domain quota config.
func (c *Config) QuotaDefaults() quota.Config {
	return quota.Config{
		MonthlyLimitUSD: money.FromMajor(c.Quota.MonthlyLimitUSD, "USD"),
		DailyLimitUSD:   money.FromMajor(c.Quota.DailyLimitUSD, "USD"),
		SoftLimitPct:    c.Quota.SoftLimitPct,
	}
}
