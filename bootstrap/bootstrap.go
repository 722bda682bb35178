// Package bootstrap wires adapters, services and the HTTP server into
// a runnable application.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/artpar/meterd/adapters/clock"
	httpapi "github.com/artpar/meterd/adapters/http"
	"github.com/artpar/meterd/adapters/idgen"
	"github.com/artpar/meterd/adapters/memory"
	"github.com/artpar/meterd/adapters/metrics"
	"github.com/artpar/meterd/adapters/redis"
	"github.com/artpar/meterd/adapters/sqlite"
	"github.com/artpar/meterd/app"
	"github.com/artpar/meterd/config"
	"github.com/artpar/meterd/ports"

	fxadapter "github.com/artpar/meterd/adapters/fx"
)

// App holds the wired application.
type App struct {
	Logger     zerolog.Logger
	Tracker    *app.Tracker
	Resolver   *app.CostResolver
	HTTPServer *http.Server

	holder *config.Holder
	db     *sqlite.DB
	stopGC func()
}

// New wires an application from configuration.
func New(cfg *config.Config) (*App, error) {
	return build(cfg, nil)
}

// NewWithHotReload wires an application whose pricing table and quota
// defaults follow the config file.
func NewWithHotReload(path string) (*App, error) {
	logger := baseLogger(nil)
	holder, err := config.NewHolder(path, logger)
	if err != nil {
		return nil, err
	}
	a, err := build(holder.Get(), holder)
	if err != nil {
		return nil, err
	}
	if err := holder.WatchFile(); err != nil {
		a.Logger.Warn().Err(err).Msg("config file watch unavailable")
	}
	holder.WatchSignals()
	return a, nil
}

func build(cfg *config.Config, holder *config.Holder) (*App, error) {
	logger := baseLogger(cfg)

	registry, err := cfg.PricingRegistry()
	if err != nil {
		return nil, fmt.Errorf("pricing: %w", err)
	}

	clk := clock.Real{}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	meter := metrics.New(reg)

	var (
		store ports.UsageStore
		elog  ports.EventLog
		db    *sqlite.DB
	)
	switch cfg.Database.Driver {
	case "memory":
		store = memory.NewUsageStore()
		elog = memory.NewEventLog()
	default:
		db, err = sqlite.Open(cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		store = sqlite.NewUsageStore(db)
		elog = sqlite.NewEventLog(db, clk)
	}

	var rates ports.RateSource
	if cfg.Fx.URL != "" {
		rates = fxadapter.NewHTTP(cfg.Fx.URL, cfg.Fx.Timeout, logger)
	} else {
		rates = fxadapter.NewStatic(cfg.Fx.Pinned)
	}
	fxCache := app.NewFxCache(rates, clk, cfg.Fx.TTL, logger, meter)
	resolver := app.NewCostResolver(registry, fxCache, logger)

	var cache ports.DecisionCache
	if cfg.Cache.Enabled {
		client, err := redis.Connect(context.Background(), cfg.Cache.Addr, cfg.Cache.Password, cfg.Cache.DB)
		if err != nil {
			// The cache is an optimization; the store remains the
			// source of truth for pre-checks.
			logger.Warn().Err(err).Str("addr", cfg.Cache.Addr).Msg("decision cache unavailable, falling back to store reads")
		} else {
			cache = redis.NewDecisionCache(client)
		}
	}

	tracker := app.NewTracker(store, elog, cache, clk, meter, logger, app.TrackerConfig{
		Workers:     cfg.Dispatch.Workers,
		QueueSize:   cfg.Dispatch.QueueSize,
		FullPolicy:  cfg.Dispatch.FullPolicy,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		BaseBackoff: cfg.Dispatch.BaseBackoff,
		DecisionTTL: cfg.Dedup.DecisionTTL,
		Quota:       cfg.QuotaDefaults(),
	})
	stopGC := tracker.StartDedupGC(cfg.Dedup.GCInterval, cfg.Dedup.Retention)

	handler := httpapi.NewHandler(tracker, resolver, idgen.UUID{}, logger)
	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		gatherer = reg
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler.Router(gatherer, cfg.Metrics.Path),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	a := &App{
		Logger:     logger,
		Tracker:    tracker,
		Resolver:   resolver,
		HTTPServer: server,
		holder:     holder,
		db:         db,
		stopGC:     stopGC,
	}

	if holder != nil {
		holder.OnChange(func(next *config.Config) {
			if registry, err := next.PricingRegistry(); err == nil {
				resolver.Reload(registry)
			} else {
				logger.Error().Err(err).Msg("pricing reload rejected")
			}
		})
	}

	return a, nil
}

// Run starts the HTTP server and blocks until shutdown.
func (a *App) Run() error {
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", a.HTTPServer.Addr).Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	return a.Shutdown()
}

// Shutdown gracefully stops the application: stop ingesting, drain the
// queue, then release storage.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
		}
	}

	if a.stopGC != nil {
		a.stopGC()
	}

	if a.Tracker != nil {
		if err := a.Tracker.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("tracker close error")
		}
	}

	if a.holder != nil {
		a.holder.Stop()
	}

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("database close error")
		}
	}

	a.Logger.Info().Msg("shutdown complete")
	return nil
}

func baseLogger(cfg *config.Config) zerolog.Logger {
	level := zerolog.InfoLevel
	format := "json"
	if cfg != nil {
		if l, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
			level = l
		}
		format = cfg.Logging.Format
	}

	var logger zerolog.Logger
	if format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("service", "meterd").Logger()
}
