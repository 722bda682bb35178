// Package app wires domain logic to ports: the FX cache, the cost
// resolver and the asynchronous usage tracker.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/meterd/adapters/metrics"
	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

// ErrFxUnavailable is returned when no rate has ever been cached for a
// pair and a fresh fetch failed.
var ErrFxUnavailable = errors.New("fx rate unavailable")

// DefaultFxTTL is the staleness threshold for cached rates.
const DefaultFxTTL = 24 * time.Hour

// FxCache is an explicitly owned per-pair exchange-rate cache.
// A fresh entry is served without fetching; a stale entry triggers one
// fetch and is replaced; a failed fetch falls back to the last-known
// rate (degraded but available).
type FxCache struct {
	source ports.RateSource
	clock  ports.Clock
	ttl    time.Duration
	logger zerolog.Logger
	meter  *metrics.Collector

	mu    sync.Mutex
	rates map[string]usage.FxSnapshot
}

// NewFxCache creates an FX cache. ttl <= 0 selects DefaultFxTTL.
func NewFxCache(source ports.RateSource, clock ports.Clock, ttl time.Duration, logger zerolog.Logger, meter *metrics.Collector) *FxCache {
	if ttl <= 0 {
		ttl = DefaultFxTTL
	}
	return &FxCache{
		source: source,
		clock:  clock,
		ttl:    ttl,
		logger: logger.With().Str("component", "fxcache").Logger(),
		meter:  meter,
		rates:  make(map[string]usage.FxSnapshot),
	}
}

// Snapshot returns the rate for base->quote, fetching only when the
// cached entry is missing or older than the TTL.
func (c *FxCache) Snapshot(ctx context.Context, base, quote string) (usage.FxSnapshot, error) {
	base = strings.ToUpper(base)
	quote = strings.ToUpper(quote)
	now := c.clock.Now()

	if base == quote {
		return usage.FxSnapshot{Base: base, Quote: quote, Rate: 1.0, AsOf: now}, nil
	}

	key := base + ":" + quote

	c.mu.Lock()
	defer c.mu.Unlock()

	cached, ok := c.rates[key]
	if ok && now.Sub(cached.AsOf) <= c.ttl {
		if c.meter != nil {
			c.meter.FxCacheHits.Inc()
		}
		return cached, nil
	}

	rate, err := c.source.Rate(ctx, base, quote)
	if err != nil {
		if c.meter != nil {
			c.meter.FxFetches.WithLabelValues("error").Inc()
		}
		if ok {
			// Serve the stale rate rather than losing the event's cost.
			c.logger.Warn().Err(err).Str("pair", key).
				Time("as_of", cached.AsOf).Msg("fx fetch failed, serving last-known rate")
			return cached, nil
		}
		return usage.FxSnapshot{}, fmt.Errorf("%w: %s: %v", ErrFxUnavailable, key, err)
	}
	if c.meter != nil {
		c.meter.FxFetches.WithLabelValues("ok").Inc()
	}

	snap := usage.FxSnapshot{Base: base, Quote: quote, Rate: rate, AsOf: now}
	c.rates[key] = snap
	return snap, nil
}
