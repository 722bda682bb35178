package app

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/artpar/meterd/domain/money"
	"github.com/artpar/meterd/domain/pricing"
	"github.com/artpar/meterd/domain/usage"
)

// ReferenceCurrency is the normalized currency all costs are compared in.
const ReferenceCurrency = "USD"

// Resolved is the outcome of one cost resolution.
type Resolved struct {
	Cost       money.Amount // in the user's currency
	CostUSD    money.Amount // in the reference currency
	Fx         usage.FxSnapshot
	Version    string // pricing table version that produced the cost
	Unresolved bool   // true when pricing or FX could not be resolved
}

// CostResolver computes the monetary cost of a usage event from token
// counts, the active pricing table and a cached exchange rate.
// A resolution failure never blocks the event: the caller records zero
// cost with the unresolved flag set.
type CostResolver struct {
	mu       sync.RWMutex
	registry *pricing.Registry
	fx       *FxCache
	logger   zerolog.Logger
}

// NewCostResolver creates a cost resolver.
func NewCostResolver(registry *pricing.Registry, fx *FxCache, logger zerolog.Logger) *CostResolver {
	return &CostResolver{
		registry: registry,
		fx:       fx,
		logger:   logger.With().Str("component", "cost").Logger(),
	}
}

// Reload swaps the pricing registry. Called on config hot reload;
// in-flight resolutions keep the table they already read.
func (r *CostResolver) Reload(registry *pricing.Registry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registry = registry
}

// ActiveVersion returns the version tag of the current pricing table.
func (r *CostResolver) ActiveVersion() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.registry.Active().Version
}

// Resolve computes native and reference-currency cost for a token count.
func (r *CostResolver) Resolve(ctx context.Context, tokens usage.TokenCounts, model, userCurrency string) Resolved {
	r.mu.RLock()
	table := r.registry.Active()
	r.mu.RUnlock()

	if userCurrency == "" {
		userCurrency = ReferenceCurrency
	}

	usd, err := table.Cost(tokens.Normalize(), model)
	if err != nil {
		if !errors.Is(err, pricing.ErrUnknownModel) {
			r.logger.Error().Err(err).Str("model", model).Msg("cost computation failed")
		} else {
			r.logger.Warn().Str("model", model).Str("version", table.Version).Msg("no pricing for model, recording unresolved cost")
		}
		return Resolved{
			Cost:       money.Zero(userCurrency),
			CostUSD:    money.Zero(ReferenceCurrency),
			Version:    table.Version,
			Unresolved: true,
		}
	}

	fxSnap, err := r.fx.Snapshot(ctx, ReferenceCurrency, userCurrency)
	if err != nil {
		// No rate was ever cached for this pair. The USD figure is
		// still good; only the native conversion is unresolved.
		r.logger.Warn().Err(err).Str("currency", userCurrency).Msg("fx unavailable, recording unresolved native cost")
		return Resolved{
			Cost:       money.Zero(userCurrency),
			CostUSD:    usd,
			Version:    table.Version,
			Unresolved: true,
		}
	}

	return Resolved{
		Cost:    usd.Convert(userCurrency, fxSnap.Rate),
		CostUSD: usd,
		Fx:      fxSnap,
		Version: table.Version,
	}
}
