// Package pricing provides versioned per-model token pricing tables.
// Rates are fixed-point amounts per 1000 tokens; cost computation is
// pure. Every computed cost carries the table version that produced it
// so historical events stay interpretable after price changes.
package pricing

import (
	"errors"
	"fmt"
	"sort"

	"github.com/artpar/meterd/domain/money"
	"github.com/artpar/meterd/domain/usage"
)

// ErrUnknownModel is returned when a model has no rates and the table
// has no default entry. Callers record the event with zero cost and the
// unresolved flag rather than dropping it.
var ErrUnknownModel = errors.New("pricing: unknown model")

// ModelRates prices one model, per 1000 tokens of each type.
type ModelRates struct {
	InputPerK  money.Amount `json:"input_per_k"`
	OutputPerK money.Amount `json:"output_per_k"`
	CachedPerK money.Amount `json:"cached_per_k"`
}

// Table is one immutable pricing version.
type Table struct {
	Version  string                `json:"version"`
	Currency string                `json:"currency"`
	Models   map[string]ModelRates `json:"models"`
	Default  *ModelRates           `json:"default,omitempty"`
}

// Cost computes the cost of a token count for a model.
// Cached tokens are priced at the cached rate and excluded from the
// input rate. This is a PURE function.
func (t Table) Cost(tokens usage.TokenCounts, model string) (money.Amount, error) {
	rates, ok := t.Models[model]
	if !ok {
		if t.Default == nil {
			return money.Zero(t.Currency), fmt.Errorf("%w: %q (version %s)", ErrUnknownModel, model, t.Version)
		}
		rates = *t.Default
	}

	input := tokens.Input - tokens.Cached
	if input < 0 {
		input = 0
	}

	units := perK(rates.InputPerK, input) +
		perK(rates.OutputPerK, tokens.Output) +
		perK(rates.CachedPerK, tokens.Cached)
	return money.New(units, t.Currency), nil
}

// perK charges rate per 1000 tokens with half-up rounding in minor units.
func perK(rate money.Amount, tokens int64) int64 {
	if tokens <= 0 || rate.Units == 0 {
		return 0
	}
	return (rate.Units*tokens + 500) / 1000
}

// Registry holds all known pricing versions.
type Registry struct {
	tables map[string]Table
	active string
}

// NewRegistry builds a registry from tables. The active version is the
// lexicographically greatest version tag (versions are date-tagged,
// e.g. "2025-07").
func NewRegistry(tables ...Table) (*Registry, error) {
	if len(tables) == 0 {
		return nil, errors.New("pricing: no tables")
	}
	r := &Registry{tables: make(map[string]Table, len(tables))}
	versions := make([]string, 0, len(tables))
	for _, t := range tables {
		if t.Version == "" {
			return nil, errors.New("pricing: table missing version")
		}
		if _, dup := r.tables[t.Version]; dup {
			return nil, fmt.Errorf("pricing: duplicate version %q", t.Version)
		}
		r.tables[t.Version] = t
		versions = append(versions, t.Version)
	}
	sort.Strings(versions)
	r.active = versions[len(versions)-1]
	return r, nil
}

// Active returns the current pricing table.
func (r *Registry) Active() Table {
	return r.tables[r.active]
}

// Version returns the table for a historical version tag.
func (r *Registry) Version(tag string) (Table, bool) {
	t, ok := r.tables[tag]
	return t, ok
}

// Versions lists all known version tags, sorted ascending.
func (r *Registry) Versions() []string {
	out := make([]string, 0, len(r.tables))
	for v := range r.tables {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
