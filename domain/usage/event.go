// Package usage provides usage event and aggregate types for metering
// generative-AI provider calls. Types are immutable values; aggregate
// application is pure - no side effects.
package usage

import (
	"fmt"
	"time"

	"github.com/artpar/meterd/domain/money"
	"github.com/artpar/meterd/domain/quota"
)

// Status classifies the outcome of a provider call.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// TokenCounts holds the measured token usage of one call.
type TokenCounts struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
	Cached int64 `json:"cached"`
}

// Normalize fills Total from Input+Output when the provider did not
// report it.
func (t TokenCounts) Normalize() TokenCounts {
	if t.Total == 0 {
		t.Total = t.Input + t.Output
	}
	return t
}

// Valid reports whether all counts are non-negative.
func (t TokenCounts) Valid() bool {
	return t.Input >= 0 && t.Output >= 0 && t.Total >= 0 && t.Cached >= 0
}

// Add returns element-wise t + o.
func (t TokenCounts) Add(o TokenCounts) TokenCounts {
	return TokenCounts{
		Input:  t.Input + o.Input,
		Output: t.Output + o.Output,
		Total:  t.Total + o.Total,
		Cached: t.Cached + o.Cached,
	}
}

// PlanSnapshot captures the subscription plan at event time.
// It is never recomputed after the event is finalized.
type PlanSnapshot struct {
	ID            string       `json:"id"`
	Name          string       `json:"name,omitempty"`
	PriceMonthly  money.Amount `json:"price_monthly"`
	CommissionPct float64      `json:"commission_pct,omitempty"`
	TaxPct        float64      `json:"tax_pct,omitempty"`
}

// FxSnapshot records the exchange rate used for a conversion.
type FxSnapshot struct {
	Base  string    `json:"base"`
	Quote string    `json:"quote"`
	Rate  float64   `json:"rate"`
	AsOf  time.Time `json:"as_of"`
}

// ClientMeta carries client-reported request metadata.
type ClientMeta struct {
	Platform          string `json:"platform,omitempty"`
	AppVersion        string `json:"app_version,omitempty"`
	Country           string `json:"country,omitempty"`
	IPCountryMismatch bool   `json:"ip_country_mismatch,omitempty"`
}

// Event is one immutable record of a single provider call.
// An Event for a given RequestID is written once and never mutated.
type Event struct {
	RequestID string    `json:"request_id"`
	UserID    string    `json:"user_id"`
	Endpoint  string    `json:"endpoint"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Plan   PlanSnapshot `json:"plan"`
	Client ClientMeta   `json:"client,omitempty"`

	Tokens     TokenCounts `json:"tokens"`
	IsCacheHit bool        `json:"is_cache_hit,omitempty"`
	LatencyMs  int64       `json:"latency_ms"`
	Status     Status      `json:"status"`
	ErrorCode  string      `json:"error_code,omitempty"`

	Cost           money.Amount `json:"cost"`
	CostUSD        money.Amount `json:"cost_usd"`
	CostUnresolved bool         `json:"cost_unresolved,omitempty"`
	Fx             FxSnapshot   `json:"fx,omitempty"`
	CostVersion    string       `json:"cost_version,omitempty"`

	Throttle quota.Decision `json:"throttle,omitempty"`
}

// Validate checks the invariants required before an event may be
// submitted for aggregation.
func (e Event) Validate() error {
	if e.RequestID == "" {
		return fmt.Errorf("event missing request id")
	}
	if e.UserID == "" {
		return fmt.Errorf("event %s: missing user id", e.RequestID)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("event %s: missing timestamp", e.RequestID)
	}
	if !e.Tokens.Valid() {
		return fmt.Errorf("event %s: negative token counts", e.RequestID)
	}
	if e.Status != StatusSuccess && e.Status != StatusError {
		return fmt.Errorf("event %s: unknown status %q", e.RequestID, e.Status)
	}
	if e.Cost.IsNegative() || e.CostUSD.IsNegative() {
		return fmt.Errorf("event %s: negative cost", e.RequestID)
	}
	return nil
}

// Month returns the calendar-month key ("2006-01", UTC) the event
// aggregates into.
func (e Event) Month() string {
	return MonthKey(e.Timestamp)
}

// Day returns the calendar-day key ("2006-01-02", UTC) used for the
// raw event log grouping.
func (e Event) Day() string {
	return DayKey(e.Timestamp)
}

// MonthKey formats a time as a UTC year-month key.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// DayKey formats a time as a UTC calendar-day key.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
