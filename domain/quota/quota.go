// Package quota provides pure functions for cost-quota evaluation.
// All functions are deterministic with no side effects. Evaluation only
// computes and records a throttling signal; rejecting requests is the
// caller's policy decision.
package quota

import (
	"time"

	"github.com/artpar/meterd/domain/money"
)

// Block reasons attached to a throttled decision.
const (
	ReasonMonthlyLimit = "monthly_limit"
	ReasonDailyLimit   = "daily_limit"
)

// DefaultSoftLimitPct is the fraction of a hard limit at which the
// soft-limit warning flag is raised.
const DefaultSoftLimitPct = 0.8

// Config holds a user's cost limits in the reference currency (value type).
// A zero limit means unlimited for that scope.
type Config struct {
	MonthlyLimitUSD money.Amount `json:"monthly_limit_usd"`
	DailyLimitUSD   money.Amount `json:"daily_limit_usd"`
	SoftLimitPct    float64      `json:"soft_limit_pct,omitempty"`
}

// Decision is the computed throttling signal (value type).
type Decision struct {
	SoftLimitReached bool      `json:"soft_limit_reached,omitempty"`
	IsThrottled      bool      `json:"is_throttled,omitempty"`
	BlockReason      string    `json:"block_reason,omitempty"`
	BlockedUntil     time.Time `json:"blocked_until,omitempty"`
}

// Evaluate compares updated cumulative costs against the configured
// limits. monthUSD and dayUSD are the reference-currency totals for the
// active month and day scopes after the current event was applied.
// This is a PURE function.
//
// Policy: a monthly breach wins over a daily breach; the soft flag is
// raised at SoftLimitPct of either hard limit and never blocks.
func Evaluate(monthUSD, dayUSD money.Amount, cfg Config, now time.Time) Decision {
	softPct := cfg.SoftLimitPct
	if softPct <= 0 {
		softPct = DefaultSoftLimitPct
	}

	var d Decision

	if limited(cfg.MonthlyLimitUSD) {
		if monthUSD.Units > cfg.MonthlyLimitUSD.Units {
			d.IsThrottled = true
			d.BlockReason = ReasonMonthlyLimit
			_, d.BlockedUntil = MonthBounds(now)
		}
		if float64(monthUSD.Units) >= softPct*float64(cfg.MonthlyLimitUSD.Units) {
			d.SoftLimitReached = true
		}
	}

	if !d.IsThrottled && limited(cfg.DailyLimitUSD) {
		if dayUSD.Units > cfg.DailyLimitUSD.Units {
			d.IsThrottled = true
			d.BlockReason = ReasonDailyLimit
			_, d.BlockedUntil = DayBounds(now)
		}
		if float64(dayUSD.Units) >= softPct*float64(cfg.DailyLimitUSD.Units) {
			d.SoftLimitReached = true
		}
	}

	return d
}

// Expired reports whether a block has lapsed at the given time.
func (d Decision) Expired(now time.Time) bool {
	return d.IsThrottled && !d.BlockedUntil.IsZero() && !now.Before(d.BlockedUntil)
}

func limited(a money.Amount) bool {
	return a.Units > 0
}

// MonthBounds returns the UTC start of the month containing t and the
// first instant of the next month. This is a PURE function.
func MonthBounds(t time.Time) (start, next time.Time) {
	u := t.UTC()
	start = time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
	next = start.AddDate(0, 1, 0)
	return
}

// DayBounds returns the UTC start of the day containing t and the first
// instant of the next day. This is a PURE function.
func DayBounds(t time.Time) (start, next time.Time) {
	u := t.UTC()
	start = time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	next = start.AddDate(0, 0, 1)
	return
}
