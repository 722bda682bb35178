package usage

import (
	"time"

	"github.com/montanaflynn/stats"

	"github.com/artpar/meterd/domain/money"
	"github.com/artpar/meterd/domain/quota"
)

// ReservoirCapacity bounds the latency sample kept on an aggregate.
const ReservoirCapacity = 128

// Breakdown accumulates usage for one endpoint, provider or model key.
type Breakdown struct {
	Requests int64        `json:"requests"`
	Tokens   TokenCounts  `json:"tokens"`
	Cost     money.Amount `json:"cost"`
	CostUSD  money.Amount `json:"cost_usd"`
}

// Totals holds the headline usage counters of an aggregate.
type Totals struct {
	Requests  int64        `json:"requests"`
	CacheHits int64        `json:"cache_hits"`
	Tokens    TokenCounts  `json:"tokens"`
	Cost      money.Amount `json:"cost"`
	CostUSD   money.Amount `json:"cost_usd"`
}

// Stats holds running error and latency statistics.
// LatencySample is a bounded reservoir of recent latencies; P95LatencyMs
// is an approximation over that sample, not an exact distribution.
type Stats struct {
	ErrorCount    int64     `json:"error_count"`
	LastErrorAt   time.Time `json:"last_error_at,omitempty"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	P95LatencyMs  float64   `json:"p95_latency_ms"`
	LatencySample []float64 `json:"latency_sample,omitempty"`
	LatencySeen   int64     `json:"latency_seen"`
}

// observe folds one latency measurement into the running statistics.
func (s Stats) observe(latencyMs int64) Stats {
	v := float64(latencyMs)

	// Incremental running average over every observation.
	s.AvgLatencyMs = (s.AvgLatencyMs*float64(s.LatencySeen) + v) / float64(s.LatencySeen+1)
	s.LatencySeen++

	// Bounded reservoir: ring replacement once full keeps the sample
	// weighted toward recent traffic.
	sample := make([]float64, len(s.LatencySample), ReservoirCapacity)
	copy(sample, s.LatencySample)
	if len(sample) < ReservoirCapacity {
		sample = append(sample, v)
	} else {
		sample[int((s.LatencySeen-1)%ReservoirCapacity)] = v
	}
	s.LatencySample = sample

	if p95, err := stats.Percentile(stats.Float64Data(sample), 95); err == nil {
		s.P95LatencyMs = p95
	} else {
		s.P95LatencyMs = v
	}
	return s
}

// Credits tracks prepaid token balances. Bonus tokens drain before paid.
type Credits struct {
	PaidTokens     int64 `json:"paid_tokens"`
	BonusTokens    int64 `json:"bonus_tokens"`
	PaidRemaining  int64 `json:"paid_remaining"`
	BonusRemaining int64 `json:"bonus_remaining"`
}

// consume drains the balances by the given token count.
func (c Credits) consume(tokens int64) Credits {
	if tokens <= 0 {
		return c
	}
	fromBonus := tokens
	if fromBonus > c.BonusRemaining {
		fromBonus = c.BonusRemaining
	}
	c.BonusRemaining -= fromBonus
	fromPaid := tokens - fromBonus
	if fromPaid > c.PaidRemaining {
		fromPaid = c.PaidRemaining
	}
	c.PaidRemaining -= fromPaid
	return c
}

// DayTotal tracks the reference-currency spend for the current UTC day.
// It resets when an event lands on a different day, so daily quota
// checks need no extra document.
type DayTotal struct {
	Day     string       `json:"day,omitempty"`
	CostUSD money.Amount `json:"cost_usd"`
}

// Lifetime is the per-user running aggregate. One document per user,
// mutated only through Apply inside an idempotency-guarded transaction.
type Lifetime struct {
	UserID        string    `json:"user_id"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	LastRequestAt time.Time `json:"last_request_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`

	Totals    Totals               `json:"totals"`
	Endpoints map[string]Breakdown `json:"endpoints,omitempty"`
	Providers map[string]Breakdown `json:"providers,omitempty"`
	Models    map[string]Breakdown `json:"models,omitempty"`
	Stats     Stats                `json:"stats"`
	Credits   Credits              `json:"credits"`
	Today     DayTotal             `json:"today"`

	Plan     PlanSnapshot   `json:"plan,omitempty"`
	Client   ClientMeta     `json:"client,omitempty"`
	Fx       FxSnapshot     `json:"fx,omitempty"`
	Quota    quota.Config   `json:"quota,omitempty"`
	Throttle quota.Decision `json:"throttle,omitempty"`
}

// Monthly is the per-user per-calendar-month aggregate, created lazily
// on the first event of the month and never merged across months.
type Monthly struct {
	UserID        string    `json:"user_id"`
	Month         string    `json:"month"` // "2006-01", UTC
	StartedAt     time.Time `json:"started_at,omitempty"`
	LastRequestAt time.Time `json:"last_request_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`

	Totals    Totals               `json:"totals"`
	Endpoints map[string]Breakdown `json:"endpoints,omitempty"`
	Providers map[string]Breakdown `json:"providers,omitempty"`
	Models    map[string]Breakdown `json:"models,omitempty"`
	Stats     Stats                `json:"stats"`
}

// NewLifetime returns an empty lifetime aggregate for a user.
func NewLifetime(userID string) Lifetime {
	return Lifetime{UserID: userID}
}

// NewMonthly returns an empty monthly aggregate for a user and month key.
func NewMonthly(userID, month string) Monthly {
	return Monthly{UserID: userID, Month: month}
}

// Apply folds one event into copies of the lifetime and monthly
// aggregates. This is a PURE function: the inputs are not mutated, and
// applying the same event twice would double-count - exactly-once is
// the idempotency guard's responsibility, not Apply's.
func Apply(lt Lifetime, m Monthly, e Event) (Lifetime, Monthly) {
	lt = cloneLifetime(lt)
	m = cloneMonthly(m)

	if lt.UserID == "" {
		lt.UserID = e.UserID
	}
	if lt.StartedAt.IsZero() {
		lt.StartedAt = e.Timestamp
	}
	lt.LastRequestAt = e.Timestamp
	lt.UpdatedAt = e.Timestamp
	lt.Totals = addTotals(lt.Totals, e)
	lt.Endpoints = bump(lt.Endpoints, e.Endpoint, e)
	lt.Providers = bump(lt.Providers, e.Provider, e)
	lt.Models = bump(lt.Models, e.Model, e)
	lt.Stats = addStats(lt.Stats, e)
	lt.Credits = lt.Credits.consume(e.Tokens.Total)
	lt.Today = addDay(lt.Today, e)
	lt.Plan = e.Plan
	lt.Client = lastSeen(lt.Client, e.Client)
	if !e.Fx.AsOf.IsZero() {
		lt.Fx = e.Fx
	}

	if m.UserID == "" {
		m.UserID = e.UserID
	}
	if m.Month == "" {
		m.Month = e.Month()
	}
	if m.StartedAt.IsZero() {
		start, _ := quota.MonthBounds(e.Timestamp)
		m.StartedAt = start
	}
	m.LastRequestAt = e.Timestamp
	m.UpdatedAt = e.Timestamp
	m.Totals = addTotals(m.Totals, e)
	m.Endpoints = bump(m.Endpoints, e.Endpoint, e)
	m.Providers = bump(m.Providers, e.Provider, e)
	m.Models = bump(m.Models, e.Model, e)
	m.Stats = addStats(m.Stats, e)

	return lt, m
}

func addTotals(t Totals, e Event) Totals {
	t.Requests++
	t.Tokens = t.Tokens.Add(e.Tokens)
	if e.IsCacheHit {
		t.CacheHits++
	}
	t.Cost = t.Cost.MustAdd(e.Cost)
	t.CostUSD = t.CostUSD.MustAdd(e.CostUSD)
	return t
}

func addStats(s Stats, e Event) Stats {
	if e.Status == StatusError {
		s.ErrorCount++
		s.LastErrorAt = e.Timestamp
	}
	return s.observe(e.LatencyMs)
}

func addDay(d DayTotal, e Event) DayTotal {
	day := e.Day()
	if d.Day != day {
		d = DayTotal{Day: day, CostUSD: money.Zero(e.CostUSD.Currency)}
	}
	d.CostUSD = d.CostUSD.MustAdd(e.CostUSD)
	return d
}

func bump(m map[string]Breakdown, key string, e Event) map[string]Breakdown {
	if key == "" {
		return m
	}
	if m == nil {
		m = make(map[string]Breakdown)
	}
	b := m[key]
	b.Requests++
	b.Tokens = b.Tokens.Add(e.Tokens)
	b.Cost = b.Cost.MustAdd(e.Cost)
	b.CostUSD = b.CostUSD.MustAdd(e.CostUSD)
	m[key] = b
	return m
}

func lastSeen(prev, next ClientMeta) ClientMeta {
	if next.Platform != "" {
		prev.Platform = next.Platform
	}
	if next.AppVersion != "" {
		prev.AppVersion = next.AppVersion
	}
	if next.Country != "" {
		prev.Country = next.Country
	}
	prev.IPCountryMismatch = next.IPCountryMismatch
	return prev
}

func cloneLifetime(lt Lifetime) Lifetime {
	lt.Endpoints = cloneBreakdowns(lt.Endpoints)
	lt.Providers = cloneBreakdowns(lt.Providers)
	lt.Models = cloneBreakdowns(lt.Models)
	lt.Stats.LatencySample = append([]float64(nil), lt.Stats.LatencySample...)
	return lt
}

func cloneMonthly(m Monthly) Monthly {
	m.Endpoints = cloneBreakdowns(m.Endpoints)
	m.Providers = cloneBreakdowns(m.Providers)
	m.Models = cloneBreakdowns(m.Models)
	m.Stats.LatencySample = append([]float64(nil), m.Stats.LatencySample...)
	return m
}

func cloneBreakdowns(in map[string]Breakdown) map[string]Breakdown {
	if in == nil {
		return nil
	}
	out := make(map[string]Breakdown, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
