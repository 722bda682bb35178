package usage_test

import (
	"testing"
	"time"

	"github.com/artpar/meterd/domain/money"
	"github.com/artpar/meterd/domain/usage"
)

func TestApply_Totals(t *testing.T) {
	lt := usage.NewLifetime("user-1")
	m := usage.NewMonthly("user-1", "2026-07")

	e := validEvent()
	lt, m = usage.Apply(lt, m, e)

	e2 := validEvent()
	e2.RequestID = "req-2"
	e2.IsCacheHit = true
	e2.Timestamp = e.Timestamp.Add(time.Minute)
	lt, m = usage.Apply(lt, m, e2)

	if lt.Totals.Requests != 2 || m.Totals.Requests != 2 {
		t.Errorf("Requests = %d/%d, want 2/2", lt.Totals.Requests, m.Totals.Requests)
	}
	if lt.Totals.CacheHits != 1 {
		t.Errorf("CacheHits = %d, want 1", lt.Totals.CacheHits)
	}
	if lt.Totals.Tokens.Total != 300 {
		t.Errorf("Tokens.Total = %d, want 300", lt.Totals.Tokens.Total)
	}
	if lt.Totals.CostUSD.Units != 60 {
		t.Errorf("CostUSD = %d, want 60", lt.Totals.CostUSD.Units)
	}
	if !lt.LastRequestAt.Equal(e2.Timestamp) {
		t.Errorf("LastRequestAt = %v, want %v", lt.LastRequestAt, e2.Timestamp)
	}
	if !lt.StartedAt.Equal(e.Timestamp) {
		t.Errorf("StartedAt = %v, want first event", lt.StartedAt)
	}
}

func TestApply_Breakdowns(t *testing.T) {
	lt := usage.NewLifetime("user-1")
	m := usage.NewMonthly("user-1", "2026-07")

	a := validEvent()
	b := validEvent()
	b.RequestID = "req-2"
	b.Endpoint = "/v1/embeddings"
	b.Model = "text-embedding-3"

	lt, m = usage.Apply(lt, m, a)
	lt, m = usage.Apply(lt, m, b)

	if lt.Endpoints["/v1/chat"].Requests != 1 || lt.Endpoints["/v1/embeddings"].Requests != 1 {
		t.Errorf("endpoint breakdowns wrong: %+v", lt.Endpoints)
	}
	if lt.Providers["openai"].Requests != 2 {
		t.Errorf("provider breakdown = %d, want 2", lt.Providers["openai"].Requests)
	}
	if m.Models["gpt-4o"].Tokens.Total != 150 {
		t.Errorf("model tokens = %d, want 150", m.Models["gpt-4o"].Tokens.Total)
	}
}

func TestApply_ErrorStats(t *testing.T) {
	lt := usage.NewLifetime("user-1")
	m := usage.NewMonthly("user-1", "2026-07")

	e := validEvent()
	e.Status = usage.StatusError
	e.ErrorCode = "timeout"
	lt, m = usage.Apply(lt, m, e)

	if lt.Stats.ErrorCount != 1 || m.Stats.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d/%d, want 1/1", lt.Stats.ErrorCount, m.Stats.ErrorCount)
	}
	if !lt.Stats.LastErrorAt.Equal(e.Timestamp) {
		t.Errorf("LastErrorAt = %v", lt.Stats.LastErrorAt)
	}
	// Errors still count as requests.
	if lt.Totals.Requests != 1 {
		t.Errorf("Requests = %d, want 1", lt.Totals.Requests)
	}
}

func TestApply_LatencyStats(t *testing.T) {
	lt := usage.NewLifetime("user-1")
	m := usage.NewMonthly("user-1", "2026-07")

	latencies := []int64{100, 200, 300}
	for i, ms := range latencies {
		e := validEvent()
		e.RequestID = "req-" + string(rune('a'+i))
		e.LatencyMs = ms
		lt, m = usage.Apply(lt, m, e)
	}

	if lt.Stats.AvgLatencyMs != 200 {
		t.Errorf("AvgLatencyMs = %v, want 200", lt.Stats.AvgLatencyMs)
	}
	if lt.Stats.LatencySeen != 3 {
		t.Errorf("LatencySeen = %d, want 3", lt.Stats.LatencySeen)
	}
	if lt.Stats.P95LatencyMs < lt.Stats.AvgLatencyMs {
		t.Errorf("p95 %v below average %v", lt.Stats.P95LatencyMs, lt.Stats.AvgLatencyMs)
	}
	if lt.Stats.P95LatencyMs > 300 {
		t.Errorf("p95 %v above max observation", lt.Stats.P95LatencyMs)
	}
}

func TestApply_ReservoirBounded(t *testing.T) {
	lt := usage.NewLifetime("user-1")
	m := usage.NewMonthly("user-1", "2026-07")

	for i := 0; i < usage.ReservoirCapacity+50; i++ {
		e := validEvent()
		e.LatencyMs = int64(i)
		lt, m = usage.Apply(lt, m, e)
	}

	if len(lt.Stats.LatencySample) != usage.ReservoirCapacity {
		t.Errorf("sample size = %d, want %d", len(lt.Stats.LatencySample), usage.ReservoirCapacity)
	}
	if lt.Stats.LatencySeen != int64(usage.ReservoirCapacity+50) {
		t.Errorf("LatencySeen = %d", lt.Stats.LatencySeen)
	}
}

func TestApply_CreditsDrainBonusFirst(t *testing.T) {
	lt := usage.NewLifetime("user-1")
	lt.Credits = usage.Credits{
		PaidTokens: 1000, PaidRemaining: 1000,
		BonusTokens: 100, BonusRemaining: 100,
	}
	m := usage.NewMonthly("user-1", "2026-07")

	e := validEvent() // 150 total tokens
	lt, _ = usage.Apply(lt, m, e)

	if lt.Credits.BonusRemaining != 0 {
		t.Errorf("BonusRemaining = %d, want 0", lt.Credits.BonusRemaining)
	}
	if lt.Credits.PaidRemaining != 950 {
		t.Errorf("PaidRemaining = %d, want 950", lt.Credits.PaidRemaining)
	}
}

func TestApply_DayRollover(t *testing.T) {
	lt := usage.NewLifetime("user-1")
	m := usage.NewMonthly("user-1", "2026-07")

	e := validEvent()
	lt, m = usage.Apply(lt, m, e)
	if lt.Today.CostUSD.Units != 30 {
		t.Fatalf("Today = %d, want 30", lt.Today.CostUSD.Units)
	}

	next := validEvent()
	next.RequestID = "req-2"
	next.Timestamp = e.Timestamp.AddDate(0, 0, 1)
	lt, m = usage.Apply(lt, m, next)

	if lt.Today.Day != "2026-07-15" {
		t.Errorf("Today.Day = %q, want 2026-07-15", lt.Today.Day)
	}
	if lt.Today.CostUSD.Units != 30 {
		t.Errorf("Today reset failed: %d, want 30", lt.Today.CostUSD.Units)
	}
	// Lifetime total keeps accumulating across the reset.
	if lt.Totals.CostUSD.Units != 60 {
		t.Errorf("lifetime CostUSD = %d, want 60", lt.Totals.CostUSD.Units)
	}
}

func TestApply_Pure(t *testing.T) {
	lt := usage.NewLifetime("user-1")
	m := usage.NewMonthly("user-1", "2026-07")
	lt, m = usage.Apply(lt, m, validEvent())

	before := lt.Endpoints["/v1/chat"].Requests
	sampleBefore := len(lt.Stats.LatencySample)

	usage.Apply(lt, m, validEvent())

	if lt.Endpoints["/v1/chat"].Requests != before {
		t.Error("Apply mutated input breakdown map")
	}
	if len(lt.Stats.LatencySample) != sampleBefore {
		t.Error("Apply mutated input latency sample")
	}
	if lt.Totals.Requests != 1 {
		t.Error("Apply mutated input totals")
	}
}

func TestApply_PlanAndFxSnapshots(t *testing.T) {
	lt := usage.NewLifetime("user-1")
	m := usage.NewMonthly("user-1", "2026-07")

	e := validEvent()
	e.Plan = usage.PlanSnapshot{ID: "pro", PriceMonthly: money.New(2000, "USD")}
	e.Fx = usage.FxSnapshot{Base: "USD", Quote: "TRY", Rate: 40, AsOf: e.Timestamp}
	lt, m = usage.Apply(lt, m, e)

	if lt.Plan.ID != "pro" {
		t.Errorf("Plan.ID = %q", lt.Plan.ID)
	}
	if lt.Fx.Rate != 40 {
		t.Errorf("Fx.Rate = %v", lt.Fx.Rate)
	}

	// A later event without an FX snapshot keeps the last known one.
	e2 := validEvent()
	e2.RequestID = "req-2"
	lt, _ = usage.Apply(lt, m, e2)
	if lt.Fx.Rate != 40 {
		t.Errorf("Fx snapshot lost: %v", lt.Fx)
	}
}

func TestApply_MonthlyInit(t *testing.T) {
	e := validEvent()
	_, m := usage.Apply(usage.Lifetime{}, usage.Monthly{}, e)

	if m.UserID != "user-1" || m.Month != "2026-07" {
		t.Errorf("monthly init: %q %q", m.UserID, m.Month)
	}
	if !m.StartedAt.Equal(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("StartedAt = %v, want month start", m.StartedAt)
	}
}
