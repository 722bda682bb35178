package quota_test

import (
	"testing"
	"time"

	"github.com/artpar/meterd/domain/money"
	"github.com/artpar/meterd/domain/quota"
)

func usd(major float64) money.Amount {
	return money.FromMajor(major, "USD")
}

func TestEvaluate_MonthlyLimit(t *testing.T) {
	// A user with a 200.00 monthly limit at 190.00 incurs a 15.00 event:
	// the updated total 205.00 crosses the limit.
	cfg := quota.Config{MonthlyLimitUSD: usd(200)}
	now := time.Date(2026, 7, 14, 10, 30, 0, 0, time.UTC)

	d := quota.Evaluate(usd(205), usd(15), cfg, now)

	if !d.IsThrottled {
		t.Fatal("expected throttled")
	}
	if d.BlockReason != quota.ReasonMonthlyLimit {
		t.Errorf("BlockReason = %q, want %q", d.BlockReason, quota.ReasonMonthlyLimit)
	}
	wantUntil := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	if !d.BlockedUntil.Equal(wantUntil) {
		t.Errorf("BlockedUntil = %v, want %v", d.BlockedUntil, wantUntil)
	}
	if !d.SoftLimitReached {
		t.Error("soft flag should be set above the hard limit")
	}
}

func TestEvaluate_ExactlyAtLimitNotThrottled(t *testing.T) {
	cfg := quota.Config{MonthlyLimitUSD: usd(200)}
	now := time.Date(2026, 7, 14, 0, 0, 0, 0, time.UTC)

	d := quota.Evaluate(usd(200), money.Zero("USD"), cfg, now)

	if d.IsThrottled {
		t.Error("total equal to the limit must not throttle")
	}
	if !d.SoftLimitReached {
		t.Error("soft flag expected at 100% of limit")
	}
}

func TestEvaluate_SoftLimit(t *testing.T) {
	cfg := quota.Config{MonthlyLimitUSD: usd(100)}
	now := time.Now().UTC()

	tests := []struct {
		total    float64
		wantSoft bool
	}{
		{79.99, false},
		{80.00, true},
		{99.99, true},
	}

	for _, tt := range tests {
		d := quota.Evaluate(usd(tt.total), money.Zero("USD"), cfg, now)
		if d.SoftLimitReached != tt.wantSoft {
			t.Errorf("total %.2f: soft = %v, want %v", tt.total, d.SoftLimitReached, tt.wantSoft)
		}
		if d.IsThrottled {
			t.Errorf("total %.2f: should not throttle", tt.total)
		}
	}
}

func TestEvaluate_DailyLimit(t *testing.T) {
	cfg := quota.Config{DailyLimitUSD: usd(10)}
	now := time.Date(2026, 7, 14, 23, 0, 0, 0, time.UTC)

	d := quota.Evaluate(usd(50), usd(10.01), cfg, now)

	if !d.IsThrottled {
		t.Fatal("expected daily throttle")
	}
	if d.BlockReason != quota.ReasonDailyLimit {
		t.Errorf("BlockReason = %q, want %q", d.BlockReason, quota.ReasonDailyLimit)
	}
	wantUntil := time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC)
	if !d.BlockedUntil.Equal(wantUntil) {
		t.Errorf("BlockedUntil = %v, want %v", d.BlockedUntil, wantUntil)
	}
}

func TestEvaluate_MonthlyWinsOverDaily(t *testing.T) {
	cfg := quota.Config{MonthlyLimitUSD: usd(100), DailyLimitUSD: usd(10)}
	now := time.Date(2026, 7, 14, 12, 0, 0, 0, time.UTC)

	d := quota.Evaluate(usd(150), usd(20), cfg, now)

	if d.BlockReason != quota.ReasonMonthlyLimit {
		t.Errorf("BlockReason = %q, want monthly to win", d.BlockReason)
	}
	wantUntil := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	if !d.BlockedUntil.Equal(wantUntil) {
		t.Errorf("BlockedUntil = %v, want start of next month", d.BlockedUntil)
	}
}

func TestEvaluate_ZeroLimitMeansUnlimited(t *testing.T) {
	d := quota.Evaluate(usd(1e9), usd(1e9), quota.Config{}, time.Now().UTC())
	if d.IsThrottled || d.SoftLimitReached {
		t.Errorf("no limits configured, got %+v", d)
	}
}

func TestEvaluate_CustomSoftPct(t *testing.T) {
	cfg := quota.Config{MonthlyLimitUSD: usd(100), SoftLimitPct: 0.5}
	d := quota.Evaluate(usd(50), money.Zero("USD"), cfg, time.Now().UTC())
	if !d.SoftLimitReached {
		t.Error("expected soft flag at 50% with custom threshold")
	}
}

func TestDecision_Expired(t *testing.T) {
	until := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	d := quota.Decision{IsThrottled: true, BlockedUntil: until}

	if d.Expired(until.Add(-time.Second)) {
		t.Error("not yet expired")
	}
	if !d.Expired(until) {
		t.Error("expired at the boundary")
	}
	if (quota.Decision{}).Expired(until) {
		t.Error("unthrottled decision never expires")
	}
}

func TestMonthBounds(t *testing.T) {
	start, next := quota.MonthBounds(time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC))
	if !start.Equal(time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("start = %v", start)
	}
	if !next.Equal(time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("next = %v", next)
	}
}

func TestDayBounds(t *testing.T) {
	// Local zones must not shift the window.
	loc := time.FixedZone("UTC+5", 5*3600)
	start, next := quota.DayBounds(time.Date(2026, 7, 15, 2, 0, 0, 0, loc))
	if !start.Equal(time.Date(2026, 7, 14, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("start = %v", start)
	}
	if !next.Equal(time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("next = %v", next)
	}
}
