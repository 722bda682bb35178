package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/artpar/meterd/adapters/clock"
	"github.com/artpar/meterd/adapters/sqlite"
	"github.com/artpar/meterd/domain/money"
	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

func setupTestDB(t *testing.T) (*sqlite.DB, func()) {
	t.Helper()

	// Create temp file for test database
	f, err := os.CreateTemp("", "meterd-test-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	path := f.Name()
	f.Close()

	db, err := sqlite.Open(path)
	if err != nil {
		os.Remove(path)
		t.Fatalf("open database: %v", err)
	}

	if err := db.Migrate(); err != nil {
		db.Close()
		os.Remove(path)
		t.Fatalf("migrate: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.Remove(path)
	}

	return db, cleanup
}

func testEvent(requestID string) usage.Event {
	return usage.Event{
		RequestID: requestID,
		UserID:    "user-1",
		Endpoint:  "/v1/chat",
		Provider:  "openai",
		Model:     "gpt-4o",
		Timestamp: time.Date(2026, 7, 14, 10, 0, 0, 0, time.UTC),
		Tokens:    usage.TokenCounts{Input: 100, Output: 50, Total: 150},
		LatencyMs: 420,
		Status:    usage.StatusSuccess,
		Cost:      money.New(30, "USD"),
		CostUSD:   money.New(30, "USD"),
	}
}

func applyEvent(e usage.Event) func(tx ports.UsageTx) error {
	return func(tx ports.UsageTx) error {
		lt, err := tx.Lifetime(e.UserID)
		if err != nil {
			return err
		}
		m, err := tx.Monthly(e.UserID, e.Month())
		if err != nil {
			return err
		}
		lt, m = usage.Apply(lt, m, e)
		if err := tx.PutLifetime(lt); err != nil {
			return err
		}
		return tx.PutMonthly(m)
	}
}

// -----------------------------------------------------------------------------
// UsageStore Tests
// -----------------------------------------------------------------------------

func TestUsageStore_GuardedRoundTrip(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewUsageStore(db)
	ctx := context.Background()
	e := testEvent("req-1")
	meta := ports.DedupMeta{UserID: e.UserID, Endpoint: e.Endpoint, CreatedAt: time.Now().UTC()}

	res, err := store.Guarded(ctx, e.RequestID, meta, applyEvent(e))
	if err != nil {
		t.Fatalf("Guarded: %v", err)
	}
	if res != ports.GuardApplied {
		t.Fatalf("result = %v, want GuardApplied", res)
	}

	lt, err := store.Lifetime(ctx, "user-1")
	if err != nil {
		t.Fatalf("Lifetime: %v", err)
	}
	if lt.Totals.Requests != 1 || lt.Totals.Tokens.Total != 150 {
		t.Errorf("lifetime = %+v", lt.Totals)
	}
	if lt.Totals.CostUSD.Units != 30 || lt.Totals.CostUSD.Currency != "USD" {
		t.Errorf("CostUSD = %v, amounts must survive the JSON round trip", lt.Totals.CostUSD)
	}
	if lt.Endpoints["/v1/chat"].Requests != 1 {
		t.Errorf("endpoint breakdown lost: %+v", lt.Endpoints)
	}

	m, err := store.Monthly(ctx, "user-1", "2026-07")
	if err != nil {
		t.Fatalf("Monthly: %v", err)
	}
	if m.Totals.Requests != 1 {
		t.Errorf("monthly = %+v", m.Totals)
	}
}

func TestUsageStore_DuplicateRequestSkipped(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewUsageStore(db)
	ctx := context.Background()
	e := testEvent("req-1")
	meta := ports.DedupMeta{UserID: e.UserID, CreatedAt: time.Now().UTC()}

	if _, err := store.Guarded(ctx, e.RequestID, meta, applyEvent(e)); err != nil {
		t.Fatalf("first: %v", err)
	}

	ran := false
	res, err := store.Guarded(ctx, e.RequestID, meta, func(tx ports.UsageTx) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if res != ports.GuardSkipped || ran {
		t.Errorf("duplicate: result %v, fn ran %v", res, ran)
	}

	lt, _ := store.Lifetime(ctx, "user-1")
	if lt.Totals.Requests != 1 {
		t.Errorf("Requests = %d, want 1", lt.Totals.Requests)
	}
}

func TestUsageStore_FnErrorRollsBack(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewUsageStore(db)
	ctx := context.Background()
	e := testEvent("req-1")
	meta := ports.DedupMeta{UserID: e.UserID, CreatedAt: time.Now().UTC()}

	boom := errors.New("apply failed")
	_, err := store.Guarded(ctx, e.RequestID, meta, func(tx ports.UsageTx) error {
		lt, _ := tx.Lifetime(e.UserID)
		lt.Totals.Requests = 99
		if err := tx.PutLifetime(lt); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}

	// The dedup row rolled back with the data: a retry must apply.
	res, err := store.Guarded(ctx, e.RequestID, meta, applyEvent(e))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res != ports.GuardApplied {
		t.Errorf("retry result = %v, want GuardApplied", res)
	}
}

func TestUsageStore_ConcurrentDistinctRequests(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewUsageStore(db)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := testEvent(fmt.Sprintf("req-%d", i))
			meta := ports.DedupMeta{UserID: e.UserID, CreatedAt: time.Now().UTC()}
			for {
				_, err := store.Guarded(ctx, e.RequestID, meta, applyEvent(e))
				if errors.Is(err, ports.ErrContention) {
					time.Sleep(time.Millisecond)
					continue
				}
				errs <- err
				return
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("guarded: %v", err)
		}
	}

	lt, err := store.Lifetime(ctx, "user-1")
	if err != nil {
		t.Fatalf("Lifetime: %v", err)
	}
	if lt.Totals.Requests != n {
		t.Errorf("Requests = %d, want %d", lt.Totals.Requests, n)
	}
	if lt.Totals.Tokens.Total != n*150 {
		t.Errorf("Tokens = %d, want %d", lt.Totals.Tokens.Total, n*150)
	}
}

func TestUsageStore_PurgeDedup(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewUsageStore(db)
	ctx := context.Background()

	old := testEvent("req-old")
	fresh := testEvent("req-fresh")
	store.Guarded(ctx, old.RequestID, ports.DedupMeta{UserID: "user-1", CreatedAt: time.Now().Add(-48 * time.Hour).UTC()}, applyEvent(old))
	store.Guarded(ctx, fresh.RequestID, ports.DedupMeta{UserID: "user-1", CreatedAt: time.Now().UTC()}, applyEvent(fresh))

	n, err := store.PurgeDedup(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeDedup: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
}

func TestUsageStore_NotFound(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewUsageStore(db)
	ctx := context.Background()

	if _, err := store.Lifetime(ctx, "nobody"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("Lifetime: %v, want ErrNotFound", err)
	}
	if _, err := store.Monthly(ctx, "nobody", "2026-07"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("Monthly: %v, want ErrNotFound", err)
	}
}

// -----------------------------------------------------------------------------
// EventLog Tests
// -----------------------------------------------------------------------------

func TestEventLog_AppendAndRecent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	clk := clock.NewFake(time.Date(2026, 7, 14, 10, 0, 0, 0, time.UTC))
	log := sqlite.NewEventLog(db, clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e := testEvent(fmt.Sprintf("req-%d", i))
		e.Timestamp = e.Timestamp.Add(time.Duration(i) * time.Minute)
		clk.Advance(time.Second)
		if err := log.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	// Re-appending an existing request id is a silent no-op.
	if err := log.Append(ctx, testEvent("req-0")); err != nil {
		t.Fatalf("Append duplicate: %v", err)
	}

	got, err := log.Recent(ctx, "user-1", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent = %d events, want 2", len(got))
	}
	if got[0].RequestID != "req-2" {
		t.Errorf("newest first: got %q", got[0].RequestID)
	}
	if got[0].Tokens.Total != 150 || got[0].CostUSD.Units != 30 {
		t.Errorf("event fields lost: %+v", got[0])
	}
}

func TestEventLog_Cleanup(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	log := sqlite.NewEventLog(db, clock.Real{})
	ctx := context.Background()

	old := testEvent("req-old")
	old.Timestamp = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	fresh := testEvent("req-fresh")

	log.Append(ctx, old)
	log.Append(ctx, fresh)

	n, err := log.Cleanup(ctx, "2026-07-01")
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 1 {
		t.Errorf("cleaned %d, want 1", n)
	}

	got, _ := log.Recent(ctx, "user-1", 10)
	if len(got) != 1 || got[0].RequestID != "req-fresh" {
		t.Errorf("remaining = %v", got)
	}
}
