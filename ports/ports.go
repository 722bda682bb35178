// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/artpar/meterd/domain/quota"
	"github.com/artpar/meterd/domain/usage"
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// -----------------------------------------------------------------------------
// Sentinel errors
// -----------------------------------------------------------------------------

var (
	// ErrNotFound indicates a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrContention indicates a transaction failed to commit due to a
	// concurrent writer and may be retried.
	ErrContention = errors.New("transaction contention")
)

// -----------------------------------------------------------------------------
// Usage Store Port
// -----------------------------------------------------------------------------

// GuardResult is the outcome of a guarded application.
type GuardResult int

const (
	// GuardApplied means the request id was new and fn's writes committed.
	GuardApplied GuardResult = iota
	// GuardSkipped means the request id was already processed; fn was
	// not invoked and nothing was written. Expected for retries.
	GuardSkipped
)

// DedupMeta is the marker payload written alongside a dedup record.
type DedupMeta struct {
	UserID    string
	Endpoint  string
	CreatedAt time.Time
}

// UsageTx is the view of aggregate state inside one guarded transaction.
// Reads return empty aggregates for unseen users so creation is lazy.
type UsageTx interface {
	Lifetime(userID string) (usage.Lifetime, error)
	Monthly(userID, month string) (usage.Monthly, error)
	PutLifetime(lt usage.Lifetime) error
	PutMonthly(m usage.Monthly) error
}

// UsageStore persists aggregates with exactly-once application per
// request id.
type UsageStore interface {
	// Guarded runs fn inside one atomic transaction that also creates
	// the dedup record for requestID. If the record already exists fn is
	// not invoked and GuardSkipped is returned. The dedup record and all
	// of fn's writes commit together or not at all. A commit lost to a
	// concurrent writer surfaces ErrContention; callers own the retry
	// policy.
	Guarded(ctx context.Context, requestID string, meta DedupMeta, fn func(tx UsageTx) error) (GuardResult, error)

	// Lifetime reads a user's lifetime aggregate (ErrNotFound if unseen).
	Lifetime(ctx context.Context, userID string) (usage.Lifetime, error)

	// Monthly reads one monthly aggregate (ErrNotFound if absent).
	Monthly(ctx context.Context, userID, month string) (usage.Monthly, error)

	// PurgeDedup removes dedup records created before the cutoff.
	// Purged request ids are assumed never to recur.
	PurgeDedup(ctx context.Context, olderThan time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// Event Log Port
// -----------------------------------------------------------------------------

// EventLog is the best-effort raw audit log of usage events, grouped by
// calendar day. It is written before aggregation so that events dropped
// by the pipeline remain reconcilable.
type EventLog interface {
	// Append stores one raw event. Re-appending the same request id is
	// a no-op, not an error.
	Append(ctx context.Context, e usage.Event) error

	// Recent returns the newest events for a user.
	Recent(ctx context.Context, userID string, limit int) ([]usage.Event, error)
}

// -----------------------------------------------------------------------------
// External Service Ports
// -----------------------------------------------------------------------------

// RateSource fetches a spot exchange rate for a currency pair.
type RateSource interface {
	Rate(ctx context.Context, base, quote string) (float64, error)
}

// DecisionCache caches the latest per-user throttle decision for the
// request path's pre-check. Best effort; a miss falls back to the store.
type DecisionCache interface {
	Put(ctx context.Context, userID string, d quota.Decision, ttl time.Duration) error
	Get(ctx context.Context, userID string) (quota.Decision, error)
}

// -----------------------------------------------------------------------------
// Ingestion Port
// -----------------------------------------------------------------------------

// Recorder accepts usage events for asynchronous processing.
type Recorder interface {
	// Submit queues an event and returns immediately. Aggregation
	// failures never propagate to the caller.
	Submit(e usage.Event)

	// Flush blocks until currently queued events have been processed.
	Flush(ctx context.Context) error

	// Close drains the queue and stops the workers.
	Close() error
}
