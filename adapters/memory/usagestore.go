// Package memory provides in-memory implementations of storage ports
// for tests and single-process development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

// UsageStore is an in-memory implementation of ports.UsageStore.
// It mirrors the transactional semantics of the SQLite store: the dedup
// record and the aggregate writes of one Guarded call become visible
// together or not at all.
type UsageStore struct {
	mu        sync.Mutex
	dedup     map[string]ports.DedupMeta
	lifetimes map[string]usage.Lifetime
	monthlies map[string]usage.Monthly

	failCommit error // injected once, simulates a commit-boundary failure
	contend    int   // number of Guarded calls to fail with ErrContention
}

// NewUsageStore creates an empty in-memory usage store.
func NewUsageStore() *UsageStore {
	return &UsageStore{
		dedup:     make(map[string]ports.DedupMeta),
		lifetimes: make(map[string]usage.Lifetime),
		monthlies: make(map[string]usage.Monthly),
	}
}

// FailNextCommit makes the next Guarded call fail at the commit
// boundary, after fn has run. Nothing it wrote (dedup record included)
// may become visible. Test hook.
func (s *UsageStore) FailNextCommit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCommit = err
}

// ContendNext makes the next n Guarded calls fail with ErrContention
// before invoking fn. Test hook for retry policies.
func (s *UsageStore) ContendNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contend = n
}

// tx stages writes until commit.
type tx struct {
	store     *UsageStore
	lifetimes map[string]usage.Lifetime
	monthlies map[string]usage.Monthly
}

func (t *tx) Lifetime(userID string) (usage.Lifetime, error) {
	if lt, ok := t.lifetimes[userID]; ok {
		return lt, nil
	}
	if lt, ok := t.store.lifetimes[userID]; ok {
		return lt, nil
	}
	return usage.NewLifetime(userID), nil
}

func (t *tx) Monthly(userID, month string) (usage.Monthly, error) {
	k := monthKey(userID, month)
	if m, ok := t.monthlies[k]; ok {
		return m, nil
	}
	if m, ok := t.store.monthlies[k]; ok {
		return m, nil
	}
	return usage.NewMonthly(userID, month), nil
}

func (t *tx) PutLifetime(lt usage.Lifetime) error {
	t.lifetimes[lt.UserID] = lt
	return nil
}

func (t *tx) PutMonthly(m usage.Monthly) error {
	t.monthlies[monthKey(m.UserID, m.Month)] = m
	return nil
}

// Guarded implements ports.UsageStore.
func (s *UsageStore) Guarded(ctx context.Context, requestID string, meta ports.DedupMeta, fn func(tx ports.UsageTx) error) (ports.GuardResult, error) {
	if err := ctx.Err(); err != nil {
		return ports.GuardSkipped, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.contend > 0 {
		s.contend--
		return ports.GuardSkipped, ports.ErrContention
	}

	if _, exists := s.dedup[requestID]; exists {
		return ports.GuardSkipped, nil
	}

	t := &tx{
		store:     s,
		lifetimes: make(map[string]usage.Lifetime),
		monthlies: make(map[string]usage.Monthly),
	}
	if err := fn(t); err != nil {
		return ports.GuardSkipped, err
	}

	if s.failCommit != nil {
		err := s.failCommit
		s.failCommit = nil
		return ports.GuardSkipped, err
	}

	// Commit: dedup record and staged writes become visible together.
	s.dedup[requestID] = meta
	for k, v := range t.lifetimes {
		s.lifetimes[k] = v
	}
	for k, v := range t.monthlies {
		s.monthlies[k] = v
	}
	return ports.GuardApplied, nil
}

// Lifetime implements ports.UsageStore.
func (s *UsageStore) Lifetime(ctx context.Context, userID string) (usage.Lifetime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lt, ok := s.lifetimes[userID]
	if !ok {
		return usage.Lifetime{}, ports.ErrNotFound
	}
	return lt, nil
}

// Monthly implements ports.UsageStore.
func (s *UsageStore) Monthly(ctx context.Context, userID, month string) (usage.Monthly, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.monthlies[monthKey(userID, month)]
	if !ok {
		return usage.Monthly{}, ports.ErrNotFound
	}
	return m, nil
}

// PurgeDedup implements ports.UsageStore.
func (s *UsageStore) PurgeDedup(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, meta := range s.dedup {
		if meta.CreatedAt.Before(olderThan) {
			delete(s.dedup, id)
			n++
		}
	}
	return n, nil
}

// DedupCount reports the number of live dedup records. Test helper.
func (s *UsageStore) DedupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dedup)
}

func monthKey(userID, month string) string {
	return userID + "_" + month
}

var _ ports.UsageStore = (*UsageStore)(nil)
