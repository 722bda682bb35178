package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/meterd/adapters/metrics"
	"github.com/artpar/meterd/domain/quota"
	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

// Queue-full policies.
const (
	PolicyDropOldest = "drop_oldest"
	PolicyBlock      = "block"
)

// TrackerConfig configures the dispatch and retry behaviour.
type TrackerConfig struct {
	Workers     int
	QueueSize   int
	FullPolicy  string        // drop_oldest or block
	MaxAttempts int           // guarded transaction attempts
	BaseBackoff time.Duration // first retry delay, doubled per attempt
	DecisionTTL time.Duration // decision cache entry lifetime
	Quota       quota.Config  // default limits for users without overrides
}

func (c TrackerConfig) withDefaults() TrackerConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.FullPolicy == "" {
		c.FullPolicy = PolicyDropOldest
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 25 * time.Millisecond
	}
	if c.DecisionTTL <= 0 {
		c.DecisionTTL = 5 * time.Minute
	}
	return c
}

// Tracker is the asynchronous accounting pipeline: a bounded queue, a
// fixed worker pool, and the guarded aggregation each worker runs.
// Submit never blocks the request path and no failure in the pipeline
// ever propagates to the caller.
type Tracker struct {
	store  ports.UsageStore
	log    ports.EventLog
	cache  ports.DecisionCache // optional, may be nil
	clock  ports.Clock
	meter  *metrics.Collector
	logger zerolog.Logger
	cfg    TrackerConfig

	queue    chan usage.Event
	stopCh   chan struct{}
	wg       sync.WaitGroup
	inflight int64
	closed   atomic.Bool
	submitMu sync.Mutex
}

// NewTracker creates and starts a tracker with cfg.Workers workers.
func NewTracker(store ports.UsageStore, log ports.EventLog, cache ports.DecisionCache, clock ports.Clock, meter *metrics.Collector, logger zerolog.Logger, cfg TrackerConfig) *Tracker {
	cfg = cfg.withDefaults()
	t := &Tracker{
		store:  store,
		log:    log,
		cache:  cache,
		clock:  clock,
		meter:  meter,
		logger: logger.With().Str("component", "tracker").Logger(),
		cfg:    cfg,
		queue:  make(chan usage.Event, cfg.QueueSize),
		stopCh: make(chan struct{}),
	}

	for i := 0; i < cfg.Workers; i++ {
		t.wg.Add(1)
		go t.worker()
	}
	return t
}

// Submit queues an event for aggregation and returns immediately.
// Under the drop_oldest policy a full queue evicts its oldest pending
// event (logged, counted); under block the submitter waits for space.
func (t *Tracker) Submit(e usage.Event) {
	if t.closed.Load() {
		t.drop(e, "closed")
		return
	}
	if err := e.Validate(); err != nil {
		t.logger.Error().Err(err).Str("request_id", e.RequestID).Msg("rejecting invalid event")
		t.drop(e, "invalid")
		return
	}
	if t.meter != nil {
		t.meter.EventsSubmitted.Inc()
	}

	if t.cfg.FullPolicy == PolicyBlock {
		select {
		case t.queue <- e:
			t.gauge()
		case <-t.stopCh:
			t.drop(e, "closed")
		}
		return
	}

	// drop_oldest: serialize evictions so two submitters cannot both
	// evict for one free slot.
	t.submitMu.Lock()
	defer t.submitMu.Unlock()
	for {
		select {
		case t.queue <- e:
			t.gauge()
			return
		default:
		}
		select {
		case old := <-t.queue:
			t.drop(old, "queue_full")
		default:
		}
	}
}

func (t *Tracker) drop(e usage.Event, reason string) {
	t.logger.Warn().Str("request_id", e.RequestID).Str("user_id", e.UserID).
		Str("reason", reason).Msg("dropping usage event")
	if t.meter != nil {
		t.meter.EventsDropped.WithLabelValues(reason).Inc()
	}
}

func (t *Tracker) gauge() {
	if t.meter != nil {
		t.meter.QueueDepth.Set(float64(len(t.queue)))
	}
}

func (t *Tracker) worker() {
	defer t.wg.Done()
	for {
		select {
		case e := <-t.queue:
			atomic.AddInt64(&t.inflight, 1)
			t.process(context.Background(), e)
			atomic.AddInt64(&t.inflight, -1)
			t.gauge()
		case <-t.stopCh:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case e := <-t.queue:
					t.process(context.Background(), e)
				default:
					return
				}
			}
		}
	}
}

// process runs the full accounting sequence for one event:
// raw log append (best effort), guarded aggregation with bounded
// retries, quota evaluation, decision cache refresh.
func (t *Tracker) process(ctx context.Context, e usage.Event) {
	start := t.clock.Now()

	if err := t.log.Append(ctx, e); err != nil {
		// The raw log is best effort; aggregation proceeds regardless.
		t.logger.Warn().Err(err).Str("request_id", e.RequestID).Msg("raw event log append failed")
	}

	result, decision, err := t.aggregate(ctx, e)
	if t.meter != nil {
		t.meter.ProcessDuration.Observe(t.clock.Now().Sub(start).Seconds())
	}

	switch {
	case err != nil:
		// The raw log already holds the event for reconciliation.
		t.logger.Error().Err(err).Str("request_id", e.RequestID).Str("user_id", e.UserID).
			Msg("aggregation failed, event left in raw log for reconciliation")
		if t.meter != nil {
			t.meter.EventsProcessed.WithLabelValues("failed").Inc()
		}
		return
	case result == ports.GuardSkipped:
		if t.meter != nil {
			t.meter.DedupSkips.Inc()
			t.meter.EventsProcessed.WithLabelValues("skipped").Inc()
		}
		return
	}

	if t.meter != nil {
		t.meter.EventsProcessed.WithLabelValues("applied").Inc()
	}

	if t.cache != nil {
		if err := t.cache.Put(ctx, e.UserID, decision, t.cfg.DecisionTTL); err != nil {
			t.logger.Warn().Err(err).Str("user_id", e.UserID).Msg("decision cache refresh failed")
		}
	}
}

// aggregate applies the event inside the idempotency guard, retrying
// contended commits with exponential backoff up to MaxAttempts.
func (t *Tracker) aggregate(ctx context.Context, e usage.Event) (ports.GuardResult, quota.Decision, error) {
	meta := ports.DedupMeta{
		UserID:    e.UserID,
		Endpoint:  e.Endpoint,
		CreatedAt: t.clock.Now(),
	}

	var decision quota.Decision
	apply := func(tx ports.UsageTx) error {
		lt, err := tx.Lifetime(e.UserID)
		if err != nil {
			return err
		}
		m, err := tx.Monthly(e.UserID, e.Month())
		if err != nil {
			return err
		}

		lt, m = usage.Apply(lt, m, e)

		qcfg := t.quotaFor(lt)
		decision = quota.Evaluate(m.Totals.CostUSD, lt.Today.CostUSD, qcfg, e.Timestamp)
		lt.Quota = qcfg
		lt.Throttle = decision

		if err := tx.PutLifetime(lt); err != nil {
			return err
		}
		return tx.PutMonthly(m)
	}

	var lastErr error
	for attempt := 0; attempt < t.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if t.meter != nil {
				t.meter.TxnRetries.Inc()
			}
			backoff := t.cfg.BaseBackoff << (attempt - 1)
			backoff += time.Duration(rand.Int63n(int64(t.cfg.BaseBackoff)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ports.GuardSkipped, decision, ctx.Err()
			}
		}

		result, err := t.store.Guarded(ctx, e.RequestID, meta, apply)
		if err == nil {
			return result, decision, nil
		}
		if !errors.Is(err, ports.ErrContention) {
			return ports.GuardSkipped, decision, err
		}
		lastErr = err
	}

	return ports.GuardSkipped, decision, fmt.Errorf("contention exhausted after %d attempts: %w", t.cfg.MaxAttempts, lastErr)
}

// quotaFor picks the user's configured limits, falling back to the
// deployment defaults.
func (t *Tracker) quotaFor(lt usage.Lifetime) quota.Config {
	if lt.Quota.MonthlyLimitUSD.Units > 0 || lt.Quota.DailyLimitUSD.Units > 0 {
		return lt.Quota
	}
	return t.cfg.Quota
}

// Snapshot returns a user's lifetime aggregate.
// ports.ErrNotFound indicates an unseen user.
func (t *Tracker) Snapshot(ctx context.Context, userID string) (usage.Lifetime, error) {
	return t.store.Lifetime(ctx, userID)
}

// MonthSnapshot returns one monthly aggregate.
func (t *Tracker) MonthSnapshot(ctx context.Context, userID, month string) (usage.Monthly, error) {
	return t.store.Monthly(ctx, userID, month)
}

// Precheck returns the last-known throttle decision for a user, for the
// request path's pre-call check. The value may be slightly stale under
// concurrency; an expired block reads as not throttled. Unseen users
// get the zero decision.
func (t *Tracker) Precheck(ctx context.Context, userID string) quota.Decision {
	now := t.clock.Now()

	if t.cache != nil {
		if d, err := t.cache.Get(ctx, userID); err == nil {
			if d.Expired(now) {
				return quota.Decision{SoftLimitReached: d.SoftLimitReached}
			}
			return d
		}
	}

	lt, err := t.store.Lifetime(ctx, userID)
	if err != nil {
		if !errors.Is(err, ports.ErrNotFound) {
			t.logger.Warn().Err(err).Str("user_id", userID).Msg("precheck store read failed")
		}
		return quota.Decision{}
	}
	if lt.Throttle.Expired(now) {
		return quota.Decision{SoftLimitReached: lt.Throttle.SoftLimitReached}
	}
	return lt.Throttle
}

// Flush blocks until the queue is empty and no event is in flight.
func (t *Tracker) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(t.queue) == 0 && atomic.LoadInt64(&t.inflight) == 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close drains queued events and stops the workers.
func (t *Tracker) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	close(t.stopCh)
	t.wg.Wait()
	return nil
}

// StartDedupGC runs a periodic purge of dedup records older than the
// retention window. Returns a stop function.
func (t *Tracker) StartDedupGC(interval, retention time.Duration) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cutoff := t.clock.Now().Add(-retention)
				n, err := t.store.PurgeDedup(context.Background(), cutoff)
				if err != nil {
					t.logger.Warn().Err(err).Msg("dedup purge failed")
					continue
				}
				if n > 0 {
					t.logger.Info().Int64("purged", n).Time("cutoff", cutoff).Msg("purged dedup records")
				}
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop) }
}

var _ ports.Recorder = (*Tracker)(nil)
