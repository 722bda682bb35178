package usage

import (
	"fmt"
	"time"

	"github.com/artpar/meterd/domain/money"
	"github.com/artpar/meterd/domain/quota"
)

// Meta carries the pre-call fields of an event.
type Meta struct {
	RequestID string
	UserID    string
	Endpoint  string
	Provider  string
	Model     string
	Plan      PlanSnapshot
	Client    ClientMeta
	StartedAt time.Time
}

// Outcome carries the post-call measurements of an event.
type Outcome struct {
	Tokens     TokenCounts
	IsCacheHit bool
	Status     Status
	ErrorCode  string
	FinishedAt time.Time
}

// Pending is an event under construction. It holds the pre-call fields
// and produces an immutable Event on Finalize. A Pending that is never
// finalized emits nothing.
type Pending struct {
	meta Meta
}

// Begin captures the pre-call metadata of a provider request.
// No side effects beyond in-memory construction.
func Begin(meta Meta) Pending {
	return Pending{meta: meta}
}

// Meta returns the captured pre-call fields.
func (p Pending) Meta() Meta {
	return p.meta
}

// Finalize merges the post-call outcome into an immutable Event.
// This is the only way to produce an Event. Latency is derived from the
// captured start time; error outcomes are valid events with zero cost
// until the resolver fills it in.
func (p Pending) Finalize(out Outcome) (Event, error) {
	if p.meta.RequestID == "" || p.meta.UserID == "" {
		return Event{}, fmt.Errorf("finalize: pending event missing request or user id")
	}
	if out.FinishedAt.IsZero() {
		return Event{}, fmt.Errorf("finalize %s: missing finish time", p.meta.RequestID)
	}
	status := out.Status
	if status == "" {
		status = StatusSuccess
	}
	latency := out.FinishedAt.Sub(p.meta.StartedAt).Milliseconds()
	if latency < 0 {
		latency = 0
	}
	e := Event{
		RequestID:  p.meta.RequestID,
		UserID:     p.meta.UserID,
		Endpoint:   p.meta.Endpoint,
		Provider:   p.meta.Provider,
		Model:      p.meta.Model,
		Timestamp:  p.meta.StartedAt.UTC(),
		Plan:       p.meta.Plan,
		Client:     p.meta.Client,
		Tokens:     out.Tokens.Normalize(),
		IsCacheHit: out.IsCacheHit,
		LatencyMs:  latency,
		Status:     status,
		ErrorCode:  out.ErrorCode,
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

// WithCost returns a copy of the event carrying resolved cost fields.
// The receiver is unchanged.
func (e Event) WithCost(cost, costUSD money.Amount, fx FxSnapshot, version string, unresolved bool) Event {
	e.Cost = cost
	e.CostUSD = costUSD
	e.Fx = fx
	e.CostVersion = version
	e.CostUnresolved = unresolved
	return e
}

// WithThrottle returns a copy of the event carrying the throttle
// decision in force when the request was admitted.
func (e Event) WithThrottle(d quota.Decision) Event {
	e.Throttle = d
	return e
}
