package memory

import (
	"context"
	"sync"

	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

// EventLog is an in-memory implementation of ports.EventLog.
type EventLog struct {
	mu     sync.Mutex
	events []usage.Event
	seen   map[string]bool
	fail   error
}

// NewEventLog creates an empty in-memory event log.
func NewEventLog() *EventLog {
	return &EventLog{seen: make(map[string]bool)}
}

// FailWith makes all subsequent Append calls fail. Test hook.
func (l *EventLog) FailWith(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = err
}

// Append stores one raw event; re-appending a request id is a no-op.
func (l *EventLog) Append(ctx context.Context, e usage.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return l.fail
	}
	if l.seen[e.RequestID] {
		return nil
	}
	l.seen[e.RequestID] = true
	l.events = append(l.events, e)
	return nil
}

// Recent returns the newest events for a user.
func (l *EventLog) Recent(ctx context.Context, userID string, limit int) ([]usage.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []usage.Event
	for i := len(l.events) - 1; i >= 0 && len(out) < limit; i-- {
		if l.events[i].UserID == userID {
			out = append(out, l.events[i])
		}
	}
	return out, nil
}

// Len reports the number of logged events. Test helper.
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

var _ ports.EventLog = (*EventLog)(nil)
