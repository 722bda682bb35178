package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

// EventLog implements ports.EventLog using SQLite.
// Appends are idempotent per (day, request id) so the best-effort write
// ahead of aggregation can be retried safely.
type EventLog struct {
	db    *DB
	clock ports.Clock
}

// NewEventLog creates a new SQLite event log.
func NewEventLog(db *DB, clock ports.Clock) *EventLog {
	return &EventLog{db: db, clock: clock}
}

// Append stores one raw event.
func (l *EventLog) Append(ctx context.Context, e usage.Event) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", e.RequestID, err)
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO usage_events (day, request_id, user_id, doc, logged_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(day, request_id) DO NOTHING
	`, e.Day(), e.RequestID, e.UserID, string(doc), l.clock.Now().UTC())
	return mapErr(err)
}

// Recent returns the newest events for a user.
func (l *EventLog) Recent(ctx context.Context, userID string, limit int) ([]usage.Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT doc FROM usage_events
		WHERE user_id = ?
		ORDER BY logged_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var events []usage.Event
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var e usage.Event
		if err := json.Unmarshal([]byte(doc), &e); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Cleanup removes raw events logged before the cutoff.
func (l *EventLog) Cleanup(ctx context.Context, olderThanDay string) (int64, error) {
	result, err := l.db.ExecContext(ctx, `
		DELETE FROM usage_events WHERE day < ?
	`, olderThanDay)
	if err != nil {
		return 0, mapErr(err)
	}
	return result.RowsAffected()
}

var _ ports.EventLog = (*EventLog)(nil)
