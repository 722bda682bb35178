package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

// UsageStore implements ports.UsageStore using SQLite.
// One Guarded call is one SQL transaction: the dedup insert and every
// aggregate write commit atomically or roll back together.
type UsageStore struct {
	db *DB
}

// NewUsageStore creates a new SQLite usage store.
func NewUsageStore(db *DB) *UsageStore {
	return &UsageStore{db: db}
}

type usageTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *usageTx) Lifetime(userID string) (usage.Lifetime, error) {
	var doc string
	err := t.tx.QueryRowContext(t.ctx, `SELECT doc FROM user_usage WHERE user_id = ?`, userID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return usage.NewLifetime(userID), nil
	}
	if err != nil {
		return usage.Lifetime{}, mapErr(err)
	}
	var lt usage.Lifetime
	if err := json.Unmarshal([]byte(doc), &lt); err != nil {
		return usage.Lifetime{}, fmt.Errorf("decode lifetime %s: %w", userID, err)
	}
	return lt, nil
}

func (t *usageTx) Monthly(userID, month string) (usage.Monthly, error) {
	var doc string
	err := t.tx.QueryRowContext(t.ctx, `SELECT doc FROM user_usage_monthly WHERE user_id = ? AND month = ?`, userID, month).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return usage.NewMonthly(userID, month), nil
	}
	if err != nil {
		return usage.Monthly{}, mapErr(err)
	}
	var m usage.Monthly
	if err := json.Unmarshal([]byte(doc), &m); err != nil {
		return usage.Monthly{}, fmt.Errorf("decode monthly %s %s: %w", userID, month, err)
	}
	return m, nil
}

func (t *usageTx) PutLifetime(lt usage.Lifetime) error {
	doc, err := json.Marshal(lt)
	if err != nil {
		return fmt.Errorf("encode lifetime %s: %w", lt.UserID, err)
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO user_usage (user_id, doc, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at
	`, lt.UserID, string(doc), lt.UpdatedAt.UTC())
	return mapErr(err)
}

func (t *usageTx) PutMonthly(m usage.Monthly) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode monthly %s %s: %w", m.UserID, m.Month, err)
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO user_usage_monthly (user_id, month, doc, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, month) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at
	`, m.UserID, m.Month, string(doc), m.UpdatedAt.UTC())
	return mapErr(err)
}

// Guarded implements ports.UsageStore.
func (s *UsageStore) Guarded(ctx context.Context, requestID string, meta ports.DedupMeta, fn func(tx ports.UsageTx) error) (ports.GuardResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ports.GuardSkipped, mapErr(err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM request_dedup WHERE request_id = ?`, requestID).Scan(&exists)
	if err != nil {
		return ports.GuardSkipped, mapErr(err)
	}
	if exists > 0 {
		return ports.GuardSkipped, nil
	}

	// Written before the aggregate mutation, inside the same
	// transaction. Two racing attempts for one request id serialize on
	// this insert; the loser sees the unique violation.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO request_dedup (request_id, user_id, endpoint, created_at) VALUES (?, ?, ?, ?)
	`, requestID, meta.UserID, meta.Endpoint, meta.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return ports.GuardSkipped, nil
		}
		return ports.GuardSkipped, mapErr(err)
	}

	if err := fn(&usageTx{ctx: ctx, tx: tx}); err != nil {
		return ports.GuardSkipped, err
	}

	if err := tx.Commit(); err != nil {
		return ports.GuardSkipped, mapErr(err)
	}
	return ports.GuardApplied, nil
}

// Lifetime implements ports.UsageStore.
func (s *UsageStore) Lifetime(ctx context.Context, userID string) (usage.Lifetime, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM user_usage WHERE user_id = ?`, userID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return usage.Lifetime{}, ports.ErrNotFound
	}
	if err != nil {
		return usage.Lifetime{}, mapErr(err)
	}
	var lt usage.Lifetime
	if err := json.Unmarshal([]byte(doc), &lt); err != nil {
		return usage.Lifetime{}, fmt.Errorf("decode lifetime %s: %w", userID, err)
	}
	return lt, nil
}

// Monthly implements ports.UsageStore.
func (s *UsageStore) Monthly(ctx context.Context, userID, month string) (usage.Monthly, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM user_usage_monthly WHERE user_id = ? AND month = ?`, userID, month).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return usage.Monthly{}, ports.ErrNotFound
	}
	if err != nil {
		return usage.Monthly{}, mapErr(err)
	}
	var m usage.Monthly
	if err := json.Unmarshal([]byte(doc), &m); err != nil {
		return usage.Monthly{}, fmt.Errorf("decode monthly %s %s: %w", userID, month, err)
	}
	return m, nil
}

// PurgeDedup removes dedup records created before the cutoff.
func (s *UsageStore) PurgeDedup(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM request_dedup WHERE created_at < ?
	`, olderThan.UTC())
	if err != nil {
		return 0, mapErr(err)
	}
	return result.RowsAffected()
}

var _ ports.UsageStore = (*UsageStore)(nil)
