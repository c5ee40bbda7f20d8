package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/caasxyz/notification/common/clock"
	"github.com/caasxyz/notification/internal/notify/store"
)

// SQLite is a Queue backed by the queue_messages table in the gateway's
// database. It shares the store's connection, so queue operations are
// serialized with every other write.
type SQLite struct {
	db    *sql.DB
	clock clock.Clock
}

// NewSQLite creates a SQLite queue over the store's database. A nil clk
// defaults to the system clock.
func NewSQLite(db *sql.DB, clk clock.Clock) *SQLite {
	if clk == nil {
		clk = clock.System{}
	}
	return &SQLite{db: db, clock: clk}
}

// Publish enqueues payload on the named queue, visible after delay.
func (q *SQLite) Publish(ctx context.Context, queue string, payload []byte, delay time.Duration) error {
	now := q.clock.Now()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_messages (queue, payload, visible_at, attempts, created_at)
		VALUES (?, ?, ?, 0, ?)
	`, queue, string(payload), store.FormatTime(now.Add(delay)), store.FormatTime(now))
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	return nil
}

// Receive leases the oldest visible message on the named queue. Returns
// (nil, nil) when nothing is due. The store's single connection makes the
// select-then-lease pair effectively atomic, and the WHERE clause on the
// update guards against a concurrent lease regardless.
func (q *SQLite) Receive(ctx context.Context, queue string, leaseFor time.Duration) (*Message, error) {
	now := q.clock.Now()
	nowStr := store.FormatTime(now)

	msg := &Message{Queue: queue}
	var payload string
	err := q.db.QueryRowContext(ctx, `
		SELECT id, payload, attempts
		FROM queue_messages
		WHERE queue = ? AND visible_at <= ? AND (leased_until IS NULL OR leased_until <= ?)
		ORDER BY visible_at ASC, id ASC
		LIMIT 1
	`, queue, nowStr, nowStr).Scan(&msg.ID, &payload, &msg.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to receive from %s: %w", queue, err)
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET leased_until = ?, attempts = attempts + 1
		WHERE id = ? AND (leased_until IS NULL OR leased_until <= ?)
	`, store.FormatTime(now.Add(leaseFor)), msg.ID, nowStr)
	if err != nil {
		return nil, fmt.Errorf("failed to lease message %d: %w", msg.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		// Lost the lease race; let the caller poll again.
		return nil, err
	}

	msg.Payload = []byte(payload)
	msg.Attempts++
	return msg, nil
}

// Ack removes a message permanently.
func (q *SQLite) Ack(ctx context.Context, id int64) error {
	if _, err := q.db.ExecContext(ctx, "DELETE FROM queue_messages WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to ack message %d: %w", id, err)
	}
	return nil
}

// Retry releases a message back to its queue, visible after delay.
func (q *SQLite) Retry(ctx context.Context, id int64, delay time.Duration) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET visible_at = ?, leased_until = NULL
		WHERE id = ?
	`, store.FormatTime(q.clock.Now().Add(delay)), id)
	if err != nil {
		return fmt.Errorf("failed to retry message %d: %w", id, err)
	}
	return nil
}

// Depth returns the number of messages on the named queue regardless of
// visibility. Used by health reporting and tests.
func (q *SQLite) Depth(ctx context.Context, queue string) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM queue_messages WHERE queue = ?", queue).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", queue, err)
	}
	return n, nil
}
