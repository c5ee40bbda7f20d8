package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Attempt log statuses. Transitions are monotonic: pending rows move to
// sent/failed/retry_scheduled; retry_scheduled and retrying rows are only
// mutated by the retry consumer; sent and failed are absorbing.
const (
	StatusPending        = "pending"
	StatusSent           = "sent"
	StatusFailed         = "failed"
	StatusRetryScheduled = "retry_scheduled"
	StatusRetrying       = "retrying"
)

// IsTerminalStatus reports whether status is absorbing.
func IsTerminalStatus(status string) bool {
	return status == StatusSent || status == StatusFailed
}

// ErrStaleTransition is returned when a status update matched no row, either
// because the row is gone or because it is no longer in an expected state.
var ErrStaleTransition = errors.New("stale status transition")

// AttemptLog is one (send request, channel) delivery attempt.
type AttemptLog struct {
	ID          int64
	MessageID   string
	RequestID   string
	UserID      string
	ChannelType string
	TemplateKey string
	Subject     string
	Content     string
	Status      string
	Error       string
	RetryCount  int
	CreatedAt   time.Time
	SentAt      time.Time
	UpdatedAt   time.Time
}

// InsertAttempt inserts a new attempt row and fills in its ID. The row is
// always inserted in StatusPending before the adapter is invoked.
func (s *Store) InsertAttempt(ctx context.Context, a *AttemptLog) error {
	now := s.clk.Now()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = StatusPending
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_logs
			(message_id, request_id, user_id, channel_type, template_key, subject, content, status, error, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.MessageID, nullable(a.RequestID), a.UserID, a.ChannelType, nullable(a.TemplateKey),
		nullable(a.Subject), a.Content, a.Status, nullable(a.Error), a.RetryCount,
		FormatTime(a.CreatedAt), FormatTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert attempt: %w", err)
	}

	a.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read attempt id: %w", err)
	}
	return nil
}

// GetAttempt retrieves an attempt row by primary key. Returns ErrNotFound
// when no row exists.
func (s *Store) GetAttempt(ctx context.Context, id int64) (*AttemptLog, error) {
	a := &AttemptLog{}
	var requestID, templateKey, subject, errMsg, sentAt sql.NullString
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, message_id, request_id, user_id, channel_type, template_key, subject, content,
		       status, error, retry_count, created_at, sent_at, updated_at
		FROM notification_logs
		WHERE id = ?
	`, id).Scan(
		&a.ID, &a.MessageID, &requestID, &a.UserID, &a.ChannelType, &templateKey, &subject, &a.Content,
		&a.Status, &errMsg, &a.RetryCount, &createdAt, &sentAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}

	a.RequestID = requestID.String
	a.TemplateKey = templateKey.String
	a.Subject = subject.String
	a.Error = errMsg.String
	if a.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at: %w", err)
	}
	if a.SentAt, err = ParseTime(sentAt.String); err != nil {
		return nil, fmt.Errorf("bad sent_at: %w", err)
	}
	if a.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("bad updated_at: %w", err)
	}
	return a, nil
}

// MarkSent transitions a row to the terminal sent status and stamps sent_at.
func (s *Store) MarkSent(ctx context.Context, id int64, at time.Time) error {
	return s.transition(ctx, id, `
		UPDATE notification_logs
		SET status = ?, sent_at = ?, error = NULL, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)
	`, StatusSent, FormatTime(at), FormatTime(s.clk.Now()), id, StatusSent, StatusFailed)
}

// MarkFailed transitions a row to the terminal failed status with the error
// string and final retry count.
func (s *Store) MarkFailed(ctx context.Context, id int64, errMsg string, retryCount int) error {
	return s.transition(ctx, id, `
		UPDATE notification_logs
		SET status = ?, error = ?, retry_count = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)
	`, StatusFailed, errMsg, retryCount, FormatTime(s.clk.Now()), id, StatusSent, StatusFailed)
}

// MarkRetryScheduled records a retryable failure: the row waits for the
// corresponding queue message with the given retry count.
func (s *Store) MarkRetryScheduled(ctx context.Context, id int64, errMsg string, retryCount int) error {
	return s.transition(ctx, id, `
		UPDATE notification_logs
		SET status = ?, error = ?, retry_count = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)
	`, StatusRetryScheduled, errMsg, retryCount, FormatTime(s.clk.Now()), id, StatusSent, StatusFailed)
}

// MarkRetrying is taken by the retry consumer when it picks up a queue
// message. It only transitions out of retry_scheduled or retrying, so a
// terminal row is left untouched and the caller sees ErrStaleTransition.
func (s *Store) MarkRetrying(ctx context.Context, id int64) error {
	return s.transition(ctx, id, `
		UPDATE notification_logs
		SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, StatusRetrying, FormatTime(s.clk.Now()), id, StatusRetryScheduled, StatusRetrying)
}

func (s *Store) transition(ctx context.Context, id int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update attempt %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("attempt %d: %w", id, ErrStaleTransition)
	}
	return nil
}

// ListRetryScheduledBefore returns attempt rows sitting in retry_scheduled
// whose last update is older than cutoff. The admin retry trigger uses this
// to re-publish queue messages for attempts whose expected process time has
// passed (e.g. after a queue outage).
func (s *Store) ListRetryScheduledBefore(ctx context.Context, cutoff time.Time, limit int) ([]*AttemptLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, retry_count, updated_at
		FROM notification_logs
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?
	`, StatusRetryScheduled, FormatTime(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list retry-scheduled attempts: %w", err)
	}
	defer rows.Close()

	var out []*AttemptLog
	for rows.Next() {
		a := &AttemptLog{Status: StatusRetryScheduled}
		var updatedAt string
		if err := rows.Scan(&a.ID, &a.RetryCount, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		if a.UpdatedAt, err = ParseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("bad updated_at: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempts: %w", err)
	}
	return out, nil
}

// CountAttemptsByRequest returns the number of attempt rows sharing a
// request-correlation id. Used by tests and operational tooling.
func (s *Store) CountAttemptsByRequest(ctx context.Context, requestID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM notification_logs WHERE request_id = ?", requestID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count attempts: %w", err)
	}
	return n, nil
}

// PurgeAttemptsBefore deletes terminal attempt rows created before cutoff.
// Non-terminal rows are kept regardless of age so in-flight retries are
// never orphaned.
func (s *Store) PurgeAttemptsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM notification_logs
		WHERE created_at < ? AND status IN (?, ?)
	`, FormatTime(cutoff), StatusSent, StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("failed to purge attempts: %w", err)
	}
	return res.RowsAffected()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
