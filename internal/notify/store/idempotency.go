package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrDuplicateKey is returned when an idempotency insert loses the race on
// the (user, key) unique constraint.
var ErrDuplicateKey = errors.New("duplicate idempotency key")

// IdempotencyRecord is the replay index entry of one deduplicated send.
type IdempotencyRecord struct {
	ID             int64
	UserID         string
	IdempotencyKey string
	RequestHash    string
	// Results is the serialized per-channel result set (JSON).
	Results   string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// GetIdempotency looks up an unexpired record for (user, key). Expired rows
// are ignored as if absent; cleanup purges them later.
func (s *Store) GetIdempotency(ctx context.Context, userID, key string, now time.Time) (*IdempotencyRecord, error) {
	r := &IdempotencyRecord{}
	var expiresAt, createdAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, idempotency_key, request_hash, results, expires_at, created_at
		FROM idempotency_keys
		WHERE user_id = ? AND idempotency_key = ? AND expires_at > ?
	`, userID, key, FormatTime(now)).Scan(
		&r.ID, &r.UserID, &r.IdempotencyKey, &r.RequestHash, &r.Results, &expiresAt, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}

	if r.ExpiresAt, err = ParseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("bad expires_at: %w", err)
	}
	if r.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at: %w", err)
	}
	return r, nil
}

// InsertIdempotency stores the result set of a first dispatch. A concurrent
// insert losing the unique-constraint race returns ErrDuplicateKey; the
// caller discards its copy and lets later readers see the stored set.
func (s *Store) InsertIdempotency(ctx context.Context, r *IdempotencyRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.clk.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (user_id, idempotency_key, request_hash, results, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.UserID, r.IdempotencyKey, r.RequestHash, r.Results,
		FormatTime(r.ExpiresAt), FormatTime(r.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert idempotency record: %w", err)
	}
	return nil
}

// PurgeExpiredIdempotency deletes records whose expiry has passed.
func (s *Store) PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM idempotency_keys WHERE expires_at <= ?", FormatTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to purge idempotency records: %w", err)
	}
	return res.RowsAffected()
}
