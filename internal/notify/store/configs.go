package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// ChannelConfig is a per-user delivery endpoint configuration. Payload is the
// AES-GCM encrypted JSON blob (base64); decryption happens in the cache layer.
type ChannelConfig struct {
	ID          int64
	UserID      string
	ChannelType string
	Payload     string
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UpsertChannelConfig inserts or replaces the configuration for
// (user, channel). The admin surface is the only writer.
func (s *Store) UpsertChannelConfig(ctx context.Context, cfg *ChannelConfig) error {
	now := s.clk.Now()
	cfg.UpdatedAt = now
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_configs (user_id, channel_type, config_payload, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, channel_type) DO UPDATE SET
			config_payload = excluded.config_payload,
			is_active      = excluded.is_active,
			updated_at     = excluded.updated_at
	`, cfg.UserID, cfg.ChannelType, cfg.Payload, boolToInt(cfg.IsActive),
		FormatTime(cfg.CreatedAt), FormatTime(cfg.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert channel config: %w", err)
	}
	return nil
}

// GetChannelConfig retrieves the configuration row for (user, channel),
// active or not. Returns ErrNotFound when no row exists.
func (s *Store) GetChannelConfig(ctx context.Context, userID, channelType string) (*ChannelConfig, error) {
	cfg := &ChannelConfig{}
	var active int
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, channel_type, config_payload, is_active, created_at, updated_at
		FROM channel_configs
		WHERE user_id = ? AND channel_type = ?
	`, userID, channelType).Scan(
		&cfg.ID, &cfg.UserID, &cfg.ChannelType, &cfg.Payload, &active, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel config: %w", err)
	}

	cfg.IsActive = active != 0
	if cfg.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at: %w", err)
	}
	if cfg.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("bad updated_at: %w", err)
	}
	return cfg, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
