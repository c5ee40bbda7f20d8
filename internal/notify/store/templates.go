package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TemplateHeader is the named template metadata row.
type TemplateHeader struct {
	TemplateKey string
	Name        string
	Description string
	// Variables is the declared variable list, ordered.
	Variables []string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TemplateContent is the channel-specific rendering body of a template.
type TemplateContent struct {
	ID              int64
	TemplateKey     string
	ChannelType     string
	SubjectTemplate string
	ContentTemplate string
	ContentType     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// UpsertTemplateHeader inserts or replaces a template header. Template
// creation performs this write first, then one UpsertTemplateContent per
// channel; there is deliberately no surrounding transaction, so a partial
// failure leaves the header present and some contents missing.
func (s *Store) UpsertTemplateHeader(ctx context.Context, h *TemplateHeader) error {
	now := s.clk.Now()
	h.UpdatedAt = now
	if h.CreatedAt.IsZero() {
		h.CreatedAt = now
	}

	vars, err := json.Marshal(h.Variables)
	if err != nil {
		return fmt.Errorf("failed to marshal variables: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO template_headers (template_key, name, description, variables, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (template_key) DO UPDATE SET
			name        = excluded.name,
			description = excluded.description,
			variables   = excluded.variables,
			is_active   = excluded.is_active,
			updated_at  = excluded.updated_at
	`, h.TemplateKey, h.Name, h.Description, string(vars), boolToInt(h.IsActive),
		FormatTime(h.CreatedAt), FormatTime(h.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert template header: %w", err)
	}
	return nil
}

// GetTemplateHeader retrieves a template header by key. Returns ErrNotFound
// when no row exists.
func (s *Store) GetTemplateHeader(ctx context.Context, templateKey string) (*TemplateHeader, error) {
	h := &TemplateHeader{}
	var active int
	var vars, createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT template_key, name, description, variables, is_active, created_at, updated_at
		FROM template_headers
		WHERE template_key = ?
	`, templateKey).Scan(&h.TemplateKey, &h.Name, &h.Description, &vars, &active, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template header: %w", err)
	}

	h.IsActive = active != 0
	if err := json.Unmarshal([]byte(vars), &h.Variables); err != nil {
		return nil, fmt.Errorf("bad variables list: %w", err)
	}
	if h.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at: %w", err)
	}
	if h.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("bad updated_at: %w", err)
	}
	return h, nil
}

// UpsertTemplateContent inserts or replaces the content row for
// (template key, channel).
func (s *Store) UpsertTemplateContent(ctx context.Context, c *TemplateContent) error {
	now := s.clk.Now()
	c.UpdatedAt = now
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO template_contents (template_key, channel_type, subject_template, content_template, content_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (template_key, channel_type) DO UPDATE SET
			subject_template = excluded.subject_template,
			content_template = excluded.content_template,
			content_type     = excluded.content_type,
			updated_at       = excluded.updated_at
	`, c.TemplateKey, c.ChannelType, c.SubjectTemplate, c.ContentTemplate, c.ContentType,
		FormatTime(c.CreatedAt), FormatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert template content: %w", err)
	}
	return nil
}

// GetTemplateContent retrieves the content row for (template key, channel).
// Returns ErrNotFound when no row exists.
func (s *Store) GetTemplateContent(ctx context.Context, templateKey, channelType string) (*TemplateContent, error) {
	c := &TemplateContent{}
	var subject sql.NullString
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, template_key, channel_type, subject_template, content_template, content_type, created_at, updated_at
		FROM template_contents
		WHERE template_key = ? AND channel_type = ?
	`, templateKey, channelType).Scan(
		&c.ID, &c.TemplateKey, &c.ChannelType, &subject, &c.ContentTemplate, &c.ContentType, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template content: %w", err)
	}

	c.SubjectTemplate = subject.String
	if c.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at: %w", err)
	}
	if c.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("bad updated_at: %w", err)
	}
	return c, nil
}
