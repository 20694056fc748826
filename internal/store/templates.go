package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Template is a stored email template referenced by send_email steps.
type Template struct {
	ID      string
	Subject string
	HTML    string
	Text    string
}

// ErrTemplateNotFound means a send_email step references a template that
// does not exist for the tenant. This is a permanent failure.
var ErrTemplateNotFound = errors.New("template not found")

// GetTemplate loads a tenant's template by id.
func (s *Store) GetTemplate(ctx context.Context, tenantID uuid.UUID, templateID string) (*Template, error) {
	var t Template
	var text sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, subject, html_content, text_content
		FROM automation_templates
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, templateID).Scan(&t.ID, &t.Subject, &t.HTML, &text)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	t.Text = text.String
	return &t, nil
}
