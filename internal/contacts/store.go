// Package contacts persists contact profiles and segment membership.
// Workflow steps mutate contacts through this store so tag and field
// changes are visible to later condition steps in the same journey.
package contacts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/journey-engine/internal/domain"
)

// ErrNotFound is returned when no contact matches the lookup.
var ErrNotFound = errors.New("contact not found")

// Store is the Postgres-backed contact repository.
type Store struct {
	db *sql.DB
}

// NewStore creates a contact store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const contactColumns = `
	id, tenant_id, email, first_name, last_name,
	COALESCE(tags, '{}'), COALESCE(custom_fields, '{}'),
	unsubscribed, bounced, last_activity_at, created_at, updated_at
`

func scanContact(scan func(...interface{}) error) (*domain.Contact, error) {
	var c domain.Contact
	var tags pq.StringArray
	var fields []byte
	var lastActivity sql.NullTime

	err := scan(&c.ID, &c.TenantID, &c.Email, &c.FirstName, &c.LastName,
		&tags, &fields, &c.Unsubscribed, &c.Bounced, &lastActivity,
		&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan contact: %w", err)
	}

	c.Tags = tags
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &c.CustomFields); err != nil {
			return nil, fmt.Errorf("decode custom fields: %w", err)
		}
	}
	if lastActivity.Valid {
		c.LastActivityAt = &lastActivity.Time
	}
	return &c, nil
}

func (s *Store) collect(rows *sql.Rows) ([]*domain.Contact, error) {
	var out []*domain.Contact
	for rows.Next() {
		c, err := scanContact(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetByID loads a contact by primary key.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*domain.Contact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM automation_contacts WHERE id = $1`, id)
	return scanContact(row.Scan)
}

// GetByEmail loads a contact by tenant and email.
func (s *Store) GetByEmail(ctx context.Context, tenantID uuid.UUID, email string) (*domain.Contact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM automation_contacts WHERE tenant_id = $1 AND LOWER(email) = LOWER($2)`,
		tenantID, email)
	return scanContact(row.Scan)
}

// AddTags appends tags the contact does not already carry. The array math
// happens in SQL so concurrent workers cannot clobber each other's writes.
func (s *Store) AddTags(ctx context.Context, id uuid.UUID, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE automation_contacts
		SET tags = (
			SELECT ARRAY(SELECT DISTINCT t FROM unnest(COALESCE(tags, '{}') || $2::text[]) AS t)
		),
		updated_at = NOW()
		WHERE id = $1
	`, id, pq.StringArray(tags))
	if err != nil {
		return fmt.Errorf("add tags: %w", err)
	}
	return nil
}

// RemoveTags removes the given tags if present.
func (s *Store) RemoveTags(ctx context.Context, id uuid.UUID, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE automation_contacts
		SET tags = (
			SELECT ARRAY(SELECT t FROM unnest(COALESCE(tags, '{}')) AS t WHERE NOT t = ANY($2::text[]))
		),
		updated_at = NOW()
		WHERE id = $1
	`, id, pq.StringArray(tags))
	if err != nil {
		return fmt.Errorf("remove tags: %w", err)
	}
	return nil
}

// UpdateFields merges the given custom fields into the contact's profile.
// JSONB concatenation keeps keys not named in fields untouched.
func (s *Store) UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode custom fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE automation_contacts
		SET custom_fields = COALESCE(custom_fields, '{}'::jsonb) || $2::jsonb,
		    updated_at = NOW()
		WHERE id = $1
	`, id, payload)
	if err != nil {
		return fmt.Errorf("update fields: %w", err)
	}
	return nil
}

// SetUnsubscribed flips the global suppression flag.
func (s *Store) SetUnsubscribed(ctx context.Context, id uuid.UUID, unsubscribed bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE automation_contacts SET unsubscribed = $2, updated_at = NOW() WHERE id = $1
	`, id, unsubscribed)
	if err != nil {
		return fmt.Errorf("set unsubscribed: %w", err)
	}
	return nil
}

// MarkBounced records a hard bounce; bounced contacts are suppressed from
// sends the same way unsubscribes are.
func (s *Store) MarkBounced(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE automation_contacts SET bounced = TRUE, updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark bounced: %w", err)
	}
	return nil
}

// TouchActivity bumps last_activity_at (opens, clicks, site events). The
// no-activity trigger sweeps against this column.
func (s *Store) TouchActivity(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE automation_contacts SET last_activity_at = NOW(), updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("touch activity: %w", err)
	}
	return nil
}

// InSegment reports whether the contact belongs to the segment.
func (s *Store) InSegment(ctx context.Context, contactID, segmentID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM automation_segment_members
			WHERE segment_id = $1 AND contact_id = $2
		)
	`, segmentID, contactID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("segment membership: %w", err)
	}
	return exists, nil
}

// AddToSegment inserts segment membership, tolerating repeats.
func (s *Store) AddToSegment(ctx context.Context, contactID, segmentID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO automation_segment_members (segment_id, contact_id, added_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (segment_id, contact_id) DO NOTHING
	`, segmentID, contactID)
	if err != nil {
		return fmt.Errorf("add to segment: %w", err)
	}
	return nil
}

// DueForDateTrigger returns contacts whose date custom field lands on
// target. With anniversary=true only the month and day must match (birthday
// style); otherwise the full date must equal target. Rows with a missing or
// malformed field are skipped by the cast guard.
func (s *Store) DueForDateTrigger(ctx context.Context, tenantID uuid.UUID, field string, target time.Time, anniversary bool) ([]*domain.Contact, error) {
	var query string
	var args []interface{}
	if anniversary {
		query = `
			SELECT ` + contactColumns + `
			FROM automation_contacts
			WHERE tenant_id = $1
			  AND NOT unsubscribed
			  AND custom_fields->>$2 ~ '^\d{4}-\d{2}-\d{2}'
			  AND to_char((custom_fields->>$2)::date, 'MM-DD') = $3
		`
		args = []interface{}{tenantID, field, target.Format("01-02")}
	} else {
		query = `
			SELECT ` + contactColumns + `
			FROM automation_contacts
			WHERE tenant_id = $1
			  AND NOT unsubscribed
			  AND custom_fields->>$2 ~ '^\d{4}-\d{2}-\d{2}'
			  AND (custom_fields->>$2)::date = $3::date
		`
		args = []interface{}{tenantID, field, target.Format("2006-01-02")}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("date trigger scan: %w", err)
	}
	defer rows.Close()
	return s.collect(rows)
}

// InactiveSince returns contacts with no recorded activity since the
// cutoff. Contacts that never had activity use their creation time.
func (s *Store) InactiveSince(ctx context.Context, tenantID uuid.UUID, cutoff time.Time, limit int) ([]*domain.Contact, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contactColumns+`
		FROM automation_contacts
		WHERE tenant_id = $1
		  AND NOT unsubscribed
		  AND COALESCE(last_activity_at, created_at) < $2
		ORDER BY COALESCE(last_activity_at, created_at)
		LIMIT $3
	`, tenantID, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("inactivity scan: %w", err)
	}
	defer rows.Close()
	return s.collect(rows)
}

// RemoveFromSegment deletes segment membership if present.
func (s *Store) RemoveFromSegment(ctx context.Context, contactID, segmentID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM automation_segment_members WHERE segment_id = $1 AND contact_id = $2
	`, segmentID, contactID)
	if err != nil {
		return fmt.Errorf("remove from segment: %w", err)
	}
	return nil
}
