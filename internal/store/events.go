package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/journey-engine/internal/domain"
)

// AppendEvent writes one audit record. email_sent events carry an
// idempotency key guarded by a unique index; a redelivered send writes
// nothing the second time.
func (s *Store) AppendEvent(ctx context.Context, ev *domain.Event) error {
	return appendEvent(ctx, s.db, ev)
}

func appendEvent(ctx context.Context, ex execer, ev *domain.Event) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}

	var data interface{}
	if len(ev.Data) > 0 {
		raw, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("encode event data: %w", err)
		}
		data = raw
	}

	var subscriberID interface{}
	if ev.SubscriberID != nil {
		subscriberID = *ev.SubscriberID
	}
	var idemKey interface{}
	if ev.IdempotencyKey != "" {
		idemKey = ev.IdempotencyKey
	}

	_, err := ex.ExecContext(ctx, `
		INSERT INTO automation_events
		(id, workflow_id, subscriber_id, kind, step_id, step_kind, email,
		 data, error_message, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
	`, ev.ID, ev.WorkflowID, subscriberID, ev.Kind, string(ev.StepID),
		string(ev.StepKind), ev.Email, data, ev.Error, idemKey)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// HasOpened reports whether the subscriber opened the email sent by the
// given step (any send of it).
func (s *Store) HasOpened(ctx context.Context, subscriberID uuid.UUID, stepID domain.StepID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM automation_events
			WHERE subscriber_id = $1 AND kind = 'email_opened' AND step_id = $2
		)
	`, subscriberID, string(stepID)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has opened: %w", err)
	}
	return exists, nil
}

// HasClicked reports whether the subscriber clicked a link in the email
// sent by the given step, optionally narrowed to one URL.
func (s *Store) HasClicked(ctx context.Context, subscriberID uuid.UUID, stepID domain.StepID, url string) (bool, error) {
	var exists bool
	var err error
	if url == "" {
		err = s.db.QueryRowContext(ctx, `
			SELECT EXISTS(
				SELECT 1 FROM automation_events
				WHERE subscriber_id = $1 AND kind = 'email_clicked' AND step_id = $2
			)
		`, subscriberID, string(stepID)).Scan(&exists)
	} else {
		err = s.db.QueryRowContext(ctx, `
			SELECT EXISTS(
				SELECT 1 FROM automation_events
				WHERE subscriber_id = $1 AND kind = 'email_clicked' AND step_id = $2
				  AND data->>'url' = $3
			)
		`, subscriberID, string(stepID), url).Scan(&exists)
	}
	if err != nil {
		return false, fmt.Errorf("has clicked: %w", err)
	}
	return exists, nil
}

// SendRecord correlates an ESP message id back to the journey send that
// produced it.
type SendRecord struct {
	WorkflowID   uuid.UUID
	SubscriberID uuid.UUID
	StepID       domain.StepID
	Email        string
}

// FindSendByMessageID resolves a delivery event's message id to the
// originating send, or ErrNotFound.
func (s *Store) FindSendByMessageID(ctx context.Context, messageID string) (*SendRecord, error) {
	var rec SendRecord
	var stepID string
	err := s.db.QueryRowContext(ctx, `
		SELECT workflow_id, subscriber_id, step_id, email
		FROM automation_events
		WHERE kind = 'email_sent' AND data->>'message_id' = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, messageID).Scan(&rec.WorkflowID, &rec.SubscriberID, &stepID, &rec.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find send: %w", err)
	}
	rec.StepID = domain.StepID(stepID)
	return &rec, nil
}

// ListEventsBySubscriber returns the subscriber's audit trail, oldest
// first. Used by the admin dump command.
func (s *Store) ListEventsBySubscriber(ctx context.Context, subscriberID uuid.UUID, limit int) ([]*domain.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, subscriber_id, kind, step_id, step_kind, email,
		       data, error_message, created_at
		FROM automation_events
		WHERE subscriber_id = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, subscriberID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*domain.Event
	for rows.Next() {
		var ev domain.Event
		var subID uuid.NullUUID
		var stepID, stepKind, email, errMsg sql.NullString
		var data []byte
		if err := rows.Scan(&ev.ID, &ev.WorkflowID, &subID, &ev.Kind, &stepID,
			&stepKind, &email, &data, &errMsg, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if subID.Valid {
			ev.SubscriberID = &subID.UUID
		}
		ev.StepID = domain.StepID(stepID.String)
		ev.StepKind = domain.StepKind(stepKind.String)
		ev.Email = email.String
		ev.Error = errMsg.String
		if len(data) > 0 {
			if err := json.Unmarshal(data, &ev.Data); err != nil {
				return nil, fmt.Errorf("decode event data: %w", err)
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}
