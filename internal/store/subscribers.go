package store

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

// ErrAlreadyEnrolled is returned by CreateSubscriber when the contact
// already has a live enrollment in the workflow.
var ErrAlreadyEnrolled = errors.New("contact already enrolled in workflow")

const subscriberColumns = `
	id, workflow_id, contact_id, email, status, current_step, next_action,
	COALESCE(history, '[]'), entry_count, first_entered_at, last_entered_at,
	exit_reason, exited_at, seed, created_at, updated_at
`

func scanSubscriber(scan func(...interface{}) error) (*domain.Subscriber, error) {
	var sub domain.Subscriber
	var current, next sql.NullString
	var history []byte
	var exitReason sql.NullString
	var exitedAt sql.NullTime

	err := scan(&sub.ID, &sub.WorkflowID, &sub.ContactID, &sub.Email, &sub.Status,
		&current, &next, &history, &sub.EntryCount, &sub.FirstEnteredAt,
		&sub.LastEnteredAt, &exitReason, &exitedAt, &sub.Seed,
		&sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscriber: %w", err)
	}

	if current.Valid && current.String != "" && current.String != "null" {
		sub.Current = &domain.CurrentStep{}
		if err := json.Unmarshal([]byte(current.String), sub.Current); err != nil {
			return nil, fmt.Errorf("decode current step: %w", err)
		}
	}
	if next.Valid && next.String != "" && next.String != "null" {
		sub.Next = &domain.NextAction{}
		if err := json.Unmarshal([]byte(next.String), sub.Next); err != nil {
			return nil, fmt.Errorf("decode next action: %w", err)
		}
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &sub.History); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
	}
	if exitReason.Valid {
		sub.ExitReason = exitReason.String
	}
	if exitedAt.Valid {
		sub.ExitedAt = &exitedAt.Time
	}
	return &sub, nil
}

// GetSubscriber loads a subscriber by id.
func (s *Store) GetSubscriber(ctx context.Context, id uuid.UUID) (*domain.Subscriber, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriberColumns+` FROM automation_subscribers WHERE id = $1`, id)
	return scanSubscriber(row.Scan)
}

// ActiveSubscriber returns the live enrollment for (workflow, email), or
// ErrNotFound. At most one exists thanks to a unique partial index.
func (s *Store) ActiveSubscriber(ctx context.Context, workflowID uuid.UUID, email string) (*domain.Subscriber, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+subscriberColumns+`
		FROM automation_subscribers
		WHERE workflow_id = $1 AND LOWER(email) = LOWER($2) AND status IN ('active', 'paused')
	`, workflowID, email)
	return scanSubscriber(row.Scan)
}

// EntrySummary feeds the reentry gate: how many times the contact has been
// through the workflow and when it last entered.
type EntrySummary struct {
	Count          int
	FirstEnteredAt *time.Time
	LastEnteredAt  *time.Time
}

// EntryHistory summarizes prior enrollments of (workflow, email).
func (s *Store) EntryHistory(ctx context.Context, workflowID uuid.UUID, email string) (EntrySummary, error) {
	var sum EntrySummary
	var first, last sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(first_entered_at), MAX(last_entered_at)
		FROM automation_subscribers
		WHERE workflow_id = $1 AND LOWER(email) = LOWER($2)
	`, workflowID, email).Scan(&sum.Count, &first, &last)
	if err != nil {
		return sum, fmt.Errorf("entry history: %w", err)
	}
	if first.Valid {
		sum.FirstEnteredAt = &first.Time
	}
	if last.Valid {
		sum.LastEnteredAt = &last.Time
	}
	return sum, nil
}

// CreateSubscriber inserts a new enrollment. The unique partial index on
// (workflow_id, email) WHERE status IN ('active','paused') makes concurrent
// duplicate enrollments lose cleanly; callers treat a conflict as already
// enrolled.
func (s *Store) CreateSubscriber(ctx context.Context, sub *domain.Subscriber) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}

	current, next, history, err := encodeSubscriberDocs(sub)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO automation_subscribers
		(id, workflow_id, contact_id, email, status, current_step, next_action,
		 history, entry_count, first_entered_at, last_entered_at, seed,
		 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
	`, sub.ID, sub.WorkflowID, sub.ContactID, sub.Email, sub.Status,
		current, next, history, sub.EntryCount, sub.FirstEnteredAt.UTC(),
		sub.LastEnteredAt.UTC(), sub.Seed)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrAlreadyEnrolled
		}
		return fmt.Errorf("create subscriber: %w", err)
	}
	return nil
}

// Terminate moves a subscriber to a terminal status, clearing its position
// and appending a closing history entry when provided.
func (s *Store) Terminate(ctx context.Context, id uuid.UUID, status domain.SubscriberStatus, reason string, entry *domain.HistoryEntry) error {
	return terminateSubscriber(ctx, s.db, id, status, reason, entry)
}

func terminateSubscriber(ctx context.Context, ex execer, id uuid.UUID, status domain.SubscriberStatus, reason string, entry *domain.HistoryEntry) error {
	if !status.Terminal() {
		return fmt.Errorf("terminate: %s is not a terminal status", status)
	}

	historyAppend := []byte("[]")
	if entry != nil {
		raw, err := json.Marshal([]domain.HistoryEntry{*entry})
		if err != nil {
			return fmt.Errorf("encode closing history entry: %w", err)
		}
		historyAppend = raw
	}

	res, err := ex.ExecContext(ctx, `
		UPDATE automation_subscribers
		SET status = $2,
		    exit_reason = $3,
		    exited_at = NOW(),
		    current_step = NULL,
		    next_action = NULL,
		    history = COALESCE(history, '[]'::jsonb) || $4::jsonb,
		    updated_at = NOW()
		WHERE id = $1 AND status IN ('active', 'paused')
	`, id, status, reason, historyAppend)
	if err != nil {
		return fmt.Errorf("terminate subscriber: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TerminateAllActive force-exits every live subscriber of a workflow
// (archive fan-out). Returns the ids that were terminated so the caller can
// cancel their queue items and emit events.
func (s *Store) TerminateAllActive(ctx context.Context, workflowID uuid.UUID, status domain.SubscriberStatus, reason string) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE automation_subscribers
		SET status = $2,
		    exit_reason = $3,
		    exited_at = NOW(),
		    current_step = NULL,
		    next_action = NULL,
		    updated_at = NOW()
		WHERE workflow_id = $1 AND status IN ('active', 'paused')
		RETURNING id
	`, workflowID, status, reason)
	if err != nil {
		return nil, fmt.Errorf("terminate all: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ResumableSubscriber is an active subscriber whose pending action needs a
// fresh queue item after a workflow resume.
type ResumableSubscriber struct {
	ID   uuid.UUID
	Next domain.NextAction
}

// ListResumable returns active subscribers of the workflow that carry a
// next_action document.
func (s *Store) ListResumable(ctx context.Context, workflowID uuid.UUID) ([]ResumableSubscriber, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, next_action
		FROM automation_subscribers
		WHERE workflow_id = $1 AND status = 'active' AND next_action IS NOT NULL
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list resumable: %w", err)
	}
	defer rows.Close()

	var out []ResumableSubscriber
	for rows.Next() {
		var r ResumableSubscriber
		var next []byte
		if err := rows.Scan(&r.ID, &next); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(next, &r.Next); err != nil {
			return nil, fmt.Errorf("decode next action: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func encodeSubscriberDocs(sub *domain.Subscriber) (current, next interface{}, history []byte, err error) {
	if sub.Current != nil {
		raw, merr := json.Marshal(sub.Current)
		if merr != nil {
			return nil, nil, nil, fmt.Errorf("encode current step: %w", merr)
		}
		current = raw
	}
	if sub.Next != nil {
		raw, merr := json.Marshal(sub.Next)
		if merr != nil {
			return nil, nil, nil, fmt.Errorf("encode next action: %w", merr)
		}
		next = raw
	}
	if sub.History == nil {
		history = []byte("[]")
	} else if history, err = json.Marshal(sub.History); err != nil {
		return nil, nil, nil, fmt.Errorf("encode history: %w", err)
	}
	return current, next, history, nil
}
