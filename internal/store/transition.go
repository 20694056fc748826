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

// ErrWorkflowInactive is returned by CommitTransition when the workflow was
// paused or archived while the step ran. The queue item is cancelled and no
// subscriber state changes.
var ErrWorkflowInactive = errors.New("workflow no longer active")

// StatDelta is one workflow counter bump applied inside the commit.
type StatDelta struct {
	Field string
	Delta int64
}

// StepStatDelta is one per-step counter bump applied inside the commit.
type StepStatDelta struct {
	StepID domain.StepID
	Field  string
	Delta  int64
}

// Commit describes everything a finished step execution changes. It is
// applied in one transaction: the queue item completes, history grows, the
// subscriber moves (or terminates), the successor enqueues, and audit
// events append. Either all of it lands or none of it does.
type Commit struct {
	ItemID       uuid.UUID
	WorkflowID   uuid.UUID
	SubscriberID uuid.UUID

	// HistoryEntries are appended to the subscriber's journey log, in
	// order. Materialized waits produce more than one.
	HistoryEntries []domain.HistoryEntry

	// NewCurrent is the subscriber's next position. Nil together with
	// Terminate means the journey ends here.
	NewCurrent *domain.CurrentStep
	NextAction *domain.NextAction

	// SuccessorItem, when set, is enqueued for NextAction.
	SuccessorItem *domain.QueueItem

	// Terminate, when set, closes the enrollment.
	Terminate *Termination

	Events     []domain.Event
	StatDeltas []StatDelta
	StepStats  []StepStatDelta
}

// Termination closes a subscriber with a terminal status and reason.
type Termination struct {
	Status domain.SubscriberStatus
	Reason string
}

// CommitTransition applies a finished step execution atomically. The
// workflow status is re-read inside the transaction: if it is no longer
// active (and the commit is not itself a termination), the transition is
// suppressed, the item is cancelled, and ErrWorkflowInactive is returned.
// The subscriber keeps its position for a later resume.
func (s *Store) CommitTransition(ctx context.Context, c Commit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM automation_workflows WHERE id = $1 FOR SHARE`,
		c.WorkflowID).Scan(&status)
	if err != nil {
		return fmt.Errorf("recheck workflow status: %w", err)
	}

	if domain.WorkflowStatus(status) != domain.WorkflowActive && c.Terminate == nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE automation_queue
			SET status = 'cancelled', error_message = 'workflow inactive at commit',
			    lease_owner = NULL, lease_expires_at = NULL
			WHERE id = $1 AND status = 'processing'
		`, c.ItemID); err != nil {
			return fmt.Errorf("cancel item: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit cancel: %w", err)
		}
		return ErrWorkflowInactive
	}

	// Completing the item guards against a lost lease: if a reclaim handed
	// this item to another worker, our row no longer reads processing with
	// our transition and the whole commit rolls back.
	res, err := tx.ExecContext(ctx, `
		UPDATE automation_queue
		SET status = 'completed', lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $1 AND status = 'processing'
	`, c.ItemID)
	if err != nil {
		return fmt.Errorf("complete item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}

	if err := s.applySubscriberChange(ctx, tx, c); err != nil {
		return err
	}

	if c.SuccessorItem != nil {
		it := c.SuccessorItem
		if it.ID == uuid.Nil {
			it.ID = uuid.New()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO automation_queue
			(id, workflow_id, subscriber_id, step_id, step_kind, scheduled_for,
			 status, attempts, attempt_epoch, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0, $7, NOW())
		`, it.ID, it.WorkflowID, it.SubscriberID, it.StepID, it.StepKind,
			it.ScheduledFor.UTC(), it.AttemptEpoch); err != nil {
			return fmt.Errorf("enqueue successor: %w", err)
		}
	}

	for i := range c.Events {
		if err := appendEvent(ctx, tx, &c.Events[i]); err != nil {
			return err
		}
	}
	for _, d := range c.StatDeltas {
		if err := incrementStat(ctx, tx, c.WorkflowID, d.Field, d.Delta); err != nil {
			return err
		}
	}
	for _, d := range c.StepStats {
		if err := incrementStepStat(ctx, tx, c.WorkflowID, d.StepID, d.Field, d.Delta); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// DeadLetter closes an exhausted or permanently failed item together with
// its enrollment.
type DeadLetter struct {
	ItemID       uuid.UUID
	WorkflowID   uuid.UUID
	SubscriberID uuid.UUID
	ErrMsg       string

	HistoryEntry domain.HistoryEntry
	Events       []domain.Event
}

// DeadLetter applies a terminal failure in one transaction: the item is
// marked failed, the subscriber terminates as failed with the failure
// history entry, its remaining pending items are cancelled, audit events
// append, and the workflow counters move. Split across statements, a crash
// between the item update and the termination would strand an active
// subscriber with no live queue item. Returns ErrLeaseLost when the item
// was reclaimed mid-flight; nothing is written then.
func (s *Store) DeadLetter(ctx context.Context, d DeadLetter) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin dead-letter: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE automation_queue
		SET status = 'failed', error_message = $2, lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $1 AND status = 'processing'
	`, d.ItemID, d.ErrMsg)
	if err != nil {
		return fmt.Errorf("dead-letter item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}

	historyAppend, err := json.Marshal([]domain.HistoryEntry{d.HistoryEntry})
	if err != nil {
		return fmt.Errorf("encode failure entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE automation_subscribers
		SET status = $2,
		    exit_reason = $3,
		    exited_at = NOW(),
		    current_step = NULL,
		    next_action = NULL,
		    history = COALESCE(history, '[]'::jsonb) || $4::jsonb,
		    updated_at = NOW()
		WHERE id = $1
	`, d.SubscriberID, domain.SubscriberFailed, "step_failed", historyAppend); err != nil {
		return fmt.Errorf("fail subscriber: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE automation_queue
		SET status = 'cancelled'
		WHERE subscriber_id = $1 AND status = 'pending'
	`, d.SubscriberID); err != nil {
		return fmt.Errorf("cancel remaining items: %w", err)
	}

	for i := range d.Events {
		if err := appendEvent(ctx, tx, &d.Events[i]); err != nil {
			return err
		}
	}
	if err := incrementStat(ctx, tx, d.WorkflowID, "currently_active", -1); err != nil {
		return err
	}
	if err := incrementStat(ctx, tx, d.WorkflowID, "failed", 1); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit dead-letter: %w", err)
	}
	return nil
}

func (s *Store) applySubscriberChange(ctx context.Context, tx *sql.Tx, c Commit) error {
	historyAppend := []byte("[]")
	if len(c.HistoryEntries) > 0 {
		raw, err := json.Marshal(c.HistoryEntries)
		if err != nil {
			return fmt.Errorf("encode history entries: %w", err)
		}
		historyAppend = raw
	}

	if c.Terminate != nil {
		if !c.Terminate.Status.Terminal() {
			return fmt.Errorf("commit: %s is not a terminal status", c.Terminate.Status)
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE automation_subscribers
			SET status = $2,
			    exit_reason = $3,
			    exited_at = NOW(),
			    current_step = NULL,
			    next_action = NULL,
			    history = COALESCE(history, '[]'::jsonb) || $4::jsonb,
			    updated_at = NOW()
			WHERE id = $1
		`, c.SubscriberID, c.Terminate.Status, c.Terminate.Reason, historyAppend)
		if err != nil {
			return fmt.Errorf("terminate subscriber: %w", err)
		}
		return nil
	}

	var current, next interface{}
	if c.NewCurrent != nil {
		raw, err := json.Marshal(c.NewCurrent)
		if err != nil {
			return fmt.Errorf("encode current step: %w", err)
		}
		current = raw
	}
	if c.NextAction != nil {
		raw, err := json.Marshal(c.NextAction)
		if err != nil {
			return fmt.Errorf("encode next action: %w", err)
		}
		next = raw
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE automation_subscribers
		SET current_step = $2,
		    next_action = $3,
		    history = COALESCE(history, '[]'::jsonb) || $4::jsonb,
		    updated_at = NOW()
		WHERE id = $1
	`, c.SubscriberID, current, next, historyAppend)
	if err != nil {
		return fmt.Errorf("advance subscriber: %w", err)
	}
	return nil
}
