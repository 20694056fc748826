// Package queue implements the durable time-ordered action queue. Items are
// leased with FOR UPDATE SKIP LOCKED so any number of workers can pull
// concurrently, and every state transition is a single SQL statement so a
// crashed worker leaves nothing worse than an expired lease.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/journey-engine/internal/domain"
	"github.com/ignite/journey-engine/internal/schedule"
)

const (
	// DefaultMaxAttempts is how many leases an item gets before it is
	// marked failed for good.
	DefaultMaxAttempts = 5

	// DefaultBackoffBase seeds the exponential retry schedule.
	DefaultBackoffBase = 30 * time.Second

	// DefaultBackoffCap bounds a single retry delay.
	DefaultBackoffCap = time.Hour
)

// ErrSubscriberBusy is returned by Enqueue when the subscriber already has
// a pending or processing item (enforced by a unique partial index).
var ErrSubscriberBusy = errors.New("subscriber already has a live queue item")

// Store is the Postgres-backed action queue.
type Store struct {
	db          *sql.DB
	clock       schedule.Clock
	throttle    *SendThrottle
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
}

// NewStore creates a queue store with default retry policy.
func NewStore(db *sql.DB, clock schedule.Clock) *Store {
	return &Store{
		db:          db,
		clock:       clock,
		maxAttempts: DefaultMaxAttempts,
		backoffBase: DefaultBackoffBase,
		backoffCap:  DefaultBackoffCap,
	}
}

// SetThrottle attaches the per-workflow send throttle. Nil disables
// throttling (items dispatch uncapped).
func (s *Store) SetThrottle(t *SendThrottle) { s.throttle = t }

// SetRetryPolicy overrides the default attempt limit and backoff schedule.
func (s *Store) SetRetryPolicy(maxAttempts int, base, cap time.Duration) {
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	if base > 0 {
		s.backoffBase = base
	}
	if cap > 0 {
		s.backoffCap = cap
	}
}

// MaxAttempts returns the configured attempt limit.
func (s *Store) MaxAttempts() int { return s.maxAttempts }

// Enqueue inserts a pending item. The unique partial index
// uq_automation_queue_live (subscriber_id WHERE status IN
// ('pending','processing')) guarantees at most one live item per
// subscriber; violations surface as ErrSubscriberBusy.
func (s *Store) Enqueue(ctx context.Context, item *domain.QueueItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	item.Status = domain.QueuePending

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO automation_queue
		(id, workflow_id, subscriber_id, step_id, step_kind, scheduled_for, status, attempts, attempt_epoch, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0, $7, NOW())
	`, item.ID, item.WorkflowID, item.SubscriberID, item.StepID, item.StepKind,
		item.ScheduledFor.UTC(), item.AttemptEpoch)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrSubscriberBusy
		}
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// LeasedItem is a claimed queue item plus the workflow throttle caps the
// lease needs for send deferral.
type LeasedItem struct {
	domain.QueueItem
	MaxSendsPerHour int
	MaxSendsPerDay  int
}

// Lease atomically claims up to maxItems due pending items for workerID,
// ordered by scheduled_for (created_at tie-break). send_email items that
// would exceed the workflow's hour/day caps are deferred to the next
// window boundary instead of dispatched; throttling never touches other
// step kinds.
func (s *Store) Lease(ctx context.Context, workerID string, maxItems int, leaseDuration time.Duration) ([]domain.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH claimed AS (
			UPDATE automation_queue
			SET status = 'processing',
			    lease_owner = $1,
			    lease_expires_at = NOW() + $3::interval,
			    attempts = attempts + 1,
			    last_attempt_at = NOW()
			WHERE id IN (
				SELECT q.id FROM automation_queue q
				WHERE q.status = 'pending'
				  AND q.scheduled_for <= NOW()
				ORDER BY q.scheduled_for ASC, q.created_at ASC
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, workflow_id, subscriber_id, step_id, step_kind,
			          scheduled_for, attempts, attempt_epoch
		)
		SELECT c.id, c.workflow_id, c.subscriber_id, c.step_id, c.step_kind,
		       c.scheduled_for, c.attempts, c.attempt_epoch,
		       COALESCE(w.max_sends_per_hour, 0), COALESCE(w.max_sends_per_day, 0)
		FROM claimed c
		JOIN automation_workflows w ON w.id = c.workflow_id
	`, workerID, maxItems, leaseDuration.String())
	if err != nil {
		return nil, fmt.Errorf("lease: %w", err)
	}
	defer rows.Close()

	var claimed []LeasedItem
	for rows.Next() {
		var it LeasedItem
		if err := rows.Scan(&it.ID, &it.WorkflowID, &it.SubscriberID, &it.StepID, &it.StepKind,
			&it.ScheduledFor, &it.Attempts, &it.AttemptEpoch,
			&it.MaxSendsPerHour, &it.MaxSendsPerDay); err != nil {
			return nil, fmt.Errorf("lease scan: %w", err)
		}
		it.Status = domain.QueueProcessing
		it.LeaseOwner = workerID
		claimed = append(claimed, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lease rows: %w", err)
	}

	items := make([]domain.QueueItem, 0, len(claimed))
	for _, it := range claimed {
		if it.StepKind == domain.StepSendEmail && s.throttle != nil && (it.MaxSendsPerHour > 0 || it.MaxSendsPerDay > 0) {
			allowed, retryAt, terr := s.throttle.Reserve(ctx, it.WorkflowID, it.MaxSendsPerHour, it.MaxSendsPerDay)
			if terr != nil {
				// Throttle backend trouble: dispatch rather than stall sends.
				items = append(items, it.QueueItem)
				continue
			}
			if !allowed {
				if derr := s.defer_(ctx, it.ID, retryAt); derr != nil {
					return items, fmt.Errorf("defer throttled item %s: %w", it.ID, derr)
				}
				continue
			}
		}
		items = append(items, it.QueueItem)
	}
	return items, nil
}

// defer_ pushes a claimed item back to pending at a later due time without
// consuming an attempt.
func (s *Store) defer_(ctx context.Context, id uuid.UUID, until time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE automation_queue
		SET status = 'pending',
		    scheduled_for = $2,
		    attempts = attempts - 1,
		    lease_owner = NULL,
		    lease_expires_at = NULL
		WHERE id = $1 AND status = 'processing'
	`, id, until.UTC())
	return err
}

// Complete terminally marks a processing item as completed.
func (s *Store) Complete(ctx context.Context, id uuid.UUID, result string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE automation_queue
		SET status = 'completed', result = $2, lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $1 AND status = 'processing'
	`, id, result)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete: item %s not in processing", id)
	}
	return nil
}

// Cancel terminally marks a processing item as cancelled (used when the
// workflow is observed paused/archived at commit time).
func (s *Store) Cancel(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE automation_queue
		SET status = 'cancelled', error_message = $2, lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $1 AND status = 'processing'
	`, id, reason)
	return err
}

// Fail records an error on a processing item. Transient errors under the
// attempt limit reschedule with jittered exponential backoff and return the
// retry time; everything else dead-letters the item (dead=true).
func (s *Store) Fail(ctx context.Context, id uuid.UUID, errMsg string, transient bool) (retryAt *time.Time, dead bool, err error) {
	var attempts int
	if err := s.db.QueryRowContext(ctx,
		`SELECT attempts FROM automation_queue WHERE id = $1`, id).Scan(&attempts); err != nil {
		return nil, false, fmt.Errorf("fail: load attempts: %w", err)
	}

	if transient && attempts < s.maxAttempts {
		at := s.clock.Now().Add(Backoff(s.backoffBase, s.backoffCap, attempts))
		_, err := s.db.ExecContext(ctx, `
			UPDATE automation_queue
			SET status = 'pending',
			    scheduled_for = $2,
			    error_message = $3,
			    lease_owner = NULL,
			    lease_expires_at = NULL
			WHERE id = $1 AND status = 'processing'
		`, id, at.UTC(), errMsg)
		if err != nil {
			return nil, false, fmt.Errorf("fail: reschedule: %w", err)
		}
		return &at, false, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE automation_queue
		SET status = 'failed', error_message = $2, lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $1 AND status = 'processing'
	`, id, errMsg)
	if err != nil {
		return nil, false, fmt.Errorf("fail: dead-letter: %w", err)
	}
	return nil, true, nil
}

// CancelWorkflow cancels all pending items of a workflow (pause/archive
// fan-out). Processing items run to completion; their successors are
// suppressed at commit time instead.
func (s *Store) CancelWorkflow(ctx context.Context, workflowID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE automation_queue
		SET status = 'cancelled'
		WHERE workflow_id = $1 AND status = 'pending'
	`, workflowID)
	if err != nil {
		return 0, fmt.Errorf("cancel workflow: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CancelSubscriber cancels the subscriber's pending item, if any.
func (s *Store) CancelSubscriber(ctx context.Context, subscriberID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE automation_queue
		SET status = 'cancelled'
		WHERE subscriber_id = $1 AND status = 'pending'
	`, subscriberID)
	return err
}

// ReclaimExpired returns processing items with expired leases to pending so
// another worker can pick them up. Idempotency keys inside step execution
// keep the re-run from double-charging external collaborators.
func (s *Store) ReclaimExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE automation_queue
		SET status = 'pending', lease_owner = NULL, lease_expires_at = NULL
		WHERE status = 'processing' AND lease_expires_at < NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("reclaim: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Backoff computes the retry delay after the given number of attempts:
// base * 2^(attempts-1), jittered ±20%, capped.
func Backoff(base, cap time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base << (attempts - 1)
	if d > cap || d <= 0 {
		d = cap
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	d = time.Duration(float64(d) * jitter)
	if d > cap {
		d = cap
	}
	return d
}
