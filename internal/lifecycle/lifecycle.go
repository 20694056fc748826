// Package lifecycle drives workflow state transitions: activate, pause,
// resume, archive. Transitions fan out to the action queue and subscriber
// rows so the engine's behavior tracks the workflow's status immediately.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/journey-engine/internal/domain"
	"github.com/ignite/journey-engine/internal/pkg/logger"
	"github.com/ignite/journey-engine/internal/queue"
	"github.com/ignite/journey-engine/internal/schedule"
	"github.com/ignite/journey-engine/internal/store"
)

// Controller coordinates workflow lifecycle transitions.
type Controller struct {
	store *store.Store
	queue *queue.Store
	clock schedule.Clock
}

// NewController creates a lifecycle controller.
func NewController(st *store.Store, q *queue.Store, clock schedule.Clock) *Controller {
	return &Controller{store: st, queue: q, clock: clock}
}

// Activate validates the workflow graph and moves draft or paused to
// active. Validation failures leave the status untouched.
func (c *Controller) Activate(ctx context.Context, id uuid.UUID) error {
	wf, err := c.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if err := wf.Validate(); err != nil {
		return fmt.Errorf("workflow %s not activatable: %w", id, err)
	}

	err = c.store.TransitionStatus(ctx, id,
		[]domain.WorkflowStatus{domain.WorkflowDraft, domain.WorkflowPaused},
		domain.WorkflowActive)
	if err != nil {
		return err
	}

	c.appendLifecycleEvent(ctx, id, domain.EventWorkflowActivated, nil)
	logger.Info("workflow activated", "workflow", id.String(), "name", wf.Name)
	return nil
}

// Pause freezes an active workflow. Pending queue items are cancelled;
// subscribers keep their next_action document so Resume can rebuild the
// queue. In-flight (processing) items finish or get reclaimed, and the
// commit-time status recheck suppresses their forward movement.
func (c *Controller) Pause(ctx context.Context, id uuid.UUID) error {
	err := c.store.TransitionStatus(ctx, id,
		[]domain.WorkflowStatus{domain.WorkflowActive}, domain.WorkflowPaused)
	if err != nil {
		return err
	}

	cancelled, err := c.queue.CancelWorkflow(ctx, id)
	if err != nil {
		return fmt.Errorf("cancel queue on pause: %w", err)
	}

	c.appendLifecycleEvent(ctx, id, domain.EventWorkflowPaused,
		map[string]any{"cancelled_items": cancelled})
	logger.Info("workflow paused", "workflow", id.String(),
		"cancelled_items", fmt.Sprintf("%d", cancelled))
	return nil
}

// Resume moves a paused workflow back to active and re-enqueues every
// subscriber's stored next action. Actions whose due time passed while
// paused dispatch immediately; future ones keep their original schedule.
func (c *Controller) Resume(ctx context.Context, id uuid.UUID) error {
	err := c.store.TransitionStatus(ctx, id,
		[]domain.WorkflowStatus{domain.WorkflowPaused}, domain.WorkflowActive)
	if err != nil {
		return err
	}

	resumable, err := c.store.ListResumable(ctx, id)
	if err != nil {
		return fmt.Errorf("list resumable: %w", err)
	}

	now := c.clock.Now().UTC()
	requeued := 0
	for _, r := range resumable {
		due := r.Next.ScheduledFor
		if due.Before(now) {
			due = now
		}
		item := &domain.QueueItem{
			WorkflowID:   id,
			SubscriberID: r.ID,
			StepID:       r.Next.StepID,
			StepKind:     r.Next.Kind,
			ScheduledFor: due,
		}
		if err := c.queue.Enqueue(ctx, item); err != nil {
			if errors.Is(err, queue.ErrSubscriberBusy) {
				continue
			}
			logger.Error("resume enqueue", "subscriber", r.ID.String(), "error", err.Error())
			continue
		}
		requeued++
	}

	c.appendLifecycleEvent(ctx, id, domain.EventWorkflowActivated,
		map[string]any{"resumed": true, "requeued_items": requeued})
	logger.Info("workflow resumed", "workflow", id.String(),
		"requeued_items", fmt.Sprintf("%d", requeued))
	return nil
}

// Archive retires a workflow permanently: every live subscriber is
// force-exited and its queue items cancelled. Archived workflows never
// enroll again.
func (c *Controller) Archive(ctx context.Context, id uuid.UUID) error {
	err := c.store.TransitionStatus(ctx, id,
		[]domain.WorkflowStatus{domain.WorkflowDraft, domain.WorkflowActive,
			domain.WorkflowPaused, domain.WorkflowCompleted},
		domain.WorkflowArchived)
	if err != nil {
		return err
	}

	if _, err := c.queue.CancelWorkflow(ctx, id); err != nil {
		return fmt.Errorf("cancel queue on archive: %w", err)
	}

	ids, err := c.store.TerminateAllActive(ctx, id, domain.SubscriberExited, domain.ExitReentryArchived)
	if err != nil {
		return fmt.Errorf("terminate subscribers on archive: %w", err)
	}

	for _, subID := range ids {
		if err := c.queue.CancelSubscriber(ctx, subID); err != nil {
			logger.Error("archive cancel queue", "subscriber", subID.String(), "error", err.Error())
		}
		sid := subID
		if err := c.store.AppendEvent(ctx, &domain.Event{
			WorkflowID:   id,
			SubscriberID: &sid,
			Kind:         domain.EventSubscriberExited,
			Data:         map[string]any{"reason": domain.ExitReentryArchived},
		}); err != nil {
			logger.Error("archive exit event", "subscriber", subID.String(), "error", err.Error())
		}
	}
	if n := int64(len(ids)); n > 0 {
		if err := c.store.IncrementStat(ctx, id, "currently_active", -n); err != nil {
			logger.Error("archive stat", "workflow", id.String(), "error", err.Error())
		}
		if err := c.store.IncrementStat(ctx, id, "exited", n); err != nil {
			logger.Error("archive stat", "workflow", id.String(), "error", err.Error())
		}
	}

	c.appendLifecycleEvent(ctx, id, domain.EventWorkflowCompleted,
		map[string]any{"archived": true, "exited_subscribers": len(ids)})
	logger.Info("workflow archived", "workflow", id.String(),
		"exited_subscribers", fmt.Sprintf("%d", len(ids)))
	return nil
}

func (c *Controller) appendLifecycleEvent(ctx context.Context, id uuid.UUID, kind domain.EventKind, data map[string]any) {
	if err := c.store.AppendEvent(ctx, &domain.Event{
		WorkflowID: id,
		Kind:       kind,
		Data:       data,
	}); err != nil {
		logger.Error("lifecycle event", "workflow", id.String(), "error", err.Error())
	}
}
