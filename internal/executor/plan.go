package executor

import (
	"fmt"
	"time"

	"github.com/ignite/journey-engine/internal/domain"
	"github.com/ignite/journey-engine/internal/schedule"
	"github.com/ignite/journey-engine/internal/store"
)

// Plan is the result of resolving a subscriber's next dispatch. Wait steps
// are consumed here, at enqueue time: each one becomes a completed history
// entry and pushes the due time forward, so the queue only ever holds
// actionable steps.
type Plan struct {
	// Entries are the materialized wait steps, in execution order.
	Entries []domain.HistoryEntry

	// Target is the actionable step to enqueue. Nil when the journey ends
	// instead; Terminal then says how.
	Target *domain.Step
	DueAt  time.Time

	Terminal *store.Termination
}

// PlanNext walks from the given step (which may itself be a wait) to the
// next actionable step. Cycle detection spans both the subscriber's
// persisted history and the wait entries materialized in this walk. A nil
// start step completes the journey.
func PlanNext(wf *domain.Workflow, sub *domain.Subscriber, start *domain.Step, now time.Time) (*Plan, error) {
	plan := &Plan{DueAt: now}
	cursor := now
	step := start

	visited := func(id domain.StepID) bool {
		if sub != nil && sub.HasVisited(id) {
			return true
		}
		for i := range plan.Entries {
			if plan.Entries[i].StepID == id {
				return true
			}
		}
		return false
	}

	for {
		if step == nil {
			plan.Terminal = &store.Termination{
				Status: domain.SubscriberCompleted,
				Reason: domain.ExitEndOfWorkflow,
			}
			return plan, nil
		}
		if visited(step.ID) {
			plan.Terminal = &store.Termination{
				Status: domain.SubscriberExited,
				Reason: domain.ExitCycle,
			}
			return plan, nil
		}
		if step.Kind != domain.StepWait {
			break
		}

		due, err := schedule.MaterializeWait(*step.Wait, wf.Timezone, cursor)
		if err != nil {
			return nil, fmt.Errorf("materialize wait %s: %w", step.ID, err)
		}
		plan.Entries = append(plan.Entries, domain.HistoryEntry{
			StepID:      step.ID,
			Kind:        domain.StepWait,
			Outcome:     domain.HistoryCompleted,
			EnteredAt:   cursor,
			CompletedAt: cursor,
			Detail:      map[string]interface{}{"due": due.UTC().Format(time.RFC3339)},
		})
		cursor = due
		step = wf.NextLinear(step.ID)
	}

	if step.Kind == domain.StepSendEmail && wf.Window != nil {
		windowed, err := schedule.NextSendWindow(wf.Timezone, *wf.Window, cursor)
		if err != nil {
			return nil, fmt.Errorf("send window for %s: %w", step.ID, err)
		}
		cursor = windowed
	}

	plan.Target = step
	plan.DueAt = cursor
	return plan, nil
}

// ResolveGoTo maps a branch target id to its step. A missing id is a
// definition defect; the subscriber exits rather than stalling.
func ResolveGoTo(wf *domain.Workflow, id domain.StepID) (*domain.Step, *store.Termination) {
	if step := wf.StepByID(id); step != nil {
		return step, nil
	}
	return nil, &store.Termination{
		Status: domain.SubscriberExited,
		Reason: domain.ExitDanglingBranch,
	}
}

// Successor builds the queue item and subscriber position documents for a
// plan with a target.
func (p *Plan) Successor(sub *domain.Subscriber) (*domain.QueueItem, *domain.CurrentStep, *domain.NextAction) {
	if p.Target == nil {
		return nil, nil, nil
	}
	item := &domain.QueueItem{
		WorkflowID:   sub.WorkflowID,
		SubscriberID: sub.ID,
		StepID:       p.Target.ID,
		StepKind:     p.Target.Kind,
		ScheduledFor: p.DueAt,
	}
	current := &domain.CurrentStep{StepID: p.Target.ID, EnteredAt: p.DueAt}
	next := &domain.NextAction{StepID: p.Target.ID, Kind: p.Target.Kind, ScheduledFor: p.DueAt}
	return item, current, next
}
