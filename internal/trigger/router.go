// Package trigger turns external events into enrollments. The router
// matches inbound events against active workflow triggers and walks each
// candidate through the entry gates; the sweepers synthesize events for
// the time-based triggers nothing external fires.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"github.com/google/uuid"

	"github.com/ignite/journey-engine/internal/contacts"
	"github.com/ignite/journey-engine/internal/domain"
	"github.com/ignite/journey-engine/internal/executor"
	"github.com/ignite/journey-engine/internal/pkg/logger"
	"github.com/ignite/journey-engine/internal/queue"
	"github.com/ignite/journey-engine/internal/schedule"
	"github.com/ignite/journey-engine/internal/store"
)

// DenyReason explains why an entry gate rejected an enrollment.
type DenyReason string

const (
	DenyAlreadyActive   DenyReason = "already_active"
	DenyMaxEntries      DenyReason = "max_entries"
	DenyReentryBlocked  DenyReason = "reentry_blocked"
	DenyReentryCooldown DenyReason = "reentry_cooldown"
	DenyExcludedTag     DenyReason = "excluded_tag"
	DenyMissingTag      DenyReason = "missing_filter_tag"
	DenyNotInSegment    DenyReason = "not_in_segment"
	DenySuppressed      DenyReason = "suppressed"
)

// Router fans inbound events across matching workflows and enrolls
// contacts that pass the entry gates.
type Router struct {
	store    *store.Store
	contacts *contacts.Store
	queue    *queue.Store
	clock    schedule.Clock
}

// NewRouter creates a trigger router.
func NewRouter(st *store.Store, cs *contacts.Store, q *queue.Store, clock schedule.Clock) *Router {
	return &Router{store: st, contacts: cs, queue: q, clock: clock}
}

// HandleEvent processes one inbound event: enrollment into every matching
// active workflow, plus tag-based exit checks when the event is tag_added.
// Per-workflow failures are logged and do not stop the fan-out.
func (r *Router) HandleEvent(ctx context.Context, ev domain.InboundEvent) error {
	contact, err := r.contacts.GetByEmail(ctx, ev.TenantID, ev.Email)
	if errors.Is(err, contacts.ErrNotFound) {
		logger.Debug("trigger event for unknown contact", "kind", string(ev.Kind), "email", ev.Email)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load contact: %w", err)
	}

	workflows, err := r.store.ListActiveByTrigger(ctx, ev.TenantID, ev.Kind)
	if err != nil {
		return fmt.Errorf("list workflows: %w", err)
	}

	var firstErr error
	for _, wf := range workflows {
		if !triggerMatches(wf, ev) {
			continue
		}
		if _, err := r.Enroll(ctx, wf, contact, ev.DedupeKey); err != nil {
			logger.Error("enroll failed", "workflow", wf.ID.String(), "email", contact.Email, "error", err.Error())
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if ev.Kind == domain.TriggerTagAdded {
		if tag, _ := ev.Payload["tag"].(string); tag != "" {
			if err := r.applyTagExits(ctx, contact, tag); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// triggerMatches narrows a kind-level match to the trigger's configuration.
// An unset spec field matches anything.
func triggerMatches(wf *domain.Workflow, ev domain.InboundEvent) bool {
	get := func(key string) string {
		v, _ := ev.Payload[key].(string)
		return v
	}
	spec := wf.Trigger
	switch spec.Kind {
	case domain.TriggerListSubscribe:
		return spec.ListID == "" || spec.ListID == get("list_id")
	case domain.TriggerTagAdded:
		return spec.Tag == "" || strings.EqualFold(spec.Tag, get("tag"))
	case domain.TriggerSegmentEnter:
		return spec.SegmentID == "" || spec.SegmentID == get("segment_id")
	case domain.TriggerFormSubmit:
		return spec.FormID == "" || spec.FormID == get("form_id")
	case domain.TriggerEmailReceived:
		return spec.InboxID == "" || spec.InboxID == get("inbox_id")
	case domain.TriggerManual, domain.TriggerAPI:
		// Manual and API events target one workflow explicitly.
		return get("workflow_id") == wf.ID.String()
	case domain.TriggerLinkClicked, domain.TriggerEmailOpened,
		domain.TriggerDateBased, domain.TriggerNoActivity:
		return true
	}
	return false
}

// CheckEntry walks the entry gates in order: live enrollment, entry cap,
// reentry policy, exclude tags, filter tags, segment filter. The first
// failing gate names the denial.
func (r *Router) CheckEntry(ctx context.Context, wf *domain.Workflow, contact *domain.Contact) (DenyReason, error) {
	if contact.Unsubscribed || contact.Bounced {
		return DenySuppressed, nil
	}

	if _, err := r.store.ActiveSubscriber(ctx, wf.ID, contact.Email); err == nil {
		return DenyAlreadyActive, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	history, err := r.store.EntryHistory(ctx, wf.ID, contact.Email)
	if err != nil {
		return "", err
	}
	if history.Count > 0 {
		if wf.Entry.MaxEntriesPerContact > 0 && history.Count >= wf.Entry.MaxEntriesPerContact {
			return DenyMaxEntries, nil
		}
		if !wf.Entry.AllowReentry {
			return DenyReentryBlocked, nil
		}
		if wf.Entry.ReentryWaitDays > 0 && history.LastEnteredAt != nil {
			cooldown := history.LastEnteredAt.AddDate(0, 0, wf.Entry.ReentryWaitDays)
			if r.clock.Now().Before(cooldown) {
				return DenyReentryCooldown, nil
			}
		}
	}

	if len(wf.Entry.ExcludeTags) > 0 && contact.HasAnyTag(wf.Entry.ExcludeTags) {
		return DenyExcludedTag, nil
	}
	if len(wf.Entry.FilterTags) > 0 && !contact.HasAnyTag(wf.Entry.FilterTags) {
		return DenyMissingTag, nil
	}
	if wf.Entry.FilterSegment != "" {
		segID, err := uuid.Parse(wf.Entry.FilterSegment)
		if err != nil {
			return "", fmt.Errorf("workflow %s has bad filter segment %q", wf.ID, wf.Entry.FilterSegment)
		}
		in, err := r.contacts.InSegment(ctx, contact.ID, segID)
		if err != nil {
			return "", err
		}
		if !in {
			return DenyNotInSegment, nil
		}
	}
	return "", nil
}

// Enroll creates a subscriber at the workflow's entry step and enqueues its
// first actionable item. Returns the subscriber, or nil when an entry gate
// (or the dedupe mark) declined.
func (r *Router) Enroll(ctx context.Context, wf *domain.Workflow, contact *domain.Contact, dedupeKey string) (*domain.Subscriber, error) {
	deny, err := r.CheckEntry(ctx, wf, contact)
	if err != nil {
		return nil, err
	}
	if deny != "" {
		logger.Debug("enrollment denied", "workflow", wf.ID.String(), "email", contact.Email, "reason", string(deny))
		return nil, nil
	}

	if dedupeKey != "" {
		fresh, err := r.store.ClaimSweepMark(ctx, wf.ID, dedupeKey)
		if err != nil {
			return nil, err
		}
		if !fresh {
			return nil, nil
		}
	}

	now := r.clock.Now().UTC()
	history, err := r.store.EntryHistory(ctx, wf.ID, contact.Email)
	if err != nil {
		return nil, err
	}

	sub := &domain.Subscriber{
		ID:             uuid.New(),
		WorkflowID:     wf.ID,
		ContactID:      contact.ID,
		Email:          contact.Email,
		Status:         domain.SubscriberActive,
		EntryCount:     history.Count + 1,
		FirstEnteredAt: now,
		LastEnteredAt:  now,
		Seed:           rand.Int63(),
	}
	if history.FirstEnteredAt != nil {
		// Keep the original first entry time across reentries.
		sub.FirstEnteredAt = *history.FirstEnteredAt
	}

	plan, err := executor.PlanNext(wf, sub, wf.EntryStep(), now)
	if err != nil {
		return nil, err
	}

	var item *domain.QueueItem
	if plan.Terminal != nil {
		sub.Status = plan.Terminal.Status
		sub.ExitReason = plan.Terminal.Reason
		sub.History = plan.Entries
		exited := now
		sub.ExitedAt = &exited
	} else {
		var current *domain.CurrentStep
		var next *domain.NextAction
		item, current, next = plan.Successor(sub)
		sub.History = plan.Entries
		sub.Current = current
		sub.Next = next
	}

	if err := r.store.CreateSubscriber(ctx, sub); err != nil {
		if errors.Is(err, store.ErrAlreadyEnrolled) {
			return nil, nil
		}
		return nil, err
	}
	if item != nil {
		if err := r.queue.Enqueue(ctx, item); err != nil && !errors.Is(err, queue.ErrSubscriberBusy) {
			return nil, err
		}
	}
	return r.finishEnroll(ctx, wf, sub, contact)
}

func (r *Router) finishEnroll(ctx context.Context, wf *domain.Workflow, sub *domain.Subscriber, contact *domain.Contact) (*domain.Subscriber, error) {
	if err := r.store.AppendEvent(ctx, &domain.Event{
		WorkflowID:   wf.ID,
		SubscriberID: &sub.ID,
		Kind:         domain.EventSubscriberEntered,
		Email:        contact.Email,
		Data:         map[string]interface{}{"entry_count": sub.EntryCount},
	}); err != nil {
		logger.Error("append enter event", "error", err.Error())
	}
	if err := r.store.IncrementStat(ctx, wf.ID, "total_entered", 1); err != nil {
		logger.Error("bump total_entered", "error", err.Error())
	}
	if sub.Status == domain.SubscriberActive {
		if err := r.store.IncrementStat(ctx, wf.ID, "currently_active", 1); err != nil {
			logger.Error("bump currently_active", "error", err.Error())
		}
	}
	logger.Info("subscriber enrolled", "workflow", wf.ID.String(), "email", contact.Email)
	return sub, nil
}

// applyTagExits terminates active enrollments whose workflow exits on the
// gained tag.
func (r *Router) applyTagExits(ctx context.Context, contact *domain.Contact, tag string) error {
	rows, err := r.store.DB().QueryContext(ctx, `
		SELECT s.id, s.workflow_id
		FROM automation_subscribers s
		JOIN automation_workflows w ON w.id = s.workflow_id
		WHERE LOWER(s.email) = LOWER($1)
		  AND s.status IN ('active', 'paused')
		  AND w.exit_conditions->'tags' IS NOT NULL
		  AND EXISTS (
			SELECT 1 FROM jsonb_array_elements_text(w.exit_conditions->'tags') AS t
			WHERE LOWER(t) = LOWER($2)
		  )
	`, contact.Email, tag)
	if err != nil {
		return fmt.Errorf("tag exit scan: %w", err)
	}
	defer rows.Close()

	type hit struct{ sub, wf uuid.UUID }
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.sub, &h.wf); err != nil {
			return err
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, h := range hits {
		if err := r.store.Terminate(ctx, h.sub, domain.SubscriberCompleted, domain.ExitConditionTerminal, nil); err != nil {
			logger.Error("tag exit terminate", "subscriber", h.sub.String(), "error", err.Error())
			continue
		}
		if err := r.queue.CancelSubscriber(ctx, h.sub); err != nil {
			logger.Error("tag exit cancel queue", "subscriber", h.sub.String(), "error", err.Error())
		}
		_ = r.store.AppendEvent(ctx, &domain.Event{
			WorkflowID:   h.wf,
			SubscriberID: &h.sub,
			Kind:         domain.EventSubscriberExited,
			Email:        contact.Email,
			Data:         map[string]interface{}{"reason": "exit_tag", "tag": tag},
		})
		_ = r.store.IncrementStat(ctx, h.wf, "currently_active", -1)
		_ = r.store.IncrementStat(ctx, h.wf, "completed", 1)
	}
	return nil
}
