package executor

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/ignite/journey-engine/internal/domain"
	"github.com/ignite/journey-engine/internal/transport"
)

// executeTags applies a tag_add or tag_remove step and checks the
// workflow's tag exit conditions against the contact's new tag set.
func (e *Executor) executeTags(ctx context.Context, sub *domain.Subscriber,
	contact *domain.Contact, step *domain.Step) (*Transition, error) {

	tags := step.Tags.Tags
	var err error
	var eventKind domain.EventKind
	if step.Kind == domain.StepTagAdd {
		err = e.contacts.AddTags(ctx, contact.ID, tags)
		eventKind = domain.EventTagAdded
	} else {
		err = e.contacts.RemoveTags(ctx, contact.ID, tags)
		eventKind = domain.EventTagRemoved
	}
	if err != nil {
		return nil, transport.Transient(err)
	}

	tr := advance()
	tr.Detail = map[string]interface{}{"tags": tags}
	tr.Events = []domain.Event{{
		WorkflowID:   sub.WorkflowID,
		SubscriberID: &sub.ID,
		Kind:         eventKind,
		StepID:       step.ID,
		StepKind:     step.Kind,
		Email:        sub.Email,
		Data:         map[string]interface{}{"tags": tags},
	}}
	return tr, nil
}

// CheckTagExit reports whether adding the given tags satisfies the
// workflow's exit conditions. The worker consults this after a tag_add and
// after inbound tag_added events.
func CheckTagExit(wf *domain.Workflow, added []string) bool {
	if len(wf.Exit.Tags) == 0 {
		return false
	}
	for _, got := range added {
		for _, exit := range wf.Exit.Tags {
			if strings.EqualFold(got, exit) {
				return true
			}
		}
	}
	return false
}

// executeList adds or removes the contact from an external list, modeled as
// segment membership.
func (e *Executor) executeList(ctx context.Context, contact *domain.Contact, step *domain.Step) (*Transition, error) {
	listID, err := uuid.Parse(step.List.ListID)
	if err != nil {
		return nil, transport.Permanentf("list step references bad list id %q", step.List.ListID)
	}

	if step.Kind == domain.StepListAdd {
		err = e.contacts.AddToSegment(ctx, contact.ID, listID)
	} else {
		err = e.contacts.RemoveFromSegment(ctx, contact.ID, listID)
	}
	if err != nil {
		return nil, transport.Transient(err)
	}

	tr := advance()
	tr.Detail = map[string]interface{}{"list_id": step.List.ListID}
	return tr, nil
}
