package executor

import (
	"context"
	"fmt"

	"github.com/ignite/journey-engine/internal/contacts"
	"github.com/ignite/journey-engine/internal/domain"
	"github.com/ignite/journey-engine/internal/schedule"
	"github.com/ignite/journey-engine/internal/store"
	"github.com/ignite/journey-engine/internal/transport"
)

// Outcome says where the subscriber goes after a step executes.
type Outcome string

const (
	// OutcomeAdvance moves to the next step in linear order.
	OutcomeAdvance Outcome = "advance"
	// OutcomeGoTo jumps to an explicit branch target.
	OutcomeGoTo Outcome = "goto"
	// OutcomeTerminate ends the journey.
	OutcomeTerminate Outcome = "terminate"
)

// Transition is the result of executing one step. Failed marks the step as
// failed in history and stats while still honoring Outcome (a webhook 4xx
// fails the step but the journey continues).
type Transition struct {
	Outcome Outcome
	GoTo    domain.StepID

	TerminateStatus domain.SubscriberStatus
	TerminateReason string

	Failed  bool
	FailMsg string

	// Detail lands in the step's history entry.
	Detail map[string]interface{}

	// Events are extra audit records beyond the standard step_completed.
	Events     []domain.Event
	StatDeltas []store.StatDelta
}

func advance() *Transition { return &Transition{Outcome: OutcomeAdvance} }

func terminate(status domain.SubscriberStatus, reason string) *Transition {
	return &Transition{Outcome: OutcomeTerminate, TerminateStatus: status, TerminateReason: reason}
}

// Executor dispatches queue items to per-kind step handlers.
type Executor struct {
	store    *store.Store
	contacts *contacts.Store
	sender   transport.EmailSender
	webhooks *transport.WebhookCaller
	notifier transport.Notifier
	renderer *Renderer
	tracker  *Tracker
	keys     *KeyFactory
	clock    schedule.Clock
}

// New creates an executor. sender may be nil in environments without an
// email transport; send_email steps then fail permanently.
func New(st *store.Store, cs *contacts.Store, sender transport.EmailSender,
	webhooks *transport.WebhookCaller, notifier transport.Notifier,
	renderer *Renderer, tracker *Tracker, keys *KeyFactory, clock schedule.Clock) *Executor {
	return &Executor{
		store:    st,
		contacts: cs,
		sender:   sender,
		webhooks: webhooks,
		notifier: notifier,
		renderer: renderer,
		tracker:  tracker,
		keys:     keys,
		clock:    clock,
	}
}

// Execute runs one step for one subscriber. The returned error is
// classified: transient errors requeue the item, permanent ones dead-letter
// it. A nil error always carries a Transition.
func (e *Executor) Execute(ctx context.Context, wf *domain.Workflow, sub *domain.Subscriber,
	contact *domain.Contact, step *domain.Step, item *domain.QueueItem) (*Transition, error) {

	if !domain.KnownStepKind(step.Kind) {
		return terminate(domain.SubscriberExited, domain.ExitUnsupportedStep), nil
	}

	switch step.Kind {
	case domain.StepSendEmail:
		return e.executeEmail(ctx, wf, sub, contact, step, item)
	case domain.StepWait:
		// Waits are materialized when the successor is enqueued; a wait item
		// reaching execution (legacy data) just advances.
		return advance(), nil
	case domain.StepCondition:
		return e.executeCondition(ctx, wf, sub, contact, step)
	case domain.StepTagAdd, domain.StepTagRemove:
		return e.executeTags(ctx, sub, contact, step)
	case domain.StepListAdd, domain.StepListRemove:
		return e.executeList(ctx, contact, step)
	case domain.StepWebhook:
		return e.executeWebhook(ctx, wf, sub, contact, step, item)
	case domain.StepNotification:
		return e.executeNotification(ctx, wf, contact, step)
	case domain.StepContactUpdate:
		return e.executeContactUpdate(ctx, contact, step)
	case domain.StepGoalCheck:
		return e.executeGoal(wf, sub, step)
	case domain.StepSplitTest:
		return e.executeSplit(sub, step)
	}
	return nil, transport.Permanentf("unhandled step kind %s", step.Kind)
}

// executeGoal records the conversion and completes the journey.
func (e *Executor) executeGoal(wf *domain.Workflow, sub *domain.Subscriber, step *domain.Step) (*Transition, error) {
	goalName := ""
	if step.Goal != nil {
		goalName = step.Goal.Name
	}

	tr := terminate(domain.SubscriberCompleted, domain.ExitGoalReached)
	tr.Detail = map[string]interface{}{"goal": goalName}
	tr.Events = []domain.Event{{
		WorkflowID:   wf.ID,
		SubscriberID: &sub.ID,
		Kind:         domain.EventGoalReached,
		StepID:       step.ID,
		StepKind:     step.Kind,
		Email:        sub.Email,
		Data:         map[string]interface{}{"goal": goalName},
	}}
	tr.StatDeltas = []store.StatDelta{{Field: "goal_reached", Delta: 1}}
	return tr, nil
}

// executeSplit draws a variant from the subscriber's stable seed so a
// re-executed item lands on the same arm.
func (e *Executor) executeSplit(sub *domain.Subscriber, step *domain.Step) (*Transition, error) {
	if step.Split == nil || len(step.Split.Variants) == 0 {
		return nil, transport.Permanentf("split step %s has no variants", step.ID)
	}

	draw := seededDraw(sub.Seed, step.ID)
	cumulative := 0
	variant := step.Split.Variants[len(step.Split.Variants)-1]
	for _, v := range step.Split.Variants {
		cumulative += v.Percentage
		if draw < cumulative {
			variant = v
			break
		}
	}

	tr := &Transition{
		Outcome: OutcomeGoTo,
		GoTo:    variant.NextStepID,
		Detail:  map[string]interface{}{"variant": variant.Name, "draw": draw},
	}
	return tr, nil
}

func (e *Executor) executeNotification(ctx context.Context, wf *domain.Workflow,
	contact *domain.Contact, step *domain.Step) (*Transition, error) {
	cfg := step.Notification

	message, err := e.renderer.Render(cfg.Message, Bindings(contact, wf, ""))
	if err != nil {
		return nil, transport.Permanentf("render notification: %v", err)
	}
	subject := cfg.Subject
	if subject == "" {
		subject = fmt.Sprintf("Journey alert: %s", wf.Name)
	}

	tr := advance()
	tr.Detail = map[string]interface{}{"channel": cfg.Channel, "recipient": cfg.Recipient}
	if err := e.notifier.Notify(ctx, cfg.Channel, cfg.Recipient, subject, message); err != nil {
		if transport.IsTransient(err) {
			return nil, err
		}
		// Permanent alert-channel rejection: record the failure, keep
		// moving. Same shape as a webhook 4xx.
		tr.Failed = true
		tr.FailMsg = err.Error()
		tr.Detail["error"] = err.Error()
	}
	return tr, nil
}

func (e *Executor) executeContactUpdate(ctx context.Context, contact *domain.Contact, step *domain.Step) (*Transition, error) {
	if err := e.contacts.UpdateFields(ctx, contact.ID, step.ContactUpdate.Fields); err != nil {
		return nil, transport.Transient(err)
	}
	fields := make([]string, 0, len(step.ContactUpdate.Fields))
	for k := range step.ContactUpdate.Fields {
		fields = append(fields, k)
	}
	tr := advance()
	tr.Detail = map[string]interface{}{"fields": fields}
	return tr, nil
}
