package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventKind enumerates the append-only audit events the engine emits.
type EventKind string

const (
	EventWorkflowActivated  EventKind = "workflow_activated"
	EventWorkflowPaused     EventKind = "workflow_paused"
	EventWorkflowCompleted  EventKind = "workflow_completed"
	EventSubscriberEntered  EventKind = "subscriber_entered"
	EventSubscriberExited   EventKind = "subscriber_exited"
	EventStepStarted        EventKind = "step_started"
	EventStepCompleted      EventKind = "step_completed"
	EventStepFailed         EventKind = "step_failed"
	EventEmailSent          EventKind = "email_sent"
	EventEmailOpened        EventKind = "email_opened"
	EventEmailClicked       EventKind = "email_clicked"
	EventConditionEvaluated EventKind = "condition_evaluated"
	EventTagAdded           EventKind = "tag_added"
	EventTagRemoved         EventKind = "tag_removed"
	EventWebhookCalled      EventKind = "webhook_called"
	EventGoalReached        EventKind = "goal_reached"
	EventError              EventKind = "error"
)

// Event is one append-only audit record. IdempotencyKey is set for
// email_sent so retried sends deduplicate at write time.
type Event struct {
	ID           uuid.UUID  `json:"id"`
	WorkflowID   uuid.UUID  `json:"workflow_id"`
	SubscriberID *uuid.UUID `json:"subscriber_id,omitempty"`
	Kind         EventKind  `json:"kind"`
	StepID       StepID     `json:"step_id,omitempty"`
	StepKind     StepKind   `json:"step_kind,omitempty"`
	Email        string     `json:"email,omitempty"`

	Data           map[string]any `json:"data,omitempty"`
	Error          string         `json:"error,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// InboundEvent is a domain event consumed from the external event bus.
type InboundEvent struct {
	Kind       TriggerKind    `json:"kind"`
	TenantID   uuid.UUID      `json:"tenant"`
	Email      string         `json:"email"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`

	// DedupeKey, when set, makes enrollment idempotent across redeliveries
	// (used by the date-based and inactivity sweepers).
	DedupeKey string `json:"dedupe_key,omitempty"`
}

// DeliveryEvent is one record from the ESP delivery webhook bus.
type DeliveryEvent struct {
	MessageID  string    `json:"message_id"`
	Event      string    `json:"event"` // delivered|opened|clicked|bounced|complained|unsubscribed
	URL        string    `json:"url,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
