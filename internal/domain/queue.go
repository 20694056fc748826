package domain

import (
	"time"

	"github.com/google/uuid"
)

// QueueStatus enumerates the states of an action-queue item.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
	QueueCancelled  QueueStatus = "cancelled"
)

// QueueItem is a due-time-indexed execution record for one
// (subscriber, step) pair. At most one pending or processing item exists
// per subscriber at any time.
type QueueItem struct {
	ID           uuid.UUID   `json:"id"`
	WorkflowID   uuid.UUID   `json:"workflow_id"`
	SubscriberID uuid.UUID   `json:"subscriber_id"`
	StepID       StepID      `json:"step_id"`
	StepKind     StepKind    `json:"step_kind"`
	ScheduledFor time.Time   `json:"scheduled_for"`
	Status       QueueStatus `json:"status"`

	// Attempts counts lease acquisitions. AttemptEpoch counts prior
	// non-transient dispatches and feeds the idempotency key, so transient
	// retries reuse the key while a fresh dispatch gets a new one.
	Attempts     int `json:"attempts"`
	AttemptEpoch int `json:"attempt_epoch"`

	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	Error          string     `json:"error,omitempty"`
	Result         string     `json:"result,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}
