package domain

import (
	"time"

	"github.com/google/uuid"
)

// SubscriberStatus enumerates the runtime states of a journey instance.
type SubscriberStatus string

const (
	SubscriberActive    SubscriberStatus = "active"
	SubscriberCompleted SubscriberStatus = "completed"
	SubscriberExited    SubscriberStatus = "exited"
	SubscriberFailed    SubscriberStatus = "failed"
	SubscriberPaused    SubscriberStatus = "paused"
)

// Terminal reports whether the status is an end state.
func (s SubscriberStatus) Terminal() bool {
	return s == SubscriberCompleted || s == SubscriberExited || s == SubscriberFailed
}

// Exit reasons recorded on termination.
const (
	ExitStepRemoved       = "step_removed"
	ExitCycle             = "cycle"
	ExitUnsupportedStep   = "unsupported_step"
	ExitDanglingBranch    = "dangling_branch"
	ExitReentryArchived   = "automation_archived"
	ExitUnsubscribed      = "unsubscribed"
	ExitContactMissing    = "contact_missing"
	ExitGoalReached       = "goal_reached"
	ExitConditionTerminal = "condition_terminal"
	ExitEndOfWorkflow     = "end_of_workflow"
)

// HistoryOutcome is the recorded result of one executed step.
type HistoryOutcome string

const (
	HistoryCompleted HistoryOutcome = "completed"
	HistorySkipped   HistoryOutcome = "skipped"
	HistoryFailed    HistoryOutcome = "failed"
)

// HistoryEntry is one record in a subscriber's append-only journey log.
// CompletedAt >= EnteredAt, and CompletedAt strictly increases across the
// list.
type HistoryEntry struct {
	StepID      StepID         `json:"step_id"`
	Kind        StepKind       `json:"kind"`
	Outcome     HistoryOutcome `json:"outcome"`
	EnteredAt   time.Time      `json:"entered_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Detail      map[string]any `json:"detail,omitempty"`
}

// CurrentStep is the subscriber's position in the graph. Zero value means
// no current step (terminal states only).
type CurrentStep struct {
	StepID    StepID    `json:"step_id"`
	EnteredAt time.Time `json:"entered_at"`
}

// NextAction is the pending dispatch for an active subscriber.
type NextAction struct {
	StepID       StepID    `json:"step_id"`
	Kind         StepKind  `json:"kind"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

// Subscriber is the runtime instance of one contact flowing through one
// workflow. At most one active subscriber exists per (workflow, email).
type Subscriber struct {
	ID         uuid.UUID        `json:"id"`
	WorkflowID uuid.UUID        `json:"workflow_id"`
	ContactID  uuid.UUID        `json:"contact_id"`
	Email      string           `json:"email"` // denormalized, stable for the lifetime of the row
	Status     SubscriberStatus `json:"status"`

	Current *CurrentStep `json:"current_step,omitempty"` // nil iff status is terminal
	Next    *NextAction  `json:"next_action,omitempty"`

	History []HistoryEntry `json:"history"`

	EntryCount     int        `json:"entry_count"`
	FirstEnteredAt time.Time  `json:"first_entered_at"`
	LastEnteredAt  time.Time  `json:"last_entered_at"`
	ExitReason     string     `json:"exit_reason,omitempty"`
	ExitedAt       *time.Time `json:"exited_at,omitempty"`

	// Seed drives random/split branch draws so crash-recovery re-execution
	// chooses the same branch.
	Seed int64 `json:"seed"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasVisited reports whether the step already appears in history for this
// enrollment; used for cycle detection.
func (s *Subscriber) HasVisited(id StepID) bool {
	for i := range s.History {
		if s.History[i].StepID == id {
			return true
		}
	}
	return false
}

// VariantFor returns the split-test variant recorded in history for the
// given step, or "" if the step has not executed.
func (s *Subscriber) VariantFor(id StepID) string {
	for i := range s.History {
		if s.History[i].StepID == id {
			if v, ok := s.History[i].Detail["variant"].(string); ok {
				return v
			}
		}
	}
	return ""
}
