package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkflowStatus enumerates the lifecycle states of a workflow.
type WorkflowStatus string

const (
	WorkflowDraft     WorkflowStatus = "draft"
	WorkflowActive    WorkflowStatus = "active"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowArchived  WorkflowStatus = "archived"
)

// TriggerKind enumerates the external events that can enroll a contact.
type TriggerKind string

const (
	TriggerManual        TriggerKind = "manual"
	TriggerListSubscribe TriggerKind = "list_subscribe"
	TriggerTagAdded      TriggerKind = "tag_added"
	TriggerEmailReceived TriggerKind = "email_received"
	TriggerFormSubmit    TriggerKind = "form_submit"
	TriggerDateBased     TriggerKind = "date_based"
	TriggerAPI           TriggerKind = "api"
	TriggerSegmentEnter  TriggerKind = "segment_enter"
	TriggerLinkClicked   TriggerKind = "link_clicked"
	TriggerEmailOpened   TriggerKind = "email_opened"
	TriggerNoActivity    TriggerKind = "no_activity"
)

// TriggerSpec describes what starts a workflow. Only the fields relevant to
// Kind are populated.
type TriggerSpec struct {
	Kind TriggerKind `json:"kind"`

	ListID    string `json:"list_id,omitempty"`    // list_subscribe
	Tag       string `json:"tag,omitempty"`        // tag_added
	SegmentID string `json:"segment_id,omitempty"` // segment_enter
	FormID    string `json:"form_id,omitempty"`    // form_submit
	InboxID   string `json:"inbox_id,omitempty"`   // email_received

	// date_based: anchor field on the contact ("birthday", "signup_date")
	// plus an offset in days. Anniversary=true matches month/day each year.
	DateField   string `json:"date_field,omitempty"`
	OffsetDays  int    `json:"offset_days,omitempty"`
	Anniversary bool   `json:"anniversary,omitempty"`

	// no_activity: days since the contact's last recorded activity.
	InactivityDays int `json:"inactivity_days,omitempty"`
}

// EntryConditions gate enrollment. Zero values mean "no restriction".
type EntryConditions struct {
	MaxEntriesPerContact int      `json:"max_entries_per_contact"` // 0 = unlimited
	AllowReentry         bool     `json:"allow_reentry"`
	ReentryWaitDays      int      `json:"reentry_wait_days"`
	FilterTags           []string `json:"filter_tags,omitempty"`  // require at least one
	ExcludeTags          []string `json:"exclude_tags,omitempty"` // deny on any
	FilterSegment        string   `json:"filter_segment,omitempty"`
}

// ExitConditions force a subscriber out of the workflow mid-journey.
type ExitConditions struct {
	// Gaining any of these tags exits the subscriber as completed.
	Tags []string `json:"tags,omitempty"`
	// Unsubscribe always exits; this is here for explicitness in configs.
	OnUnsubscribe bool `json:"on_unsubscribe"`
}

// SendWindow restricts when send_email steps may dispatch, in the
// workflow's timezone. Hours are [StartHour, EndHour).
type SendWindow struct {
	StartHour  int            `json:"start_hour"`
	EndHour    int            `json:"end_hour"`
	DaysOfWeek []time.Weekday `json:"days_of_week"`
}

// Contains reports whether t (interpreted in the window's zone by the
// caller) falls inside the window.
func (w SendWindow) Contains(t time.Time) bool {
	if t.Hour() < w.StartHour || t.Hour() >= w.EndHour {
		return false
	}
	if len(w.DaysOfWeek) == 0 {
		return true
	}
	for _, d := range w.DaysOfWeek {
		if t.Weekday() == d {
			return true
		}
	}
	return false
}

// Throttle caps send_email dispatch per workflow. 0 = uncapped.
type Throttle struct {
	MaxSendsPerHour int `json:"max_sends_per_hour"`
	MaxSendsPerDay  int `json:"max_sends_per_day"`
}

// WorkflowStats are denormalized counters maintained by the engine.
type WorkflowStats struct {
	TotalEntered    int64 `json:"total_entered"`
	CurrentlyActive int64 `json:"currently_active"`
	Completed       int64 `json:"completed"`
	GoalReached     int64 `json:"goal_reached"`
	Exited          int64 `json:"exited"`
	Failed          int64 `json:"failed"`
	EmailsSent      int64 `json:"emails_sent"`
	EmailsOpened    int64 `json:"emails_opened"`
	EmailsClicked   int64 `json:"emails_clicked"`
	Unsubscribed    int64 `json:"unsubscribed"`
}

// Workflow is a tenant-owned automation definition: a trigger, entry/exit
// gates, and an ordered graph of steps.
type Workflow struct {
	ID       uuid.UUID       `json:"id"`
	TenantID uuid.UUID       `json:"tenant_id"`
	Name     string          `json:"name"`
	Status   WorkflowStatus  `json:"status"`
	Trigger  TriggerSpec     `json:"trigger"`
	Entry    EntryConditions `json:"entry"`
	Exit     ExitConditions  `json:"exit"`
	Window   *SendWindow     `json:"window,omitempty"`
	Throttle Throttle        `json:"throttle"`
	Timezone string          `json:"timezone"`
	Steps    []Step          `json:"steps"`
	Stats    WorkflowStats   `json:"stats"`

	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Editable reports whether the definition may be mutated.
func (w *Workflow) Editable() bool {
	return w.Status == WorkflowDraft || w.Status == WorkflowPaused
}

// StepByID returns the step with the given stable identifier, or nil.
func (w *Workflow) StepByID(id StepID) *Step {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// EntryStep returns the explicitly marked entry step, falling back to the
// lowest-order step. Nil for an empty workflow.
func (w *Workflow) EntryStep() *Step {
	var first *Step
	for i := range w.Steps {
		s := &w.Steps[i]
		if s.Entry {
			return s
		}
		if first == nil || s.Order < first.Order {
			first = s
		}
	}
	return first
}

// NextLinear returns the step with the smallest order strictly greater than
// the given step's order, or nil at the end of the workflow.
func (w *Workflow) NextLinear(after StepID) *Step {
	cur := w.StepByID(after)
	if cur == nil {
		return nil
	}
	var next *Step
	for i := range w.Steps {
		s := &w.Steps[i]
		if s.Order > cur.Order && (next == nil || s.Order < next.Order) {
			next = s
		}
	}
	return next
}

// Validate checks the definition is activatable: at least one step, a
// resolvable entry step, and branch targets that reference real steps.
func (w *Workflow) Validate() error {
	if len(w.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", w.ID)
	}
	if w.EntryStep() == nil {
		return fmt.Errorf("workflow %s has no entry step", w.ID)
	}
	seen := make(map[StepID]bool, len(w.Steps))
	for i := range w.Steps {
		s := &w.Steps[i]
		if s.ID == "" {
			return fmt.Errorf("workflow %s: step %d has no id", w.ID, i)
		}
		if seen[s.ID] {
			return fmt.Errorf("workflow %s: duplicate step id %s", w.ID, s.ID)
		}
		seen[s.ID] = true
		if err := s.ValidateConfig(); err != nil {
			return fmt.Errorf("workflow %s: %w", w.ID, err)
		}
	}
	return nil
}
