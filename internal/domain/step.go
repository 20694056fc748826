package domain

import (
	"fmt"
	"time"
)

// StepID is the stable per-workflow identifier of a step. It is assigned at
// creation and never reused; branches reference steps by this id, never by
// position.
type StepID string

// StepKind discriminates the tagged step-config variant.
type StepKind string

const (
	StepSendEmail     StepKind = "send_email"
	StepWait          StepKind = "wait"
	StepCondition     StepKind = "condition"
	StepTagAdd        StepKind = "tag_add"
	StepTagRemove     StepKind = "tag_remove"
	StepListAdd       StepKind = "list_add"
	StepListRemove    StepKind = "list_remove"
	StepWebhook       StepKind = "webhook"
	StepNotification  StepKind = "notification"
	StepContactUpdate StepKind = "contact_update"
	StepGoalCheck     StepKind = "goal_check"
	StepSplitTest     StepKind = "split_test"
)

// KnownStepKind reports whether the engine can execute this kind. Unknown
// kinds exit the subscriber as unsupported_step (forward compatibility).
func KnownStepKind(k StepKind) bool {
	switch k {
	case StepSendEmail, StepWait, StepCondition, StepTagAdd, StepTagRemove,
		StepListAdd, StepListRemove, StepWebhook, StepNotification,
		StepContactUpdate, StepGoalCheck, StepSplitTest:
		return true
	}
	return false
}

// StepStats are per-step denormalized counters.
type StepStats struct {
	Entered   int64 `json:"entered"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Step is one node of a workflow graph. Exactly one config pointer is set,
// matching Kind.
type Step struct {
	ID    StepID   `json:"id"`
	Kind  StepKind `json:"kind"`
	Order int      `json:"order"`
	Entry bool     `json:"entry,omitempty"`
	Name  string   `json:"name,omitempty"`

	Email         *EmailConfig         `json:"email,omitempty"`
	Wait          *WaitConfig          `json:"wait,omitempty"`
	Condition     *ConditionConfig     `json:"condition,omitempty"`
	Tags          *TagConfig           `json:"tags,omitempty"`
	List          *ListConfig          `json:"list,omitempty"`
	Webhook       *WebhookConfig       `json:"webhook,omitempty"`
	Notification  *NotificationConfig  `json:"notification,omitempty"`
	ContactUpdate *ContactUpdateConfig `json:"contact_update,omitempty"`
	Goal          *GoalConfig          `json:"goal,omitempty"`
	Split         *SplitConfig         `json:"split,omitempty"`
}

// ValidateConfig checks that the config variant matching Kind is present
// and internally consistent.
func (s *Step) ValidateConfig() error {
	switch s.Kind {
	case StepSendEmail:
		if s.Email == nil {
			return fmt.Errorf("step %s: send_email requires email config", s.ID)
		}
		if s.Email.TemplateID == "" && s.Email.HTML == "" {
			return fmt.Errorf("step %s: send_email requires a template or html body", s.ID)
		}
	case StepWait:
		if s.Wait == nil {
			return fmt.Errorf("step %s: wait requires wait config", s.ID)
		}
	case StepCondition:
		if s.Condition == nil {
			return fmt.Errorf("step %s: condition requires condition config", s.ID)
		}
	case StepTagAdd, StepTagRemove:
		if s.Tags == nil || len(s.Tags.Tags) == 0 {
			return fmt.Errorf("step %s: %s requires tags", s.ID, s.Kind)
		}
	case StepListAdd, StepListRemove:
		if s.List == nil || s.List.ListID == "" {
			return fmt.Errorf("step %s: %s requires a list id", s.ID, s.Kind)
		}
	case StepWebhook:
		if s.Webhook == nil || s.Webhook.URL == "" {
			return fmt.Errorf("step %s: webhook requires a url", s.ID)
		}
	case StepNotification:
		if s.Notification == nil || s.Notification.Recipient == "" {
			return fmt.Errorf("step %s: notification requires a recipient", s.ID)
		}
	case StepContactUpdate:
		if s.ContactUpdate == nil || len(s.ContactUpdate.Fields) == 0 {
			return fmt.Errorf("step %s: contact_update requires fields", s.ID)
		}
	case StepSplitTest:
		if s.Split == nil {
			return fmt.Errorf("step %s: split_test requires variants", s.ID)
		}
		return s.Split.Validate(s.ID)
	case StepGoalCheck:
		// goal config is optional; a bare goal_check is a conversion marker
	}
	return nil
}

// DelayUnit enumerates wait-step units. Delays are exact wall-clock
// additions in UTC (no DST adjustment).
type DelayUnit string

const (
	DelayMinutes DelayUnit = "minutes"
	DelayHours   DelayUnit = "hours"
	DelayDays    DelayUnit = "days"
	DelayWeeks   DelayUnit = "weeks"
)

// EmailConfig configures a send_email step. When TemplateID is set the
// template supplies subject/html/text; a non-empty Subject here overrides
// the template subject.
type EmailConfig struct {
	TemplateID  string `json:"template_id,omitempty"`
	Subject     string `json:"subject,omitempty"`
	HTML        string `json:"html,omitempty"`
	Text        string `json:"text,omitempty"`
	PreviewText string `json:"preview_text,omitempty"`
	FromName    string `json:"from_name,omitempty"`
	FromEmail   string `json:"from_email,omitempty"`
	ReplyTo     string `json:"reply_to,omitempty"`
}

// WaitConfig configures a wait step. Value/Unit is a relative delay;
// UntilTime ("HH:MM") and UntilDay are DST-aware in the workflow timezone
// and applied after the relative delay when set.
type WaitConfig struct {
	Value     int           `json:"value"`
	Unit      DelayUnit     `json:"unit"`
	UntilTime string        `json:"until_time,omitempty"`
	UntilDay  *time.Weekday `json:"until_day,omitempty"`
}

// PredicateKind enumerates condition predicates.
type PredicateKind string

const (
	PredOpenedEmail PredicateKind = "opened_email"
	PredClickedLink PredicateKind = "clicked_link"
	PredHasTag      PredicateKind = "has_tag"
	PredInSegment   PredicateKind = "in_segment"
	PredCustomField PredicateKind = "custom_field"
	PredRandom      PredicateKind = "random"
)

// FieldOp enumerates custom_field comparison operators.
type FieldOp string

const (
	OpEquals      FieldOp = "equals"
	OpNotEquals   FieldOp = "not_equals"
	OpContains    FieldOp = "contains"
	OpGreaterThan FieldOp = "greater_than"
	OpLessThan    FieldOp = "less_than"
)

// ConditionConfig configures a condition step. An empty branch id means the
// journey terminates as completed on that outcome.
type ConditionConfig struct {
	Predicate PredicateKind `json:"predicate"`

	StepID    StepID  `json:"step_id,omitempty"` // opened_email / clicked_link
	URL       string  `json:"url,omitempty"`     // clicked_link (optional narrowing)
	Tag       string  `json:"tag,omitempty"`
	SegmentID string  `json:"segment_id,omitempty"`
	Field     string  `json:"field,omitempty"`
	Op        FieldOp `json:"op,omitempty"`
	Value     string  `json:"value,omitempty"`
	Percent   int     `json:"percent,omitempty"` // random

	TrueBranch  StepID `json:"true_branch,omitempty"`
	FalseBranch StepID `json:"false_branch,omitempty"`
}

// TagConfig lists the tags a tag_add/tag_remove step mutates.
type TagConfig struct {
	Tags []string `json:"tags"`
}

// ListConfig names the external list a list_add/list_remove step targets.
type ListConfig struct {
	ListID string `json:"list_id"`
}

// WebhookConfig configures an HTTPS callout. The step payload is merged
// with {email, name, subscriber_id, workflow_id, timestamp}.
type WebhookConfig struct {
	URL            string            `json:"url"`
	Method         string            `json:"method,omitempty"` // default POST
	Headers        map[string]string `json:"headers,omitempty"`
	Payload        map[string]any    `json:"payload,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"` // default 10
}

// NotificationConfig configures an out-of-band operator alert.
type NotificationConfig struct {
	Channel   string `json:"channel"` // email | slack | sms
	Recipient string `json:"recipient"`
	Subject   string `json:"subject,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ContactUpdateConfig merges fields into the contact record.
type ContactUpdateConfig struct {
	Fields map[string]any `json:"fields"`
}

// GoalConfig names the conversion a goal_check step records.
type GoalConfig struct {
	Name string `json:"name,omitempty"`
}

// SplitVariant is one arm of a split test.
type SplitVariant struct {
	Name       string `json:"name"`
	Percentage int    `json:"percentage"`
	NextStepID StepID `json:"next_step_id"`
}

// SplitConfig holds the variant set of a split_test step.
type SplitConfig struct {
	Variants []SplitVariant `json:"variants"`
}

// Validate requires at least two variants with percentages summing to 100.
func (c *SplitConfig) Validate(step StepID) error {
	if len(c.Variants) < 2 {
		return fmt.Errorf("step %s: split_test requires at least 2 variants", step)
	}
	total := 0
	for _, v := range c.Variants {
		if v.Percentage <= 0 {
			return fmt.Errorf("step %s: variant %q has non-positive percentage", step, v.Name)
		}
		total += v.Percentage
	}
	if total != 100 {
		return fmt.Errorf("step %s: variant percentages sum to %d, want 100", step, total)
	}
	return nil
}
