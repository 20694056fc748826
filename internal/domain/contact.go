package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Contact is the engine's read-mostly view of a contact record. The contact
// store owns the source of truth; the engine reads it for entry gates and
// condition predicates and mutates only tags, custom fields, and list
// membership.
type Contact struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`

	Tags         []string       `json:"tags"`
	CustomFields map[string]any `json:"custom_fields"`

	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
	Unsubscribed   bool       `json:"unsubscribed"`
	Bounced        bool       `json:"bounced"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasTag reports tag membership, case-insensitively.
func (c *Contact) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// HasAnyTag reports whether any of the given tags is present.
func (c *Contact) HasAnyTag(tags []string) bool {
	for _, t := range tags {
		if c.HasTag(t) {
			return true
		}
	}
	return false
}

// Name returns the display name, falling back to the email local part.
func (c *Contact) Name() string {
	name := strings.TrimSpace(c.FirstName + " " + c.LastName)
	if name != "" {
		return name
	}
	if at := strings.Index(c.Email, "@"); at > 0 {
		return c.Email[:at]
	}
	return c.Email
}
