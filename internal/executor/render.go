// Package executor runs workflow steps against subscribers: rendering and
// sending emails, evaluating conditions, mutating contacts, calling
// webhooks, and deciding where each subscriber goes next.
package executor

import (
	"fmt"
	"html"
	"net/url"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/ignite/journey-engine/internal/domain"
)

// Renderer renders Liquid merge tags in subjects and bodies. Parsed
// templates are cached by source text.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // source -> *liquid.Template
}

// NewRenderer creates a renderer with the engine's custom filters.
func NewRenderer() *Renderer {
	r := &Renderer{engine: liquid.NewEngine()}

	// Fallback value: {{ first_name | default: "Friend" }}
	r.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		s := fmt.Sprintf("%v", value)
		if s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})

	r.engine.RegisterFilter("capitalize", func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(string(s[0])) + strings.ToLower(s[1:])
	})

	r.engine.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})

	r.engine.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})

	return r
}

// Render renders source with the given bindings. A missing variable renders
// empty rather than failing a live send.
func (r *Renderer) Render(source string, bindings map[string]interface{}) (string, error) {
	if source == "" {
		return "", nil
	}

	var tpl *liquid.Template
	if cached, ok := r.cache.Load(source); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, err := r.engine.ParseString(source)
		if err != nil {
			return "", fmt.Errorf("parse template: %w", err)
		}
		r.cache.Store(source, parsed)
		tpl = parsed
	}

	out, err := tpl.RenderString(bindings)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

// Bindings builds the merge-tag context for a contact in a workflow. Custom
// fields merge in at the top level but never shadow the core tags.
func Bindings(contact *domain.Contact, wf *domain.Workflow, unsubscribeURL string) map[string]interface{} {
	b := make(map[string]interface{}, len(contact.CustomFields)+8)
	for k, v := range contact.CustomFields {
		b[k] = v
	}
	b["email"] = contact.Email
	b["first_name"] = contact.FirstName
	b["last_name"] = contact.LastName
	b["name"] = contact.Name()
	b["tags"] = contact.Tags
	b["workflow_name"] = wf.Name
	if unsubscribeURL != "" {
		b["unsubscribe_url"] = unsubscribeURL
	}
	return b
}

// InjectPreviewText inserts hidden preheader text right after <body> so
// inbox clients show it as the message preview.
func InjectPreviewText(htmlBody, preview string) string {
	if preview == "" {
		return htmlBody
	}
	span := fmt.Sprintf(
		`<span style="display:none !important;visibility:hidden;mso-hide:all;font-size:1px;color:#ffffff;line-height:1px;max-height:0px;max-width:0px;opacity:0;overflow:hidden;">%s</span>`,
		html.EscapeString(preview))

	lower := strings.ToLower(htmlBody)
	idx := strings.Index(lower, "<body")
	if idx == -1 {
		return span + htmlBody
	}
	end := strings.Index(lower[idx:], ">")
	if end == -1 {
		return span + htmlBody
	}
	insertAt := idx + end + 1
	return htmlBody[:insertAt] + span + htmlBody[insertAt:]
}
