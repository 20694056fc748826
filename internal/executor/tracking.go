package executor

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/ignite/journey-engine/internal/domain"
)

// Tracker rewrites outgoing email HTML for open/click/unsubscribe tracking.
// Every tracked URL embeds an HMAC signature so the tracking endpoints can
// reject forged identifiers.
type Tracker struct {
	baseURL    string
	signingKey []byte
}

// NewTracker creates a tracker. An empty baseURL disables all rewriting.
func NewTracker(baseURL, signingKey string) *Tracker {
	return &Tracker{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		signingKey: []byte(signingKey),
	}
}

// Enabled reports whether tracking rewrites are active.
func (t *Tracker) Enabled() bool { return t.baseURL != "" }

func (t *Tracker) sign(data string) string {
	h := hmac.New(sha256.New, t.signingKey)
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Verify checks a signature produced by sign. Tracking HTTP handlers use
// this before recording anything.
func (t *Tracker) Verify(data, signature string) bool {
	return hmac.Equal([]byte(t.sign(data)), []byte(signature))
}

// PixelURL returns the open-tracking pixel URL for one send.
func (t *Tracker) PixelURL(workflowID, subscriberID uuid.UUID, stepID domain.StepID) string {
	data := fmt.Sprintf("%s|%s|%s", workflowID, subscriberID, stepID)
	encoded := base64.URLEncoding.EncodeToString([]byte(data))
	return fmt.Sprintf("%s/track/open/%s/%s", t.baseURL, encoded, t.sign(data))
}

// ClickURL returns the redirect URL that records a click on originalURL.
func (t *Tracker) ClickURL(workflowID, subscriberID uuid.UUID, stepID domain.StepID, originalURL string) string {
	data := fmt.Sprintf("%s|%s|%s|%s", workflowID, subscriberID, stepID, originalURL)
	encoded := base64.URLEncoding.EncodeToString([]byte(data))
	return fmt.Sprintf("%s/track/click/%s/%s", t.baseURL, encoded, t.sign(data))
}

// UnsubscribeURL returns the one-click unsubscribe URL for a subscriber.
func (t *Tracker) UnsubscribeURL(workflowID, subscriberID uuid.UUID) string {
	if !t.Enabled() {
		return ""
	}
	data := fmt.Sprintf("%s|%s", workflowID, subscriberID)
	encoded := base64.URLEncoding.EncodeToString([]byte(data))
	return fmt.Sprintf("%s/track/unsubscribe/%s/%s", t.baseURL, encoded, t.sign(data))
}

var hrefPattern = regexp.MustCompile(`(?i)href\s*=\s*"([^"]+)"`)

// RewriteHTML rewrites links for click tracking and appends the open pixel.
// Unsubscribe links, anchors, and mailto links are left alone.
func (t *Tracker) RewriteHTML(htmlBody string, workflowID, subscriberID uuid.UUID, stepID domain.StepID) string {
	if !t.Enabled() {
		return htmlBody
	}

	rewritten := hrefPattern.ReplaceAllStringFunc(htmlBody, func(match string) string {
		groups := hrefPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		target := groups[1]
		if skipRewrite(target) {
			return match
		}
		return fmt.Sprintf(`href="%s"`, t.ClickURL(workflowID, subscriberID, stepID, target))
	})

	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" border="0" alt="" style="display:block" />`,
		t.PixelURL(workflowID, subscriberID, stepID))

	lower := strings.ToLower(rewritten)
	if idx := strings.LastIndex(lower, "</body>"); idx != -1 {
		return rewritten[:idx] + pixel + rewritten[idx:]
	}
	return rewritten + pixel
}

func skipRewrite(target string) bool {
	lower := strings.ToLower(target)
	switch {
	case strings.HasPrefix(lower, "#"):
		return true
	case strings.HasPrefix(lower, "mailto:"):
		return true
	case strings.HasPrefix(lower, "tel:"):
		return true
	case strings.Contains(lower, "/track/unsubscribe/"):
		return true
	case strings.Contains(lower, "{{"):
		// Unrendered merge tag slipped through; do not wrap it.
		return true
	}
	return false
}
