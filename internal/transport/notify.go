package transport

import (
	"context"
	"fmt"
	"log"
)

// Notifier delivers out-of-band operator alerts raised by notification
// steps.
type Notifier interface {
	Notify(ctx context.Context, channel, recipient, subject, message string) error
}

// EmailNotifier routes notifications through the email sender. Channels
// other than email are logged and dropped; notification failures never
// block a journey.
type EmailNotifier struct {
	sender    EmailSender
	fromName  string
	fromEmail string
}

// NewEmailNotifier creates a notifier that sends from the given address.
func NewEmailNotifier(sender EmailSender, fromName, fromEmail string) *EmailNotifier {
	return &EmailNotifier{sender: sender, fromName: fromName, fromEmail: fromEmail}
}

// Notify sends the alert. Unknown channels degrade to a log line rather
// than an error so a misconfigured step cannot stall its subscriber.
func (n *EmailNotifier) Notify(ctx context.Context, channel, recipient, subject, message string) error {
	if channel != "email" {
		log.Printf("[Notify] channel %q not wired, dropping alert for %s: %s", channel, recipient, subject)
		return nil
	}
	if n.sender == nil {
		return Permanentf("notifier has no email sender")
	}

	_, err := n.sender.Send(ctx, &SendRequest{
		To:        recipient,
		FromName:  n.fromName,
		FromEmail: n.fromEmail,
		Subject:   subject,
		HTML:      fmt.Sprintf("<pre>%s</pre>", message),
		Text:      message,
	})
	return err
}

// LogNotifier writes notifications to the process log. Used when no email
// transport is configured (local development, tests).
type LogNotifier struct{}

// Notify logs the alert.
func (LogNotifier) Notify(_ context.Context, channel, recipient, subject, message string) error {
	log.Printf("[Notify] %s -> %s: %s %s", channel, recipient, subject, message)
	return nil
}
