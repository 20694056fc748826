package executor

import (
	"context"

	"github.com/ignite/journey-engine/internal/domain"
	"github.com/ignite/journey-engine/internal/store"
	"github.com/ignite/journey-engine/internal/transport"
)

// executeEmail renders and dispatches a send_email step. Suppressed
// contacts never reach the transport: an unsubscribed contact exits the
// journey, a bounced one skips the send and continues.
func (e *Executor) executeEmail(ctx context.Context, wf *domain.Workflow, sub *domain.Subscriber,
	contact *domain.Contact, step *domain.Step, item *domain.QueueItem) (*Transition, error) {

	if contact.Unsubscribed {
		return terminate(domain.SubscriberExited, domain.ExitUnsubscribed), nil
	}
	if contact.Bounced {
		tr := advance()
		tr.Detail = map[string]interface{}{"skipped": "bounced"}
		return tr, nil
	}
	if e.sender == nil {
		return nil, transport.Permanentf("no email transport configured")
	}

	cfg := step.Email
	subject, html, text := cfg.Subject, cfg.HTML, cfg.Text

	if cfg.TemplateID != "" {
		tpl, err := e.store.GetTemplate(ctx, wf.TenantID, cfg.TemplateID)
		if err == store.ErrTemplateNotFound {
			return nil, transport.Permanent(err)
		}
		if err != nil {
			return nil, transport.Transient(err)
		}
		html, text = tpl.HTML, tpl.Text
		if subject == "" {
			subject = tpl.Subject
		}
	}

	unsubURL := e.tracker.UnsubscribeURL(wf.ID, sub.ID)
	bindings := Bindings(contact, wf, unsubURL)

	renderedSubject, err := e.renderer.Render(subject, bindings)
	if err != nil {
		return nil, transport.Permanent(err)
	}
	renderedHTML, err := e.renderer.Render(html, bindings)
	if err != nil {
		return nil, transport.Permanent(err)
	}
	renderedText, err := e.renderer.Render(text, bindings)
	if err != nil {
		return nil, transport.Permanent(err)
	}

	renderedHTML = InjectPreviewText(renderedHTML, cfg.PreviewText)
	renderedHTML = e.tracker.RewriteHTML(renderedHTML, wf.ID, sub.ID, step.ID)

	idemKey := e.keys.Key(sub.ID, step.ID, item.AttemptEpoch)

	result, err := e.sender.Send(ctx, &transport.SendRequest{
		To:             contact.Email,
		FromName:       cfg.FromName,
		FromEmail:      cfg.FromEmail,
		ReplyTo:        cfg.ReplyTo,
		Subject:        renderedSubject,
		HTML:           renderedHTML,
		Text:           renderedText,
		IdempotencyKey: idemKey,
		WorkflowID:     wf.ID.String(),
		SubscriberID:   sub.ID.String(),
		StepID:         string(step.ID),
	})
	if err != nil {
		return nil, err
	}

	tr := advance()
	tr.Detail = map[string]interface{}{"message_id": result.MessageID}
	tr.Events = []domain.Event{{
		WorkflowID:   wf.ID,
		SubscriberID: &sub.ID,
		Kind:         domain.EventEmailSent,
		StepID:       step.ID,
		StepKind:     step.Kind,
		Email:        contact.Email,
		Data: map[string]interface{}{
			"message_id": result.MessageID,
			"subject":    renderedSubject,
		},
		IdempotencyKey: idemKey,
	}}
	tr.StatDeltas = []store.StatDelta{{Field: "emails_sent", Delta: 1}}
	return tr, nil
}
