package executor

import (
	"context"
	"time"

	"github.com/ignite/journey-engine/internal/domain"
	"github.com/ignite/journey-engine/internal/transport"
)

// executeWebhook posts the step payload to the configured endpoint.
// Transient failures (timeouts, 429, 5xx) bubble up for retry; a permanent
// 4xx marks the step failed but the journey continues linearly, matching
// how a broken customer endpoint should not strand every subscriber.
func (e *Executor) executeWebhook(ctx context.Context, wf *domain.Workflow, sub *domain.Subscriber,
	contact *domain.Contact, step *domain.Step, item *domain.QueueItem) (*Transition, error) {

	cfg := step.Webhook

	payload := make(map[string]interface{}, len(cfg.Payload)+5)
	for k, v := range cfg.Payload {
		payload[k] = v
	}
	payload["email"] = contact.Email
	payload["name"] = contact.Name()
	payload["subscriber_id"] = sub.ID.String()
	payload["workflow_id"] = wf.ID.String()
	payload["timestamp"] = e.clock.Now().UTC().Format(time.RFC3339)

	idemKey := e.keys.Key(sub.ID, step.ID, item.AttemptEpoch)
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second

	result, err := e.webhooks.Call(ctx, cfg.Method, cfg.URL, cfg.Headers, payload, idemKey, timeout)
	if err != nil && transport.IsTransient(err) {
		return nil, err
	}

	status := 0
	if result != nil {
		status = result.StatusCode
	}

	tr := advance()
	tr.Detail = map[string]interface{}{"url": cfg.URL, "status": status}
	tr.Events = []domain.Event{{
		WorkflowID:   wf.ID,
		SubscriberID: &sub.ID,
		Kind:         domain.EventWebhookCalled,
		StepID:       step.ID,
		StepKind:     step.Kind,
		Email:        sub.Email,
		Data:         map[string]interface{}{"url": cfg.URL, "status": status},
	}}

	if err != nil {
		// Permanent endpoint rejection: record the failure, keep moving.
		tr.Failed = true
		tr.FailMsg = err.Error()
		tr.Detail["error"] = err.Error()
	}
	return tr, nil
}
