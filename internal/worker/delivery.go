package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/ignite/journey-engine/internal/contacts"
	"github.com/ignite/journey-engine/internal/domain"
	"github.com/ignite/journey-engine/internal/executor"
	"github.com/ignite/journey-engine/internal/pkg/httputil"
	"github.com/ignite/journey-engine/internal/pkg/logger"
	"github.com/ignite/journey-engine/internal/queue"
	"github.com/ignite/journey-engine/internal/store"
	"github.com/ignite/journey-engine/internal/trigger"
)

// trackingPixel is a 1x1 transparent GIF.
var trackingPixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// DeliveryServer ingests ESP delivery webhooks and serves the tracking
// endpoints (open pixel, click redirect, one-click unsubscribe) the
// executor's HTML rewriting points at.
type DeliveryServer struct {
	store    *store.Store
	contacts *contacts.Store
	queue    *queue.Store
	router   *trigger.Router
	tracker  *executor.Tracker
}

// NewDeliveryServer wires the delivery webhook and tracking handlers.
func NewDeliveryServer(st *store.Store, cs *contacts.Store, q *queue.Store,
	router *trigger.Router, tracker *executor.Tracker) *DeliveryServer {
	return &DeliveryServer{store: st, contacts: cs, queue: q, router: router, tracker: tracker}
}

// Handler returns the HTTP routes.
func (d *DeliveryServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		httputil.OK(w, map[string]string{"status": "ok"})
	})
	r.Post("/webhooks/delivery", d.handleDeliveryBatch)
	r.Get("/track/open/{data}/{sig}", d.handleOpen)
	r.Get("/track/click/{data}/{sig}", d.handleClick)
	r.Get("/track/unsubscribe/{data}/{sig}", d.handleUnsubscribe)
	return r
}

// handleDeliveryBatch accepts a JSON array of delivery events (a single
// object also works). Events that cannot be correlated to a send are
// dropped, not errored, so the ESP does not redeliver them forever.
func (d *DeliveryServer) handleDeliveryBatch(w http.ResponseWriter, r *http.Request) {
	var events []domain.DeliveryEvent
	if err := decodeDeliveryBody(w, r, &events); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	accepted := 0
	for i := range events {
		if err := d.Ingest(r.Context(), &events[i]); err != nil {
			logger.Error("delivery ingest", "message_id", events[i].MessageID,
				"event", events[i].Event, "error", err.Error())
			continue
		}
		accepted++
	}
	httputil.OK(w, map[string]int{"received": len(events), "accepted": accepted})
}

func decodeDeliveryBody(w http.ResponseWriter, r *http.Request, events *[]domain.DeliveryEvent) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return fmt.Errorf("empty body")
	}
	if strings.HasPrefix(trimmed, "[") {
		return json.Unmarshal([]byte(trimmed), events)
	}
	var one domain.DeliveryEvent
	if err := json.Unmarshal([]byte(trimmed), &one); err != nil {
		return err
	}
	*events = append(*events, one)
	return nil
}

// Ingest processes one delivery event. Exported for the admin replay tool.
func (d *DeliveryServer) Ingest(ctx context.Context, ev *domain.DeliveryEvent) error {
	rec, err := d.store.FindSendByMessageID(ctx, ev.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Debug("delivery event for unknown message", "message_id", ev.MessageID)
		return nil
	}
	if err != nil {
		return err
	}

	switch strings.ToLower(ev.Event) {
	case "delivered":
		return nil
	case "opened":
		return d.recordOpen(ctx, rec, ev.MessageID)
	case "clicked":
		return d.recordClick(ctx, rec, ev.MessageID, ev.URL)
	case "bounced":
		return d.recordBounce(ctx, rec, ev.MessageID)
	case "complained", "unsubscribed":
		return d.recordUnsubscribe(ctx, rec)
	default:
		logger.Debug("unhandled delivery event", "event", ev.Event)
		return nil
	}
}

func (d *DeliveryServer) recordOpen(ctx context.Context, rec *store.SendRecord, messageID string) error {
	if err := d.store.AppendEvent(ctx, &domain.Event{
		WorkflowID:     rec.WorkflowID,
		SubscriberID:   &rec.SubscriberID,
		Kind:           domain.EventEmailOpened,
		StepID:         rec.StepID,
		Email:          rec.Email,
		Data:           map[string]any{"message_id": messageID},
		IdempotencyKey: fmt.Sprintf("dlv:open:%s", messageID),
	}); err != nil {
		return err
	}
	if err := d.store.IncrementStat(ctx, rec.WorkflowID, "emails_opened", 1); err != nil {
		logger.Error("bump emails_opened", "error", err.Error())
	}
	d.touchAndFanOut(ctx, rec, domain.TriggerEmailOpened, nil)
	return nil
}

func (d *DeliveryServer) recordClick(ctx context.Context, rec *store.SendRecord, messageID, url string) error {
	if err := d.store.AppendEvent(ctx, &domain.Event{
		WorkflowID:     rec.WorkflowID,
		SubscriberID:   &rec.SubscriberID,
		Kind:           domain.EventEmailClicked,
		StepID:         rec.StepID,
		Email:          rec.Email,
		Data:           map[string]any{"message_id": messageID, "url": url},
		IdempotencyKey: fmt.Sprintf("dlv:click:%s:%s", messageID, url),
	}); err != nil {
		return err
	}
	if err := d.store.IncrementStat(ctx, rec.WorkflowID, "emails_clicked", 1); err != nil {
		logger.Error("bump emails_clicked", "error", err.Error())
	}
	d.touchAndFanOut(ctx, rec, domain.TriggerLinkClicked, map[string]any{"url": url})
	return nil
}

// touchAndFanOut bumps contact activity and feeds the engagement back into
// the trigger router so opened/clicked-triggered workflows can enroll.
func (d *DeliveryServer) touchAndFanOut(ctx context.Context, rec *store.SendRecord,
	kind domain.TriggerKind, payload map[string]any) {

	wf, err := d.store.GetWorkflow(ctx, rec.WorkflowID)
	if err != nil {
		logger.Error("load workflow for fan-out", "error", err.Error())
		return
	}
	if contact, err := d.contacts.GetByEmail(ctx, wf.TenantID, rec.Email); err == nil {
		if err := d.contacts.TouchActivity(ctx, contact.ID); err != nil {
			logger.Error("touch activity", "error", err.Error())
		}
	}

	if err := d.router.HandleEvent(ctx, domain.InboundEvent{
		Kind:       kind,
		TenantID:   wf.TenantID,
		Email:      rec.Email,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}); err != nil {
		logger.Error("engagement fan-out", "kind", string(kind), "error", err.Error())
	}
}

func (d *DeliveryServer) recordBounce(ctx context.Context, rec *store.SendRecord, messageID string) error {
	sub, err := d.store.GetSubscriber(ctx, rec.SubscriberID)
	if err != nil {
		return err
	}
	contact, err := d.contacts.GetByID(ctx, sub.ContactID)
	if err != nil {
		return err
	}
	if err := d.contacts.MarkBounced(ctx, contact.ID); err != nil {
		return err
	}
	if err := d.store.AppendEvent(ctx, &domain.Event{
		WorkflowID:     rec.WorkflowID,
		SubscriberID:   &rec.SubscriberID,
		Kind:           domain.EventError,
		StepID:         rec.StepID,
		Email:          rec.Email,
		Error:          "email bounced",
		Data:           map[string]any{"message_id": messageID},
		IdempotencyKey: fmt.Sprintf("dlv:bounce:%s", messageID),
	}); err != nil {
		logger.Error("bounce event", "error", err.Error())
	}
	logger.Warn("contact bounced", "email", logger.RedactEmail(rec.Email),
		"workflow", rec.WorkflowID.String())
	return nil
}

// recordUnsubscribe suppresses the contact globally and exits its live
// enrollment in the sending workflow.
func (d *DeliveryServer) recordUnsubscribe(ctx context.Context, rec *store.SendRecord) error {
	sub, err := d.store.GetSubscriber(ctx, rec.SubscriberID)
	if err != nil {
		return err
	}
	contact, err := d.contacts.GetByID(ctx, sub.ContactID)
	if err != nil {
		return err
	}
	if err := d.contacts.SetUnsubscribed(ctx, contact.ID, true); err != nil {
		return err
	}

	if !sub.Status.Terminal() {
		if err := d.store.Terminate(ctx, sub.ID, domain.SubscriberExited, domain.ExitUnsubscribed, nil); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		} else {
			_ = d.queue.CancelSubscriber(ctx, sub.ID)
			_ = d.store.IncrementStat(ctx, rec.WorkflowID, "currently_active", -1)
			_ = d.store.IncrementStat(ctx, rec.WorkflowID, "exited", 1)
		}
	}
	if err := d.store.IncrementStat(ctx, rec.WorkflowID, "unsubscribed", 1); err != nil {
		logger.Error("bump unsubscribed", "error", err.Error())
	}
	_ = d.store.AppendEvent(ctx, &domain.Event{
		WorkflowID:   rec.WorkflowID,
		SubscriberID: &rec.SubscriberID,
		Kind:         domain.EventSubscriberExited,
		Email:        rec.Email,
		Data:         map[string]any{"reason": domain.ExitUnsubscribed},
	})
	return nil
}

// decodeTracked validates a signed tracking path segment pair and splits
// the payload.
func (d *DeliveryServer) decodeTracked(r *http.Request, wantParts int) ([]string, bool) {
	encoded := chi.URLParam(r, "data")
	sig := chi.URLParam(r, "sig")
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false
	}
	data := string(raw)
	if !d.tracker.Verify(data, sig) {
		return nil, false
	}
	parts := strings.SplitN(data, "|", wantParts)
	if len(parts) != wantParts {
		return nil, false
	}
	return parts, true
}

func (d *DeliveryServer) handleOpen(w http.ResponseWriter, r *http.Request) {
	parts, ok := d.decodeTracked(r, 3)
	if ok {
		d.recordTrackedOpen(r.Context(), parts)
	}
	// The pixel is always served; a broken image in an email helps nobody.
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(trackingPixel)
}

func (d *DeliveryServer) recordTrackedOpen(ctx context.Context, parts []string) {
	wfID, err1 := uuid.Parse(parts[0])
	subID, err2 := uuid.Parse(parts[1])
	if err1 != nil || err2 != nil {
		return
	}
	sub, err := d.store.GetSubscriber(ctx, subID)
	if err != nil {
		return
	}
	if err := d.store.AppendEvent(ctx, &domain.Event{
		WorkflowID:     wfID,
		SubscriberID:   &subID,
		Kind:           domain.EventEmailOpened,
		StepID:         domain.StepID(parts[2]),
		Email:          sub.Email,
		IdempotencyKey: fmt.Sprintf("px:%s:%s", subID, parts[2]),
	}); err != nil {
		logger.Error("pixel open event", "error", err.Error())
		return
	}
	if err := d.store.IncrementStat(ctx, wfID, "emails_opened", 1); err != nil {
		logger.Error("bump emails_opened", "error", err.Error())
	}
	d.touchAndFanOut(ctx, &store.SendRecord{
		WorkflowID:   wfID,
		SubscriberID: subID,
		StepID:       domain.StepID(parts[2]),
		Email:        sub.Email,
	}, domain.TriggerEmailOpened, nil)
}

func (d *DeliveryServer) handleClick(w http.ResponseWriter, r *http.Request) {
	parts, ok := d.decodeTracked(r, 4)
	if !ok {
		httputil.NotFound(w, "unknown link")
		return
	}
	target := parts[3]

	wfID, err1 := uuid.Parse(parts[0])
	subID, err2 := uuid.Parse(parts[1])
	if err1 == nil && err2 == nil {
		if sub, err := d.store.GetSubscriber(r.Context(), subID); err == nil {
			if err := d.store.AppendEvent(r.Context(), &domain.Event{
				WorkflowID:   wfID,
				SubscriberID: &subID,
				Kind:         domain.EventEmailClicked,
				StepID:       domain.StepID(parts[2]),
				Email:        sub.Email,
				Data:         map[string]any{"url": target},
			}); err != nil {
				logger.Error("click event", "error", err.Error())
			}
			if err := d.store.IncrementStat(r.Context(), wfID, "emails_clicked", 1); err != nil {
				logger.Error("bump emails_clicked", "error", err.Error())
			}
			d.touchAndFanOut(r.Context(), &store.SendRecord{
				WorkflowID:   wfID,
				SubscriberID: subID,
				StepID:       domain.StepID(parts[2]),
				Email:        sub.Email,
			}, domain.TriggerLinkClicked, map[string]any{"url": target})
		}
	}

	http.Redirect(w, r, target, http.StatusFound)
}

func (d *DeliveryServer) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	parts, ok := d.decodeTracked(r, 2)
	if !ok {
		httputil.NotFound(w, "unknown link")
		return
	}
	wfID, err1 := uuid.Parse(parts[0])
	subID, err2 := uuid.Parse(parts[1])
	if err1 != nil || err2 != nil {
		httputil.NotFound(w, "unknown link")
		return
	}

	sub, err := d.store.GetSubscriber(r.Context(), subID)
	if err != nil {
		httputil.NotFound(w, "unknown link")
		return
	}
	if err := d.recordUnsubscribe(r.Context(), &store.SendRecord{
		WorkflowID:   wfID,
		SubscriberID: subID,
		Email:        sub.Email,
	}); err != nil {
		httputil.InternalError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, `<html><body><p>You have been unsubscribed.</p></body></html>`)
}
