package worker

import (
	"context"
	"database/sql/driver"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/journey-engine/internal/contacts"
	"github.com/ignite/journey-engine/internal/domain"
	"github.com/ignite/journey-engine/internal/executor"
	"github.com/ignite/journey-engine/internal/queue"
	"github.com/ignite/journey-engine/internal/schedule"
	"github.com/ignite/journey-engine/internal/store"
	"github.com/ignite/journey-engine/internal/transport"
	"github.com/ignite/journey-engine/internal/trigger"
)

func newDeliveryServer(t *testing.T) (*DeliveryServer, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := schedule.Fixed(time.Now())
	st := store.New(db)
	cs := contacts.NewStore(db)
	q := queue.NewStore(db, clock)
	router := trigger.NewRouter(st, cs, q, clock)
	tracker := executor.NewTracker("https://t.example.com", "test-signing-key")
	return NewDeliveryServer(st, cs, q, router, tracker), mock
}

func newTestRunner(t *testing.T) (*Runner, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := schedule.Fixed(time.Now())
	return &Runner{
		db:       db,
		store:    store.New(db),
		contacts: contacts.NewStore(db),
		queue:    queue.NewStore(db, clock),
		clock:    clock,
		workerID: "journey-test",
	}, mock
}

// eventKindArgs matches an automation_events insert by kind only.
func eventKindArgs(kind domain.EventKind) []driver.Value {
	args := make([]driver.Value, 10)
	for i := range args {
		args[i] = sqlmock.AnyArg()
	}
	args[3] = string(kind)
	return args
}

func TestStepHistoryEntry(t *testing.T) {
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	entered := now.Add(-5 * time.Minute)
	sub := &domain.Subscriber{
		Current: &domain.CurrentStep{StepID: "s1", EnteredAt: entered},
	}
	step := &domain.Step{ID: "s1", Kind: domain.StepSendEmail}

	entry := stepHistoryEntry(sub, step, &executor.Transition{}, now)
	assert.Equal(t, entered, entry.EnteredAt)
	assert.Equal(t, now, entry.CompletedAt)
	assert.Equal(t, domain.HistoryCompleted, entry.Outcome)

	// A failed webhook still records the step, marked failed.
	entry = stepHistoryEntry(sub, step, &executor.Transition{Failed: true}, now)
	assert.Equal(t, domain.HistoryFailed, entry.Outcome)

	// Position pointing at a different step falls back to now.
	other := &domain.Subscriber{Current: &domain.CurrentStep{StepID: "s9", EnteredAt: entered}}
	entry = stepHistoryEntry(other, step, &executor.Transition{}, now)
	assert.Equal(t, now, entry.EnteredAt)
	assert.False(t, entry.CompletedAt.Before(entry.EnteredAt))
}

func TestTerminalStatField(t *testing.T) {
	assert.Equal(t, "completed", terminalStatField(domain.SubscriberCompleted))
	assert.Equal(t, "failed", terminalStatField(domain.SubscriberFailed))
	assert.Equal(t, "exited", terminalStatField(domain.SubscriberExited))
}

func TestDeliveryBatch_UnknownMessageSkipped(t *testing.T) {
	d, mock := newDeliveryServer(t)

	mock.ExpectQuery(`SELECT workflow_id, subscriber_id, step_id, email`).
		WillReturnRows(sqlmock.NewRows([]string{"workflow_id"}))

	body := `[{"message_id":"msg-1","event":"opened"}]`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/delivery", strings.NewReader(body))
	rr := httptest.NewRecorder()
	d.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"accepted":1`)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliveryBatch_SingleObjectBody(t *testing.T) {
	d, mock := newDeliveryServer(t)

	mock.ExpectQuery(`SELECT workflow_id, subscriber_id, step_id, email`).
		WillReturnRows(sqlmock.NewRows([]string{"workflow_id"}))

	body := `{"message_id":"msg-2","event":"delivered"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/delivery", strings.NewReader(body))
	rr := httptest.NewRecorder()
	d.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"received":1`)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliveryBatch_BadBody(t *testing.T) {
	d, _ := newDeliveryServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/delivery", strings.NewReader("not json"))
	rr := httptest.NewRecorder()
	d.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestTrackOpen_BadSignatureStillServesPixel(t *testing.T) {
	d, mock := newDeliveryServer(t)

	// Forged signature: no DB access, but the pixel still renders.
	req := httptest.NewRequest(http.MethodGet, "/track/open/aGVsbG8=/deadbeef00000000", nil)
	rr := httptest.NewRecorder()
	d.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "image/gif", rr.Header().Get("Content-Type"))
	assert.Equal(t, trackingPixel, rr.Body.Bytes())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTrackClick_BadSignatureRejected(t *testing.T) {
	d, _ := newDeliveryServer(t)

	req := httptest.NewRequest(http.MethodGet, "/track/click/aGVsbG8=/deadbeef00000000", nil)
	rr := httptest.NewRecorder()
	d.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestTrackClick_ValidSignatureRedirects(t *testing.T) {
	d, mock := newDeliveryServer(t)

	wfID := uuid.New()
	subID := uuid.New()
	target := "https://example.com/offer"

	tracker := executor.NewTracker("https://t.example.com", "test-signing-key")
	url := tracker.ClickURL(wfID, subID, "s1", target)
	path := strings.TrimPrefix(url, "https://t.example.com")

	// Subscriber lookup fails: the click still redirects, nothing recorded.
	mock.ExpectQuery(`SELECT .+ FROM automation_subscribers WHERE id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	d.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusFound, rr.Code)
	assert.Equal(t, target, rr.Header().Get("Location"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitTransition_DanglingBranchEmitsErrorEvent(t *testing.T) {
	r, mock := newTestRunner(t)

	wf := &domain.Workflow{ID: uuid.New(), Status: domain.WorkflowActive,
		Steps: []domain.Step{{ID: "s1", Kind: domain.StepCondition, Order: 1}}}
	sub := &domain.Subscriber{ID: uuid.New(), WorkflowID: wf.ID, Email: "a@example.com"}
	item := &domain.QueueItem{ID: uuid.New(), WorkflowID: wf.ID, SubscriberID: sub.ID, StepID: "s1"}
	tr := &executor.Transition{Outcome: executor.OutcomeGoTo, GoTo: "no-such-step"}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM automation_workflows`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("active"))
	mock.ExpectExec(`UPDATE automation_queue`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE automation_subscribers`).
		WithArgs(sub.ID, domain.SubscriberExited, domain.ExitDanglingBranch, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO automation_events`).
		WithArgs(eventKindArgs(domain.EventStepCompleted)...).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO automation_events`).
		WithArgs(eventKindArgs(domain.EventError)...).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO automation_events`).
		WithArgs(eventKindArgs(domain.EventSubscriberExited)...).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE automation_workflows`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE automation_workflows`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO automation_step_stats`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO automation_step_stats`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := r.commitTransition(context.Background(), wf, sub, item, &wf.Steps[0], tr, time.Now().UTC())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitTransition_EmitsStepStartedForSuccessor(t *testing.T) {
	r, mock := newTestRunner(t)

	wf := &domain.Workflow{ID: uuid.New(), Status: domain.WorkflowActive,
		Steps: []domain.Step{
			{ID: "s1", Kind: domain.StepTagAdd, Order: 1},
			{ID: "s2", Kind: domain.StepSendEmail, Order: 2},
		}}
	sub := &domain.Subscriber{ID: uuid.New(), WorkflowID: wf.ID, Email: "a@example.com"}
	item := &domain.QueueItem{ID: uuid.New(), WorkflowID: wf.ID, SubscriberID: sub.ID, StepID: "s1"}
	tr := &executor.Transition{Outcome: executor.OutcomeAdvance}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM automation_workflows`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("active"))
	mock.ExpectExec(`UPDATE automation_queue`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE automation_subscribers`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO automation_queue`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO automation_events`).
		WithArgs(eventKindArgs(domain.EventStepCompleted)...).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO automation_events`).
		WithArgs(eventKindArgs(domain.EventStepStarted)...).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO automation_step_stats`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO automation_step_stats`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := r.commitTransition(context.Background(), wf, sub, item, &wf.Steps[0], tr, time.Now().UTC())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailItem_DeadLetterInOneTransaction(t *testing.T) {
	// Exhausted attempts close the item and the enrollment together; a
	// crash can no longer leave an active subscriber with no queue item.
	r, mock := newTestRunner(t)

	sub := &domain.Subscriber{ID: uuid.New(), Email: "a@example.com"}
	item := &domain.QueueItem{ID: uuid.New(), WorkflowID: uuid.New(), SubscriberID: sub.ID,
		StepID: "s1", StepKind: domain.StepSendEmail, Attempts: queue.DefaultMaxAttempts}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE automation_queue`).
		WithArgs(item.ID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE automation_subscribers`).
		WithArgs(sub.ID, domain.SubscriberFailed, "step_failed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE automation_queue`).
		WithArgs(sub.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO automation_events`).
		WithArgs(eventKindArgs(domain.EventStepFailed)...).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO automation_events`).
		WithArgs(eventKindArgs(domain.EventSubscriberExited)...).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE automation_workflows`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE automation_workflows`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	r.failItem(context.Background(), item, sub, transport.Transientf("smtp 451"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailItem_TransientUnderLimitRetries(t *testing.T) {
	r, mock := newTestRunner(t)

	sub := &domain.Subscriber{ID: uuid.New(), Email: "a@example.com"}
	item := &domain.QueueItem{ID: uuid.New(), WorkflowID: uuid.New(), SubscriberID: sub.ID,
		StepID: "s1", StepKind: domain.StepSendEmail, Attempts: 1}

	mock.ExpectQuery(`SELECT attempts FROM automation_queue`).
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(1))
	mock.ExpectExec(`UPDATE automation_queue`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO automation_events`).
		WithArgs(eventKindArgs(domain.EventStepFailed)...).
		WillReturnResult(sqlmock.NewResult(0, 1))

	r.failItem(context.Background(), item, sub, transport.Transientf("smtp 451"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitTerminal_ContactMissingReason(t *testing.T) {
	r, mock := newTestRunner(t)

	wf := &domain.Workflow{ID: uuid.New(), Status: domain.WorkflowActive,
		Steps: []domain.Step{{ID: "s1", Kind: domain.StepSendEmail, Order: 1}}}
	sub := &domain.Subscriber{ID: uuid.New(), WorkflowID: wf.ID, Email: "a@example.com"}
	item := &domain.QueueItem{ID: uuid.New(), WorkflowID: wf.ID, SubscriberID: sub.ID, StepID: "s1"}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM automation_workflows`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("active"))
	mock.ExpectExec(`UPDATE automation_queue`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// The audit trail distinguishes a vanished contact from an unsubscribe.
	mock.ExpectExec(`UPDATE automation_subscribers`).
		WithArgs(sub.ID, domain.SubscriberExited, domain.ExitContactMissing, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO automation_events`).
		WithArgs(eventKindArgs(domain.EventSubscriberExited)...).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE automation_workflows`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE automation_workflows`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	r.commitTerminal(context.Background(), wf, sub, item, &wf.Steps[0],
		domain.SubscriberExited, domain.ExitContactMissing, time.Now().UTC())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngest_BounceEmitsErrorEvent(t *testing.T) {
	d, mock := newDeliveryServer(t)

	wfID := uuid.New()
	subID := uuid.New()
	contactID := uuid.New()
	now := time.Now()

	mock.ExpectQuery(`SELECT workflow_id, subscriber_id, step_id, email`).
		WillReturnRows(sqlmock.NewRows([]string{"workflow_id", "subscriber_id", "step_id", "email"}).
			AddRow(wfID, subID, "s1", "a@example.com"))
	mock.ExpectQuery(`SELECT .+ FROM automation_subscribers WHERE id`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "workflow_id", "contact_id", "email", "status", "current_step", "next_action",
			"history", "entry_count", "first_entered_at", "last_entered_at",
			"exit_reason", "exited_at", "seed", "created_at", "updated_at",
		}).AddRow(subID, wfID, contactID, "a@example.com", "active", nil, nil,
			[]byte("[]"), 1, now, now, nil, nil, int64(7), now, now))
	mock.ExpectQuery(`SELECT .+ FROM automation_contacts WHERE id`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "email", "first_name", "last_name", "tags", "custom_fields",
			"unsubscribed", "bounced", "last_activity_at", "created_at", "updated_at",
		}).AddRow(contactID, uuid.New(), "a@example.com", "A", "B", "{}", []byte("{}"),
			false, false, nil, now, now))
	mock.ExpectExec(`UPDATE automation_contacts`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO automation_events`).
		WithArgs(eventKindArgs(domain.EventError)...).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := d.Ingest(context.Background(), &domain.DeliveryEvent{MessageID: "msg-9", Event: "bounced"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
