package queue

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/journey-engine/internal/domain"
	"github.com/ignite/journey-engine/internal/schedule"
)

func newTestStore(t *testing.T, now time.Time) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db, schedule.Fixed(now)), mock
}

func TestEnqueue_DuplicateLiveItem(t *testing.T) {
	store, mock := newTestStore(t, time.Now())

	mock.ExpectExec(`INSERT INTO automation_queue`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "uq_automation_queue_live"})

	err := store.Enqueue(context.Background(), &domain.QueueItem{
		WorkflowID:   uuid.New(),
		SubscriberID: uuid.New(),
		StepID:       "step-1",
		StepKind:     domain.StepSendEmail,
		ScheduledFor: time.Now(),
	})
	assert.ErrorIs(t, err, ErrSubscriberBusy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueue_AssignsID(t *testing.T) {
	store, mock := newTestStore(t, time.Now())

	mock.ExpectExec(`INSERT INTO automation_queue`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	item := &domain.QueueItem{
		WorkflowID:   uuid.New(),
		SubscriberID: uuid.New(),
		StepID:       "step-1",
		StepKind:     domain.StepWait,
		ScheduledFor: time.Now(),
	}
	require.NoError(t, store.Enqueue(context.Background(), item))
	assert.NotEqual(t, uuid.Nil, item.ID)
	assert.Equal(t, domain.QueuePending, item.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLease_ClaimsDueItems(t *testing.T) {
	store, mock := newTestStore(t, time.Now())

	id1, id2 := uuid.New(), uuid.New()
	wf, sub1, sub2 := uuid.New(), uuid.New(), uuid.New()
	due := time.Now().Add(-time.Minute)

	rows := sqlmock.NewRows([]string{
		"id", "workflow_id", "subscriber_id", "step_id", "step_kind",
		"scheduled_for", "attempts", "attempt_epoch",
		"max_sends_per_hour", "max_sends_per_day",
	}).
		AddRow(id1, wf, sub1, "step-a", "wait", due, 1, 0, 0, 0).
		AddRow(id2, wf, sub2, "step-b", "tag_add", due, 1, 0, 0, 0)

	mock.ExpectQuery(`WITH claimed AS`).
		WithArgs("worker-1", 10, "1m0s").
		WillReturnRows(rows)

	items, err := store.Lease(context.Background(), "worker-1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, domain.QueueProcessing, items[0].Status)
	assert.Equal(t, "worker-1", items[0].LeaseOwner)
	assert.Equal(t, domain.StepID("step-a"), items[0].StepID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFail_TransientReschedulesWithBackoff(t *testing.T) {
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	store, mock := newTestStore(t, now)
	id := uuid.New()

	mock.ExpectQuery(`SELECT attempts FROM automation_queue`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(2))
	mock.ExpectExec(`UPDATE automation_queue`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	retryAt, dead, err := store.Fail(context.Background(), id, "smtp timeout", true)
	require.NoError(t, err)
	assert.False(t, dead)
	require.NotNil(t, retryAt)

	// attempts=2 means the second retry: base 30s doubled once, ±20% jitter.
	delay := retryAt.Sub(now)
	assert.GreaterOrEqual(t, delay, 48*time.Second)
	assert.LessOrEqual(t, delay, 72*time.Second)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFail_ExhaustedAttemptsDeadLetters(t *testing.T) {
	store, mock := newTestStore(t, time.Now())
	id := uuid.New()

	mock.ExpectQuery(`SELECT attempts FROM automation_queue`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(5))
	mock.ExpectExec(`UPDATE automation_queue`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	retryAt, dead, err := store.Fail(context.Background(), id, "smtp timeout", true)
	require.NoError(t, err)
	assert.True(t, dead)
	assert.Nil(t, retryAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFail_PermanentDeadLettersImmediately(t *testing.T) {
	store, mock := newTestStore(t, time.Now())
	id := uuid.New()

	mock.ExpectQuery(`SELECT attempts FROM automation_queue`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(1))
	mock.ExpectExec(`UPDATE automation_queue`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, dead, err := store.Fail(context.Background(), id, "template not found", false)
	require.NoError(t, err)
	assert.True(t, dead)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelWorkflow_CountsPending(t *testing.T) {
	store, mock := newTestStore(t, time.Now())
	wf := uuid.New()

	mock.ExpectExec(`UPDATE automation_queue`).
		WithArgs(wf).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := store.CancelWorkflow(context.Background(), wf)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReclaimExpired(t *testing.T) {
	store, mock := newTestStore(t, time.Now())

	mock.ExpectExec(`UPDATE automation_queue`).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.ReclaimExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBackoff(t *testing.T) {
	base, cap := 30*time.Second, time.Hour

	for attempts := 1; attempts <= 10; attempts++ {
		d := Backoff(base, cap, attempts)
		assert.LessOrEqual(t, d, cap, "attempt %d exceeds cap", attempts)
		assert.Greater(t, d, time.Duration(0))
	}

	// First attempt stays near the base.
	d := Backoff(base, cap, 1)
	assert.GreaterOrEqual(t, d, 24*time.Second)
	assert.LessOrEqual(t, d, 36*time.Second)
}
