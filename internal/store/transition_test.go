package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/journey-engine/internal/domain"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func baseCommit() Commit {
	return Commit{
		ItemID:       uuid.New(),
		WorkflowID:   uuid.New(),
		SubscriberID: uuid.New(),
		HistoryEntries: []domain.HistoryEntry{{
			StepID:      "step-1",
			Kind:        domain.StepTagAdd,
			Outcome:     domain.HistoryCompleted,
			EnteredAt:   time.Now().Add(-time.Second),
			CompletedAt: time.Now(),
		}},
	}
}

func TestCommitTransition_SuppressedWhenWorkflowPaused(t *testing.T) {
	store, mock := newTestStore(t)
	c := baseCommit()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM automation_workflows`).
		WithArgs(c.WorkflowID).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("paused"))
	mock.ExpectExec(`UPDATE automation_queue`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.CommitTransition(context.Background(), c)
	assert.ErrorIs(t, err, ErrWorkflowInactive)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitTransition_TerminationProceedsWhenPaused(t *testing.T) {
	// An exit (unsubscribe, goal) still commits while the workflow is
	// paused; only forward movement is suppressed.
	store, mock := newTestStore(t)
	c := baseCommit()
	c.Terminate = &Termination{Status: domain.SubscriberExited, Reason: domain.ExitUnsubscribed}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM automation_workflows`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("paused"))
	mock.ExpectExec(`UPDATE automation_queue`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE automation_subscribers`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.CommitTransition(context.Background(), c))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitTransition_LeaseLostRollsBack(t *testing.T) {
	store, mock := newTestStore(t)
	c := baseCommit()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM automation_workflows`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("active"))
	mock.ExpectExec(`UPDATE automation_queue`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.CommitTransition(context.Background(), c)
	assert.ErrorIs(t, err, ErrLeaseLost)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitTransition_AdvanceWithSuccessor(t *testing.T) {
	store, mock := newTestStore(t)
	c := baseCommit()
	c.NewCurrent = &domain.CurrentStep{StepID: "step-2", EnteredAt: time.Now()}
	c.NextAction = &domain.NextAction{StepID: "step-2", Kind: domain.StepSendEmail, ScheduledFor: time.Now()}
	c.SuccessorItem = &domain.QueueItem{
		WorkflowID:   c.WorkflowID,
		SubscriberID: c.SubscriberID,
		StepID:       "step-2",
		StepKind:     domain.StepSendEmail,
		ScheduledFor: time.Now(),
	}
	c.Events = []domain.Event{{
		WorkflowID:   c.WorkflowID,
		SubscriberID: &c.SubscriberID,
		Kind:         domain.EventStepCompleted,
		StepID:       "step-1",
	}}
	c.StatDeltas = []StatDelta{{Field: "emails_sent", Delta: 1}}
	c.StepStats = []StepStatDelta{{StepID: "step-1", Field: "completed", Delta: 1}}

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
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE automation_workflows`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO automation_step_stats`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.CommitTransition(context.Background(), c))
	assert.NotEqual(t, uuid.Nil, c.SuccessorItem.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func baseDeadLetter() DeadLetter {
	wfID := uuid.New()
	subID := uuid.New()
	return DeadLetter{
		ItemID:       uuid.New(),
		WorkflowID:   wfID,
		SubscriberID: subID,
		ErrMsg:       "recipient rejected",
		HistoryEntry: domain.HistoryEntry{
			StepID:  "s1",
			Kind:    domain.StepSendEmail,
			Outcome: domain.HistoryFailed,
		},
		Events: []domain.Event{
			{WorkflowID: wfID, SubscriberID: &subID, Kind: domain.EventStepFailed, StepID: "s1"},
			{WorkflowID: wfID, SubscriberID: &subID, Kind: domain.EventSubscriberExited, StepID: "s1"},
		},
	}
}

func TestDeadLetter_OneTransaction(t *testing.T) {
	// Item failure, subscriber termination, queue cleanup, events and
	// counters all land inside a single transaction.
	store, mock := newTestStore(t)
	d := baseDeadLetter()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE automation_queue`).
		WithArgs(d.ItemID, d.ErrMsg).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE automation_subscribers`).
		WithArgs(d.SubscriberID, domain.SubscriberFailed, "step_failed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE automation_queue`).
		WithArgs(d.SubscriberID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO automation_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO automation_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE automation_workflows`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE automation_workflows`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.DeadLetter(context.Background(), d))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadLetter_LeaseLostWritesNothing(t *testing.T) {
	// A reclaimed item belongs to someone else now; the whole commit rolls
	// back, leaving the subscriber untouched.
	store, mock := newTestStore(t)
	d := baseDeadLetter()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE automation_queue`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.DeadLetter(context.Background(), d)
	assert.ErrorIs(t, err, ErrLeaseLost)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementStat_RejectsUnknownField(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.IncrementStat(context.Background(), uuid.New(), "total_entered; DROP TABLE", 1)
	assert.Error(t, err)
}

func TestIncrementStepStat_RejectsUnknownField(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.IncrementStepStat(context.Background(), uuid.New(), "s", "nope", 1)
	assert.Error(t, err)
}
