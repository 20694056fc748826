package executor

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/journey-engine/internal/domain"
)

func linearWorkflow() *domain.Workflow {
	return &domain.Workflow{
		ID:       uuid.New(),
		Timezone: "UTC",
		Steps: []domain.Step{
			{ID: "email-1", Kind: domain.StepSendEmail, Order: 1, Entry: true,
				Email: &domain.EmailConfig{HTML: "<p>hi</p>"}},
			{ID: "wait-1", Kind: domain.StepWait, Order: 2,
				Wait: &domain.WaitConfig{Value: 2, Unit: domain.DelayDays}},
			{ID: "wait-2", Kind: domain.StepWait, Order: 3,
				Wait: &domain.WaitConfig{Value: 12, Unit: domain.DelayHours}},
			{ID: "email-2", Kind: domain.StepSendEmail, Order: 4,
				Email: &domain.EmailConfig{HTML: "<p>again</p>"}},
		},
	}
}

func TestPlanNext_MaterializesConsecutiveWaits(t *testing.T) {
	wf := linearWorkflow()
	sub := &domain.Subscriber{ID: uuid.New(), WorkflowID: wf.ID}
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	plan, err := PlanNext(wf, sub, wf.StepByID("wait-1"), now)
	require.NoError(t, err)

	require.NotNil(t, plan.Target)
	assert.Equal(t, domain.StepID("email-2"), plan.Target.ID)
	// 2 days + 12 hours of accumulated wait.
	assert.Equal(t, now.Add(60*time.Hour), plan.DueAt)

	require.Len(t, plan.Entries, 2)
	assert.Equal(t, domain.StepID("wait-1"), plan.Entries[0].StepID)
	assert.Equal(t, domain.HistoryCompleted, plan.Entries[0].Outcome)
	assert.Equal(t, domain.StepID("wait-2"), plan.Entries[1].StepID)
}

func TestPlanNext_TrailingWaitCompletesJourney(t *testing.T) {
	wf := &domain.Workflow{
		ID:       uuid.New(),
		Timezone: "UTC",
		Steps: []domain.Step{
			{ID: "tag-1", Kind: domain.StepTagAdd, Order: 1, Entry: true,
				Tags: &domain.TagConfig{Tags: []string{"a"}}},
			{ID: "wait-1", Kind: domain.StepWait, Order: 2,
				Wait: &domain.WaitConfig{Value: 1, Unit: domain.DelayDays}},
		},
	}
	sub := &domain.Subscriber{ID: uuid.New(), WorkflowID: wf.ID}

	plan, err := PlanNext(wf, sub, wf.StepByID("wait-1"), time.Now())
	require.NoError(t, err)
	assert.Nil(t, plan.Target)
	require.NotNil(t, plan.Terminal)
	assert.Equal(t, domain.SubscriberCompleted, plan.Terminal.Status)
	assert.Equal(t, domain.ExitEndOfWorkflow, plan.Terminal.Reason)
	// The wait still lands in history even though nothing follows it.
	assert.Len(t, plan.Entries, 1)
}

func TestPlanNext_CycleDetection(t *testing.T) {
	wf := linearWorkflow()
	sub := &domain.Subscriber{
		ID:         uuid.New(),
		WorkflowID: wf.ID,
		History: []domain.HistoryEntry{
			{StepID: "email-2", Kind: domain.StepSendEmail, Outcome: domain.HistoryCompleted},
		},
	}

	plan, err := PlanNext(wf, sub, wf.StepByID("email-2"), time.Now())
	require.NoError(t, err)
	assert.Nil(t, plan.Target)
	require.NotNil(t, plan.Terminal)
	assert.Equal(t, domain.SubscriberExited, plan.Terminal.Status)
	assert.Equal(t, domain.ExitCycle, plan.Terminal.Reason)
}

func TestPlanNext_SendWindowShiftsDueTime(t *testing.T) {
	wf := linearWorkflow()
	wf.Window = &domain.SendWindow{
		StartHour: 9,
		EndHour:   17,
		DaysOfWeek: []time.Weekday{
			time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
		},
	}
	sub := &domain.Subscriber{ID: uuid.New(), WorkflowID: wf.ID}
	// Friday 2024-01-05 at 20:00: past close, next opening Monday 09:00.
	now := time.Date(2024, 1, 5, 20, 0, 0, 0, time.UTC)

	plan, err := PlanNext(wf, sub, wf.StepByID("email-1"), now)
	require.NoError(t, err)
	require.NotNil(t, plan.Target)
	assert.Equal(t, time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC), plan.DueAt)
}

func TestPlanNext_WindowOnlyAppliesToSends(t *testing.T) {
	wf := &domain.Workflow{
		ID:       uuid.New(),
		Timezone: "UTC",
		Window:   &domain.SendWindow{StartHour: 9, EndHour: 17},
		Steps: []domain.Step{
			{ID: "tag-1", Kind: domain.StepTagAdd, Order: 1, Entry: true,
				Tags: &domain.TagConfig{Tags: []string{"a"}}},
		},
	}
	sub := &domain.Subscriber{ID: uuid.New(), WorkflowID: wf.ID}
	now := time.Date(2024, 1, 5, 20, 0, 0, 0, time.UTC)

	plan, err := PlanNext(wf, sub, wf.StepByID("tag-1"), now)
	require.NoError(t, err)
	assert.Equal(t, now, plan.DueAt, "non-send steps dispatch regardless of the window")
}

func TestResolveGoTo_DanglingBranch(t *testing.T) {
	wf := linearWorkflow()

	step, term := ResolveGoTo(wf, "email-2")
	require.Nil(t, term)
	assert.Equal(t, domain.StepID("email-2"), step.ID)

	step, term = ResolveGoTo(wf, "no-such-step")
	assert.Nil(t, step)
	require.NotNil(t, term)
	assert.Equal(t, domain.ExitDanglingBranch, term.Reason)
}

func TestPlanSuccessor(t *testing.T) {
	wf := linearWorkflow()
	sub := &domain.Subscriber{ID: uuid.New(), WorkflowID: wf.ID}
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	plan, err := PlanNext(wf, sub, wf.StepByID("wait-1"), now)
	require.NoError(t, err)

	item, current, next := plan.Successor(sub)
	require.NotNil(t, item)
	assert.Equal(t, sub.ID, item.SubscriberID)
	assert.Equal(t, domain.StepID("email-2"), item.StepID)
	assert.Equal(t, plan.DueAt, item.ScheduledFor)
	assert.Equal(t, domain.StepID("email-2"), current.StepID)
	assert.Equal(t, domain.StepSendEmail, next.Kind)
}
