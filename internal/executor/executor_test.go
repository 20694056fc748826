package executor

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/journey-engine/internal/domain"
	"github.com/ignite/journey-engine/internal/transport"
)

func TestSeededDraw_Deterministic(t *testing.T) {
	first := seededDraw(42, "split-1")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, seededDraw(42, "split-1"), "same seed and step must repeat")
	}
	assert.GreaterOrEqual(t, first, 0)
	assert.Less(t, first, 100)
}

func TestSeededDraw_VariesAcrossStepsAndSeeds(t *testing.T) {
	// Not a strict guarantee per pair, but across many seeds the draws for
	// two steps must not be identical wholesale.
	same := 0
	for seed := int64(0); seed < 200; seed++ {
		if seededDraw(seed, "a") == seededDraw(seed, "b") {
			same++
		}
	}
	assert.Less(t, same, 50, "draws should differ across steps for most seeds")
}

func TestExecuteSplit_StableAndRoutes(t *testing.T) {
	e := &Executor{}
	step := &domain.Step{
		ID:   "split-1",
		Kind: domain.StepSplitTest,
		Split: &domain.SplitConfig{Variants: []domain.SplitVariant{
			{Name: "a", Percentage: 50, NextStepID: "path-a"},
			{Name: "b", Percentage: 50, NextStepID: "path-b"},
		}},
	}
	sub := &domain.Subscriber{ID: uuid.New(), Seed: 1234}

	tr1, err := e.executeSplit(sub, step)
	require.NoError(t, err)
	tr2, err := e.executeSplit(sub, step)
	require.NoError(t, err)

	assert.Equal(t, OutcomeGoTo, tr1.Outcome)
	assert.Equal(t, tr1.GoTo, tr2.GoTo, "re-execution must pick the same arm")
	assert.Contains(t, []domain.StepID{"path-a", "path-b"}, tr1.GoTo)
	assert.Equal(t, tr1.Detail["variant"], tr2.Detail["variant"])
}

func TestExecuteSplit_RoughDistribution(t *testing.T) {
	e := &Executor{}
	step := &domain.Step{
		ID:   "split-1",
		Kind: domain.StepSplitTest,
		Split: &domain.SplitConfig{Variants: []domain.SplitVariant{
			{Name: "a", Percentage: 80, NextStepID: "path-a"},
			{Name: "b", Percentage: 20, NextStepID: "path-b"},
		}},
	}

	countA := 0
	for seed := int64(0); seed < 1000; seed++ {
		tr, err := e.executeSplit(&domain.Subscriber{Seed: seed}, step)
		require.NoError(t, err)
		if tr.GoTo == "path-a" {
			countA++
		}
	}
	// 80% nominal; allow generous slack for the small sample.
	assert.Greater(t, countA, 700)
	assert.Less(t, countA, 900)
}

func TestExecuteGoal_CompletesWithConversion(t *testing.T) {
	e := &Executor{}
	wf := &domain.Workflow{ID: uuid.New(), Name: "Onboarding"}
	sub := &domain.Subscriber{ID: uuid.New(), Email: "a@example.com"}
	step := &domain.Step{ID: "goal-1", Kind: domain.StepGoalCheck,
		Goal: &domain.GoalConfig{Name: "purchased"}}

	tr, err := e.executeGoal(wf, sub, step)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTerminate, tr.Outcome)
	assert.Equal(t, domain.SubscriberCompleted, tr.TerminateStatus)
	assert.Equal(t, domain.ExitGoalReached, tr.TerminateReason)
	require.Len(t, tr.Events, 1)
	assert.Equal(t, domain.EventGoalReached, tr.Events[0].Kind)
	require.Len(t, tr.StatDeltas, 1)
	assert.Equal(t, "goal_reached", tr.StatDeltas[0].Field)
}

func TestExecute_UnknownKindExitsSubscriber(t *testing.T) {
	e := &Executor{}
	wf := &domain.Workflow{ID: uuid.New()}
	sub := &domain.Subscriber{ID: uuid.New()}
	step := &domain.Step{ID: "x", Kind: domain.StepKind("hologram")}

	tr, err := e.Execute(context.Background(), wf, sub, &domain.Contact{}, step, &domain.QueueItem{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTerminate, tr.Outcome)
	assert.Equal(t, domain.ExitUnsupportedStep, tr.TerminateReason)
}

func TestEvaluate_HasTagAndRandomPinning(t *testing.T) {
	e := &Executor{}
	contact := &domain.Contact{Tags: []string{"VIP"}}
	sub := &domain.Subscriber{ID: uuid.New(), Seed: 7}

	got, err := e.evaluate(context.Background(), sub, contact, "c1",
		&domain.ConditionConfig{Predicate: domain.PredHasTag, Tag: "vip"})
	require.NoError(t, err)
	assert.True(t, got, "tag match is case-insensitive")

	got, err = e.evaluate(context.Background(), sub, contact, "c1",
		&domain.ConditionConfig{Predicate: domain.PredRandom, Percent: 0})
	require.NoError(t, err)
	assert.False(t, got, "random(0) is always false")

	got, err = e.evaluate(context.Background(), sub, contact, "c1",
		&domain.ConditionConfig{Predicate: domain.PredRandom, Percent: 100})
	require.NoError(t, err)
	assert.True(t, got, "random(100) is always true")

	first, err := e.evaluate(context.Background(), sub, contact, "c1",
		&domain.ConditionConfig{Predicate: domain.PredRandom, Percent: 50})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := e.evaluate(context.Background(), sub, contact, "c1",
			&domain.ConditionConfig{Predicate: domain.PredRandom, Percent: 50})
		require.NoError(t, err)
		assert.Equal(t, first, again, "random(50) must repeat for the same subscriber and step")
	}
}

func TestCompareField(t *testing.T) {
	cases := []struct {
		name   string
		value  interface{}
		op     domain.FieldOp
		target string
		want   bool
	}{
		{"equals string", "Gold", domain.OpEquals, "gold", true},
		{"not equals", "Gold", domain.OpNotEquals, "silver", true},
		{"contains", "enterprise plan", domain.OpContains, "PLAN", true},
		{"greater than number", float64(42), domain.OpGreaterThan, "40", true},
		{"greater than numeric string", "42", domain.OpGreaterThan, "40", true},
		{"less than", float64(5), domain.OpLessThan, "10", true},
		{"missing value numeric", nil, domain.OpGreaterThan, "1", false},
		{"non-numeric value", "abc", domain.OpLessThan, "10", false},
		{"missing value equals empty", nil, domain.OpEquals, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := compareField(tc.value, tc.op, tc.target)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCheckTagExit(t *testing.T) {
	wf := &domain.Workflow{Exit: domain.ExitConditions{Tags: []string{"converted"}}}
	assert.True(t, CheckTagExit(wf, []string{"Converted"}))
	assert.False(t, CheckTagExit(wf, []string{"engaged"}))
	assert.False(t, CheckTagExit(&domain.Workflow{}, []string{"converted"}))
}

type stubNotifier struct {
	err   error
	calls int
}

func (s *stubNotifier) Notify(context.Context, string, string, string, string) error {
	s.calls++
	return s.err
}

func TestExecuteNotification_PermanentFailureAdvances(t *testing.T) {
	// A rejected alert channel fails the step but must not strand the
	// subscriber; the journey keeps moving, like a webhook 4xx.
	n := &stubNotifier{err: transport.Permanentf("alert endpoint rejected recipient")}
	e := &Executor{notifier: n, renderer: NewRenderer()}
	wf := &domain.Workflow{ID: uuid.New(), Name: "Onboarding"}
	step := &domain.Step{ID: "notify-1", Kind: domain.StepNotification,
		Notification: &domain.NotificationConfig{Channel: "email", Recipient: "ops@example.com", Message: "subscriber stalled"}}

	tr, err := e.executeNotification(context.Background(), wf, &domain.Contact{}, step)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAdvance, tr.Outcome)
	assert.True(t, tr.Failed)
	assert.Contains(t, tr.FailMsg, "rejected recipient")
	assert.Contains(t, tr.Detail["error"], "rejected recipient")
	assert.Equal(t, 1, n.calls)
}

func TestExecuteNotification_TransientFailureRetries(t *testing.T) {
	n := &stubNotifier{err: transport.Transientf("alert endpoint timeout")}
	e := &Executor{notifier: n, renderer: NewRenderer()}
	wf := &domain.Workflow{ID: uuid.New()}
	step := &domain.Step{ID: "notify-1", Kind: domain.StepNotification,
		Notification: &domain.NotificationConfig{Channel: "email", Recipient: "ops@example.com", Message: "m"}}

	tr, err := e.executeNotification(context.Background(), wf, &domain.Contact{}, step)
	require.Error(t, err)
	assert.Nil(t, tr)
	assert.True(t, transport.IsTransient(err), "timeouts must bubble up for retry")
}

func TestIdempotencyKey(t *testing.T) {
	keys := NewKeyFactory("secret")
	sub := uuid.New()

	k1 := keys.Key(sub, "step-1", 0)
	assert.Equal(t, k1, keys.Key(sub, "step-1", 0), "stable across retries")
	assert.NotEqual(t, k1, keys.Key(sub, "step-1", 1), "new epoch, new key")
	assert.NotEqual(t, k1, keys.Key(sub, "step-2", 0))
	assert.NotEqual(t, k1, keys.Key(uuid.New(), "step-1", 0))
	assert.Len(t, k1, 32)
}
