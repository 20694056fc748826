package executor

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ignite/journey-engine/internal/domain"
	"github.com/ignite/journey-engine/internal/transport"
)

// executeCondition evaluates the predicate and routes to the matching
// branch. An empty branch id means the journey completes on that outcome.
func (e *Executor) executeCondition(ctx context.Context, wf *domain.Workflow,
	sub *domain.Subscriber, contact *domain.Contact, step *domain.Step) (*Transition, error) {

	cfg := step.Condition
	result, err := e.evaluate(ctx, sub, contact, step.ID, cfg)
	if err != nil {
		return nil, err
	}

	branch := cfg.FalseBranch
	if result {
		branch = cfg.TrueBranch
	}

	tr := &Transition{
		Detail: map[string]interface{}{
			"predicate": string(cfg.Predicate),
			"result":    result,
		},
		Events: []domain.Event{{
			WorkflowID:   wf.ID,
			SubscriberID: &sub.ID,
			Kind:         domain.EventConditionEvaluated,
			StepID:       step.ID,
			StepKind:     step.Kind,
			Email:        sub.Email,
			Data: map[string]interface{}{
				"predicate": string(cfg.Predicate),
				"result":    result,
			},
		}},
	}

	if branch == "" {
		tr.Outcome = OutcomeTerminate
		tr.TerminateStatus = domain.SubscriberCompleted
		tr.TerminateReason = domain.ExitConditionTerminal
		return tr, nil
	}
	tr.Outcome = OutcomeGoTo
	tr.GoTo = branch
	return tr, nil
}

func (e *Executor) evaluate(ctx context.Context, sub *domain.Subscriber,
	contact *domain.Contact, stepID domain.StepID, cfg *domain.ConditionConfig) (bool, error) {

	switch cfg.Predicate {
	case domain.PredOpenedEmail:
		opened, err := e.store.HasOpened(ctx, sub.ID, cfg.StepID)
		if err != nil {
			return false, transport.Transient(err)
		}
		return opened, nil

	case domain.PredClickedLink:
		clicked, err := e.store.HasClicked(ctx, sub.ID, cfg.StepID, cfg.URL)
		if err != nil {
			return false, transport.Transient(err)
		}
		return clicked, nil

	case domain.PredHasTag:
		return contact.HasTag(cfg.Tag), nil

	case domain.PredInSegment:
		segID, err := uuid.Parse(cfg.SegmentID)
		if err != nil {
			return false, transport.Permanentf("condition references bad segment id %q", cfg.SegmentID)
		}
		in, err := e.contacts.InSegment(ctx, contact.ID, segID)
		if err != nil {
			return false, transport.Transient(err)
		}
		return in, nil

	case domain.PredCustomField:
		return compareField(contact.CustomFields[cfg.Field], cfg.Op, cfg.Value)

	case domain.PredRandom:
		// percent 0 is always false, 100 always true; draws are seeded so
		// re-execution repeats the choice.
		if cfg.Percent <= 0 {
			return false, nil
		}
		if cfg.Percent >= 100 {
			return true, nil
		}
		return seededDraw(sub.Seed, "random:"+stepID) < cfg.Percent, nil
	}
	return false, transport.Permanentf("unknown predicate %q", cfg.Predicate)
}

func compareField(value interface{}, op domain.FieldOp, target string) (bool, error) {
	switch op {
	case domain.OpEquals, domain.OpNotEquals, domain.OpContains, "":
		s := ""
		if value != nil {
			s = strings.TrimSpace(toString(value))
		}
		switch op {
		case domain.OpNotEquals:
			return !strings.EqualFold(s, target), nil
		case domain.OpContains:
			return strings.Contains(strings.ToLower(s), strings.ToLower(target)), nil
		default:
			return strings.EqualFold(s, target), nil
		}

	case domain.OpGreaterThan, domain.OpLessThan:
		// Missing or non-numeric values never satisfy a numeric comparison.
		got, ok := toFloat(value)
		if !ok {
			return false, nil
		}
		want, err := strconv.ParseFloat(strings.TrimSpace(target), 64)
		if err != nil {
			return false, transport.Permanentf("condition target %q is not numeric", target)
		}
		if op == domain.OpGreaterThan {
			return got > want, nil
		}
		return got < want, nil
	}
	return false, transport.Permanentf("unknown field operator %q", op)
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
