package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/journey-engine/internal/domain"
)

const workflowColumns = `
	id, tenant_id, name, status, trigger_spec, entry_conditions, exit_conditions,
	send_window, max_sends_per_hour, max_sends_per_day, timezone, steps, stats,
	activated_at, created_at, updated_at
`

func scanWorkflow(scan func(...interface{}) error) (*domain.Workflow, error) {
	var w domain.Workflow
	var trigger, entry, exit, steps, stats []byte
	var window sql.NullString
	var activatedAt sql.NullTime

	err := scan(&w.ID, &w.TenantID, &w.Name, &w.Status, &trigger, &entry, &exit,
		&window, &w.Throttle.MaxSendsPerHour, &w.Throttle.MaxSendsPerDay,
		&w.Timezone, &steps, &stats, &activatedAt, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan workflow: %w", err)
	}

	for _, dec := range []struct {
		raw  []byte
		into interface{}
	}{
		{trigger, &w.Trigger},
		{entry, &w.Entry},
		{exit, &w.Exit},
		{steps, &w.Steps},
		{stats, &w.Stats},
	} {
		if len(dec.raw) > 0 {
			if err := json.Unmarshal(dec.raw, dec.into); err != nil {
				return nil, fmt.Errorf("decode workflow %s: %w", w.ID, err)
			}
		}
	}
	if window.Valid && window.String != "" && window.String != "null" {
		w.Window = &domain.SendWindow{}
		if err := json.Unmarshal([]byte(window.String), w.Window); err != nil {
			return nil, fmt.Errorf("decode workflow %s window: %w", w.ID, err)
		}
	}
	if activatedAt.Valid {
		w.ActivatedAt = &activatedAt.Time
	}
	if w.Timezone == "" {
		w.Timezone = "UTC"
	}
	return &w, nil
}

// GetWorkflow loads a workflow by id.
func (s *Store) GetWorkflow(ctx context.Context, id uuid.UUID) (*domain.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM automation_workflows WHERE id = $1`, id)
	return scanWorkflow(row.Scan)
}

// ListActiveByTrigger returns the tenant's active workflows whose trigger
// matches kind. The trigger router fans an inbound event across these.
func (s *Store) ListActiveByTrigger(ctx context.Context, tenantID uuid.UUID, kind domain.TriggerKind) ([]*domain.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workflowColumns+`
		FROM automation_workflows
		WHERE tenant_id = $1 AND status = 'active' AND trigger_spec->>'kind' = $2
		ORDER BY created_at
	`, tenantID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list by trigger: %w", err)
	}
	defer rows.Close()
	return collectWorkflows(rows)
}

// ListActiveByTriggerAll returns active workflows of the given trigger kind
// across all tenants. The sweepers walk these.
func (s *Store) ListActiveByTriggerAll(ctx context.Context, kind domain.TriggerKind) ([]*domain.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workflowColumns+`
		FROM automation_workflows
		WHERE status = 'active' AND trigger_spec->>'kind' = $1
		ORDER BY created_at
	`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list by trigger all: %w", err)
	}
	defer rows.Close()
	return collectWorkflows(rows)
}

func collectWorkflows(rows *sql.Rows) ([]*domain.Workflow, error) {
	var out []*domain.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// CreateWorkflow inserts a new definition in draft status.
func (s *Store) CreateWorkflow(ctx context.Context, w *domain.Workflow) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	w.Status = domain.WorkflowDraft
	if w.Timezone == "" {
		w.Timezone = "UTC"
	}

	trigger, entry, exit, window, steps, stats, err := encodeWorkflow(w)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO automation_workflows
		(id, tenant_id, name, status, trigger_spec, entry_conditions, exit_conditions,
		 send_window, max_sends_per_hour, max_sends_per_day, timezone, steps, stats,
		 created_at, updated_at)
		VALUES ($1, $2, $3, 'draft', $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
	`, w.ID, w.TenantID, w.Name, trigger, entry, exit, window,
		w.Throttle.MaxSendsPerHour, w.Throttle.MaxSendsPerDay, w.Timezone, steps, stats)
	if err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	return nil
}

// UpdateWorkflow replaces the definition. Only draft and paused workflows
// are editable; active ones must be paused first so in-flight subscribers
// never see a step graph change mid-lease.
func (s *Store) UpdateWorkflow(ctx context.Context, w *domain.Workflow) error {
	trigger, entry, exit, window, steps, _, err := encodeWorkflow(w)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE automation_workflows
		SET name = $2, trigger_spec = $3, entry_conditions = $4, exit_conditions = $5,
		    send_window = $6, max_sends_per_hour = $7, max_sends_per_day = $8,
		    timezone = $9, steps = $10, updated_at = NOW()
		WHERE id = $1 AND status IN ('draft', 'paused')
	`, w.ID, w.Name, trigger, entry, exit, window,
		w.Throttle.MaxSendsPerHour, w.Throttle.MaxSendsPerDay, w.Timezone, steps)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotEditable
	}
	return nil
}

// TransitionStatus moves the workflow between lifecycle states, guarded by
// the allowed source set. Returns ErrNotEditable when the current status is
// not in from.
func (s *Store) TransitionStatus(ctx context.Context, id uuid.UUID, from []domain.WorkflowStatus, to domain.WorkflowStatus) error {
	states := make([]string, len(from))
	for i, st := range from {
		states[i] = fmt.Sprintf("'%s'", st)
	}

	query := fmt.Sprintf(`
		UPDATE automation_workflows
		SET status = $2, updated_at = NOW()%s
		WHERE id = $1 AND status IN (%s)
	`, activatedAtClause(to), joinStates(states))

	res, err := s.db.ExecContext(ctx, query, id, string(to))
	if err != nil {
		return fmt.Errorf("transition status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotEditable
	}
	return nil
}

func activatedAtClause(to domain.WorkflowStatus) string {
	if to == domain.WorkflowActive {
		return ", activated_at = COALESCE(activated_at, NOW())"
	}
	return ""
}

func joinStates(states []string) string {
	out := ""
	for i, s := range states {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}

// Workflow stat fields the engine may increment.
var workflowStatFields = map[string]bool{
	"total_entered":    true,
	"currently_active": true,
	"completed":        true,
	"goal_reached":     true,
	"exited":           true,
	"failed":           true,
	"emails_sent":      true,
	"emails_opened":    true,
	"emails_clicked":   true,
	"unsubscribed":     true,
}

// IncrementStat bumps one whitelisted counter in the stats document.
func (s *Store) IncrementStat(ctx context.Context, id uuid.UUID, field string, delta int64) error {
	return incrementStat(ctx, s.db, id, field, delta)
}

func incrementStat(ctx context.Context, ex execer, id uuid.UUID, field string, delta int64) error {
	if !workflowStatFields[field] {
		return fmt.Errorf("unknown workflow stat %q", field)
	}
	_, err := ex.ExecContext(ctx, `
		UPDATE automation_workflows
		SET stats = jsonb_set(
			COALESCE(stats, '{}'::jsonb),
			ARRAY[$2],
			(COALESCE(stats->>$2, '0')::bigint + $3)::text::jsonb
		),
		updated_at = NOW()
		WHERE id = $1
	`, id, field, delta)
	if err != nil {
		return fmt.Errorf("increment stat %s: %w", field, err)
	}
	return nil
}

// Per-step stat columns the engine may increment.
var stepStatFields = map[string]bool{
	"entered":   true,
	"completed": true,
	"failed":    true,
}

// IncrementStepStat bumps one per-step counter, creating the row on first
// touch.
func (s *Store) IncrementStepStat(ctx context.Context, workflowID uuid.UUID, stepID domain.StepID, field string, delta int64) error {
	return incrementStepStat(ctx, s.db, workflowID, stepID, field, delta)
}

func incrementStepStat(ctx context.Context, ex execer, workflowID uuid.UUID, stepID domain.StepID, field string, delta int64) error {
	if !stepStatFields[field] {
		return fmt.Errorf("unknown step stat %q", field)
	}
	query := fmt.Sprintf(`
		INSERT INTO automation_step_stats (workflow_id, step_id, %s, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (workflow_id, step_id)
		DO UPDATE SET %s = automation_step_stats.%s + $3, updated_at = NOW()
	`, field, field, field)
	if _, err := ex.ExecContext(ctx, query, workflowID, string(stepID), delta); err != nil {
		return fmt.Errorf("increment step stat %s: %w", field, err)
	}
	return nil
}

func encodeWorkflow(w *domain.Workflow) (trigger, entry, exit []byte, window interface{}, steps, stats []byte, err error) {
	if trigger, err = json.Marshal(w.Trigger); err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("encode trigger: %w", err)
	}
	if entry, err = json.Marshal(w.Entry); err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("encode entry: %w", err)
	}
	if exit, err = json.Marshal(w.Exit); err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("encode exit: %w", err)
	}
	if steps, err = json.Marshal(w.Steps); err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("encode steps: %w", err)
	}
	if stats, err = json.Marshal(w.Stats); err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("encode stats: %w", err)
	}
	if w.Window != nil {
		raw, merr := json.Marshal(w.Window)
		if merr != nil {
			return nil, nil, nil, nil, nil, nil, fmt.Errorf("encode window: %w", merr)
		}
		window = raw
	}
	return trigger, entry, exit, window, steps, stats, nil
}
