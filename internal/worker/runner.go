// Package worker runs the engine's dispatch loops: leasing due queue
// items, executing their steps, committing transitions, reclaiming
// expired leases, and ingesting ESP delivery webhooks.
package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/journey-engine/internal/config"
	"github.com/ignite/journey-engine/internal/contacts"
	"github.com/ignite/journey-engine/internal/domain"
	"github.com/ignite/journey-engine/internal/executor"
	"github.com/ignite/journey-engine/internal/pkg/logger"
	"github.com/ignite/journey-engine/internal/queue"
	"github.com/ignite/journey-engine/internal/schedule"
	"github.com/ignite/journey-engine/internal/store"
	"github.com/ignite/journey-engine/internal/transport"
)

// Runner is the queue dispatch pool. Each of its worker goroutines leases
// a batch of due items under its shared worker id and executes them.
type Runner struct {
	db       *sql.DB
	store    *store.Store
	contacts *contacts.Store
	queue    *queue.Store
	exec     *executor.Executor
	clock    schedule.Clock

	workerID      string
	workers       int
	batchSize     int
	pollInterval  time.Duration
	leaseDuration time.Duration
	stepTimeout   time.Duration

	totalExecuted int64
	totalErrors   int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewRunner creates a dispatch pool from engine configuration.
func NewRunner(db *sql.DB, st *store.Store, cs *contacts.Store, q *queue.Store,
	exec *executor.Executor, clock schedule.Clock, cfg config.EngineConfig) *Runner {
	return &Runner{
		db:            db,
		store:         st,
		contacts:      cs,
		queue:         q,
		exec:          exec,
		clock:         clock,
		workerID:      fmt.Sprintf("journey-%s", uuid.New().String()[:8]),
		workers:       cfg.Workers,
		batchSize:     cfg.BatchSize,
		pollInterval:  cfg.PollInterval(),
		leaseDuration: cfg.LeaseDuration(),
		stepTimeout:   cfg.StepTimeout(),
	}
}

// WorkerID returns the pool's queue lease owner id.
func (r *Runner) WorkerID() string { return r.workerID }

// Start launches the dispatch goroutines and the heartbeat loop.
func (r *Runner) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.mu.Unlock()

	logger.Info("runner starting", "worker", r.workerID,
		"workers", fmt.Sprintf("%d", r.workers))

	r.registerWorker()

	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.dispatchLoop()
	}
	r.wg.Add(1)
	go r.heartbeatLoop()
}

// Stop cancels the loops and waits up to 30s for in-flight steps.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn("runner shutdown timeout", "worker", r.workerID)
	}

	r.deregisterWorker()
	logger.Info("runner stopped", "worker", r.workerID,
		"executed", fmt.Sprintf("%d", atomic.LoadInt64(&r.totalExecuted)),
		"errors", fmt.Sprintf("%d", atomic.LoadInt64(&r.totalErrors)))
}

func (r *Runner) dispatchLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.drainBatch()
		}
	}
}

// drainBatch leases and executes one batch. It keeps leasing until the
// queue runs dry so a backlog is not paced by the poll interval.
func (r *Runner) drainBatch() {
	for {
		if r.ctx.Err() != nil {
			return
		}
		items, err := r.queue.Lease(r.ctx, r.workerID, r.batchSize, r.leaseDuration)
		if err != nil {
			logger.Error("lease batch", "worker", r.workerID, "error", err.Error())
			return
		}
		if len(items) == 0 {
			return
		}
		for i := range items {
			if r.ctx.Err() != nil {
				return
			}
			r.processItem(&items[i])
		}
	}
}

// processItem runs one leased queue item end to end.
func (r *Runner) processItem(item *domain.QueueItem) {
	ctx, cancel := context.WithTimeout(r.ctx, r.stepTimeout)
	defer cancel()

	sub, err := r.store.GetSubscriber(ctx, item.SubscriberID)
	if errors.Is(err, store.ErrNotFound) {
		_ = r.queue.Cancel(ctx, item.ID, "subscriber missing")
		return
	}
	if err != nil {
		atomic.AddInt64(&r.totalErrors, 1)
		r.failItem(ctx, item, nil, transport.Transient(err))
		return
	}
	if sub.Status.Terminal() {
		_ = r.queue.Cancel(ctx, item.ID, "subscriber already terminal")
		return
	}

	wf, err := r.store.GetWorkflow(ctx, item.WorkflowID)
	if err != nil {
		atomic.AddInt64(&r.totalErrors, 1)
		r.failItem(ctx, item, sub, transport.Transient(err))
		return
	}

	now := r.clock.Now().UTC()

	step := wf.StepByID(item.StepID)
	if step == nil {
		// The step was edited out from under the enrollment.
		r.commitTerminal(ctx, wf, sub, item, nil, domain.SubscriberExited, domain.ExitStepRemoved, now)
		return
	}
	if sub.HasVisited(step.ID) {
		r.commitTerminal(ctx, wf, sub, item, step, domain.SubscriberExited, domain.ExitCycle, now)
		return
	}

	contact, err := r.contacts.GetByID(ctx, sub.ContactID)
	if errors.Is(err, contacts.ErrNotFound) {
		r.commitTerminal(ctx, wf, sub, item, step, domain.SubscriberExited, domain.ExitContactMissing, now)
		return
	}
	if err != nil {
		atomic.AddInt64(&r.totalErrors, 1)
		r.failItem(ctx, item, sub, transport.Transient(err))
		return
	}

	tr, err := r.exec.Execute(ctx, wf, sub, contact, step, item)
	if err != nil {
		atomic.AddInt64(&r.totalErrors, 1)
		r.failItem(ctx, item, sub, err)
		return
	}

	// A tag added by the journey itself can satisfy the workflow's own
	// exit condition.
	if step.Kind == domain.StepTagAdd && tr.Outcome != executor.OutcomeTerminate &&
		executor.CheckTagExit(wf, step.Tags.Tags) {
		tr.Outcome = executor.OutcomeTerminate
		tr.TerminateStatus = domain.SubscriberCompleted
		tr.TerminateReason = domain.ExitConditionTerminal
	}

	if err := r.commitTransition(ctx, wf, sub, item, step, tr, now); err != nil {
		atomic.AddInt64(&r.totalErrors, 1)
		return
	}
	atomic.AddInt64(&r.totalExecuted, 1)
}

// commitTransition turns an executed step's Transition into a store.Commit
// and applies it.
func (r *Runner) commitTransition(ctx context.Context, wf *domain.Workflow,
	sub *domain.Subscriber, item *domain.QueueItem, step *domain.Step,
	tr *executor.Transition, now time.Time) error {

	entry := stepHistoryEntry(sub, step, tr, now)
	c := store.Commit{
		ItemID:         item.ID,
		WorkflowID:     wf.ID,
		SubscriberID:   sub.ID,
		HistoryEntries: []domain.HistoryEntry{entry},
		Events:         tr.Events,
		StatDeltas:     tr.StatDeltas,
	}

	stepEvent := domain.EventStepCompleted
	statField := "completed"
	if tr.Failed {
		stepEvent = domain.EventStepFailed
		statField = "failed"
	}
	c.StepStats = []store.StepStatDelta{
		{StepID: step.ID, Field: "entered", Delta: 1},
		{StepID: step.ID, Field: statField, Delta: 1},
	}
	c.Events = append(c.Events, domain.Event{
		WorkflowID:   wf.ID,
		SubscriberID: &sub.ID,
		Kind:         stepEvent,
		StepID:       step.ID,
		StepKind:     step.Kind,
		Email:        sub.Email,
		Error:        tr.FailMsg,
	})

	var terminal *store.Termination
	switch tr.Outcome {
	case executor.OutcomeTerminate:
		terminal = &store.Termination{Status: tr.TerminateStatus, Reason: tr.TerminateReason}
	case executor.OutcomeAdvance, executor.OutcomeGoTo:
		next := wf.NextLinear(step.ID)
		if tr.Outcome == executor.OutcomeGoTo {
			next, terminal = executor.ResolveGoTo(wf, tr.GoTo)
		}
		if terminal == nil {
			// Cycle detection in the plan must see the step that just ran.
			walker := *sub
			walker.History = append(append([]domain.HistoryEntry{}, sub.History...), entry)
			plan, err := executor.PlanNext(wf, &walker, next, now)
			if err != nil {
				logger.Error("plan next", "subscriber", sub.ID.String(), "error", err.Error())
				r.failItem(ctx, item, sub, transport.Permanent(err))
				return err
			}
			c.HistoryEntries = append(c.HistoryEntries, plan.Entries...)
			if plan.Terminal != nil {
				terminal = plan.Terminal
			} else {
				c.SuccessorItem, c.NewCurrent, c.NextAction = plan.Successor(sub)
			}
		}
	}

	if c.NewCurrent != nil {
		c.Events = append(c.Events, domain.Event{
			WorkflowID:   wf.ID,
			SubscriberID: &sub.ID,
			Kind:         domain.EventStepStarted,
			StepID:       c.NewCurrent.StepID,
			StepKind:     c.NextAction.Kind,
			Email:        sub.Email,
			Data:         map[string]any{"scheduled_for": c.NextAction.ScheduledFor.UTC().Format(time.RFC3339)},
		})
	}

	if terminal != nil {
		if terminal.Reason == domain.ExitDanglingBranch {
			c.Events = append(c.Events, domain.Event{
				WorkflowID:   wf.ID,
				SubscriberID: &sub.ID,
				Kind:         domain.EventError,
				StepID:       step.ID,
				StepKind:     step.Kind,
				Email:        sub.Email,
				Error:        fmt.Sprintf("branch target %q does not exist", tr.GoTo),
				Data:         map[string]any{"target": string(tr.GoTo)},
			})
		}
		c.Terminate = terminal
		c.Events = append(c.Events, domain.Event{
			WorkflowID:   wf.ID,
			SubscriberID: &sub.ID,
			Kind:         domain.EventSubscriberExited,
			StepID:       step.ID,
			Email:        sub.Email,
			Data:         map[string]any{"status": string(terminal.Status), "reason": terminal.Reason},
		})
		c.StatDeltas = append(c.StatDeltas,
			store.StatDelta{Field: "currently_active", Delta: -1},
			store.StatDelta{Field: terminalStatField(terminal.Status), Delta: 1})
	}

	err := r.store.CommitTransition(ctx, c)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrWorkflowInactive):
		logger.Debug("transition suppressed", "subscriber", sub.ID.String(), "workflow", wf.ID.String())
		return nil
	case errors.Is(err, store.ErrLeaseLost):
		logger.Warn("lease lost at commit", "item", item.ID.String(), "worker", r.workerID)
		return nil
	default:
		logger.Error("commit transition", "item", item.ID.String(), "error", err.Error())
		return err
	}
}

// commitTerminal closes an enrollment without executing a step (missing
// step, cycle, missing contact).
func (r *Runner) commitTerminal(ctx context.Context, wf *domain.Workflow,
	sub *domain.Subscriber, item *domain.QueueItem, step *domain.Step,
	status domain.SubscriberStatus, reason string, now time.Time) {

	c := store.Commit{
		ItemID:       item.ID,
		WorkflowID:   wf.ID,
		SubscriberID: sub.ID,
		Terminate:    &store.Termination{Status: status, Reason: reason},
		Events: []domain.Event{{
			WorkflowID:   wf.ID,
			SubscriberID: &sub.ID,
			Kind:         domain.EventSubscriberExited,
			StepID:       item.StepID,
			Email:        sub.Email,
			Data:         map[string]any{"status": string(status), "reason": reason},
		}},
		StatDeltas: []store.StatDelta{
			{Field: "currently_active", Delta: -1},
			{Field: terminalStatField(status), Delta: 1},
		},
	}
	if step != nil {
		c.HistoryEntries = []domain.HistoryEntry{{
			StepID:      step.ID,
			Kind:        step.Kind,
			Outcome:     domain.HistorySkipped,
			EnteredAt:   now,
			CompletedAt: now,
			Detail:      map[string]any{"reason": reason},
		}}
	}

	if err := r.store.CommitTransition(ctx, c); err != nil &&
		!errors.Is(err, store.ErrWorkflowInactive) && !errors.Is(err, store.ErrLeaseLost) {
		logger.Error("commit terminal", "item", item.ID.String(), "error", err.Error())
	}
}

// failItem records a step failure: transient errors back off and retry,
// permanent or exhausted ones dead-letter the item and fail the enrollment
// in one commit.
func (r *Runner) failItem(ctx context.Context, item *domain.QueueItem, sub *domain.Subscriber, execErr error) {
	transient := transport.IsTransient(execErr)
	wfID := item.WorkflowID

	failEv := domain.Event{
		WorkflowID: wfID,
		Kind:       domain.EventStepFailed,
		StepID:     item.StepID,
		StepKind:   item.StepKind,
		Error:      execErr.Error(),
		Data:       map[string]any{"attempts": item.Attempts, "transient": transient},
	}
	if sub != nil {
		failEv.SubscriberID = &sub.ID
		failEv.Email = sub.Email
	}

	// Same predicate queue.Fail applies; item.Attempts was set at lease.
	if transient && item.Attempts < r.queue.MaxAttempts() {
		retryAt, _, err := r.queue.Fail(ctx, item.ID, execErr.Error(), true)
		if err != nil {
			logger.Error("fail item", "item", item.ID.String(), "error", err.Error())
			return
		}
		if retryAt != nil {
			failEv.Data["retry_at"] = retryAt.UTC().Format(time.RFC3339)
		}
		if err := r.store.AppendEvent(ctx, &failEv); err != nil {
			logger.Error("append failure event", "error", err.Error())
		}
		return
	}

	// Attempts exhausted or permanently rejected: the enrollment fails.
	if sub == nil {
		if _, _, err := r.queue.Fail(ctx, item.ID, execErr.Error(), false); err != nil {
			logger.Error("fail item", "item", item.ID.String(), "error", err.Error())
			return
		}
		if err := r.store.AppendEvent(ctx, &failEv); err != nil {
			logger.Error("append failure event", "error", err.Error())
		}
		return
	}

	now := r.clock.Now().UTC()
	err := r.store.DeadLetter(ctx, store.DeadLetter{
		ItemID:       item.ID,
		WorkflowID:   wfID,
		SubscriberID: sub.ID,
		ErrMsg:       execErr.Error(),
		HistoryEntry: domain.HistoryEntry{
			StepID:      item.StepID,
			Kind:        item.StepKind,
			Outcome:     domain.HistoryFailed,
			EnteredAt:   now,
			CompletedAt: now,
			Detail:      map[string]any{"error": execErr.Error()},
		},
		Events: []domain.Event{failEv, {
			WorkflowID:   wfID,
			SubscriberID: &sub.ID,
			Kind:         domain.EventSubscriberExited,
			StepID:       item.StepID,
			Email:        sub.Email,
			Data:         map[string]any{"status": string(domain.SubscriberFailed), "reason": "step_failed"},
		}},
	})
	switch {
	case err == nil:
		logger.Warn("subscriber dead-lettered", "subscriber", sub.ID.String(),
			"step", string(item.StepID), "error", execErr.Error())
	case errors.Is(err, store.ErrLeaseLost):
		logger.Warn("lease lost at dead-letter", "item", item.ID.String(), "worker", r.workerID)
	default:
		logger.Error("dead-letter", "item", item.ID.String(), "error", err.Error())
	}
}

func stepHistoryEntry(sub *domain.Subscriber, step *domain.Step, tr *executor.Transition, now time.Time) domain.HistoryEntry {
	entered := now
	if sub.Current != nil && sub.Current.StepID == step.ID {
		entered = sub.Current.EnteredAt
	}
	if entered.After(now) {
		entered = now
	}
	outcome := domain.HistoryCompleted
	if tr.Failed {
		outcome = domain.HistoryFailed
	}
	return domain.HistoryEntry{
		StepID:      step.ID,
		Kind:        step.Kind,
		Outcome:     outcome,
		EnteredAt:   entered,
		CompletedAt: now,
		Detail:      tr.Detail,
	}
}

func terminalStatField(status domain.SubscriberStatus) string {
	switch status {
	case domain.SubscriberCompleted:
		return "completed"
	case domain.SubscriberFailed:
		return "failed"
	default:
		return "exited"
	}
}

func (r *Runner) registerWorker() {
	hostname, _ := os.Hostname()
	_, err := r.db.ExecContext(r.ctx, `
		INSERT INTO automation_workers (worker_id, hostname, started_at, last_heartbeat)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_heartbeat = NOW()
	`, r.workerID, hostname)
	if err != nil {
		logger.Error("register worker", "worker", r.workerID, "error", err.Error())
	}
}

func (r *Runner) deregisterWorker() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM automation_workers WHERE worker_id = $1`, r.workerID); err != nil {
		logger.Error("deregister worker", "worker", r.workerID, "error", err.Error())
	}
}

func (r *Runner) heartbeatLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			_, err := r.db.ExecContext(r.ctx, `
				UPDATE automation_workers
				SET last_heartbeat = NOW(), items_executed = $2
				WHERE worker_id = $1
			`, r.workerID, atomic.LoadInt64(&r.totalExecuted))
			if err != nil && r.ctx.Err() == nil {
				logger.Error("heartbeat", "worker", r.workerID, "error", err.Error())
			}
		}
	}
}
