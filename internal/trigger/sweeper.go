package trigger

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/journey-engine/internal/domain"
	"github.com/ignite/journey-engine/internal/pkg/distlock"
	"github.com/ignite/journey-engine/internal/pkg/logger"
	"github.com/ignite/journey-engine/internal/schedule"
	"github.com/ignite/journey-engine/internal/store"
)

// Sweeper periodically synthesizes enrollments for the two time-based
// triggers: date_based (birthdays, anniversaries, fixed dates with an
// offset) and no_activity. A distributed lock keeps exactly one engine
// instance sweeping at a time; dedupe marks make a re-run of the same
// window harmless.
type Sweeper struct {
	store    *store.Store
	router   *Router
	clock    schedule.Clock
	interval time.Duration
	lock     distlock.DistLock

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewSweeper creates a sweeper. redisClient may be nil; the lock then
// falls back to a Postgres advisory lock.
func NewSweeper(st *store.Store, router *Router, clock schedule.Clock,
	interval time.Duration, redisClient *redis.Client, db *sql.DB) *Sweeper {
	return &Sweeper{
		store:    st,
		router:   router,
		clock:    clock,
		interval: interval,
		lock:     distlock.NewLock(redisClient, db, "journey:sweeper", interval),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	logger.Info("sweeper starting", "interval", s.interval.String())
	s.wg.Add(1)
	go s.loop()
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(s.ctx)
		}
	}
}

// SweepOnce runs one full sweep under the distributed lock. Exported for
// the admin tool.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	acquired, err := s.lock.Acquire(ctx)
	if err != nil {
		logger.Error("sweeper lock", "error", err.Error())
		return
	}
	if !acquired {
		return
	}
	defer s.lock.Release(ctx)

	if n, err := s.sweepDateBased(ctx); err != nil {
		logger.Error("date sweep", "error", err.Error())
	} else if n > 0 {
		logger.Info("date sweep enrolled", "count", fmt.Sprintf("%d", n))
	}
	if n, err := s.sweepInactivity(ctx); err != nil {
		logger.Error("inactivity sweep", "error", err.Error())
	} else if n > 0 {
		logger.Info("inactivity sweep enrolled", "count", fmt.Sprintf("%d", n))
	}
}

// sweepDateBased enrolls contacts whose anchor date (plus offset) lands
// today in the workflow's timezone.
func (s *Sweeper) sweepDateBased(ctx context.Context) (int, error) {
	workflows, err := s.store.ListActiveByTriggerAll(ctx, domain.TriggerDateBased)
	if err != nil {
		return 0, err
	}

	enrolled := 0
	for _, wf := range workflows {
		spec := wf.Trigger
		if spec.DateField == "" {
			continue
		}

		today, err := schedule.NowIn(s.clock, wf.Timezone)
		if err != nil {
			logger.Error("date sweep zone", "workflow", wf.ID.String(), "error", err.Error())
			continue
		}
		// Anchor date that makes the trigger due today.
		anchor := today.AddDate(0, 0, -spec.OffsetDays)

		contacts, err := s.router.contacts.DueForDateTrigger(ctx, wf.TenantID, spec.DateField, anchor, spec.Anniversary)
		if err != nil {
			logger.Error("date sweep scan", "workflow", wf.ID.String(), "error", err.Error())
			continue
		}

		for _, c := range contacts {
			key := fmt.Sprintf("date:%s:%s:%d", spec.DateField, c.Email, today.Year())
			if !spec.Anniversary {
				key = fmt.Sprintf("date:%s:%s", spec.DateField, c.Email)
			}
			sub, err := s.router.Enroll(ctx, wf, c, key)
			if err != nil {
				logger.Error("date sweep enroll", "email", c.Email, "error", err.Error())
				continue
			}
			if sub != nil {
				enrolled++
			}
		}
	}
	return enrolled, nil
}

// sweepInactivity enrolls contacts whose last activity is older than the
// workflow's threshold. The dedupe key pins the enrollment to the activity
// timestamp it observed, so one quiet spell triggers once.
func (s *Sweeper) sweepInactivity(ctx context.Context) (int, error) {
	workflows, err := s.store.ListActiveByTriggerAll(ctx, domain.TriggerNoActivity)
	if err != nil {
		return 0, err
	}

	enrolled := 0
	for _, wf := range workflows {
		days := wf.Trigger.InactivityDays
		if days <= 0 {
			continue
		}
		cutoff := s.clock.Now().AddDate(0, 0, -days)

		contacts, err := s.router.contacts.InactiveSince(ctx, wf.TenantID, cutoff, 1000)
		if err != nil {
			logger.Error("inactivity scan", "workflow", wf.ID.String(), "error", err.Error())
			continue
		}

		for _, c := range contacts {
			anchor := c.CreatedAt
			if c.LastActivityAt != nil {
				anchor = *c.LastActivityAt
			}
			key := fmt.Sprintf("inactive:%s:%d", c.Email, anchor.Unix())
			sub, err := s.router.Enroll(ctx, wf, c, key)
			if err != nil {
				logger.Error("inactivity enroll", "email", c.Email, "error", err.Error())
				continue
			}
			if sub != nil {
				enrolled++
			}
		}
	}
	return enrolled, nil
}
