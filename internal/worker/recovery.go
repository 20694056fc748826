package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/journey-engine/internal/pkg/logger"
	"github.com/ignite/journey-engine/internal/queue"
)

// Recovery returns expired-lease queue items to pending so another worker
// picks them up. Step handlers are idempotent (keyed sends, tolerated
// repeats), so re-execution after a crash is safe.
type Recovery struct {
	queue    *queue.Store
	interval time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewRecovery creates a lease recovery loop.
func NewRecovery(q *queue.Store, interval time.Duration) *Recovery {
	return &Recovery{queue: q, interval: interval}
}

// Start launches the recovery loop.
func (rc *Recovery) Start() {
	rc.mu.Lock()
	if rc.running {
		rc.mu.Unlock()
		return
	}
	rc.running = true
	rc.ctx, rc.cancel = context.WithCancel(context.Background())
	rc.mu.Unlock()

	rc.wg.Add(1)
	go rc.loop()
}

// Stop halts the recovery loop.
func (rc *Recovery) Stop() {
	rc.mu.Lock()
	if !rc.running {
		rc.mu.Unlock()
		return
	}
	rc.running = false
	rc.cancel()
	rc.mu.Unlock()
	rc.wg.Wait()
}

func (rc *Recovery) loop() {
	defer rc.wg.Done()

	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-rc.ctx.Done():
			return
		case <-ticker.C:
			n, err := rc.queue.ReclaimExpired(rc.ctx)
			if err != nil {
				if rc.ctx.Err() == nil {
					logger.Error("reclaim expired leases", "error", err.Error())
				}
				continue
			}
			if n > 0 {
				logger.Warn("reclaimed expired leases", "count", fmt.Sprintf("%d", n))
			}
		}
	}
}
