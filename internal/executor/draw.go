package executor

import (
	"hash/fnv"
	"math/rand"

	"github.com/ignite/journey-engine/internal/domain"
)

// seededDraw returns a deterministic value in [0, 100) for one
// (subscriber seed, step) pair. Crash-recovery re-execution of the same
// step draws the same number, so random and split branches are stable.
func seededDraw(seed int64, stepID domain.StepID) int {
	h := fnv.New64a()
	h.Write([]byte(stepID))
	src := rand.NewSource(seed ^ int64(h.Sum64()))
	return rand.New(src).Intn(100)
}
