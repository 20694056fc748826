package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// ClaimSweepMark records that the sweeper already enrolled (workflow,
// dedupe key). Returns false when the mark exists, so a re-run of the same
// sweep window enrolls nobody twice.
func (s *Store) ClaimSweepMark(ctx context.Context, workflowID uuid.UUID, dedupeKey string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO automation_sweep_marks (workflow_id, dedupe_key, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (workflow_id, dedupe_key) DO NOTHING
	`, workflowID, dedupeKey)
	if err != nil {
		return false, fmt.Errorf("claim sweep mark: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
