package executor

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/journey-engine/internal/domain"
)

// KeyFactory derives idempotency keys for side-effecting steps. The key is
// stable across transient retries of the same dispatch (same attempt epoch)
// and changes when an operator deliberately re-dispatches, so external
// collaborators can dedupe crash-recovery re-runs without suppressing
// intentional repeats.
type KeyFactory struct {
	secret []byte
}

// NewKeyFactory creates a factory from the configured secret.
func NewKeyFactory(secret string) *KeyFactory {
	return &KeyFactory{secret: []byte(secret)}
}

// Key returns the idempotency key for one (subscriber, step, epoch)
// dispatch.
func (f *KeyFactory) Key(subscriberID uuid.UUID, stepID domain.StepID, attemptEpoch int) string {
	h := hmac.New(sha256.New, f.secret)
	fmt.Fprintf(h, "%s|%s|%d", subscriberID, stepID, attemptEpoch)
	return hex.EncodeToString(h.Sum(nil))[:32]
}
