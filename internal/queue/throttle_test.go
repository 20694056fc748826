package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/journey-engine/internal/schedule"
)

func newTestThrottle(t *testing.T, now time.Time) (*SendThrottle, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewSendThrottle(client, schedule.Fixed(now)), mr
}

func TestSendThrottle_HourCap(t *testing.T) {
	now := time.Date(2024, 6, 10, 14, 30, 0, 0, time.UTC)
	throttle, _ := newTestThrottle(t, now)
	wf := uuid.New()

	for i := 0; i < 3; i++ {
		allowed, _, err := throttle.Reserve(context.Background(), wf, 3, 0)
		require.NoError(t, err)
		assert.True(t, allowed, "send %d should fit under the cap", i+1)
	}

	allowed, retryAt, err := throttle.Reserve(context.Background(), wf, 3, 0)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, time.Date(2024, 6, 10, 15, 0, 0, 0, time.UTC), retryAt,
		"deferral should land on the next hour boundary")
}

func TestSendThrottle_DayCap(t *testing.T) {
	now := time.Date(2024, 6, 10, 14, 30, 0, 0, time.UTC)
	throttle, _ := newTestThrottle(t, now)
	wf := uuid.New()

	allowed, _, err := throttle.Reserve(context.Background(), wf, 0, 1)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, retryAt, err := throttle.Reserve(context.Background(), wf, 0, 1)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, time.Date(2024, 6, 11, 0, 0, 0, 0, time.UTC), retryAt,
		"deferral should land on the next UTC midnight")
}

func TestSendThrottle_WorkflowsAreIndependent(t *testing.T) {
	now := time.Date(2024, 6, 10, 14, 30, 0, 0, time.UTC)
	throttle, _ := newTestThrottle(t, now)

	a, b := uuid.New(), uuid.New()

	allowed, _, err := throttle.Reserve(context.Background(), a, 1, 0)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _, err = throttle.Reserve(context.Background(), a, 1, 0)
	require.NoError(t, err)
	assert.False(t, allowed, "workflow a exhausted its hour bucket")

	allowed, _, err = throttle.Reserve(context.Background(), b, 1, 0)
	require.NoError(t, err)
	assert.True(t, allowed, "workflow b has its own bucket")
}

func TestSendThrottle_Uncapped(t *testing.T) {
	throttle, _ := newTestThrottle(t, time.Now())
	allowed, _, err := throttle.Reserve(context.Background(), uuid.New(), 0, 0)
	require.NoError(t, err)
	assert.True(t, allowed)
}
