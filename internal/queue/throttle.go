package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/journey-engine/internal/schedule"
)

// reserveScript atomically checks both buckets and increments only when the
// send fits under every cap. Returns {allowed, denyReason, count} where
// denyReason is 1 for the hour cap and 2 for the day cap.
var reserveScript = redis.NewScript(`
local hourKey = KEYS[1]
local dayKey = KEYS[2]
local hourLimit = tonumber(ARGV[1])
local dayLimit = tonumber(ARGV[2])
local hourTTL = tonumber(ARGV[3])
local dayTTL = tonumber(ARGV[4])

local hr = tonumber(redis.call("GET", hourKey) or "0")
if hourLimit > 0 and hr + 1 > hourLimit then
	return {0, 1, hr}
end
local day = tonumber(redis.call("GET", dayKey) or "0")
if dayLimit > 0 and day + 1 > dayLimit then
	return {0, 2, day}
end

local newHr = redis.call("INCR", hourKey)
if newHr == 1 then
	redis.call("EXPIRE", hourKey, hourTTL)
end
local newDay = redis.call("INCR", dayKey)
if newDay == 1 then
	redis.call("EXPIRE", dayKey, dayTTL)
end
return {1, 0, newDay}
`)

// SendThrottle enforces per-workflow hour and day send caps with Redis token
// buckets. Buckets are keyed by workflow and UTC clock boundary, so every
// engine instance shares the same budget.
type SendThrottle struct {
	client *redis.Client
	clock  schedule.Clock
}

// NewSendThrottle wraps an existing Redis client.
func NewSendThrottle(client *redis.Client, clock schedule.Clock) *SendThrottle {
	return &SendThrottle{client: client, clock: clock}
}

// Reserve consumes one send from the workflow's hour and day buckets. When a
// cap is exhausted it returns allowed=false and the boundary at which the
// bucket resets, so the caller can defer the item instead of burning retries.
func (t *SendThrottle) Reserve(ctx context.Context, workflowID uuid.UUID, perHour, perDay int) (allowed bool, retryAt time.Time, err error) {
	if perHour <= 0 && perDay <= 0 {
		return true, time.Time{}, nil
	}

	now := t.clock.Now().UTC()
	hourKey := fmt.Sprintf("journey:throttle:%s:h:%s", workflowID, now.Format("2006010215"))
	dayKey := fmt.Sprintf("journey:throttle:%s:d:%s", workflowID, now.Format("20060102"))

	res, err := reserveScript.Run(ctx, t.client,
		[]string{hourKey, dayKey},
		perHour, perDay,
		int((2 * time.Hour).Seconds()),
		int((25 * time.Hour).Seconds()),
	).Result()
	if err != nil {
		return false, time.Time{}, fmt.Errorf("throttle reserve: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return false, time.Time{}, fmt.Errorf("throttle reserve: unexpected reply %v", res)
	}
	if asInt(vals[0]) == 1 {
		return true, time.Time{}, nil
	}

	switch asInt(vals[1]) {
	case 1:
		return false, now.Truncate(time.Hour).Add(time.Hour), nil
	default:
		return false, now.Truncate(24 * time.Hour).Add(24 * time.Hour), nil
	}
}

func asInt(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
