// Package pacing rate-limits per-account action emission with a distributed
// token bucket in Redis, so several scheduler/worker processes share one
// hourly allowance per account.
package pacing

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces the per-account hashes; the account id is never used
// as a raw Redis key.
const keyPrefix = "pace:"

// Bucket is a distributed token bucket holding one allowance per account.
// Tokens refill continuously across the hour rather than resetting at the
// top of it, so bursts right after a reset boundary cannot happen.
type Bucket struct {
	client         *redis.Client
	actionsPerHour int
	ttl            time.Duration

	now func() time.Time // test hook
}

// NewHourlyBucket caps each account at actionsPerHour, refilled steadily.
// Idle hashes expire after two hours without traffic.
func NewHourlyBucket(client *redis.Client, actionsPerHour int) *Bucket {
	return &Bucket{
		client:         client,
		actionsPerHour: actionsPerHour,
		ttl:            2 * time.Hour,
		now:            time.Now,
	}
}

func accountKey(accountID string) string { return keyPrefix + accountID }

// Allow consumes one token for the account if available. The float reports
// the tokens left after the attempt, for logging and dashboards.
func (b *Bucket) Allow(ctx context.Context, accountID string) (bool, float64, error) {
	res, err := paceScript.Run(ctx, b.client,
		[]string{accountKey(accountID)},
		b.actionsPerHour, b.now().UnixMilli(), b.ttl.Milliseconds(),
	).Result()
	if err != nil {
		return false, 0, fmt.Errorf("pacing allow %s: %w", accountID, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("pacing allow %s: unexpected script reply %T", accountID, res)
	}
	allowed := arr[0].(int64) == 1
	var left float64
	switch v := arr[1].(type) {
	case int64:
		left = float64(v)
	case float64:
		left = v
	}
	return allowed, left, nil
}

// The bucket state lives in one hash per account: the token count and the
// last refill stamp. Refill and consume happen atomically in one script so
// concurrent schedulers and workers never double-spend a token.
var paceScript = redis.NewScript(`
local hourly = tonumber(ARGV[1])
local now_ms = tonumber(ARGV[2])
local ttl_ms = tonumber(ARGV[3])

local state = redis.call('HMGET', KEYS[1], 'left', 'refilled_ms')
local left = tonumber(state[1])
local refilled = tonumber(state[2])
if left == nil then left = hourly end
if refilled == nil then refilled = now_ms end

local elapsed_ms = math.max(0, now_ms - refilled)
left = math.min(hourly, left + elapsed_ms * hourly / 3600000)

local allowed = 0
if left >= 1 then
  allowed = 1
  left = left - 1
end

redis.call('HMSET', KEYS[1], 'left', left, 'refilled_ms', now_ms)
if ttl_ms > 0 then redis.call('PEXPIRE', KEYS[1], ttl_ms) end
return {allowed, left}
`)
