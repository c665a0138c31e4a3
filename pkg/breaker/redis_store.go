package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lua scripts keep every breaker transition atomic in Redis so concurrent
// workers observe one consistent state machine.
//
// KEYS[1] = state hash ("breaker:<action>")
// KEYS[2] = failure window zset ("breaker:<action>:failures")

var acquireScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state or state == "closed" then
    return "allow"
end
local now = tonumber(ARGV[1])
local cooldown = tonumber(ARGV[2])
if state == "open" then
    local opened = tonumber(redis.call("HGET", KEYS[1], "opened_at") or "0")
    if now - opened >= cooldown then
        redis.call("HSET", KEYS[1], "state", "half_open")
        return "trial"
    end
    return "short_circuit"
end
-- half_open: the single trial is already in flight
return "short_circuit"
`)

var failureScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
local now = tonumber(ARGV[1])
local threshold = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
if state == "half_open" then
    redis.call("HSET", KEYS[1], "state", "open", "opened_at", now)
    return 1
end
redis.call("ZADD", KEYS[2], now, ARGV[4])
redis.call("ZREMRANGEBYSCORE", KEYS[2], 0, now - window)
redis.call("EXPIRE", KEYS[2], math.ceil(window) + 60)
local count = redis.call("ZCARD", KEYS[2])
if count >= threshold and state ~= "open" then
    redis.call("HSET", KEYS[1], "state", "open", "opened_at", now)
    return 1
end
return 0
`)

var successScript = redis.NewScript(`
local prior = redis.call("HGET", KEYS[1], "state")
redis.call("HSET", KEYS[1], "state", "closed")
redis.call("HDEL", KEYS[1], "opened_at")
redis.call("DEL", KEYS[2])
return prior or "closed"
`)

// RedisStore shares breaker state across the worker fleet.
type RedisStore struct {
	client *redis.Client
	clock  func() time.Time
}

// NewRedisStore creates a store over an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *RedisStore) WithClock(clock func() time.Time) *RedisStore {
	s.clock = clock
	return s
}

func stateKey(action string) string  { return "breaker:" + action }
func windowKey(action string) string { return "breaker:" + action + ":failures" }
func nowSeconds(t time.Time) float64 { return float64(t.UnixNano()) / float64(time.Second) }

func (s *RedisStore) Acquire(ctx context.Context, action string, cooldown time.Duration) (Decision, error) {
	res, err := acquireScript.Run(ctx, s.client,
		[]string{stateKey(action), windowKey(action)},
		nowSeconds(s.clock()), cooldown.Seconds(),
	).Text()
	if err != nil {
		return "", fmt.Errorf("breaker: redis acquire failed: %w", err)
	}
	switch res {
	case "allow":
		return DecisionAllow, nil
	case "trial":
		return DecisionTrial, nil
	default:
		return DecisionShortCircuit, nil
	}
}

func (s *RedisStore) ReportSuccess(ctx context.Context, action string) (State, error) {
	prior, err := successScript.Run(ctx, s.client,
		[]string{stateKey(action), windowKey(action)},
	).Text()
	if err != nil {
		return "", fmt.Errorf("breaker: redis success report failed: %w", err)
	}
	return State(prior), nil
}

func (s *RedisStore) ReportFailure(ctx context.Context, action string, threshold int, window time.Duration) (bool, error) {
	opened, err := failureScript.Run(ctx, s.client,
		[]string{stateKey(action), windowKey(action)},
		nowSeconds(s.clock()), threshold, window.Seconds(), uuid.NewString(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("breaker: redis failure report failed: %w", err)
	}
	return opened == 1, nil
}

func (s *RedisStore) State(ctx context.Context, action string) (State, error) {
	res, err := s.client.HGet(ctx, stateKey(action), "state").Result()
	if err == redis.Nil {
		return StateClosed, nil
	}
	if err != nil {
		return "", fmt.Errorf("breaker: redis state read failed: %w", err)
	}
	return State(res), nil
}
