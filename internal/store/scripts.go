package store

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Registered server-side scripts. All multi-key mutations of resilience
// state and the invalidation queue run through these so the whole
// transition is atomic; the keys they touch share a hash tag so a
// cluster routes them to one node.
const (
	ScriptCircuitBreakerExec     = "circuit_breaker_exec"
	ScriptRateLimitTokenBucket   = "rate_limit_token_bucket"
	ScriptRateLimitSlidingWindow = "rate_limit_sliding_window"
	ScriptRateLimitFixedWindow   = "rate_limit_fixed_window"
	ScriptBulkheadExec           = "bulkhead_exec"
	ScriptRemoveTasksByKeys      = "remove_tasks_by_keys"
	ScriptLockRelease            = "lock_release"
)

// circuitBreakerLua implements every breaker transition in one atomic
// step and returns the event intent produced by that same step.
//
// KEYS: state, failure_count, last_failure_time, half_open_calls
// ARGV: op(check|success|failure), failure_threshold, recovery_timeout, now
// Returns: {can_execute, state, event_intent}
const circuitBreakerLua = `
local state = redis.call('GET', KEYS[1])
if not state then state = 'closed' end
local op = ARGV[1]
local threshold = tonumber(ARGV[2])
local recovery = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local event = 'no_event'

if state == 'open' then
  local last = tonumber(redis.call('GET', KEYS[3]) or '0')
  if now - last >= recovery then
    state = 'half_open'
    redis.call('SET', KEYS[1], state)
    redis.call('SET', KEYS[4], 0)
    event = 'state_changed_to_half_open'
  end
end

local can = 0
if op == 'check' then
  if state ~= 'open' then
    can = 1
    if state == 'half_open' then
      redis.call('INCR', KEYS[4])
    end
  end
elseif op == 'success' then
  can = 1
  if state == 'half_open' then
    state = 'closed'
    redis.call('SET', KEYS[1], state)
    redis.call('SET', KEYS[2], 0)
    redis.call('SET', KEYS[4], 0)
    event = 'state_changed_to_closed'
  elseif state == 'closed' then
    redis.call('SET', KEYS[2], 0)
  end
elseif op == 'failure' then
  can = 1
  if state == 'closed' then
    local fails = redis.call('INCR', KEYS[2])
    redis.call('SET', KEYS[3], now)
    if fails >= threshold then
      state = 'open'
      redis.call('SET', KEYS[1], state)
      event = 'state_changed_to_open'
    end
  elseif state == 'half_open' then
    state = 'open'
    redis.call('SET', KEYS[1], state)
    redis.call('SET', KEYS[3], now)
    event = 'state_changed_to_open'
  else
    redis.call('SET', KEYS[3], now)
  end
end

return {can, state, event}
`

// tokenBucketLua refills by elapsed*rate capped at max. Tokens are kept
// as a float so fractional refill rates accumulate.
//
// KEYS: tokens, last_update
// ARGV: max_requests, tokens_per_second, now
// Returns: 1 allowed / 0 denied
const tokenBucketLua = `
local max = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local tokens = tonumber(redis.call('GET', KEYS[1]) or ARGV[1])
local last = tonumber(redis.call('GET', KEYS[2]) or ARGV[3])
local elapsed = now - last
if elapsed < 0 then elapsed = 0 end
tokens = tokens + elapsed * rate
if tokens > max then tokens = max end
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end
redis.call('SET', KEYS[1], tostring(tokens))
redis.call('SET', KEYS[2], tostring(now))
return allowed
`

// slidingWindowLua trims expired members, then admits if the window has
// room. Member uniqueness comes from the caller-supplied member string.
//
// KEYS: window zset
// ARGV: max_requests, window_seconds, now, member
const slidingWindowLua = `
local max = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, now - window)
if redis.call('ZCARD', KEYS[1]) < max then
  redis.call('ZADD', KEYS[1], now, ARGV[4])
  redis.call('EXPIRE', KEYS[1], math.ceil(window) + 1)
  return 1
end
return 0
`

// fixedWindowLua resets the counter when the window rolls over.
//
// KEYS: window_start, counter
// ARGV: max_requests, window_seconds, now
const fixedWindowLua = `
local max = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ws = math.floor(now / window) * window
local stored = tonumber(redis.call('GET', KEYS[1]) or '-1')
if stored < ws then
  redis.call('SET', KEYS[1], tostring(ws))
  redis.call('SET', KEYS[2], 1)
  return 1
end
local count = tonumber(redis.call('GET', KEYS[2]) or '0')
if count < max then
  redis.call('INCR', KEYS[2])
  return 1
end
return 0
`

// bulkheadLua tracks active/total/failed call counts.
//
// KEYS: active_calls, total_calls, failed_calls, last_call_time
// ARGV: op(check|acquire|release|success|failure), max_concurrent, now
// Returns: {ok, active_calls}
const bulkheadLua = `
local op = ARGV[1]
local max = tonumber(ARGV[2])
local now = ARGV[3]
if op == 'check' then
  local active = tonumber(redis.call('GET', KEYS[1]) or '0')
  if active < max then return {1, active} end
  return {0, active}
elseif op == 'acquire' then
  local active = tonumber(redis.call('GET', KEYS[1]) or '0')
  if active >= max then return {0, active} end
  active = redis.call('INCR', KEYS[1])
  redis.call('SET', KEYS[4], now)
  return {1, active}
elseif op == 'release' then
  local active = redis.call('DECR', KEYS[1])
  if active < 0 then
    redis.call('SET', KEYS[1], 0)
    active = 0
  end
  return {1, active}
elseif op == 'success' then
  redis.call('INCR', KEYS[2])
  return {1, tonumber(redis.call('GET', KEYS[1]) or '0')}
elseif op == 'failure' then
  redis.call('INCR', KEYS[2])
  redis.call('INCR', KEYS[3])
  return {1, tonumber(redis.call('GET', KEYS[1]) or '0')}
end
return {0, 0}
`

// removeTasksByKeysLua removes every queued task whose cache_key is in
// the temporary selection set, then drops the set. Used by the smart
// executor so a batch drain never needs a store-wide scan.
//
// KEYS: temp selection set, queue zset
// Returns: removed count
const removeTasksByKeysLua = `
local removed = 0
local members = redis.call('ZRANGE', KEYS[2], 0, -1)
for _, m in ipairs(members) do
  local ok, task = pcall(cjson.decode, m)
  if ok and task['cache_key'] and redis.call('SISMEMBER', KEYS[1], task['cache_key']) == 1 then
    redis.call('ZREM', KEYS[2], m)
    removed = removed + 1
  end
end
redis.call('DEL', KEYS[1])
return removed
`

// lockReleaseLua deletes the lock only when the caller still owns it.
//
// KEYS: lock key
// ARGV: token
const lockReleaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

func (c *Client) registerBuiltinScripts() {
	c.RegisterScript(ScriptCircuitBreakerExec, circuitBreakerLua)
	c.RegisterScript(ScriptRateLimitTokenBucket, tokenBucketLua)
	c.RegisterScript(ScriptRateLimitSlidingWindow, slidingWindowLua)
	c.RegisterScript(ScriptRateLimitFixedWindow, fixedWindowLua)
	c.RegisterScript(ScriptBulkheadExec, bulkheadLua)
	c.RegisterScript(ScriptRemoveTasksByKeys, removeTasksByKeysLua)
	c.RegisterScript(ScriptLockRelease, lockReleaseLua)
}

// RegisterScript makes a script available to EvalRegistered.
func (c *Client) RegisterScript(id, body string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[id] = redis.NewScript(body)
}

// EvalRegistered runs a registered script (EVALSHA with EVAL fallback).
func (c *Client) EvalRegistered(ctx context.Context, id string, keys []string, args ...interface{}) (interface{}, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	script, ok := c.scripts[id]
	c.mu.Unlock()
	if !ok {
		return nil, &UnknownScriptError{ID: id}
	}
	res, err := script.Run(ctx, c.rdb, keys, args...).Result()
	if err != nil {
		return nil, c.observe(err)
	}
	return res, nil
}

// UnknownScriptError reports an EvalRegistered call for an unregistered id.
type UnknownScriptError struct{ ID string }

func (e *UnknownScriptError) Error() string { return "unknown registered script: " + e.ID }
