package ratelimit

import "github.com/vireolabs/janus/internal/store"

// Each algorithm is one server-side script so the whole
// read-refill-test-write sequence is atomic across gateway instances.
// All scripts return {allowed (0/1), remaining, resetAtMs}.

// tokenBucketScript refills by elapsed time, tests, writes back.
// KEYS[1] = bucket hash. ARGV = now_ms, limit, window_ms, max_tokens, cost.
var tokenBucketScript = store.NewScript("token_bucket", `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local max_tokens = tonumber(ARGV[4])
local cost = tonumber(ARGV[5])

local refill_rate = limit / window

local state = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil or last == nil then
    tokens = max_tokens
    last = now
end

local elapsed = now - last
if elapsed > 0 then
    tokens = tokens + elapsed * refill_rate
    if tokens > max_tokens then
        tokens = max_tokens
    end
end

local allowed = 0
if tokens >= cost then
    allowed = 1
    tokens = tokens - cost
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_refill', now)
redis.call('PEXPIRE', key, window * 2)

local reset = now
if tokens < cost then
    reset = now + math.ceil((cost - tokens) / refill_rate)
end

return {allowed, math.floor(tokens), reset}
`)

// slidingLogScript trims by score, counts, and inserts on success.
// KEYS[1] = sorted set. ARGV = now_ms, limit, window_ms, cost, tag.
var slidingLogScript = store.NewScript("sliding_log", `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local tag = ARGV[5]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)

if count + cost <= limit then
    for i = 1, cost do
        redis.call('ZADD', key, now, now .. '-' .. tag .. '-' .. i)
    end
    redis.call('PEXPIRE', key, window * 2)
    return {1, limit - count - cost, now + window}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local reset = now + window
if #oldest >= 2 then
    reset = tonumber(oldest[2]) + window
end
local remaining = limit - count
if remaining < 0 then
    remaining = 0
end
return {0, remaining, reset}
`)

// slidingCounterScript increments the current sub-window, weights in
// the previous one, and rolls back when the weighted sum would exceed
// the limit.
// KEYS[1] = counter key base. ARGV = now_ms, limit, window_ms, cost.
var slidingCounterScript = store.NewScript("sliding_counter", `
local base = KEYS[1]
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local curr_start = now - (now % window)
local prev_start = curr_start - window
local curr_key = base .. ':' .. curr_start
local prev_key = base .. ':' .. prev_start

local curr = redis.call('INCRBY', curr_key, cost)
redis.call('PEXPIRE', curr_key, window * 2)
local prev = tonumber(redis.call('GET', prev_key)) or 0

local progress = (now - curr_start) / window
local weighted = prev * (1 - progress) + curr

local reset = curr_start + window

if weighted > limit then
    redis.call('DECRBY', curr_key, cost)
    local remaining = limit - (weighted - cost)
    if remaining < 0 then
        remaining = 0
    end
    return {0, math.floor(remaining), reset}
end

local remaining = limit - weighted
if remaining < 0 then
    remaining = 0
end
return {1, math.floor(remaining), reset}
`)
