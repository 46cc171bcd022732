package queue

import "github.com/redis/go-redis/v9"

// Shared Lua helpers. Scores are formatted with %.0f so integer values up to
// 2^53 survive the Lua number -> Redis argument conversion exactly.
const luaHelpers = `
local function num(x) return string.format('%.0f', x) end
local function waitScore(jobKey, id)
  local prio = tonumber(redis.call('HGET', jobKey, 'priority')) or 0
  local seq = tonumber(redis.call('HGET', jobKey, 'seq')) or tonumber(id) or 0
  return num(prio * 4294967296 + (seq % 4294967296))
end
local function trim(setKey, prefix, keepCount, keepAge, now)
  if keepAge > 0 then
    local cutoff = num(now - keepAge)
    local old = redis.call('ZRANGEBYSCORE', setKey, '-inf', cutoff)
    for _, oid in ipairs(old) do
      redis.call('DEL', prefix .. oid)
    end
    if #old > 0 then
      redis.call('ZREMRANGEBYSCORE', setKey, '-inf', cutoff)
    end
  end
  if keepCount > 0 then
    local excess = redis.call('ZCARD', setKey) - keepCount
    if excess > 0 then
      local ids = redis.call('ZRANGE', setKey, 0, excess - 1)
      for _, oid in ipairs(ids) do
        redis.call('DEL', prefix .. oid)
      end
      redis.call('ZREMRANGEBYRANK', setKey, 0, excess - 1)
    end
  end
end
local function wake(markerKey)
  redis.call('LPUSH', markerKey, '1')
  redis.call('LTRIM', markerKey, 0, 0)
end
`

// KEYS: id, wait, delayed, marker
// ARGV: jobPrefix, name, data, opts, now, delayMs, priority
var addScript = redis.NewScript(luaHelpers + `
local id = tostring(redis.call('INCR', KEYS[1]))
local jobKey = ARGV[1] .. id
local delay = tonumber(ARGV[6])
local status = 'waiting'
if delay > 0 then status = 'delayed' end
redis.call('HSET', jobKey,
  'name', ARGV[2], 'data', ARGV[3], 'opts', ARGV[4], 'ts', ARGV[5],
  'priority', ARGV[7], 'seq', id, 'attemptsMade', '0', 'stalledCounter', '0',
  'progress', '0', 'status', status)
if delay > 0 then
  redis.call('ZADD', KEYS[3], num(tonumber(ARGV[5]) + delay), id)
else
  redis.call('ZADD', KEYS[2], waitScore(jobKey, id), id)
end
wake(KEYS[4])
return id
`)

// KEYS: wait, active, delayed, limiter, paused
// ARGV: jobPrefix, now, lockMs, limitMax, limitWindowMs, token
//
// Reply: {0} nothing to do, {1, waitMs} rate limited, {2, id, fields} claimed.
var claimScript = redis.NewScript(luaHelpers + `
local now = tonumber(ARGV[2])
local due = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[2], 'LIMIT', 0, 1000)
for _, did in ipairs(due) do
  redis.call('ZREM', KEYS[3], did)
  local dk = ARGV[1] .. did
  if redis.call('EXISTS', dk) == 1 then
    redis.call('ZADD', KEYS[1], waitScore(dk, did), did)
    redis.call('HSET', dk, 'status', 'waiting')
  end
end
if redis.call('EXISTS', KEYS[5]) == 1 then
  return {0}
end
local limitMax = tonumber(ARGV[4])
local window = tonumber(ARGV[5])
if limitMax > 0 then
  redis.call('ZREMRANGEBYSCORE', KEYS[4], '-inf', num(now - window))
  if redis.call('ZCARD', KEYS[4]) >= limitMax then
    local oldest = redis.call('ZRANGE', KEYS[4], 0, 0, 'WITHSCORES')
    local waitMs = tonumber(oldest[2]) + window - now
    if waitMs < 1 then waitMs = 1 end
    return {1, waitMs}
  end
end
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
  return {0}
end
local id = popped[1]
local jobKey = ARGV[1] .. id
if redis.call('EXISTS', jobKey) == 0 then
  return {0}
end
if limitMax > 0 then
  redis.call('ZADD', KEYS[4], ARGV[2], ARGV[6])
  redis.call('PEXPIRE', KEYS[4], window * 2)
end
redis.call('ZADD', KEYS[2], num(now + tonumber(ARGV[3])), id)
redis.call('HSET', jobKey, 'status', 'active', 'processedOn', ARGV[2], 'token', ARGV[6])
return {2, id, redis.call('HGETALL', jobKey)}
`)

// KEYS: active, completed
// ARGV: jobPrefix, id, token, now, returnvalue, keepCount, keepAgeMs
//
// Reply: 0 ok, -1 missing, -2 lock lost.
var completeScript = redis.NewScript(luaHelpers + `
local jobKey = ARGV[1] .. ARGV[2]
if redis.call('EXISTS', jobKey) == 0 then return -1 end
if redis.call('HGET', jobKey, 'token') ~= ARGV[3] then return -2 end
if redis.call('ZREM', KEYS[1], ARGV[2]) == 0 then return -2 end
redis.call('HSET', jobKey, 'status', 'completed', 'returnvalue', ARGV[5], 'finishedOn', ARGV[4])
redis.call('HDEL', jobKey, 'token')
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[2])
trim(KEYS[2], ARGV[1], tonumber(ARGV[6]), tonumber(ARGV[7]), tonumber(ARGV[4]))
return 0
`)

// KEYS: active, wait, delayed, failed, marker
// ARGV: jobPrefix, id, token, now, reason, maxAttempts, delayMs, keepCount, keepAgeMs, noRetry
//
// Reply: {-1} missing, {-2} lock lost, {1, attemptsMade, retryAtMs} retry
// scheduled, {0, attemptsMade} terminal.
var failScript = redis.NewScript(luaHelpers + `
local id = ARGV[2]
local jobKey = ARGV[1] .. id
local now = tonumber(ARGV[4])
if redis.call('EXISTS', jobKey) == 0 then return {-1} end
if redis.call('HGET', jobKey, 'token') ~= ARGV[3] then return {-2} end
if redis.call('ZREM', KEYS[1], id) == 0 then return {-2} end
local made = redis.call('HINCRBY', jobKey, 'attemptsMade', 1)
redis.call('HSET', jobKey, 'failedReason', ARGV[5])
redis.call('HDEL', jobKey, 'token')
if ARGV[10] == '0' and made < tonumber(ARGV[6]) then
  local delay = tonumber(ARGV[7])
  if delay > 0 then
    local at = now + delay
    redis.call('HSET', jobKey, 'status', 'delayed')
    redis.call('ZADD', KEYS[3], num(at), id)
    wake(KEYS[5])
    return {1, made, at}
  end
  redis.call('HSET', jobKey, 'status', 'waiting')
  redis.call('ZADD', KEYS[2], waitScore(jobKey, id), id)
  wake(KEYS[5])
  return {1, made, now}
end
redis.call('HSET', jobKey, 'status', 'failed', 'finishedOn', ARGV[4])
redis.call('ZADD', KEYS[4], ARGV[4], id)
trim(KEYS[4], ARGV[1], tonumber(ARGV[8]), tonumber(ARGV[9]), now)
return {0, made}
`)

// KEYS: active
// ARGV: jobPrefix, id, token, deadlineMs
var extendLockScript = redis.NewScript(`
if redis.call('HGET', ARGV[1] .. ARGV[2], 'token') ~= ARGV[3] then return 0 end
if not redis.call('ZSCORE', KEYS[1], ARGV[2]) then return 0 end
redis.call('ZADD', KEYS[1], ARGV[4], ARGV[2])
return 1
`)

// KEYS: active, wait, failed, marker
// ARGV: jobPrefix, now, maxStalled
//
// Reply: flat list of id, outcome ("waiting" | "failed").
var stalledScript = redis.NewScript(luaHelpers + `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local out = {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local jobKey = ARGV[1] .. id
  if redis.call('EXISTS', jobKey) == 1 then
    local n = redis.call('HINCRBY', jobKey, 'stalledCounter', 1)
    redis.call('HDEL', jobKey, 'token')
    if n > tonumber(ARGV[3]) then
      redis.call('HINCRBY', jobKey, 'attemptsMade', 1)
      redis.call('HSET', jobKey, 'status', 'failed', 'finishedOn', ARGV[2],
        'failedReason', 'job stalled more than allowable limit')
      redis.call('ZADD', KEYS[3], ARGV[2], id)
      table.insert(out, id)
      table.insert(out, 'failed')
    else
      redis.call('HSET', jobKey, 'status', 'waiting')
      redis.call('ZADD', KEYS[2], waitScore(jobKey, id), id)
      table.insert(out, id)
      table.insert(out, 'waiting')
    end
  end
end
if #out > 0 then wake(KEYS[4]) end
return out
`)

// KEYS: set
// ARGV: jobPrefix, cutoffMs, limit (0 = no limit)
var cleanScript = redis.NewScript(`
local ids
if tonumber(ARGV[3]) > 0 then
  ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2], 'LIMIT', 0, tonumber(ARGV[3]))
else
  ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
end
for _, id in ipairs(ids) do
  redis.call('DEL', ARGV[1] .. id)
  redis.call('ZREM', KEYS[1], id)
end
return ids
`)

// KEYS: failed, wait, marker
// ARGV: jobPrefix, id
var retryScript = redis.NewScript(luaHelpers + `
local jobKey = ARGV[1] .. ARGV[2]
if redis.call('EXISTS', jobKey) == 0 then return -1 end
if redis.call('ZREM', KEYS[1], ARGV[2]) == 0 then return 0 end
redis.call('HSET', jobKey, 'status', 'waiting', 'attemptsMade', '0', 'stalledCounter', '0', 'progress', '0')
redis.call('HDEL', jobKey, 'failedReason', 'finishedOn', 'processedOn', 'returnvalue')
redis.call('ZADD', KEYS[2], waitScore(jobKey, ARGV[2]), ARGV[2])
wake(KEYS[3])
return 1
`)

// KEYS: active, wait, delayed, completed, failed
// ARGV: jobPrefix, id
var removeScript = redis.NewScript(`
local jobKey = ARGV[1] .. ARGV[2]
if redis.call('EXISTS', jobKey) == 0 then return -1 end
if redis.call('ZSCORE', KEYS[1], ARGV[2]) then return 0 end
for i = 2, 5 do
  redis.call('ZREM', KEYS[i], ARGV[2])
end
redis.call('DEL', jobKey)
return 1
`)
