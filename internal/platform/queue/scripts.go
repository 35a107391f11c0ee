package queue

import "github.com/go-redis/redis/v8"

// Scripts keep every state change of a job atomic. Job hashes live at
// <prefix>job:<id>; the scripts build those keys from the prefix argument.

// KEYS: job, wait, completed, failed
// ARGV: id, name, data, attempts, backoffMs, nowMs
var enqueueScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'waiting' or state == 'delayed' or state == 'active' then
  return 0
end
if state then
  redis.call('ZREM', KEYS[3], ARGV[1])
  redis.call('ZREM', KEYS[4], ARGV[1])
  redis.call('DEL', KEYS[1])
end
redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'name', ARGV[2], 'data', ARGV[3],
  'attempts', ARGV[4], 'backoff', ARGV[5], 'attemptsMade', 0,
  'state', 'waiting', 'createdAt', ARGV[6])
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

// KEYS: wait, delayed, active
// ARGV: prefix, nowMs, lockUntilMs, token
var dequeueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[2])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('HSET', ARGV[1] .. 'job:' .. id, 'state', 'waiting')
  redis.call('RPUSH', KEYS[1], id)
end
while true do
  local id = redis.call('LPOP', KEYS[1])
  if not id then
    return false
  end
  local jobKey = ARGV[1] .. 'job:' .. id
  if redis.call('EXISTS', jobKey) == 1 then
    redis.call('ZADD', KEYS[3], ARGV[3], id)
    redis.call('HINCRBY', jobKey, 'attemptsMade', 1)
    redis.call('HSET', jobKey, 'state', 'active', 'processedAt', ARGV[2], 'lockToken', ARGV[4])
    return redis.call('HGETALL', jobKey)
  end
end
`)

// KEYS: job, active
// ARGV: id, token, lockUntilMs
var extendLockScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'lockToken') ~= ARGV[2] then
  return 0
end
redis.call('ZADD', KEYS[2], 'XX', ARGV[3], ARGV[1])
return 1
`)

// KEYS: job, active, completed
// ARGV: id, token, nowMs, keep, prefix
var completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'lockToken') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[1], 'lockToken')
redis.call('HSET', KEYS[1], 'state', 'completed', 'finishedAt', ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
local keep = tonumber(ARGV[4])
local n = redis.call('ZCARD', KEYS[3])
if n > keep then
  local old = redis.call('ZRANGE', KEYS[3], 0, n - keep - 1)
  for _, oid in ipairs(old) do
    redis.call('DEL', ARGV[5] .. 'job:' .. oid)
  end
  redis.call('ZREMRANGEBYRANK', KEYS[3], 0, n - keep - 1)
end
return 1
`)

// KEYS: job, active, delayed, failed
// ARGV: id, token, nowMs, reason, retry (1|0), readyAtMs, keep, prefix
var failScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'lockToken') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[1], 'lockToken')
redis.call('HSET', KEYS[1], 'failedReason', ARGV[4])
if ARGV[5] == '1' then
  redis.call('HSET', KEYS[1], 'state', 'delayed')
  redis.call('ZADD', KEYS[3], ARGV[6], ARGV[1])
  return 1
end
redis.call('HSET', KEYS[1], 'state', 'failed', 'finishedAt', ARGV[3])
redis.call('ZADD', KEYS[4], ARGV[3], ARGV[1])
local keep = tonumber(ARGV[7])
local n = redis.call('ZCARD', KEYS[4])
if n > keep then
  local old = redis.call('ZRANGE', KEYS[4], 0, n - keep - 1)
  for _, oid in ipairs(old) do
    redis.call('DEL', ARGV[8] .. 'job:' .. oid)
  end
  redis.call('ZREMRANGEBYRANK', KEYS[4], 0, n - keep - 1)
end
return 2
`)

// KEYS: active, wait, failed
// ARGV: prefix, nowMs, keep
// Jobs whose lock expired go back to wait; jobs already out of attempts fail
// and are returned as id, data pairs after the requeued count.
var recoverStalledScript = redis.NewScript(`
local stalled = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local out = {0}
for _, id in ipairs(stalled) do
  redis.call('ZREM', KEYS[1], id)
  local jobKey = ARGV[1] .. 'job:' .. id
  redis.call('HDEL', jobKey, 'lockToken')
  local made = tonumber(redis.call('HGET', jobKey, 'attemptsMade') or '0')
  local attempts = tonumber(redis.call('HGET', jobKey, 'attempts') or '1')
  if made >= attempts then
    redis.call('HSET', jobKey, 'state', 'failed', 'finishedAt', ARGV[2], 'failedReason', 'job stalled after its last attempt')
    redis.call('ZADD', KEYS[3], ARGV[2], id)
    table.insert(out, id)
    table.insert(out, redis.call('HGET', jobKey, 'data') or '')
  else
    redis.call('HSET', jobKey, 'state', 'waiting')
    redis.call('RPUSH', KEYS[2], id)
    out[1] = out[1] + 1
  end
end
local keep = tonumber(ARGV[3])
local n = redis.call('ZCARD', KEYS[3])
if n > keep then
  local old = redis.call('ZRANGE', KEYS[3], 0, n - keep - 1)
  for _, oid in ipairs(old) do
    redis.call('DEL', ARGV[1] .. 'job:' .. oid)
  end
  redis.call('ZREMRANGEBYRANK', KEYS[3], 0, n - keep - 1)
end
return out
`)
