package cursor

import "github.com/redis/go-redis/v9"

// incrIfExists bumps a counter only when the key is present, so a
// cold or flushed redis never hands out seqs from an unknown base.
// Returns the new value, or 0 when the key is missing.
var incrIfExists = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  local v = redis.call('INCR', KEYS[1])
  redis.call('EXPIRE', KEYS[1], ARGV[1])
  return v
end
return 0
`)

// initBaseAndIncr seeds the counter from the durable base and
// allocates in one round trip. SET NX keeps a concurrent seeder from
// lowering a counter that raced ahead.
var initBaseAndIncr = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1], 'NX')
local v = redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
return v
`)

// initOrMax writes ARGV[1] only when it is higher than the current
// value, and returns whichever is higher. Used to repopulate read-path
// keys without ever regressing them.
var initOrMax = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]))
local v = tonumber(ARGV[1])
if cur == nil or v > cur then
  redis.call('SET', KEYS[1], v)
  redis.call('EXPIRE', KEYS[1], ARGV[2])
  return v
end
redis.call('EXPIRE', KEYS[1], ARGV[2])
return cur
`)

// maxHset is the hash-field variant of initOrMax, for per-user read
// cursors keyed by conversation.
var maxHset = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], ARGV[1]))
local v = tonumber(ARGV[2])
if cur == nil or v > cur then
  redis.call('HSET', KEYS[1], ARGV[1], v)
  redis.call('EXPIRE', KEYS[1], ARGV[3])
  return v
end
redis.call('EXPIRE', KEYS[1], ARGV[3])
return cur
`)
