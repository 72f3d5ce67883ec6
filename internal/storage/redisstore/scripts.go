package redisstore

import "github.com/redis/go-redis/v9"

// KEYS: records, order, unread, idem   ARGV: id, json, score, ttlSeconds, useIdem
var appendNotification = redis.NewScript(`
if ARGV[5] == '1' then
  local ok = redis.call('SET', KEYS[4], ARGV[1], 'NX', 'EX', tonumber(ARGV[4]))
  if not ok then
    return {redis.call('GET', KEYS[4]), 0}
  end
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
redis.call('INCR', KEYS[3])
return {ARGV[1], 1}
`)

// KEYS: records, read, unread   ARGV: id, readAt
// Returns -1 unknown id, 0 already read, 1 flipped.
var markNotificationRead = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
  return -1
end
if redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2]) == 0 then
  return 0
end
redis.call('DECR', KEYS[3])
return 1
`)

// KEYS: records, read, unread   ARGV: readAt
var markAllNotificationsRead = redis.NewScript(`
local ids = redis.call('HKEYS', KEYS[1])
local delta = 0
for _, id in ipairs(ids) do
  delta = delta + redis.call('HSETNX', KEYS[2], id, ARGV[1])
end
if delta > 0 then
  redis.call('DECRBY', KEYS[3], delta)
end
return delta
`)

// KEYS: records, read, unread   ARGV: write ('1' overwrites the counter)
var recomputeUnread = redis.NewScript(`
local actual = redis.call('HLEN', KEYS[1]) - redis.call('HLEN', KEYS[2])
local previous = tonumber(redis.call('GET', KEYS[3]) or '0')
if ARGV[1] == '1' then
  redis.call('SET', KEYS[3], actual)
end
return {actual, previous}
`)

// KEYS: conv, convsA, convsB   ARGV: id, a, b, createdAt
var createConversation = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], 'id', ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'a', ARGV[2], 'b', ARGV[3], 'created_at', ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
return 1
`)

// KEYS: conv, seq, msgs, order, unreadReceiver, convsA, convsB
// ARGV: json, proposedTs, previewText, sender, conversationId
// The conversation's last_time is the high-water mark: the stored
// timestamp is max(proposed, last_time), so order and preview agree.
// Returns {seq, ts}, or {0, 0} when the conversation does not exist.
var appendMessage = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {0, 0}
end
local ts = ARGV[2]
local last = redis.call('HGET', KEYS[1], 'last_time')
if last and tonumber(last) > tonumber(ts) then
  ts = last
end
local seq = redis.call('INCR', KEYS[2])
local s = tostring(seq)
local member = string.rep('0', 20 - string.len(s)) .. s
redis.call('HSET', KEYS[3], member, ARGV[1])
redis.call('ZADD', KEYS[4], ts, member)
redis.call('SADD', KEYS[5], member)
redis.call('HSET', KEYS[1], 'last_text', ARGV[3], 'last_time', ts, 'last_sender', ARGV[4])
redis.call('ZADD', KEYS[6], ts, ARGV[5])
redis.call('ZADD', KEYS[7], ts, ARGV[5])
return {seq, ts}
`)

// KEYS: unreadReader   Returns how many messages were flipped.
var markMessagesRead = redis.NewScript(`
local n = redis.call('SCARD', KEYS[1])
redis.call('DEL', KEYS[1])
return n
`)
