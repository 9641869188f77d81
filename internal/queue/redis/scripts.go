package redis

import goredis "github.com/redis/go-redis/v9"

// reserveScript pops the head of a queue, places it in the reserved set and
// bumps its attempt counter. An entry that is not a JSON object with an id
// comes back with zero attempts for the caller to park.
//
// KEYS[1] ready list, KEYS[2] reserved zset, KEYS[3] notify list, KEYS[4] attempts hash
// ARGV[1] reserved-until score
var reserveScript = goredis.NewScript(`
local job = redis.call('lpop', KEYS[1])
if not job then
	return {false, 0}
end
redis.call('zadd', KEYS[2], ARGV[1], job)
redis.call('lpop', KEYS[3])
local ok, decoded = pcall(cjson.decode, job)
if not ok or type(decoded) ~= 'table' or type(decoded['id']) ~= 'string' or decoded['id'] == '' then
	return {job, 0}
end
local attempts = redis.call('hincrby', KEYS[4], decoded['id'], 1)
return {job, attempts}
`)

// migrateScript moves every member of a sorted set whose score is due back
// onto the ready list, pushing one notify token per job.
//
// KEYS[1] source zset, KEYS[2] ready list, KEYS[3] notify list
// ARGV[1] current score
var migrateScript = goredis.NewScript(`
local due = redis.call('zrangebyscore', KEYS[1], '-inf', ARGV[1])
if next(due) == nil then
	return 0
end
redis.call('zremrangebyrank', KEYS[1], 0, #due - 1)
for i = 1, #due do
	redis.call('rpush', KEYS[2], due[i])
	redis.call('rpush', KEYS[3], 1)
end
return #due
`)
