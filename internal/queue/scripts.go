package queue

// enqueueLua creates or refreshes a user's waiting entry.
//
//	KEYS[1] = waiting set, KEYS[2] = entry hash
//	ARGV = user, new id, now ms, priority, priority step ms,
//	       gender, want, locale, region
//
// A waiting entry keeps its id and created_at; anything else is replaced.
// Returns the entry id.
const enqueueLua = `
local id = ARGV[2]
local created = ARGV[3]
if redis.call('HGET', KEYS[2], 'status') == 'waiting' then
	id = redis.call('HGET', KEYS[2], 'id')
	created = redis.call('HGET', KEYS[2], 'created_at')
end
redis.call('DEL', KEYS[2])
redis.call('HSET', KEYS[2],
	'id', id,
	'status', 'waiting',
	'created_at', created,
	'priority', ARGV[4],
	'gender', ARGV[6],
	'want', ARGV[7],
	'locale', ARGV[8],
	'region', ARGV[9])
local score = tonumber(created) - tonumber(ARGV[4]) * tonumber(ARGV[5])
redis.call('ZADD', KEYS[1], score, ARGV[1])
return id
`

// dequeueLua cancels a waiting entry.
//
//	KEYS[1] = waiting set, KEYS[2] = entry hash
//	ARGV = user, now ms, ttl seconds for the cancelled hash
//
// Returns the entry id, or nil if the user was not waiting. An entry held by
// an in-flight claim loses its claim mark, so a failed pairing does not put
// it back.
const dequeueLua = `
if redis.call('HGET', KEYS[2], 'status') ~= 'waiting' then
	redis.call('HDEL', KEYS[2], 'claimed')
	redis.call('ZREM', KEYS[1], ARGV[1])
	return false
end
redis.call('HSET', KEYS[2], 'status', 'cancelled', 'dequeued_at', ARGV[2])
redis.call('EXPIRE', KEYS[2], ARGV[3])
redis.call('ZREM', KEYS[1], ARGV[1])
return redis.call('HGET', KEYS[2], 'id')
`

// claimLua takes two waiting entries out of the queue in one step.
//
//	KEYS[1] = waiting set, KEYS[2] = entry A, KEYS[3] = entry B
//	ARGV = user A, user B, now ms, ttl seconds
//
// Returns:
//
//	1 = both entries claimed
//	0 = at least one entry is no longer waiting, nothing changed
const claimLua = `
if redis.call('HGET', KEYS[2], 'status') ~= 'waiting' then
	return 0
end
if redis.call('HGET', KEYS[3], 'status') ~= 'waiting' then
	return 0
end
for i = 2, 3 do
	redis.call('HSET', KEYS[i], 'status', 'cancelled', 'dequeued_at', ARGV[3], 'claimed', '1')
	redis.call('EXPIRE', KEYS[i], ARGV[4])
end
redis.call('ZREM', KEYS[1], ARGV[1], ARGV[2])
return 1
`

// restoreLua undoes a claim for one entry.
//
//	KEYS[1] = waiting set, KEYS[2] = entry hash
//	ARGV = user, entry id, score
//
// Returns 1 if restored, 0 if the entry changed since the claim or the user
// left in the meantime.
const restoreLua = `
if redis.call('HGET', KEYS[2], 'id') ~= ARGV[2] then
	return 0
end
if redis.call('HGET', KEYS[2], 'claimed') ~= '1' then
	return 0
end
redis.call('HSET', KEYS[2], 'status', 'waiting')
redis.call('HDEL', KEYS[2], 'dequeued_at', 'claimed')
redis.call('PERSIST', KEYS[2])
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`
