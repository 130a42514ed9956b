package redis

import "github.com/go-redis/redis/v8"

// commitScript is the compare-and-set write shared by all algorithms.
// KEYS[1]: the state hash key
// ARGV[1]: expected version (0 means the key must not exist yet)
// ARGV[2]: new serialized state
// ARGV[3]: TTL in milliseconds
// Returns 1 when the write was applied, 0 on a version mismatch.
var commitScript = redis.NewScript(`
	local key = KEYS[1]
	local expected = tonumber(ARGV[1])
	local state = ARGV[2]
	local ttl_ms = tonumber(ARGV[3])

	local cur = redis.call('HGET', key, 'ver')

	if expected == 0 then
		if cur then
			return 0
		end
		redis.call('HSET', key, 'state', state, 'ver', '1')
	else
		if not cur or tonumber(cur) ~= expected then
			return 0
		end
		redis.call('HSET', key, 'state', state, 'ver', tostring(expected + 1))
	end

	redis.call('PEXPIRE', key, ttl_ms)
	return 1
`)

// storeScript is the unconditional replication write.
// KEYS[1]: the state hash key
// ARGV[1]: serialized state
// ARGV[2]: TTL in milliseconds
var storeScript = redis.NewScript(`
	redis.call('HSET', KEYS[1], 'state', ARGV[1])
	redis.call('HINCRBY', KEYS[1], 'ver', 1)
	redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]))
	return 1
`)
