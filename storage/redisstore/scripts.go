package redisstore

import "github.com/redis/go-redis/v9"

// luaHelpers is prepended to every script that changes token state.
const luaHelpers = `
local function revoke(key, at)
	if redis.call('HGET', key, 'revoked') == '0' then
		redis.call('HSET', key, 'revoked', '1', 'revoked_at', at)
		return 1
	end
	return 0
end

local function insert(key, expiryKey, familyKey, activeKey, member, data, flag, flagValue, flagAt, ttl, expScore, createdScore)
	redis.call('HSET', key, 'data', data, flag, flagValue, flag .. '_at', flagAt)
	redis.call('PEXPIRE', key, ttl)
	redis.call('ZADD', expiryKey, expScore, member)
	if familyKey ~= '' then
		redis.call('SADD', familyKey, member)
	end
	if activeKey ~= '' then
		redis.call('ZADD', activeKey, createdScore, member)
	end
end
`

// insertScript stores a new code or token and indexes it.
// KEYS: record, expiry index, family set, active index. An absent index is
// passed as the record key and switched off by its ARGV flag.
// ARGV: member, data, flag field, flag value, flag time, ttl ms, expiry score,
// created score, family flag, active flag.
// Returns 1 on insert, 0 when the record already exists.
var insertScript = redis.NewScript(luaHelpers + `
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
local familyKey, activeKey = '', ''
if ARGV[9] == '1' then familyKey = KEYS[3] end
if ARGV[10] == '1' then activeKey = KEYS[4] end
insert(KEYS[1], KEYS[2], familyKey, activeKey, ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5], ARGV[6], ARGV[7], ARGV[8])
return 1
`)

// consumeScript flips an unused code to used.
// KEYS: code. ARGV: used_at.
// Returns 1 when this call flipped it, 0 when it was already used and -1
// when the code no longer exists.
var consumeScript = redis.NewScript(`
local used = redis.call('HGET', KEYS[1], 'used')
if not used then
	return -1
end
if used ~= '0' then
	return 0
end
redis.call('HSET', KEYS[1], 'used', '1', 'used_at', ARGV[1])
return 1
`)

// revokeScript revokes one or more tokens. The first key must exist.
// KEYS: token, optional paired token. ARGV: revoked_at.
// Returns -1 when the first key is missing, else the number newly revoked.
var revokeScript = redis.NewScript(luaHelpers + `
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local n = 0
for _, key in ipairs(KEYS) do
	n = n + revoke(key, ARGV[1])
end
return n
`)

// rotateScript revokes the old pair and inserts the new one.
// KEYS: old refresh, old access, new access, new refresh, access expiry
// index, refresh expiry index, access family set, refresh family set, active
// index. An absent family set is passed as the new token's key and
// switched off by its ARGV flag.
// ARGV: now, access member, access data, access ttl, access expiry score,
// refresh member, refresh data, refresh ttl, refresh expiry score, created
// score, access family flag, refresh family flag.
// Returns 1 on success, 0 when the old token is no longer live and -1 when a
// new key already exists.
var rotateScript = redis.NewScript(luaHelpers + `
if redis.call('HGET', KEYS[1], 'revoked') ~= '0' then
	return 0
end
if redis.call('EXISTS', KEYS[3]) == 1 or redis.call('EXISTS', KEYS[4]) == 1 then
	return -1
end
local accessFamily, refreshFamily = '', ''
if ARGV[11] == '1' then accessFamily = KEYS[7] end
if ARGV[12] == '1' then refreshFamily = KEYS[8] end
revoke(KEYS[1], ARGV[1])
revoke(KEYS[2], ARGV[1])
insert(KEYS[3], KEYS[5], accessFamily, '', ARGV[2], ARGV[3], 'revoked', '0', '0', ARGV[4], ARGV[5], ARGV[10])
insert(KEYS[4], KEYS[6], refreshFamily, KEYS[9], ARGV[6], ARGV[7], 'revoked', '0', '0', ARGV[8], ARGV[9], ARGV[10])
return 1
`)

// revokeFamilyScript revokes every member of both family sets.
// KEYS: access family set, refresh family set.
// ARGV: revoked_at, access key prefix, refresh key prefix.
// Returns the number newly revoked.
var revokeFamilyScript = redis.NewScript(luaHelpers + `
local n = 0
for _, member in ipairs(redis.call('SMEMBERS', KEYS[1])) do
	n = n + revoke(ARGV[2] .. member, ARGV[1])
end
for _, member in ipairs(redis.call('SMEMBERS', KEYS[2])) do
	n = n + revoke(ARGV[3] .. member, ARGV[1])
end
return n
`)
