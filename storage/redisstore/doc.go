// Package redisstore implements storage.Store on Redis using go-redis.
//
// Codes and tokens are Redis hashes holding an immutable JSON "data" field
// next to their mutable state (used/used_at for codes, revoked/revoked_at for
// tokens). State transitions run as Lua scripts so that checking and flipping
// the flag is one atomic step on the server. Clients are plain JSON strings
// updated with WATCH/MULTI.
//
// Sorted sets index records by expiry (for DeleteExpired), by client and user
// (for ListActiveRefreshTokens) and by creation time (for ListClients). Plain
// sets group tokens by family.
//
// Every code and token key also carries a Redis TTL of its lifetime plus
// Config.Retention, so records disappear even when no sweeper runs. The
// family revocation script derives token keys from set members, which
// requires all keys of a store to live on one node.
package redisstore
