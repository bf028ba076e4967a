// Package storage defines the persistence contract of the authorization server.
//
// The server never mutates clients, codes or tokens except through these
// interfaces:
//   - ClientStore: registered OAuth clients
//   - CodeStore: authorization codes, including single-use consumption
//   - TokenStore: access and refresh tokens, including atomic rotation
//   - Sweeper: removal of expired rows
//
// Codes and tokens are keyed by security.TokenKey of their plaintext; the
// plaintext itself is never handed to a store.
//
// Two operations must be indivisible with respect to concurrent callers on any
// number of server instances: ConsumeAuthorizationCode and RotateRefreshToken.
// Implementations use a write lock (memory), a conditional UPDATE inside a
// transaction (sqlstore) or a Lua script (redis).
//
// Implementations are provided in subpackages:
//   - storage/memory: single-process store for development and tests
//   - storage/sqlstore: SQLite and PostgreSQL
//   - storage/redis: Redis-compatible key-value store
//   - storage/mock: failure injection wrapper for tests
//
// storage/storagetest holds the behavioural suite every implementation passes.
package storage
