// Package memory provides an in-memory implementation of storage.Store.
//
// All state lives in maps guarded by a single sync.RWMutex. The atomic
// operations (ConsumeAuthorizationCode and RotateRefreshToken) run entirely
// under the write lock, which makes them indivisible within one process. Use
// storage/sqlstore or storage/redis when several server instances share state.
//
// A background goroutine removes expired rows; call Stop (or Close) to end it.
//
//	store := memory.New()
//	defer store.Stop()
package memory
