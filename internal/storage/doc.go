// Package storage provides the shared key-value store behind sessions,
// authorization codes, bearer tokens, and client registrations.
//
// The Store interface is implemented by RedisStore for production (Redis or
// Valkey, one shared client per process) and MemoryStore for single-instance
// deployments and tests. Atomicity-sensitive operations (GetDel for
// single-use authorization codes, SetNX for collision-safe token issuance)
// execute server-side so cross-instance races are impossible.
package storage
