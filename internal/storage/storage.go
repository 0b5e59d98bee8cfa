package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("key not found")

// Store is the shared key-value store all stateful components coordinate
// through. It is the sole source of truth for sessions, authorization codes,
// bearer tokens, and client registrations across gateway instances.
//
// Implementations must make GetDel and SetNX atomic on the server side:
// the authorization-code consume path and bearer-token issuance depend on
// them to eliminate check-then-act races between instances.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX stores value only if key is absent. Returns false on collision.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// GetDel atomically returns and deletes the value for key, or
	// ErrNotFound. A second caller racing the first always loses.
	GetDel(ctx context.Context, key string) (string, error)

	// Del removes keys, returning how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)

	// Scan iterates keys matching pattern in incremental batches, calling
	// fn for each key. It never issues a single all-keys call that could
	// stall the store under load. Iteration stops on the first fn error.
	Scan(ctx context.Context, pattern string, fn func(key string) error) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}
