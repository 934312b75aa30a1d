package out

import (
	"context"
	"time"
)

// Cache is the outbound port for the ephemeral key/value store (JSON values
// with TTL). A nil-safe miss is reported via the bool return, not an error.
type Cache interface {
	// GetJSON loads the value at key into dest. Returns (false, nil) on miss.
	GetJSON(ctx context.Context, key string, dest interface{}) (bool, error)

	// SetJSON stores value as JSON with the given TTL.
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// LockStore is the outbound port for the ephemeral processing lock. Acquire
// must be an atomic check-and-set: it succeeds only when no live lock exists
// for the key.
type LockStore interface {
	// Acquire attempts to take the lock for key with the given holder token
	// and TTL. Returns true only when the lock was newly established.
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)

	// Release removes the lock. Best effort; expiry is the real guarantee.
	Release(ctx context.Context, key string) error
}
