// Package kv defines the low-latency keyed storage primitive backing
// the ticket authority and the quota ledger: keyed bytes with TTL, an
// atomic read-and-delete, and an atomic multi-field counter increment.
//
// The two security-sensitive operations are Take and IncrFields. Both
// must be indivisible at the store level: implementations may not
// compose them from separate read and write round trips.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the key does not exist or has expired. Callers
// must not be able to distinguish the two cases.
var ErrNotFound = errors.New("kv: key not found")

// FieldDelta names one counter field and the amount to add to it.
type FieldDelta struct {
	Field string
	Delta int64
}

// Store is the minimal contract the gateway needs from its shared
// store. All operations are safe for concurrent use across goroutines
// and, for distributed implementations, across processes.
type Store interface {
	// Set stores value under key with the given TTL. A zero TTL means
	// the key does not expire.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Take atomically reads and deletes key, returning its value or
	// ErrNotFound. Concurrent Takes of the same key yield the value to
	// exactly one caller; all others observe ErrNotFound.
	Take(ctx context.Context, key string) ([]byte, error)

	// IncrFields atomically increments the named counter fields under
	// key and returns their post-increment values in argument order.
	// The TTL is applied only when the key is first created so that
	// repeated increments cannot extend a counter's lifetime. A delta
	// of zero is a valid atomic read of the field.
	IncrFields(ctx context.Context, key string, deltas []FieldDelta, ttl time.Duration) ([]int64, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}
