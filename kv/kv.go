// Package kv defines the shared key-value store contract used by the master
// and worker nodes. The store backs the task queues, per-session stream
// buffers, progress records, the session context cache, and the GPU state.
//
// Values are byte strings; structured payloads are JSON-encoded by callers.
package kv

import (
	"context"
	"time"
)

// Store is the cross-process synchronization surface. All operations are
// bounded: no call blocks longer than its timeout argument (or the context).
type Store interface {
	// Get returns the value for key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set writes key=value with an optional TTL (0 means no expiration).
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes key=value with a TTL only when the key does not exist.
	// Returns true when the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Del removes the key. Deleting an absent key is not an error.
	Del(ctx context.Context, keys ...string) error

	// Incr atomically increments the integer at key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)

	// RPush appends values to the tail of the list at key.
	RPush(ctx context.Context, key string, values ...string) error

	// BLPop pops the head of the list at key, waiting up to timeout.
	// ok is false when no element arrived within the timeout; that is the
	// normal idle case, not an error.
	BLPop(ctx context.Context, key string, timeout time.Duration) (value string, ok bool, err error)

	// LLen returns the length of the list at key (0 for an absent key).
	LLen(ctx context.Context, key string) (int64, error)

	// Exists reports whether the key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Expire sets a TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
}
