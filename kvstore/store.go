// Package kvstore defines the shared key-value contract behind rate-limit
// counters and cached responses.
//
// Every write carries an explicit TTL so no cleanup is ever required by
// callers. Backends live in subpackages: memory (single node, tests),
// natskv (NATS JetStream key-value) and redisstore (Redis).
package kvstore

import (
	"context"
	"time"

	"github.com/c360/edgegate/errors"
)

// ErrNotFound is returned by Get for missing or expired keys.
var ErrNotFound = errors.ErrKeyNotFound

// Store is a TTL-aware key-value store shared by all gateway nodes.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes value under key, replacing any previous value, and expires
	// it after ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Incr increments the integer counter under key and returns the new
	// count. A missing or expired counter starts at 1 and expires after ttl.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Name identifies the backend in logs and health output.
	Name() string
}
