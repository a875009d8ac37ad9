package natsclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/edgegate/pkg/retry"
)

// Well-known KV errors
var (
	ErrKVKeyNotFound        = errors.New("kv: key not found")
	ErrKVKeyExists          = errors.New("kv: key already exists")
	ErrKVRevisionMismatch   = errors.New("kv: revision mismatch (concurrent update)")
	ErrKVMaxRetriesExceeded = errors.New("kv: max retries exceeded")
	ErrKVValueTooLarge      = errors.New("kv: value too large")
)

// KVEntry is a value and the revision it was read at
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVOptions bounds KV calls and the CAS loop
type KVOptions struct {
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// Timeout applies to each bucket call, and to UpdateWithRetry as a whole
	Timeout      time.Duration
	MaxValueSize int
}

// DefaultKVOptions returns defaults tuned for hot counters
func DefaultKVOptions() KVOptions {
	return KVOptions{
		MaxRetries:    10,
		RetryDelay:    5 * time.Millisecond,
		MaxRetryDelay: 250 * time.Millisecond,
		Timeout:       2 * time.Second,
		MaxValueSize:  1 << 20,
	}
}

// KVStore adds revision-checked updates to a JetStream key-value bucket
type KVStore struct {
	bucket  jetstream.KeyValue
	options KVOptions
	logger  *slog.Logger
}

// NewKVStore wraps bucket; opts adjust DefaultKVOptions
func (c *Client) NewKVStore(bucket jetstream.KeyValue, opts ...func(*KVOptions)) *KVStore {
	options := DefaultKVOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &KVStore{
		bucket:  bucket,
		options: options,
		logger:  c.logger.With("bucket", bucket.Bucket()),
	}
}

func (kv *KVStore) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.options.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, kv.options.Timeout)
}

func (kv *KVStore) checkSize(value []byte) error {
	if limit := kv.options.MaxValueSize; limit > 0 && len(value) > limit {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrKVValueTooLarge, len(value), limit)
	}
	return nil
}

// Get reads key; a missing or deleted key is ErrKVKeyNotFound
func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := kv.bounded(ctx)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	switch {
	case err == nil:
		return &KVEntry{Key: key, Value: entry.Value(), Revision: entry.Revision()}, nil
	case IsKVNotFoundError(err):
		return nil, ErrKVKeyNotFound
	default:
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
}

// Put writes key unconditionally
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := kv.checkSize(value); err != nil {
		return 0, fmt.Errorf("kv put %s: %w", key, err)
	}
	ctx, cancel := kv.bounded(ctx)
	defer cancel()

	rev, err := kv.bucket.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("kv put %s: %w", key, err)
	}
	return rev, nil
}

// swap writes value if key is still at revision; revision 0 means the key
// must not exist yet.
func (kv *KVStore) swap(ctx context.Context, key string, value []byte, revision uint64) error {
	ctx, cancel := kv.bounded(ctx)
	defer cancel()

	var err error
	if revision == 0 {
		_, err = kv.bucket.Create(ctx, key, value)
	} else {
		_, err = kv.bucket.Update(ctx, key, value, revision)
	}
	switch {
	case err == nil:
		return nil
	case IsKVConflictError(err) && revision == 0:
		return ErrKVKeyExists
	case IsKVConflictError(err):
		return ErrKVRevisionMismatch
	default:
		return fmt.Errorf("kv swap %s: %w", key, err)
	}
}

// UpdateWithRetry reads key, applies updateFn and writes the result with a
// revision check, re-reading on conflict. A missing key reaches updateFn as
// nil. Errors from updateFn are returned unchanged.
func (kv *KVStore) UpdateWithRetry(ctx context.Context, key string,
	updateFn func(current []byte) ([]byte, error)) ([]byte, error) {

	if kv.options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, kv.options.Timeout)
		defer cancel()
	}

	cfg := retry.Config{
		MaxAttempts:  kv.options.MaxRetries + 1,
		InitialDelay: kv.options.RetryDelay,
		MaxDelay:     kv.options.MaxRetryDelay,
		AddJitter:    true,
		Retryable:    IsKVConflictError,
		OnRetry: func(attempt int, _ error, _ time.Duration) {
			kv.logger.Debug("KV revision conflict, retrying", "key", key, "attempt", attempt)
		},
	}

	written, err := retry.DoWithResult(ctx, cfg, func() ([]byte, error) {
		var current []byte
		var revision uint64
		entry, err := kv.Get(ctx, key)
		switch {
		case err == nil:
			current, revision = entry.Value, entry.Revision
		case !errors.Is(err, ErrKVKeyNotFound):
			return nil, err
		}

		next, err := updateFn(current)
		if err != nil {
			return nil, retry.Permanent(err)
		}
		if err := kv.checkSize(next); err != nil {
			return nil, err
		}
		return next, kv.swap(ctx, key, next, revision)
	})

	if errors.Is(err, retry.ErrExhausted) {
		return nil, fmt.Errorf("%w: %w", ErrKVMaxRetriesExceeded, err)
	}
	return written, err
}

// IsKVNotFoundError reports a missing or deleted key, including the server
// error codes older servers return as text.
func IsKVNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrKVKeyNotFound) || errors.Is(err, jetstream.ErrKeyNotFound) ||
		errors.Is(err, jetstream.ErrKeyDeleted) {
		return true
	}
	return containsAny(err.Error(), "key not found", "10037")
}

// IsKVConflictError reports a failed revision check
func IsKVConflictError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrKVRevisionMismatch) || errors.Is(err, ErrKVKeyExists) ||
		errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	return containsAny(err.Error(), "wrong last sequence", "10071", "key exists", "10058")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
