// Package natskv implements kvstore.Store on a NATS JetStream key-value bucket.
//
// Counters are incremented with revision-checked compare-and-set so
// concurrent gateway nodes never lose an increment; when the CAS retry budget
// is exhausted the increment fails instead of overshooting silently.
//
// JetStream buckets only support a bucket-wide TTL, so each value carries its
// own expiry in an 8-byte header. The header is authoritative; the bucket TTL
// only bounds how long dead keys linger.
package natskv

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/edgegate/errors"
	"github.com/c360/edgegate/kvstore"
	"github.com/c360/edgegate/natsclient"
)

const headerLen = 8

// Config configures the backing bucket
type Config struct {
	Bucket   string        `json:"bucket"`
	TTL      time.Duration `json:"ttl"`
	Replicas int           `json:"replicas"`
	InMemory bool          `json:"in_memory"`
}

// DefaultConfig returns a one-day, file-backed, single replica bucket
func DefaultConfig() Config {
	return Config{
		Bucket:   "EDGEGATE",
		TTL:      24 * time.Hour,
		Replicas: 1,
	}
}

// casKV is the subset of natsclient.KVStore the store needs.
type casKV interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	UpdateWithRetry(ctx context.Context, key string, fn func([]byte) ([]byte, error)) ([]byte, error)
}

// Store is a kvstore.Store backed by JetStream KV
type Store struct {
	kv      casKV
	healthy func() bool
	now     func() time.Time
	logger  *slog.Logger
}

var _ kvstore.Store = (*Store)(nil)

// New ensures the bucket exists and returns a Store over it.
func New(ctx context.Context, client *natsclient.Client, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "natskv", "New", "bucket name")
	}
	if logger == nil {
		logger = slog.Default()
	}

	storage := jetstream.FileStorage
	if cfg.InMemory {
		storage = jetstream.MemoryStorage
	}

	bucket, err := client.EnsureKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "edgegate rate counters and response cache",
		History:     1,
		TTL:         cfg.TTL,
		Storage:     storage,
		Replicas:    cfg.Replicas,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "natskv", "New", "ensure bucket")
	}

	kv := client.NewKVStore(bucket, func(o *natsclient.KVOptions) {
		o.MaxRetries = 25
	})
	return newStore(kv, client.IsHealthy, time.Now, logger), nil
}

func newStore(kv casKV, healthy func() bool, now func() time.Time, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		kv:      kv,
		healthy: healthy,
		now:     now,
		logger:  logger.With("component", "natskv"),
	}
}

// Name implements kvstore.Store
func (s *Store) Name() string { return "nats" }

// Ping implements kvstore.Store
func (s *Store) Ping(context.Context) error {
	if s.healthy != nil && !s.healthy() {
		return errors.ErrNoConnection
	}
	return nil
}

// Get implements kvstore.Store
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := s.kv.Get(ctx, EncodeKey(key))
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, kvstore.ErrNotFound
		}
		return nil, errors.WrapTransient(err, "natskv", "Get", "read key")
	}

	payload, live := s.decode(entry.Value)
	if !live {
		return nil, kvstore.ErrNotFound
	}
	return payload, nil
}

// Set implements kvstore.Store
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if _, err := s.kv.Put(ctx, EncodeKey(key), s.encode(s.now().Add(ttl), value)); err != nil {
		return errors.WrapTransient(err, "natskv", "Set", "write key")
	}
	return nil
}

// Incr implements kvstore.Store
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var count int64

	_, err := s.kv.UpdateWithRetry(ctx, EncodeKey(key), func(current []byte) ([]byte, error) {
		now := s.now()
		expiresAt := now.Add(ttl)
		count = 1

		if payload, live := s.decode(current); live {
			n, err := strconv.ParseInt(string(payload), 10, 64)
			if err == nil {
				count = n + 1
				expiresAt = expiryOf(current)
			}
		}
		return s.encode(expiresAt, []byte(strconv.FormatInt(count, 10))), nil
	})
	if err != nil {
		return 0, errors.WrapTransient(err, "natskv", "Incr", "compare-and-set counter")
	}
	return count, nil
}

func (s *Store) encode(expiresAt time.Time, payload []byte) []byte {
	buf := make([]byte, headerLen+len(payload))
	binary.BigEndian.PutUint64(buf, uint64(expiresAt.UnixMilli()))
	copy(buf[headerLen:], payload)
	return buf
}

// decode splits a stored value, reporting whether it is present and unexpired.
func (s *Store) decode(raw []byte) ([]byte, bool) {
	if len(raw) < headerLen {
		return nil, false
	}
	if !s.now().Before(expiryOf(raw)) {
		return nil, false
	}
	return raw[headerLen:], true
}

func expiryOf(raw []byte) time.Time {
	return time.UnixMilli(int64(binary.BigEndian.Uint64(raw[:headerLen])))
}

// EncodeKey maps an arbitrary key onto the NATS KV key alphabet. Bytes
// outside [A-Za-z0-9_-/] are written as =XX.
func EncodeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '-', c == '_', c == '/':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "=%02X", c)
		}
	}
	return b.String()
}
