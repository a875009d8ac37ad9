// Package redisstore implements kvstore.Store on Redis.
//
// Counter increments run INCR and EXPIRE inside one MULTI/EXEC transaction,
// so the increment is atomic across gateway nodes. Refreshing the TTL on
// every increment only extends the life of a key that is already scoped to
// a single window.
package redisstore

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c360/edgegate/errors"
	"github.com/c360/edgegate/kvstore"
)

// Config holds Redis connection settings
type Config struct {
	Addr         string        `json:"addr"`
	Username     string        `json:"username"`
	Password     string        `json:"password"`
	DB           int           `json:"db"`
	KeyPrefix    string        `json:"key_prefix"`
	DialTimeout  time.Duration `json:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// DefaultConfig returns settings for a local Redis
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		KeyPrefix:    "edgegate:",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Store is a kvstore.Store backed by Redis
type Store struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

var _ kvstore.Store = (*Store)(nil)

// New dials Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Addr == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "redisstore", "New", "redis address")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	s := NewFromClient(client, cfg.KeyPrefix, logger)
	if err := s.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// NewFromClient wraps an existing client
func NewFromClient(client redis.UniversalClient, prefix string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "redisstore"),
	}
}

// Name implements kvstore.Store
func (s *Store) Name() string { return "redis" }

// Ping implements kvstore.Store
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errors.WrapTransient(err, "redisstore", "Ping", "ping redis")
	}
	return nil
}

// Get implements kvstore.Store
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return nil, kvstore.ErrNotFound
		}
		return nil, errors.WrapTransient(err, "redisstore", "Get", "read key")
	}
	return val, nil
}

// Set implements kvstore.Store
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return errors.WrapTransient(err, "redisstore", "Set", "write key")
	}
	return nil
}

// Incr implements kvstore.Store
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, s.prefix+key)
		// the first increment fixes the window; later ones keep its expiry
		pipe.ExpireNX(ctx, s.prefix+key, ttl)
		return nil
	})
	if err != nil {
		return 0, errors.WrapTransient(err, "redisstore", "Incr", "increment counter")
	}
	return incr.Val(), nil
}

// Close releases the underlying connection pool
func (s *Store) Close() error {
	return s.client.Close()
}
