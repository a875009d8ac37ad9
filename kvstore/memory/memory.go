// Package memory provides an in-process kvstore.Store for single-node
// deployments and tests.
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/c360/edgegate/kvstore"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Store is a mutex-guarded map with per-key expiry.
type Store struct {
	mu    sync.Mutex
	items map[string]*entry
	now   func() time.Time

	cleanupInterval time.Duration
	done            chan struct{}
}

var _ kvstore.Store = (*Store)(nil)

// Option configures a Store
type Option func(*Store)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithCleanupInterval enables a background sweep of expired keys.
func WithCleanupInterval(d time.Duration) Option {
	return func(s *Store) {
		s.cleanupInterval = d
	}
}

// New creates a Store. When a cleanup interval is configured the sweeper
// runs until ctx is cancelled.
func New(ctx context.Context, opts ...Option) *Store {
	s := &Store{
		items: make(map[string]*entry),
		now:   time.Now,
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.cleanupInterval > 0 {
		go s.cleanup(ctx)
	} else {
		close(s.done)
	}
	return s
}

// Name implements kvstore.Store
func (s *Store) Name() string { return "memory" }

// Ping implements kvstore.Store
func (s *Store) Ping(context.Context) error { return nil }

// Get implements kvstore.Store
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		return nil, kvstore.ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set implements kvstore.Store
func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	v := make([]byte, len(value))
	copy(v, value)

	s.mu.Lock()
	s.items[key] = &entry{value: v, expiresAt: s.now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

// Incr implements kvstore.Store
func (s *Store) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		s.items[key] = &entry{value: []byte("1"), expiresAt: s.now().Add(ttl)}
		return 1, nil
	}

	n, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		n = 0
	}
	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	return n, nil
}

// Len returns the number of stored keys, expired ones included until swept.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Sweep removes expired keys.
func (s *Store) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, e := range s.items {
		if !now.Before(e.expiresAt) {
			delete(s.items, k)
		}
	}
}

// Done is closed once the background sweeper has exited.
func (s *Store) Done() <-chan struct{} {
	return s.done
}

// live returns the entry for key, deleting it when expired. Caller holds mu.
func (s *Store) live(key string) (*entry, bool) {
	e, ok := s.items[key]
	if !ok {
		return nil, false
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.items, key)
		return nil, false
	}
	return e, true
}

func (s *Store) cleanup(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
