package natskv

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/edgegate/errors"
	"github.com/c360/edgegate/kvstore"
	"github.com/c360/edgegate/natsclient"
)

// fakeKV mimics natsclient.KVStore semantics in memory.
type fakeKV struct {
	mu   sync.Mutex
	data map[string][]byte
	rev  map[string]uint64
	err  error
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: map[string][]byte{}, rev: map[string]uint64{}}
}

func (f *fakeKV) Get(_ context.Context, key string) (*natsclient.KVEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.data[key]
	if !ok {
		return nil, natsclient.ErrKVKeyNotFound
	}
	return &natsclient.KVEntry{Key: key, Value: v, Revision: f.rev[key]}, nil
}

func (f *fakeKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.data[key] = value
	f.rev[key]++
	return f.rev[key], nil
}

func (f *fakeKV) UpdateWithRetry(_ context.Context, key string, fn func([]byte) ([]byte, error)) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	next, err := fn(f.data[key])
	if err != nil {
		return nil, err
	}
	f.data[key] = next
	f.rev[key]++
	return next, nil
}

func TestEncodeKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain-key_1", "plain-key_1"},
		{"rl:alice:default:60", "rl=3Aalice=3Adefault=3A60"},
		{"a.b", "a=2Eb"},
		{"user@example.com", "user=40example=2Ecom"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EncodeKey(tt.in))
	}
	assert.NotEqual(t, EncodeKey("a:b"), EncodeKey("a=3Ab"))
}

func TestStore_IncrAndExpire(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := newStore(newFakeKV(), nil, func() time.Time { return now }, nil)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := s.Incr(ctx, "rl:a:default:1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	now = now.Add(time.Minute)
	n, err := s.Incr(ctx, "rl:a:default:1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStore_SetGet(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := newStore(newFakeKV(), nil, func() time.Time { return now }, nil)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "rc:abc", []byte(`{"a":1}`), 5*time.Second))

	got, err := s.Get(ctx, "rc:abc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(got))

	now = now.Add(5 * time.Second)
	_, err = s.Get(ctx, "rc:abc")
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestStore_BackendErrorsAreTransient(t *testing.T) {
	kv := newFakeKV()
	kv.err = errors.ErrConnectionLost
	s := newStore(kv, func() bool { return false }, time.Now, nil)
	ctx := context.Background()

	_, err := s.Incr(ctx, "k", time.Second)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	_, err = s.Get(ctx, "k")
	assert.True(t, errors.IsTransient(err))

	assert.ErrorIs(t, s.Ping(ctx), errors.ErrNoConnection)
}
