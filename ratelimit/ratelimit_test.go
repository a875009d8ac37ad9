package ratelimit

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/edgegate/credential"
	"github.com/c360/edgegate/errors"
	"github.com/c360/edgegate/kvstore/memory"
	"github.com/c360/edgegate/metric"
)

type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, error) { return nil, errors.ErrStorageUnavailable }
func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.ErrStorageUnavailable
}
func (failingStore) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.ErrStorageUnavailable
}
func (failingStore) Ping(context.Context) error { return errors.ErrStorageUnavailable }
func (failingStore) Name() string               { return "failing" }

func smallConfig() Config {
	return Config{Tiers: map[credential.Tier]TierLimit{
		credential.TierDefault: {Limit: 3, WindowSeconds: 60},
		credential.TierPremium: {Limit: 5, WindowSeconds: 10},
	}}
}

func TestAllow_FixedWindow(t *testing.T) {
	now := time.Unix(1_700_000_040, 0) // window [1_700_000_040, 1_700_000_100)
	clock := func() time.Time { return now }
	store := memory.New(context.Background(), memory.WithClock(clock))

	l, err := New(store, smallConfig(), WithClock(clock))
	require.NoError(t, err)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		d := l.Allow(ctx, "principal:alice", credential.TierDefault)
		require.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, int64(3), d.Limit)
		assert.Equal(t, 3-i, d.Remaining)
		assert.Equal(t, int64(1_700_000_100), d.Reset)
	}

	d := l.Allow(ctx, "principal:alice", credential.TierDefault)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(0), d.Remaining)
	assert.Equal(t, int64(1_700_000_100), d.Reset)

	other := l.Allow(ctx, "principal:bob", credential.TierDefault)
	assert.True(t, other.Allowed, "identities are counted independently")

	now = time.Unix(1_700_000_100, 0)
	d = l.Allow(ctx, "principal:alice", credential.TierDefault)
	assert.True(t, d.Allowed, "first request of the next window is admitted")
	assert.Equal(t, int64(2), d.Remaining)
	assert.Equal(t, int64(1_700_000_160), d.Reset)
}

func TestAllow_BoundaryBurst(t *testing.T) {
	now := time.Unix(1_700_000_099, 0)
	clock := func() time.Time { return now }
	store := memory.New(context.Background(), memory.WithClock(clock))
	l, err := New(store, smallConfig(), WithClock(clock))
	require.NoError(t, err)
	ctx := context.Background()

	admitted := 0
	for i := 0; i < 3; i++ {
		if l.Allow(ctx, "ip:10.0.0.1", credential.TierDefault).Allowed {
			admitted++
		}
	}
	now = now.Add(time.Second)
	for i := 0; i < 3; i++ {
		if l.Allow(ctx, "ip:10.0.0.1", credential.TierDefault).Allowed {
			admitted++
		}
	}
	assert.Equal(t, 6, admitted, "two full windows may be spent across a boundary")
}

func TestAllow_TiersAreIndependent(t *testing.T) {
	clock := func() time.Time { return time.Unix(1_700_000_000, 0) }
	store := memory.New(context.Background(), memory.WithClock(clock))
	l, err := New(store, smallConfig(), WithClock(clock))
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.Allow(ctx, "principal:alice", credential.TierDefault)
	}
	d := l.Allow(ctx, "principal:alice", credential.TierPremium)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(5), d.Limit)
	assert.Equal(t, credential.TierPremium, d.Tier)
}

func TestAllow_UnknownTierFallsBackToDefault(t *testing.T) {
	store := memory.New(context.Background())
	l, err := New(store, smallConfig())
	require.NoError(t, err)

	d := l.Allow(context.Background(), "principal:x", credential.TierEnterprise)
	assert.Equal(t, credential.TierDefault, d.Tier)
	assert.Equal(t, int64(3), d.Limit)
}

func TestAllow_StoreFailure(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	m := reg.CoreMetrics()

	open, err := New(failingStore{}, smallConfig(), WithMetrics(m))
	require.NoError(t, err)
	d := open.Allow(context.Background(), "principal:a", credential.TierDefault)
	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)
	assert.Equal(t, int64(3), d.Remaining)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreErrors.WithLabelValues("incr")))

	cfg := smallConfig()
	cfg.FailClosed = true
	closed, err := New(failingStore{}, cfg)
	require.NoError(t, err)
	d = closed.Allow(context.Background(), "principal:a", credential.TierDefault)
	assert.False(t, d.Allowed)
	assert.True(t, d.Degraded)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	tests := []Config{
		{},
		{Tiers: map[credential.Tier]TierLimit{credential.TierDefault: {Limit: 0, WindowSeconds: 1}}},
		{Tiers: map[credential.Tier]TierLimit{
			credential.TierDefault: {Limit: 1, WindowSeconds: 1},
			"gold":                 {Limit: 1, WindowSeconds: 1},
		}},
	}
	for _, cfg := range tests {
		assert.Error(t, cfg.Validate())
	}

	_, err := New(nil, DefaultConfig())
	assert.True(t, errors.IsInvalid(err))
}

func TestKey(t *testing.T) {
	assert.Equal(t, "rl:principal:alice:premium:1700000000",
		Key("principal:alice", credential.TierPremium, 1_700_000_000))
}

func TestIdentity(t *testing.T) {
	req := httptest.NewRequest("GET", "/x", nil)
	req.RemoteAddr = "192.0.2.7:5555"
	assert.Equal(t, "ip:192.0.2.7", Identity(req, nil))

	req.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "ip:198.51.100.2", Identity(req, nil))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "ip:203.0.113.9", Identity(req, nil))

	cred := credential.New("alice", credential.TierDefault, nil, nil)
	assert.Equal(t, "principal:alice", Identity(req, cred))
}
