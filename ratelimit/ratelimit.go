// Package ratelimit enforces per-tier fixed-window request quotas.
//
// Each (identity, tier, window) tuple owns one counter in the shared store,
// keyed rl:<identity>:<tier>:<windowStart>. The counter is incremented
// before it is compared with the ceiling and expires with the window.
//
// Fixed windows admit up to twice the ceiling across a window boundary.
// That burst is accepted in exchange for a single store round trip per
// request.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/c360/edgegate/credential"
	"github.com/c360/edgegate/errors"
	"github.com/c360/edgegate/kvstore"
	"github.com/c360/edgegate/metric"
)

// TierLimit is the quota for one tier
type TierLimit struct {
	Limit         int64 `json:"limit"`
	WindowSeconds int64 `json:"window_seconds"`
}

// Window returns the window length
func (t TierLimit) Window() time.Duration {
	return time.Duration(t.WindowSeconds) * time.Second
}

// Config configures a Limiter
type Config struct {
	Tiers map[credential.Tier]TierLimit `json:"tiers"`
	// FailClosed rejects requests when the counter store is unavailable.
	// The default admits them.
	FailClosed bool `json:"fail_closed"`
}

// DefaultConfig returns hourly quotas of 1000, 5000 and 20000 requests
func DefaultConfig() Config {
	return Config{
		Tiers: map[credential.Tier]TierLimit{
			credential.TierDefault:    {Limit: 1000, WindowSeconds: 3600},
			credential.TierPremium:    {Limit: 5000, WindowSeconds: 3600},
			credential.TierEnterprise: {Limit: 20000, WindowSeconds: 3600},
		},
	}
}

// Validate checks that every tier has a positive limit and window
func (c Config) Validate() error {
	if _, ok := c.Tiers[credential.TierDefault]; !ok {
		return fmt.Errorf("ratelimit: tier %q must be configured: %w", credential.TierDefault, errors.ErrMissingConfig)
	}
	for tier, tl := range c.Tiers {
		if _, ok := credential.ParseTier(string(tier)); !ok {
			return fmt.Errorf("ratelimit: unknown tier %q: %w", tier, errors.ErrInvalidConfig)
		}
		if tl.Limit <= 0 || tl.WindowSeconds <= 0 {
			return fmt.Errorf("ratelimit: tier %q needs positive limit and window_seconds: %w", tier, errors.ErrInvalidConfig)
		}
	}
	return nil
}

// Decision is the outcome of one Allow call
type Decision struct {
	Allowed   bool
	Tier      credential.Tier
	Limit     int64
	Remaining int64
	// Reset is the unix time at which the current window ends
	Reset int64
	// Degraded is set when the store failed and the fail policy decided
	Degraded bool
}

// Limiter is a fixed-window rate limiter over a kvstore.Store
type Limiter struct {
	store      kvstore.Store
	tiers      map[credential.Tier]TierLimit
	failClosed bool

	now     func() time.Time
	logger  *slog.Logger
	metrics *metric.Metrics
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics records decisions and store failures
func WithMetrics(m *metric.Metrics) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

// New validates cfg and builds a Limiter
func New(store kvstore.Store, cfg Config, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "ratelimit", "New", "counter store")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "ratelimit", "New", "validate config")
	}

	l := &Limiter{
		store:      store,
		tiers:      make(map[credential.Tier]TierLimit, len(cfg.Tiers)),
		failClosed: cfg.FailClosed,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for tier, tl := range cfg.Tiers {
		l.tiers[tier] = tl
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "ratelimit")
	return l, nil
}

// TierLimit returns the quota applied to tier. Unknown tiers use the default tier.
func (l *Limiter) TierLimit(tier credential.Tier) (credential.Tier, TierLimit) {
	if tl, ok := l.tiers[tier]; ok {
		return tier, tl
	}
	return credential.TierDefault, l.tiers[credential.TierDefault]
}

// Key returns the counter key for identity and tier in the window starting at windowStart
func Key(identity string, tier credential.Tier, windowStart int64) string {
	return "rl:" + identity + ":" + string(tier) + ":" + strconv.FormatInt(windowStart, 10)
}

// Allow counts one request for identity against tier's quota
func (l *Limiter) Allow(ctx context.Context, identity string, tier credential.Tier) Decision {
	tier, tl := l.TierLimit(tier)

	windowSec := tl.WindowSeconds
	now := l.now().Unix()
	windowStart := now - now%windowSec
	reset := windowStart + windowSec

	d := Decision{
		Tier:  tier,
		Limit: tl.Limit,
		Reset: reset,
	}

	count, err := l.store.Incr(ctx, Key(identity, tier, windowStart), tl.Window())
	if err != nil {
		l.metrics.RecordStoreError("incr")
		l.metrics.RecordRateLimit(string(tier), "error")
		l.logger.Warn("Rate limit store unavailable",
			"store", l.store.Name(), "tier", tier, "fail_closed", l.failClosed, "error", err)

		d.Degraded = true
		d.Allowed = !l.failClosed
		if d.Allowed {
			d.Remaining = tl.Limit
		}
		return d
	}

	if count > tl.Limit {
		l.metrics.RecordRateLimit(string(tier), "rejected")
		return d
	}

	l.metrics.RecordRateLimit(string(tier), "allowed")
	d.Allowed = true
	d.Remaining = tl.Limit - count
	return d
}
