package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// ErrExhausted wraps the last failure once every attempt has been used
var ErrExhausted = errors.New("retry attempts exhausted")

// Config bounds a retry loop
type Config struct {
	// MaxAttempts counts the first call; zero or less runs once
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// AddJitter adds up to a quarter of each delay at random
	AddJitter bool

	// Retryable filters which errors are retried; rejected errors are
	// returned as they are.
	Retryable func(error) bool

	// OnRetry observes every failed attempt that will be retried
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultConfig returns three attempts starting at 100ms
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err so the loop stops at once. Do returns the original
// error, not the marker.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func (cfg Config) withDefaults() (Config, error) {
	switch {
	case cfg.InitialDelay < 0, cfg.MaxDelay < 0:
		return cfg, errors.New("retry: delays cannot be negative")
	case cfg.Multiplier < 0:
		return cfg, errors.New("retry: multiplier cannot be negative")
	}

	cfg.MaxAttempts = max(cfg.MaxAttempts, 1)
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		return cfg, errors.New("retry: max delay is below the initial delay")
	}
	return cfg, nil
}

// Backoff is the un-jittered wait after the given failed attempt (from 1)
func (cfg Config) Backoff(attempt int) time.Duration {
	d := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if d >= float64(cfg.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return cfg.MaxDelay
	}
	return time.Duration(d)
}

func (cfg Config) wait(attempt int) time.Duration {
	d := cfg.Backoff(attempt)
	if cfg.AddJitter && d >= 4 {
		d += rand.N(d / 4)
	}
	return d
}

// Do calls fn until it succeeds, returns a permanent or non-retryable
// error, the attempts run out, or ctx ends.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is Do for functions that produce a value
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T
	cfg, err := cfg.withDefaults()
	if err != nil {
		return zero, err
	}

	for attempt := 1; ; attempt++ {
		v, err := fn()
		var p *permanentError
		switch {
		case err == nil:
			return v, nil
		case errors.As(err, &p):
			return zero, p.err
		case cfg.Retryable != nil && !cfg.Retryable(err):
			return zero, err
		case attempt >= cfg.MaxAttempts:
			return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
		}

		wait := cfg.wait(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, wait)
		}
		if cerr := sleep(ctx, wait); cerr != nil {
			return zero, fmt.Errorf("retry: stopped before attempt %d: %w", attempt+1, errors.Join(cerr, err))
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
