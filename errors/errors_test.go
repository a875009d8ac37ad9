package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			assert.Equal(t, test.expected, test.class.String())
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"storage unavailable", ErrStorageUnavailable, true},
		{"upstream unreachable", ErrUpstreamUnreachable, true},
		{"circuit open", ErrCircuitOpen, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("dispatch: %w", context.DeadlineExceeded), true},
		{"parsing failed", ErrParsingFailed, false},
		{"fatal sentinel wins over text", fmt.Errorf("store unavailable: %w", ErrMissingConfig), false},
		{"upstream status", ErrUpstreamStatus, false},
		{"timeout in message", fmt.Errorf("i/o timeout"), true},
		{"connection refused", fmt.Errorf("dial tcp: connection refused"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("x")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("x")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsTransient(test.err))
		})
	}
}

func TestIsFatalAndInvalid(t *testing.T) {
	assert.True(t, IsFatal(ErrInvalidConfig))
	assert.True(t, IsFatal(WrapFatal(errors.New("boom"), "C", "M", "act")))
	assert.False(t, IsFatal(ErrConnectionTimeout))
	assert.False(t, IsFatal(nil))

	assert.True(t, IsInvalid(ErrParsingFailed))
	assert.True(t, IsInvalid(WrapInvalid(errors.New("bad"), "C", "M", "act")))
	assert.False(t, IsInvalid(ErrStorageUnavailable))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorInvalid, Classify(fmt.Errorf("route file: %w", ErrParsingFailed)))
	assert.Equal(t, ErrorFatal, Classify(ErrMissingConfig))
	assert.Equal(t, ErrorTransient, Classify(errors.New("something odd")))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "C", "M", "act"))

	base := errors.New("disk gone")
	err := Wrap(base, "Store", "Put", "write entry")
	assert.Equal(t, "Store.Put: write entry failed: disk gone", err.Error())
	assert.True(t, errors.Is(err, base))
}

func TestWrapTransient_PreservesChain(t *testing.T) {
	err := WrapTransient(ErrStorageUnavailable, "Limiter", "Allow", "increment")
	require.Error(t, err)

	var ce *ClassifiedError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ErrorTransient, ce.Class)
	assert.Equal(t, "Limiter", ce.Component)
	assert.Equal(t, "Allow", ce.Operation)
	assert.True(t, errors.Is(err, ErrStorageUnavailable))
	assert.Nil(t, WrapTransient(nil, "a", "b", "c"))
}

func TestRetryConfig_ToRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	rc := cfg.ToRetryConfig()

	assert.Equal(t, cfg.MaxRetries+1, rc.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, rc.InitialDelay)
	assert.True(t, rc.AddJitter)
	require.NotNil(t, rc.Retryable)
	assert.True(t, rc.Retryable(ErrConnectionTimeout))
	assert.False(t, rc.Retryable(ErrParsingFailed))
}
