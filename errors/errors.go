package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/c360/edgegate/pkg/retry"
)

// ErrorClass says how a caller should react to an error
type ErrorClass int

const (
	// ErrorTransient may succeed if retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid is bad input or configuration; retrying cannot help
	ErrorInvalid
	// ErrorFatal stops the component
	ErrorFatal
)

func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var (
	// Connectivity
	ErrNoConnection      = errors.New("no connection available")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrCircuitOpen       = errors.New("circuit breaker open")

	// Stored data
	ErrDataCorrupted      = errors.New("data corrupted")
	ErrParsingFailed      = errors.New("parsing failed")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrKeyNotFound        = errors.New("key not found")

	// Configuration
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	// Upstream services
	ErrUpstreamStatus      = errors.New("upstream returned non-success status")
	ErrUpstreamUnreachable = errors.New("upstream unreachable")

	ErrResourceExhausted = errors.New("resource exhausted")
)

// sentinelClasses classifies bare sentinels that were never wrapped
var sentinelClasses = []struct {
	err   error
	class ErrorClass
}{
	{ErrConnectionTimeout, ErrorTransient},
	{ErrConnectionLost, ErrorTransient},
	{ErrNoConnection, ErrorTransient},
	{ErrStorageUnavailable, ErrorTransient},
	{ErrUpstreamUnreachable, ErrorTransient},
	{ErrCircuitOpen, ErrorTransient},
	{context.DeadlineExceeded, ErrorTransient},
	{ErrParsingFailed, ErrorInvalid},
	{ErrInvalidConfig, ErrorFatal},
	{ErrMissingConfig, ErrorFatal},
	{ErrDataCorrupted, ErrorFatal},
	{ErrResourceExhausted, ErrorFatal},
}

// transientText matches driver errors that carry no sentinel
var transientText = []string{"timeout", "connection refused", "connection reset", "temporary", "unavailable"}

// ClassifiedError carries a class and the component/operation it came from
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

func (ce *ClassifiedError) Error() string {
	switch {
	case ce.Message != "":
		return ce.Message
	case ce.Err != nil:
		return ce.Err.Error()
	default:
		return ce.Class.String() + " error"
	}
}

func (ce *ClassifiedError) Unwrap() error { return ce.Err }

// classOf finds the class of err: an explicit ClassifiedError wins, then a
// known sentinel, then transient-looking text.
func classOf(err error) (ErrorClass, bool) {
	if err == nil {
		return 0, false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	for _, s := range sentinelClasses {
		if errors.Is(err, s.err) {
			return s.class, true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range transientText {
		if strings.Contains(msg, pattern) {
			return ErrorTransient, true
		}
	}
	return 0, false
}

// IsTransient reports whether err may succeed on retry
func IsTransient(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorTransient
}

// IsInvalid reports bad input
func IsInvalid(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorInvalid
}

// IsFatal reports an unrecoverable error
func IsFatal(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorFatal
}

// Classify returns the class of err. Unknown errors count as transient so
// idempotent work may be retried.
func Classify(err error) ErrorClass {
	if c, ok := classOf(err); ok {
		return c
	}
	return ErrorTransient
}

// Wrap adds context in the form "component.method: action failed: err"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapAs(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return &ClassifiedError{
		Class:     class,
		Err:       wrapped,
		Message:   wrapped.Error(),
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps err as retryable
func WrapTransient(err error, component, method, action string) error {
	return wrapAs(ErrorTransient, err, component, method, action)
}

// WrapInvalid wraps err as bad input
func WrapInvalid(err error, component, method, action string) error {
	return wrapAs(ErrorInvalid, err, component, method, action)
}

// WrapFatal wraps err as unrecoverable
func WrapFatal(err error, component, method, action string) error {
	return wrapAs(ErrorFatal, err, component, method, action)
}

// RetryConfig is the dispatch retry budget as configured
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig allows two extra attempts with a short backoff
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    2,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      500 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

// ToRetryConfig converts to a retry.Config that only retries transient
// errors. MaxRetries counts extra attempts, so the first call is added.
func (rc RetryConfig) ToRetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:  rc.MaxRetries + 1,
		InitialDelay: rc.InitialDelay,
		MaxDelay:     rc.MaxDelay,
		Multiplier:   rc.BackoffFactor,
		AddJitter:    true,
		Retryable:    IsTransient,
	}
}
