// Package errors provides standardized error handling patterns for edgegate.
//
// # Overview
//
// The package implements a three-class error classification: Transient (temporary,
// retryable), Invalid (bad input, non-retryable) and Fatal (unrecoverable). The
// gateway's destination dispatch consults the classification to decide whether an
// idempotent call may be retried within its budget.
//
// # Error Wrapping Pattern
//
// All wrapping follows the format:
//
//	"component.method: action failed: %w"
//
// Three wrappers attach a classification while wrapping:
//
//	errors.WrapTransient(err, "Limiter", "Allow", "increment counter")
//	errors.WrapInvalid(err, "Config", "Validate", "route table")
//	errors.WrapFatal(err, "Store", "Open", "connect")
//
// Bare sentinels are classified too, so errors.IsTransient(ErrNoConnection)
// holds without wrapping.
//
// # Retry Configuration
//
// ToRetryConfig retries transient errors only:
//
//	cfg := errors.DefaultRetryConfig()
//	err := retry.Do(ctx, cfg.ToRetryConfig(), fn)
//
// Client-facing HTTP errors are not expressed with this package; the gateway
// converts typed pipeline outcomes into responses in one place.
package errors
