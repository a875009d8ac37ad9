package gateway

import (
	"fmt"
	"time"

	"github.com/c360/edgegate/errors"
)

// Config holds HTTP surface settings
type Config struct {
	// Version and Environment are reported by /health
	Version     string `json:"version"`
	Environment string `json:"environment"`

	// RequestTimeout bounds the whole per-request pipeline (default: "30s")
	RequestTimeout string `json:"request_timeout,omitempty"`

	// CORSOrigins lists allowed origins; ["*"] allows any
	CORSOrigins []string `json:"cors_origins,omitempty"`

	// CORSHeaders are the request headers allowed on cross-origin calls
	CORSHeaders []string `json:"cors_headers,omitempty"`

	// MaxRequestSize limits request body size in bytes (default: 1MB)
	MaxRequestSize int64 `json:"max_request_size,omitempty"`

	requestTimeout time.Duration
}

// Validate checks and normalizes the configuration
func (c *Config) Validate() error {
	if c.RequestTimeout == "" {
		c.requestTimeout = 30 * time.Second
	} else {
		d, err := time.ParseDuration(c.RequestTimeout)
		if err != nil {
			return errors.WrapInvalid(err, "Config", "Validate",
				fmt.Sprintf("invalid request_timeout: %s", c.RequestTimeout))
		}
		c.requestTimeout = d
	}
	if c.requestTimeout < 100*time.Millisecond || c.requestTimeout > 5*time.Minute {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"request_timeout must be between 100ms and 5m")
	}

	if c.MaxRequestSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_request_size cannot be negative")
	}
	if c.MaxRequestSize == 0 {
		c.MaxRequestSize = 1024 * 1024
	}
	if c.MaxRequestSize > 100*1024*1024 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_request_size cannot exceed 100MB")
	}

	if len(c.CORSOrigins) == 0 {
		c.CORSOrigins = []string{"*"}
	}
	if len(c.CORSHeaders) == 0 {
		c.CORSHeaders = []string{"Content-Type", "Authorization", "X-API-Key", "X-Request-ID"}
	}
	return nil
}

// Timeout returns the parsed request timeout
func (c *Config) Timeout() time.Duration {
	return c.requestTimeout
}

// DefaultConfig returns permissive CORS, a 30s timeout and a 1MB body limit
func DefaultConfig() Config {
	return Config{
		Version:        "dev",
		Environment:    "development",
		RequestTimeout: "30s",
		CORSOrigins:    []string{"*"},
		MaxRequestSize: 1024 * 1024,
	}
}
