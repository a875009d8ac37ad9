package natsclient

import (
	"fmt"
	"log/slog"
	"time"
)

// ClientOption configures a Client; options that can be misused return an
// error from NewClient.
type ClientOption func(*Client) error

// WithLogger sets the structured logger for the client
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithName sets the connection name reported to the server
func WithName(name string) ClientOption {
	return func(c *Client) error {
		if name != "" {
			c.clientName = name
		}
		return nil
	}
}

// WithReconnect sets the reconnect budget. max -1 retries forever; wait <= 0
// keeps the 2s default.
func WithReconnect(max int, wait time.Duration) ClientOption {
	return func(c *Client) error {
		if max < -1 {
			return fmt.Errorf("max reconnects must be >= -1, got %d", max)
		}
		c.maxReconnects = max
		if wait > 0 {
			c.reconnectWait = wait
		}
		return nil
	}
}

// WithTimeout sets the connection timeout
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %v", d)
		}
		c.timeout = d
		return nil
	}
}

// WithCircuitBreakerThreshold sets consecutive failures before the circuit opens
func WithCircuitBreakerThreshold(threshold int32) ClientOption {
	return func(c *Client) error {
		if threshold < 1 {
			threshold = 5
		}
		c.circuitThreshold = threshold
		return nil
	}
}

// WithAuth sets user/password or token authentication. Empty values are
// ignored; supplying both forms is an error.
func WithAuth(username, password, token string) ClientOption {
	return func(c *Client) error {
		if token != "" && username != "" {
			return fmt.Errorf("nats auth: use either token or username/password")
		}
		c.username, c.password, c.token = username, password, token
		return nil
	}
}

// WithTLS configures client certificates and a CA bundle
func WithTLS(certFile, keyFile, caFile string) ClientOption {
	return func(c *Client) error {
		if (certFile == "") != (keyFile == "") {
			return fmt.Errorf("tls cert and key must be set together")
		}
		c.tlsCertFile = certFile
		c.tlsKeyFile = keyFile
		c.tlsCAFile = caFile
		return nil
	}
}

// OnHealthChange registers fn to run when the connection goes up or down
func OnHealthChange(fn func(healthy bool)) ClientOption {
	return func(c *Client) error {
		c.onHealthChange = fn
		return nil
	}
}
