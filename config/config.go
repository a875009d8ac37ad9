// Package config loads the edgegate configuration document.
//
// Configuration is a single JSON file (// and /* */ comments and trailing
// commas allowed) layered over built-in defaults, then
// overridden by EDGEGATE_* environment variables. Duration fields accept Go
// duration strings ("250ms", "5s") and day suffixes ("30d"). Routes are either
// inline or loaded from a YAML file referenced by routes.file.
package config

import (
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/c360/edgegate/access"
	"github.com/c360/edgegate/audit"
	"github.com/c360/edgegate/credential"
	"github.com/c360/edgegate/destination"
	"github.com/c360/edgegate/errors"
	"github.com/c360/edgegate/gateway"
	"github.com/c360/edgegate/kvstore/natskv"
	"github.com/c360/edgegate/kvstore/redisstore"
	"github.com/c360/edgegate/pkg/tlsutil"
	"github.com/c360/edgegate/ratelimit"
	"github.com/c360/edgegate/route"
)

// Store backends
const (
	StoreMemory = "memory"
	StoreNATS   = "nats"
	StoreRedis  = "redis"
)

// Audit sinks
const (
	SinkSlog      = "slog"
	SinkJetStream = "jetstream"
	SinkDatabase  = "database"
)

// Config is the complete gateway configuration
type Config struct {
	Server      ServerConfig      `json:"server"`
	Gateway     gateway.Config    `json:"gateway"`
	Credentials credential.Config `json:"credentials"`
	Access      access.Config     `json:"access"`
	RateLimit   ratelimit.Config  `json:"rate_limit"`
	Routes      RoutesConfig      `json:"routes"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	Store       StoreConfig       `json:"store"`
	NATS        NATSConfig        `json:"nats"`
	Audit       AuditConfig       `json:"audit"`
	Metrics     MetricsConfig     `json:"metrics"`

	// Consul resolves consul://service targets
	Consul destination.ConsulConfig `json:"consul"`
}

// ServerConfig is the public listener
type ServerConfig struct {
	ListenAddr      string        `json:"listen_addr"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`

	TLS tlsutil.ServerConfig `json:"tls,omitempty"`
}

// RoutesConfig holds inline routes and/or a YAML route file
type RoutesConfig struct {
	File   string             `json:"file,omitempty"`
	Inline []route.Definition `json:"inline,omitempty"`
}

// DispatchConfig bounds outbound calls
type DispatchConfig struct {
	// MaxRetries applies to GET/HEAD only
	MaxRetries   int           `json:"max_retries"`
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`

	// TLS applies to https:// targets
	TLS tlsutil.ClientConfig `json:"tls,omitempty"`
}

// RetryConfig converts to the errors package retry settings
func (d DispatchConfig) RetryConfig() errors.RetryConfig {
	rc := errors.DefaultRetryConfig()
	rc.MaxRetries = d.MaxRetries
	if d.InitialDelay > 0 {
		rc.InitialDelay = d.InitialDelay
	}
	if d.MaxDelay > 0 {
		rc.MaxDelay = d.MaxDelay
	}
	return rc
}

// StoreConfig selects the shared counter/cache backend
type StoreConfig struct {
	Backend string            `json:"backend"`
	NATS    natskv.Config     `json:"nats"`
	Redis   redisstore.Config `json:"redis"`
	// CleanupInterval applies to the memory backend
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

// NATSConfig is the NATS connection used by the nats store, the audit
// stream and nats:// route targets.
type NATSConfig struct {
	URL           string        `json:"url"`
	Name          string        `json:"name,omitempty"`
	MaxReconnects int           `json:"max_reconnects"`
	ReconnectWait time.Duration `json:"reconnect_wait"`
	Timeout       time.Duration `json:"timeout"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
	TLS           NATSTLSConfig `json:"tls,omitempty"`
}

// NATSTLSConfig for secure NATS connections
type NATSTLSConfig struct {
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty"`
}

// AuditConfig selects sinks and the delivery pool size
type AuditConfig struct {
	Enabled  bool                 `json:"enabled"`
	Sinks    []string             `json:"sinks"`
	Stream   audit.StreamConfig   `json:"stream"`
	Database audit.DatabaseConfig `json:"database"`
	Pool     audit.Config         `json:"pool"`
}

// MetricsConfig is the Prometheus listener
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	Path    string `json:"path"`
}

// NeedsConsul reports whether any route targets consul://
func (c *Config) NeedsConsul(defs ...route.Definition) bool {
	return anyScheme("consul", append(slices.Clone(c.Routes.Inline), defs...))
}

func anyScheme(scheme string, defs []route.Definition) bool {
	for _, def := range defs {
		if u, err := url.Parse(def.Target); err == nil && u.Scheme == scheme {
			return true
		}
	}
	return false
}

// NeedsNATS reports whether the store, the audit sinks, inline routes or
// the extra route definitions use NATS.
func (c *Config) NeedsNATS(extra ...route.Definition) bool {
	if c.Store.Backend == StoreNATS {
		return true
	}
	if c.Audit.Enabled && slices.Contains(c.Audit.Sinks, SinkJetStream) {
		return true
	}
	return anyScheme("nats", append(slices.Clone(c.Routes.Inline), extra...))
}

// Validate checks the configuration. Component constructors validate their
// own sections again; this catches cross-section mistakes early.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "server.listen_addr is required")
	}

	if tlsCfg := &c.Server.TLS; tlsCfg.Enabled {
		if tlsCfg.ACME.Enabled {
			if err := tlsCfg.ACME.Validate(); err != nil {
				return errors.WrapInvalid(err, "Config", "Validate", "server.tls.acme section")
			}
		} else if tlsCfg.CertFile == "" || tlsCfg.KeyFile == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "server.tls requires cert_file and key_file or acme")
		}
	}
	if c.Server.TLS.ClientAuth.Enabled && len(c.Server.TLS.ClientAuth.CAFiles) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "server.tls.client_auth requires ca_files")
	}

	if err := c.Gateway.Validate(); err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "gateway section")
	}
	if err := c.RateLimit.Validate(); err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "rate_limit section")
	}

	if len(c.Credentials.APIKeys) == 0 && c.Credentials.JWT == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"credentials: at least one api key or a jwt section is required")
	}

	if c.Routes.File == "" && len(c.Routes.Inline) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"routes: inline routes or routes.file is required")
	}

	switch c.Store.Backend {
	case StoreMemory:
	case StoreNATS:
		if c.Store.NATS.Bucket == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "store.nats.bucket is required")
		}
	case StoreRedis:
		if c.Store.Redis.Addr == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "store.redis.addr is required")
		}
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("store.backend %q must be one of memory, nats, redis", c.Store.Backend))
	}

	if c.Audit.Enabled {
		if len(c.Audit.Sinks) == 0 {
			return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "audit.sinks is required when audit is enabled")
		}
		for _, sink := range c.Audit.Sinks {
			switch sink {
			case SinkSlog, SinkJetStream:
			case SinkDatabase:
				if c.Audit.Database.DSN == "" {
					return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "audit.database.dsn is required")
				}
			default:
				return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
					fmt.Sprintf("audit sink %q must be slog, jetstream or database", sink))
			}
		}
	}

	if c.NeedsNATS() && c.NATS.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "nats.url is required")
	}

	if c.Dispatch.MaxRetries < 0 || c.Dispatch.MaxRetries > 5 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "dispatch.max_retries must be between 0 and 5")
	}

	switch c.Consul.InstanceScheme {
	case "", "http", "https":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "consul.instance_scheme must be http or https")
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "metrics.addr is required when metrics are enabled")
	}
	return nil
}

// RouteDefinitions returns inline routes followed by routes from routes.file
func (c *Config) RouteDefinitions() ([]route.Definition, error) {
	defs := slices.Clone(c.Routes.Inline)
	if c.Routes.File == "" {
		return defs, nil
	}

	data, err := safeReadFile(c.Routes.File)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Config", "RouteDefinitions", "read routes file")
	}
	fromFile, err := route.ParseYAML(data)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Config", "RouteDefinitions", "parse routes file")
	}
	return append(defs, fromFile...), nil
}

// Defaults returns the configuration every file is layered over
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Gateway: gateway.DefaultConfig(),
		Credentials: credential.Config{
			ElevatedRoles: []string{"admin"},
		},
		Access: access.Config{
			RequiredRole: "admin",
		},
		RateLimit: ratelimit.DefaultConfig(),
		Dispatch: DispatchConfig{
			MaxRetries:   2,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     500 * time.Millisecond,
		},
		Store: StoreConfig{
			Backend:         StoreMemory,
			NATS:            natskv.DefaultConfig(),
			Redis:           redisstore.DefaultConfig(),
			CleanupInterval: time.Minute,
		},
		NATS: NATSConfig{
			Name:          "edgegate",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			Timeout:       5 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:  true,
			Sinks:    []string{SinkSlog},
			Stream:   audit.DefaultStreamConfig(),
			Database: audit.DefaultDatabaseConfig(),
			Pool:     audit.DefaultConfig(),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
			Path:    "/metrics",
		},
		Consul: destination.DefaultConsulConfig(),
	}
}
