package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/c360/edgegate/errors"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "EDGEGATE"

// durationKeys are JSON keys whose string values are parsed as durations
var durationKeys = map[string]struct{}{
	"read_timeout":         {},
	"write_timeout":        {},
	"dial_timeout":         {},
	"shutdown_timeout":     {},
	"leeway":               {},
	"renew_before":         {},
	"check_interval":       {},
	"ttl":                  {},
	"max_age":              {},
	"initial_delay":        {},
	"max_delay":            {},
	"reconnect_wait":       {},
	"cleanup_interval":     {},
	"failure_log_interval": {},
	"refresh_interval":     {},
	"conn_max_lifetime":    {},
}

// Loader layers configuration files over defaults and applies env overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a loader with validation enabled
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  EnvPrefix,
		lookupEnv:  os.LookupEnv,
	}
}

// AddLayer adds a configuration file layer; later layers win
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables validation after loading
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, every layer and the environment, then validates
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range l.layers {
		data, err := safeReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("read %s", path))
		}
		cfg, err = l.merge(cfg, data)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("merge %s", path))
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "environment overrides")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Parse merges a JSON document over the defaults without reading files
func (l *Loader) Parse(data []byte) (*Config, error) {
	cfg, err := l.merge(Defaults(), data)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Parse", "merge document")
	}
	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Parse", "environment overrides")
	}
	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// merge overlays the JSON document onto base, touching only present fields.
// Comments and trailing commas are stripped first.
func (l *Loader) merge(base *Config, data []byte) (*Config, error) {
	data = jsonc.ToJSON(data)
	if err := validateJSONDepth(data); err != nil {
		return nil, fmt.Errorf("invalid JSON structure: %w", err)
	}

	var override map[string]any
	if err := json.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrParsingFailed, err)
	}
	if err := parseDurations(override); err != nil {
		return nil, err
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}

	var merged Config
	dec := json.NewDecoder(bytes.NewReader(mergedJSON))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&merged); err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err)
	}
	return &merged, nil
}

// deepMergeMaps merges override into base; nested objects merge, anything
// else (including arrays) replaces.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// parseDurations rewrites duration strings under durationKeys to nanoseconds
func parseDurations(data map[string]any) error {
	for k, v := range data {
		switch val := v.(type) {
		case map[string]any:
			if err := parseDurations(val); err != nil {
				return err
			}
		case []any:
			for _, item := range val {
				if m, ok := item.(map[string]any); ok {
					if err := parseDurations(m); err != nil {
						return err
					}
				}
			}
		case string:
			if _, ok := durationKeys[k]; !ok {
				continue
			}
			d, err := parseDurationWithDays(val)
			if err != nil {
				return fmt.Errorf("%s: invalid duration %q: %w", k, val, errors.ErrInvalidConfig)
			}
			data[k] = d.Nanoseconds()
		}
	}
	return nil
}

// parseDurationWithDays parses durations that may use a day suffix ("30d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// applyEnvOverrides applies EDGEGATE_* variables
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	str := func(name string, dst *string) error {
		key := l.envPrefix + "_" + name
		val, ok := l.lookupEnv(key)
		if !ok || val == "" {
			return nil
		}
		if err := validateEnvVar(key, val); err != nil {
			return err
		}
		*dst = val
		return nil
	}

	overrides := []struct {
		name string
		dst  *string
	}{
		{"LISTEN_ADDR", &cfg.Server.ListenAddr},
		{"ENVIRONMENT", &cfg.Gateway.Environment},
		{"VERSION", &cfg.Gateway.Version},
		{"REQUEST_TIMEOUT", &cfg.Gateway.RequestTimeout},
		{"STORE_BACKEND", &cfg.Store.Backend},
		{"REDIS_ADDR", &cfg.Store.Redis.Addr},
		{"REDIS_PASSWORD", &cfg.Store.Redis.Password},
		{"NATS_URL", &cfg.NATS.URL},
		{"NATS_USERNAME", &cfg.NATS.Username},
		{"NATS_PASSWORD", &cfg.NATS.Password},
		{"NATS_TOKEN", &cfg.NATS.Token},
		{"ROUTES_FILE", &cfg.Routes.File},
		{"METRICS_ADDR", &cfg.Metrics.Addr},
	}
	for _, o := range overrides {
		if err := str(o.name, o.dst); err != nil {
			return err
		}
	}

	if cfg.Credentials.JWT != nil {
		if err := str("JWT_SECRET", &cfg.Credentials.JWT.Secret); err != nil {
			return err
		}
	}

	var failClosed string
	if err := str("RATELIMIT_FAIL_CLOSED", &failClosed); err != nil {
		return err
	}
	if failClosed != "" {
		b, err := strconv.ParseBool(failClosed)
		if err != nil {
			return fmt.Errorf("%s_RATELIMIT_FAIL_CLOSED: %w", l.envPrefix, err)
		}
		cfg.RateLimit.FailClosed = b
	}
	return nil
}
