// Package route holds the immutable route table.
//
// Internal destinations are matched by exact path. Third-party destinations
// are matched by ordered, segment-aware prefix; the first match wins. Lookup
// tries the exact table before the prefix list.
package route

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/c360/edgegate/credential"
	"github.com/c360/edgegate/errors"
	"github.com/c360/edgegate/pkg/pathmatch"
)

// Kind is the destination namespace of a route
type Kind string

// Destination kinds
const (
	KindInternal   Kind = "internal"
	KindThirdParty Kind = "third_party"
)

// Definition is the configuration form of a route, as read from YAML or JSON.
type Definition struct {
	Name         string   `yaml:"name" json:"name"`
	MatchPath    string   `yaml:"match_path" json:"match_path"`
	Kind         Kind     `yaml:"kind" json:"kind"`
	Target       string   `yaml:"target" json:"target"`
	RequiresAuth *bool    `yaml:"requires_auth,omitempty" json:"requires_auth,omitempty"`
	RateTier     string   `yaml:"rate_tier,omitempty" json:"rate_tier,omitempty"`
	CacheTTL     int      `yaml:"cache_ttl_seconds" json:"cache_ttl_seconds"`
	Transform    string   `yaml:"transform,omitempty" json:"transform,omitempty"`
	Methods      []string `yaml:"methods,omitempty" json:"methods,omitempty"`
	Timeout      string   `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Descriptor is one validated route
type Descriptor struct {
	Name         string
	MatchPath    string
	Kind         Kind
	TargetBase   string
	RequiresAuth bool
	// RateTier selects the quota; empty means the caller's own tier.
	RateTier        credential.Tier
	CacheTTLSeconds int
	TransformID     string
	Methods         []string
	Timeout         time.Duration
}

// CacheTTL returns the cache lifetime; zero disables caching
func (d Descriptor) CacheTTL() time.Duration {
	return time.Duration(d.CacheTTLSeconds) * time.Second
}

// Cacheable reports whether GET responses on this route are cached
func (d Descriptor) Cacheable() bool {
	return d.CacheTTLSeconds > 0
}

// AllowsMethod reports whether method may be used. An empty method list
// allows everything; HEAD follows GET.
func (d Descriptor) AllowsMethod(method string) bool {
	if len(d.Methods) == 0 {
		return true
	}
	if slices.Contains(d.Methods, method) {
		return true
	}
	return method == http.MethodHead && slices.Contains(d.Methods, http.MethodGet)
}

// UpstreamPath returns the part of reqPath that is appended to TargetBase
func (d Descriptor) UpstreamPath(reqPath string) string {
	if d.Kind == KindInternal {
		return ""
	}
	return pathmatch.Remainder(pathmatch.Clean(reqPath), d.MatchPath)
}

// Build validates a definition
func (def Definition) Build() (Descriptor, error) {
	d := Descriptor{
		Name:            def.Name,
		Kind:            def.Kind,
		TargetBase:      strings.TrimSuffix(def.Target, "/"),
		RequiresAuth:    def.RequiresAuth == nil || *def.RequiresAuth,
		CacheTTLSeconds: def.CacheTTL,
		TransformID:     def.Transform,
	}

	if !strings.HasPrefix(def.MatchPath, "/") {
		return d, fmt.Errorf("match_path %q must start with /", def.MatchPath)
	}
	d.MatchPath = pathmatch.Clean(def.MatchPath)
	if d.Name == "" {
		d.Name = d.MatchPath
	}

	switch d.Kind {
	case "", KindInternal:
		d.Kind = KindInternal
	case KindThirdParty, "third-party":
		d.Kind = KindThirdParty
	default:
		return d, fmt.Errorf("route %s: unknown kind %q", d.Name, def.Kind)
	}

	u, err := url.Parse(d.TargetBase)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return d, fmt.Errorf("route %s: target %q must be an absolute URL", d.Name, def.Target)
	}
	switch u.Scheme {
	case "http", "https", "nats", "consul":
	default:
		return d, fmt.Errorf("route %s: unsupported target scheme %q", d.Name, u.Scheme)
	}

	if def.RateTier != "" {
		tier, ok := credential.ParseTier(def.RateTier)
		if !ok {
			return d, fmt.Errorf("route %s: unknown rate_tier %q", d.Name, def.RateTier)
		}
		d.RateTier = tier
	}

	if d.CacheTTLSeconds < 0 {
		return d, fmt.Errorf("route %s: cache_ttl_seconds must be >= 0", d.Name)
	}
	if d.TransformID == "" {
		d.TransformID = "identity"
	}

	for _, m := range def.Methods {
		d.Methods = append(d.Methods, strings.ToUpper(strings.TrimSpace(m)))
	}

	if def.Timeout != "" {
		d.Timeout, err = time.ParseDuration(def.Timeout)
		if err != nil || d.Timeout <= 0 {
			return d, fmt.Errorf("route %s: invalid timeout %q", d.Name, def.Timeout)
		}
	}
	return d, nil
}

// Table is the immutable route table
type Table struct {
	internal   map[string]Descriptor
	thirdParty []Descriptor
	ordered    []Descriptor
}

// NewTable validates definitions and builds a Table. match_path values must
// be unique within each kind.
func NewTable(defs []Definition) (*Table, error) {
	t := &Table{internal: make(map[string]Descriptor)}
	seenPrefix := make(map[string]struct{})

	for i, def := range defs {
		d, err := def.Build()
		if err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("route %d: %w: %w", i, err, errors.ErrInvalidConfig),
				"route", "NewTable", "validate route")
		}

		switch d.Kind {
		case KindInternal:
			if _, dup := t.internal[d.MatchPath]; dup {
				return nil, errors.WrapInvalid(
					fmt.Errorf("duplicate internal match_path %s: %w", d.MatchPath, errors.ErrInvalidConfig),
					"route", "NewTable", "validate route")
			}
			t.internal[d.MatchPath] = d
		case KindThirdParty:
			if _, dup := seenPrefix[d.MatchPath]; dup {
				return nil, errors.WrapInvalid(
					fmt.Errorf("duplicate third_party match_path %s: %w", d.MatchPath, errors.ErrInvalidConfig),
					"route", "NewTable", "validate route")
			}
			seenPrefix[d.MatchPath] = struct{}{}
			t.thirdParty = append(t.thirdParty, d)
		}
		t.ordered = append(t.ordered, d)
	}
	return t, nil
}

// Lookup finds the route for a request path
func (t *Table) Lookup(path string) (Descriptor, bool) {
	path = pathmatch.Clean(path)
	if d, ok := t.internal[path]; ok {
		return d, true
	}
	for _, d := range t.thirdParty {
		if pathmatch.HasPrefix(path, d.MatchPath) {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Routes returns all routes in configuration order
func (t *Table) Routes() []Descriptor {
	return slices.Clone(t.ordered)
}

// Paths returns the match paths in configuration order. It never exposes targets.
func (t *Table) Paths() []string {
	out := make([]string, len(t.ordered))
	for i, d := range t.ordered {
		out[i] = d.MatchPath
	}
	return out
}

// Counts returns the number of internal and third-party routes
func (t *Table) Counts() (internal, thirdParty int) {
	return len(t.internal), len(t.thirdParty)
}
