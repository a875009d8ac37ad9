// Package access decides whether an authenticated caller may use a path.
package access

import (
	"fmt"
	"strings"

	"github.com/c360/edgegate/credential"
	"github.com/c360/edgegate/errors"
	"github.com/c360/edgegate/pkg/pathmatch"
)

// DefaultPublicPaths are reachable without a credential
var DefaultPublicPaths = []string{"/health", "/info"}

// ElevatedPath gates a path prefix behind elevation and a permission
type ElevatedPath struct {
	Prefix     string `json:"prefix"`
	Permission string `json:"permission"`
}

// Config configures a Controller
type Config struct {
	ElevatedPaths []ElevatedPath `json:"elevated_paths"`
	// RequiredRole is reported to denied callers of elevated paths
	RequiredRole string `json:"required_role"`
	// PublicPaths extends DefaultPublicPaths. Entries ending in "/*" match a
	// whole subtree.
	PublicPaths []string `json:"public_paths"`
}

// Decision is the outcome of an access check
type Decision struct {
	Allowed            bool
	RequiredRole       string
	RequiredPermission string
	Reason             string
}

// Controller evaluates access rules. It is immutable and safe for concurrent use.
type Controller struct {
	elevated     []ElevatedPath
	requiredRole string
	publicExact  map[string]struct{}
	publicTrees  []string
}

// NewController validates cfg and builds a Controller
func NewController(cfg Config) (*Controller, error) {
	c := &Controller{
		requiredRole: cfg.RequiredRole,
		publicExact:  make(map[string]struct{}),
	}
	if c.requiredRole == "" {
		c.requiredRole = "admin"
	}

	for i, ep := range cfg.ElevatedPaths {
		if !strings.HasPrefix(ep.Prefix, "/") {
			return nil, errors.WrapInvalid(
				fmt.Errorf("elevated path %d: prefix %q must start with /: %w", i, ep.Prefix, errors.ErrInvalidConfig),
				"access", "NewController", "validate elevated paths")
		}
		if ep.Permission == "" {
			return nil, errors.WrapInvalid(
				fmt.Errorf("elevated path %q: permission is required: %w", ep.Prefix, errors.ErrInvalidConfig),
				"access", "NewController", "validate elevated paths")
		}
		c.elevated = append(c.elevated, ElevatedPath{
			Prefix:     pathmatch.Clean(ep.Prefix),
			Permission: ep.Permission,
		})
	}

	for _, p := range append(append([]string{}, DefaultPublicPaths...), cfg.PublicPaths...) {
		c.AddPublic(p)
	}
	return c, nil
}

// AddPublic allow-lists a path before the controller is shared. It is used
// while wiring routes that do not require authentication.
func (c *Controller) AddPublic(p string) {
	if tree, ok := strings.CutSuffix(p, "/*"); ok {
		c.publicTrees = append(c.publicTrees, pathmatch.Clean(tree))
		return
	}
	c.publicExact[pathmatch.Clean(p)] = struct{}{}
}

// IsPublic reports whether path may be served without a credential
func (c *Controller) IsPublic(path string) bool {
	path = pathmatch.Clean(path)
	if _, ok := c.publicExact[path]; ok {
		return true
	}
	for _, tree := range c.publicTrees {
		if pathmatch.HasPrefix(path, tree) {
			return true
		}
	}
	return false
}

// IsElevated reports whether path falls under an elevated prefix
func (c *Controller) IsElevated(path string) bool {
	_, ok := c.match(pathmatch.Clean(path))
	return ok
}

// Check decides whether cred may access path. A nil credential is always denied.
func (c *Controller) Check(cred *credential.Credential, path string) Decision {
	if cred == nil {
		return Decision{Reason: "authentication required"}
	}

	rule, elevated := c.match(pathmatch.Clean(path))
	if !elevated {
		return Decision{Allowed: true}
	}

	denied := Decision{
		RequiredRole:       c.requiredRole,
		RequiredPermission: rule.Permission,
	}
	switch {
	case !cred.IsElevated:
		denied.Reason = "elevated role required"
		return denied
	case !cred.HasPermission(rule.Permission):
		denied.Reason = "missing permission " + rule.Permission
		return denied
	}
	return Decision{Allowed: true}
}

func (c *Controller) match(path string) (ElevatedPath, bool) {
	for _, ep := range c.elevated {
		if pathmatch.HasPrefix(path, ep.Prefix) {
			return ep, true
		}
	}
	return ElevatedPath{}, false
}
