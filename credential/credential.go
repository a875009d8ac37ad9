// Package credential resolves caller identity from request headers.
//
// Two forms are accepted: a static key in X-API-Key, or a signed JWT in
// Authorization: Bearer. When both are present the bearer token wins.
// Anything unrecognised resolves to a not-valid Result; there is no anonymous
// fallback.
package credential

import (
	"slices"
	"sort"
	"strings"
)

// Tier is a caller classification used for rate limiting
type Tier string

// Known tiers
const (
	TierDefault    Tier = "default"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// ParseTier validates a tier name. An empty name maps to TierDefault.
func ParseTier(s string) (Tier, bool) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case "", TierDefault:
		return TierDefault, true
	case TierPremium:
		return TierPremium, true
	case TierEnterprise:
		return TierEnterprise, true
	default:
		return "", false
	}
}

// Credential is the authenticated identity of one request. It is immutable.
type Credential struct {
	PrincipalID string
	Tier        Tier
	IsElevated  bool

	roles       []string
	permissions []string
}

// New builds a credential. IsElevated is set when any role is one of
// elevatedRoles.
func New(principal string, tier Tier, roles, permissions []string, elevatedRoles ...string) *Credential {
	set := make(map[string]struct{}, len(elevatedRoles))
	for _, r := range elevatedRoles {
		set[r] = struct{}{}
	}
	return newCredential(principal, tier, roles, permissions, set)
}

func newCredential(principal string, tier Tier, roles, permissions []string, elevatedRoles map[string]struct{}) *Credential {
	c := &Credential{
		PrincipalID: principal,
		Tier:        tier,
		roles:       normalizeSet(roles),
		permissions: normalizeSet(permissions),
	}
	for _, r := range c.roles {
		if _, ok := elevatedRoles[r]; ok {
			c.IsElevated = true
			break
		}
	}
	return c
}

// HasRole reports whether the credential carries role
func (c *Credential) HasRole(role string) bool {
	_, found := slices.BinarySearch(c.roles, role)
	return found
}

// HasPermission reports whether the credential grants permission, directly or
// through the "*" wildcard.
func (c *Credential) HasPermission(permission string) bool {
	if _, found := slices.BinarySearch(c.permissions, "*"); found {
		return true
	}
	_, found := slices.BinarySearch(c.permissions, permission)
	return found
}

// Roles returns a sorted copy of the role set
func (c *Credential) Roles() []string {
	return slices.Clone(c.roles)
}

// Permissions returns a sorted copy of the permission set
func (c *Credential) Permissions() []string {
	return slices.Clone(c.permissions)
}

// Method identifies how a credential was presented
type Method string

// Credential presentation methods
const (
	MethodNone   Method = "none"
	MethodAPIKey Method = "api_key"
	MethodBearer Method = "bearer"
)

// Result is the outcome of resolving one request.
type Result struct {
	Credential *Credential
	Valid      bool
	Method     Method
	Reason     string
}

func invalid(method Method, reason string) Result {
	return Result{Method: method, Reason: reason}
}

func normalizeSet(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return slices.Compact(out)
}
