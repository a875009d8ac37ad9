package credential

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/edgegate/errors"
)

const (
	testSecret = "0123456789abcdef0123456789abcdef"
	testIssuer = "https://auth.example.test"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		APIKeys: []APIKey{
			{Key: "key-basic", PrincipalID: "client-basic", Tier: "default"},
			{KeySHA256: HashAPIKey("key-admin"), PrincipalID: "client-admin", Tier: "enterprise",
				Roles: []string{"admin"}, Permissions: []string{"admin:read"}},
		},
		JWT: &JWTConfig{
			Algorithm: "HS256",
			Secret:    testSecret,
			Issuer:    testIssuer,
			Audience:  "edgegate",
			Leeway:    5 * time.Second,
		},
		ElevatedRoles: []string{"admin"},
	}
}

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver(testConfig(), WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	return r
}

func signHS(t *testing.T, claims Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return tok
}

func baseClaims() Claims {
	return Claims{
		Tier:        "premium",
		Roles:       []string{"analyst"},
		Permissions: []string{"reports:read"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-42",
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{"edgegate"},
			IssuedAt:  jwt.NewNumericDate(testNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(testNow.Add(time.Hour)),
		},
	}
}

func headers(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func TestResolve_APIKey(t *testing.T) {
	r := newTestResolver(t)

	tests := []struct {
		name         string
		key          string
		wantValid    bool
		wantPrinc    string
		wantTier     Tier
		wantElevated bool
	}{
		{"plaintext configured key", "key-basic", true, "client-basic", TierDefault, false},
		{"digest configured key", "key-admin", true, "client-admin", TierEnterprise, true},
		{"unknown key", "nope", false, "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Resolve(headers(HeaderAPIKey, tt.key))
			assert.Equal(t, tt.wantValid, res.Valid)
			assert.Equal(t, MethodAPIKey, res.Method)
			if !tt.wantValid {
				assert.Nil(t, res.Credential)
				assert.NotEmpty(t, res.Reason)
				return
			}
			assert.Equal(t, tt.wantPrinc, res.Credential.PrincipalID)
			assert.Equal(t, tt.wantTier, res.Credential.Tier)
			assert.Equal(t, tt.wantElevated, res.Credential.IsElevated)
		})
	}
}

func TestResolve_Missing(t *testing.T) {
	res := newTestResolver(t).Resolve(http.Header{})
	assert.False(t, res.Valid)
	assert.Equal(t, MethodNone, res.Method)
	assert.Equal(t, "missing credential", res.Reason)
}

func TestResolve_Bearer(t *testing.T) {
	r := newTestResolver(t)

	res := r.Resolve(headers(HeaderAuthorization, "Bearer "+signHS(t, baseClaims())))
	require.True(t, res.Valid, res.Reason)
	assert.Equal(t, MethodBearer, res.Method)
	assert.Equal(t, "user-42", res.Credential.PrincipalID)
	assert.Equal(t, TierPremium, res.Credential.Tier)
	assert.False(t, res.Credential.IsElevated)
	assert.True(t, res.Credential.HasPermission("reports:read"))
	assert.False(t, res.Credential.HasPermission("admin:read"))
	assert.True(t, res.Credential.HasRole("analyst"))
}

func TestResolve_BearerRejections(t *testing.T) {
	r := newTestResolver(t)

	tests := []struct {
		name   string
		token  func() string
		reason string
	}{
		{"expired", func() string {
			c := baseClaims()
			c.ExpiresAt = jwt.NewNumericDate(testNow.Add(-time.Minute))
			return signHS(t, c)
		}, "token expired"},
		{"not yet valid", func() string {
			c := baseClaims()
			c.NotBefore = jwt.NewNumericDate(testNow.Add(time.Minute))
			return signHS(t, c)
		}, "token not valid yet"},
		{"missing exp", func() string {
			c := baseClaims()
			c.ExpiresAt = nil
			return signHS(t, c)
		}, "token missing required claim"},
		{"wrong issuer", func() string {
			c := baseClaims()
			c.Issuer = "https://evil.test"
			return signHS(t, c)
		}, "token issuer mismatch"},
		{"wrong audience", func() string {
			c := baseClaims()
			c.Audience = jwt.ClaimStrings{"other"}
			return signHS(t, c)
		}, "token audience mismatch"},
		{"wrong secret", func() string {
			tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, baseClaims()).
				SignedString([]byte("ffffffffffffffffffffffffffffffff"))
			require.NoError(t, err)
			return tok
		}, "token signature invalid"},
		{"alg none", func() string {
			tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, baseClaims()).
				SignedString(jwt.UnsafeAllowNoneSignatureType)
			require.NoError(t, err)
			return tok
		}, "token signature invalid"},
		{"unknown tier", func() string {
			c := baseClaims()
			c.Tier = "platinum"
			return signHS(t, c)
		}, "token carries an unknown tier"},
		{"no subject", func() string {
			c := baseClaims()
			c.Subject = ""
			return signHS(t, c)
		}, "token has no subject"},
		{"garbage", func() string { return "not.a.jwt" }, "malformed token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Resolve(headers(HeaderAuthorization, "Bearer "+tt.token()))
			assert.False(t, res.Valid)
			assert.Nil(t, res.Credential)
			assert.Equal(t, tt.reason, res.Reason)
		})
	}
}

func TestResolve_ElevationRequiresConfiguredRole(t *testing.T) {
	r := newTestResolver(t)

	c := baseClaims()
	c.Roles = []string{"not-an-admin", "administrator"}
	res := r.Resolve(headers(HeaderAuthorization, "Bearer "+signHS(t, c)))
	require.True(t, res.Valid)
	assert.False(t, res.Credential.IsElevated, "substring matches must not elevate")

	c.Roles = []string{"admin"}
	res = r.Resolve(headers(HeaderAuthorization, "Bearer "+signHS(t, c)))
	require.True(t, res.Valid)
	assert.True(t, res.Credential.IsElevated)
}

func TestResolve_BearerWinsOverAPIKey(t *testing.T) {
	r := newTestResolver(t)

	res := r.Resolve(headers(
		HeaderAPIKey, "key-admin",
		HeaderAuthorization, "Bearer garbage",
	))
	assert.False(t, res.Valid)
	assert.Equal(t, MethodBearer, res.Method)

	res = r.Resolve(headers(HeaderAPIKey, "key-admin", HeaderAuthorization, "Basic dXNlcjpwYXNz"))
	assert.False(t, res.Valid)
	assert.Equal(t, "unsupported authorization scheme", res.Reason)
}

func TestResolve_BearerDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.JWT = nil
	r, err := NewResolver(cfg)
	require.NoError(t, err)

	res := r.Resolve(headers(HeaderAuthorization, "Bearer "+signHS(t, baseClaims())))
	assert.False(t, res.Valid)
	assert.Equal(t, "bearer tokens are not accepted", res.Reason)
}

func TestResolve_ES256(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	r, err := NewResolver(Config{
		JWT: &JWTConfig{Algorithm: "ES256", PublicKeyPEM: string(pemKey), Issuer: testIssuer},
	}, WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)

	c := baseClaims()
	c.Audience = nil
	tok, err := jwt.NewWithClaims(jwt.SigningMethodES256, c).SignedString(priv)
	require.NoError(t, err)

	res := r.Resolve(headers(HeaderAuthorization, "Bearer "+tok))
	require.True(t, res.Valid, res.Reason)
	assert.Equal(t, "user-42", res.Credential.PrincipalID)

	hs := signHS(t, c)
	res = r.Resolve(headers(HeaderAuthorization, "Bearer "+hs))
	assert.False(t, res.Valid, "algorithm must match configuration")
}

func TestNewResolver_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"short secret", Config{JWT: &JWTConfig{Secret: "short", Issuer: testIssuer}}},
		{"missing issuer", Config{JWT: &JWTConfig{Secret: testSecret}}},
		{"unknown algorithm", Config{JWT: &JWTConfig{Algorithm: "PS512", Issuer: testIssuer}}},
		{"bad pem", Config{JWT: &JWTConfig{Algorithm: "RS256", PublicKeyPEM: "junk", Issuer: testIssuer}}},
		{"unknown key tier", Config{APIKeys: []APIKey{{Key: "k", PrincipalID: "p", Tier: "gold"}}}},
		{"key without principal", Config{APIKeys: []APIKey{{Key: "k"}}}},
		{"key without secret", Config{APIKeys: []APIKey{{PrincipalID: "p"}}}},
		{"bad digest", Config{APIKeys: []APIKey{{KeySHA256: "zz", PrincipalID: "p"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewResolver(tt.cfg)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestCredential_Sets(t *testing.T) {
	c := newCredential("p", TierDefault, []string{"b", "a", "a", " "}, []string{"*"}, nil)
	assert.Equal(t, []string{"a", "b"}, c.Roles())
	assert.True(t, c.HasPermission("anything"))
	assert.False(t, c.IsElevated)

	roles := c.Roles()
	roles[0] = "mutated"
	assert.Equal(t, []string{"a", "b"}, c.Roles())
}

func TestParseTier(t *testing.T) {
	for in, want := range map[string]Tier{"": TierDefault, "PREMIUM": TierPremium, "enterprise": TierEnterprise} {
		got, ok := ParseTier(in)
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := ParseTier("gold")
	assert.False(t, ok)
}
