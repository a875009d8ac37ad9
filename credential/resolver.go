package credential

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/c360/edgegate/errors"
)

// Header names
const (
	HeaderAPIKey        = "X-API-Key"
	HeaderAuthorization = "Authorization"
)

// APIKey configures one static key. Either Key (plaintext) or KeySHA256 (hex
// digest) must be set; only the digest is kept in memory.
type APIKey struct {
	Key         string   `json:"key,omitempty"`
	KeySHA256   string   `json:"key_sha256,omitempty"`
	PrincipalID string   `json:"principal_id"`
	Tier        string   `json:"tier"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// JWTConfig configures bearer token verification
type JWTConfig struct {
	Algorithm     string        `json:"algorithm"` // HS256, RS256 or ES256
	Secret        string        `json:"secret,omitempty"`
	PublicKeyPEM  string        `json:"public_key_pem,omitempty"`
	PublicKeyFile string        `json:"public_key_file,omitempty"`
	Issuer        string        `json:"issuer"`
	Audience      string        `json:"audience,omitempty"`
	Leeway        time.Duration `json:"leeway"`
}

// Config configures a Resolver
type Config struct {
	APIKeys       []APIKey   `json:"api_keys"`
	JWT           *JWTConfig `json:"jwt,omitempty"`
	ElevatedRoles []string   `json:"elevated_roles"`
}

// Claims are the JWT claims understood by the gateway
type Claims struct {
	Tier        string   `json:"tier"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

type keyRecord struct {
	digest      [sha256.Size]byte
	principal   string
	tier        Tier
	roles       []string
	permissions []string
}

// Resolver authenticates requests. It is safe for concurrent use.
type Resolver struct {
	keys          []keyRecord
	elevatedRoles map[string]struct{}

	jwtParser *jwt.Parser
	jwtOpts   []jwt.ParserOption
	verifyKey any
	alg       string

	logger *slog.Logger
}

// Option configures a Resolver
type Option func(*Resolver)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides the time used for exp/nbf validation
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil && r.jwtParser != nil {
			r.jwtParser = r.newParser(now)
		}
	}
}

// HashAPIKey returns the hex SHA-256 digest used for key_sha256 entries
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// NewResolver validates cfg and builds a Resolver
func NewResolver(cfg Config, opts ...Option) (*Resolver, error) {
	r := &Resolver{
		elevatedRoles: make(map[string]struct{}, len(cfg.ElevatedRoles)),
		logger:        slog.Default(),
	}
	for _, role := range cfg.ElevatedRoles {
		r.elevatedRoles[role] = struct{}{}
	}

	for i, k := range cfg.APIKeys {
		rec, err := buildKeyRecord(k)
		if err != nil {
			return nil, errors.WrapInvalid(err, "credential", "NewResolver", fmt.Sprintf("api key %d", i))
		}
		r.keys = append(r.keys, rec)
	}

	if cfg.JWT != nil {
		if err := r.configureJWT(*cfg.JWT); err != nil {
			return nil, errors.WrapInvalid(err, "credential", "NewResolver", "jwt config")
		}
	}

	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "credential")
	return r, nil
}

func buildKeyRecord(k APIKey) (keyRecord, error) {
	if k.PrincipalID == "" {
		return keyRecord{}, fmt.Errorf("principal_id is required: %w", errors.ErrInvalidConfig)
	}
	tier, ok := ParseTier(k.Tier)
	if !ok {
		return keyRecord{}, fmt.Errorf("unknown tier %q: %w", k.Tier, errors.ErrInvalidConfig)
	}

	rec := keyRecord{
		principal:   k.PrincipalID,
		tier:        tier,
		roles:       k.Roles,
		permissions: k.Permissions,
	}

	switch {
	case k.KeySHA256 != "":
		raw, err := hex.DecodeString(k.KeySHA256)
		if err != nil || len(raw) != sha256.Size {
			return keyRecord{}, fmt.Errorf("key_sha256 must be a hex sha256 digest: %w", errors.ErrInvalidConfig)
		}
		copy(rec.digest[:], raw)
	case k.Key != "":
		rec.digest = sha256.Sum256([]byte(k.Key))
	default:
		return keyRecord{}, fmt.Errorf("key or key_sha256 is required: %w", errors.ErrInvalidConfig)
	}
	return rec, nil
}

func (r *Resolver) configureJWT(cfg JWTConfig) error {
	if cfg.Issuer == "" {
		return fmt.Errorf("issuer is required: %w", errors.ErrMissingConfig)
	}

	pemData := []byte(cfg.PublicKeyPEM)
	if len(pemData) == 0 && cfg.PublicKeyFile != "" {
		data, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return fmt.Errorf("read public key: %w", err)
		}
		pemData = data
	}

	var err error
	switch strings.ToUpper(cfg.Algorithm) {
	case "", "HS256":
		if len(cfg.Secret) < 32 {
			return fmt.Errorf("HS256 secret must be at least 32 bytes: %w", errors.ErrInvalidConfig)
		}
		r.alg = jwt.SigningMethodHS256.Alg()
		r.verifyKey = []byte(cfg.Secret)
	case "RS256":
		r.alg = jwt.SigningMethodRS256.Alg()
		r.verifyKey, err = jwt.ParseRSAPublicKeyFromPEM(pemData)
	case "ES256":
		r.alg = jwt.SigningMethodES256.Alg()
		r.verifyKey, err = jwt.ParseECPublicKeyFromPEM(pemData)
	default:
		return fmt.Errorf("unsupported algorithm %q: %w", cfg.Algorithm, errors.ErrInvalidConfig)
	}
	if err != nil {
		return fmt.Errorf("parse %s public key: %w", r.alg, err)
	}

	r.jwtOpts = []jwt.ParserOption{
		jwt.WithValidMethods([]string{r.alg}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if cfg.Audience != "" {
		r.jwtOpts = append(r.jwtOpts, jwt.WithAudience(cfg.Audience))
	}
	r.jwtParser = r.newParser(time.Now)
	return nil
}

func (r *Resolver) newParser(now func() time.Time) *jwt.Parser {
	opts := append(slices.Clone(r.jwtOpts), jwt.WithTimeFunc(now))
	return jwt.NewParser(opts...)
}

// Resolve authenticates the request headers. It never fails: problems are
// reported through a not-valid Result with a reason.
func (r *Resolver) Resolve(h http.Header) Result {
	if auth := strings.TrimSpace(h.Get(HeaderAuthorization)); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return invalid(MethodBearer, "unsupported authorization scheme")
		}
		return r.resolveBearer(strings.TrimSpace(token))
	}

	if key := strings.TrimSpace(h.Get(HeaderAPIKey)); key != "" {
		return r.resolveAPIKey(key)
	}

	return invalid(MethodNone, "missing credential")
}

func (r *Resolver) resolveAPIKey(key string) Result {
	digest := sha256.Sum256([]byte(key))

	match := -1
	for i := range r.keys {
		if subtle.ConstantTimeCompare(digest[:], r.keys[i].digest[:]) == 1 {
			match = i
		}
	}
	if match < 0 {
		return invalid(MethodAPIKey, "unknown api key")
	}

	rec := r.keys[match]
	return Result{
		Credential: newCredential(rec.principal, rec.tier, rec.roles, rec.permissions, r.elevatedRoles),
		Valid:      true,
		Method:     MethodAPIKey,
	}
}

func (r *Resolver) resolveBearer(token string) Result {
	if token == "" {
		return invalid(MethodBearer, "empty bearer token")
	}
	if r.jwtParser == nil {
		return invalid(MethodBearer, "bearer tokens are not accepted")
	}

	claims := &Claims{}
	parsed, err := r.jwtParser.ParseWithClaims(token, claims, func(_ *jwt.Token) (any, error) {
		return r.verifyKey, nil
	})
	if err != nil || !parsed.Valid {
		r.logger.Debug("Bearer token rejected", "error", err)
		return invalid(MethodBearer, tokenReason(err))
	}

	if claims.Subject == "" {
		return invalid(MethodBearer, "token has no subject")
	}
	tier, ok := ParseTier(claims.Tier)
	if !ok {
		return invalid(MethodBearer, "token carries an unknown tier")
	}

	return Result{
		Credential: newCredential(claims.Subject, tier, claims.Roles, claims.Permissions, r.elevatedRoles),
		Valid:      true,
		Method:     MethodBearer,
	}
}

func tokenReason(err error) string {
	switch {
	case err == nil:
		return "invalid token"
	case stderrors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case stderrors.Is(err, jwt.ErrTokenNotValidYet):
		return "token not valid yet"
	case stderrors.Is(err, jwt.ErrTokenSignatureInvalid), stderrors.Is(err, jwt.ErrTokenUnverifiable):
		return "token signature invalid"
	case stderrors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "token issuer mismatch"
	case stderrors.Is(err, jwt.ErrTokenInvalidAudience):
		return "token audience mismatch"
	case stderrors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "token missing required claim"
	case stderrors.Is(err, jwt.ErrTokenMalformed):
		return "malformed token"
	default:
		return "invalid token"
	}
}
