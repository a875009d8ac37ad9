package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360/edgegate/access"
	"github.com/c360/edgegate/audit"
	"github.com/c360/edgegate/credential"
	"github.com/c360/edgegate/destination"
	"github.com/c360/edgegate/errors"
	"github.com/c360/edgegate/health"
	"github.com/c360/edgegate/metric"
	"github.com/c360/edgegate/pkg/pathmatch"
	"github.com/c360/edgegate/ratelimit"
	"github.com/c360/edgegate/responsecache"
	"github.com/c360/edgegate/route"
	"github.com/c360/edgegate/transform"
)

// Response headers set by the gateway
const (
	HeaderRequestID          = "X-Request-ID"
	HeaderCache              = "X-Cache"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
)

const (
	pathHealth = "/health"
	pathInfo   = "/info"
)

// Auditor receives audit events. Emit must not block.
type Auditor interface {
	Emit(e audit.Event)
}

// Deps are the collaborators a Gateway routes through. Cache, Audit and
// Health are optional.
type Deps struct {
	Resolver    *credential.Resolver
	Access      *access.Controller
	Limiter     *ratelimit.Limiter
	Routes      *route.Table
	Transforms  *transform.Registry
	Destination destination.Destination
	Cache       *responsecache.Cache
	Audit       Auditor
	Health      *health.Checker
	Metrics     *metric.Metrics
	Logger      *slog.Logger
	// Now is the wall clock used for Retry-After; defaults to time.Now
	Now func() time.Time
}

// Gateway is the HTTP entry point: authenticate, authorize, rate limit,
// route, then serve from cache or dispatch upstream.
type Gateway struct {
	cfg        Config
	resolver   *credential.Resolver
	access     *access.Controller
	limiter    *ratelimit.Limiter
	routes     *route.Table
	transforms *transform.Registry
	dest       destination.Destination
	cache      *responsecache.Cache
	audit      Auditor
	health     *health.Checker
	metrics    *metric.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// New validates cfg and wires deps. Routes that do not require auth are
// added to the access controller's public allow-list.
func New(cfg Config, deps Deps) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Gateway", "New", "config validation")
	}

	switch {
	case deps.Resolver == nil:
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Gateway", "New", "credential resolver is required")
	case deps.Access == nil:
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Gateway", "New", "access controller is required")
	case deps.Limiter == nil:
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Gateway", "New", "rate limiter is required")
	case deps.Routes == nil:
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Gateway", "New", "route table is required")
	case deps.Destination == nil:
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Gateway", "New", "destination is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	transforms := deps.Transforms
	if transforms == nil {
		transforms = transform.NewRegistry()
	}
	if err := CheckTransforms(deps.Routes, transforms); err != nil {
		return nil, errors.WrapInvalid(err, "Gateway", "New", "route transforms")
	}

	for _, rt := range deps.Routes.Routes() {
		if rt.RequiresAuth {
			continue
		}
		if rt.Kind == route.KindThirdParty {
			deps.Access.AddPublic(strings.TrimSuffix(rt.MatchPath, "/") + "/*")
			continue
		}
		deps.Access.AddPublic(rt.MatchPath)
	}

	return &Gateway{
		cfg:        cfg,
		resolver:   deps.Resolver,
		access:     deps.Access,
		limiter:    deps.Limiter,
		routes:     deps.Routes,
		transforms: transforms,
		dest:       deps.Destination,
		cache:      deps.Cache,
		audit:      deps.Audit,
		health:     deps.Health,
		metrics:    deps.Metrics,
		logger:     logger.With("component", "gateway"),
		now:        now,
	}, nil
}

// CheckTransforms fails when a route names a transform the registry does not
// hold. Unknown ids would otherwise pass payloads through unmasked.
func CheckTransforms(routes *route.Table, transforms *transform.Registry) error {
	var unknown []string
	for _, rt := range routes.Routes() {
		if _, ok := transforms.Get(rt.TransformID); !ok {
			unknown = append(unknown, fmt.Sprintf("%s (route %s)", rt.TransformID, rt.Name))
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: unknown transform %s; registered: %s", errors.ErrInvalidConfig,
			strings.Join(unknown, ", "), strings.Join(transforms.IDs(), ", "))
	}
	return nil
}

// RegisterHTTPHandlers mounts the gateway at the root of mux
func (g *Gateway) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.Handle("/", g)
}

// requestState accumulates what the audit event and metrics need
type requestState struct {
	id        string
	start     time.Time
	method    string
	path      string
	principal string
	route     string
}

// trackingWriter remembers whether the status line has gone out
type trackingWriter struct {
	http.ResponseWriter
	wrote bool
}

func (t *trackingWriter) WriteHeader(status int) {
	t.wrote = true
	t.ResponseWriter.WriteHeader(status)
}

func (t *trackingWriter) Write(b []byte) (int, error) {
	t.wrote = true
	return t.ResponseWriter.Write(b)
}

// ServeHTTP runs the request pipeline
func (g *Gateway) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	w := &trackingWriter{ResponseWriter: rw}
	rs := &requestState{
		id:     requestID(r),
		start:  time.Now(),
		method: r.Method,
		path:   pathmatch.Clean(r.URL.Path),
	}
	w.Header().Set(HeaderRequestID, rs.id)
	g.applyCORS(w, r)

	defer func() {
		if p := recover(); p != nil {
			g.logger.Error("Recovered from panic in request pipeline",
				"request_id", rs.id, "path", rs.path, "panic", p, "stack", string(debug.Stack()))
			o := internalError(rs.id, map[string]any{"panic": fmt.Sprint(p)})
			if w.wrote {
				// the response is already on the wire
				g.record(rs, o)
				return
			}
			g.fail(w, rs, o)
		}
	}()

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		g.metrics.RecordRequest("preflight", "204", "gateway", time.Since(rs.start))
		return
	}

	switch rs.path {
	case pathHealth:
		g.handleHealth(w, r)
		g.metrics.RecordRequest("diagnostic", "200", "gateway", time.Since(rs.start))
		return
	case pathInfo:
		g.handleInfo(w)
		g.metrics.RecordRequest("diagnostic", "200", "gateway", time.Since(rs.start))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.Timeout())
	defer cancel()

	if o := g.serve(ctx, w, r, rs); o != nil {
		g.fail(w, rs, o)
	}
}

// serve returns nil once a response has been written
func (g *Gateway) serve(ctx context.Context, w http.ResponseWriter, r *http.Request, rs *requestState) *Outcome {
	var cred *credential.Credential
	res := g.resolver.Resolve(r.Header)
	if res.Valid {
		cred = res.Credential
		rs.principal = cred.PrincipalID
	} else if !g.access.IsPublic(rs.path) {
		o := authFailed(res.Reason)
		o.Detail["method"] = string(res.Method)
		return o
	}

	rt, ok := g.routes.Lookup(rs.path)
	if !ok {
		return &Outcome{
			Kind:    OutcomeRouteNotFound,
			Status:  http.StatusNotFound,
			Message: "no route matches " + rs.path,
			Fields:  map[string]any{"routes": g.routes.Paths()},
		}
	}
	rs.route = rt.Name

	if !rt.AllowsMethod(r.Method) {
		w.Header().Set("Allow", strings.Join(rt.Methods, ", "))
		return &Outcome{
			Kind:    OutcomeMethodNotAllowed,
			Status:  http.StatusMethodNotAllowed,
			Message: fmt.Sprintf("method %s not allowed", r.Method),
			Detail:  map[string]any{"route": rt.Name},
		}
	}

	if cred == nil && (rt.RequiresAuth || g.access.IsElevated(rs.path)) {
		return authFailed(res.Reason)
	}
	if cred != nil {
		if d := g.access.Check(cred, rs.path); !d.Allowed {
			return &Outcome{
				Kind:    OutcomeAccessDenied,
				Status:  http.StatusForbidden,
				Message: d.Reason,
				Fields: map[string]any{
					"required_role":       d.RequiredRole,
					"required_permission": d.RequiredPermission,
				},
				Detail: map[string]any{"route": rt.Name, "reason": d.Reason},
			}
		}
	}

	tier := rt.RateTier
	if tier == "" {
		tier = credential.TierDefault
		if cred != nil {
			tier = cred.Tier
		}
	}
	dec := g.limiter.Allow(ctx, ratelimit.Identity(r, cred), tier)
	setRateLimitHeaders(w, dec)
	if !dec.Allowed {
		retryAfter := max(dec.Reset-g.now().Unix(), 1)
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
		return &Outcome{
			Kind:    OutcomeRateLimitExceeded,
			Status:  http.StatusTooManyRequests,
			Message: "rate limit exceeded",
			Fields: map[string]any{
				"limit":     dec.Limit,
				"remaining": dec.Remaining,
				"reset":     dec.Reset,
			},
			Detail: map[string]any{"route": rt.Name, "tier": string(dec.Tier), "degraded": dec.Degraded},
		}
	}

	cacheable := g.cache != nil && r.Method == http.MethodGet && rt.Cacheable()
	var cacheKey string
	if cacheable {
		cacheKey = responsecache.Key(r.Method, rs.path, r.URL.Query())
		if e, hit := g.cache.Get(ctx, cacheKey); hit {
			w.Header().Set(HeaderCache, "HIT")
			writeBody(w, e.Status, e.ContentType, e.Payload)
			g.complete(rs, e.Status, map[string]any{"route": rt.Name, "cache": "HIT"})
			return nil
		}
	}
	w.Header().Set(HeaderCache, "MISS")

	body, o := g.readBody(r)
	if o != nil {
		return o
	}

	dispatchCtx := ctx
	if rt.Timeout > 0 {
		var cancel context.CancelFunc
		dispatchCtx, cancel = context.WithTimeout(ctx, rt.Timeout)
		defer cancel()
	}

	resp, err := g.dest.Do(dispatchCtx, &destination.Request{
		Method:      r.Method,
		Path:        rt.UpstreamPath(rs.path),
		RawQuery:    r.URL.RawQuery,
		Header:      r.Header,
		Body:        body,
		Route:       rt,
		RequestID:   rs.id,
		PrincipalID: rs.principal,
	})
	if err != nil {
		de := destination.AsError(err)
		g.metrics.RecordUpstreamError(rt.Name, string(de.Kind))
		g.logger.Warn("Upstream dispatch failed",
			"request_id", rs.id, "route", rt.Name, "kind", de.Kind, "error", err)

		detail := map[string]any{"route": rt.Name, "kind": string(de.Kind)}
		if de.Kind == destination.KindStatus {
			detail["upstream_status"] = de.Status
		}
		return &Outcome{
			Kind:    OutcomeUpstreamUnavailable,
			Status:  de.HTTPStatus(),
			Message: "upstream unavailable",
			Detail:  detail,
		}
	}

	payload := resp.Body
	contentType := resp.Header.Get("Content-Type")
	if rt.TransformID != transform.IdentityID {
		payload = g.transforms.Apply(rt.TransformID, payload)
		contentType = "application/json"
	}

	if cacheable && resp.Status == http.StatusOK {
		// a failed write is already logged and counted by the cache
		_ = g.cache.Put(ctx, cacheKey, resp.Status, contentType, payload, rt.CacheTTLSeconds)
	}

	writeBody(w, resp.Status, contentType, payload)
	g.complete(rs, resp.Status, map[string]any{"route": rt.Name, "cache": "MISS"})
	return nil
}

func (g *Gateway) readBody(r *http.Request) ([]byte, *Outcome) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, g.cfg.MaxRequestSize+1))
	if err != nil {
		return nil, &Outcome{
			Kind:    OutcomeRequestTooLarge,
			Status:  http.StatusBadRequest,
			Message: "failed to read request body",
		}
	}
	if int64(len(body)) > g.cfg.MaxRequestSize {
		return nil, &Outcome{
			Kind:    OutcomeRequestTooLarge,
			Status:  http.StatusRequestEntityTooLarge,
			Message: fmt.Sprintf("request body exceeds maximum size of %d bytes", g.cfg.MaxRequestSize),
		}
	}
	return body, nil
}

// complete records a successful routed response
func (g *Gateway) complete(rs *requestState, status int, detail map[string]any) {
	elapsed := time.Since(rs.start)
	g.metrics.RecordRequest(string(OutcomeOK), strconv.Itoa(status), rs.route, elapsed)
	g.emit(rs, audit.KindRequestOK, status, elapsed, detail)
	g.logger.Debug("Request served",
		"request_id", rs.id, "method", rs.method, "path", rs.path, "status", status, "elapsed", elapsed)
}

// fail writes o as the response and records it
func (g *Gateway) fail(w http.ResponseWriter, rs *requestState, o *Outcome) {
	writeError(w, o)
	g.record(rs, o)
}

// record counts, audits and logs a failed outcome
func (g *Gateway) record(rs *requestState, o *Outcome) {
	elapsed := time.Since(rs.start)
	dest := rs.route
	if dest == "" {
		dest = "none"
	}
	g.metrics.RecordRequest(string(o.Kind), strconv.Itoa(o.Status), dest, elapsed)

	detail := o.Detail
	if detail == nil {
		detail = make(map[string]any, 1)
	}
	detail["outcome"] = string(o.Kind)
	g.emit(rs, o.auditKind(), o.Status, elapsed, detail)

	if o.Status >= http.StatusInternalServerError {
		g.logger.Warn("Request failed",
			"request_id", rs.id, "path", rs.path, "outcome", o.Kind, "status", o.Status)
		return
	}
	g.logger.Debug("Request rejected",
		"request_id", rs.id, "path", rs.path, "outcome", o.Kind, "status", o.Status)
}

func (g *Gateway) emit(rs *requestState, kind audit.Kind, status int, elapsed time.Duration, detail map[string]any) {
	if g.audit == nil {
		return
	}
	g.audit.Emit(audit.Event{
		Kind:        kind,
		RequestID:   rs.id,
		Method:      rs.method,
		Path:        rs.path,
		PrincipalID: audit.Principal(rs.principal),
		Status:      status,
		LatencyMs:   elapsed.Milliseconds(),
		Detail:      detail,
	})
}

func writeBody(w http.ResponseWriter, status int, contentType string, body []byte) {
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	h := w.Header()
	h.Set(HeaderRateLimitLimit, strconv.FormatInt(d.Limit, 10))
	h.Set(HeaderRateLimitRemaining, strconv.FormatInt(d.Remaining, 10))
	h.Set(HeaderRateLimitReset, strconv.FormatInt(d.Reset, 10))
}

// requestID reuses a sane incoming X-Request-ID or mints a uuid
func requestID(r *http.Request) string {
	if id := r.Header.Get(HeaderRequestID); id != "" && len(id) <= 128 && isPrintableASCII(id) {
		return id
	}
	return uuid.NewString()
}

func isPrintableASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

// applyCORS sets CORS headers when the origin is allowed
func (g *Gateway) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")

	allowOrigin := ""
	for _, o := range g.cfg.CORSOrigins {
		if o == "*" {
			allowOrigin = "*"
			break
		}
		if origin != "" && o == origin {
			allowOrigin = origin
			break
		}
	}
	if allowOrigin == "" {
		return
	}

	h := w.Header()
	if allowOrigin != "*" {
		h.Add("Vary", "Origin")
	}
	h.Set("Access-Control-Allow-Origin", allowOrigin)
	h.Set("Access-Control-Allow-Methods", "GET, HEAD, POST, PUT, PATCH, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", strings.Join(g.cfg.CORSHeaders, ", "))
	h.Set("Access-Control-Expose-Headers", strings.Join([]string{
		HeaderRateLimitLimit, HeaderRateLimitRemaining, HeaderRateLimitReset, HeaderCache, HeaderRequestID,
	}, ", "))
	h.Set("Access-Control-Max-Age", "3600")
}
