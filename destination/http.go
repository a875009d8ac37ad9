package destination

import (
	"bytes"
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/c360/edgegate/errors"
	"github.com/c360/edgegate/pkg/retry"
)

// MaxBodyBytes bounds upstream response bodies
const MaxBodyBytes = 10 << 20

// forwarded request headers; credentials never leave the gateway
var forwardHeaders = []string{"Accept", "Accept-Language", "Content-Type", "If-None-Match"}

// HTTP calls upstreams over HTTP(S)
type HTTP struct {
	client *http.Client
	retry  errors.RetryConfig
	logger *slog.Logger
}

// HTTPOption configures an HTTP destination
type HTTPOption func(*HTTP)

// WithHTTPClient overrides the client
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTP) {
		if c != nil {
			h.client = c
		}
	}
}

// WithTLS sets the client TLS config on the default transport. It has no
// effect after WithHTTPClient.
func WithTLS(cfg *tls.Config) HTTPOption {
	return func(h *HTTP) {
		if t, ok := h.client.Transport.(*http.Transport); ok && cfg != nil {
			t.TLSClientConfig = cfg
		}
	}
}

// WithRetry sets the retry budget for idempotent calls
func WithRetry(cfg errors.RetryConfig) HTTPOption {
	return func(h *HTTP) {
		h.retry = cfg
	}
}

// WithHTTPLogger sets the logger
func WithHTTPLogger(logger *slog.Logger) HTTPOption {
	return func(h *HTTP) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHTTP creates an HTTP destination
func NewHTTP(opts ...HTTPOption) *HTTP {
	h := &HTTP{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		retry:  errors.DefaultRetryConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "destination", "destination", "http")
	return h
}

// Name implements Destination
func (h *HTTP) Name() string { return "http" }

// Do implements Destination. Only GET and HEAD are retried, and only on
// transient failures.
func (h *HTTP) Do(ctx context.Context, req *Request) (*Response, error) {
	if !req.Idempotent() {
		return h.once(ctx, req)
	}

	cfg := h.retry.ToRetryConfig()
	cfg.Retryable = retryable
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		h.logger.Debug("Retrying upstream call",
			"route", req.Route.Name, "attempt", attempt+1, "wait", wait, "error", err)
	}

	resp, err := retry.DoWithResult(ctx, cfg, func() (*Response, error) {
		return h.once(ctx, req)
	})
	if err != nil {
		return nil, AsError(err)
	}
	return resp, nil
}

func retryable(err error) bool {
	de := AsError(err)
	switch de.Kind {
	case KindTransport, KindUnavailable:
		return true
	case KindStatus:
		return de.Status == http.StatusBadGateway ||
			de.Status == http.StatusServiceUnavailable ||
			de.Status == http.StatusGatewayTimeout
	default:
		return false
	}
}

func (h *HTTP) once(ctx context.Context, req *Request) (*Response, error) {
	target := req.Route.TargetBase + req.Path
	if req.RawQuery != "" {
		target += "?" + req.RawQuery
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Err: errors.WrapInvalid(err, "destination", "Do", "build request")}
	}
	for _, name := range forwardHeaders {
		if v := req.Header.Get(name); v != "" {
			httpReq.Header.Set(name, v)
		}
	}
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-ID", req.RequestID)
	}
	if req.PrincipalID != "" {
		httpReq.Header.Set("X-Gateway-Principal", req.PrincipalID)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes+1))
	if err != nil {
		return nil, classifyTransport(err)
	}
	if len(data) > MaxBodyBytes {
		return nil, &Error{Kind: KindTransport, Err: fmt.Errorf("response body exceeds %d bytes: %w", MaxBodyBytes, errors.ErrResourceExhausted)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{Kind: KindStatus, Status: resp.StatusCode, Err: errors.ErrUpstreamStatus}
	}

	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   data,
	}, nil
}

func classifyTransport(err error) *Error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	var opErr *net.OpError
	if stderrors.Is(err, syscall.ECONNREFUSED) ||
		(stderrors.As(err, &opErr) && opErr.Op == "dial") {
		return &Error{Kind: KindUnavailable, Err: fmt.Errorf("%w: %w", errors.ErrUpstreamUnreachable, err)}
	}
	return &Error{Kind: KindTransport, Err: err}
}
