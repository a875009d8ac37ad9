// Package destination dispatches routed requests to upstream services.
//
// A Destination hides how an upstream is reached: plain HTTP(S), NATS
// request/reply, or a Fake in tests. The gateway only sees Request, Response
// and the classified *Error.
package destination

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/c360/edgegate/route"
)

// Request is one upstream call
type Request struct {
	Method   string
	Path     string // appended to the route's TargetBase
	RawQuery string
	Header   http.Header
	Body     []byte
	Route    route.Descriptor

	RequestID   string
	PrincipalID string
}

// Idempotent reports whether the call may be retried
func (r *Request) Idempotent() bool {
	return r.Method == http.MethodGet || r.Method == http.MethodHead
}

// Response is a successful upstream reply
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Destination sends requests upstream. Implementations return a *Error for
// every failure, including non-2xx replies.
type Destination interface {
	Do(ctx context.Context, req *Request) (*Response, error)
	Name() string
}

// ErrorKind classifies upstream failures
type ErrorKind string

// Failure kinds
const (
	KindStatus      ErrorKind = "status"      // upstream replied non-2xx
	KindTransport   ErrorKind = "transport"   // connection failed mid-call
	KindUnavailable ErrorKind = "unavailable" // no upstream reachable
	KindTimeout     ErrorKind = "timeout"
)

// Error is a classified upstream failure
type Error struct {
	Kind   ErrorKind
	Status int // upstream status for KindStatus
	Err    error
}

func (e *Error) Error() string {
	if e.Kind == KindStatus {
		return fmt.Sprintf("upstream %s: status %d", e.Kind, e.Status)
	}
	return fmt.Sprintf("upstream %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the failure to the status returned to callers
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindUnavailable, KindTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// AsError extracts a *Error, classifying unknown errors as transport failures
func AsError(err error) *Error {
	var de *Error
	if stderrors.As(err, &de) {
		return de
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindTransport, Err: err}
}
