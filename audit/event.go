// Package audit emits structured audit events for request outcomes.
//
// Emission is fire-and-forget: Emit enqueues onto a bounded worker pool and
// returns immediately. A full queue drops the event. Sink failures are
// counted and logged at most once per interval; they never reach callers.
package audit

import (
	"time"
)

// Kind is the outcome an event records
type Kind string

// Event kinds
const (
	KindRequestOK     Kind = "request_ok"
	KindAuthFailed    Kind = "auth_failed"
	KindAccessDenied  Kind = "access_denied"
	KindRateLimited   Kind = "rate_limited"
	KindUpstreamError Kind = "upstream_error"
	KindInternalError Kind = "internal_error"
)

// Event is one append-only audit record
type Event struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"kind"`
	Timestamp   time.Time      `json:"timestamp"`
	RequestID   string         `json:"request_id,omitempty"`
	Method      string         `json:"method,omitempty"`
	Path        string         `json:"path"`
	PrincipalID *string        `json:"principal_id"`
	Status      int            `json:"status,omitempty"`
	LatencyMs   int64          `json:"latency_ms"`
	Detail      map[string]any `json:"detail,omitempty"`
}

// Principal returns a pointer suitable for Event.PrincipalID; empty ids are nil
func Principal(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}
