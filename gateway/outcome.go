package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/c360/edgegate/audit"
)

// OutcomeKind is the terminal result of one pipeline stage
type OutcomeKind string

// Outcome kinds, mapped to HTTP status and audit kind in one place
const (
	OutcomeOK                   OutcomeKind = "ok"
	OutcomeAuthenticationFailed OutcomeKind = "authentication_failed"
	OutcomeAccessDenied         OutcomeKind = "access_denied"
	OutcomeRateLimitExceeded    OutcomeKind = "rate_limit_exceeded"
	OutcomeRouteNotFound        OutcomeKind = "route_not_found"
	OutcomeMethodNotAllowed     OutcomeKind = "method_not_allowed"
	OutcomeRequestTooLarge      OutcomeKind = "request_too_large"
	OutcomeUpstreamUnavailable  OutcomeKind = "upstream_unavailable"
	OutcomeInternalError        OutcomeKind = "internal_error"
)

// Outcome is a failed stage result. Fields are merged into the JSON error body.
type Outcome struct {
	Kind    OutcomeKind
	Status  int
	Message string
	Fields  map[string]any
	// Detail goes to the audit event only
	Detail map[string]any
}

func (o *Outcome) auditKind() audit.Kind {
	switch o.Kind {
	case OutcomeAuthenticationFailed:
		return audit.KindAuthFailed
	case OutcomeAccessDenied, OutcomeRouteNotFound, OutcomeMethodNotAllowed, OutcomeRequestTooLarge:
		// detail.outcome tells these apart
		return audit.KindAccessDenied
	case OutcomeRateLimitExceeded:
		return audit.KindRateLimited
	case OutcomeUpstreamUnavailable:
		return audit.KindUpstreamError
	case OutcomeOK:
		return audit.KindRequestOK
	default:
		return audit.KindInternalError
	}
}

func authFailed(reason string) *Outcome {
	return &Outcome{
		Kind:    OutcomeAuthenticationFailed,
		Status:  http.StatusUnauthorized,
		Message: "valid credential required",
		Detail:  map[string]any{"reason": reason},
	}
}

func internalError(requestID string, detail map[string]any) *Outcome {
	return &Outcome{
		Kind:    OutcomeInternalError,
		Status:  http.StatusInternalServerError,
		Message: "internal server error",
		Fields:  map[string]any{"request_id": requestID},
		Detail:  detail,
	}
}

// writeError writes the JSON error body {error, message, code, ...fields}
func writeError(w http.ResponseWriter, o *Outcome) {
	body := make(map[string]any, len(o.Fields)+3)
	for k, v := range o.Fields {
		body[k] = v
	}
	body["error"] = string(o.Kind)
	body["message"] = o.Message
	body["code"] = o.Status
	writeJSON(w, o.Status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		data = []byte(`{"error":"internal_error","message":"internal server error","code":500}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
