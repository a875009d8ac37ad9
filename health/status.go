// Package health tracks per-component health for the gateway's /health surface.
//
// A Checker runs named probes (store ping, NATS connectivity, audit delivery)
// and records the results in a Monitor; Rollup folds component results into
// one healthy/degraded/unhealthy answer. Failure messages are scrubbed of URLs,
// addresses and credentials before they are exposed.
package health

import (
	"encoding/json"
	"regexp"
	"slices"
	"time"
)

// State is a component's health
type State int

const (
	StateHealthy State = iota
	StateDegraded
	StateUnhealthy
)

// String returns the wire name of the state
func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	default:
		return "unhealthy"
	}
}

// MarshalJSON encodes the state by name
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Status is one component's (or the system's) health at a point in time
type Status struct {
	Component  string      `json:"component"`
	State      State       `json:"status"`
	Message    string      `json:"message,omitempty"`
	CheckedAt  time.Time   `json:"checked_at"`
	Probe      *ProbeStats `json:"probe,omitempty"`
	Components []Status    `json:"components,omitempty"`
}

// ProbeStats carries per-probe history across checks
type ProbeStats struct {
	Latency    time.Duration `json:"latency"`
	ErrorCount int           `json:"error_count"`
	LastOK     time.Time     `json:"last_ok,omitempty"`
}

// Healthy reports whether the state is StateHealthy
func (s Status) Healthy() bool { return s.State == StateHealthy }

// Serving reports whether the gateway should keep taking traffic; degraded
// components do not stop it.
func (s Status) Serving() bool { return s.State != StateUnhealthy }

func newStatus(component string, state State, message string) Status {
	return Status{
		Component: component,
		State:     state,
		Message:   message,
		CheckedAt: time.Now(),
	}
}

// FromError builds a status from a probe result. A nil error is healthy;
// otherwise the state is unhealthy for critical probes and degraded for
// optional ones.
func FromError(name string, err error, critical bool) Status {
	switch {
	case err == nil:
		return newStatus(name, StateHealthy, "ok")
	case critical:
		return newStatus(name, StateUnhealthy, sanitizeErrorMessage(err.Error()))
	default:
		return newStatus(name, StateDegraded, sanitizeErrorMessage(err.Error()))
	}
}

// Rollup takes the worst state of components. The result owns a sorted copy
// of components.
func Rollup(system string, components []Status) Status {
	worst := StateHealthy
	for _, c := range components {
		worst = max(worst, c.State)
	}

	var msg string
	switch worst {
	case StateHealthy:
		msg = "all components healthy"
	case StateDegraded:
		msg = "optional components failing"
	default:
		msg = "critical components failing"
	}

	out := newStatus(system, worst, msg)
	out.Components = slices.Clone(components)
	slices.SortFunc(out.Components, func(a, b Status) int {
		switch {
		case a.Component < b.Component:
			return -1
		case a.Component > b.Component:
			return 1
		}
		return 0
	})
	return out
}

var scrubbers = []struct {
	re   *regexp.Regexp
	repl string
}{
	// URLs before paths
	{regexp.MustCompile(`(?:https?|nats|wss?|redis|rediss)://[^\s]+`), "[URL]"},
	{regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`), "[PATH]"},
	{regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`), "[IP]"},
	{regexp.MustCompile(`:\d{2,5}\b`), "[PORT]"},
	{regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`), "[REDACTED]"},
}

// sanitizeErrorMessage strips URLs, paths, addresses, ports and credential
// pairs from probe errors before they reach /health.
func sanitizeErrorMessage(msg string) string {
	for _, s := range scrubbers {
		msg = s.re.ReplaceAllString(msg, s.repl)
	}
	return msg
}
