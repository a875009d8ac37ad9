package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "edgegate"

// Metrics contains the gateway-wide request metrics
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	CacheLookups      *prometheus.CounterVec
	RateLimitDecision *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec
	StoreErrors       *prometheus.CounterVec
	AuditEvents       *prometheus.CounterVec
	ComponentUp       *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "requests",
				Name:      "total",
				Help:      "Requests handled, labelled by outcome and status code",
			},
			[]string{"outcome", "code"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "requests",
				Name:      "duration_seconds",
				Help:      "End-to-end request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"destination"},
		),

		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Response cache lookups (hit, miss, error, expired)",
			},
			[]string{"result"},
		),

		RateLimitDecision: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "decisions_total",
				Help:      "Rate limiter decisions by tier and result",
			},
			[]string{"tier", "result"},
		),

		UpstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "upstream",
				Name:      "errors_total",
				Help:      "Destination dispatch failures",
			},
			[]string{"destination", "reason"},
		),

		StoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "errors_total",
				Help:      "Shared key-value store failures by operation",
			},
			[]string{"operation"},
		),

		AuditEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "events_total",
				Help:      "Audit events by kind and delivery result",
			},
			[]string{"kind", "result"},
		),

		ComponentUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "component_up",
				Help:      "Component health (0=down, 1=up)",
			},
			[]string{"component"},
		),
	}
}

func (m *Metrics) mustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.CacheLookups,
		m.RateLimitDecision,
		m.UpstreamErrors,
		m.StoreErrors,
		m.AuditEvents,
		m.ComponentUp,
	)
}

// The Record helpers are nil-safe so components can run without a registry.

// RecordRequest counts one finished request
func (m *Metrics) RecordRequest(outcome, code, destination string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(outcome, code).Inc()
	if destination != "" {
		m.RequestDuration.WithLabelValues(destination).Observe(elapsed.Seconds())
	}
}

// RecordCacheLookup counts a response cache lookup
func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// RecordRateLimit counts a rate limiter decision
func (m *Metrics) RecordRateLimit(tier, result string) {
	if m == nil {
		return
	}
	m.RateLimitDecision.WithLabelValues(tier, result).Inc()
}

// RecordUpstreamError counts a destination failure
func (m *Metrics) RecordUpstreamError(destination, reason string) {
	if m == nil {
		return
	}
	m.UpstreamErrors.WithLabelValues(destination, reason).Inc()
}

// RecordStoreError counts a shared store failure
func (m *Metrics) RecordStoreError(operation string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(operation).Inc()
}

// RecordAuditEvent counts an audit event delivery result (sent, dropped, failed)
func (m *Metrics) RecordAuditEvent(kind, result string) {
	if m == nil {
		return
	}
	m.AuditEvents.WithLabelValues(kind, result).Inc()
}

// RecordComponentHealth sets the health gauge for a component
func (m *Metrics) RecordComponentHealth(component string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1.0
	}
	m.ComponentUp.WithLabelValues(component).Set(v)
}
