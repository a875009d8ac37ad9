// Package metric provides Prometheus-based metrics collection and an HTTP
// server exposing them for edgegate.
//
// A MetricsRegistry owns a dedicated prometheus.Registry holding the core
// gateway metrics (requests by outcome, cache lookups, rate limiter decisions,
// upstream and store errors, audit delivery, component health) plus Go runtime
// collectors. Components register their own collectors through the Register
// methods, keyed by component and metric name, and Unregister them on stop.
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(":9090", "/metrics", registry)
//	go server.Start()
//
//	registry.CoreMetrics().RecordCacheLookup("hit")
//
// All Record helpers on *Metrics tolerate a nil receiver.
package metric
