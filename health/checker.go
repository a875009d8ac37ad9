package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360/edgegate/metric"
)

// Probe reports a component's health; nil means healthy
type Probe func(ctx context.Context) error

// Checker runs registered probes and records results in a Monitor
type Checker struct {
	mu      sync.RWMutex
	probes  map[string]probeEntry
	monitor *Monitor
	timeout time.Duration
	logger  *slog.Logger
	metrics *metric.Metrics
}

type probeEntry struct {
	probe Probe
	// critical probes make the aggregate unhealthy; others only degrade it
	critical bool
}

// CheckerOption configures a Checker
type CheckerOption func(*Checker)

// WithProbeTimeout bounds each probe
func WithProbeTimeout(d time.Duration) CheckerOption {
	return func(c *Checker) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) CheckerOption {
	return func(c *Checker) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics publishes per-component up/down gauges
func WithMetrics(m *metric.Metrics) CheckerOption {
	return func(c *Checker) {
		c.metrics = m
	}
}

// NewChecker creates a Checker with a 2s probe timeout
func NewChecker(opts ...CheckerOption) *Checker {
	c := &Checker{
		probes:  make(map[string]probeEntry),
		monitor: NewMonitor(),
		timeout: 2 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "health")
	return c
}

// Register adds a critical probe
func (c *Checker) Register(name string, probe Probe) {
	c.register(name, probe, true)
}

// RegisterOptional adds a probe whose failure only degrades overall health
func (c *Checker) RegisterOptional(name string, probe Probe) {
	c.register(name, probe, false)
}

func (c *Checker) register(name string, probe Probe, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = probeEntry{probe: probe, critical: critical}
}

// Names returns registered probe names in order
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.probes))
	for name := range c.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check runs all probes concurrently and returns the aggregate
func (c *Checker) Check(ctx context.Context, systemName string) Status {
	c.mu.RLock()
	probes := make(map[string]probeEntry, len(c.probes))
	for name, entry := range c.probes {
		probes[name] = entry
	}
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for name, entry := range probes {
		wg.Add(1)
		go func(name string, entry probeEntry) {
			defer wg.Done()
			c.monitor.Record(c.run(ctx, name, entry))
		}(name, entry)
	}
	wg.Wait()

	return c.monitor.Rollup(systemName)
}

func (c *Checker) run(ctx context.Context, name string, entry probeEntry) Status {
	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := entry.probe(probeCtx)
	elapsed := time.Since(start)

	c.metrics.RecordComponentHealth(name, err == nil)

	stats := &ProbeStats{Latency: elapsed}
	if prev, ok := c.monitor.Get(name); ok && prev.Probe != nil {
		stats.ErrorCount = prev.Probe.ErrorCount
		stats.LastOK = prev.Probe.LastOK
	}

	if err == nil {
		stats.LastOK = time.Now()
	} else {
		stats.ErrorCount++
		c.logger.Warn("Health probe failed", "probe", name, "critical", entry.critical, "error", err)
	}

	status := FromError(name, err, entry.critical)
	status.Probe = stats
	return status
}

// Monitor returns the underlying monitor
func (c *Checker) Monitor() *Monitor {
	return c.monitor
}
