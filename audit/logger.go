package audit

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/c360/edgegate/metric"
	"github.com/c360/edgegate/pkg/worker"
)

// Sink persists audit events
type Sink interface {
	Write(ctx context.Context, e Event) error
	Name() string
}

// Config configures a Logger
type Config struct {
	Workers   int `json:"workers"`
	QueueSize int `json:"queue_size"`
	// WriteTimeout bounds each sink write
	WriteTimeout time.Duration `json:"write_timeout"`
	// FailureLogInterval throttles sink failure logs
	FailureLogInterval time.Duration `json:"failure_log_interval"`
}

// DefaultConfig returns two workers over a 4096-event queue
func DefaultConfig() Config {
	return Config{
		Workers:            2,
		QueueSize:          4096,
		WriteTimeout:       2 * time.Second,
		FailureLogInterval: 30 * time.Second,
	}
}

// Logger fans events out to sinks on a worker pool
type Logger struct {
	sinks   []Sink
	pool    *worker.Pool[Event]
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
	metrics *metric.Metrics

	failureLog rate.Sometimes
	dropLog    rate.Sometimes
}

// Option configures a Logger
type Option func(*Logger)

// WithLogger sets the operational logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *Logger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics counts sent, failed and dropped events
func WithMetrics(m *metric.Metrics) Option {
	return func(l *Logger) {
		l.metrics = m
	}
}

// WithClock overrides the event timestamp source
func WithClock(now func() time.Time) Option {
	return func(l *Logger) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLogger creates a Logger. Call Start before Emit.
func NewLogger(cfg Config, sinks []Sink, registry *metric.MetricsRegistry, opts ...Option) *Logger {
	def := DefaultConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.FailureLogInterval <= 0 {
		cfg.FailureLogInterval = def.FailureLogInterval
	}

	l := &Logger{
		sinks:  sinks,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "audit")
	l.failureLog = rate.Sometimes{First: 1, Interval: cfg.FailureLogInterval}
	l.dropLog = rate.Sometimes{First: 1, Interval: cfg.FailureLogInterval}

	var poolOpts []worker.Option[Event]
	if registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[Event](registry, "edgegate_audit_pool"))
	}
	l.pool = worker.NewPool(cfg.Workers, cfg.QueueSize, l.deliver, poolOpts...)
	return l
}

// Start launches the delivery workers
func (l *Logger) Start(ctx context.Context) error {
	return l.pool.Start(ctx)
}

// Stop drains queued events for up to timeout
func (l *Logger) Stop(timeout time.Duration) error {
	return l.pool.Stop(timeout)
}

// Stats returns delivery pool statistics
func (l *Logger) Stats() worker.PoolStats {
	return l.pool.Stats()
}

// Sinks returns the configured sinks
func (l *Logger) Sinks() []Sink {
	return l.sinks
}

// Emit enqueues e without blocking. ID and Timestamp are filled when empty.
func (l *Logger) Emit(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}

	if err := l.pool.Submit(e); err != nil {
		l.metrics.RecordAuditEvent(string(e.Kind), "dropped")
		l.dropLog.Do(func() {
			l.logger.Warn("Audit event dropped", "kind", e.Kind, "reason", dropReason(err))
		})
	}
}

func dropReason(err error) string {
	switch {
	case stderrors.Is(err, worker.ErrQueueFull):
		return "queue_full"
	case stderrors.Is(err, worker.ErrPoolStopped):
		return "stopped"
	case stderrors.Is(err, worker.ErrPoolNotStarted):
		return "not_started"
	default:
		return err.Error()
	}
}

func (l *Logger) deliver(ctx context.Context, e Event) error {
	var firstErr error
	for _, sink := range l.sinks {
		writeCtx, cancel := context.WithTimeout(ctx, l.cfg.WriteTimeout)
		err := sink.Write(writeCtx, e)
		cancel()

		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			l.metrics.RecordAuditEvent(string(e.Kind), "failed")
			l.failureLog.Do(func() {
				l.logger.Warn("Audit sink write failed", "sink", sink.Name(), "kind", e.Kind, "error", err)
			})
			continue
		}
		l.metrics.RecordAuditEvent(string(e.Kind), "sent")
	}
	return firstErr
}
