package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/edgegate/metric"
)

var (
	ErrPoolNotStarted     = errors.New("worker pool not started")
	ErrPoolStopped        = errors.New("worker pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
	ErrQueueFull          = errors.New("worker pool queue full")
	ErrNilProcessor       = errors.New("processor function cannot be nil")
	ErrStopTimeout        = errors.New("timeout waiting for workers to stop")
	ErrProcessorPanic     = errors.New("processor panicked")
)

// Item results, used as the metric label
const (
	resultSubmitted = "submitted"
	resultProcessed = "processed"
	resultFailed    = "failed"
	resultDropped   = "dropped"
)

// Pool runs a processor over submitted items on a fixed set of goroutines.
// Submit never blocks: when the queue is full the item is dropped.
type Pool[T any] struct {
	workers   int
	processor func(context.Context, T) error
	queue     chan T
	wg        sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	registry *metric.MetricsRegistry
	prefix   string
	items    *prometheus.CounterVec
	depth    prometheus.Gauge
	latency  prometheus.Histogram
}

// Option configures a Pool
type Option[T any] func(*Pool[T])

// WithMetricsRegistry exports <prefix>_items_total{result},
// <prefix>_queue_depth and <prefix>_processing_seconds.
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.registry = registry
		p.prefix = prefix
	}
}

// NewPool creates a pool; non-positive sizes default to 4 workers and a
// queue of 1024. It panics on a nil processor.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if processor == nil {
		panic(ErrNilProcessor)
	}
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 1024
	}

	p := &Pool[T]{
		workers:   workers,
		processor: processor,
		queue:     make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.registry != nil && p.prefix != "" {
		p.registerMetrics()
	}
	return p
}

func (p *Pool[T]) registerMetrics() {
	p.items = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: p.prefix + "_items_total",
		Help: "Work items by result",
	}, []string{"result"})
	p.depth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: p.prefix + "_queue_depth",
		Help: "Items waiting in the queue",
	})
	p.latency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    p.prefix + "_processing_seconds",
		Help:    "Time spent processing one item",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	// A failed registration leaves the collectors unexported but usable.
	_ = p.registry.RegisterCounterVec("worker_pool", p.prefix+"_items_total", p.items)
	_ = p.registry.RegisterGauge("worker_pool", p.prefix+"_queue_depth", p.depth)
	_ = p.registry.RegisterHistogram("worker_pool", p.prefix+"_processing_seconds", p.latency)
}

// unregisterMetrics frees the prefix so a replacement pool can export again.
// The collectors stay usable for stragglers.
func (p *Pool[T]) unregisterMetrics() {
	if p.items == nil {
		return
	}
	p.registry.Unregister("worker_pool", p.prefix+"_items_total")
	p.registry.Unregister("worker_pool", p.prefix+"_queue_depth")
	p.registry.Unregister("worker_pool", p.prefix+"_processing_seconds")
}

func (p *Pool[T]) count(result string, n *atomic.Int64) {
	n.Add(1)
	if p.items != nil {
		p.items.WithLabelValues(result).Inc()
		p.depth.Set(float64(len(p.queue)))
	}
}

// Start launches the workers. ctx reaches every processor call; cancelling
// it makes workers exit without draining.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrPoolAlreadyStarted
	}
	p.started = true

	p.wg.Add(p.workers)
	for range p.workers {
		go p.run(ctx)
	}
	return nil
}

// Submit enqueues item without blocking. ErrQueueFull means it was dropped.
func (p *Pool[T]) Submit(item T) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case !p.started:
		return ErrPoolNotStarted
	case p.stopped:
		return ErrPoolStopped
	}

	select {
	case p.queue <- item:
		p.count(resultSubmitted, &p.submitted)
		return nil
	default:
		p.count(resultDropped, &p.dropped)
		return ErrQueueFull
	}
}

// Stop closes the queue and waits up to timeout for queued work to drain
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()
	defer p.unregisterMetrics()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrStopTimeout
	}
}

// PoolStats is a snapshot of pool counters
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

// Stats returns current counters
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  cap(p.queue),
		QueueDepth: len(p.queue),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

func (p *Pool[T]) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-p.queue:
			if !ok {
				return
			}
			start := time.Now()
			err := p.process(ctx, item)
			if p.latency != nil {
				p.latency.Observe(time.Since(start).Seconds())
			}
			p.count(resultProcessed, &p.processed)
			if err != nil {
				p.count(resultFailed, &p.failed)
			}
		}
	}
}

// process runs the processor, turning a panic into ErrProcessorPanic
func (p *Pool[T]) process(ctx context.Context, item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrProcessorPanic, r)
		}
	}()
	return p.processor(ctx, item)
}
