// Package worker provides a generic bounded worker pool used by the
// data pipeline to drain its ingress queue concurrently.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/citypulse/core/metric"
)

// Pool is a generic worker pool processing work items of type T from a
// bounded queue. Submission is non-blocking: callers choose between
// rejecting on a full queue (Submit) and displacing the oldest queued
// item (SubmitDisplacing).
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	workChan chan T
	wg       *sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	metrics *poolMetrics
}

// poolMetrics holds Prometheus metrics for pool monitoring.
type poolMetrics struct {
	queueDepth     prometheus.Gauge
	submitted      prometheus.Counter
	processed      prometheus.Counter
	failed         prometheus.Counter
	dropped        prometheus.Counter
	processingTime *prometheus.HistogramVec
}

// Option configures a Pool.
type Option[T any] func(*Pool[T]) error

// WithMetrics registers pool metrics with the shared registry under the
// given component prefix.
func WithMetrics[T any](registry *metric.Registry, component string) Option[T] {
	return func(p *Pool[T]) error {
		if registry == nil || component == "" {
			return nil
		}
		return p.initMetrics(registry, component)
	}
}

// NewPool creates a pool with the given worker count, queue size, and
// processor. Zero or negative sizes fall back to defaults.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) (*Pool[T], error) {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
	}

	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func (p *Pool[T]) initMetrics(registry *metric.Registry, component string) error {
	labels := prometheus.Labels{"component": component}

	m := &poolMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace, Subsystem: "worker",
			Name: "queue_depth", ConstLabels: labels,
			Help: "Current work queue depth",
		}),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "worker",
			Name: "submitted_total", ConstLabels: labels,
			Help: "Total work items submitted",
		}),
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "worker",
			Name: "processed_total", ConstLabels: labels,
			Help: "Total work items processed",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "worker",
			Name: "failed_total", ConstLabels: labels,
			Help: "Total work items that failed processing",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "worker",
			Name: "dropped_total", ConstLabels: labels,
			Help: "Total work items dropped from a full queue",
		}),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace, Subsystem: "worker",
			Name: "processing_duration_seconds", ConstLabels: labels,
			Help:    "Time spent processing work items",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"status"}),
	}

	for name, c := range map[string]prometheus.Collector{
		"queue_depth":                 m.queueDepth,
		"submitted_total":             m.submitted,
		"processed_total":             m.processed,
		"failed_total":                m.failed,
		"dropped_total":               m.dropped,
		"processing_duration_seconds": m.processingTime,
	} {
		if err := registry.RegisterCollector(component, name, c); err != nil {
			return err
		}
	}

	p.metrics = m
	return nil
}

// Submit enqueues work, rejecting with ErrQueueFull when at capacity.
// The lifecycle lock is held across the send so Stop cannot close the
// queue mid-submission.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if err := p.checkRunningLocked(); err != nil {
		return err
	}

	select {
	case p.workChan <- work:
		p.recordSubmit()
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitDisplacing enqueues work, evicting the oldest queued item when
// the queue is full. The eviction is counted; the evicted item (if any)
// is returned so the caller can report the loss. ErrQueueFull is only
// returned when the new item could not be enqueued even after eviction.
func (p *Pool[T]) SubmitDisplacing(work T) (evicted T, wasEvicted bool, err error) {
	var zero T

	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if err := p.checkRunningLocked(); err != nil {
		return zero, false, err
	}

	select {
	case p.workChan <- work:
		p.recordSubmit()
		return zero, false, nil
	default:
	}

	// Queue full: evict the oldest queued item and retry once. A worker
	// racing us may empty the slot first, in which case nothing is lost.
	select {
	case evicted = <-p.workChan:
		wasEvicted = true
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
	default:
	}

	select {
	case p.workChan <- work:
		p.recordSubmit()
		return evicted, wasEvicted, nil
	default:
		return evicted, wasEvicted, ErrQueueFull
	}
}

func (p *Pool[T]) checkRunningLocked() error {
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}
	return nil
}

func (p *Pool[T]) recordSubmit() {
	p.submitted.Add(1)
	if p.metrics != nil {
		p.metrics.submitted.Inc()
		p.metrics.queueDepth.Set(float64(len(p.workChan)))
	}
}

// Start starts the pool workers. The context governs worker lifetime.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	p.wg = &sync.WaitGroup{}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.started = true
	return nil
}

// Stop closes the queue and waits up to timeout for workers to drain
// in-flight work.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.stopped {
		return nil
	}
	p.stopped = true
	close(p.workChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics.
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

// PoolStats represents worker pool statistics.
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}

			start := time.Now()
			err := p.processor(ctx, work)
			duration := time.Since(start)

			p.processed.Add(1)
			if err != nil {
				p.failed.Add(1)
			}

			if p.metrics != nil {
				p.metrics.processed.Inc()
				p.metrics.queueDepth.Set(float64(len(p.workChan)))
				status := "success"
				if err != nil {
					p.metrics.failed.Inc()
					status = "error"
				}
				p.metrics.processingTime.WithLabelValues(status).Observe(duration.Seconds())
			}
		}
	}
}
