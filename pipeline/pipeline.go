// Package pipeline implements the ingestion path: connectors submit raw
// observations, a bounded worker pool normalizes and appends them to the
// domain series store, and every accepted point is announced on the
// event bus as a data_update.
//
// Backpressure is explicit. A full ingress queue rejects the submission;
// a persistently full queue instead evicts the oldest queued item so
// fresh data keeps flowing, with every loss counted.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/citypulse/core/errors"
	"github.com/citypulse/core/health"
	"github.com/citypulse/core/metric"
	"github.com/citypulse/core/pkg/worker"
	"github.com/citypulse/core/series"
	"github.com/citypulse/core/types"
)

// Defaults applied by NewPipeline for zero-valued config fields.
const (
	DefaultWorkers            = 4
	DefaultQueueSize          = 512
	DefaultCompactionInterval = time.Minute

	// persistentlyFullAfter is how many consecutive full-queue rejects
	// flip the pipeline into drop-oldest degradation.
	persistentlyFullAfter = 3
)

// Publisher is the slice of the event bus the pipeline needs.
type Publisher interface {
	Publish(types.Event)
}

// Config holds pipeline tuning knobs.
type Config struct {
	Workers            int           `yaml:"workers"`
	QueueSize          int           `yaml:"queue_size"`
	CompactionInterval time.Duration `yaml:"compaction_interval"`
	// RequiredFields lists per-domain numeric fields a submission must
	// carry to be accepted.
	RequiredFields map[types.DomainID][]string `yaml:"required_fields"`
}

// Pipeline ingests connector submissions into the series store.
type Pipeline struct {
	store  *series.Store
	bus    Publisher
	clock  clockwork.Clock
	logger *slog.Logger

	pool           *worker.Pool[types.DataPoint]
	requiredFields map[types.DomainID][]string
	compactEvery   time.Duration

	metrics *metric.Registry
	dropLog *rate.Limiter // throttles degradation log lines

	accepted        atomic.Int64
	rejected        atomic.Int64
	droppedOldest   atomic.Int64
	consecutiveFull atomic.Int32

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	startTime   time.Time
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger.With("component", "pipeline") }
}

// WithClock injects the clock used for compaction scheduling.
func WithClock(clock clockwork.Clock) Option {
	return func(p *Pipeline) { p.clock = clock }
}

// WithMetrics registers pipeline metrics on the shared registry.
func WithMetrics(registry *metric.Registry) Option {
	return func(p *Pipeline) { p.metrics = registry }
}

// NewPipeline creates a pipeline over the given store and bus.
func NewPipeline(cfg Config, store *series.Store, publisher Publisher, opts ...Option) (*Pipeline, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.CompactionInterval <= 0 {
		cfg.CompactionInterval = DefaultCompactionInterval
	}
	if cfg.RequiredFields == nil {
		cfg.RequiredFields = map[types.DomainID][]string{}
	}

	p := &Pipeline{
		store:          store,
		bus:            publisher,
		clock:          clockwork.NewRealClock(),
		logger:         slog.Default().With("component", "pipeline"),
		requiredFields: cfg.RequiredFields,
		compactEvery:   cfg.CompactionInterval,
		dropLog:        rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
	for _, opt := range opts {
		opt(p)
	}

	var poolOpts []worker.Option[types.DataPoint]
	if p.metrics != nil {
		poolOpts = append(poolOpts, worker.WithMetrics[types.DataPoint](p.metrics, "pipeline"))
	}

	pool, err := worker.NewPool(cfg.Workers, cfg.QueueSize, p.process, poolOpts...)
	if err != nil {
		return nil, errors.WrapFatal(err, "Pipeline", "NewPipeline", "ingress queue allocation")
	}
	p.pool = pool

	return p, nil
}

// Submit accepts one observation for a domain. The payload must carry a
// timestamp plus the domain's required numeric fields. Validation
// failures and backpressure return classified errors; accepted
// submissions are processed asynchronously.
func (p *Pipeline) Submit(domain types.DomainID, payload map[string]any) error {
	point, err := p.normalize(domain, payload)
	if err != nil {
		p.rejected.Add(1)
		if p.metrics != nil {
			p.metrics.Core.PointsRejected.WithLabelValues(string(domain), "validation").Inc()
		}
		return err
	}

	if err := p.pool.Submit(point); err == nil {
		p.consecutiveFull.Store(0)
		return nil
	}

	// Queue full. Reject until it proves persistent, then degrade by
	// evicting the oldest queued item so new data is not starved.
	if p.consecutiveFull.Add(1) <= persistentlyFullAfter {
		p.rejected.Add(1)
		if p.metrics != nil {
			p.metrics.Core.PointsRejected.WithLabelValues(string(domain), "backpressure").Inc()
		}
		return errors.WrapTransient(errors.ErrBackpressure, "Pipeline", "Submit", "ingress enqueue")
	}

	evicted, wasEvicted, err := p.pool.SubmitDisplacing(point)
	if err != nil {
		p.rejected.Add(1)
		if p.metrics != nil {
			p.metrics.Core.PointsRejected.WithLabelValues(string(domain), "backpressure").Inc()
		}
		return errors.WrapTransient(errors.ErrBackpressure, "Pipeline", "Submit", "ingress enqueue")
	}
	if wasEvicted {
		p.droppedOldest.Add(1)
		if p.dropLog.Allow() {
			p.logger.Warn("ingress queue persistently full, dropping oldest queued point",
				"evicted_domain", evicted.Domain,
				"dropped_total", p.droppedOldest.Load())
		}
	}
	return nil
}

// process is the worker body: append to the store and announce.
func (p *Pipeline) process(_ context.Context, point types.DataPoint) error {
	start := time.Now()
	p.store.Append(point.Clone())
	p.accepted.Add(1)

	if p.metrics != nil {
		p.metrics.Core.PointsIngested.WithLabelValues(string(point.Domain)).Inc()
		p.metrics.Core.ProcessingDuration.
			WithLabelValues(string(point.Domain), "success").
			Observe(time.Since(start).Seconds())
	}

	p.bus.Publish(types.NewEvent(types.EventDataUpdate, point.Domain, point, p.clock.Now()))
	return nil
}

// Start launches the worker pool and the retention compaction loop.
func (p *Pipeline) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Pipeline", "Start", "lifecycle check")
	}

	ctx, p.cancel = context.WithCancel(ctx)
	if err := p.pool.Start(ctx); err != nil {
		return errors.Wrap(err, "Pipeline", "Start", "worker pool start")
	}

	p.wg.Add(1)
	go p.compactionLoop(ctx)

	p.started = true
	p.startTime = p.clock.Now()
	p.logger.Info("pipeline started",
		"workers", p.pool.Stats().Workers,
		"queue_size", p.pool.Stats().QueueSize)
	return nil
}

// Stop stops accepting work, drains in-flight submissions up to
// timeout, and halts compaction. Stop is idempotent.
func (p *Pipeline) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.stopped {
		return nil
	}
	p.stopped = true

	err := p.pool.Stop(timeout)
	p.cancel()
	p.wg.Wait()

	if err != nil {
		return errors.Wrap(err, "Pipeline", "Stop", "worker pool drain")
	}
	p.logger.Info("pipeline stopped", "accepted", p.accepted.Load(), "dropped", p.droppedOldest.Load())
	return nil
}

func (p *Pipeline) compactionLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := p.clock.NewTicker(p.compactEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if removed := p.store.Compact(); removed > 0 {
				p.logger.Debug("retention compaction", "evicted", removed)
			}
		}
	}
}

// Stats describes pipeline throughput and queue state.
type Stats struct {
	QueueDepth     int     `json:"queue_depth"`
	QueueSize      int     `json:"queue_size"`
	Accepted       int64   `json:"accepted"`
	Rejected       int64   `json:"rejected"`
	DroppedOldest  int64   `json:"dropped_oldest"`
	EvictedByAge   int64   `json:"evicted_by_age"`
	ProcessingRate float64 `json:"processing_rate"` // points per second since start
}

// Stats returns a snapshot of pipeline counters.
func (p *Pipeline) Stats() Stats {
	poolStats := p.pool.Stats()

	s := Stats{
		QueueDepth:    poolStats.QueueDepth,
		QueueSize:     poolStats.QueueSize,
		Accepted:      p.accepted.Load(),
		Rejected:      p.rejected.Load(),
		DroppedOldest: p.droppedOldest.Load(),
		EvictedByAge:  p.store.Evicted(),
	}

	p.lifecycleMu.Lock()
	start := p.startTime
	p.lifecycleMu.Unlock()
	if !start.IsZero() {
		if elapsed := p.clock.Now().Sub(start).Seconds(); elapsed > 0 {
			s.ProcessingRate = float64(s.Accepted) / elapsed
		}
	}
	return s
}

// Health reports pipeline health: degraded once the queue saturates or
// degradation drops have occurred.
func (p *Pipeline) Health() health.Status {
	stats := p.Stats()

	m := &health.Metrics{
		ItemsProcessed: stats.Accepted,
		ItemsDropped:   stats.DroppedOldest,
		QueueDepth:     stats.QueueDepth,
		ProcessingRate: stats.ProcessingRate,
	}
	if stats.QueueSize > 0 {
		m.QueueUtilized = float64(stats.QueueDepth) / float64(stats.QueueSize)
	}

	switch {
	case !p.isStarted():
		return health.NewUnhealthy("pipeline", "not started").WithMetrics(m)
	case m.QueueUtilized > 0.8:
		return health.NewDegraded("pipeline", "ingress queue saturated").WithMetrics(m)
	default:
		return health.NewHealthy("pipeline", "ingesting").WithMetrics(m)
	}
}

func (p *Pipeline) isStarted() bool {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	return p.started && !p.stopped
}
