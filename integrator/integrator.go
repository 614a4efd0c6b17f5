// Package integrator wires the core together: it constructs and owns
// the series store, data pipeline, correlator, alert manager, event
// bus, and component registry, and orchestrates ordered startup and
// shutdown around them. Nothing in here sits on the hot data path; the
// integrator mediates construction, lifecycle, and read-only queries.
package integrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/citypulse/core/alert"
	"github.com/citypulse/core/bus"
	"github.com/citypulse/core/correlator"
	"github.com/citypulse/core/errors"
	"github.com/citypulse/core/health"
	"github.com/citypulse/core/metric"
	"github.com/citypulse/core/pipeline"
	"github.com/citypulse/core/registry"
	"github.com/citypulse/core/series"
)

// DefaultStageTimeout bounds how long startup or shutdown waits for
// one stage of managed components before proceeding.
const DefaultStageTimeout = 10 * time.Second

// Component is an in-process collaborator managed by the integrator:
// a domain connector, a prediction model, or a visualization consumer.
// The integrator registers it, starts it in its stage, and heartbeats
// on its behalf are the component's own responsibility.
type Component interface {
	Name() string
	Kind() registry.Kind
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// Config aggregates the per-component configuration.
type Config struct {
	Pipeline     pipeline.Config   `yaml:"pipeline"`
	Correlator   correlator.Config `yaml:"correlator"`
	Retention    time.Duration     `yaml:"retention"`
	StageTimeout time.Duration     `yaml:"stage_timeout"`

	AlertInterval time.Duration     `yaml:"alert_interval"`
	Thresholds    []alert.Threshold `yaml:"thresholds"`

	RegistryGrace    time.Duration `yaml:"registry_grace"`
	RegistryInactive time.Duration `yaml:"registry_inactive"`
}

// Integrator owns the core components and the managed collaborators.
type Integrator struct {
	clock  clockwork.Clock
	logger *slog.Logger

	store      *series.Store
	bus        *bus.Bus
	pipeline   *pipeline.Pipeline
	correlator *correlator.Correlator
	alerts     *alert.Manager
	registry   *registry.Registry
	monitor    *health.Monitor

	stageTimeout time.Duration
	components   []Component

	handlesMu sync.Mutex
	handles   map[string]registry.Handle

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	startTime   time.Time
}

// Option configures an Integrator.
type Option func(*options)

type options struct {
	clock      clockwork.Clock
	logger     *slog.Logger
	metrics    *metric.Registry
	components []Component
}

// WithLogger sets the base logger. Component loggers derive from it.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock injects the clock shared by every owned component.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithMetrics registers component metrics on the shared registry.
func WithMetrics(registry *metric.Registry) Option {
	return func(o *options) { o.metrics = registry }
}

// WithComponents attaches managed collaborators started in kind order.
func WithComponents(components ...Component) Option {
	return func(o *options) { o.components = append(o.components, components...) }
}

// New constructs the core. Every owned component shares one clock and
// derives its logger from the integrator's; no package-level state is
// involved.
func New(cfg Config, opts ...Option) (*Integrator, error) {
	o := &options{
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = DefaultStageTimeout
	}

	i := &Integrator{
		clock:        o.clock,
		logger:       o.logger.With("component", "integrator"),
		stageTimeout: cfg.StageTimeout,
		components:   o.components,
		handles:      make(map[string]registry.Handle),
		monitor:      health.NewMonitor(),
	}

	i.store = series.NewStore(cfg.Retention, o.clock)

	busOpts := []bus.Option{bus.WithClock(o.clock), bus.WithLogger(o.logger)}
	if o.metrics != nil {
		busOpts = append(busOpts, bus.WithMetrics(o.metrics))
	}
	i.bus = bus.New(busOpts...)

	pipeOpts := []pipeline.Option{pipeline.WithClock(o.clock), pipeline.WithLogger(o.logger)}
	if o.metrics != nil {
		pipeOpts = append(pipeOpts, pipeline.WithMetrics(o.metrics))
	}
	p, err := pipeline.NewPipeline(cfg.Pipeline, i.store, i.bus, pipeOpts...)
	if err != nil {
		return nil, errors.WrapFatal(err, "Integrator", "New", "pipeline construction")
	}
	i.pipeline = p

	i.correlator = correlator.New(cfg.Correlator, i.store, i.bus,
		correlator.WithClock(o.clock), correlator.WithLogger(o.logger))

	alertOpts := []alert.Option{
		alert.WithClock(o.clock),
		alert.WithLogger(o.logger),
		alert.WithSampler(i.sampleMetrics),
	}
	if cfg.AlertInterval > 0 {
		alertOpts = append(alertOpts, alert.WithInterval(cfg.AlertInterval))
	}
	i.alerts = alert.NewManager(i.bus, alertOpts...)
	for _, t := range cfg.Thresholds {
		if err := i.alerts.ConfigureThreshold(t); err != nil {
			return nil, errors.WrapFatal(err, "Integrator", "New", "threshold configuration")
		}
	}

	i.registry = registry.New(
		registry.WithClock(o.clock),
		registry.WithLogger(o.logger),
		registry.WithTimeouts(cfg.RegistryGrace, cfg.RegistryInactive))

	return i, nil
}

// startupOrder is the staged order for managed components.
var startupOrder = []registry.Kind{registry.KindConnector, registry.KindModel, registry.KindVisualization}

// Start brings up the core, then the managed components stage by
// stage: connectors, then models, then visualization. A stage that
// does not come up within the stage timeout is logged and skipped
// past rather than blocking the rest of the system.
func (i *Integrator) Start(ctx context.Context) error {
	i.lifecycleMu.Lock()
	defer i.lifecycleMu.Unlock()

	if i.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Integrator", "Start", "lifecycle check")
	}

	if err := i.registry.Start(ctx); err != nil {
		return err
	}
	if err := i.pipeline.Start(ctx); err != nil {
		return err
	}
	if err := i.correlator.Start(ctx); err != nil {
		return err
	}
	if err := i.alerts.Start(ctx); err != nil {
		return err
	}

	for _, kind := range startupOrder {
		i.startStage(ctx, kind)
	}

	i.started = true
	i.startTime = i.clock.Now()
	i.logger.Info("system started", "managed_components", len(i.components))
	return nil
}

// startStage starts all managed components of one kind concurrently
// and waits up to the stage timeout for them to acknowledge readiness.
// Components receive the parent context: their background loops must
// outlive the stage, and one component's failure must not cancel its
// siblings. The timeout bounds only how long the stage is waited on.
func (i *Integrator) startStage(ctx context.Context, kind registry.Kind) {
	stage := i.byKind(kind)
	if len(stage) == 0 {
		return
	}

	var g errgroup.Group
	for _, c := range stage {
		c := c
		g.Go(func() error {
			handle, err := i.registry.Register(c.Name(), c.Kind())
			if err != nil {
				return err
			}
			i.handlesMu.Lock()
			i.handles[c.Name()] = handle
			i.handlesMu.Unlock()
			if err := c.Start(ctx); err != nil {
				faultErr := i.registry.ReportFault(handle, err.Error())
				if faultErr != nil {
					i.logger.Error("fault report failed", "component", c.Name(), "error", faultErr)
				}
				return fmt.Errorf("component %s: %w", c.Name(), err)
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	timer := i.clock.NewTimer(i.stageTimeout)
	defer timer.Stop()

	// Proceed anyway on error or stall: a broken stage must not take
	// the whole system down with it.
	select {
	case err := <-done:
		if err != nil {
			i.logger.Warn("stage startup incomplete", "kind", string(kind), "error", err)
		}
	case <-timer.Chan():
		i.logger.Warn("stage startup timed out", "kind", string(kind), "timeout", i.stageTimeout)
	case <-ctx.Done():
		i.logger.Warn("stage startup cancelled", "kind", string(kind), "error", ctx.Err())
	}
}

// Stop shuts the system down in reverse order: visualization, models,
// connectors, then the core components. Idempotent.
func (i *Integrator) Stop(timeout time.Duration) error {
	i.lifecycleMu.Lock()
	defer i.lifecycleMu.Unlock()

	if !i.started || i.stopped {
		return nil
	}
	i.stopped = true

	for idx := len(startupOrder) - 1; idx >= 0; idx-- {
		i.stopStage(startupOrder[idx], timeout)
	}

	var firstErr error
	for _, stop := range []func(time.Duration) error{
		i.alerts.Stop,
		i.correlator.Stop,
		i.pipeline.Stop,
		i.registry.Stop,
		i.bus.Stop,
	} {
		if err := stop(timeout); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	i.logger.Info("system stopped")
	return firstErr
}

func (i *Integrator) stopStage(kind registry.Kind, timeout time.Duration) {
	stage := i.byKind(kind)
	if len(stage) == 0 {
		return
	}

	var g errgroup.Group
	for _, c := range stage {
		c := c
		g.Go(func() error {
			if err := c.Stop(timeout); err != nil {
				return fmt.Errorf("component %s: %w", c.Name(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		i.logger.Warn("stage shutdown incomplete", "kind", string(kind), "error", err)
	}
}

func (i *Integrator) byKind(kind registry.Kind) []Component {
	var out []Component
	for _, c := range i.components {
		if c.Kind() == kind {
			out = append(out, c)
		}
	}
	return out
}

// sampleMetrics feeds the alert manager's periodic evaluation with
// live values from the owned components.
func (i *Integrator) sampleMetrics() map[string]float64 {
	stats := i.pipeline.Stats()
	busStats := i.bus.Stats()
	corrStats := i.correlator.Stats()

	return map[string]float64{
		"pipeline.queue_size":      float64(stats.QueueDepth),
		"pipeline.rejected":        float64(stats.Rejected),
		"pipeline.dropped_oldest":  float64(stats.DroppedOldest),
		"pipeline.processing_rate": stats.ProcessingRate,
		"bus.subscribers":          float64(i.bus.SubscriberCount()),
		"bus.dropped":              float64(busStats.DroppedEvents),
		"store.points":             float64(i.store.Snapshot().TotalPoints()),
		"correlator.anomalies":     float64(corrStats.Anomalies),
	}
}
