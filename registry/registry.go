// Package registry tracks the liveness of external collaborators:
// domain connectors, prediction models, and visualization consumers.
// Components register once, then heartbeat; the registry is the only
// writer of component status, deriving it from heartbeat recency and
// self-reported faults.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/citypulse/core/errors"
	"github.com/citypulse/core/health"
)

// Kind classifies a registered component.
type Kind string

// Component kinds, in startup order.
const (
	KindConnector     Kind = "connector"
	KindModel         Kind = "model"
	KindVisualization Kind = "visualization"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindConnector, KindModel, KindVisualization:
		return true
	}
	return false
}

// Status is the registry-assigned liveness state.
type Status string

// Component statuses.
const (
	StatusActive   Status = "active"
	StatusDegraded Status = "degraded"
	StatusInactive Status = "inactive"
	StatusError    Status = "error"
)

// Record is the registry's view of one component.
type Record struct {
	Name          string    `json:"name"`
	Kind          Kind      `json:"kind"`
	Status        Status    `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	HealthMetric  float64   `json:"health_metric"`
	FaultMessage  string    `json:"fault_message,omitempty"`
}

// Handle identifies a registration for heartbeat and fault calls.
type Handle struct {
	id uuid.UUID
}

// String returns the handle's identifier.
func (h Handle) String() string { return h.id.String() }

// Defaults for the liveness monitor.
const (
	DefaultGracePeriod   = 30 * time.Second
	DefaultInactiveAfter = 2 * time.Minute
	DefaultSweepInterval = 5 * time.Second
)

type entry struct {
	record Record
}

// Registry owns the component records. Heartbeats arrive concurrently
// from many components, so the map is guarded by a RWMutex rather than
// snapshot-replace; reads vastly outnumber structural changes.
type Registry struct {
	clock  clockwork.Clock
	logger *slog.Logger

	grace         time.Duration
	inactiveAfter time.Duration
	sweepInterval time.Duration

	mu      sync.RWMutex
	entries map[uuid.UUID]*entry
	byName  map[string]uuid.UUID

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger.With("component", "registry") }
}

// WithClock injects the clock used for heartbeat bookkeeping.
func WithClock(clock clockwork.Clock) Option {
	return func(r *Registry) { r.clock = clock }
}

// WithTimeouts overrides the grace period and inactive timeout.
func WithTimeouts(grace, inactiveAfter time.Duration) Option {
	return func(r *Registry) {
		if grace > 0 {
			r.grace = grace
		}
		if inactiveAfter > 0 {
			r.inactiveAfter = inactiveAfter
		}
	}
}

// WithSweepInterval overrides the monitor cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.sweepInterval = d
		}
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		clock:         clockwork.NewRealClock(),
		logger:        slog.Default().With("component", "registry"),
		grace:         DefaultGracePeriod,
		inactiveAfter: DefaultInactiveAfter,
		sweepInterval: DefaultSweepInterval,
		entries:       make(map[uuid.UUID]*entry),
		byName:        make(map[string]uuid.UUID),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a component and returns its handle. Names are unique;
// re-registering a name replaces the old registration, which covers a
// component restarting without a clean deregister.
func (r *Registry) Register(name string, kind Kind) (Handle, error) {
	if name == "" {
		return Handle{}, errors.WrapInvalid(
			fmt.Errorf("%w: component name is required", errors.ErrValidation),
			"Registry", "Register", "name check")
	}
	if !kind.Valid() {
		return Handle{}, errors.WrapInvalid(
			fmt.Errorf("%w: unknown component kind %q", errors.ErrValidation, kind),
			"Registry", "Register", "kind check")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byName[name]; ok {
		delete(r.entries, old)
	}

	id := uuid.New()
	r.entries[id] = &entry{record: Record{
		Name:          name,
		Kind:          kind,
		Status:        StatusActive,
		LastHeartbeat: r.clock.Now(),
	}}
	r.byName[name] = id

	r.logger.Info("component registered", "name", name, "kind", string(kind))
	return Handle{id: id}, nil
}

// Deregister removes a component.
func (r *Registry) Deregister(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[h.id]
	if !ok {
		return errors.WrapInvalid(errors.ErrUnknownHandle, "Registry", "Deregister", "handle lookup")
	}
	delete(r.byName, e.record.Name)
	delete(r.entries, h.id)
	r.logger.Info("component deregistered", "name", e.record.Name)
	return nil
}

// Heartbeat records component liveness and its self-reported health
// metric. A heartbeat clears degraded and inactive states but never an
// error state; a faulted component must re-register.
func (r *Registry) Heartbeat(h Handle, healthMetric float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[h.id]
	if !ok {
		return errors.WrapInvalid(errors.ErrUnknownHandle, "Registry", "Heartbeat", "handle lookup")
	}

	e.record.LastHeartbeat = r.clock.Now()
	e.record.HealthMetric = healthMetric
	if e.record.Status != StatusError {
		e.record.Status = StatusActive
	}
	return nil
}

// ReportFault marks a component as errored with the given message.
func (r *Registry) ReportFault(h Handle, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[h.id]
	if !ok {
		return errors.WrapInvalid(errors.ErrUnknownHandle, "Registry", "ReportFault", "handle lookup")
	}

	e.record.Status = StatusError
	e.record.FaultMessage = message
	r.logger.Warn("component fault reported", "name", e.record.Name, "message", message)
	return nil
}

// Snapshot returns a copy of all records keyed by component name.
func (r *Registry) Snapshot() map[string]Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Record, len(r.entries))
	for _, e := range r.entries {
		out[e.record.Name] = e.record
	}
	return out
}

// ByKind returns records of one kind sorted by name.
func (r *Registry) ByKind(kind Kind) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Record
	for _, e := range r.entries {
		if e.record.Kind == kind {
			out = append(out, e.record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start launches the liveness monitor.
func (r *Registry) Start(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if r.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Registry", "Start", "lifecycle check")
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.monitor(ctx)

	r.started = true
	r.logger.Info("registry started", "grace", r.grace, "inactive_after", r.inactiveAfter)
	return nil
}

// Stop halts the liveness monitor. Idempotent.
func (r *Registry) Stop(timeout time.Duration) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if !r.started || r.stopped {
		return nil
	}
	r.stopped = true
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return errors.WrapTransient(errors.ErrShuttingDown, "Registry", "Stop", "monitor drain")
	}
}

func (r *Registry) monitor(ctx context.Context) {
	defer r.wg.Done()

	ticker := r.clock.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.Sweep()
		}
	}
}

// Sweep reclassifies components by heartbeat recency: late beyond the
// grace period is degraded, late beyond the inactive timeout is
// inactive. Errored components keep their error status until they
// re-register.
func (r *Registry) Sweep() {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.record.Status == StatusError {
			continue
		}

		late := now.Sub(e.record.LastHeartbeat)
		var next Status
		switch {
		case late > r.inactiveAfter:
			next = StatusInactive
		case late > r.grace:
			next = StatusDegraded
		default:
			next = StatusActive
		}

		if next != e.record.Status {
			r.logger.Warn("component status changed",
				"name", e.record.Name,
				"from", string(e.record.Status),
				"to", string(next),
				"heartbeat_age", late)
			e.record.Status = next
		}
	}
}

// Health reports registry health: degraded when any tracked component
// is not active.
func (r *Registry) Health() health.Status {
	r.mu.RLock()
	total := len(r.entries)
	unwell := 0
	for _, e := range r.entries {
		if e.record.Status != StatusActive {
			unwell++
		}
	}
	r.mu.RUnlock()

	msg := fmt.Sprintf("%d components, %d not active", total, unwell)
	if unwell > 0 {
		return health.NewDegraded("registry", msg)
	}
	return health.NewHealthy("registry", msg)
}
