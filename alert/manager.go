package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/citypulse/core/errors"
	"github.com/citypulse/core/health"
	"github.com/citypulse/core/types"
)

// DefaultInterval is the default periodic evaluation cadence.
const DefaultInterval = 10 * time.Second

// historyLimit caps the retained resolved-alert history.
const historyLimit = 100

// Publisher is the slice of the event bus the manager needs.
type Publisher interface {
	Publish(types.Event)
}

// Sampler supplies current metric values, keyed by metric path. The
// integrator wires one that aggregates pipeline, bus, and store
// counters. Paths missing from a sample are simply not evaluated that
// cycle; their cooldowns still advance.
type Sampler func() map[string]float64

// thresholdState tracks one threshold's lifecycle.
type thresholdState struct {
	threshold Threshold
	level     Level
	active    *Alert
	// inBoundsSince is the instant the metric returned within bounds
	// while an alert was active; zero while violating.
	inBoundsSince time.Time
}

// Manager owns threshold configuration and the alert state machines.
type Manager struct {
	bus    Publisher
	clock  clockwork.Clock
	logger *slog.Logger

	interval time.Duration
	sampler  Sampler

	mu         sync.Mutex
	thresholds map[string]*thresholdState
	history    []Alert

	evaluations atomic.Int64
	raised      atomic.Int64
	resolved    atomic.Int64

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger.With("component", "alerts") }
}

// WithClock injects the clock used for cooldowns and scheduling.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithSampler attaches a metric sampler for the periodic evaluation
// loop. Without one the loop only sweeps cooldowns and callers drive
// evaluation through Evaluate directly.
func WithSampler(s Sampler) Option {
	return func(m *Manager) { m.sampler = s }
}

// WithInterval overrides the evaluation cadence.
func WithInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// NewManager creates an alert manager publishing to the given bus.
func NewManager(publisher Publisher, opts ...Option) *Manager {
	m := &Manager{
		bus:        publisher,
		clock:      clockwork.NewRealClock(),
		logger:     slog.Default().With("component", "alerts"),
		interval:   DefaultInterval,
		thresholds: make(map[string]*thresholdState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ConfigureThreshold installs or replaces the threshold for a metric
// path. Replacing a threshold keeps any active alert; the next
// evaluation applies the new levels.
func (m *Manager) ConfigureThreshold(t Threshold) error {
	if err := t.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.thresholds[t.MetricPath]; ok {
		existing.threshold = t
		return nil
	}
	m.thresholds[t.MetricPath] = &thresholdState{threshold: t, level: LevelOK}
	return nil
}

// Thresholds returns the configured thresholds sorted by metric path.
func (m *Manager) Thresholds() []Threshold {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Threshold, 0, len(m.thresholds))
	for _, st := range m.thresholds {
		out = append(out, st.threshold)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MetricPath < out[j].MetricPath })
	return out
}

// Evaluate applies one sampled value to the metric's threshold and
// returns the resulting transition, or nil when the state did not
// change. Evaluating a path with no configured threshold is an error.
func (m *Manager) Evaluate(metricPath string, value float64) (*Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.thresholds[metricPath]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: no threshold for metric %q", errors.ErrUnknownHandle, metricPath),
			"AlertManager", "Evaluate", "threshold lookup")
	}

	m.evaluations.Add(1)
	return m.apply(st, value, m.clock.Now()), nil
}

// apply runs one state machine step. Caller holds m.mu.
func (m *Manager) apply(st *thresholdState, value float64, now time.Time) *Transition {
	newLevel := st.threshold.level(value)

	if st.active == nil {
		if newLevel == LevelOK {
			return nil
		}
		// A value beyond critical raises critical directly.
		alert := &Alert{
			ID:           uuid.New(),
			ThresholdRef: st.threshold.MetricPath,
			Severity:     severityFor(newLevel),
			State:        StateRaised,
			RaisedAt:     now,
			ValueAtRaise: value,
		}
		st.active = alert
		from := st.level
		st.level = newLevel
		st.inBoundsSince = time.Time{}
		m.raised.Add(1)
		return m.emit(Transition{
			Kind:         TransitionRaised,
			ThresholdRef: st.threshold.MetricPath,
			From:         from,
			To:           newLevel,
			Value:        value,
			Alert:        *alert,
			OccurredAt:   now,
		})
	}

	if newLevel == LevelOK {
		if st.inBoundsSince.IsZero() {
			st.inBoundsSince = now
		}
		if now.Sub(st.inBoundsSince) >= st.threshold.Cooldown {
			return m.resolve(st, value, now)
		}
		return nil
	}

	// Still violating: any in-progress cooldown restarts.
	st.inBoundsSince = time.Time{}

	if newLevel == st.level {
		return nil
	}

	kind := TransitionEscalated
	if levelRank(newLevel) < levelRank(st.level) {
		kind = TransitionDeescalated
	}
	from := st.level
	st.level = newLevel
	st.active.Severity = severityFor(newLevel)
	return m.emit(Transition{
		Kind:         kind,
		ThresholdRef: st.threshold.MetricPath,
		From:         from,
		To:           newLevel,
		Value:        value,
		Alert:        *st.active,
		OccurredAt:   now,
	})
}

// resolve closes the active alert. Caller holds m.mu.
func (m *Manager) resolve(st *thresholdState, value float64, now time.Time) *Transition {
	alert := st.active
	alert.State = StateResolved
	resolvedAt := now
	alert.ResolvedAt = &resolvedAt

	m.history = append(m.history, *alert)
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}

	from := st.level
	st.active = nil
	st.level = LevelOK
	st.inBoundsSince = time.Time{}
	m.resolved.Add(1)

	return m.emit(Transition{
		Kind:         TransitionResolved,
		ThresholdRef: st.threshold.MetricPath,
		From:         from,
		To:           LevelOK,
		Value:        value,
		Alert:        *alert,
		OccurredAt:   now,
	})
}

func (m *Manager) emit(t Transition) *Transition {
	m.bus.Publish(types.NewEvent(types.EventAlertNotification, "", t, t.OccurredAt))
	m.logger.Info("alert transition",
		"kind", string(t.Kind),
		"threshold", t.ThresholdRef,
		"from", string(t.From),
		"to", string(t.To),
		"value", t.Value)
	return &t
}

// Acknowledge marks an active alert as acknowledged.
func (m *Manager) Acknowledge(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, st := range m.thresholds {
		if st.active != nil && st.active.ID == id {
			st.active.State = StateAcknowledged
			return nil
		}
	}
	return errors.WrapInvalid(
		fmt.Errorf("%w: no active alert %s", errors.ErrUnknownHandle, id),
		"AlertManager", "Acknowledge", "alert lookup")
}

// CurrentAlerts returns the active alerts sorted by raise time.
func (m *Manager) CurrentAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Alert, 0, len(m.thresholds))
	for _, st := range m.thresholds {
		if st.active != nil {
			out = append(out, *st.active)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RaisedAt.Before(out[j].RaisedAt) })
	return out
}

// History returns up to limit most recent resolved alerts, newest
// first. A non-positive limit returns the full retained history.
func (m *Manager) History(limit int) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	out := make([]Alert, 0, limit)
	for i := len(m.history) - 1; i >= len(m.history)-limit; i-- {
		out = append(out, m.history[i])
	}
	return out
}

// Start launches the periodic evaluation loop.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "AlertManager", "Start", "lifecycle check")
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop(ctx)

	m.started = true
	m.logger.Info("alert manager started", "interval", m.interval)
	return nil
}

// Stop halts the evaluation loop. Idempotent.
func (m *Manager) Stop(timeout time.Duration) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if !m.started || m.stopped {
		return nil
	}
	m.stopped = true
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return errors.WrapTransient(errors.ErrShuttingDown, "AlertManager", "Stop", "loop drain")
	}
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.evaluateCycle()
		}
	}
}

// evaluateCycle samples configured metrics and sweeps cooldowns for
// active alerts whose metric stopped arriving.
func (m *Manager) evaluateCycle() {
	var sample map[string]float64
	if m.sampler != nil {
		sample = m.sampler()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	for path, st := range m.thresholds {
		if value, ok := sample[path]; ok {
			m.evaluations.Add(1)
			m.apply(st, value, now)
			continue
		}
		// No fresh sample. An alert already back within bounds still
		// resolves once its cooldown elapses.
		if st.active != nil && !st.inBoundsSince.IsZero() &&
			now.Sub(st.inBoundsSince) >= st.threshold.Cooldown {
			m.resolve(st, st.active.ValueAtRaise, now)
		}
	}
}

// Stats describes alert manager activity.
type Stats struct {
	Thresholds   int   `json:"thresholds"`
	ActiveAlerts int   `json:"active_alerts"`
	Evaluations  int64 `json:"evaluations"`
	Raised       int64 `json:"raised"`
	Resolved     int64 `json:"resolved"`
}

// Stats returns a snapshot of manager counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	active := 0
	for _, st := range m.thresholds {
		if st.active != nil {
			active++
		}
	}
	thresholds := len(m.thresholds)
	m.mu.Unlock()

	return Stats{
		Thresholds:   thresholds,
		ActiveAlerts: active,
		Evaluations:  m.evaluations.Load(),
		Raised:       m.raised.Load(),
		Resolved:     m.resolved.Load(),
	}
}

// Health reports alert manager health.
func (m *Manager) Health() health.Status {
	m.lifecycleMu.Lock()
	running := m.started && !m.stopped
	m.lifecycleMu.Unlock()

	if !running {
		return health.NewUnhealthy("alerts", "not started")
	}

	stats := m.Stats()
	msg := fmt.Sprintf("%d thresholds, %d active alerts", stats.Thresholds, stats.ActiveAlerts)
	if stats.ActiveAlerts > 0 {
		return health.NewDegraded("alerts", msg)
	}
	return health.NewHealthy("alerts", msg)
}

func severityFor(l Level) Severity {
	switch l {
	case LevelCritical:
		return SeverityCritical
	case LevelWarning:
		return SeverityWarning
	}
	return SeverityInfo
}

func levelRank(l Level) int {
	switch l {
	case LevelWarning:
		return 1
	case LevelCritical:
		return 2
	}
	return 0
}
