// Package correlator computes cross-domain statistical relationships
// over a sliding time window: pairwise Pearson correlation matrices,
// derived insights, and z-score anomalies against a rolling baseline.
//
// Each recomputation builds a complete new matrix and publishes it with
// an atomic pointer swap; readers see either the previous matrix or the
// new one, never a partial state.
package correlator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/citypulse/core/errors"
	"github.com/citypulse/core/health"
	"github.com/citypulse/core/series"
	"github.com/citypulse/core/types"
)

// Defaults applied by New for zero-valued config fields.
const (
	DefaultWindow           = 7 * 24 * time.Hour
	DefaultTolerance        = time.Minute
	DefaultMinSamples       = 3
	DefaultModerateCutoff   = 0.4
	DefaultStrongCutoff     = 0.7
	DefaultInsightDelta     = 0.05
	DefaultAnomalyThreshold = 2.5
	DefaultInterval         = 30 * time.Second
)

// Publisher is the slice of the event bus the correlator needs.
type Publisher interface {
	Publish(types.Event)
}

// Config holds correlator tuning knobs.
type Config struct {
	Window           time.Duration    `yaml:"window"`
	Tolerance        time.Duration    `yaml:"alignment_tolerance"`
	MinSamples       int              `yaml:"min_samples"`
	ModerateCutoff   float64          `yaml:"moderate_cutoff"`
	StrongCutoff     float64          `yaml:"strong_cutoff"`
	InsightDelta     float64          `yaml:"insight_delta"`
	AnomalyThreshold float64          `yaml:"anomaly_threshold"`
	Interval         time.Duration    `yaml:"interval"`
	Domains          []types.DomainID `yaml:"domains"`
}

// Entry is one cell of the correlation matrix.
type Entry struct {
	DomainA     types.DomainID `json:"domain_a"`
	DomainB     types.DomainID `json:"domain_b"`
	VariableA   string         `json:"variable_a"`
	VariableB   string         `json:"variable_b"`
	Coefficient float64        `json:"coefficient"`
	SampleSize  int            `json:"sample_size"`
}

// Matrix is one complete, immutable recomputation result.
type Matrix struct {
	Entries    []Entry       `json:"entries"`
	ComputedAt time.Time     `json:"computed_at"`
	Window     time.Duration `json:"window"`
}

// Lookup returns the entry for a domain/variable pair in either order.
func (m *Matrix) Lookup(da types.DomainID, va string, db types.DomainID, vb string) (Entry, bool) {
	for _, e := range m.Entries {
		if e.DomainA == da && e.VariableA == va && e.DomainB == db && e.VariableB == vb {
			return e, true
		}
		if e.DomainA == db && e.VariableA == vb && e.DomainB == da && e.VariableB == va {
			return e, true
		}
	}
	return Entry{}, false
}

// Insight is a derived cross-domain relationship worth surfacing.
type Insight struct {
	Domains     [2]types.DomainID `json:"domains"`
	Variables   [2]string         `json:"variables"`
	Coefficient float64           `json:"coefficient"`
	Direction   string            `json:"direction"` // "positive" or "negative"
	Strength    string            `json:"strength"`  // "moderate" or "strong"
	Description string            `json:"description"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// Anomaly is a latest-value deviation from the rolling window baseline.
type Anomaly struct {
	Domain      types.DomainID `json:"domain"`
	Variable    string         `json:"variable"`
	Observed    float64        `json:"observed"`
	ExpectedLow float64        `json:"expected_low"`
	ExpectedHi  float64        `json:"expected_high"`
	ZScore      float64        `json:"z_score"`
	DetectedAt  time.Time      `json:"detected_at"`
}

type pairKey struct {
	da, db types.DomainID
	va, vb string
}

// Correlator owns the recomputation cycle.
type Correlator struct {
	store  *series.Store
	bus    Publisher
	clock  clockwork.Clock
	logger *slog.Logger

	tolerance        time.Duration
	minSamples       int
	moderateCutoff   float64
	strongCutoff     float64
	insightDelta     float64
	anomalyThreshold float64
	interval         time.Duration
	domains          []types.DomainID

	windowNanos atomic.Int64

	current   atomic.Pointer[Matrix]
	insights  atomic.Pointer[[]Insight]
	anomalies atomic.Pointer[[]Anomaly]

	// prior cycle's published insight coefficients, for deduplication.
	// Only touched under recomputeMu.
	recomputeMu  sync.Mutex
	prevInsights map[pairKey]float64

	skippedPairs atomic.Int64
	cycles       atomic.Int64

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithLogger sets the correlator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Correlator) { c.logger = logger.With("component", "correlator") }
}

// WithClock injects the clock used for windowing and scheduling.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Correlator) { c.clock = clock }
}

// New creates a correlator over the given store and bus.
func New(cfg Config, store *series.Store, publisher Publisher, opts ...Option) *Correlator {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = DefaultMinSamples
	}
	if cfg.ModerateCutoff <= 0 {
		cfg.ModerateCutoff = DefaultModerateCutoff
	}
	if cfg.StrongCutoff <= 0 {
		cfg.StrongCutoff = DefaultStrongCutoff
	}
	if cfg.InsightDelta <= 0 {
		cfg.InsightDelta = DefaultInsightDelta
	}
	if cfg.AnomalyThreshold <= 0 {
		cfg.AnomalyThreshold = DefaultAnomalyThreshold
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if len(cfg.Domains) == 0 {
		cfg.Domains = types.AllDomains()
	}

	c := &Correlator{
		store:            store,
		bus:              publisher,
		clock:            clockwork.NewRealClock(),
		logger:           slog.Default().With("component", "correlator"),
		tolerance:        cfg.Tolerance,
		minSamples:       cfg.MinSamples,
		moderateCutoff:   cfg.ModerateCutoff,
		strongCutoff:     cfg.StrongCutoff,
		insightDelta:     cfg.InsightDelta,
		anomalyThreshold: cfg.AnomalyThreshold,
		interval:         cfg.Interval,
		domains:          cfg.Domains,
		prevInsights:     make(map[pairKey]float64),
	}
	c.windowNanos.Store(int64(cfg.Window))

	empty := &Matrix{Window: cfg.Window}
	c.current.Store(empty)
	noInsights := make([]Insight, 0)
	c.insights.Store(&noInsights)
	noAnomalies := make([]Anomaly, 0)
	c.anomalies.Store(&noAnomalies)

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetTimeWindow reconfigures the sliding window. Takes effect on the
// next recomputation cycle.
func (c *Correlator) SetTimeWindow(d time.Duration) error {
	if d <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Correlator", "SetTimeWindow", "window validation")
	}
	c.windowNanos.Store(int64(d))
	return nil
}

// Window returns the current sliding window.
func (c *Correlator) Window() time.Duration {
	return time.Duration(c.windowNanos.Load())
}

// Current returns the latest complete matrix.
func (c *Correlator) Current() *Matrix {
	return c.current.Load()
}

// Insights returns the latest cycle's qualifying insights.
func (c *Correlator) Insights() []Insight {
	return *c.insights.Load()
}

// Anomalies returns the latest cycle's detected anomalies.
func (c *Correlator) Anomalies() []Anomaly {
	return *c.anomalies.Load()
}

// Start launches the periodic recomputation loop.
func (c *Correlator) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Correlator", "Start", "lifecycle check")
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.loop(ctx)

	c.started = true
	c.logger.Info("correlator started", "window", c.Window(), "interval", c.interval)
	return nil
}

// Stop halts the recomputation loop. Idempotent.
func (c *Correlator) Stop(timeout time.Duration) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if !c.started || c.stopped {
		return nil
	}
	c.stopped = true
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return errors.WrapTransient(errors.ErrShuttingDown, "Correlator", "Stop", "loop drain")
	}
}

func (c *Correlator) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.Recompute()
		}
	}
}

// Recompute runs one full correlation cycle: align, correlate, derive
// insights and anomalies, and atomically swap in the new matrix. Safe
// to call concurrently with the periodic loop; cycles are serialized.
func (c *Correlator) Recompute() {
	c.recomputeMu.Lock()
	defer c.recomputeMu.Unlock()

	now := c.clock.Now()
	window := c.Window()
	from := now.Add(-window)
	snap := c.store.Snapshot()

	matrix := &Matrix{ComputedAt: now, Window: window}
	var insights []Insight

	for i := 0; i < len(c.domains); i++ {
		for j := i + 1; j < len(c.domains); j++ {
			da, db := c.domains[i], c.domains[j]
			ptsA := snap.Window(da, from, now)
			ptsB := snap.Window(db, from, now)
			if len(ptsA) == 0 || len(ptsB) == 0 {
				continue
			}

			pairs := alignSeries(ptsA, ptsB, c.tolerance)

			for _, va := range numericVariables(ptsA) {
				for _, vb := range numericVariables(ptsB) {
					x, y := samplesFor(pairs, va, vb)
					if len(x) < c.minSamples {
						c.skippedPairs.Add(1)
						continue
					}

					entry := Entry{
						DomainA: da, DomainB: db,
						VariableA: va, VariableB: vb,
						Coefficient: pearson(x, y),
						SampleSize:  len(x),
					}
					matrix.Entries = append(matrix.Entries, entry)

					if insight, ok := c.deriveInsight(entry, now); ok {
						insights = append(insights, insight)
					}
				}
			}
		}
	}

	anomalies := c.detectAnomalies(snap, from, now)

	// Publish the complete results atomically; readers never see a
	// partially filled matrix.
	c.current.Store(matrix)
	if insights == nil {
		insights = make([]Insight, 0)
	}
	c.insights.Store(&insights)
	c.anomalies.Store(&anomalies)
	c.cycles.Add(1)

	c.logger.Debug("recomputation complete",
		"entries", len(matrix.Entries),
		"insights", len(insights),
		"anomalies", len(anomalies))
}

// deriveInsight turns a matrix entry into an insight when it clears the
// moderate cutoff. Insights repeating the prior cycle's conclusion are
// kept in the list but only published as events when the coefficient
// materially changed.
func (c *Correlator) deriveInsight(e Entry, now time.Time) (Insight, bool) {
	r := e.Coefficient
	abs := math.Abs(r)
	if abs < c.moderateCutoff {
		// Pair dropped below the cutoff: forget it so a future
		// reappearance publishes again.
		delete(c.prevInsights, pairKey{da: e.DomainA, db: e.DomainB, va: e.VariableA, vb: e.VariableB})
		return Insight{}, false
	}

	strength := "moderate"
	if abs >= c.strongCutoff {
		strength = "strong"
	}
	direction := "positive"
	if r < 0 {
		direction = "negative"
	}

	insight := Insight{
		Domains:     [2]types.DomainID{e.DomainA, e.DomainB},
		Variables:   [2]string{e.VariableA, e.VariableB},
		Coefficient: r,
		Direction:   direction,
		Strength:    strength,
		Description: fmt.Sprintf("%s %s correlation between %s.%s and %s.%s (r=%.2f, n=%d)",
			strength, direction, e.DomainA, e.VariableA, e.DomainB, e.VariableB, r, e.SampleSize),
		GeneratedAt: now,
	}

	key := pairKey{da: e.DomainA, db: e.DomainB, va: e.VariableA, vb: e.VariableB}
	prev, seen := c.prevInsights[key]
	c.prevInsights[key] = r

	if !seen || math.Abs(r-prev) >= c.insightDelta {
		c.bus.Publish(types.NewEvent(types.EventCorrelationInsight, "", insight, now))
	}
	return insight, true
}

// detectAnomalies compares each domain's latest value per variable
// against the rolling mean and standard deviation over the window.
func (c *Correlator) detectAnomalies(snap series.Snapshot, from, now time.Time) []Anomaly {
	anomalies := make([]Anomaly, 0)

	for _, d := range c.domains {
		pts := snap.Window(d, from, now)
		if len(pts) < c.minSamples {
			continue
		}

		latest := pts[len(pts)-1]
		for _, variable := range numericVariables(pts) {
			observed, ok := latest.Numeric(variable)
			if !ok {
				continue
			}

			var values []float64
			for _, p := range pts {
				if v, has := p.Numeric(variable); has {
					values = append(values, v)
				}
			}
			if len(values) < c.minSamples {
				continue
			}

			mean, std := meanStd(values)
			if std == 0 {
				continue
			}

			z := (observed - mean) / std
			if math.Abs(z) <= c.anomalyThreshold {
				continue
			}

			anomaly := Anomaly{
				Domain:      d,
				Variable:    variable,
				Observed:    observed,
				ExpectedLow: mean - c.anomalyThreshold*std,
				ExpectedHi:  mean + c.anomalyThreshold*std,
				ZScore:      z,
				DetectedAt:  now,
			}
			anomalies = append(anomalies, anomaly)
			c.bus.Publish(types.NewEvent(types.EventCorrelationAnomaly, d, anomaly, now))
		}
	}
	return anomalies
}

// Stats describes correlator progress.
type Stats struct {
	Cycles       int64 `json:"cycles"`
	MatrixSize   int   `json:"matrix_size"`
	SkippedPairs int64 `json:"skipped_pairs"`
	Insights     int   `json:"insights"`
	Anomalies    int   `json:"anomalies"`
}

// Stats returns a snapshot of correlator counters.
func (c *Correlator) Stats() Stats {
	return Stats{
		Cycles:       c.cycles.Load(),
		MatrixSize:   len(c.Current().Entries),
		SkippedPairs: c.skippedPairs.Load(),
		Insights:     len(c.Insights()),
		Anomalies:    len(c.Anomalies()),
	}
}

// Health reports correlator health.
func (c *Correlator) Health() health.Status {
	c.lifecycleMu.Lock()
	running := c.started && !c.stopped
	c.lifecycleMu.Unlock()

	if !running {
		return health.NewUnhealthy("correlator", "not started")
	}
	if c.cycles.Load() == 0 {
		return health.NewDegraded("correlator", "no recomputation cycle completed yet")
	}
	return health.NewHealthy("correlator", "recomputing")
}
