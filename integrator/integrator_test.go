package integrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citypulse/core/alert"
	"github.com/citypulse/core/bus"
	"github.com/citypulse/core/registry"
	"github.com/citypulse/core/types"
)

type fakeComponent struct {
	name      string
	kind      registry.Kind
	failStart bool

	mu  *sync.Mutex
	log *[]string
}

func (c *fakeComponent) Name() string        { return c.name }
func (c *fakeComponent) Kind() registry.Kind { return c.kind }

func (c *fakeComponent) Start(context.Context) error {
	c.mu.Lock()
	*c.log = append(*c.log, "start:"+c.name)
	c.mu.Unlock()
	if c.failStart {
		return assert.AnError
	}
	return nil
}

func (c *fakeComponent) Stop(time.Duration) error {
	c.mu.Lock()
	*c.log = append(*c.log, "stop:"+c.name)
	c.mu.Unlock()
	return nil
}

// recordingComponent captures the context handed to Start so tests can
// check it stays live for background loops derived from it.
type recordingComponent struct {
	name  string
	kind  registry.Kind
	delay time.Duration

	mu     sync.Mutex
	ctx    context.Context
	ctxErr error
}

func (c *recordingComponent) Name() string        { return c.name }
func (c *recordingComponent) Kind() registry.Kind { return c.kind }

func (c *recordingComponent) Start(ctx context.Context) error {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.mu.Lock()
	c.ctx = ctx
	c.ctxErr = ctx.Err()
	c.mu.Unlock()
	return nil
}

func (c *recordingComponent) Stop(time.Duration) error { return nil }

func (c *recordingComponent) startContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

func (c *recordingComponent) startErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctxErr
}

func newIntegrator(t *testing.T, clock clockwork.Clock, components ...Component) *Integrator {
	t.Helper()
	i, err := New(Config{}, WithClock(clock), WithComponents(components...))
	require.NoError(t, err)
	return i
}

func TestStartStopLifecycle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	i := newIntegrator(t, clock)

	ctx := context.Background()
	require.NoError(t, i.Start(ctx))
	require.Error(t, i.Start(ctx))

	require.NoError(t, i.Stop(time.Second))
	require.NoError(t, i.Stop(time.Second))
}

func TestStagedStartupAndReverseShutdown(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var mu sync.Mutex
	var log []string

	mk := func(name string, kind registry.Kind) *fakeComponent {
		return &fakeComponent{name: name, kind: kind, mu: &mu, log: &log}
	}

	// Attached out of order on purpose; stages still run in kind order.
	i := newIntegrator(t, clock,
		mk("dashboard", registry.KindVisualization),
		mk("traffic-model", registry.KindModel),
		mk("weather-connector", registry.KindConnector),
	)

	require.NoError(t, i.Start(context.Background()))
	require.NoError(t, i.Stop(time.Second))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{
		"start:weather-connector",
		"start:traffic-model",
		"start:dashboard",
		"stop:dashboard",
		"stop:traffic-model",
		"stop:weather-connector",
	}, log)
}

func TestFailedComponentDoesNotBlockStartup(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var mu sync.Mutex
	var log []string

	broken := &fakeComponent{name: "broken-connector", kind: registry.KindConnector, failStart: true, mu: &mu, log: &log}
	model := &fakeComponent{name: "traffic-model", kind: registry.KindModel, mu: &mu, log: &log}

	i := newIntegrator(t, clock, broken, model)
	require.NoError(t, i.Start(context.Background()))
	defer i.Stop(time.Second)

	snap := i.StatusSnapshot()
	require.Contains(t, snap, "broken-connector")
	assert.Equal(t, registry.StatusError, snap["broken-connector"].Status)
	assert.Equal(t, registry.StatusActive, snap["traffic-model"].Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, log, "start:traffic-model", "later stages still run")
}

func TestSiblingFailureDoesNotCancelHealthyStart(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var mu sync.Mutex
	var log []string

	broken := &fakeComponent{name: "broken-connector", kind: registry.KindConnector, failStart: true, mu: &mu, log: &log}
	// Finishes after the sibling has already failed; its context must
	// still be live at that point.
	healthy := &recordingComponent{name: "weather-connector", kind: registry.KindConnector, delay: 20 * time.Millisecond}

	i := newIntegrator(t, clock, broken, healthy)
	require.NoError(t, i.Start(context.Background()))
	defer i.Stop(time.Second)

	assert.NoError(t, healthy.startErr())

	snap := i.StatusSnapshot()
	assert.Equal(t, registry.StatusError, snap["broken-connector"].Status)
	assert.Equal(t, registry.StatusActive, snap["weather-connector"].Status)
}

func TestStartContextOutlivesStage(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := &recordingComponent{name: "traffic-model", kind: registry.KindModel}

	i := newIntegrator(t, clock, c)
	require.NoError(t, i.Start(context.Background()))
	defer i.Stop(time.Second)

	require.NotNil(t, c.startContext())
	assert.NoError(t, c.startContext().Err())
}

func TestSubmitFlowsToSubscribers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	i := newIntegrator(t, clock)
	require.NoError(t, i.Start(context.Background()))
	defer i.Stop(time.Second)

	sub, err := i.Subscribe(bus.Filter{Types: []types.EventType{types.EventDataUpdate}})
	require.NoError(t, err)
	defer i.Unsubscribe(sub.ID)

	// The subscription acknowledgment arrives first.
	ack := recvEvent(t, sub)
	assert.Equal(t, types.EventSubscriptionResponse, ack.Type)

	err = i.Submit(types.DomainWeather, map[string]any{
		"timestamp":   clock.Now(),
		"temperature": 21.5,
	})
	require.NoError(t, err)

	update := recvEvent(t, sub)
	assert.Equal(t, types.EventDataUpdate, update.Type)
	assert.Equal(t, types.DomainWeather, update.Domain)

	require.Eventually(t, func() bool {
		return i.PipelineStats().Accepted == 1
	}, time.Second, 5*time.Millisecond)
}

func TestThresholdConfigurationAndEvaluation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	i := newIntegrator(t, clock)
	require.NoError(t, i.Start(context.Background()))
	defer i.Stop(time.Second)

	require.NoError(t, i.ConfigureThreshold(alert.Threshold{
		MetricPath:    "pipeline.queue_size",
		Operator:      alert.OpGreater,
		WarningLevel:  50,
		CriticalLevel: 90,
		Cooldown:      time.Second,
	}))
	require.Len(t, i.Thresholds(), 1)

	tr, err := i.EvaluateMetric("pipeline.queue_size", 60)
	require.NoError(t, err)
	require.NotNil(t, tr)
	require.Len(t, i.CurrentAlerts(), 1)

	require.NoError(t, i.AcknowledgeAlert(tr.Alert.ID))
}

func TestSamplerCoversDocumentedMetricPaths(t *testing.T) {
	clock := clockwork.NewFakeClock()
	i := newIntegrator(t, clock)

	sample := i.sampleMetrics()
	for _, path := range []string{
		"pipeline.queue_size",
		"pipeline.rejected",
		"pipeline.dropped_oldest",
		"pipeline.processing_rate",
		"bus.subscribers",
		"bus.dropped",
		"store.points",
		"correlator.anomalies",
	} {
		assert.Contains(t, sample, path)
	}
}

func TestCorrelationQuerySurface(t *testing.T) {
	clock := clockwork.NewFakeClock()
	i := newIntegrator(t, clock)
	require.NoError(t, i.Start(context.Background()))
	defer i.Stop(time.Second)

	require.NoError(t, i.SetTimeWindow(time.Hour))
	require.Error(t, i.SetTimeWindow(0))

	for n := 0; n < 10; n++ {
		ts := clock.Now().Add(time.Duration(n-10) * time.Minute)
		require.NoError(t, i.Submit(types.DomainWeather, map[string]any{
			"timestamp": ts, "temperature": 15 + float64(n),
		}))
		require.NoError(t, i.Submit(types.DomainTransportation, map[string]any{
			"timestamp": ts, "congestion": 30 + 2*float64(n),
		}))
	}

	require.Eventually(t, func() bool {
		return i.PipelineStats().Accepted == 20
	}, time.Second, 5*time.Millisecond)

	i.Recompute()

	viz := i.CorrelationData()
	require.NotEmpty(t, viz.Heatmap)
	assert.Greater(t, viz.Heatmap[0].Coefficient, 0.7)
	assert.Empty(t, i.Anomalies())
}

func TestHealthAggregation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	i := newIntegrator(t, clock)

	st := i.Health()
	assert.True(t, st.IsUnhealthy(), "core components are down before Start")

	require.NoError(t, i.Start(context.Background()))
	defer i.Stop(time.Second)

	st = i.Health()
	require.Len(t, st.SubStatuses, 4)
	assert.False(t, st.IsUnhealthy())
}

func TestComponentHealthNamesEveryOwnedComponent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	i := newIntegrator(t, clock)
	require.NoError(t, i.Start(context.Background()))
	defer i.Stop(time.Second)

	statuses := i.ComponentHealth()
	require.Len(t, statuses, 4)
	for _, name := range []string{"pipeline", "correlator", "alerts", "registry"} {
		require.Contains(t, statuses, name)
		assert.Equal(t, name, statuses[name].Component)
		assert.True(t, statuses[name].IsHealthy() || statuses[name].IsDegraded())
	}
}

func recvEvent(t *testing.T, sub *bus.Subscription) types.Event {
	t.Helper()
	select {
	case e, ok := <-sub.Events():
		require.True(t, ok)
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return types.Event{}
	}
}
