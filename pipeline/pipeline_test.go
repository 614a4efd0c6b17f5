package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citypulse/core/errors"
	"github.com/citypulse/core/series"
	"github.com/citypulse/core/types"
)

// capturePublisher records published events; an optional gate blocks
// Publish to stall the worker pool in backpressure tests.
type capturePublisher struct {
	mu     sync.Mutex
	events []types.Event
	gate   chan struct{}
}

func (c *capturePublisher) Publish(e types.Event) {
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *capturePublisher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func newTestPipeline(t *testing.T, cfg Config, pub Publisher, clock clockwork.Clock) (*Pipeline, *series.Store) {
	t.Helper()

	store := series.NewStore(24*time.Hour, clock)
	p, err := NewPipeline(cfg, store, pub, WithClock(clock))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop(2 * time.Second) })
	return p, store
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestSubmitAcceptsAndStoresPoint(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	pub := &capturePublisher{}
	p, store := newTestPipeline(t, Config{}, pub, clock)

	err := p.Submit(types.DomainWeather, map[string]any{
		"timestamp":   clock.Now().Format(time.RFC3339),
		"temperature": 21.5,
		"conditions":  "cloudy",
	})
	require.NoError(t, err)

	waitFor(t, func() bool { return store.Snapshot().TotalPoints() == 1 })

	pt, ok := store.Snapshot().Latest(types.DomainWeather)
	require.True(t, ok)
	v, numOK := pt.Numeric("temperature")
	require.True(t, numOK)
	assert.Equal(t, 21.5, v)
	assert.Equal(t, "cloudy", pt.Fields["conditions"].Label)

	waitFor(t, func() bool { return pub.count() == 1 })
	assert.Equal(t, types.EventDataUpdate, pub.events[0].Type)
	assert.Equal(t, types.DomainWeather, pub.events[0].Domain)
}

func TestSubmitRejectsMissingTimestamp(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	p, _ := newTestPipeline(t, Config{}, &capturePublisher{}, clock)

	err := p.Submit(types.DomainWeather, map[string]any{"temperature": 20.0})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Equal(t, int64(1), p.Stats().Rejected)
}

func TestSubmitRejectsUnknownDomain(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	p, _ := newTestPipeline(t, Config{}, &capturePublisher{}, clock)

	err := p.Submit(types.DomainID("astrology"), map[string]any{
		"timestamp": clock.Now().Format(time.RFC3339),
		"alignment": 0.7,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnknownDomain)
	assert.True(t, errors.IsInvalid(err))
	assert.Equal(t, int64(1), p.Stats().Rejected)
}

func TestSubmitRejectsBadRequiredField(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := Config{RequiredFields: map[types.DomainID][]string{
		types.DomainWeather: {"temperature"},
	}}
	p, _ := newTestPipeline(t, cfg, &capturePublisher{}, clock)

	// Required field missing entirely.
	err := p.Submit(types.DomainWeather, map[string]any{
		"timestamp": clock.Now().Format(time.RFC3339),
		"humidity":  40.0,
	})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	// Required field present but categorical.
	err = p.Submit(types.DomainWeather, map[string]any{
		"timestamp":   clock.Now().Format(time.RFC3339),
		"temperature": "hot",
	})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestNormalizationAliasesAndUnits(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	p, store := newTestPipeline(t, Config{}, &capturePublisher{}, clock)

	require.NoError(t, p.Submit(types.DomainWeather, map[string]any{
		"timestamp": clock.Now().Format(time.RFC3339),
		"temp_f":    212.0,
		"Wind":      12.0,
	}))

	waitFor(t, func() bool { return store.Snapshot().TotalPoints() == 1 })

	pt, _ := store.Snapshot().Latest(types.DomainWeather)
	temp, ok := pt.Numeric("temperature")
	require.True(t, ok)
	assert.InDelta(t, 100.0, temp, 0.001)

	_, ok = pt.Numeric("wind_speed")
	assert.True(t, ok)
}

func TestSubmitTimestampRepresentations(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	p, store := newTestPipeline(t, Config{}, &capturePublisher{}, clock)

	base := clock.Now()
	payloads := []map[string]any{
		{"timestamp": base.Add(-3 * time.Minute), "value": 1.0},
		{"timestamp": base.Add(-2 * time.Minute).Format(time.RFC3339Nano), "value": 2.0},
		{"timestamp": float64(base.Add(-1 * time.Minute).Unix()), "value": 3.0},
	}
	for _, payload := range payloads {
		require.NoError(t, p.Submit(types.DomainEconomic, payload))
	}

	waitFor(t, func() bool { return store.Snapshot().TotalPoints() == 3 })

	pts := store.Snapshot().Domain(types.DomainEconomic)
	for i := 1; i < len(pts); i++ {
		assert.True(t, pts[i].Timestamp.After(pts[i-1].Timestamp))
	}
	for _, pt := range pts {
		assert.Equal(t, time.UTC, pt.Timestamp.Location())
	}
}

func TestOutOfOrderSubmissionsSorted(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	p, store := newTestPipeline(t, Config{Workers: 1}, &capturePublisher{}, clock)

	base := clock.Now()
	for _, offset := range []time.Duration{-time.Minute, -5 * time.Minute, -3 * time.Minute} {
		require.NoError(t, p.Submit(types.DomainSocial, map[string]any{
			"timestamp": base.Add(offset).Format(time.RFC3339),
			"sentiment": 0.5,
		}))
	}

	waitFor(t, func() bool { return store.Snapshot().TotalPoints() == 3 })

	pts := store.Snapshot().Domain(types.DomainSocial)
	for i := 1; i < len(pts); i++ {
		assert.True(t, pts[i].Timestamp.After(pts[i-1].Timestamp))
	}
}

func TestBackpressureRejectsThenDegrades(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	gate := make(chan struct{})
	pub := &capturePublisher{gate: gate}
	p, _ := newTestPipeline(t, Config{Workers: 1, QueueSize: 2}, pub, clock)
	defer close(gate)

	payload := func(i int) map[string]any {
		return map[string]any{
			"timestamp": clock.Now().Add(time.Duration(i) * time.Second).Format(time.RFC3339),
			"value":     float64(i),
		}
	}

	// First submission is picked up by the worker and blocks on the
	// gate; the next two fill the queue.
	require.NoError(t, p.Submit(types.DomainWeather, payload(0)))
	waitFor(t, func() bool { return p.Stats().QueueDepth == 0 || p.pool.Stats().Submitted == 1 })
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Submit(types.DomainWeather, payload(1)))
	require.NoError(t, p.Submit(types.DomainWeather, payload(2)))

	// Queue now full: the first rejections are plain backpressure.
	for i := 0; i < 3; i++ {
		err := p.Submit(types.DomainWeather, payload(3+i))
		require.Error(t, err)
		assert.True(t, errors.IsTransient(err))
	}

	// Persistently full: degradation kicks in, oldest queued is dropped
	// and the new point is accepted.
	require.NoError(t, p.Submit(types.DomainWeather, payload(10)))
	assert.Equal(t, int64(1), p.Stats().DroppedOldest)
	assert.Equal(t, int64(3), p.Stats().Rejected)
}

func TestCompactionEvictsOnSchedule(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	pub := &capturePublisher{}

	store := series.NewStore(time.Hour, clock)
	p, err := NewPipeline(Config{CompactionInterval: time.Minute}, store, pub, WithClock(clock))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer func() { _ = p.Stop(2 * time.Second) }()

	require.NoError(t, p.Submit(types.DomainWeather, map[string]any{
		"timestamp": clock.Now().Format(time.RFC3339),
		"value":     1.0,
	}))
	waitFor(t, func() bool { return store.Snapshot().TotalPoints() == 1 })

	// Jump past retention and fire the compaction tick.
	clock.Advance(2 * time.Hour)
	waitFor(t, func() bool { return store.Snapshot().TotalPoints() == 0 })
}

func TestStopIdempotent(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := series.NewStore(time.Hour, clock)
	p, err := NewPipeline(Config{}, store, &capturePublisher{}, WithClock(clock))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Stop(time.Second))
	require.NoError(t, p.Stop(time.Second))

	assert.Error(t, p.Start(context.Background()))
}

func TestHealthReflectsQueueState(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	p, _ := newTestPipeline(t, Config{}, &capturePublisher{}, clock)

	st := p.Health()
	assert.True(t, st.IsHealthy())
	require.NotNil(t, st.Metrics)

	require.NoError(t, p.Stop(time.Second))
	assert.True(t, p.Health().IsUnhealthy())
}
