package series

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citypulse/core/types"
)

func point(d types.DomainID, ts time.Time, value float64) types.DataPoint {
	return types.DataPoint{
		Domain:    d,
		Timestamp: ts,
		Fields:    map[string]types.FieldValue{"value": types.Numeric(value)},
	}
}

func TestAppendKeepsSortedOrder(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s := NewStore(time.Hour, clock)
	base := clock.Now()

	s.Append(point(types.DomainWeather, base.Add(-10*time.Minute), 1))
	s.Append(point(types.DomainWeather, base.Add(-30*time.Minute), 2))
	s.Append(point(types.DomainWeather, base.Add(-20*time.Minute), 3))

	pts := s.Snapshot().Domain(types.DomainWeather)
	require.Len(t, pts, 3)
	assert.True(t, pts[0].Timestamp.Before(pts[1].Timestamp))
	assert.True(t, pts[1].Timestamp.Before(pts[2].Timestamp))

	v, _ := pts[0].Numeric("value")
	assert.Equal(t, 2.0, v) // oldest submission first
}

func TestAppendEqualTimestampsKeepArrivalOrder(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s := NewStore(time.Hour, clock)
	ts := clock.Now().Add(-5 * time.Minute)

	s.Append(point(types.DomainEconomic, ts, 1))
	s.Append(point(types.DomainEconomic, ts, 2))

	pts := s.Snapshot().Domain(types.DomainEconomic)
	require.Len(t, pts, 2)
	v0, _ := pts[0].Numeric("value")
	v1, _ := pts[1].Numeric("value")
	assert.Equal(t, 1.0, v0)
	assert.Equal(t, 2.0, v1)
}

func TestRetentionEvictsOldPoints(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s := NewStore(time.Hour, clock)

	s.Append(point(types.DomainWeather, clock.Now().Add(-50*time.Minute), 1))
	s.Append(point(types.DomainWeather, clock.Now().Add(-10*time.Minute), 2))

	clock.Advance(45 * time.Minute)
	s.Append(point(types.DomainWeather, clock.Now(), 3))

	pts := s.Snapshot().Domain(types.DomainWeather)
	require.Len(t, pts, 2) // the -50m point is now outside the window
	assert.Equal(t, int64(1), s.Evicted())
}

func TestAppendRejectsAlreadyExpiredPoint(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s := NewStore(time.Hour, clock)

	s.Append(point(types.DomainSocial, clock.Now().Add(-2*time.Hour), 1))
	assert.Empty(t, s.Snapshot().Domain(types.DomainSocial))
	assert.Equal(t, int64(1), s.Evicted())
}

func TestCompactAllDomains(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s := NewStore(time.Hour, clock)

	s.Append(point(types.DomainWeather, clock.Now(), 1))
	s.Append(point(types.DomainEconomic, clock.Now(), 2))

	clock.Advance(2 * time.Hour)
	removed := s.Compact()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, s.Snapshot().TotalPoints())

	// Compact with nothing to do is a no-op.
	assert.Equal(t, 0, s.Compact())
}

func TestSnapshotIsStableUnderWrites(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s := NewStore(time.Hour, clock)

	s.Append(point(types.DomainWeather, clock.Now().Add(-time.Minute), 1))
	snap := s.Snapshot()
	require.Equal(t, 1, snap.TotalPoints())

	s.Append(point(types.DomainWeather, clock.Now(), 2))

	// The previously taken snapshot is unchanged.
	assert.Equal(t, 1, snap.TotalPoints())
	assert.Equal(t, 2, s.Snapshot().TotalPoints())
}

func TestWindowSelectsSubrange(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s := NewStore(24*time.Hour, clock)
	base := clock.Now()

	for i := 0; i < 10; i++ {
		s.Append(point(types.DomainTransportation, base.Add(-time.Duration(i)*time.Hour), float64(i)))
	}

	got := s.Snapshot().Window(types.DomainTransportation, base.Add(-3*time.Hour), base.Add(-time.Hour))
	assert.Len(t, got, 3)

	assert.Nil(t, s.Snapshot().Window(types.DomainTransportation, base.Add(time.Hour), base.Add(2*time.Hour)))
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s := NewStore(time.Hour, clock)
	base := clock.Now()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			s.Append(point(types.DomainWeather, base.Add(time.Duration(i)*time.Millisecond), float64(i)))
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				snap := s.Snapshot()
				pts := snap.Domain(types.DomainWeather)
				// Readers always see a fully sorted series.
				for j := 1; j < len(pts); j++ {
					if pts[j].Timestamp.Before(pts[j-1].Timestamp) {
						t.Error("snapshot out of order")
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 500, s.Snapshot().TotalPoints())
}

func TestLatest(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s := NewStore(time.Hour, clock)

	_, ok := s.Snapshot().Latest(types.DomainWeather)
	assert.False(t, ok)

	s.Append(point(types.DomainWeather, clock.Now().Add(-2*time.Minute), 1))
	s.Append(point(types.DomainWeather, clock.Now(), 2))

	latest, ok := s.Snapshot().Latest(types.DomainWeather)
	require.True(t, ok)
	v, _ := latest.Numeric("value")
	assert.Equal(t, 2.0, v)
}
