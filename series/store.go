// Package series implements the per-domain time-ordered point store.
// The store has a single writer (the data pipeline) and many concurrent
// readers (correlator, gateways). Writes build a fresh immutable
// snapshot and publish it with an atomic pointer swap, so readers never
// block writers and never observe a half-updated series.
package series

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/citypulse/core/types"
)

// DefaultRetention is the default time-based retention window.
const DefaultRetention = 7 * 24 * time.Hour

// Snapshot is an immutable view of all domain series at one instant.
// Slices are sorted by timestamp ascending and must not be mutated.
type Snapshot map[types.DomainID][]types.DataPoint

// Domain returns the series for one domain; nil when the domain holds
// no points.
func (s Snapshot) Domain(d types.DomainID) []types.DataPoint {
	return s[d]
}

// Latest returns the most recent point for a domain.
func (s Snapshot) Latest(d types.DomainID) (types.DataPoint, bool) {
	pts := s[d]
	if len(pts) == 0 {
		return types.DataPoint{}, false
	}
	return pts[len(pts)-1], true
}

// Window returns the points for a domain with timestamps in
// [from, to]. The returned slice aliases the snapshot and must not be
// mutated.
func (s Snapshot) Window(d types.DomainID, from, to time.Time) []types.DataPoint {
	pts := s[d]
	lo := sort.Search(len(pts), func(i int) bool { return !pts[i].Timestamp.Before(from) })
	hi := sort.Search(len(pts), func(i int) bool { return pts[i].Timestamp.After(to) })
	if lo >= hi {
		return nil
	}
	return pts[lo:hi]
}

// TotalPoints returns the point count across all domains.
func (s Snapshot) TotalPoints() int {
	n := 0
	for _, pts := range s {
		n += len(pts)
	}
	return n
}

// Store owns the domain series. Append and Compact are writer
// operations serialized by a mutex; Snapshot is wait-free for readers.
type Store struct {
	retention time.Duration
	clock     clockwork.Clock

	writeMu sync.Mutex
	current atomic.Pointer[Snapshot]

	evicted atomic.Int64
}

// NewStore creates a store with the given retention window. A zero or
// negative retention falls back to DefaultRetention.
func NewStore(retention time.Duration, clock clockwork.Clock) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	s := &Store{
		retention: retention,
		clock:     clock,
	}
	empty := Snapshot{}
	s.current.Store(&empty)
	return s
}

// Retention returns the configured retention window.
func (s *Store) Retention() time.Duration {
	return s.retention
}

// Snapshot returns the current immutable view.
func (s *Store) Snapshot() Snapshot {
	return *s.current.Load()
}

// Evicted returns the total number of points removed by retention
// compaction since the store was created.
func (s *Store) Evicted() int64 {
	return s.evicted.Load()
}

// Append inserts a point in sorted timestamp position and evicts points
// older than the retention window for that domain. Out-of-order
// timestamps are inserted, not rejected; equal timestamps keep arrival
// order.
func (s *Store) Append(p types.DataPoint) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := *s.current.Load()
	old := cur[p.Domain]
	cutoff := s.clock.Now().Add(-s.retention)

	// Skip points already outside the window entirely.
	if p.Timestamp.Before(cutoff) {
		s.evicted.Add(1)
		return
	}

	// Drop expired prefix while copying.
	start := sort.Search(len(old), func(i int) bool { return !old[i].Timestamp.Before(cutoff) })
	if start > 0 {
		s.evicted.Add(int64(start))
	}
	kept := old[start:]

	// Insertion point: after any existing point with the same timestamp.
	pos := sort.Search(len(kept), func(i int) bool { return kept[i].Timestamp.After(p.Timestamp) })

	updated := make([]types.DataPoint, 0, len(kept)+1)
	updated = append(updated, kept[:pos]...)
	updated = append(updated, p)
	updated = append(updated, kept[pos:]...)

	s.publish(cur, p.Domain, updated)
}

// Compact removes points older than the retention window from every
// domain and returns the number evicted. The pipeline runs this
// periodically so idle domains still honor retention.
func (s *Store) Compact() int {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := *s.current.Load()
	cutoff := s.clock.Now().Add(-s.retention)

	next := make(Snapshot, len(cur))
	removed := 0
	for d, pts := range cur {
		start := sort.Search(len(pts), func(i int) bool { return !pts[i].Timestamp.Before(cutoff) })
		removed += start
		if start < len(pts) {
			next[d] = pts[start:]
		}
	}

	if removed > 0 {
		s.evicted.Add(int64(removed))
		s.current.Store(&next)
	}
	return removed
}

// publish swaps in a new snapshot with one domain replaced.
func (s *Store) publish(cur Snapshot, d types.DomainID, pts []types.DataPoint) {
	next := make(Snapshot, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[d] = pts
	s.current.Store(&next)
}
