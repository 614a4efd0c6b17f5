// Package bus implements the realtime event bus: subscription-based
// fan-out of pipeline, correlation, and alert events. Each subscriber
// owns a bounded delivery buffer and a fan-out goroutine, so a slow or
// absent consumer only ever loses its own events and can never block
// publication to others.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/citypulse/core/errors"
	"github.com/citypulse/core/metric"
	"github.com/citypulse/core/pkg/buffer"
	"github.com/citypulse/core/types"
)

// DefaultSubscriberBuffer is the per-subscriber delivery buffer size.
const DefaultSubscriberBuffer = 256

// Filter selects which events a subscription receives. Empty fields
// match everything.
type Filter struct {
	Types   []types.EventType `json:"types,omitempty"`
	Domains []types.DomainID  `json:"domains,omitempty"`
}

// Matches reports whether an event passes the filter.
func (f Filter) Matches(e types.Event) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if e.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Domains) > 0 {
		// Events without a domain (alerts, responses) pass a domain
		// filter: they are system-wide.
		if e.Domain == "" {
			return true
		}
		for _, d := range f.Domains {
			if e.Domain == d {
				return true
			}
		}
		return false
	}
	return true
}

// Subscription is one subscriber's handle onto the bus. Events are read
// from Events(); delivery order matches publish order for this
// subscriber. When the delivery buffer overflows the oldest buffered
// event is dropped and counted.
type Subscription struct {
	ID     string
	filter Filter

	ring   *buffer.Ring[types.Event]
	out    chan types.Event
	notify chan struct{}
	done   chan struct{}
	once   sync.Once

	dropped atomic.Int64
}

// Events returns the subscriber's delivery channel. The channel is
// closed on Unsubscribe and on bus shutdown.
func (s *Subscription) Events() <-chan types.Event {
	return s.out
}

// Dropped returns how many events this subscription has lost to
// buffer overflow.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Filter returns the subscription's filter.
func (s *Subscription) Filter() Filter {
	return s.filter
}

func (s *Subscription) close() {
	s.once.Do(func() {
		close(s.done)
		s.ring.Close()
	})
}

// Bus is the realtime event bus.
type Bus struct {
	bufferSize int
	clock      clockwork.Clock
	logger     *slog.Logger
	metrics    *metric.Registry

	mu      sync.RWMutex
	subs    map[string]*Subscription
	stopped bool

	published    atomic.Int64
	totalDropped atomic.Int64

	wg sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the per-subscriber delivery buffer capacity.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithClock injects the clock used for event timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(b *Bus) { b.clock = clock }
}

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithMetrics enables publish counters on the shared registry.
func WithMetrics(registry *metric.Registry) Option {
	return func(b *Bus) { b.metrics = registry }
}

// New creates an event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		bufferSize: DefaultSubscriberBuffer,
		clock:      clockwork.NewRealClock(),
		logger:     slog.Default().With("component", "bus"),
		subs:       make(map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers an event to every matching subscription. Publication
// never blocks on a subscriber: a full delivery buffer drops its oldest
// event for that subscriber only.
func (b *Bus) Publish(e types.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = b.clock.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.stopped {
		return
	}

	b.published.Add(1)
	if b.metrics != nil {
		b.metrics.Core.EventsPublished.WithLabelValues(string(e.Type)).Inc()
	}

	for _, sub := range b.subs {
		if !sub.filter.Matches(e) {
			continue
		}
		_ = sub.ring.Write(e)
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
}

// Subscribe registers a new subscription. The first delivered event is
// a subscription_response carrying the subscription ID and filter.
func (b *Bus) Subscribe(filter Filter) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return nil, errors.WrapInvalid(errors.ErrShuttingDown, "Bus", "Subscribe", "subscription")
	}

	sub := &Subscription{
		ID:     uuid.NewString(),
		filter: filter,
		out:    make(chan types.Event),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	sub.ring = buffer.NewRing(b.bufferSize, buffer.WithDropCallback(func(types.Event) {
		sub.dropped.Add(1)
		b.totalDropped.Add(1)
	}))

	// Confirmation is the first event in the buffer so the subscriber
	// sees its own ID before any data.
	ack := types.NewEvent(types.EventSubscriptionResponse, "", subscriptionAck{
		SubscriptionID: sub.ID,
		Filter:         filter,
	}, b.clock.Now())
	_ = sub.ring.Write(ack)
	sub.notify <- struct{}{}

	b.subs[sub.ID] = sub
	b.wg.Add(1)
	go b.fanOut(sub)

	return sub, nil
}

type subscriptionAck struct {
	SubscriptionID string `json:"subscription_id"`
	Filter         Filter `json:"filter"`
}

// Unsubscribe removes a subscription and closes its delivery channel.
// Unknown IDs return an error; double unsubscribe is not.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if !ok {
		return errors.WrapInvalid(errors.ErrUnknownHandle, "Bus", "Unsubscribe", "subscription lookup")
	}
	sub.close()
	return nil
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Stats reports bus-level counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	subs := len(b.subs)
	b.mu.RUnlock()

	return Stats{
		Subscribers:   subs,
		Published:     b.published.Load(),
		DroppedEvents: b.totalDropped.Load(),
	}
}

// Stats holds bus counters.
type Stats struct {
	Subscribers   int   `json:"subscribers"`
	Published     int64 `json:"published"`
	DroppedEvents int64 `json:"dropped_events"`
}

// Stop closes all subscriptions and waits up to timeout for fan-out
// goroutines to finish. Stop is idempotent.
func (b *Bus) Stop(timeout time.Duration) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return errors.WrapTransient(errors.ErrShuttingDown, "Bus", "Stop", "fan-out drain")
	}
}

// fanOut moves events from the subscription's ring buffer to its
// delivery channel, preserving buffer order. A blocked delivery parks
// here while the ring keeps absorbing (and if needed dropping) new
// events, so publishers stay unblocked.
func (b *Bus) fanOut(sub *Subscription) {
	defer b.wg.Done()
	defer close(sub.out)

	for {
		e, ok := sub.ring.Read()
		if !ok {
			select {
			case <-sub.notify:
				continue
			case <-sub.done:
				return
			}
		}

		select {
		case sub.out <- e:
		case <-sub.done:
			return
		}
	}
}
