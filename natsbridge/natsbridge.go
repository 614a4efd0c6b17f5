// Package natsbridge forwards event bus traffic onto NATS subjects so
// out-of-process consumers can follow the same stream WebSocket
// clients see. The bridge is optional: without a configured URL it is
// a no-op component.
package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/citypulse/core/bus"
	"github.com/citypulse/core/errors"
	"github.com/citypulse/core/types"
)

// DefaultSubjectPrefix is used when the config leaves it empty.
const DefaultSubjectPrefix = "citypulse.events"

// Broker is the slice of the event bus the bridge needs.
type Broker interface {
	Subscribe(filter bus.Filter) (*bus.Subscription, error)
	Unsubscribe(id string) error
}

// Config holds bridge settings. An empty URL disables the bridge.
type Config struct {
	URL           string
	SubjectPrefix string
}

// Bridge relays every bus event to NATS.
type Bridge struct {
	cfg    Config
	broker Broker
	logger *slog.Logger

	nc  *nats.Conn
	sub *bus.Subscription

	forwarded atomic.Int64
	failed    atomic.Int64

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	wg          sync.WaitGroup
}

// New creates a bridge over the given broker.
func New(cfg Config, broker Broker, logger *slog.Logger) *Bridge {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:    cfg,
		broker: broker,
		logger: logger.With("component", "natsbridge"),
	}
}

// Enabled reports whether a NATS URL is configured.
func (b *Bridge) Enabled() bool {
	return b.cfg.URL != ""
}

// Start connects to NATS and begins forwarding. A disabled bridge
// starts successfully and does nothing.
func (b *Bridge) Start(ctx context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if b.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "NATSBridge", "Start", "lifecycle check")
	}
	b.started = true

	if !b.Enabled() {
		b.logger.Info("nats bridge disabled, no url configured")
		return nil
	}

	nc, err := nats.Connect(b.cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return errors.WrapTransient(err, "NATSBridge", "Start", "nats connect")
	}
	b.nc = nc

	sub, err := b.broker.Subscribe(bus.Filter{})
	if err != nil {
		nc.Close()
		return errors.Wrap(err, "NATSBridge", "Start", "bus subscription")
	}
	b.sub = sub

	b.wg.Add(1)
	go b.forward(ctx)

	b.logger.Info("nats bridge started", "url", b.cfg.URL, "prefix", b.cfg.SubjectPrefix)
	return nil
}

func (b *Bridge) forward(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-b.sub.Events():
			if !ok {
				return
			}
			b.publish(e)
		}
	}
}

func (b *Bridge) publish(e types.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		b.failed.Add(1)
		return
	}
	if err := b.nc.Publish(b.subjectFor(e.Type), data); err != nil {
		b.failed.Add(1)
		b.logger.Warn("nats publish failed", "subject", b.subjectFor(e.Type), "error", err)
		return
	}
	b.forwarded.Add(1)
}

// subjectFor maps an event type to its NATS subject.
func (b *Bridge) subjectFor(t types.EventType) string {
	return fmt.Sprintf("%s.%s", b.cfg.SubjectPrefix, t)
}

// Forwarded returns how many events reached NATS.
func (b *Bridge) Forwarded() int64 { return b.forwarded.Load() }

// Stop detaches from the bus and drains the connection. Idempotent.
func (b *Bridge) Stop(timeout time.Duration) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if !b.started || b.stopped {
		return nil
	}
	b.stopped = true

	if b.sub != nil {
		if err := b.broker.Unsubscribe(b.sub.ID); err != nil {
			b.logger.Debug("bus unsubscribe failed", "error", err)
		}
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
	case <-timer.C:
		return errors.WrapTransient(errors.ErrShuttingDown, "NATSBridge", "Stop", "forwarder drain")
	}

	if b.nc != nil {
		if err := b.nc.Drain(); err != nil {
			b.nc.Close()
		}
	}
	return nil
}
