// Package testutil provides data generators and fake collaborators for
// integration tests: deterministic correlated domain series and an
// in-process connector that drives the pipeline.
package testutil

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/citypulse/core/registry"
	"github.com/citypulse/core/types"
)

// Submitter is the pipeline surface fake connectors drive.
type Submitter interface {
	Submit(domain types.DomainID, payload map[string]any) error
}

// CorrelatedSeries builds n aligned weather and transportation
// payloads where congestion tracks temperature linearly with bounded
// deterministic noise. Useful for exercising correlation detection
// without randomness in assertions.
func CorrelatedSeries(base time.Time, n int, step time.Duration) (weather, transportation []map[string]any) {
	for i := 0; i < n; i++ {
		ts := base.Add(time.Duration(i) * step)
		temp := 10 + 0.2*float64(i)
		noise := 2 * math.Sin(1.3*float64(i))

		weather = append(weather, map[string]any{
			"timestamp":   ts,
			"temperature": temp,
		})
		transportation = append(transportation, map[string]any{
			"timestamp":  ts.Add(10 * time.Second),
			"congestion": 2*temp + noise,
		})
	}
	return weather, transportation
}

// RandomPayload builds one submission for a domain with plausible
// field values from a seeded source.
func RandomPayload(rng *rand.Rand, domain types.DomainID, ts time.Time) map[string]any {
	payload := map[string]any{"timestamp": ts}
	switch domain {
	case types.DomainWeather:
		payload["temperature"] = 10 + rng.Float64()*20
		payload["humidity"] = 40 + rng.Float64()*40
	case types.DomainEconomic:
		payload["market_index"] = 1000 + rng.Float64()*200
	case types.DomainTransportation:
		payload["congestion"] = rng.Float64() * 100
	case types.DomainSocial:
		payload["sentiment"] = rng.Float64()*2 - 1
	}
	return payload
}

// FakeConnector is an integrator-managed component that submits a
// fixed batch of payloads on start.
type FakeConnector struct {
	name     string
	domain   types.DomainID
	payloads []map[string]any
	sink     Submitter

	mu        sync.Mutex
	started   bool
	stopped   bool
	submitted int
	errs      []error
}

// NewFakeConnector creates a connector that feeds payloads for one
// domain into the sink when started.
func NewFakeConnector(name string, domain types.DomainID, sink Submitter, payloads []map[string]any) *FakeConnector {
	return &FakeConnector{
		name:     name,
		domain:   domain,
		payloads: payloads,
		sink:     sink,
	}
}

// Name implements the managed component interface.
func (c *FakeConnector) Name() string { return c.name }

// Kind implements the managed component interface.
func (c *FakeConnector) Kind() registry.Kind { return registry.KindConnector }

// Start submits the configured payloads synchronously.
func (c *FakeConnector) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true

	for _, p := range c.payloads {
		if err := c.sink.Submit(c.domain, p); err != nil {
			c.errs = append(c.errs, err)
			continue
		}
		c.submitted++
	}
	return nil
}

// Stop implements the managed component interface.
func (c *FakeConnector) Stop(time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	return nil
}

// Submitted returns how many payloads were accepted.
func (c *FakeConnector) Submitted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submitted
}

// Errors returns submission failures observed on start.
func (c *FakeConnector) Errors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.errs...)
}

// Started reports whether Start ran.
func (c *FakeConnector) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Stopped reports whether Stop ran.
func (c *FakeConnector) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}
