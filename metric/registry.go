// Package metric manages Prometheus metric registration and exposure for
// the integration core. Components register their collectors through a
// shared Registry so metric names stay unique and everything is served
// from one /metrics endpoint.
package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/citypulse/core/errors"
)

// Namespace is the prometheus namespace for all core metrics.
const Namespace = "citypulse"

// Registrar is the interface components use to register their metrics.
type Registrar interface {
	RegisterCollector(component, name string, c prometheus.Collector) error
	Unregister(component, name string) bool
}

// Registry manages the registration and lifecycle of metrics.
type Registry struct {
	prom       *prometheus.Registry
	Core       *CoreMetrics
	registered map[string]prometheus.Collector
	mu         sync.RWMutex
}

// NewRegistry creates a metrics registry with core platform metrics and
// Go runtime collectors pre-registered.
func NewRegistry() *Registry {
	promReg := prometheus.NewRegistry()

	r := &Registry{
		prom:       promReg,
		registered: make(map[string]prometheus.Collector),
	}

	r.Core = newCoreMetrics()
	r.Core.register(promReg)

	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// Prometheus returns the underlying Prometheus registry.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.prom
}

// RegisterCollector registers a component-owned collector. The component
// and name pair must be unique across the process.
func (r *Registry) RegisterCollector(component, name string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	if _, exists := r.registered[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for %s", name, component),
			"Registry", "RegisterCollector", "duplicate metric registration")
	}

	if err := r.prom.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if stderrors.As(err, &already) {
			return errors.WrapInvalid(err, "Registry", "RegisterCollector",
				fmt.Sprintf("prometheus conflict for metric %s", name))
		}
		return errors.WrapFatal(err, "Registry", "RegisterCollector",
			"prometheus registration")
	}

	r.registered[key] = c
	return nil
}

// Unregister removes a previously registered collector. Returns false if
// the collector was not registered.
func (r *Registry) Unregister(component, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	c, exists := r.registered[key]
	if !exists {
		return false
	}

	delete(r.registered, key)
	return r.prom.Unregister(c)
}

var _ Registrar = (*Registry)(nil)
