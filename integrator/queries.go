package integrator

import (
	"time"

	"github.com/google/uuid"

	"github.com/citypulse/core/alert"
	"github.com/citypulse/core/bus"
	"github.com/citypulse/core/correlator"
	"github.com/citypulse/core/health"
	"github.com/citypulse/core/pipeline"
	"github.com/citypulse/core/registry"
	"github.com/citypulse/core/types"
)

// Submit routes one connector observation into the data pipeline.
func (i *Integrator) Submit(domain types.DomainID, payload map[string]any) error {
	return i.pipeline.Submit(domain, payload)
}

// StatusSnapshot returns the registry's view of component liveness.
func (i *Integrator) StatusSnapshot() map[string]registry.Record {
	return i.registry.Snapshot()
}

// CurrentAlerts returns the active alerts.
func (i *Integrator) CurrentAlerts() []alert.Alert {
	return i.alerts.CurrentAlerts()
}

// AlertHistory returns recently resolved alerts, newest first.
func (i *Integrator) AlertHistory(limit int) []alert.Alert {
	return i.alerts.History(limit)
}

// ConfigureThreshold installs or replaces an alert threshold.
func (i *Integrator) ConfigureThreshold(t alert.Threshold) error {
	return i.alerts.ConfigureThreshold(t)
}

// Thresholds returns the configured alert thresholds.
func (i *Integrator) Thresholds() []alert.Threshold {
	return i.alerts.Thresholds()
}

// AcknowledgeAlert marks an active alert as acknowledged.
func (i *Integrator) AcknowledgeAlert(id uuid.UUID) error {
	return i.alerts.Acknowledge(id)
}

// EvaluateMetric applies one sampled value to its threshold, for
// callers that push metrics instead of waiting for the periodic cycle.
func (i *Integrator) EvaluateMetric(metricPath string, value float64) (*alert.Transition, error) {
	return i.alerts.Evaluate(metricPath, value)
}

// CorrelationData returns the render-ready correlation view.
func (i *Integrator) CorrelationData() correlator.VisualizationData {
	return i.correlator.VisualizationData()
}

// Anomalies returns the latest cycle's detected anomalies.
func (i *Integrator) Anomalies() []correlator.Anomaly {
	return i.correlator.Anomalies()
}

// SetTimeWindow reconfigures the correlator's sliding window.
func (i *Integrator) SetTimeWindow(d time.Duration) error {
	return i.correlator.SetTimeWindow(d)
}

// Recompute forces one correlation cycle outside the periodic timer.
func (i *Integrator) Recompute() {
	i.correlator.Recompute()
}

// Subscribe attaches a subscriber to the event bus.
func (i *Integrator) Subscribe(filter bus.Filter) (*bus.Subscription, error) {
	return i.bus.Subscribe(filter)
}

// Unsubscribe detaches a subscriber.
func (i *Integrator) Unsubscribe(id string) error {
	return i.bus.Unsubscribe(id)
}

// Bus exposes the event bus for transport bridges.
func (i *Integrator) Bus() *bus.Bus {
	return i.bus
}

// Registry exposes the component registry for out-of-process
// collaborators that heartbeat directly.
func (i *Integrator) Registry() *registry.Registry {
	return i.registry
}

// PipelineStats returns pipeline throughput and queue counters.
func (i *Integrator) PipelineStats() pipeline.Stats {
	return i.pipeline.Stats()
}

// Health refreshes the monitor with every owned component's status and
// returns the aggregate.
func (i *Integrator) Health() health.Status {
	i.refreshHealth()
	status := i.monitor.AggregateHealth("citypulse")

	i.lifecycleMu.Lock()
	start := i.startTime
	i.lifecycleMu.Unlock()
	if !start.IsZero() {
		status.Metrics = &health.Metrics{Uptime: i.clock.Now().Sub(start)}
	}
	return status
}

// ComponentHealth returns the per-component statuses as of the last
// refresh.
func (i *Integrator) ComponentHealth() map[string]health.Status {
	i.refreshHealth()
	return i.monitor.GetAll()
}

func (i *Integrator) refreshHealth() {
	i.monitor.Update("pipeline", i.pipeline.Health())
	i.monitor.Update("correlator", i.correlator.Health())
	i.monitor.Update("alerts", i.alerts.Health())
	i.monitor.Update("registry", i.registry.Health())
}
