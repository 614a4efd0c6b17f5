package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CoreMetrics contains platform-level metrics shared by all components.
// Domain-specific metrics live with their owning component and are
// registered through the Registry.
type CoreMetrics struct {
	ComponentStatus    *prometheus.GaugeVec
	PointsIngested     *prometheus.CounterVec
	PointsRejected     *prometheus.CounterVec
	EventsPublished    *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	ErrorsTotal        *prometheus.CounterVec
}

func newCoreMetrics() *CoreMetrics {
	return &CoreMetrics{
		ComponentStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "component",
				Name:      "status",
				Help:      "Component status (0=stopped, 1=starting, 2=running, 3=stopping)",
			},
			[]string{"component"},
		),

		PointsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "pipeline",
				Name:      "points_ingested_total",
				Help:      "Total data points accepted by the pipeline",
			},
			[]string{"domain"},
		),

		PointsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "pipeline",
				Name:      "points_rejected_total",
				Help:      "Total data points rejected by the pipeline",
			},
			[]string{"domain", "reason"},
		),

		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "bus",
				Name:      "events_published_total",
				Help:      "Total events published to the event bus",
			},
			[]string{"type"},
		),

		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "pipeline",
				Name:      "processing_duration_seconds",
				Help:      "Time spent processing a submission",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"domain", "status"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "core",
				Name:      "errors_total",
				Help:      "Total errors by component and class",
			},
			[]string{"component", "class"},
		),
	}
}

func (m *CoreMetrics) register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.ComponentStatus,
		m.PointsIngested,
		m.PointsRejected,
		m.EventsPublished,
		m.ProcessingDuration,
		m.ErrorsTotal,
	)
}

// RecordComponentStatus sets the status gauge for a component.
func (m *CoreMetrics) RecordComponentStatus(component string, status int) {
	m.ComponentStatus.WithLabelValues(component).Set(float64(status))
}

// RecordError increments the error counter for a component and class.
func (m *CoreMetrics) RecordError(component, class string) {
	m.ErrorsTotal.WithLabelValues(component, class).Inc()
}
