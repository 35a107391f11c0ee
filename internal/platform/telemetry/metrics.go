package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lims"

// Metrics groups every collector the server and worker update.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	InFlight        prometheus.Gauge

	PublishTotal       *prometheus.CounterVec
	LabTransitionTotal *prometheus.CounterVec

	RendersTotal   *prometheus.CounterVec
	RenderDuration prometheus.Histogram
	WorkerInFlight prometheus.Gauge
	QueueJobs      *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route, and status code.",
		}, []string{"method", "route", "status"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency distribution.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"method", "route"}),

		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),

		PublishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "publish_report_total",
			Help:      "Publish report requests by outcome (enqueued, deduplicated, reused, rejected).",
		}, []string{"outcome"}),

		LabTransitionTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "lab_item_transitions_total",
			Help:      "Lab order item status transitions by target status.",
		}, []string{"status"}),

		RendersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "jobs_total",
			Help:      "Render jobs handled by outcome (rendered, failed, skipped).",
		}, []string{"outcome"}),

		RenderDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "duration_seconds",
			Help:      "Time from dequeue to completion of a render job.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),

		WorkerInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "in_flight_jobs",
			Help:      "Render jobs currently being processed by this worker.",
		}),

		QueueJobs: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs",
			Help:      "Jobs in the render queue by state.",
		}, []string{"state"}),
	}
}

// ObservePublish is nil-safe so services can run without metrics in tests.
func (m *Metrics) ObservePublish(outcome string) {
	if m == nil {
		return
	}
	m.PublishTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveLabTransition(status string) {
	if m == nil {
		return
	}
	m.LabTransitionTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveRender(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.RendersTotal.WithLabelValues(outcome).Inc()
	if seconds > 0 {
		m.RenderDuration.Observe(seconds)
	}
}

// SetQueueDepth records a queue counts snapshot.
func (m *Metrics) SetQueueDepth(counts map[string]int64) {
	if m == nil {
		return
	}
	for state, n := range counts {
		m.QueueJobs.WithLabelValues(state).Set(float64(n))
	}
}

// JobStarted counts a job in flight and returns the matching decrement.
func (m *Metrics) JobStarted() func() {
	if m == nil {
		return func() {}
	}
	m.WorkerInFlight.Inc()
	return m.WorkerInFlight.Dec
}
