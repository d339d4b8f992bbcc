// Package metrics provides Prometheus instrumentation for the scheduler.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "jobsched"

// Registry holds all metric instances. A nil *Registry is a valid no-op so
// components can be built without instrumentation.
type Registry struct {
	Gatherer prometheus.Gatherer

	JobsSubmitted  *prometheus.CounterVec
	JobsDispatched *prometheus.CounterVec
	JobsFinished   *prometheus.CounterVec
	JobsDiscarded  prometheus.Counter
	Reloads        *prometheus.CounterVec

	WorkersActive prometheus.Gauge
	WorkersMax    prometheus.Gauge
	QueueDepth    prometheus.Gauge

	ExecutionDuration *prometheus.HistogramVec
}

// New creates a Registry on a fresh prometheus registry that also carries
// the Go runtime and process collectors.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	r := NewRegistry(reg)
	r.Gatherer = reg
	return r
}

// NewRegistry registers every metric with reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		JobsSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "jobs_submitted_total",
				Help:      "Jobs handed to the scheduler, by priority",
			},
			[]string{"priority"},
		),

		JobsDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "jobs_dispatched_total",
				Help:      "Jobs that acquired a worker slot, by priority",
			},
			[]string{"priority"},
		),

		JobsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "jobs_finished_total",
				Help:      "Jobs that reached a terminal status",
			},
			[]string{"status"},
		),

		JobsDiscarded: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "jobs_discarded_total",
				Help:      "Queued entries dropped because the stored job was no longer PENDING",
			},
		),

		Reloads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "reloads_total",
				Help:      "Queue reloads from the store, by outcome",
			},
			[]string{"result"},
		),

		WorkersActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "workers",
				Name:      "active",
				Help:      "Worker slots currently held",
			},
		),

		WorkersMax: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "workers",
				Name:      "max",
				Help:      "Configured worker slot limit",
			},
		),

		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "depth",
				Help:      "PENDING jobs waiting for a slot",
			},
		),

		ExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "execution_duration_seconds",
				Help:      "Time between StartTime and EndTime",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"status"},
		),
	}
}

func (r *Registry) Submitted(priority string) {
	if r == nil {
		return
	}
	r.JobsSubmitted.WithLabelValues(priorityLabel(priority)).Inc()
}

func (r *Registry) Dispatched(priority string) {
	if r == nil {
		return
	}
	r.JobsDispatched.WithLabelValues(priorityLabel(priority)).Inc()
}

// Finished records a terminal outcome and its execution time.
func (r *Registry) Finished(status string, took time.Duration) {
	if r == nil {
		return
	}
	r.JobsFinished.WithLabelValues(status).Inc()
	r.ExecutionDuration.WithLabelValues(status).Observe(took.Seconds())
}

func (r *Registry) Discarded() {
	if r == nil {
		return
	}
	r.JobsDiscarded.Inc()
}

func (r *Registry) Reloaded(err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.Reloads.WithLabelValues(result).Inc()
}

// Occupancy publishes the scheduler's slot and queue gauges.
func (r *Registry) Occupancy(active, max, queued int) {
	if r == nil {
		return
	}
	r.WorkersActive.Set(float64(active))
	r.WorkersMax.Set(float64(max))
	r.QueueDepth.Set(float64(queued))
}

func priorityLabel(p string) string {
	if p == "" {
		return "UNSET"
	}
	return p
}
