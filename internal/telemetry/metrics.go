// ABOUTME: Prometheus collectors for routing, task lifecycle, webhooks and maintenance
// ABOUTME: A nil *Metrics is valid and records nothing

package telemetry

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "coven_dispatch"

// Metrics exposes Prometheus collectors that report dispatcher activity.
type Metrics struct {
	routingDecisions   *prometheus.CounterVec
	taskTransitions    *prometheus.CounterVec
	completionDuration *prometheus.HistogramVec
	conflicts          *prometheus.CounterVec
	webhookDeliveries  *prometheus.CounterVec
	maintenanceRuns    *prometheus.CounterVec
	routingDuration    prometheus.Histogram
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Tests should pass a fresh prometheus.NewRegistry(). Registration errors
// other than an identical collector already being registered panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	return &Metrics{
		routingDecisions: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "decisions_total",
			Help:      "Routing attempts by outcome (assigned, no_match, already_routed).",
		}, []string{"outcome"})),
		taskTransitions: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "transitions_total",
			Help:      "Task state transitions by destination status.",
		}, []string{"status"})),
		completionDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "completion_duration_seconds",
			Help:      "Time from assignment to completion report.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"success"})),
		conflicts: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "conflicts_total",
			Help:      "Lost races: agent slot unavailable or task version conflict.",
		}, []string{"kind"})),
		webhookDeliveries: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhooks",
			Name:      "deliveries_total",
			Help:      "Webhook delivery attempts by event and outcome.",
		}, []string{"event", "outcome"})),
		maintenanceRuns: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "maintenance",
			Name:      "runs_total",
			Help:      "Maintenance sweeps by job and status.",
		}, []string{"job", "status"})),
		routingDuration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "route_duration_seconds",
			Help:      "Wall time of a single Route call.",
			Buckets:   prometheus.DefBuckets,
		})),
	}
}

// register adds c to reg, reusing an identical collector that is already
// registered so several instances can share the default registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ObserveDecision counts one routing attempt.
func (m *Metrics) ObserveDecision(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.routingDecisions.WithLabelValues(outcome).Inc()
	m.routingDuration.Observe(took.Seconds())
}

// ObserveTransition counts a task entering status.
func (m *Metrics) ObserveTransition(status string) {
	if m == nil {
		return
	}
	m.taskTransitions.WithLabelValues(status).Inc()
}

// ObserveCompletion records the assigned-to-completed duration.
func (m *Metrics) ObserveCompletion(success bool, took time.Duration) {
	if m == nil {
		return
	}
	label := "false"
	if success {
		label = "true"
	}
	m.completionDuration.WithLabelValues(label).Observe(took.Seconds())
}

// ObserveConflict counts a lost race of the given kind.
func (m *Metrics) ObserveConflict(kind string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(kind).Inc()
}

// ObserveWebhook counts a webhook delivery attempt.
func (m *Metrics) ObserveWebhook(event, outcome string) {
	if m == nil {
		return
	}
	m.webhookDeliveries.WithLabelValues(event, outcome).Inc()
}

// ObserveMaintenance counts one maintenance sweep.
func (m *Metrics) ObserveMaintenance(job string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.maintenanceRuns.WithLabelValues(job, status).Inc()
}
