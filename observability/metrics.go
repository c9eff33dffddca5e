// Package observability hosts the Prometheus collectors shared across the
// order workflow.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the workflow collectors.
type Metrics struct {
	OrdersCreated     prometheus.Counter
	OrdersCompleted   prometheus.Counter
	WebhookEvents     *prometheus.CounterVec
	AllocationsFailed *prometheus.CounterVec
	PollAttempts      *prometheus.CounterVec
	SweepRuns         prometheus.Counter
}

var (
	metricsOnce sync.Once
	shared      *Metrics
)

// Default returns the process-wide metrics registered against the default
// Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		shared = newMetrics(prometheus.DefaultRegisterer)
	})
	return shared
}

// NewFor registers a fresh collector set against reg. Used in tests to
// avoid duplicate registration.
func NewFor(reg prometheus.Registerer) *Metrics {
	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storagehub_orders_created_total",
			Help: "Orders created through checkout.",
		}),
		OrdersCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storagehub_orders_completed_total",
			Help: "Orders that reached COMPLETED.",
		}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storagehub_webhook_events_total",
			Help: "Processor webhook events by type and outcome.",
		}, []string{"type", "result"}),
		AllocationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storagehub_allocations_failed_total",
			Help: "Failed allocation submissions by provider.",
		}, []string{"provider"}),
		PollAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storagehub_poll_attempts_total",
			Help: "Confirmation poll iterations by provider.",
		}, []string{"provider"}),
		SweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storagehub_sweep_runs_total",
			Help: "Recovery sweep executions.",
		}),
	}
	reg.MustRegister(m.OrdersCreated, m.OrdersCompleted, m.WebhookEvents,
		m.AllocationsFailed, m.PollAttempts, m.SweepRuns)
	return m
}
