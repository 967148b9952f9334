// Package metrics exposes the manager's Prometheus metrics at GET /metrics.
// The teacher's go.mod declares client_golang but no sampled file wires it;
// this package gives it a concrete home: gauges/counters for the things
// internal/managerapi, gateway, and workflow/engine actually track.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric this repo exposes, all on a private
// prometheus.Registry so tests can construct independent instances without
// colliding with the global default registry.
type Registry struct {
	reg *prometheus.Registry

	ActorsActive        prometheus.Gauge
	ConnectionsActive    prometheus.Gauge
	ConnectionsTotal     prometheus.Counter
	ReconnectsTotal      prometheus.Counter
	ActionsTotal         *prometheus.CounterVec
	ActionDuration       *prometheus.HistogramVec
	QueueSize            *prometheus.GaugeVec
	GatewayRequestsTotal *prometheus.CounterVec
	WorkflowStepsTotal   *prometheus.CounterVec
	WorkflowStepDuration *prometheus.HistogramVec
}

// New builds a Registry with all metrics registered under namespace
// "rivetkit".
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,

		ActorsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "rivetkit",
			Name:      "actors_active",
			Help:      "Number of actor identities currently known to the manager driver.",
		}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "rivetkit",
			Name:      "connections_active",
			Help:      "Number of client connections currently in the connected state.",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rivetkit",
			Name:      "connections_opened_total",
			Help:      "Total number of client connections ever opened.",
		}),
		ReconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rivetkit",
			Name:      "connection_reconnects_total",
			Help:      "Total number of reconnect attempts made by client connections.",
		}),
		ActionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rivetkit",
			Name:      "actions_total",
			Help:      "Total number of actions invoked, labeled by outcome.",
		}, []string{"outcome"}),
		ActionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rivetkit",
			Name:      "action_duration_seconds",
			Help:      "Action execution latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"}),
		QueueSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rivetkit",
			Name:      "queue_size",
			Help:      "Current depth of a named actor queue.",
		}, []string{"actor_id", "queue"}),
		GatewayRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rivetkit",
			Name:      "gateway_requests_total",
			Help:      "Total gateway requests, labeled by routing mode and status class.",
		}, []string{"routing", "status"}),
		WorkflowStepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rivetkit",
			Name:      "workflow_steps_total",
			Help:      "Total workflow step executions, labeled by outcome.",
		}, []string{"outcome"}),
		WorkflowStepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rivetkit",
			Name:      "workflow_step_duration_seconds",
			Help:      "Workflow step execution latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"}),
	}
}

// Handler returns the /metrics scrape endpoint for this Registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
