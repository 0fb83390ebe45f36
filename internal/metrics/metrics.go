// Package metrics defines the conductor's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	WorkersByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_workers_total",
			Help: "Number of known workers by status",
		},
		[]string{"status"},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_worker_sessions_active",
			Help: "Number of live authenticated worker sessions",
		},
	)

	PingsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_worker_pings_total",
			Help: "Total number of worker heartbeats accepted",
		},
	)

	RegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_worker_registrations_total",
			Help: "Total number of registration attempts by outcome",
		},
		[]string{"outcome"},
	)

	SweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_liveness_sweeps_total",
			Help: "Total number of liveness sweep passes",
		},
	)

	// Fan-out metrics
	EventsFanoutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_events_fanout_total",
			Help: "Total number of events delivered to operator subscribers by event type",
		},
		[]string{"event"},
	)

	EventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_events_dropped_total",
			Help: "Total number of events dropped from saturated subscriber queues",
		},
	)

	SubscribersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_subscribers_active",
			Help: "Number of connected operator subscribers",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)
)

func init() {
	prometheus.MustRegister(WorkersByStatus)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(PingsTotal)
	prometheus.MustRegister(RegistrationsTotal)
	prometheus.MustRegister(SweepsTotal)
	prometheus.MustRegister(EventsFanoutTotal)
	prometheus.MustRegister(EventsDroppedTotal)
	prometheus.MustRegister(SubscribersActive)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
