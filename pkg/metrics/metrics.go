package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Roster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketd_nodes_total",
			Help: "Number of roster nodes by state",
		},
		[]string{"state"},
	)

	HeartbeatsAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marketd_heartbeats_accepted_total",
			Help: "Accepted heartbeat submissions",
		},
	)

	HeartbeatsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketd_heartbeats_rejected_total",
			Help: "Rejected heartbeat submissions by reason",
		},
		[]string{"reason"},
	)

	// Job metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketd_jobs_total",
			Help: "Number of jobs by state",
		},
		[]string{"state"},
	)

	JobTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketd_job_transitions_total",
			Help: "Job state transitions by target state",
		},
		[]string{"to_state"},
	)

	SchedulingFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marketd_scheduling_failures_total",
			Help: "Scheduling attempts that found no placement",
		},
	)

	// Outbox metrics
	OutboxEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketd_outbox_entries",
			Help: "Outbox entries by state",
		},
		[]string{"state"},
	)

	OutboxFlushAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketd_outbox_flush_attempts_total",
			Help: "Outbox flush attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Usage metrics
	UsageRecordsEmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marketd_usage_records_emitted_total",
			Help: "Usage records emitted by the reporter",
		},
	)

	// Chain event metrics
	ChainEventsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketd_chain_events_dispatched_total",
			Help: "Chain events dispatched to subscribers by type",
		},
		[]string{"type"},
	)

	ChainReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marketd_chain_reconnects_total",
			Help: "Chain event client reconnect attempts",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketd_api_requests_total",
			Help: "API requests by route and status class",
		},
		[]string{"route", "status"},
	)
)

var registerOnce sync.Once

// Register registers all collectors with the default registry. Safe to call
// from multiple components; registration happens once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			NodesTotal,
			HeartbeatsAccepted,
			HeartbeatsRejected,
			JobsTotal,
			JobTransitions,
			SchedulingFailures,
			OutboxEntries,
			OutboxFlushAttempts,
			UsageRecordsEmitted,
			ChainEventsDispatched,
			ChainReconnects,
			APIRequestsTotal,
		)
	})
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
