// Package metrics provides Prometheus instrumentation for the broker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP transport metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "broker_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Ticket and execution metrics.
var (
	TicketsEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_tickets_enqueued_total",
		Help: "Total number of tickets enqueued, by target agent.",
	}, []string{"target_agent"})

	TicketWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "broker_ticket_wait_duration_seconds",
		Help:    "Time a wait() caller spent blocked on a ticket reply.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_executions_total",
		Help: "Total number of runner executions, by outcome.",
	}, []string{"agent_id", "cli_kind", "outcome"})

	ExecutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "broker_execution_duration_seconds",
		Help:    "Runner turn execution duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"agent_id", "cli_kind"})
)

// Circuit breaker and delivery metrics.
var (
	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "broker_circuit_state",
		Help: "Circuit breaker state per agent (0=closed, 1=open, 2=halfOpen).",
	}, []string{"agent_id"})

	ShadowMismatchTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_shadow_mismatch_total",
		Help: "Total number of shadow comparisons where output did not match.",
	})
)

// Agent fleet gauges.
var (
	ActiveAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_active_agents",
		Help: "Number of currently online agents.",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_active_sessions",
		Help: "Number of sessions currently holding the execution lock.",
	})
)

// WebSocket observability fan-out metrics.
var (
	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_ws_connections_active",
		Help: "Number of active monitor-stream WebSocket connections.",
	})

	WSMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_ws_messages_total",
		Help: "Total number of events broadcast to monitor-stream subscribers.",
	})

	WSSubscriberLaggedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_ws_subscriber_lagged_total",
		Help: "Total number of frames dropped because a monitor-stream subscriber's outbox was full.",
	})
)
