package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ClientConnections counts channel lifecycle outcomes (connect|connect_error|disconnect|reconnect|reconnect_failed).
	ClientConnections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadsync_client_connections_total",
			Help: "Channel lifecycle signals observed by the client connection manager",
		},
		[]string{"signal"},
	)

	// ClientReconnectAttempts counts reconnection dials.
	ClientReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threadsync_client_reconnect_attempts_total",
			Help: "Total number of reconnection attempts",
		},
	)

	// ClientStaleEvents counts inbound events discarded because they belong to a previous session generation.
	ClientStaleEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threadsync_client_stale_events_total",
			Help: "Inbound events dropped for a stale session generation",
		},
	)

	// ClientErrors counts errors funnelled through the shared error channel by kind.
	ClientErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadsync_client_errors_total",
			Help: "Errors reported by the client core",
		},
		[]string{"kind"},
	)

	// ActiveRooms tracks thread rooms with at least one member on this node.
	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "threadsync_active_rooms",
			Help: "Number of thread rooms with members",
		},
	)

	// ActiveConnections tracks websocket connections served by the hub.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "threadsync_active_connections",
			Help: "Number of open websocket connections",
		},
	)

	// LockDecisions counts lock arbitration outcomes (granted|denied|released|expired).
	LockDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadsync_lock_decisions_total",
			Help: "Edit lock arbitration outcomes",
		},
		[]string{"result"},
	)

	// Broadcasts counts room broadcasts by event name.
	Broadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadsync_broadcasts_total",
			Help: "Room broadcasts sent by the authority",
		},
		[]string{"event"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "threadsync_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
