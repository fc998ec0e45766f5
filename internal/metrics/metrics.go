// Package metrics provides Prometheus instrumentation for the chat backend.
// It exposes gauges for connection, queue, and room counts, and counters for
// match and message throughput, including messages dropped by the abuse guard.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "driftchat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// WaitingUsers tracks the current number of connections in the waiting queue.
	WaitingUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "driftchat_waiting_users",
		Help: "Current number of connections waiting for a match",
	})

	// ActiveRooms tracks the current number of active two-party rooms.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "driftchat_active_rooms",
		Help: "Current number of active chat rooms",
	})

	// MatchesTotal counts the total number of matches made.
	MatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "driftchat_matches_total",
		Help: "Total number of matches made",
	})

	// MessagesTotal counts messages processed, labeled by outcome:
	// "relayed", "rate_limited", "spam", or "too_long".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "driftchat_messages_total",
		Help: "Total number of messages processed",
	}, []string{"outcome"})

	// QueueEvictions counts waiting entries evicted by the janitor.
	QueueEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "driftchat_queue_evictions_total",
		Help: "Total number of stale waiting entries evicted",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		WaitingUsers,
		ActiveRooms,
		MatchesTotal,
		MessagesTotal,
		QueueEvictions,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
