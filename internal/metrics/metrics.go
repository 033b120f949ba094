// Package metrics provides Prometheus instrumentation for the support chat
// service. It exposes a gauge for live connections, counters for message and
// delivery throughput, and a histogram for session-list latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "supportchat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts send attempts, labeled by outcome: "customer" or
	// "staff" for persisted messages, "rejected" for validation failures and
	// "failed" for store errors.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "supportchat_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"type"})

	// DeliveriesTotal counts routed staff notifications by route: "owner" or
	// "legacy".
	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "supportchat_deliveries_total",
		Help: "Total number of staff notifications routed",
	}, []string{"route"})

	// DeliveryErrors counts bus publish failures.
	DeliveryErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "supportchat_delivery_errors_total",
		Help: "Total number of real-time publish failures",
	})

	// SessionListLatency records how long a session-list rebuild takes.
	SessionListLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "supportchat_session_list_seconds",
		Help:    "Session list resolution latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// GroupMembers tracks current real-time group memberships.
	GroupMembers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "supportchat_group_members",
		Help: "Current number of real-time group memberships",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		DeliveriesTotal,
		DeliveryErrors,
		SessionListLatency,
		GroupMembers,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
