// Package metrics provides Prometheus instrumentation for the bridge. It
// exposes gauges for pool occupancy and live connections, and counters for
// message throughput across the stdio/WebSocket boundary.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AgentsTotal tracks the current number of pooled agent processes.
	AgentsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_agents_total",
		Help: "Current number of pooled agent processes",
	})

	// AgentsConnected tracks pooled agents with a live client connection.
	AgentsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_agents_connected",
		Help: "Pooled agents with an attached client connection",
	})

	// AgentsIdle tracks pooled agents awaiting a reconnect.
	AgentsIdle = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_agents_idle",
		Help: "Pooled agents with no attached client connection",
	})

	// ConnectionsActive tracks the current number of WebSocket connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts messages crossing the bridge, labeled by
	// direction: "to_agent" or "to_client".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_messages_total",
		Help: "Total number of messages forwarded",
	}, []string{"direction"})

	// MessagesBuffered counts agent lines buffered while disconnected.
	MessagesBuffered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_messages_buffered_total",
		Help: "Agent messages buffered while the client was disconnected",
	})

	// MessagesDropped counts agent lines dropped at the buffer cap.
	MessagesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_messages_dropped_total",
		Help: "Agent messages dropped because the disconnect buffer was full",
	})

	// SubscriberLag counts lines skipped by lagging output subscribers.
	SubscriberLag = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_subscriber_lag_total",
		Help: "Agent output lines skipped by subscribers that fell behind",
	})
)

func init() {
	prometheus.MustRegister(
		AgentsTotal,
		AgentsConnected,
		AgentsIdle,
		ConnectionsActive,
		MessagesTotal,
		MessagesBuffered,
		MessagesDropped,
		SubscriberLag,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
