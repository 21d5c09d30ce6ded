// Package metrics provides Prometheus instrumentation for the messenger. It
// exposes gauges for connections, online users and sequencer lanes, counters
// for inbound events and deliveries, and a histogram for store latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveConnections tracks the number of registered connection handles.
	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messenger_connections_active",
		Help: "Current number of registered WebSocket connections",
	})

	// OnlineUsers tracks users whose published presence is online.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messenger_users_online",
		Help: "Current number of users published as online",
	})

	// SequencerLanes tracks per-chat lanes that currently have work.
	SequencerLanes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messenger_sequencer_lanes",
		Help: "Current number of active per-chat sequencer lanes",
	})

	// EventsTotal counts inbound events, labeled by action and result.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_events_total",
		Help: "Total number of inbound events processed",
	}, []string{"action", "result"}) // result = "ok", "duplicate", or an error code

	// Deliveries counts per-connection sends, labeled by outcome.
	Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_deliveries_total",
		Help: "Total number of frames pushed to connections",
	}, []string{"outcome"}) // outcome = "delivered", "stale"

	// TypingExpirations counts typing entries stopped by the sweep or by
	// disconnect rather than by an explicit stop.
	TypingExpirations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messenger_typing_expirations_total",
		Help: "Total number of typing indicators expired without an explicit stop",
	})

	// StoreLatency records durable write latency in seconds.
	StoreLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "messenger_store_latency_seconds",
		Help:    "Durable store operation latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
	}, []string{"op"})

	// RelayFrames counts frames exchanged with other nodes.
	RelayFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_relay_frames_total",
		Help: "Total number of fanout frames relayed between nodes",
	}, []string{"direction"}) // direction = "out", "in"
)

func init() {
	prometheus.MustRegister(
		ActiveConnections,
		OnlineUsers,
		SequencerLanes,
		EventsTotal,
		Deliveries,
		TypingExpirations,
		StoreLatency,
		RelayFrames,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
