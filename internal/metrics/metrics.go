// Package metrics defines the Prometheus instrumentation for the bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Upstream metrics
var (
	// UpstreamConnectionState tracks the upstream link state
	// (0=disconnected, 1=connecting, 2=connected).
	UpstreamConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "upstream_connection_state",
			Help: "Upstream link state (0=disconnected, 1=connecting, 2=connected)",
		},
	)

	// UpstreamTelemetryTotal tracks telemetry messages received from the
	// upstream by outcome (applied/dropped).
	UpstreamTelemetryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_telemetry_messages_total",
			Help: "Telemetry messages received from the upstream by outcome",
		},
		[]string{"outcome"},
	)

	// UpstreamCommandsTotal tracks commands forwarded upstream by outcome
	// (sent/failed/rate_limited).
	UpstreamCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_commands_total",
			Help: "Control commands forwarded upstream by outcome",
		},
		[]string{"outcome"},
	)

	// UpstreamPollDuration tracks poll request latency in seconds.
	UpstreamPollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "upstream_poll_duration_seconds",
			Help:    "Upstream poll request duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// UpstreamReconnectsTotal counts connection losses that triggered a
	// reconnect cycle.
	UpstreamReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "upstream_reconnects_total",
			Help: "Total upstream connection losses",
		},
	)
)

// Session metrics
var (
	// ConnectedSessions tracks the number of connected dashboard sessions.
	ConnectedSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_connected_sessions",
			Help: "Number of connected dashboard WebSocket sessions",
		},
	)

	// SlowSessionsEvicted counts sessions evicted because their send buffer
	// was full during a broadcast.
	SlowSessionsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_slow_sessions_evicted_total",
			Help: "Total sessions evicted due to a full send buffer",
		},
	)

	// BroadcastsTotal counts state broadcasts fanned out to sessions.
	BroadcastsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_broadcasts_total",
			Help: "Total state broadcasts fanned out to sessions",
		},
	)

	// ClientCommandsTotal tracks inbound session commands by outcome
	// (accepted/rejected).
	ClientCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_client_commands_total",
			Help: "Inbound dashboard commands by outcome",
		},
		[]string{"outcome"},
	)
)
