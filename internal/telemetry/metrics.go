package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics named after the gateway's own components, replacing the
// teacher's billing/voice business metrics with the ones this system
// actually has: connections, sessions, outbound commands, KV/bus health.
var (
	OCPPConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ocpp_gateway_connections_active",
		Help: "Number of currently open charge-point WebSocket connections on this node.",
	})

	OCPPConnectionsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocpp_gateway_connections_rejected_total",
		Help: "Total rejected connection attempts by reason.",
	}, []string{"reason"})

	OCPPMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocpp_gateway_messages_total",
		Help: "Total OCPP messages by action and direction.",
	}, []string{"action", "direction"})

	SessionTakeoversTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocpp_gateway_session_takeovers_total",
		Help: "Session directory CAS outcomes (fresh, refreshed, takeover, denied).",
	}, []string{"outcome"})

	OutboundCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocpp_gateway_outbound_commands_total",
		Help: "Outbound commands dispatched by status.",
	}, []string{"command_type", "status"})

	KVLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ocpp_gateway_kv_latency_seconds",
		Help:    "KV store operation latency.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"operation"})

	BusMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocpp_gateway_bus_messages_total",
		Help: "Event bus messages by topic and status (published, consumed, failed).",
	}, []string{"topic", "status"})

	RateLimitRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocpp_gateway_rate_limit_rejections_total",
		Help: "Connections or messages rejected by the rate limiter, by scope.",
	}, []string{"scope"})
)

// RecordOCPPMessage records an inbound or outbound OCPP message.
func RecordOCPPMessage(action string, inbound bool) {
	direction := "outbound"
	if inbound {
		direction = "inbound"
	}
	OCPPMessagesTotal.WithLabelValues(action, direction).Inc()
}
