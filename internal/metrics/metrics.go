package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics (admin surface)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "Total admin HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_http_request_duration_seconds",
			Help:    "Admin HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Connection metrics
	OpenConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_open_connections",
			Help: "Currently open TCP connections",
		},
		[]string{"service"}, // "router" or "relay"
	)

	ProtocolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_protocol_errors_total",
			Help: "Connections closed because of malformed input",
		},
		[]string{"service"},
	)

	// Presence metrics
	OnlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_presence_records",
			Help: "Live presence records in the registry",
		},
	)

	Registrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_registrations_total",
			Help: "REGISTER requests by outcome",
		},
		[]string{"result"}, // "ok", "duplicate", "queue_unavailable", "invalid"
	)

	// Business metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "SEND requests by delivery outcome",
		},
		[]string{"result"}, // "instant", "queued", "push_fallback", or an error kind
	)

	CatchUps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_catchup_total",
			Help: "Catch-up fetch tasks by outcome",
		},
		[]string{"result"}, // "delivered", "empty", "abandoned", "failed", "dropped"
	)

	CatchUpDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_catchup_envelopes_total",
			Help: "Envelopes pushed by catch-up fetches",
		},
	)

	// Queue metrics
	QueueOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_queue_ops_total",
			Help: "Queue gateway operations by outcome",
		},
		[]string{"op", "result"},
	)

	QueueLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_queue_latency_seconds",
			Help:    "Durable queue backend operation latency",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"op"},
	)

	GatewayState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_queue_gateway_state",
			Help: "Queue gateway state (0 disconnected, 1 connecting, 2 ready)",
		},
	)

	RelayCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_relay_calls_total",
			Help: "Router-to-relay RPC calls by request type and outcome",
		},
		[]string{"type", "result"},
	)
)
