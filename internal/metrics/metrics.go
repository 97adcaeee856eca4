package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharedo_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sharedo_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Realtime metrics
	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sharedo_ws_connections",
			Help: "Live websocket connections",
		},
	)

	OnlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sharedo_online_users",
			Help: "Users with at least one live connection",
		},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharedo_frames_delivered_total",
			Help: "Frames queued to connections",
		},
		[]string{"event"},
	)

	Evictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sharedo_slow_consumer_evictions_total",
			Help: "Connections dropped because their send buffer was full",
		},
	)

	// Pipeline metrics
	MessagesPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sharedo_messages_persisted_total",
			Help: "Messages persisted and broadcast",
		},
	)

	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharedo_messages_dropped_total",
			Help: "Messages dropped by the pipeline",
		},
		[]string{"reason"}, // "invalid", "unauthorized", "persistence", "rate_limited", "malformed"
	)

	PipelineLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sharedo_pipeline_latency_seconds",
			Help:    "Time from message receipt to room broadcast",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5},
		},
	)

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharedo_notifications_total",
			Help: "Notifications routed",
		},
		[]string{"type"},
	)
)
