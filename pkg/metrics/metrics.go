package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 采样摄入
var (
	SamplesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hibiscus_track",
		Name:      "samples_ingested_total",
		Help:      "Ingested location samples by outcome",
	}, []string{"outcome"}) // accepted / anomalous / rejected

	IngestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hibiscus_track",
		Name:      "ingest_duration_seconds",
		Help:      "Ingest pipeline latency",
		Buckets:   prometheus.DefBuckets,
	})
)

// SOS 生命周期
var (
	SosAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hibiscus_track",
		Name:      "sos_alerts_total",
		Help:      "SOS alert transitions by target status",
	}, []string{"status"})

	SosOpenAlerts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hibiscus_track",
		Name:      "sos_open_alerts",
		Help:      "Alerts currently in a non-terminal state",
	})
)

// 连接与广播
var (
	WsConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hibiscus_track",
		Name:      "ws_connections",
		Help:      "Live websocket connections",
	})

	EventsBroadcast = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hibiscus_track",
		Name:      "events_broadcast_total",
		Help:      "Events fanned out to connections by channel",
	}, []string{"channel"})
)

// HTTP
var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hibiscus_track",
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, path and status",
	}, []string{"method", "path", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hibiscus_track",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by path",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})
)
