// Package metrics holds the Prometheus collectors shared across memhub.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operation results used as the "result" label.
const (
	ResultOK       = "ok"
	ResultError    = "error"
	ResultDeclined = "declined"
	ResultDropped  = "dropped"
)

var (
	KeyOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memhub_key_operations_total",
			Help: "API key operations by kind and result",
		},
		[]string{"op", "result"},
	)

	IssuerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memhub_issuer_request_duration_seconds",
			Help:    "Key issuance request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	SessionEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memhub_session_events_total",
			Help: "Auth state transitions observed by the session synchronizer",
		},
		[]string{"event"},
	)

	RealtimeChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memhub_realtime_changes_total",
			Help: "Key table changes received over the realtime feed",
		},
		[]string{"type"},
	)

	RealtimeConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "memhub_realtime_connected",
			Help: "1 when the realtime feed is connected",
		},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memhub_http_requests_total",
			Help: "Dashboard API requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memhub_http_request_duration_seconds",
			Help:    "Dashboard API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)
