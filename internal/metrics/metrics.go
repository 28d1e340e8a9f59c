// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nearchat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nearchat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Room metrics
	RoomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nearchat_rooms_active",
			Help: "Rooms currently held by the registry",
		},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nearchat_sessions_active",
			Help: "Bound WebSocket sessions",
		},
	)

	FramesForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nearchat_frames_forwarded_total",
			Help: "Envelopes stamped and published by rooms",
		},
		[]string{"kind"},
	)

	SessionsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nearchat_sessions_dropped_total",
			Help: "Sessions removed because their send queue was full",
		},
	)

	// Session metrics
	DecodeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nearchat_decode_errors_total",
			Help: "Inbound frames that failed to decode",
		},
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nearchat_rate_limited_frames_total",
			Help: "Inbound frames discarded by the per-session rate limiter",
		},
	)
)
