package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BookingsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "driverme", Name: "bookings_created_total", Help: "Total bookings created"})
	ClaimsTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "driverme", Name: "claims_total", Help: "Total successful booking claims"})
	ClaimConflicts  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "driverme", Name: "claim_conflicts_total", Help: "Claims lost to the accept race"})

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driverme", Name: "transitions_total", Help: "Committed lifecycle transitions"},
		[]string{"status"},
	)

	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driverme", Name: "events_delivered_total", Help: "Realtime events written to connections"},
		[]string{"event"},
	)
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driverme", Name: "events_dropped_total", Help: "Realtime events that failed to send"},
		[]string{"event"},
	)
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "driverme", Name: "ws_connections", Help: "Currently registered websocket connections"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driverme", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "driverme",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
