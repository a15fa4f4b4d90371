package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "requests_dispatched_total", Help: "Service requests dispatched, by role and path (nearby|fallback)"},
		[]string{"role", "path"},
	)
	DispatchCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dispatch",
		Name:      "candidates_per_request",
		Help:      "Number of nearby candidates per dispatched request",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
	})
	AcceptAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "accept_attempts_total", Help: "Acceptance attempts by outcome (won|lost|error)"},
		[]string{"outcome"},
	)
	NotificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "notification_failures_total", Help: "Per-recipient notification send failures"},
		[]string{"event"},
	)
	ProvidersOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "dispatch", Name: "providers_online", Help: "Number of providers in the registry"})
	ConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "dispatch", Name: "connections_open", Help: "Open realtime connections"})

	TrailSamples = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "trail_samples_total", Help: "Location samples by result (recorded|ignored|invalid)"},
		[]string{"result"},
	)
	FaresComputed   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "fares_computed_total", Help: "Completed requests with a computed fare"})
	FaresSuspicious = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "fares_suspicious_total", Help: "Fares flagged as suspicious"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
