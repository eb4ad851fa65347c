package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	MatchPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "match_passes_total", Help: "Matching passes by outcome"},
		[]string{"outcome"},
	)
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Match latency seconds"})
	NotificationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "notification_failures_total", Help: "Push deliveries that failed"})

	HotspotRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "hotspot_runs_total", Help: "Hotspot recomputations by outcome"},
		[]string{"outcome"},
	)
	HotspotsCurrent = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "hotspots_current", Help: "Hotspots in the last published generation"})

	RatingsAppliedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ratings_applied_total", Help: "Rating applications by outcome"},
		[]string{"outcome"},
	)

	TriggerInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "trigger_invocations_total", Help: "Trigger handler invocations by trigger and outcome"},
		[]string{"trigger", "outcome"},
	)

	EventsConsumedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "events_consumed_total", Help: "Trip events read from kafka"})
	EventsInvalidTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "events_invalid_total", Help: "Trip events that failed to decode"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
