// Package metrics exposes Prometheus instrumentation for the verification
// cycle, the signal collectors, the cache and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Collector Metrics
	CollectorFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minerwatch_collector_failures_total",
			Help: "Total number of collector lookups that returned the failure sentinel",
		},
		[]string{"collector"}, // "geo", "network", "rf"
	)

	CollectorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "minerwatch_collector_duration_seconds",
			Help:    "Duration of collector lookups in seconds",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 2, 5},
		},
		[]string{"collector"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minerwatch_cache_hits_total",
			Help: "Total number of collector cache hits",
		},
		[]string{"collector"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minerwatch_cache_misses_total",
			Help: "Total number of collector cache misses",
		},
		[]string{"collector"},
	)

	// Verification Metrics
	VerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minerwatch_verifications_total",
			Help: "Total number of device re-verifications by outcome",
		},
		[]string{"decision"}, // "persist", "skip_insufficient_delta", "error"
	)

	ConfidenceScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "minerwatch_confidence_score",
			Help:    "Distribution of fused confidence scores",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)

	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "minerwatch_batch_duration_seconds",
			Help:    "Duration of full verification batches in seconds",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 120},
		},
	)

	ActiveDevices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "minerwatch_active_devices",
			Help: "Number of active devices seen by the last verification batch",
		},
	)

	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minerwatch_alerts_total",
			Help: "Total number of alerts raised by threat level",
		},
		[]string{"level"},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "minerwatch_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Ingest Metrics
	RFReadings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minerwatch_rf_readings_total",
			Help: "Total number of RF readings received over MQTT",
		},
		[]string{"status"}, // "accepted", "rejected"
	)

	// API Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minerwatch_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "minerwatch_api_request_duration_seconds",
			Help:    "API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// RecordCollector records the duration of a collector call and whether it failed
func RecordCollector(collector string, duration time.Duration, failed bool) {
	CollectorDuration.WithLabelValues(collector).Observe(duration.Seconds())
	if failed {
		CollectorFailures.WithLabelValues(collector).Inc()
	}
}

// RecordCacheLookup records a hit or miss for a cached collector
func RecordCacheLookup(collector string, hit bool) {
	if hit {
		CacheHits.WithLabelValues(collector).Inc()
		return
	}
	CacheMisses.WithLabelValues(collector).Inc()
}

// RecordAPIRequest records a completed API request
func RecordAPIRequest(method, route string, status int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler returns the Prometheus exposition handler
func Handler() http.Handler {
	return promhttp.Handler()
}
