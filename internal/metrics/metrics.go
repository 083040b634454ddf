// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration measures request latency in seconds.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// ActiveConnections tracks current in-flight requests.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_connections",
			Help: "Number of active connections",
		},
	)

	// RateLimitedTotal counts rate-limited requests.
	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limited_total",
			Help: "Total number of rate-limited requests",
		},
	)

	// AuthRejectedTotal counts requests rejected by the API key gate.
	AuthRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_rejected_total",
			Help: "Total number of requests rejected by authentication",
		},
		[]string{"reason"},
	)

	// StoreFallbackTotal counts rate limit decisions made without the shared store.
	StoreFallbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_store_fallback_total",
			Help: "Total number of rate limit decisions made while the shared store was unavailable",
		},
		[]string{"mode"},
	)

	// PanicsRecoveredTotal counts handler panics turned into 500 responses.
	PanicsRecoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "http_panics_recovered_total",
			Help: "Total number of recovered handler panics",
		},
	)
)

var (
	bucketGaugeOnce sync.Once
	bucketSourceMu  sync.RWMutex
	bucketSource    func() int
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records an HTTP request metric.
func RecordRequest(method, path string, status int, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRateLimited records a rate-limited request.
func RecordRateLimited() {
	RateLimitedTotal.Inc()
}

// RecordAuthRejected records an authentication rejection for reason.
func RecordAuthRejected(reason string) {
	AuthRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordStoreFallback records a decision taken in the given failure mode.
func RecordStoreFallback(mode string) {
	StoreFallbackTotal.WithLabelValues(mode).Inc()
}

// RecordPanicRecovered records a recovered panic.
func RecordPanicRecovered() {
	PanicsRecoveredTotal.Inc()
}

// TrackBuckets exports the value of count as the ratelimit_buckets gauge.
// The gauge is registered once; later calls replace the source.
func TrackBuckets(count func() int) {
	bucketSourceMu.Lock()
	bucketSource = count
	bucketSourceMu.Unlock()

	bucketGaugeOnce.Do(func() {
		promauto.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "ratelimit_buckets",
				Help: "Number of client buckets held in memory",
			},
			func() float64 {
				bucketSourceMu.RLock()
				defer bucketSourceMu.RUnlock()
				if bucketSource == nil {
					return 0
				}
				return float64(bucketSource())
			},
		)
	})
}
