// Package metrics exposes Prometheus collectors for the crawler.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	crawlerVisitsTotal       *prometheus.CounterVec
	crawlerProductsTotal     *prometheus.CounterVec
	crawlerRetriesTotal      prometheus.Counter
	crawlerFetchSeconds      *prometheus.HistogramVec
	crawlerFrontierDepth     prometheus.Gauge
	crawlerInflightFetches   prometheus.Gauge
	crawlerRateLimitDelaySec *prometheus.HistogramVec
	httpRequestsTotal        *prometheus.CounterVec
	httpRequestSeconds       *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerVisitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_visits_total",
				Help: "Total visits processed, labeled by page kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		crawlerProductsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_products_total",
				Help: "Total product records handled, labeled by result (new, duplicate).",
			},
			[]string{"result"},
		)

		crawlerRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_retries_total",
				Help: "Total visit retries scheduled after a retryable failure.",
			},
		)

		crawlerFetchSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by page kind.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"kind"},
		)

		crawlerFrontierDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_frontier_depth",
				Help: "Number of visits currently waiting in the frontier.",
			},
		)

		crawlerInflightFetches = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_inflight_fetches",
				Help: "Number of fetches currently in flight.",
			},
		)

		crawlerRateLimitDelaySec = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_ratelimit_delay_seconds",
				Help:    "Delay introduced by the per-host rate limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"host"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total HTTP requests served by the API, labeled by method, route and status.",
			},
			[]string{"method", "route", "status"},
		)

		httpRequestSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of API request latencies.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		)
	})
}

// ObserveVisit records the outcome of one processed visit.
func ObserveVisit(kind, outcome string) {
	if crawlerVisitsTotal != nil {
		crawlerVisitsTotal.WithLabelValues(kind, outcome).Inc()
	}
}

// ObserveProduct records a captured or duplicate product.
func ObserveProduct(result string) {
	if crawlerProductsTotal != nil {
		crawlerProductsTotal.WithLabelValues(result).Inc()
	}
}

// ObserveRetry counts a scheduled retry.
func ObserveRetry() {
	if crawlerRetriesTotal != nil {
		crawlerRetriesTotal.Inc()
	}
}

// ObserveFetchDuration records fetch latency for a page kind.
func ObserveFetchDuration(kind string, d time.Duration) {
	if crawlerFetchSeconds != nil {
		crawlerFetchSeconds.WithLabelValues(kind).Observe(d.Seconds())
	}
}

// SetFrontierDepth updates the frontier gauge.
func SetFrontierDepth(n int) {
	if crawlerFrontierDepth != nil {
		crawlerFrontierDepth.Set(float64(n))
	}
}

// SetInflight updates the in-flight fetch gauge.
func SetInflight(n int) {
	if crawlerInflightFetches != nil {
		crawlerInflightFetches.Set(float64(n))
	}
}

// ObserveHTTPRequest records one served API request.
func ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	if httpRequestsTotal != nil {
		httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	}
	if httpRequestSeconds != nil {
		httpRequestSeconds.WithLabelValues(method, route).Observe(d.Seconds())
	}
}

// ObserveRateLimitDelay records time spent waiting on the limiter.
func ObserveRateLimitDelay(host string, d time.Duration) {
	if crawlerRateLimitDelaySec != nil {
		crawlerRateLimitDelaySec.WithLabelValues(host).Observe(d.Seconds())
	}
}
