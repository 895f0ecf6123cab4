// Package metrics exposes Prometheus collectors for the search control plane.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	recrawlSubmissionsTotal    *prometheus.CounterVec
	recrawlSLATotal            *prometheus.CounterVec
	runnerErrorsTotal          *prometheus.CounterVec
	webhookDeliveriesTotal     *prometheus.CounterVec
	activeMonitors             prometheus.Gauge
	runnerActiveWorkers        prometheus.Gauge
	searchCacheTotal           *prometheus.CounterVec
	searchRateLimitedTotal     prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		recrawlSubmissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recrawl_submissions_total",
				Help: "Total number of accepted re-crawl jobs, labeled by priority.",
			},
			[]string{"priority"},
		)

		recrawlSLATotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recrawl_sla_total",
				Help: "Terminal re-crawl jobs, labeled by whether the SLA deadline was met.",
			},
			[]string{"met"},
		)

		runnerErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "task_runner_errors_total",
				Help: "Failed Task Runner calls, labeled by operation.",
			},
			[]string{"op"},
		)

		webhookDeliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_deliveries_total",
				Help: "Completed webhook deliveries, labeled by receiver host and outcome.",
			},
			[]string{"host", "outcome"},
		)

		activeMonitors = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "recrawl_active_monitors",
				Help: "Number of completion monitors currently running.",
			},
		)

		runnerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "task_runner_active_workers",
				Help: "Number of in-process runner workers currently executing a task.",
			},
		)

		searchCacheTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_cache_total",
				Help: "Search cache lookups, labeled by result.",
			},
			[]string{"result"},
		)

		searchRateLimitedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "search_rate_limited_total",
				Help: "Search requests rejected by the per-key rate limit.",
			},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveSubmission counts an accepted re-crawl job.
func ObserveSubmission(priority string) {
	Init()
	recrawlSubmissionsTotal.WithLabelValues(priority).Inc()
}

// ObserveSLA counts a job reaching COMPLETED or FAILED.
func ObserveSLA(met bool) {
	Init()
	recrawlSLATotal.WithLabelValues(strconv.FormatBool(met)).Inc()
}

// ObserveRunnerError counts a failed Task Runner call.
func ObserveRunnerError(op string) {
	Init()
	runnerErrorsTotal.WithLabelValues(op).Inc()
}

// ObserveWebhookDelivery counts a finished webhook delivery.
func ObserveWebhookDelivery(callbackURL string, outcome string) {
	Init()
	webhookDeliveriesTotal.WithLabelValues(SanitizeSite(callbackURL), outcome).Inc()
}

// IncActiveMonitors increments the active monitors gauge.
func IncActiveMonitors() {
	Init()
	activeMonitors.Inc()
}

// DecActiveMonitors decrements the active monitors gauge.
func DecActiveMonitors() {
	Init()
	activeMonitors.Dec()
}

// IncActiveWorkers increments the runner workers gauge.
func IncActiveWorkers() {
	Init()
	runnerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the runner workers gauge.
func DecActiveWorkers() {
	Init()
	runnerActiveWorkers.Dec()
}

// ObserveCacheLookup records a search cache hit or miss.
func ObserveCacheLookup(hit bool) {
	Init()
	result := "miss"
	if hit {
		result = "hit"
	}
	searchCacheTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimited counts a rejected search request.
func ObserveRateLimited() {
	Init()
	searchRateLimitedTotal.Inc()
}
