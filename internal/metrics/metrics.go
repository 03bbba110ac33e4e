// Package metrics exposes Prometheus collectors for the relay service.
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
	pagesFetchedTotal          *prometheus.CounterVec
	bytesFetchedTotal          *prometheus.CounterVec
	extractionsTotal           *prometheus.CounterVec
	recordsIngestedTotal       *prometheus.CounterVec
	deliveriesTotal            *prometheus.CounterVec
	pipelineRunsTotal          *prometheus.CounterVec
	pipelineDurationSeconds    prometheus.Histogram
	sessionRefreshesTotal      *prometheus.CounterVec
	headlessRendersTotal       *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	jobsTotal                  *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	queueDepth                 prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalogrelay_pages_fetched_total",
				Help: "Pages fetched, labeled by site and status class.",
			},
			[]string{"site", "status"},
		)
		bytesFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalogrelay_bytes_fetched_total",
				Help: "Bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)
		extractionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalogrelay_extractions_total",
				Help: "Listing extractions, labeled by the strategy that produced records (or none).",
			},
			[]string{"strategy"},
		)
		recordsIngestedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalogrelay_records_ingested_total",
				Help: "Candidate records classified by ingestion, labeled by class.",
			},
			[]string{"class"},
		)
		deliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalogrelay_deliveries_total",
				Help: "Delivery attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)
		pipelineRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalogrelay_pipeline_runs_total",
				Help: "Periodic pipeline triggers, labeled by result (ok, failed, skipped, disabled).",
			},
			[]string{"result"},
		)
		pipelineDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "catalogrelay_pipeline_duration_seconds",
				Help:    "Duration of completed pipeline runs.",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600},
			},
		)
		sessionRefreshesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalogrelay_session_refreshes_total",
				Help: "Session warm-ups, labeled by result.",
			},
			[]string{"result"},
		)
		headlessRendersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalogrelay_headless_renders_total",
				Help: "Headless fallback renders, labeled by result.",
			},
			[]string{"result"},
		)
		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "catalogrelay_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalogrelay_jobs_total",
				Help: "Ad hoc jobs processed, labeled by status.",
			},
			[]string{"status"},
		)
		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "catalogrelay_active_workers",
				Help: "Number of workers currently processing an ad hoc job.",
			},
		)
		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "catalogrelay_job_queue_depth",
				Help: "Ad hoc jobs waiting for a worker.",
			},
		)
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

// StatusClass buckets an HTTP status code ("2xx", "4xx", ...); zero means a transport error.
func StatusClass(code int) string {
	if code <= 0 {
		return "error"
	}
	return strconv.Itoa(code/100) + "xx"
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one page fetch.
func ObserveFetch(site string, statusCode int, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	pagesFetchedTotal.WithLabelValues(sanitizedSite, StatusClass(statusCode)).Inc()
	if bytesFetched > 0 {
		bytesFetchedTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveExtraction records which strategy produced records for a listing page.
func ObserveExtraction(strategy string) {
	Init()
	if strategy == "" {
		strategy = "none"
	}
	extractionsTotal.WithLabelValues(strategy).Inc()
}

// ObserveIngest records one ingestion batch.
func ObserveIngest(newCount, duplicates, invalid int) {
	Init()
	recordsIngestedTotal.WithLabelValues("new").Add(float64(newCount))
	recordsIngestedTotal.WithLabelValues("duplicate").Add(float64(duplicates))
	recordsIngestedTotal.WithLabelValues("invalid").Add(float64(invalid))
}

// ObserveDelivery records one delivery attempt.
func ObserveDelivery(outcome string) {
	Init()
	deliveriesTotal.WithLabelValues(outcome).Inc()
}

// ObservePipelineRun records a pipeline trigger; duration is ignored unless result is "ok" or "failed".
func ObservePipelineRun(result string, duration time.Duration) {
	Init()
	pipelineRunsTotal.WithLabelValues(result).Inc()
	if result == "ok" || result == "failed" {
		pipelineDurationSeconds.Observe(duration.Seconds())
	}
}

// ObserveSessionRefresh records a session warm-up.
func ObserveSessionRefresh(result string) {
	Init()
	sessionRefreshesTotal.WithLabelValues(result).Inc()
}

// ObserveHeadlessRender records one headless render.
func ObserveHeadlessRender(result string) {
	Init()
	headlessRendersTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// SetQueueDepth records the number of pending ad hoc jobs.
func SetQueueDepth(n int) {
	Init()
	queueDepth.Set(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
