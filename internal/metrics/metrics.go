// Package metrics exposes Prometheus collectors for the collection pipeline.
package metrics

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	skycamSourcesTotal            *prometheus.CounterVec
	skycamFetchBytesTotal         *prometheus.CounterVec
	skycamAnalysisDurationSeconds *prometheus.HistogramVec
	skycamProbeResultsTotal       *prometheus.CounterVec
	skycamRateLimitDelaysSeconds  *prometheus.HistogramVec
	skycamRobotsFallbacksTotal    *prometheus.CounterVec
	skycamLastRunTimestampSeconds prometheus.Gauge
	skycamLastRunSources          *prometheus.GaugeVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times; the Observe helpers call it lazily.
func Init() {
	once.Do(func() {
		skycamSourcesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skycam_sources_total",
				Help: "Total number of sources processed, labeled by category and outcome.",
			},
			[]string{"category", "outcome"},
		)

		skycamFetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skycam_fetch_bytes_total",
				Help: "Total number of image bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		skycamAnalysisDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "skycam_analysis_duration_seconds",
				Help:    "Histogram of analysis subprocess durations, labeled by outcome.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"outcome"},
		)

		skycamProbeResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skycam_probe_results_total",
				Help: "Total number of verification probes, labeled by category and outcome.",
			},
			[]string{"category", "outcome"},
		)

		skycamRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "skycam_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		skycamRobotsFallbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skycam_robots_fallbacks_total",
				Help: "robots.txt fetches that timed out and were treated as allow-all.",
			},
			[]string{"domain"},
		)

		skycamLastRunTimestampSeconds = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "skycam_last_run_timestamp_seconds",
				Help: "Unix time at which the last collection run finished.",
			},
		)

		skycamLastRunSources = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "skycam_last_run_sources",
				Help: "Source tally of the last collection run, labeled by outcome.",
			},
			[]string{"outcome"},
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latencies for chi routes.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		ObserveHTTPRequest(r.Method, route, status, time.Since(start))
	})
}

// ObserveSource increments the per-source outcome counter.
func ObserveSource(category, outcome string) {
	Init()
	skycamSourcesTotal.WithLabelValues(category, outcome).Inc()
}

// ObserveFetch records downloaded image bytes.
func ObserveFetch(site string, bytesFetched int64) {
	Init()
	if bytesFetched > 0 {
		skycamFetchBytesTotal.WithLabelValues(SanitizeSite(site)).Add(float64(bytesFetched))
	}
}

// ObserveAnalysis records one analysis subprocess run.
func ObserveAnalysis(outcome string, duration time.Duration) {
	Init()
	skycamAnalysisDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveProbe records one verification probe.
func ObserveProbe(category string, ok bool) {
	Init()
	outcome := "failed"
	if ok {
		outcome = "working"
	}
	skycamProbeResultsTotal.WithLabelValues(category, outcome).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	skycamRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveRobotsFallback counts a robots.txt timeout treated as allow-all.
func ObserveRobotsFallback(domain string) {
	Init()
	skycamRobotsFallbacksTotal.WithLabelValues(domain).Inc()
}

// ObserveRun records the tally of a finished collection run.
func ObserveRun(finished time.Time, succeeded, failed, skipped int) {
	Init()
	skycamLastRunTimestampSeconds.Set(float64(finished.Unix()))
	skycamLastRunSources.WithLabelValues("succeeded").Set(float64(succeeded))
	skycamLastRunSources.WithLabelValues("failed").Set(float64(failed))
	skycamLastRunSources.WithLabelValues("skipped").Set(float64(skipped))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// WriteTextfile dumps the default registry in the node_exporter textfile format.
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
