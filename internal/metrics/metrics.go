// Package metrics exposes Prometheus collectors for the harvester.
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
	recordsTotal               *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	sessionRecyclesTotal       *prometheus.CounterVec
	reconnectAttemptsTotal     *prometheus.CounterVec
	workerRestartsTotal        *prometheus.CounterVec
	rotationsTotal             *prometheus.CounterVec
	workerTransitionsTotal     *prometheus.CounterVec
	persistDurationSeconds     prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_records_total",
				Help: "Records seen by workers, labeled by site and outcome (found, inserted, duplicate, spilled).",
			},
			[]string{"site", "outcome"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvest_active_workers",
				Help: "Number of extraction workers currently holding a session.",
			},
		)

		sessionRecyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_session_recycles_total",
				Help: "Automation sessions recycled under resource pressure, labeled by reason.",
			},
			[]string{"reason"},
		)

		reconnectAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_reconnect_attempts_total",
				Help: "Reconnection attempts after a session disconnect, labeled by result.",
			},
			[]string{"result"},
		)

		workerRestartsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_worker_restarts_total",
				Help: "Pool slot restarts, labeled by reason.",
			},
			[]string{"reason"},
		)

		rotationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_rotations_total",
				Help: "Target rotations, labeled by reason.",
			},
			[]string{"reason"},
		)

		workerTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_worker_transitions_total",
				Help: "Worker state transitions, labeled by destination state.",
			},
			[]string{"state"},
		)

		persistDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvest_persist_duration_seconds",
				Help:    "Histogram of durable store write latencies.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveRecords adds n records for the target's site under the given outcome.
func ObserveRecords(target string, outcome string, n int) {
	if n <= 0 {
		return
	}
	Init()
	recordsTotal.WithLabelValues(SanitizeSite(target), outcome).Add(float64(n))
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

// ObserveRecycle counts a session recycle.
func ObserveRecycle(reason string) {
	Init()
	sessionRecyclesTotal.WithLabelValues(reason).Inc()
}

// ObserveReconnect counts a reconnection attempt.
func ObserveReconnect(success bool) {
	Init()
	result := "failure"
	if success {
		result = "success"
	}
	reconnectAttemptsTotal.WithLabelValues(result).Inc()
}

// ObserveRestart counts a pool slot restart.
func ObserveRestart(reason string) {
	Init()
	workerRestartsTotal.WithLabelValues(reason).Inc()
}

// ObserveRotation counts a target rotation.
func ObserveRotation(reason string) {
	Init()
	rotationsTotal.WithLabelValues(reason).Inc()
}

// ObserveTransition counts a worker entering state.
func ObserveTransition(state string) {
	Init()
	workerTransitionsTotal.WithLabelValues(state).Inc()
}

// ObservePersist records the duration of a durable store write.
func ObservePersist(duration time.Duration) {
	Init()
	persistDurationSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
