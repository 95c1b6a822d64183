// Package metrics exposes Prometheus collectors for the protection and
// payment layers.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pawguard_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"route", "method", "status"},
	)

	RequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pawguard_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"route", "method"},
	)

	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pawguard_rate_limited_total",
			Help: "Requests denied by the rate limiter",
		},
		[]string{"endpoint"},
	)

	WAFBlockedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pawguard_waf_blocked_total",
			Help: "Requests denied by the WAF",
		},
		[]string{"attack_type"},
	)

	WAFAutoBlocksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pawguard_waf_auto_blocks_total",
			Help: "IPs added to the blocklist by the attack threshold",
		},
	)

	TokenOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pawguard_token_operations_total",
			Help: "Token service operations by result",
		},
		[]string{"operation", "result"},
	)

	PaymentCallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pawguard_payment_callbacks_total",
			Help: "Payment callbacks by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	SecurityEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pawguard_security_events_total",
			Help: "Security events written to the log",
		},
		[]string{"event", "severity"},
	)

	ProviderRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pawguard_provider_request_duration_seconds",
			Help:    "Outbound payment provider call duration",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		},
		[]string{"provider", "operation"},
	)
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// Registry returns the process registry with all collectors registered
func Registry() *prometheus.Registry {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		registry.MustRegister(
			RequestsTotal,
			RequestDurationSeconds,
			RateLimitedTotal,
			WAFBlockedTotal,
			WAFAutoBlocksTotal,
			TokenOperationsTotal,
			PaymentCallbacksTotal,
			SecurityEventsTotal,
			ProviderRequestDurationSeconds,
		)
	})
	return registry
}

// Handler serves the metrics endpoint
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry(), promhttp.HandlerOpts{})
}

// ObserveRequest records one finished HTTP request
func ObserveRequest(route, method string, status int, elapsed time.Duration) {
	RequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	RequestDurationSeconds.WithLabelValues(route, method).Observe(elapsed.Seconds())
}
