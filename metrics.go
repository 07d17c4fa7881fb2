package abakus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the request lifecycle
// and reliability layers. It is safe for concurrent use.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	retriesTotal     *prometheus.CounterVec
	rateLimitedTotal *prometheus.CounterVec

	circuitBreakerState *prometheus.GaugeVec
	rateLimiterTokens   *prometheus.GaugeVec

	errorsTotal *prometheus.CounterVec

	registry prometheus.Registerer
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using supplied registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	mc := &MetricsCollector{
		requestsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "abakus_requests_total",
				Help: "Total number of counter operations performed",
			},
			[]string{"operation", "status_code"},
		),
		requestDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "abakus_request_duration_seconds",
				Help:    "Duration of counter operations in seconds, retries included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "status_code"},
		),
		requestsInFlight: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "abakus_requests_in_flight",
				Help: "Number of counter operations currently in flight",
			},
			[]string{"operation"},
		),
		retriesTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "abakus_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"operation", "attempt"},
		),
		rateLimitedTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "abakus_rate_limited_total",
				Help: "Total number of 429 responses received from the service",
			},
			[]string{"operation"},
		),
		circuitBreakerState: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "abakus_circuit_breaker_state",
				Help: "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
		rateLimiterTokens: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "abakus_rate_limiter_tokens",
				Help: "Current number of available local rate limiter tokens",
			},
			[]string{"name"},
		),
		errorsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "abakus_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type", "operation"},
		),
		registry: registry,
	}

	return mc
}

// RecordRequest records operation count and duration.
func (mc *MetricsCollector) RecordRequest(operation string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}

	statusCodeStr := strconv.Itoa(statusCode)
	mc.requestsTotal.WithLabelValues(operation, statusCodeStr).Inc()
	mc.requestDuration.WithLabelValues(operation, statusCodeStr).Observe(duration.Seconds())
}

// RecordRequestStart increments in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(operation string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(operation).Inc()
}

// RecordRequestEnd decrements in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(operation string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(operation).Dec()
}

// RecordRetry increments retry counter for an attempt.
func (mc *MetricsCollector) RecordRetry(operation string, attempt int) {
	if mc == nil {
		return
	}

	mc.retriesTotal.WithLabelValues(operation, strconv.Itoa(attempt)).Inc()
}

// RecordRateLimited increments the 429 counter.
func (mc *MetricsCollector) RecordRateLimited(operation string) {
	if mc == nil {
		return
	}

	mc.rateLimitedTotal.WithLabelValues(operation).Inc()
}

// RecordCircuitBreakerState sets gauge to breaker state.
func (mc *MetricsCollector) RecordCircuitBreakerState(name string, state CircuitState) {
	if mc == nil {
		return
	}

	var stateValue float64
	switch state {
	case StateClosed:
		stateValue = 0
	case StateOpen:
		stateValue = 1
	case StateHalfOpen:
		stateValue = 2
	}

	mc.circuitBreakerState.WithLabelValues(name).Set(stateValue)
}

// RecordRateLimiterTokens sets available token gauge.
func (mc *MetricsCollector) RecordRateLimiterTokens(name string, tokens int) {
	if mc == nil {
		return
	}

	mc.rateLimiterTokens.WithLabelValues(name).Set(float64(tokens))
}

// RecordError increments error counter by type.
func (mc *MetricsCollector) RecordError(errorType, operation string) {
	if mc == nil {
		return
	}

	mc.errorsTotal.WithLabelValues(errorType, operation).Inc()
}
