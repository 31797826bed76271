// Package promexport bridges the operational surfaces that still warrant a
// real Prometheus client (HTTP-shaped ops: the circuit breaker, the ops
// rate limiter, Redis round trips) into prometheus/client_golang, and
// renders the process/Go runtime collectors as text to append after the
// hand-rolled core series from internal/telemetry/metrics.
//
// Naming convention: namespace_subsystem_name
// - namespace: wsprism_gateway (application-level grouping)
// - subsystem: circuit_breaker, rate_limit, redis (feature-level grouping)
package promexport

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

var (
	// CircuitBreakerState tracks the current state of a gobreaker instance
	// (0: Closed, 1: Open, 2: Half-Open), labeled by the thing it guards.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "wsprism_gateway",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks calls through the breaker that failed or
	// were rejected while the breaker was open.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wsprism_gateway",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total calls through the circuit breaker that failed or were rejected",
	}, []string{"service"})

	// RateLimitExceeded tracks requests rejected by the operational HTTP limiter.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wsprism_gateway",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of operational requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests tracks requests checked against the operational limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wsprism_gateway",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of operational requests checked against the rate limiter",
	}, []string{"endpoint"})

	// RedisOperationsTotal tracks Redis round trips made by the ops rate
	// limiter's breaker-guarded Redis store.
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wsprism_gateway",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks the duration of Redis operations.
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "wsprism_gateway",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

// RenderProcessMetrics gathers every metric registered against the default
// Prometheus registry (which includes the Go runtime and process collectors
// promauto registers by default, plus the ops-surface series above) and
// renders them in Prometheus text exposition format.
func RenderProcessMetrics() (string, error) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return "", err
	}

	var out strings.Builder
	enc := expfmt.NewEncoder(&out, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return "", err
		}
	}
	return out.String(), nil
}
