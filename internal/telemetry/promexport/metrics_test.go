package promexport

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRedisOperationsTotal_Increments(t *testing.T) {
	RedisOperationsTotal.WithLabelValues("get", "success").Inc()
	val := testutil.ToFloat64(RedisOperationsTotal.WithLabelValues("get", "success"))
	if val < 1 {
		t.Errorf("expected RedisOperationsTotal to be at least 1, got %v", val)
	}
}

func TestRedisOperationDuration_ObservesWithoutPanic(t *testing.T) {
	RedisOperationDuration.WithLabelValues("get").Observe(0.1)
}

func TestCircuitBreakerState_SetWithoutPanic(t *testing.T) {
	CircuitBreakerState.WithLabelValues("jwks").Set(1)
}

func TestRenderProcessMetrics_IncludesRegisteredSeries(t *testing.T) {
	RateLimitRequests.WithLabelValues("/healthz").Inc()

	out, err := RenderProcessMetrics()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out == "" {
		t.Fatal("expected non-empty rendered metrics")
	}
}
