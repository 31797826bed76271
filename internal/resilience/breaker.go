// Package resilience wraps the two outbound dependencies that can hang or
// fail independently of the core gateway loop — the JWKS refresh behind
// JWKSTicketValidator and the Redis store behind the ops rate limiter — in
// a per-dependency circuit breaker, so a flaky upstream degrades gracefully
// instead of stalling every upgrade or every /metrics scrape.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/AsyncNomad/wsPrism/internal/logging"
	"github.com/AsyncNomad/wsPrism/internal/telemetry/promexport"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrBreakerOpen is returned by Breaker.Do while the circuit is open.
var ErrBreakerOpen = gobreaker.ErrOpenState

// Breaker wraps one named dependency with a gobreaker circuit breaker and
// mirrors its state/failure counts into promexport.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// New builds a Breaker named service, tripping after consecutiveFailures in
// a row and staying open for openFor before probing again.
func New(service string, consecutiveFailures uint32, openFor time.Duration) *Breaker {
	settings := gobreaker.Settings{
		Name: service,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailures
		},
		Timeout: openFor,
		OnStateChange: func(name string, from, to gobreaker.State) {
			promexport.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			logging.Warn(context.Background(), "circuit breaker state change",
				zap.String("service", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &Breaker{name: service, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Do runs fn through the breaker. On rejection (open state) or fn failure,
// it increments CircuitBreakerFailures and returns the error.
func (b *Breaker) Do(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if err != nil {
		promexport.CircuitBreakerFailures.WithLabelValues(b.name).Inc()
	}
	return err
}

// IsOpen reports whether err originated from the breaker itself rejecting
// the call (as opposed to fn's own error).
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState)
}
