// Package ratelimit protects the operational HTTP surface (/healthz,
// /readyz, /metrics) with a single IP-keyed limiter, separate from the
// per-frame token buckets in internal/policy (those are frame-shaped, not
// HTTP-request-shaped, and stay dependency-free by design).
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/AsyncNomad/wsPrism/internal/logging"
	"github.com/AsyncNomad/wsPrism/internal/resilience"
	"github.com/AsyncNomad/wsPrism/internal/telemetry/promexport"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// Limiter rate-limits requests to the operational HTTP surface by client IP.
type Limiter struct {
	instance *limiter.Limiter
	usesRedis bool
	breaker   *resilience.Breaker
}

// New builds a Limiter from a formatted rate (e.g. "60-M" for 60/minute).
// A nil redisClient falls back to an in-process memory store.
func New(formattedRate string, redisClient *redis.Client) (*Limiter, error) {
	rate, err := limiter.NewRateFromFormatted(formattedRate)
	if err != nil {
		return nil, fmt.Errorf("invalid ops rate limit %q: %w", formattedRate, err)
	}

	var store limiter.Store
	usesRedis := redisClient != nil
	if usesRedis {
		store, err = sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "wsprism:ops-limiter:"})
		if err != nil {
			return nil, fmt.Errorf("redis limiter store: %w", err)
		}
		logging.Info(context.Background(), "ops rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "ops rate limiter using in-process memory store")
	}

	return &Limiter{
		instance:  limiter.New(store, rate),
		usesRedis: usesRedis,
		breaker:   resilience.New("ops-limiter-redis", 5, 15*time.Second),
	}, nil
}

// Middleware returns a Gin middleware enforcing the ops rate limit by
// client IP, setting standard X-RateLimit-* headers.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		res, err := l.checkedGet(c.Request.Context(), ip)
		if err != nil {
			logging.Error(c.Request.Context(), "ops rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(res.Reset, 10))

		if res.Reached {
			promexport.RateLimitExceeded.WithLabelValues(c.FullPath(), "ip").Inc()
			c.Header("Retry-After", strconv.FormatInt(res.Reset, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}

		promexport.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// checkedGet performs the store round trip, breaker-guarded and metered
// when backed by Redis; the in-process memory store is never expected to
// fail so it bypasses the breaker entirely.
func (l *Limiter) checkedGet(ctx context.Context, key string) (limiter.Context, error) {
	if !l.usesRedis {
		return l.instance.Get(ctx, key)
	}

	var res limiter.Context
	start := time.Now()
	err := l.breaker.Do(func() error {
		var gerr error
		res, gerr = l.instance.Get(ctx, key)
		return gerr
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	promexport.RedisOperationsTotal.WithLabelValues("ops_limiter_get", status).Inc()
	promexport.RedisOperationDuration.WithLabelValues("ops_limiter_get").Observe(time.Since(start).Seconds())
	return res, err
}
