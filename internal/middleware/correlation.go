// Package middleware contains Gin middleware for the application.
package middleware

import (
	"context"

	"github.com/AsyncNomad/wsPrism/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderXCorrelationID is the header key for the correlation ID.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID stamps every request with a correlation ID and threads it
// onto the request's real context.Context (not just gin's per-request KV
// store), so logging.Info/Warn/Error calls downstream pick it up via
// ctx.Value without every call site repeating zap.String("correlation_id", ...).
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Header(HeaderXCorrelationID, correlationID)

		ctx := context.WithValue(c.Request.Context(), logging.CorrelationIDKey, correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
