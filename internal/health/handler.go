// Package health implements the operational HTTP surface: GET /healthz
// (liveness, always 200) and GET /readyz (200 "ready", or 503 "draining"
// once the process has entered its terminal drain phase).
package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// DrainGate reports whether the process has entered draining. Satisfied by
// *appstate.State; kept as a narrow interface here so this package doesn't
// depend on the rest of the bundle.
type DrainGate interface {
	Draining() bool
}

// Handler serves the liveness and readiness probes.
type Handler struct {
	state DrainGate
}

// NewHandler builds a Handler backed by state's draining flag.
func NewHandler(state DrainGate) *Handler {
	return &Handler{state: state}
}

// LivenessResponse is the body returned by GET /healthz.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the body returned by GET /readyz.
type ReadinessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// Liveness handles GET /healthz. The process being able to answer at all is
// the only thing liveness asserts; no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /readyz. Ready unless the process has entered
// draining.
func (h *Handler) Readiness(c *gin.Context) {
	if h.state != nil && h.state.Draining() {
		c.JSON(http.StatusServiceUnavailable, ReadinessResponse{
			Status:    "draining",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	c.JSON(http.StatusOK, ReadinessResponse{
		Status:    "ready",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
