// Package gateway implements the connection loop (C8): the HTTP upgrade
// handler, per-connection admission, and the cooperative STEADY-state
// read/dispatch loop paired with the dedicated writer goroutine from
// internal/egress.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/AsyncNomad/wsPrism/internal/appstate"
	"github.com/AsyncNomad/wsPrism/internal/auth"
	"github.com/AsyncNomad/wsPrism/internal/identity"
	"github.com/AsyncNomad/wsPrism/internal/logging"
	"github.com/AsyncNomad/wsPrism/internal/outbound"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handler serves the upgrade endpoint. It is safe for concurrent use.
type Handler struct {
	state    *appstate.State
	upgrader websocket.Upgrader
}

// NewHandler builds a Handler backed by state, checking the request Origin
// against allowedOrigins (empty means allow any, a permissive-by-default
// development posture — production deployments are expected to set
// ALLOWED_ORIGINS).
func NewHandler(state *appstate.State, allowedOrigins []string) *Handler {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[strings.TrimSpace(o)] = true
	}

	return &Handler{
		state: state,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if len(origins) == 0 {
					return true
				}
				return origins[r.Header.Get("Origin")]
			},
		},
	}
}

// ServeWs handles GET /v1/ws?tenant={tenant}&ticket={ticket}[&sid={sid}],
// enforcing the ordered admission checks before the actual protocol
// upgrade: handshake defender, draining, unknown tenant, tenant capacity,
// auth, then sid length. Session-quota admission runs after the upgrade,
// in admitAndRun.
func (h *Handler) ServeWs(c *gin.Context) {
	ctx := c.Request.Context()
	ip := c.ClientIP()

	if ok, retryAfter := h.state.Defender.Check(ip); !ok {
		h.state.Metrics.HandshakeRejectionsTotal.Inc(map[string]string{"tenant": "", "reason": "rate_limited"})
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.String(http.StatusTooManyRequests, "too many requests")
		return
	}

	if h.state.Draining() {
		c.String(http.StatusServiceUnavailable, "draining")
		return
	}

	tenantID := c.Query("tenant")
	ctx = context.WithValue(ctx, logging.TenantIDKey, tenantID)

	policy, ok := h.state.TenantPolicy(tenantID)
	if !ok {
		c.String(http.StatusBadRequest, "unknown tenant")
		return
	}

	if policy.MaxSessionsTotal > 0 && h.state.Sessions.CountTenantSessions(tenantID) >= policy.MaxSessionsTotal {
		h.state.Metrics.WsUpgradesTotal.Inc(map[string]string{"tenant": tenantID, "status": "capacity_exceeded"})
		c.Header("Retry-After", "1")
		c.String(http.StatusServiceUnavailable, "tenant capacity exceeded")
		return
	}

	ticket := c.Query("ticket")
	userID, err := h.state.ResolveTicket(ctx, ticket)
	if err != nil {
		h.state.Metrics.WsUpgradesTotal.Inc(map[string]string{"tenant": tenantID, "status": "auth_failed"})
		if errors.Is(err, auth.ErrInvalidTicket) {
			c.String(http.StatusUnauthorized, "auth failed")
			return
		}
		c.String(http.StatusUnauthorized, "auth failed")
		return
	}

	sid := c.Query("sid")
	if sid == "" {
		sid = nextSessionID()
	} else if len(sid) > 64 {
		c.String(http.StatusBadRequest, "sid too long")
		return
	}

	userKey := identity.UserKey(tenantID, userID)
	sessionKey := identity.SessionKey(userKey, sid)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(ctx, "websocket upgrade failed", zap.Error(err))
		return
	}

	h.admitAndRun(ctx, conn, tenantID, userID, userKey, sessionKey, sid)
}
