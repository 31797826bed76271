package gateway

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/AsyncNomad/wsPrism/internal/dispatch"
	"github.com/AsyncNomad/wsPrism/internal/egress"
	"github.com/AsyncNomad/wsPrism/internal/logging"
	"github.com/AsyncNomad/wsPrism/internal/outbound"
	"github.com/AsyncNomad/wsPrism/internal/policy"
	"github.com/AsyncNomad/wsPrism/internal/telemetry/metrics"
	"github.com/AsyncNomad/wsPrism/internal/tracing"
	"github.com/AsyncNomad/wsPrism/internal/wserr"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	closeNormal = 1000
	closePolicy = 1008
)

// admitAndRun evaluates session-quota admission (deny/kick_oldest), inserts
// the session into the registry, starts its writer goroutine, and runs the
// STEADY-state read loop to completion. Every exit path funnels through a
// single deferred cleanup, which removes the session from C4/C5 exactly
// once (guarded by RemoveSession's own exactly-once contract).
func (h *Handler) admitAndRun(ctx context.Context, conn *websocket.Conn, tenantID, userID, userKey, sessionKey, sid string) {
	tp, _ := h.state.TenantPolicy(tenantID) // present: checked at upgrade, policies are immutable after boot
	traceID := metrics.NewTraceID(time.Now())
	tracing.TagConnection(ctx, tenantID, traceID)

	if !h.admitSessionQuota(tp, conn, tenantID, userKey, traceID) {
		return
	}

	queue := outbound.NewQueue()
	sess, err := h.state.Sessions.TryInsert(tenantID, userKey, sessionKey, queue, tp.MaxSessionsTotal)
	if err != nil {
		writeDirectSysError(conn, wserr.TooManySessions, "tenant session limit reached", traceID)
		writeDirectClose(conn, closePolicy, "too_many_sessions")
		h.state.Metrics.WsUpgradesTotal.Inc(map[string]string{"tenant": tenantID, "status": "too_many_sessions"})
		return
	}

	h.state.Metrics.WsSessionsActive.Inc(map[string]string{"tenant": tenantID})
	h.state.Metrics.WsUpgradesTotal.Inc(map[string]string{"tenant": tenantID, "status": "ok"})

	gw := h.state.Config.Gateway
	writerCfg := egress.WriterConfig{
		SendTimeout:  time.Duration(gw.WriterSendTimeoutMs) * time.Millisecond,
		PingInterval: time.Duration(gw.PingIntervalMs) * time.Millisecond,
	}
	go egress.RunWriter(conn, queue, writerCfg, h.state.Metrics, tenantID)

	enqueueSys(queue, "authed", map[string]string{"tenant": tenantID, "user": userID, "sid": sid}, nil, traceID)

	rctx := dispatch.RealtimeCtx{
		TenantID: tenantID, UserKey: userKey, SessionKey: sessionKey, UserID: userID,
		TraceID: traceID, Engine: h.state.Engine, Presence: h.state.Presence,
	}
	connBucket := tp.NewConnBucket()
	idleTimeout := time.Duration(gw.IdleTimeoutMs) * time.Millisecond

	defer h.cleanup(tenantID, userKey, sessionKey)

	var hotCalls uint64
	for {
		if err := conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			return
		}
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				enqueueSys(sess.Queue, "error", map[string]string{"code": string(wserr.Timeout), "msg": "idle timeout"}, nil, traceID)
				enqueueClose(sess.Queue, closePolicy, "idle_timeout")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Warn(ctx, "websocket read error", zap.Error(err), zap.String("trace_id", traceID))
			}
			return
		}

		liveCtx := rctx.WithActiveRoom(sess.ActiveRoom())

		var terminal bool
		switch msgType {
		case websocket.TextMessage:
			terminal = h.handleExt(ctx, liveCtx, sess, tp, connBucket, data, traceID)
		case websocket.BinaryMessage:
			hotCalls++
			terminal = h.handleHot(ctx, liveCtx, sess, tp, connBucket, data, traceID, hotCalls%1024 == 0)
		}
		if terminal {
			return
		}
	}
}

// admitSessionQuota applies the per-user session-policy admission check
// before any registry row exists for this connection. Returns false if the
// connection was rejected (and fully closed) and must not proceed.
func (h *Handler) admitSessionQuota(tp *policy.TenantPolicy, conn *websocket.Conn, tenantID, userKey, traceID string) bool {
	if tp.MaxSessionsPerUser <= 0 {
		return true
	}
	if h.state.Sessions.CountUserSessions(userKey) < tp.MaxSessionsPerUser {
		return true
	}

	switch tp.OnExceed {
	case "kick_oldest":
		if victim, ok := h.state.Sessions.EvictOldest(userKey); ok {
			enqueueSys(victim.Queue, "kicked", map[string]string{"reason": "max_sessions_exceeded"}, nil, traceID)
			enqueueClose(victim.Queue, closePolicy, "max_sessions_exceeded")
			h.state.Presence.CleanupSession(victim.TenantID, victim.UserKey, victim.SessionKey)
			h.state.Metrics.WsSessionsActive.Dec(map[string]string{"tenant": victim.TenantID})
		}
		return true
	default: // "deny"
		writeDirectSysError(conn, wserr.TooManySessions, "max sessions per user exceeded", traceID)
		writeDirectClose(conn, closePolicy, "max_sessions_exceeded")
		h.state.Metrics.WsUpgradesTotal.Inc(map[string]string{"tenant": tenantID, "status": "too_many_sessions"})
		return false
	}
}

// cleanup removes the session from the registry and its rooms from
// presence exactly once, decrementing the active-session gauge only when
// this call is the one that actually found and removed the session (it may
// have already been removed by a concurrent kick_oldest eviction).
func (h *Handler) cleanup(tenantID, userKey, sessionKey string) {
	sess, ok := h.state.Sessions.RemoveSession(userKey, sessionKey)
	if !ok {
		return
	}
	h.state.Presence.CleanupSession(tenantID, userKey, sessionKey)
	h.state.Metrics.WsSessionsActive.Dec(map[string]string{"tenant": tenantID})
	enqueueClose(sess.Queue, closeNormal, "")
}

// writeDirectSysError writes a sys.error frame straight to conn, bypassing
// the registry/queue entirely, for rejections that happen before a session
// row (and therefore a writer goroutine) exists.
func writeDirectSysError(conn *websocket.Conn, code wserr.Code, msg, traceID string) {
	prepared, err := egress.Prepare(sysMessage("error", map[string]string{"code": string(code), "msg": msg}, nil, traceID))
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	conn.WriteMessage(websocket.TextMessage, prepared.Data)
}

// writeDirectClose writes a close control frame straight to conn and closes
// the underlying socket, for rejections before a session row exists.
func writeDirectClose(conn *websocket.Conn, code int, reason string) {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	conn.Close()
}
