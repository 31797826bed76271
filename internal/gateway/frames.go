package gateway

import (
	"context"
	"time"

	"github.com/AsyncNomad/wsPrism/internal/dispatch"
	"github.com/AsyncNomad/wsPrism/internal/egress"
	"github.com/AsyncNomad/wsPrism/internal/identity"
	"github.com/AsyncNomad/wsPrism/internal/outbound"
	"github.com/AsyncNomad/wsPrism/internal/policy"
	"github.com/AsyncNomad/wsPrism/internal/presence"
	"github.com/AsyncNomad/wsPrism/internal/registry"
	"github.com/AsyncNomad/wsPrism/internal/wire"
	"github.com/AsyncNomad/wsPrism/internal/wserr"
)

// sysMessage builds one sys.* envelope as a Lossy Outgoing: system
// notifications are never worth blocking the connection over.
func sysMessage(msgType string, data any, room *string, traceID string) egress.Outgoing {
	payload := map[string]any{"v": 1, "svc": "sys", "type": msgType, "trace_id": traceID}
	if data != nil {
		payload["data"] = data
	}
	if room != nil {
		payload["room"] = *room
	}
	return egress.Outgoing{QoS: egress.Lossy, Payload: egress.Payload{Kind: egress.PayloadJSON, JSON: payload}}
}

func enqueueSys(queue outbound.Queue, msgType string, data any, room *string, traceID string) {
	prepared, err := egress.Prepare(sysMessage(msgType, data, room, traceID))
	if err != nil {
		return
	}
	select {
	case queue <- prepared:
	default:
	}
}

func enqueueClose(queue outbound.Queue, code int, reason string) {
	select {
	case queue <- outbound.Prepared{Close: true, CloseCode: code, CloseReason: reason}:
	default:
	}
}

func decisionName(d policy.Decision) string {
	switch d {
	case policy.Pass:
		return "pass"
	case policy.Drop:
		return "drop"
	case policy.Reject:
		return "reject"
	case policy.Close:
		return "close"
	default:
		return "unknown"
	}
}

// handleExt runs one Ext Lane frame through policy, the room join/leave
// short path, or the dispatcher, returning true if the connection must end.
func (h *Handler) handleExt(ctx context.Context, rctx dispatch.RealtimeCtx, sess *registry.Session, tp *policy.TenantPolicy, connBucket *policy.TokenBucket, raw []byte, traceID string) bool {
	env, err := wire.DecodeEnvelope(raw)
	if err != nil {
		h.state.Metrics.DecodeErrorsTotal.Inc(map[string]string{"tenant": rctx.TenantID})
		enqueueSys(sess.Queue, "error", map[string]string{"code": string(wserr.CodeOf(err)), "msg": err.Error()}, nil, traceID)
		enqueueClose(sess.Queue, closePolicy, "decode_error")
		return true
	}

	outcome := tp.CheckExt(len(raw), connBucket, env.Svc, env.Type)
	h.state.Metrics.PolicyDecisionsTotal.Inc(map[string]string{
		"tenant": rctx.TenantID, "lane": "ext", "decision": decisionName(outcome.Decision), "reason": string(outcome.Code),
	})
	switch outcome.Decision {
	case policy.Drop:
		return false
	case policy.Reject:
		enqueueSys(sess.Queue, "error", map[string]string{"code": string(outcome.Code), "msg": outcome.Msg}, env.Room, traceID)
		return false
	case policy.Close:
		enqueueSys(sess.Queue, "error", map[string]string{"code": string(outcome.Code), "msg": outcome.Msg}, env.Room, traceID)
		enqueueClose(sess.Queue, closePolicy, outcome.Msg)
		return true
	}

	if env.Svc == "room" && (env.Type == "join" || env.Type == "leave") {
		h.handleRoomShortPath(rctx, sess, tp, env, traceID)
		return false
	}

	start := time.Now()
	err = h.state.Dispatcher.DispatchText(ctx, rctx, env)
	h.state.Metrics.DispatchDurationMicros.Observe(map[string]string{"tenant": rctx.TenantID, "lane": "ext"}, time.Since(start).Microseconds())
	if err != nil {
		h.state.Metrics.ServiceErrorsTotal.Inc(map[string]string{"tenant": rctx.TenantID, "lane": "ext", "svc": env.Svc})
		enqueueSys(sess.Queue, "error", map[string]string{"code": string(wserr.CodeOf(err)), "msg": err.Error()}, env.Room, traceID)
	}
	return false
}

// handleRoomShortPath handles svc=room join/leave directly against
// presence, without going through the dispatcher: joining/leaving a room is
// transport-level bookkeeping, not an application service.
func (h *Handler) handleRoomShortPath(rctx dispatch.RealtimeCtx, sess *registry.Session, tp *policy.TenantPolicy, env wire.Envelope, traceID string) {
	if env.Room == nil || *env.Room == "" {
		enqueueSys(sess.Queue, "error", map[string]string{"code": string(wserr.BadRequest), "msg": "room is required"}, nil, traceID)
		return
	}
	room := *env.Room
	roomKey := identity.RoomKey(rctx.TenantID, room)

	switch env.Type {
	case "join":
		limits := presence.Limits{MaxUsersPerRoom: tp.MaxUsersPerRoom, MaxRoomsPerUser: tp.MaxRoomsPerUser, MaxRoomsTotal: tp.MaxRoomsTotal}
		if err := rctx.JoinRoom(roomKey, limits); err != nil {
			enqueueSys(sess.Queue, "error", map[string]string{"code": string(wserr.CodeOf(err)), "msg": err.Error()}, &room, traceID)
			return
		}
		// activeRoom stores the tenant-scoped key: services read it back via
		// rctx.ActiveRoom() and hand it straight to the presence-keyed engine
		// calls, so it must match what JoinRoom/LeaveRoom index under.
		sess.SetActiveRoom(roomKey)
		enqueueSys(sess.Queue, "joined", struct{}{}, &room, traceID)
	case "leave":
		rctx.LeaveRoom(roomKey)
		sess.SetActiveRoom("")
		enqueueSys(sess.Queue, "left", struct{}{}, &room, traceID)
	}
}

// handleHot runs one Hot Lane frame through policy and the dispatcher,
// sampling dispatch latency (the hot path is too frequent to time every
// call) and honoring the tenant's configured error-surfacing mode.
func (h *Handler) handleHot(ctx context.Context, rctx dispatch.RealtimeCtx, sess *registry.Session, tp *policy.TenantPolicy, connBucket *policy.TokenBucket, raw []byte, traceID string, sample bool) bool {
	frame, err := wire.DecodeHot(raw)
	if err != nil {
		h.state.Metrics.DecodeErrorsTotal.Inc(map[string]string{"tenant": rctx.TenantID})
		if tp.HotErrorMode == "sys_error" {
			enqueueSys(sess.Queue, "error", map[string]string{"code": string(wserr.CodeOf(err)), "msg": err.Error()}, nil, traceID)
		}
		enqueueClose(sess.Queue, closePolicy, "decode_error")
		return true
	}

	outcome := tp.CheckHot(len(raw), connBucket, frame.SvcID, frame.Opcode)
	h.state.Metrics.PolicyDecisionsTotal.Inc(map[string]string{
		"tenant": rctx.TenantID, "lane": "hot", "decision": decisionName(outcome.Decision), "reason": string(outcome.Code),
	})
	switch outcome.Decision {
	case policy.Drop:
		return false
	case policy.Reject:
		if tp.HotErrorMode == "sys_error" {
			enqueueSys(sess.Queue, "error", map[string]string{"code": string(outcome.Code), "msg": outcome.Msg}, nil, traceID)
		}
		return false
	case policy.Close:
		if tp.HotErrorMode == "sys_error" {
			enqueueSys(sess.Queue, "error", map[string]string{"code": string(outcome.Code), "msg": outcome.Msg}, nil, traceID)
		}
		enqueueClose(sess.Queue, closePolicy, outcome.Msg)
		return true
	}

	if tp.HotRequiresActiveRoom {
		if _, ok := rctx.ActiveRoom(); !ok {
			if tp.HotErrorMode == "sys_error" {
				enqueueSys(sess.Queue, "error", map[string]string{"code": string(wserr.BadRequest), "msg": "no active room"}, nil, traceID)
			}
			return false
		}
	}

	var start time.Time
	if sample {
		start = time.Now()
	}
	err = h.state.Dispatcher.DispatchHot(ctx, rctx, frame)
	if sample {
		h.state.Metrics.DispatchDurationMicros.Observe(map[string]string{"tenant": rctx.TenantID, "lane": "hot"}, time.Since(start).Microseconds())
	}
	if err != nil {
		h.state.Metrics.ServiceErrorsTotal.Inc(map[string]string{"tenant": rctx.TenantID, "lane": "hot"})
		if tp.HotErrorMode == "sys_error" {
			enqueueSys(sess.Queue, "error", map[string]string{"code": string(wserr.CodeOf(err)), "msg": err.Error()}, nil, traceID)
		}
	}
	return false
}
