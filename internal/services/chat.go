// Package services holds the demo Ext/Hot services wired in at startup to
// exercise the dispatcher end to end.
package services

import (
	"context"
	"encoding/json"

	"github.com/AsyncNomad/wsPrism/internal/dispatch"
	"github.com/AsyncNomad/wsPrism/internal/egress"
	"github.com/AsyncNomad/wsPrism/internal/identity"
	"github.com/AsyncNomad/wsPrism/internal/wire"
	"github.com/AsyncNomad/wsPrism/internal/wserr"
)

// ChatSendTimeoutMs is how long a chat.send reliable fan-out waits per
// recipient before giving up on that recipient.
const ChatSendTimeoutMs = 1500

// ChatService implements the Ext-lane "chat" service: chat.send relays a
// message to every session in the envelope's room, reliably.
type ChatService struct{}

// NewChatService builds a ChatService.
func NewChatService() *ChatService { return &ChatService{} }

// Svc identifies this service in the Ext allowlist and dispatcher registry.
func (ChatService) Svc() string { return "chat" }

type chatSendReq struct {
	Msg string `json:"msg"`
}

// Handle dispatches chat.* message types.
func (ChatService) Handle(ctx context.Context, rctx dispatch.RealtimeCtx, env wire.Envelope) error {
	switch env.Type {
	case "send":
		if env.Room == nil || *env.Room == "" {
			return wserr.New(wserr.BadRequest, "chat.send requires room")
		}
		if len(env.Data) == 0 {
			return wserr.New(wserr.BadRequest, "chat.send requires data")
		}

		var req chatSendReq
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return wserr.Newf(wserr.BadRequest, "chat.send invalid data: %v", err)
		}

		out := egress.Outgoing{
			QoS:       egress.Reliable,
			TimeoutMs: ChatSendTimeoutMs,
			Payload: egress.Payload{
				Kind: egress.PayloadJSON,
				JSON: map[string]any{
					"v":    1,
					"svc":  "chat",
					"type": "msg",
					"room": *env.Room,
					"data": map[string]any{
						"from": rctx.UserID,
						"msg":  req.Msg,
					},
				},
			},
		}
		return rctx.Engine.PublishRoomReliable(ctx, identity.RoomKey(rctx.TenantID, *env.Room), out)
	default:
		return wserr.Newf(wserr.BadRequest, "unknown chat type: %s", env.Type)
	}
}
