package services

import (
	"context"

	"github.com/AsyncNomad/wsPrism/internal/dispatch"
	"github.com/AsyncNomad/wsPrism/internal/egress"
	"github.com/AsyncNomad/wsPrism/internal/wire"
	"github.com/AsyncNomad/wsPrism/internal/wserr"
)

// EchoBinaryService is a Hot-lane service that echoes every frame it
// receives, unmodified, to every session in the sender's active room,
// the sender's own session included.
// It exists to prove the Hot lane's routing works end to end; production
// services would avoid a JSON round-trip entirely, which this already does.
type EchoBinaryService struct {
	svcID uint8
}

// NewEchoBinaryService builds an EchoBinaryService bound to svcID.
func NewEchoBinaryService(svcID uint8) *EchoBinaryService {
	return &EchoBinaryService{svcID: svcID}
}

// SvcID identifies this service in the Hot allowlist and dispatcher registry.
func (e *EchoBinaryService) SvcID() uint8 { return e.svcID }

// HandleHot broadcasts frame.Payload, as-is, to the caller's active room.
func (e *EchoBinaryService) HandleHot(_ context.Context, rctx dispatch.RealtimeCtx, frame wire.HotFrame) error {
	room, ok := rctx.ActiveRoom()
	if !ok {
		return wserr.New(wserr.BadRequest, "no active_room")
	}

	out := egress.Outgoing{
		QoS:     egress.Lossy,
		Payload: egress.Payload{Kind: egress.PayloadBinary, Binary: frame.Payload},
	}
	return rctx.Engine.PublishRoomLossy(room, out)
}
