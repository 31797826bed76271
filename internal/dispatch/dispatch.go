// Package dispatch implements the service dispatcher (C7): Ext and Hot lane
// services register themselves at startup into concurrent-safe registries,
// keyed by service name and service id respectively.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/AsyncNomad/wsPrism/internal/egress"
	"github.com/AsyncNomad/wsPrism/internal/presence"
	"github.com/AsyncNomad/wsPrism/internal/wire"
	"github.com/AsyncNomad/wsPrism/internal/wserr"
)

// RealtimeCtx is the per-message context handed to every service call. It
// carries identity, the active Hot-lane room, and handles onto the shared
// egress engine and presence index.
type RealtimeCtx struct {
	TenantID   string
	UserKey    string
	SessionKey string
	UserID     string
	TraceID    string
	Engine     *egress.Engine
	Presence   *presence.Presence

	activeRoom *string
}

// ActiveRoom returns the session's current Hot-lane room, if any.
func (c RealtimeCtx) ActiveRoom() (string, bool) {
	if c.activeRoom == nil {
		return "", false
	}
	return *c.activeRoom, true
}

// WithActiveRoom returns a copy of c with its active room set.
func (c RealtimeCtx) WithActiveRoom(room string) RealtimeCtx {
	r := room
	c.activeRoom = &r
	return c
}

// JoinRoom enrolls the session into room under limits, updating presence.
func (c RealtimeCtx) JoinRoom(room string, limits presence.Limits) error {
	return c.Presence.TryJoin(c.TenantID, room, c.UserKey, c.SessionKey, limits)
}

// LeaveRoom removes the session from room.
func (c RealtimeCtx) LeaveRoom(room string) {
	c.Presence.Leave(c.TenantID, room, c.UserKey, c.SessionKey)
}

// ExtService handles one Ext-lane (JSON envelope) service.
type ExtService interface {
	Svc() string
	Handle(ctx context.Context, rctx RealtimeCtx, env wire.Envelope) error
}

// HotService handles one Hot-lane (binary frame) service.
type HotService interface {
	SvcID() uint8
	HandleHot(ctx context.Context, rctx RealtimeCtx, frame wire.HotFrame) error
}

// Dispatcher routes decoded frames to the service registered for their
// svc/svc_id. sync.Map stands in for the concurrent hash map idiom used
// elsewhere in the corpus, since services are registered once at startup
// and read far more often than written.
type Dispatcher struct {
	text sync.Map // string -> ExtService
	hot  sync.Map // uint8 -> HotService
}

// New builds an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{}
}

// RegisterText adds svc to the Ext-lane registry, keyed by its Svc() name.
func (d *Dispatcher) RegisterText(svc ExtService) {
	d.text.Store(svc.Svc(), svc)
}

// RegisterHot adds svc to the Hot-lane registry, keyed by its SvcID().
func (d *Dispatcher) RegisterHot(svc HotService) {
	d.hot.Store(svc.SvcID(), svc)
}

// RegisteredTextSvcs lists every registered Ext-lane service name.
func (d *Dispatcher) RegisteredTextSvcs() []string {
	var out []string
	d.text.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	return out
}

// RegisteredHotSvcs lists every registered Hot-lane service id.
func (d *Dispatcher) RegisteredHotSvcs() []uint8 {
	var out []uint8
	d.hot.Range(func(k, _ any) bool {
		out = append(out, k.(uint8))
		return true
	})
	return out
}

// DispatchText routes env to its registered Ext-lane service.
func (d *Dispatcher) DispatchText(ctx context.Context, rctx RealtimeCtx, env wire.Envelope) error {
	v, ok := d.text.Load(env.Svc)
	if !ok {
		return wserr.New(wserr.BadRequest, fmt.Sprintf("unknown svc: %s", env.Svc))
	}
	return v.(ExtService).Handle(ctx, rctx, env)
}

// DispatchHot routes frame to its registered Hot-lane service.
func (d *Dispatcher) DispatchHot(ctx context.Context, rctx RealtimeCtx, frame wire.HotFrame) error {
	v, ok := d.hot.Load(frame.SvcID)
	if !ok {
		return wserr.New(wserr.BadRequest, fmt.Sprintf("unknown hot svc_id: %d", frame.SvcID))
	}
	return v.(HotService).HandleHot(ctx, rctx, frame)
}
