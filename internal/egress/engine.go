// Package egress implements the outbound engine (C6): prepare-once/send-many
// serialization, lossy and reliable room fan-out, and the per-session writer
// loop that owns the actual socket write.
package egress

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/AsyncNomad/wsPrism/internal/logging"
	"github.com/AsyncNomad/wsPrism/internal/outbound"
	"github.com/AsyncNomad/wsPrism/internal/presence"
	"github.com/AsyncNomad/wsPrism/internal/registry"
	"github.com/AsyncNomad/wsPrism/internal/telemetry/metrics"
	"github.com/AsyncNomad/wsPrism/internal/wserr"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// QoS selects how a room publish behaves when a recipient's outbound queue
// is full or slow to drain.
type QoS int

const (
	// Lossy never blocks: a full queue means the message is dropped.
	Lossy QoS = iota
	// Reliable blocks (up to TimeoutMs, if set) until the queue accepts.
	Reliable
)

// PayloadKind discriminates which field of Payload is populated.
type PayloadKind int

const (
	PayloadJSON PayloadKind = iota
	PayloadText
	PayloadBinary
)

// Payload is the application-level message content before serialization.
type Payload struct {
	Kind   PayloadKind
	JSON   any    // serialized once via encoding/json, when Kind == PayloadJSON
	Text   string // sent verbatim as a text frame, when Kind == PayloadText
	Binary []byte // sent verbatim as a binary frame, when Kind == PayloadBinary
}

// Outgoing is one application message destined for one or more recipients.
type Outgoing struct {
	QoS       QoS
	TimeoutMs uint64
	Payload   Payload
}

// Prepare serializes out exactly once, producing a value that can be handed
// to any number of recipient queues without re-serializing.
func Prepare(out Outgoing) (outbound.Prepared, error) {
	switch out.Payload.Kind {
	case PayloadJSON:
		b, err := json.Marshal(out.Payload.JSON)
		if err != nil {
			return outbound.Prepared{}, wserr.Newf(wserr.Internal, "json encode failed: %v", err)
		}
		return outbound.Prepared{Binary: false, Data: b}, nil
	case PayloadText:
		if !utf8.ValidString(out.Payload.Text) {
			return outbound.Prepared{}, wserr.New(wserr.BadRequest, "text payload is not valid utf-8")
		}
		return outbound.Prepared{Binary: false, Data: []byte(out.Payload.Text)}, nil
	default:
		return outbound.Prepared{Binary: true, Data: out.Payload.Binary}, nil
	}
}

// Engine ties the session registry and presence index together to serve as
// the single place outbound sends are issued from.
type Engine struct {
	Sessions *registry.Registry
	Presence *presence.Presence
}

// New builds an Engine over the given registry and presence index.
func New(sessions *registry.Registry, pres *presence.Presence) *Engine {
	return &Engine{Sessions: sessions, Presence: pres}
}

// SendToSession delivers prepared to exactly one session's queue, non-blocking.
func (e *Engine) SendToSession(sessionKey string, prepared outbound.Prepared) error {
	sess, ok := e.Sessions.GetSession(sessionKey)
	if !ok {
		return wserr.New(wserr.BadRequest, "session not connected")
	}
	select {
	case sess.Queue <- prepared:
	default:
		logging.Warn(context.Background(), "session queue full, dropping", zap.String("session_key", sessionKey))
	}
	return nil
}

// SendToUser fans prepared out, non-blocking, to every session the user
// currently holds (supporting multi-session-per-user).
func (e *Engine) SendToUser(userKey string, prepared outbound.Prepared) error {
	sessions := e.Sessions.GetUserSessions(userKey)
	if len(sessions) == 0 {
		return wserr.New(wserr.BadRequest, "user not connected")
	}
	for _, sess := range sessions {
		select {
		case sess.Queue <- prepared:
		default:
			logging.Warn(context.Background(), "session queue full, dropping", zap.String("session_key", sess.SessionKey))
		}
	}
	return nil
}

// lossyDropSeq counts lossy room publishes that dropped at least one
// recipient; one in every 1024 of them logs a warning.
var lossyDropSeq atomic.Uint64

// PublishRoomLossy serializes out once and try-sends it to every session in
// room_key, dropping on any recipient whose queue is full. A sampled warning
// is logged so a storm of drops doesn't flood the log.
func (e *Engine) PublishRoomLossy(roomKey string, out Outgoing) error {
	prepared, err := Prepare(out)
	if err != nil {
		return err
	}
	sessionKeys := e.Presence.SessionsIn(roomKey)

	dropped := 0
	for _, sk := range sessionKeys {
		sess, ok := e.Sessions.GetSession(sk)
		if !ok {
			continue
		}
		select {
		case sess.Queue <- prepared:
		default:
			dropped++
		}
	}
	if dropped > 0 && lossyDropSeq.Add(1)%1024 == 1 {
		logging.Warn(context.Background(), "lossy room publish dropped recipients",
			zap.String("room_key", roomKey), zap.Int("dropped", dropped), zap.Int("recipients", len(sessionKeys)))
	}
	return nil
}

// PublishRoomReliable serializes out once and fans it out concurrently to
// every session in room_key, blocking per recipient up to TimeoutMs (0 means
// wait indefinitely for that recipient's queue).
func (e *Engine) PublishRoomReliable(ctx context.Context, roomKey string, out Outgoing) error {
	prepared, err := Prepare(out)
	if err != nil {
		return err
	}
	sessionKeys := e.Presence.SessionsIn(roomKey)

	var wg sync.WaitGroup
	for _, sk := range sessionKeys {
		sess, ok := e.Sessions.GetSession(sk)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(q outbound.Queue) {
			defer wg.Done()
			sendReliable(ctx, q, prepared, out.TimeoutMs)
		}(sess.Queue)
	}
	wg.Wait()
	return nil
}

func sendReliable(ctx context.Context, q outbound.Queue, prepared outbound.Prepared, timeoutMs uint64) {
	if timeoutMs == 0 {
		select {
		case q <- prepared:
		case <-ctx.Done():
		}
		return
	}
	timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case q <- prepared:
	case <-timer.C:
	case <-ctx.Done():
	}
}

// BestEffortShutdownAll pushes a close frame onto every active session's
// queue, without waiting for delivery. Used during graceful drain.
func (e *Engine) BestEffortShutdownAll(code int, reason string) {
	for _, sess := range e.Sessions.AllSessions() {
		select {
		case sess.Queue <- outbound.Prepared{Close: true, CloseCode: code, CloseReason: reason}:
		default:
		}
	}
}

// Conn is the minimal socket surface the writer loop needs, satisfied by
// *websocket.Conn in production and a fake in tests.
type Conn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// WriterConfig tunes the per-session writer goroutine.
type WriterConfig struct {
	SendTimeout  time.Duration
	PingInterval time.Duration
}

// RunWriter drains queue onto conn until the queue is closed, a close frame
// is sent, or a write fails. It owns ping emission on PingInterval. This is
// the dedicated writer-side loop assigned to the egress engine. reg and
// tenantID may be nil/empty to skip metrics (used by tests with a fake Conn).
func RunWriter(conn Conn, queue outbound.Queue, cfg WriterConfig, reg *metrics.Registry, tenantID string) {
	defer conn.Close()

	ticker := time.NewTicker(cfg.PingInterval)
	defer ticker.Stop()

	recordIfTimeout := func(err error) {
		if reg == nil {
			return
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			reg.WriterTimeoutsTotal.Inc(map[string]string{"tenant": tenantID})
		}
	}

	for {
		select {
		case prepared, ok := <-queue:
			if !ok {
				return
			}
			if prepared.Close {
				conn.SetWriteDeadline(time.Now().Add(cfg.SendTimeout))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(prepared.CloseCode, prepared.CloseReason))
				return
			}

			msgType := websocket.TextMessage
			if prepared.Binary {
				msgType = websocket.BinaryMessage
			}
			conn.SetWriteDeadline(time.Now().Add(cfg.SendTimeout))
			if err := conn.WriteMessage(msgType, prepared.Data); err != nil {
				recordIfTimeout(err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(cfg.SendTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				recordIfTimeout(err)
				return
			}
		}
	}
}
