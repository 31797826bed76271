package egress

import (
	"context"
	"testing"
	"time"

	"github.com/AsyncNomad/wsPrism/internal/outbound"
	"github.com/AsyncNomad/wsPrism/internal/presence"
	"github.com/AsyncNomad/wsPrism/internal/registry"
	"github.com/AsyncNomad/wsPrism/internal/telemetry/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepare_JSONSerializedAsText(t *testing.T) {
	p, err := Prepare(Outgoing{Payload: Payload{Kind: PayloadJSON, JSON: map[string]int{"a": 1}}})
	require.NoError(t, err)
	assert.False(t, p.Binary)
	assert.JSONEq(t, `{"a":1}`, string(p.Data))
}

func TestPrepare_BinaryPassthrough(t *testing.T) {
	p, err := Prepare(Outgoing{Payload: Payload{Kind: PayloadBinary, Binary: []byte{1, 2, 3}}})
	require.NoError(t, err)
	assert.True(t, p.Binary)
	assert.Equal(t, []byte{1, 2, 3}, p.Data)
}

func TestPrepare_InvalidUTF8Rejected(t *testing.T) {
	_, err := Prepare(Outgoing{Payload: Payload{Kind: PayloadText, Text: string([]byte{0xff, 0xfe})}})
	assert.Error(t, err)
}

func setupEngine(t *testing.T) (*Engine, *registry.Registry, *presence.Presence) {
	t.Helper()
	reg := registry.New()
	pres := presence.New()
	return New(reg, pres), reg, pres
}

func TestSendToSession_DeliversToQueue(t *testing.T) {
	e, reg, _ := setupEngine(t)
	q := outbound.NewQueue()
	_, err := reg.TryInsert("acme", "acme::alice", "acme::alice::s1", q, 0)
	require.NoError(t, err)

	require.NoError(t, e.SendToSession("acme::alice::s1", outbound.Prepared{Data: []byte("hi")}))

	select {
	case got := <-q:
		assert.Equal(t, "hi", string(got.Data))
	default:
		t.Fatal("expected a queued message")
	}
}

func TestSendToUser_FansOutAcrossMultiSession(t *testing.T) {
	e, reg, _ := setupEngine(t)
	q1, q2 := outbound.NewQueue(), outbound.NewQueue()
	_, err := reg.TryInsert("acme", "acme::alice", "acme::alice::s1", q1, 0)
	require.NoError(t, err)
	_, err = reg.TryInsert("acme", "acme::alice", "acme::alice::s2", q2, 0)
	require.NoError(t, err)

	require.NoError(t, e.SendToUser("acme::alice", outbound.Prepared{Data: []byte("hi")}))

	for _, q := range []outbound.Queue{q1, q2} {
		select {
		case got := <-q:
			assert.Equal(t, "hi", string(got.Data))
		default:
			t.Fatal("expected a queued message on every session")
		}
	}
}

func TestSendToUser_NotConnectedErrors(t *testing.T) {
	e, _, _ := setupEngine(t)
	err := e.SendToUser("acme::nobody", outbound.Prepared{})
	assert.Error(t, err)
}

func TestPublishRoomLossy_DropsOnFullQueue(t *testing.T) {
	e, reg, pres := setupEngine(t)
	q := make(outbound.Queue, 1)
	q <- outbound.Prepared{Data: []byte("filler")}

	_, err := reg.TryInsert("acme", "acme::alice", "acme::alice::s1", q, 0)
	require.NoError(t, err)
	require.NoError(t, pres.TryJoin("acme", "lobby", "acme::alice", "acme::alice::s1", presence.Limits{}))

	err = e.PublishRoomLossy("lobby", Outgoing{Payload: Payload{Kind: PayloadText, Text: "msg"}})
	assert.NoError(t, err)

	assert.Len(t, q, 1)
}

func TestPublishRoomReliable_DeliversToAllMembers(t *testing.T) {
	e, reg, pres := setupEngine(t)
	q1, q2 := outbound.NewQueue(), outbound.NewQueue()
	_, err := reg.TryInsert("acme", "acme::alice", "acme::alice::s1", q1, 0)
	require.NoError(t, err)
	_, err = reg.TryInsert("acme", "acme::bob", "acme::bob::s1", q2, 0)
	require.NoError(t, err)
	require.NoError(t, pres.TryJoin("acme", "lobby", "acme::alice", "acme::alice::s1", presence.Limits{}))
	require.NoError(t, pres.TryJoin("acme", "lobby", "acme::bob", "acme::bob::s1", presence.Limits{}))

	err = e.PublishRoomReliable(context.Background(), "lobby", Outgoing{Payload: Payload{Kind: PayloadText, Text: "msg"}})
	require.NoError(t, err)

	for _, q := range []outbound.Queue{q1, q2} {
		select {
		case got := <-q:
			assert.Equal(t, "msg", string(got.Data))
		default:
			t.Fatal("expected delivery")
		}
	}
}

func TestBestEffortShutdownAll_PushesCloseFrame(t *testing.T) {
	e, reg, _ := setupEngine(t)
	q := outbound.NewQueue()
	_, err := reg.TryInsert("acme", "acme::alice", "acme::alice::s1", q, 0)
	require.NoError(t, err)

	e.BestEffortShutdownAll(1001, "draining")

	select {
	case got := <-q:
		assert.True(t, got.Close)
		assert.Equal(t, 1001, got.CloseCode)
	default:
		t.Fatal("expected a close frame")
	}
}

type fakeConn struct {
	written chan []byte
	closed  bool
}

func newFakeConn() *fakeConn { return &fakeConn{written: make(chan []byte, 10)} }

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.written <- data
	return nil
}
func (f *fakeConn) Close() error { f.closed = true; return nil }

func TestRunWriter_DrainsQueueThenStopsOnClose(t *testing.T) {
	conn := newFakeConn()
	q := outbound.NewQueue()
	q <- outbound.Prepared{Data: []byte("hello")}
	q <- outbound.Prepared{Close: true, CloseCode: 1000, CloseReason: "bye"}

	done := make(chan struct{})
	go func() {
		RunWriter(conn, q, WriterConfig{SendTimeout: time.Second, PingInterval: time.Hour}, nil, "")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunWriter did not return after close frame")
	}
	assert.True(t, conn.closed)
}

// timeoutErr satisfies net.Error with Timeout() == true, simulating a write
// deadline exceeded on a slow/stalled client socket.
type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

type timeoutConn struct{ closed bool }

func (c *timeoutConn) SetWriteDeadline(time.Time) error { return nil }
func (c *timeoutConn) WriteMessage(int, []byte) error   { return timeoutErr{} }
func (c *timeoutConn) Close() error                     { c.closed = true; return nil }

func TestRunWriter_RecordsWriterTimeoutMetric(t *testing.T) {
	conn := &timeoutConn{}
	q := outbound.NewQueue()
	q <- outbound.Prepared{Data: []byte("hello")}

	reg := metrics.New()
	done := make(chan struct{})
	go func() {
		RunWriter(conn, q, WriterConfig{SendTimeout: time.Second, PingInterval: time.Hour}, reg, "acme")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunWriter did not return after write error")
	}
	assert.True(t, conn.closed)
	assert.Contains(t, reg.Render(), `wsprism_writer_timeouts_total{tenant="acme"} 1`)
}
