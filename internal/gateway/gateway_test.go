package gateway

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AsyncNomad/wsPrism/internal/appstate"
	"github.com/AsyncNomad/wsPrism/internal/auth"
	"github.com/AsyncNomad/wsPrism/internal/dispatch"
	"github.com/AsyncNomad/wsPrism/internal/handshake"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// newTestServer wires a gin engine around Handler.ServeWs with a real HTTP
// listener, since the upgrade + read loop needs an actual hijackable
// connection that httptest.ResponseRecorder can't provide.
func newTestServer(t *testing.T, state *appstate.State) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewHandler(state, nil)
	r.GET("/v1/ws", h.ServeWs)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

type sysEnvelope struct {
	Svc    string          `json:"svc"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
	TraceID string         `json:"trace_id"`
}

func readSys(t *testing.T, conn *websocket.Conn) sysEnvelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env sysEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestServeWs_SuccessfulConnectSendsAuthed(t *testing.T) {
	state := newTestState(t)
	srv := newTestServer(t, state)

	conn := dial(t, srv, "tenant=acme&ticket=dev")
	defer conn.Close()

	env := readSys(t, conn)
	require.Equal(t, "sys", env.Svc)
	require.Equal(t, "authed", env.Type)

	require.Eventually(t, func() bool {
		return state.Sessions.CountUserSessions("acme::user:dev") == 1
	}, time.Second, 10*time.Millisecond)
}

func TestServeWs_SessionQuotaDeny_SecondConnectionClosed(t *testing.T) {
	state := newTestState(t)
	srv := newTestServer(t, state)

	first := dial(t, srv, "tenant=acme&ticket=dev&sid=s1")
	defer first.Close()
	readSys(t, first) // authed

	second := dial(t, srv, "tenant=acme&ticket=dev&sid=s2")
	defer second.Close()

	denied := readSys(t, second)
	require.Equal(t, "error", denied.Type)

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := second.ReadMessage()
	require.Error(t, err) // denied: closed without ever being admitted

	require.Equal(t, 1, state.Sessions.CountUserSessions("acme::user:dev"))
}

func TestServeWs_KickOldest_VictimReceivesKickedThenCloses(t *testing.T) {
	state := newTestState(t)
	policy, ok := state.TenantPolicy("acme")
	require.True(t, ok)
	policy.OnExceed = "kick_oldest"

	srv := newTestServer(t, state)

	victim := dial(t, srv, "tenant=acme&ticket=dev&sid=old")
	defer victim.Close()
	readSys(t, victim) // authed

	newcomer := dial(t, srv, "tenant=acme&ticket=dev&sid=new")
	defer newcomer.Close()
	readSys(t, newcomer) // authed: admission succeeds via eviction

	kicked := readSys(t, victim)
	require.Equal(t, "kicked", kicked.Type)

	victim.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := victim.ReadMessage()
	require.Error(t, err) // victim's connection is closed after the kick

	require.Eventually(t, func() bool {
		return state.Sessions.CountUserSessions("acme::user:dev") == 1
	}, time.Second, 10*time.Millisecond)
}

func TestServeWs_DecodeErrorClosesConnection(t *testing.T) {
	state := newTestState(t)
	srv := newTestServer(t, state)

	conn := dial(t, srv, "tenant=acme&ticket=dev")
	defer conn.Close()
	readSys(t, conn) // authed

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return // connection closed, as expected
		}
		var env sysEnvelope
		if json.Unmarshal(data, &env) == nil && env.Type == "error" {
			continue
		}
	}
}

func TestServeWs_IdleTimeoutClosesConnection(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.Gateway.IdleTimeoutMs = 150
	cfg.Gateway.PingIntervalMs = 10000
	state, err := appstate.New(cfg, auth.DevTicketValidator{}, handshake.Config{Enabled: false}, dispatch.New())
	require.NoError(t, err)

	srv := newTestServer(t, state)
	conn := dial(t, srv, "tenant=acme&ticket=dev")
	defer conn.Close()
	readSys(t, conn) // authed

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
}
