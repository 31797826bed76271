package appstate

import (
	"context"
	"testing"
	"time"

	"github.com/AsyncNomad/wsPrism/internal/auth"
	"github.com/AsyncNomad/wsPrism/internal/config"
	"github.com/AsyncNomad/wsPrism/internal/dispatch"
	"github.com/AsyncNomad/wsPrism/internal/handshake"
	"github.com/AsyncNomad/wsPrism/internal/outbound"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Version: 1,
		Gateway: config.GatewayConfig{Listen: ":8080", PingIntervalMs: 15000, IdleTimeoutMs: 60000, WriterSendTimeoutMs: 5000, DrainGraceMs: 200},
		Tenants: []config.TenantConfig{{
			ID:     "acme",
			Limits: config.TenantLimits{MaxFrameBytes: 1024, MaxSessionsTotal: 10, MaxUsersPerRoom: 10, MaxRoomsPerUser: 10, MaxRoomsTotal: 10},
			Policy: config.TenantPolicyConfig{
				ExtAllowlist: []string{"chat:send"},
				Sessions:     config.SessionPolicy{Mode: "multi", MaxSessionsPerUser: 5, OnExceed: "deny"},
				HotErrorMode: "silent",
			},
		}},
	}
}

func TestNew_CompilesTenantPolicies(t *testing.T) {
	s, err := New(testConfig(), auth.DevTicketValidator{}, handshake.Config{Enabled: true, GlobalBurst: 10, GlobalRPS: 10, PerIPBurst: 10, PerIPRPS: 10, MaxIPEntries: 100}, dispatch.New())
	require.NoError(t, err)

	p, ok := s.TenantPolicy("acme")
	assert.True(t, ok)
	assert.Equal(t, int64(1024), p.MaxFrameBytes)

	_, ok = s.TenantPolicy("unknown")
	assert.False(t, ok)
}

func TestResolveTicket_DelegatesToValidator(t *testing.T) {
	s, err := New(testConfig(), auth.DevTicketValidator{}, handshake.Config{}, dispatch.New())
	require.NoError(t, err)

	uid, err := s.ResolveTicket(context.Background(), "dev")
	require.NoError(t, err)
	assert.Equal(t, "user:dev", uid)

	_, err = s.ResolveTicket(context.Background(), "bogus")
	assert.ErrorIs(t, err, auth.ErrInvalidTicket)
}

func TestDraining_StartsFalseAndEnterDrainingFlips(t *testing.T) {
	s, err := New(testConfig(), auth.DevTicketValidator{}, handshake.Config{}, dispatch.New())
	require.NoError(t, err)

	assert.False(t, s.Draining())
	s.EnterDraining()
	assert.True(t, s.Draining())
}

func TestDrain_ReturnsImmediatelyWithNoSessions(t *testing.T) {
	s, err := New(testConfig(), auth.DevTicketValidator{}, handshake.Config{}, dispatch.New())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	s.Drain(ctx, 200)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
	assert.True(t, s.Draining())
}

func TestDrain_StopsAfterGraceEvenWithSessionsOpen(t *testing.T) {
	s, err := New(testConfig(), auth.DevTicketValidator{}, handshake.Config{}, dispatch.New())
	require.NoError(t, err)

	_, err = s.Sessions.TryInsert("acme", "acme::dev", "acme::dev::s1", outbound.NewQueue(), 10)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	s.Drain(ctx, 80)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 80*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
}
