package policy

import (
	"testing"

	"github.com/AsyncNomad/wsPrism/internal/config"
	"github.com/AsyncNomad/wsPrism/internal/wserr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTenantConfig() config.TenantConfig {
	return config.TenantConfig{
		ID:     "acme",
		Limits: config.TenantLimits{MaxFrameBytes: 16},
		Policy: config.TenantPolicyConfig{
			ExtAllowlist: []string{"chat:send", "room:*"},
			HotAllowlist: []string{"1:*"},
			Sessions:     config.SessionPolicy{Mode: "multi", MaxSessionsPerUser: 3, OnExceed: "kick_oldest"},
			HotErrorMode: "sys_error",
		},
	}
}

func TestCompile_StrictDenyOnEmptyAllowlist(t *testing.T) {
	tc := testTenantConfig()
	tc.Policy.ExtAllowlist = nil
	p, err := Compile(tc)
	require.NoError(t, err)

	o := p.CheckExt(5, nil, "chat", "send")
	assert.Equal(t, Reject, o.Decision)
	assert.Equal(t, wserr.BadRequest, o.Code)
	assert.Equal(t, "ext_allowlist empty (strict deny)", o.Msg)
}

func TestCheckExt_LengthBeforeEverythingElse(t *testing.T) {
	p, err := Compile(testTenantConfig())
	require.NoError(t, err)

	o := p.CheckExt(1000, nil, "chat", "send")
	assert.Equal(t, Close, o.Decision)
	assert.Equal(t, wserr.BadRequest, o.Code)
}

func TestCheckExt_AllowlistWildcard(t *testing.T) {
	p, err := Compile(testTenantConfig())
	require.NoError(t, err)

	assert.Equal(t, Pass, p.CheckExt(5, nil, "room", "join").Decision)
	assert.Equal(t, Pass, p.CheckExt(5, nil, "chat", "send").Decision)
	assert.Equal(t, Reject, p.CheckExt(5, nil, "chat", "delete").Decision)
}

func TestCheckHot_EmptyAllowlistDrops(t *testing.T) {
	tc := testTenantConfig()
	tc.Policy.HotAllowlist = nil
	p, err := Compile(tc)
	require.NoError(t, err)

	assert.Equal(t, Drop, p.CheckHot(4, nil, 1, 5).Decision)
}

func TestCheckHot_Allowed(t *testing.T) {
	p, err := Compile(testTenantConfig())
	require.NoError(t, err)

	assert.Equal(t, Pass, p.CheckHot(4, nil, 1, 99).Decision)
	assert.Equal(t, Drop, p.CheckHot(4, nil, 2, 99).Decision)
}

func TestCheckRate_TenantBucketExhausts(t *testing.T) {
	tc := testTenantConfig()
	tc.Policy.RateLimit.Tenant = &config.RateLimitScope{RPS: 1000, Burst: 1}
	p, err := Compile(tc)
	require.NoError(t, err)

	assert.Equal(t, Pass, p.CheckExt(5, nil, "chat", "send").Decision)
	assert.Equal(t, Drop, p.CheckExt(5, nil, "chat", "send").Decision)
}
