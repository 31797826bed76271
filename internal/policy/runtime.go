// Package policy implements the per-tenant policy runtime (C2): compiled
// allowlists, token-bucket rate limiting, and the fixed-order frame
// evaluation pipeline (length -> rate -> allowlist).
package policy

import (
	"github.com/AsyncNomad/wsPrism/internal/config"
	"github.com/AsyncNomad/wsPrism/internal/wire"
	"github.com/AsyncNomad/wsPrism/internal/wserr"
)

// Decision is the outcome of evaluating one inbound frame against policy.
type Decision int

const (
	Pass Decision = iota
	Drop
	Reject
	Close
)

// Outcome pairs a Decision with the client-facing code/message to surface
// when the decision is Reject or Close. Pass and Drop carry no payload.
type Outcome struct {
	Decision Decision
	Code     wserr.Code
	Msg      string
}

var outcomePass = Outcome{Decision: Pass}

// TenantPolicy is the compiled, immutable-after-construction policy runtime
// for one tenant.
type TenantPolicy struct {
	TenantID      string
	MaxFrameBytes int64

	extRules []ExtRule
	hotRules []HotRule

	tenantBucket     *TokenBucket // nil if not configured
	connBucketRPS    int64
	connBucketBurst  int64
	hasConnBucket    bool

	SessionMode            string
	MaxSessionsPerUser     int
	OnExceed               string
	HotErrorMode           string
	HotRequiresActiveRoom  bool
	MaxSessionsTotal       int64
	MaxUsersPerRoom        int
	MaxRoomsPerUser        int
	MaxRoomsTotal          int
}

// Compile builds a TenantPolicy from its configuration. Errors are returned,
// never panics, so boot can fail fast with a clear message instead of
// crashing mid-startup.
func Compile(tc config.TenantConfig) (*TenantPolicy, error) {
	extRules, err := compileExtRules(tc.Policy.ExtAllowlist)
	if err != nil {
		return nil, err
	}
	hotRules, err := compileHotRules(tc.Policy.HotAllowlist)
	if err != nil {
		return nil, err
	}

	p := &TenantPolicy{
		TenantID:              tc.ID,
		MaxFrameBytes:         tc.Limits.MaxFrameBytes,
		extRules:              extRules,
		hotRules:               hotRules,
		SessionMode:           tc.Policy.Sessions.Mode,
		MaxSessionsPerUser:    tc.Policy.Sessions.MaxSessionsPerUser,
		OnExceed:              tc.Policy.Sessions.OnExceed,
		HotErrorMode:          tc.Policy.HotErrorMode,
		HotRequiresActiveRoom: tc.Policy.HotRequiresActiveRoom,
		MaxSessionsTotal:      tc.Limits.MaxSessionsTotal,
		MaxUsersPerRoom:       tc.Limits.MaxUsersPerRoom,
		MaxRoomsPerUser:       tc.Limits.MaxRoomsPerUser,
		MaxRoomsTotal:         tc.Limits.MaxRoomsTotal,
	}

	if t := tc.Policy.RateLimit.Tenant; t != nil {
		p.tenantBucket = NewTokenBucket(t.RPS, t.Burst)
	}
	if c := tc.Policy.RateLimit.Connection; c != nil {
		p.connBucketRPS, p.connBucketBurst, p.hasConnBucket = c.RPS, c.Burst, true
	}

	return p, nil
}

// NewConnBucket instantiates a fresh per-connection token bucket from this
// tenant's template, or nil if connection-scope rate limiting isn't
// configured for the tenant.
func (p *TenantPolicy) NewConnBucket() *TokenBucket {
	if !p.hasConnBucket {
		return nil
	}
	return NewTokenBucket(p.connBucketRPS, p.connBucketBurst)
}

// CheckLen is the first, cheapest stage: reject oversized frames before any
// further work.
func (p *TenantPolicy) CheckLen(bytesLen int) Outcome {
	if int64(bytesLen) > p.MaxFrameBytes {
		return Outcome{Decision: Close, Code: wserr.BadRequest, Msg: "frame too large"}
	}
	return outcomePass
}

// checkRate evaluates tenant-scope then connection-scope buckets (if
// configured). Both lanes silently Drop on exhaustion.
func (p *TenantPolicy) checkRate(connBucket *TokenBucket) Outcome {
	if p.tenantBucket != nil && !p.tenantBucket.Allow() {
		return Outcome{Decision: Drop}
	}
	if connBucket != nil && !connBucket.Allow() {
		return Outcome{Decision: Drop}
	}
	return outcomePass
}

// CheckExt runs the full Ext Lane pipeline: length, rate, allowlist.
func (p *TenantPolicy) CheckExt(bytesLen int, connBucket *TokenBucket, svc, msgType string) Outcome {
	if o := p.CheckLen(bytesLen); o.Decision != Pass {
		return o
	}
	if o := p.checkRate(connBucket); o.Decision != Pass {
		return o
	}
	if len(p.extRules) == 0 {
		return Outcome{Decision: Reject, Code: wserr.BadRequest, Msg: "ext_allowlist empty (strict deny)"}
	}
	if !isExtAllowed(p.extRules, svc, msgType) {
		return Outcome{Decision: Reject, Code: wserr.BadRequest, Msg: "svc/type not allowed"}
	}
	return outcomePass
}

// CheckHot runs the full Hot Lane pipeline: length, rate, allowlist.
func (p *TenantPolicy) CheckHot(bytesLen int, connBucket *TokenBucket, svcID, opcode uint8) Outcome {
	if o := p.CheckLen(bytesLen); o.Decision != Pass {
		return o
	}
	if o := p.checkRate(connBucket); o.Decision != Pass {
		return o
	}
	if len(p.hotRules) == 0 {
		return Outcome{Decision: Drop}
	}
	if !isHotAllowed(p.hotRules, svcID, opcode) {
		return Outcome{Decision: Drop}
	}
	return outcomePass
}

// extSvcNames and hotSvcIDs list the service names and service ids named
// by the compiled Ext and Hot allowlist rules.
func (p *TenantPolicy) extSvcNames() []string {
	names := make([]string, 0, len(p.extRules))
	for _, r := range p.extRules {
		names = append(names, r.Svc)
	}
	return names
}

func (p *TenantPolicy) hotSvcIDs() []uint8 {
	ids := make([]uint8, 0, len(p.hotRules))
	for _, r := range p.hotRules {
		ids = append(ids, r.SvcID)
	}
	return ids
}

// Lane re-exports wire.Lane so callers needn't import both packages for the
// common case of labeling a decision by lane.
type Lane = wire.Lane
