// Package appstate assembles the process-wide immutable bundle (C10):
// config, compiled tenant policies, the handshake defender, the session
// registry, presence, the dispatcher, and metrics, plus the single atomic
// draining flag that gates both readiness and new upgrades.
package appstate

import (
	"context"
	"fmt"
	"time"

	"github.com/AsyncNomad/wsPrism/internal/auth"
	"github.com/AsyncNomad/wsPrism/internal/config"
	"github.com/AsyncNomad/wsPrism/internal/dispatch"
	"github.com/AsyncNomad/wsPrism/internal/egress"
	"github.com/AsyncNomad/wsPrism/internal/handshake"
	"github.com/AsyncNomad/wsPrism/internal/logging"
	"github.com/AsyncNomad/wsPrism/internal/policy"
	"github.com/AsyncNomad/wsPrism/internal/presence"
	"github.com/AsyncNomad/wsPrism/internal/registry"
	"github.com/AsyncNomad/wsPrism/internal/telemetry/metrics"
	"go.uber.org/zap"

	"sync/atomic"
)

// State is the shared, immutable-after-construction bundle every connection
// goroutine and every operational handler reads from. Only the draining
// flag and the hot structures it points at (C4, C5, C9) mutate after New.
type State struct {
	Config     *config.Config
	Policies   map[string]*policy.TenantPolicy
	Defender   *handshake.Defender
	Sessions   *registry.Registry
	Presence   *presence.Presence
	Dispatcher *dispatch.Dispatcher
	Metrics    *metrics.Registry
	Validator  auth.TicketValidator
	Engine     *egress.Engine

	draining atomic.Bool
}

// New compiles cfg's tenants and wires the hot structures together around
// disp, whose services the caller has already registered. It fails fast on
// any compile error rather than starting with a partially-valid policy set.
func New(cfg *config.Config, validator auth.TicketValidator, defenderCfg handshake.Config, disp *dispatch.Dispatcher) (*State, error) {
	policies := make(map[string]*policy.TenantPolicy, len(cfg.Tenants))
	for _, tc := range cfg.Tenants {
		p, err := policy.Compile(tc)
		if err != nil {
			return nil, fmt.Errorf("compile tenant %s: %w", tc.ID, err)
		}
		policies[tc.ID] = p
	}

	sessions := registry.New()
	pres := presence.New()

	s := &State{
		Config:     cfg,
		Policies:   policies,
		Defender:   handshake.NewDefender(defenderCfg),
		Sessions:   sessions,
		Presence:   pres,
		Dispatcher: disp,
		Metrics:    metrics.New(),
		Validator:  validator,
		Engine:     egress.New(sessions, pres),
	}
	return s, nil
}

// ResolveTicket delegates to the configured TicketValidator.
func (s *State) ResolveTicket(ctx context.Context, ticket string) (string, error) {
	return s.Validator.ResolveTicket(ctx, ticket)
}

// TenantPolicy looks up the compiled policy for tenantID, or ok=false on an
// unknown tenant (caller maps this to HTTP 400 at upgrade).
func (s *State) TenantPolicy(tenantID string) (*policy.TenantPolicy, bool) {
	p, ok := s.Policies[tenantID]
	return p, ok
}

// Draining reports whether the process has entered the terminal drain
// phase. Readiness and the upgrade handler both consult this.
func (s *State) Draining() bool {
	return s.draining.Load()
}

// EnterDraining flips the flag and reflects it in the draining gauge.
// Idempotent: calling it more than once has no additional effect.
func (s *State) EnterDraining() {
	s.draining.Store(true)
	s.Metrics.Draining.Set(nil, 1)
}

// Drain enters draining, best-effort-closes every live session, then polls
// at 50ms intervals until the session count reaches zero or graceMs
// elapses, whichever comes first.
func (s *State) Drain(ctx context.Context, graceMs int) {
	s.EnterDraining()
	s.Engine.BestEffortShutdownAll(1001, "draining")

	deadline := time.Now().Add(time.Duration(graceMs) * time.Millisecond)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s.Sessions.Len() == 0 {
			return
		}
		if time.Now().After(deadline) {
			logging.Warn(ctx, "drain grace period elapsed with sessions still open",
				zap.Int("remaining_sessions", s.Sessions.Len()))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
