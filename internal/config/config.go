// Package config loads and validates the gateway's YAML configuration
// (schema v1) plus the small set of environment-provided secrets.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/AsyncNomad/wsPrism/internal/auth"
	"gopkg.in/yaml.v3"
)

// defaultAllowedOrigins is used when ALLOWED_ORIGINS is unset, so a
// development boot still gets a sane, logged default instead of silently
// allowing every origin.
var defaultAllowedOrigins = []string{"http://localhost:3000", "http://localhost:8080"}

// GatewayConfig holds the process-wide timing knobs, the `gateway` section
// of the config schema.
type GatewayConfig struct {
	Listen              string `yaml:"listen"`
	PingIntervalMs      int    `yaml:"ping_interval_ms"`
	IdleTimeoutMs       int    `yaml:"idle_timeout_ms"`
	WriterSendTimeoutMs int    `yaml:"writer_send_timeout_ms"`
	DrainGraceMs        int    `yaml:"drain_grace_ms"`
}

// RateLimitScope is one token-bucket configuration (rps + burst).
type RateLimitScope struct {
	RPS   int64 `yaml:"rps"`
	Burst int64 `yaml:"burst"`
}

// RateLimitConfig carries the optional tenant-scope and connection-scope
// buckets; either, both, or neither may be set.
type RateLimitConfig struct {
	Tenant     *RateLimitScope `yaml:"tenant,omitempty"`
	Connection *RateLimitScope `yaml:"connection,omitempty"`
}

// SessionPolicy governs per-user session admission quotas.
type SessionPolicy struct {
	Mode               string `yaml:"mode"`
	MaxSessionsPerUser int    `yaml:"max_sessions_per_user"`
	OnExceed           string `yaml:"on_exceed"`
}

// TenantPolicyConfig is the `tenants[].policy` block.
type TenantPolicyConfig struct {
	RateLimit             RateLimitConfig `yaml:"rate_limit"`
	ExtAllowlist          []string        `yaml:"ext_allowlist"`
	HotAllowlist          []string        `yaml:"hot_allowlist"`
	Sessions              SessionPolicy   `yaml:"sessions"`
	HotErrorMode          string          `yaml:"hot_error_mode"`
	HotRequiresActiveRoom bool            `yaml:"hot_requires_active_room"`
}

// TenantLimits is the `tenants[].limits` block.
type TenantLimits struct {
	MaxFrameBytes    int64 `yaml:"max_frame_bytes"`
	MaxSessionsTotal int64 `yaml:"max_sessions_total"`
	MaxUsersPerRoom  int   `yaml:"max_users_per_room"`
	MaxRoomsPerUser  int   `yaml:"max_rooms_per_user"`
	MaxRoomsTotal    int   `yaml:"max_rooms_total"`
}

// TenantConfig is one entry of `tenants[]`.
type TenantConfig struct {
	ID     string              `yaml:"id"`
	Limits TenantLimits        `yaml:"limits"`
	Policy TenantPolicyConfig  `yaml:"policy"`
}

// Config is the root of schema v1.
type Config struct {
	Version int            `yaml:"version"`
	Gateway GatewayConfig  `yaml:"gateway"`
	Tenants []TenantConfig `yaml:"tenants"`
}

// Load reads and strictly decodes the YAML file at path, then validates it.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // schema v1 is strict: unknown fields are rejected

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the gateway timing ranges and tenant policy shape.
// Defaults are strict (deny-by-default).
func (c *Config) Validate() error {
	var errs []string

	g := c.Gateway
	if g.Listen == "" {
		errs = append(errs, "gateway.listen is required")
	}
	if g.PingIntervalMs < 5000 || g.PingIntervalMs > 120000 {
		errs = append(errs, "gateway.ping_interval_ms must be in [5000, 120000]")
	}
	if g.IdleTimeoutMs < 10000 || g.IdleTimeoutMs > 600000 {
		errs = append(errs, "gateway.idle_timeout_ms must be in [10000, 600000]")
	}
	if g.IdleTimeoutMs <= g.PingIntervalMs {
		errs = append(errs, "gateway.idle_timeout_ms must exceed gateway.ping_interval_ms")
	}
	if g.WriterSendTimeoutMs < 50 || g.WriterSendTimeoutMs > 60000 {
		errs = append(errs, "gateway.writer_send_timeout_ms must be in [50, 60000]")
	}
	if g.DrainGraceMs < 0 || g.DrainGraceMs > 600000 {
		errs = append(errs, "gateway.drain_grace_ms must be in [0, 600000]")
	}

	seen := make(map[string]bool, len(c.Tenants))
	for _, t := range c.Tenants {
		if t.ID == "" {
			errs = append(errs, "tenant id must be non-empty")
			continue
		}
		if seen[t.ID] {
			errs = append(errs, fmt.Sprintf("duplicate tenant id: %s", t.ID))
		}
		seen[t.ID] = true

		if t.Limits.MaxFrameBytes <= 0 {
			errs = append(errs, fmt.Sprintf("tenant %s: limits.max_frame_bytes must be > 0", t.ID))
		}

		switch t.Policy.Sessions.Mode {
		case "single":
			if t.Policy.Sessions.MaxSessionsPerUser != 1 {
				errs = append(errs, fmt.Sprintf("tenant %s: sessions.mode=single requires max_sessions_per_user=1", t.ID))
			}
		case "multi":
			if t.Policy.Sessions.MaxSessionsPerUser < 1 {
				errs = append(errs, fmt.Sprintf("tenant %s: sessions.max_sessions_per_user must be >= 1", t.ID))
			}
		default:
			errs = append(errs, fmt.Sprintf("tenant %s: sessions.mode must be 'single' or 'multi'", t.ID))
		}

		switch t.Policy.Sessions.OnExceed {
		case "deny", "kick_oldest":
		default:
			errs = append(errs, fmt.Sprintf("tenant %s: sessions.on_exceed must be 'deny' or 'kick_oldest'", t.ID))
		}

		switch t.Policy.HotErrorMode {
		case "sys_error", "silent":
		default:
			errs = append(errs, fmt.Sprintf("tenant %s: hot_error_mode must be 'sys_error' or 'silent'", t.ID))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// EnvOverlay is the small set of secrets and deploy-specific values kept out
// of the YAML file rather than inlined in checked-in config.
type EnvOverlay struct {
	Auth0Domain     string
	Auth0Audience   string
	AllowedOrigins  []string
	DevelopmentMode bool
}

// LoadEnvOverlay reads the overlay from the process environment.
func LoadEnvOverlay() EnvOverlay {
	return EnvOverlay{
		Auth0Domain:     os.Getenv("AUTH0_DOMAIN"),
		Auth0Audience:   os.Getenv("AUTH0_AUDIENCE"),
		AllowedOrigins:  auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", defaultAllowedOrigins),
		DevelopmentMode: os.Getenv("DEVELOPMENT_MODE") == "true",
	}
}

// redactSecret keeps only a short, non-identifying prefix for log lines.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
