// Command wsprism runs the wsPrism gateway: a multi-tenant realtime
// WebSocket gateway that validates upgrade tickets, enforces per-tenant
// frame policy, and fans messages out through its session/presence
// registries.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AsyncNomad/wsPrism/internal/appstate"
	"github.com/AsyncNomad/wsPrism/internal/auth"
	"github.com/AsyncNomad/wsPrism/internal/config"
	"github.com/AsyncNomad/wsPrism/internal/dispatch"
	"github.com/AsyncNomad/wsPrism/internal/gateway"
	"github.com/AsyncNomad/wsPrism/internal/handshake"
	"github.com/AsyncNomad/wsPrism/internal/health"
	"github.com/AsyncNomad/wsPrism/internal/logging"
	"github.com/AsyncNomad/wsPrism/internal/middleware"
	"github.com/AsyncNomad/wsPrism/internal/ratelimit"
	"github.com/AsyncNomad/wsPrism/internal/services"
	"github.com/AsyncNomad/wsPrism/internal/telemetry/promexport"
	"github.com/AsyncNomad/wsPrism/internal/tracing"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "wsprism",
		Short: "wsPrism realtime WebSocket gateway",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the gateway's YAML config")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newConfigValidateCmd(&configPath))
	return root
}

func newConfigValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "load and validate the config file, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			fmt.Printf("config valid: %d tenant(s)\n", len(cfg.Tenants))
			return nil
		},
	}
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath)
		},
	}
}

func runServe(configPath string) error {
	_ = godotenv.Load(".env")

	env := config.LoadEnvOverlay()
	if err := logging.Initialize(env.DevelopmentMode); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()

	if collectorAddr := os.Getenv("OTEL_COLLECTOR_ADDR"); collectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "wsprism", collectorAddr)
		if err != nil {
			logging.Warn(ctx, "tracer init failed, continuing without tracing", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	validator, err := buildTicketValidator(ctx, env)
	if err != nil {
		return fmt.Errorf("build ticket validator: %w", err)
	}

	disp := dispatch.New()
	disp.RegisterText(services.NewChatService())
	disp.RegisterHot(services.NewEchoBinaryService(1))

	defenderCfg := handshakeConfigFromEnv()
	state, err := appstate.New(cfg, validator, defenderCfg, disp)
	if err != nil {
		return fmt.Errorf("build app state: %w", err)
	}

	var redisClient *redis.Client
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: addr})
	}
	opsLimiter, err := ratelimit.New(envOrDefault("OPS_RATE_LIMIT", "120-M"), redisClient)
	if err != nil {
		return fmt.Errorf("build ops rate limiter: %w", err)
	}

	router := newRouter(state, opsLimiter, env.AllowedOrigins)

	srv := &http.Server{Addr: cfg.Gateway.Listen, Handler: router}

	go func() {
		logging.Info(ctx, "wsprism listening", zap.String("addr", cfg.Gateway.Listen))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	state.Drain(ctx, cfg.Gateway.DrainGraceMs)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shutdown", zap.Error(err))
	}
	logging.Info(ctx, "exited")
	return nil
}

func newRouter(state *appstate.State, opsLimiter *ratelimit.Limiter, allowedOrigins []string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware("wsprism"), middleware.CorrelationID())

	corsCfg := cors.DefaultConfig()
	if len(allowedOrigins) > 0 {
		corsCfg.AllowOrigins = allowedOrigins
	} else {
		corsCfg.AllowOriginFunc = func(string) bool { return true }
	}
	router.Use(cors.New(corsCfg))

	wsHandler := gateway.NewHandler(state, allowedOrigins)
	router.GET("/v1/ws", wsHandler.ServeWs)

	healthHandler := health.NewHandler(state)
	ops := router.Group("", opsLimiter.Middleware())
	ops.GET("/healthz", healthHandler.Liveness)
	ops.GET("/readyz", healthHandler.Readiness)
	ops.GET("/metrics", func(c *gin.Context) {
		body := state.Metrics.Render()
		if extra, err := promexport.RenderProcessMetrics(); err == nil {
			body += extra
		}
		c.String(http.StatusOK, body)
	})

	return router
}

func buildTicketValidator(ctx context.Context, env config.EnvOverlay) (auth.TicketValidator, error) {
	if env.DevelopmentMode || env.Auth0Domain == "" || env.Auth0Audience == "" {
		logging.Warn(ctx, "using development ticket validator: only ticket=\"dev\" resolves")
		return auth.DevTicketValidator{}, nil
	}
	return auth.NewJWKSTicketValidator(ctx, env.Auth0Domain, env.Auth0Audience)
}

func handshakeConfigFromEnv() handshake.Config {
	return handshake.Config{
		Enabled:      os.Getenv("HANDSHAKE_DEFENDER_DISABLED") != "true",
		GlobalBurst:  envOrDefaultUint32("HANDSHAKE_GLOBAL_BURST", 200),
		GlobalRPS:    envOrDefaultUint32("HANDSHAKE_GLOBAL_RPS", 100),
		PerIPBurst:   envOrDefaultUint32("HANDSHAKE_PER_IP_BURST", 5),
		PerIPRPS:     envOrDefaultUint32("HANDSHAKE_PER_IP_RPS", 2),
		MaxIPEntries: int(envOrDefaultUint32("HANDSHAKE_MAX_IP_ENTRIES", 100_000)),
	}
}

func envOrDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envOrDefaultUint32(name string, def uint32) uint32 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	var n uint32
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return def
	}
	return n
}
