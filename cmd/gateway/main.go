package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seu-repo/ocpp-gateway/internal/adapter/bus"
	"github.com/seu-repo/ocpp-gateway/internal/adapter/httpapi"
	"github.com/seu-repo/ocpp-gateway/internal/adapter/kv"
	"github.com/seu-repo/ocpp-gateway/internal/circuitbreaker"
	"github.com/seu-repo/ocpp-gateway/internal/domain"
	"github.com/seu-repo/ocpp-gateway/internal/gateway/cache"
	"github.com/seu-repo/ocpp-gateway/internal/gateway/command"
	"github.com/seu-repo/ocpp-gateway/internal/gateway/connection"
	"github.com/seu-repo/ocpp-gateway/internal/gateway/identity"
	"github.com/seu-repo/ocpp-gateway/internal/gateway/node"
	"github.com/seu-repo/ocpp-gateway/internal/gateway/outbound"
	"github.com/seu-repo/ocpp-gateway/internal/gateway/ratelimit"
	"github.com/seu-repo/ocpp-gateway/internal/gateway/session"
	"github.com/seu-repo/ocpp-gateway/internal/gateway/sessioncontrol"
	"github.com/seu-repo/ocpp-gateway/internal/ocpp/router"
	"github.com/seu-repo/ocpp-gateway/internal/ocpp/schema"
	"github.com/seu-repo/ocpp-gateway/internal/ocpp/v16"
	"github.com/seu-repo/ocpp-gateway/internal/ocpp/v201"
	"github.com/seu-repo/ocpp-gateway/internal/ocpp/v21"
	"github.com/seu-repo/ocpp-gateway/internal/ports"
	"github.com/seu-repo/ocpp-gateway/internal/telemetry"
	"github.com/seu-repo/ocpp-gateway/pkg/config"
)

const serviceName = "ocpp-gateway"

func main() {
	// 1. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	logger, err := telemetry.NewLogger(cfg.App.Environment, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting ocpp gateway",
		zap.String("node_id", cfg.App.NodeID),
		zap.String("environment", cfg.App.Environment),
	)

	// 3. Initialize OpenTelemetry tracing (optional)
	if cfg.Tracing.Enabled {
		tracerProvider, err := telemetry.InitTracer(serviceName, cfg.Tracing.JaegerEndpoint)
		if err != nil {
			logger.Warn("tracer unavailable, continuing without distributed tracing", zap.Error(err))
		} else {
			defer func() {
				if err := tracerProvider.Shutdown(context.Background()); err != nil {
					logger.Error("tracer shutdown failed", zap.Error(err))
				}
			}()
		}
	}

	// 4. Circuit breaker registry (session directory and rate limiter KV calls)
	breakers := circuitbreaker.NewManager(logger)

	// 5. KV store: Redis, falling back to the in-process store so a
	// single node can still run without external dependencies.
	kvStore, err := kv.NewRedisStore(cfg.Redis.URL, logger)
	if err != nil {
		logger.Warn("redis not available, running with in-process KV store", zap.Error(err))
		kvStore = kv.NewMemoryStore(time.Minute, logger)
	}

	// 6. Event bus: NATS, then RabbitMQ, then in-process, in that order
	// of preference — the first configured-and-reachable transport wins.
	eventBus := connectEventBus(cfg, logger)

	// 7. Schema registry, seeded with the gateway's bundled core-action
	// schemas (§4.B)
	schemas := schema.NewRegistry(nil)
	if err := schema.RegisterBundled(schemas); err != nil {
		logger.Fatal("failed to load bundled schemas", zap.Error(err))
	}

	// 8. Identity verification (§4.F)
	verifier := identity.NewVerifier(kvStore, logger, ports.RealClock, domain.AuthKind(cfg.Security.AuthMode), cfg.Security.AllowedIPs, nil)

	// 9. Session directory (§4.G), protected by its own breaker
	sessionBreaker := breakers.Get("session-kv", circuitbreaker.DefaultSettings())
	sessions := session.NewDirectory(kvStore, sessionBreaker, logger, cfg.Limits.SessionTTL, cfg.Limits.SessionTTL*2, ports.RealClock)

	// 10. Response cache (§4.E)
	responseCache := cache.New(kvStore, cfg.OCPP.ResponseCacheTTL, logger, ports.RealClock)

	// 11. Rate limiter (§4.N), protected by its own breaker
	limitBreaker := breakers.Get("ratelimit-kv", circuitbreaker.DefaultSettings())
	limiter := ratelimit.New(kvStore, limitBreaker, cfg.Limits.RateLimitWindow,
		int64(cfg.Security.MaxMessagesPerMinute), int64(cfg.Security.MaxMessagesPerMinute)*8,
		cfg.Security.FloodBanDuration, ratelimit.DefaultLimitedActions)

	// 12. Node directory (§4.M)
	nodes := node.NewDirectory(kvStore, logger, ports.RealClock, cfg.App.NodeID, cfg.Limits.NodeTTL, cfg.Limits.NodeTTL/3)
	if err := nodes.Start(context.Background()); err != nil {
		logger.Fatal("failed to advertise node", zap.Error(err))
	}
	defer nodes.Stop()

	// 13. Outbound request tracker (§4.I)
	tracker := outbound.NewTracker(schemas, logger)

	// 14. Per-version message engines (§4.C/D) and their version router
	v16Engine := v16.NewEngine(schemas, tracker, cfg.OCPP.StateStrict, eventBus, logger)
	v201Engine := v201.NewEngine(schemas, tracker, cfg.OCPP.StateStrict, eventBus, logger)
	v21Engine := v21.NewEngine(schemas, tracker, cfg.OCPP.StateStrict, eventBus, logger)
	engineRouter := router.New(map[domain.OCPPVersion]connection.Engine{
		domain.V16:  v16Engine,
		domain.V201: v201Engine,
		domain.V21:  v21Engine,
	})

	// 15. Connection manager (§4.H) — the WebSocket upgrade and per-socket
	// receive loop
	connManager := connection.NewManager(logger, verifier, sessions, responseCache, limiter, engineRouter,
		cfg.App.NodeID, cfg.OCPP.MaxPayloadBytes, cfg.OCPP.PendingMessageLimit)
	sessionControlPublisher := sessioncontrol.NewPublisher(eventBus, logger)
	connManager.SetTakeoverNotifier(sessionControlPublisher)

	// 16. Command dispatcher + consumer (§4.J/K) — routes CPMS-issued
	// commands to the charge point currently owning the session
	auditWriter := command.NewAuditWriter(kvStore, eventBus, cfg.Limits.CommandAuditTTL, logger)
	dispatcher := command.NewDispatcher(schemas, tracker, connManager, func() string { return uuid.NewString() },
		cfg.OCPP.CallTimeout, logger, auditWriter.Record)
	commandConsumer := command.NewConsumer(cfg.App.NodeID, eventBus, kvStore, sessions, connManager, dispatcher,
		cfg.Limits.CommandAuditTTL, logger)
	if err := commandConsumer.Start(context.Background()); err != nil {
		logger.Fatal("failed to start command consumer", zap.Error(err))
	}

	// 17. Session-control consumer (§4.L) — closes this node's local socket
	// when a charge point's ownership transfers to another node
	sessionControlConsumer := sessioncontrol.NewConsumer(cfg.App.NodeID, eventBus, connManager, logger)
	if err := sessionControlConsumer.Start(context.Background()); err != nil {
		logger.Fatal("failed to start session-control consumer", zap.Error(err))
	}

	// 18. Ambient HTTP surface: health, metrics, admin
	adminRouter := httpapi.NewRouter(httpapi.Dependencies{
		KV:       kvStore,
		Breakers: breakers,
		Conns:    connManager,
		Nodes:    nodes,
		NodeID:   cfg.App.NodeID,
		Log:      logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/ocpp/", connManager)
	mux.Handle("/", adminRouter)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: mux,
	}

	go func() {
		logger.Info("listening", zap.Int("port", cfg.HTTP.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// 19. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http server forced to shutdown", zap.Error(err))
	}
	if err := eventBus.Close(); err != nil {
		logger.Warn("event bus close failed", zap.Error(err))
	}

	logger.Info("gateway exited gracefully")
}

// connectEventBus prefers NATS, then RabbitMQ, falling back to an
// in-process bus so a single node still functions without a broker
// (at the cost of command/session-control fan-out across nodes).
func connectEventBus(cfg *config.Config, logger *zap.Logger) ports.EventBus {
	if cfg.NATS.Enabled {
		b, err := bus.NewNATSBus(cfg.NATS.URL, logger)
		if err == nil {
			return b
		}
		logger.Warn("nats not available", zap.Error(err))
	}
	if cfg.RabbitMQ.Enabled {
		b, err := bus.NewRabbitMQBus(cfg.RabbitMQ.URL, logger)
		if err == nil {
			return b
		}
		logger.Warn("rabbitmq not available", zap.Error(err))
	}
	logger.Warn("running with in-process event bus; commands and session takeovers will not fan out across nodes")
	return bus.NewMemoryBus()
}
