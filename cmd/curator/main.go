// Package main is the entry point for the curator workflow server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/curator/internal/capability"
	"github.com/pitabwire/curator/internal/config"
	"github.com/pitabwire/curator/internal/definition"
	"github.com/pitabwire/curator/internal/idempotency"
	"github.com/pitabwire/curator/internal/notify"
	"github.com/pitabwire/curator/internal/observability"
	"github.com/pitabwire/curator/internal/storage"
	"github.com/pitabwire/curator/internal/transport"
	"github.com/pitabwire/curator/internal/workflow"
	"github.com/pitabwire/curator/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

// stores groups the persistence backends selected by store.driver.
type stores struct {
	definitions   definition.Store
	tasks         workflow.Store
	notifications notify.Store
	pool          *pgxpool.Pool
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "curator", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.InitMetrics(registry)

	st, err := buildStores(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	if st.pool != nil {
		defer st.pool.Close()
	}

	defs := definition.NewService(st.definitions, st.tasks, metrics, logger)
	configs := definition.NewResolver(st.definitions, cfg.Workflow.FallbackFinalStates, metrics, logger)

	var seeded atomic.Bool
	if cfg.Definitions.Seed {
		if err := seedDefinitions(ctx, cfg.Definitions, defs, configs, logger); err != nil {
			logger.Error("definition seeding failed", zap.Error(err))
			return 1
		}
	}
	seeded.Store(true)

	dir, err := capability.NewStaticDirectory(cfg.Capability.StaticPolicyFile)
	if err != nil {
		logger.Error("capability directory initialization failed", zap.Error(err))
		return 1
	}
	principals := capability.NewResolver(dir, dir, cfg.Capability.Cache.TTL, cfg.Capability.Cache.MaxEntries, metrics)

	publisher, err := notify.NewPublisher(cfg.Notifications, logger)
	if err != nil {
		logger.Error("notification publisher initialization failed", zap.Error(err))
		return 1
	}
	emitters := []notify.Emitter{notify.NewStoreEmitter(st.notifications, logger)}
	if publisher != nil {
		var remote notify.Emitter = notify.NewPublisherEmitter(publisher, cfg.Notifications.Topic)
		if cfg.Notifications.Breaker.FailureThreshold > 0 {
			remote = notify.NewBreakerEmitter(remote, notify.NewBreaker(cfg.Notifications.Breaker), logger)
		}
		emitters = append(emitters, remote)
	}

	engine := workflow.NewEngine(workflow.Deps{
		Store:           st.tasks,
		Definitions:     defs,
		Configs:         configs,
		Authorizer:      capability.NewRoleAuthorizer(),
		Directory:       principals,
		Notifier:        notify.NewFanout(emitters...),
		Metrics:         metrics,
		Logger:          logger,
		BaseURL:         cfg.Workflow.BaseURL,
		OverdueLimit:    cfg.Workflow.OverdueLimit,
		CapabilityGates: cfg.Workflow.CapabilityGates,
	})

	idemStore, idemCloser, err := buildIdempotencyStore(ctx, cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}

	authenticate, err := transport.Authenticator(cfg.Identity, logger)
	if err != nil {
		logger.Error("identity initialization failed", zap.Error(err))
		return 1
	}

	readiness := observability.ReadinessChecks{
		DefinitionsSeeded: seeded.Load,
		Checkers:          map[string]observability.HealthChecker{},
	}
	for name, c := range map[string]any{
		"definition_store": st.definitions,
		"tasks":            st.tasks,
		"notifications":    st.notifications,
		"idempotency":      idemStore,
	} {
		if hc, ok := c.(observability.HealthChecker); ok && hc != nil {
			readiness.Checkers[name] = hc
		}
	}
	if st.pool != nil {
		readiness.Checkers["schema"] = storage.NewMigrator(st.pool, logger)
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:        cfg,
		Logger:        logger,
		Authenticate:  authenticate,
		Principals:    principals,
		Engine:        engine,
		Definitions:   defs,
		Configs:       configs,
		Exporter:      workflow.NewExporter(st.tasks),
		Notifications: st.notifications,
		Idempotency:   idemStore,
		Metrics:       metrics,
		Gatherer:      registry,
		Readiness:     readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	if cfg.Workflow.OverdueRefresh > 0 {
		go runOverdueRefresher(bgCtx, engine, cfg.Workflow.OverdueRefresh, logger)
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.String("identity_mode", cfg.Identity.Mode),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if idemCloser != nil {
		idemCloser()
	}
	if publisher != nil {
		closePublisher(publisher, logger)
	}
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildStores selects the memory or PostgreSQL backends. The PostgreSQL
// stores share one pool.
func buildStores(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (stores, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		logger.Info("using in-memory stores")
		return stores{
			definitions:   definition.NewMemoryStore(),
			tasks:         workflow.NewMemoryStore(),
			notifications: notify.NewMemoryStore(),
		}, nil
	case config.DriverPostgres:
		pool, err := storage.Open(ctx, cfg, logger)
		if err != nil {
			return stores{}, err
		}
		return stores{
			definitions:   definition.NewPgStore(pool),
			tasks:         workflow.NewPgStore(pool),
			notifications: notify.NewPgStore(pool),
			pool:          pool,
		}, nil
	default:
		return stores{}, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// seedDefinitions loads the seed bundles and stores the missing entries.
func seedDefinitions(ctx context.Context, cfg config.DefinitionsConfig, defs *definition.Service, configs *definition.Resolver, logger *zap.Logger) error {
	bundles, err := definition.NewLoader().LoadAll(cfg.Directories)
	if err != nil {
		return err
	}
	report, err := defs.Seed(ctx, bundles, configs)
	if err != nil {
		var ee *model.ErrorEnvelope
		if errors.As(err, &ee) {
			for _, d := range ee.Details {
				logger.Error("definition validation error", zap.String("path", d.Field), zap.String("error", d.Message))
			}
		}
		return err
	}
	logger.Info("definitions seeded",
		zap.Int("bundles", len(bundles)),
		zap.Int("created", report.Created),
		zap.Int("skipped", report.Skipped),
	)
	return nil
}

// buildIdempotencyStore creates the idempotency store based on config. It
// returns a nil store when idempotency is disabled.
func buildIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Store.Driver {
	case config.DriverRedis:
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("idempotency store: ping: %w", err)
		}
		logger.Info("using redis idempotency store", zap.String("addr", addr))
		return idempotency.NewRedisStore(client), func() { client.Close() }, nil
	default:
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), nil, nil
	}
}

// runOverdueRefresher periodically recomputes the overdue task gauge.
func runOverdueRefresher(ctx context.Context, engine *workflow.Engine, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := engine.ListOverdue(ctx, workflow.OverdueScope{}); err != nil {
				logger.Warn("overdue refresh failed", zap.Error(err))
			}
		}
	}
}

func closePublisher(pub message.Publisher, logger *zap.Logger) {
	if err := pub.Close(); err != nil {
		logger.Error("notification publisher close error", zap.Error(err))
	}
}
