package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/dante-gpu/dante-messaging/internal/chips"
	"github.com/dante-gpu/dante-messaging/internal/config"
	"github.com/dante-gpu/dante-messaging/internal/consul"
	"github.com/dante-gpu/dante-messaging/internal/dispatch"
	"github.com/dante-gpu/dante-messaging/internal/egress"
	"github.com/dante-gpu/dante-messaging/internal/events"
	"github.com/dante-gpu/dante-messaging/internal/jobs"
	"github.com/dante-gpu/dante-messaging/internal/logging"
	"github.com/dante-gpu/dante-messaging/internal/maturation"
	"github.com/dante-gpu/dante-messaging/internal/reaper"
	"github.com/dante-gpu/dante-messaging/internal/runtime"
	"github.com/dante-gpu/dante-messaging/internal/runtime/dockerhost"
	"github.com/dante-gpu/dante-messaging/internal/server"
	"github.com/dante-gpu/dante-messaging/internal/store"
	"github.com/dante-gpu/dante-messaging/internal/worker"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// --- Configuration ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err) // Zap is not up yet
	}

	// --- Logger ---
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("instance_id", cfg.InstanceID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	status := server.NewStatus(cfg.InstanceID, logger)

	// --- Store ---
	st, storeCheck, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()
	if err := st.Initialize(ctx); err != nil {
		logger.Fatal("Failed to initialize store schema", zap.Error(err))
	}
	status.AddCheck("store", storeCheck)
	singleNode := cfg.Database.Driver == "memory"

	// --- Runtime host ---
	host, err := dockerhost.New(ctx, cfg.Runtime, logger)
	if err != nil {
		logger.Fatal("Failed to connect to Docker", zap.Error(err))
	}
	defer host.Close()
	status.AddCheck("runtime_host", func(ctx context.Context) error {
		_, err := host.ListManaged(ctx)
		return err
	})

	provisioner := runtime.NewProvisioner(host, cfg.Runtime, runtime.HTTPClientFactory(cfg.Runtime.SessionAPITimeout, logger), logger)
	defer provisioner.Registry().Close()
	status.AddGauge("runtime_clients", provisioner.Registry().Len)

	// --- Events and jobs ---
	var (
		dispatcher  events.Dispatcher  = events.Nop{}
		broadcaster events.Broadcaster = events.Nop{}
		queue       jobs.Queue
		consume     func(ctx context.Context, handler jobs.Handler) error
	)
	nc, err := events.Connect(cfg.Nats, logger)
	switch {
	case err == nil:
		defer nc.Close()
		dispatcher = events.NewNATSDispatcher(nc, cfg.Nats.EventSubjectPrefix, logger)
		jsQueue, err := jobs.NewJetStreamQueue(nc, cfg.Nats, logger)
		if err != nil {
			logger.Fatal("Failed to set up job queue", zap.Error(err))
		}
		queue, consume = jsQueue, jsQueue.Consume
		status.AddCheck("nats", func(ctx context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats connection %s", nc.Status())
			}
			return nil
		})
	case singleNode:
		logger.Warn("NATS unavailable, using in-process job queue and no event delivery", zap.Error(err))
		memQueue := jobs.NewMemoryQueue(logger)
		memQueue.Concurrency = cfg.Nats.MaxConcurrentJobs
		queue, consume = memQueue, memQueue.Consume
		status.AddGauge("queued_jobs", memQueue.Len)
	default:
		logger.Fatal("Failed to connect to NATS", zap.Error(err))
	}

	redisBroadcaster, err := events.NewRedisBroadcaster(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Warn("Redis unavailable, campaign progress is not broadcast", zap.Error(err))
	} else {
		defer redisBroadcaster.Close()
		broadcaster = redisBroadcaster
	}

	// --- Core services ---
	identities := egress.NewService(st, st, egress.NewHTTPProber(cfg.Egress.ProbeURL), cfg.Egress, logger)
	lifecycle := chips.NewLifecycle(st, st, provisioner, identities, dispatcher, logger)
	engine := dispatch.NewEngine(st, lifecycle, queue, dispatcher, broadcaster, logger)
	scheduler := maturation.NewScheduler(st, lifecycle, dispatcher, cfg.Maturation, logger)
	lifecycle.Observe(scheduler)
	gc := reaper.New(provisioner, lifecycle, st, cfg.Reaper, logger)

	// --- Background workers ---
	mux := jobs.NewMux()
	mux.Handle(dispatch.JobKindDispatch, engine.HandleJob)
	logger.Info("Job handlers registered", zap.Strings("kinds", mux.Kinds()))

	group := worker.NewGroup(logger)
	group.Go(ctx, "job-consumer", func(ctx context.Context) error {
		return consume(ctx, mux.Serve)
	})
	if n, err := engine.RecoverRunning(ctx); err != nil {
		logger.Error("Failed to re-enqueue running campaigns", zap.Error(err))
	} else if n > 0 {
		logger.Info("Resumed dispatch of running campaigns", zap.Int("count", n))
	}

	group.Every(ctx, worker.Periodic{
		Name:     "maturation",
		Interval: cfg.Maturation.TickInterval,
		Run:      scheduler.Tick,
	})
	group.Every(ctx, worker.Periodic{
		Name:     "runtime-gc",
		Interval: cfg.Reaper.RuntimeSweepInterval,
		Run: func(ctx context.Context) error {
			_, err := gc.SweepRuntimes(ctx)
			return err
		},
	})
	group.Every(ctx, worker.Periodic{
		Name:     "chip-gc",
		Interval: cfg.Reaper.ChipSweepInterval,
		Run: func(ctx context.Context) error {
			_, err := gc.SweepChips(ctx)
			return err
		},
	})
	group.Every(ctx, worker.Periodic{
		Name:     "runtime-health",
		Interval: cfg.Reaper.HealthSweepInterval,
		Run: func(ctx context.Context) error {
			_, err := gc.HealthSweep(ctx)
			return err
		},
	})
	group.Every(ctx, worker.Periodic{
		Name:     "chip-status",
		Interval: cfg.Reaper.StatusSyncInterval,
		Run: func(ctx context.Context) error {
			_, err := lifecycle.SyncStatuses(ctx)
			return err
		},
	})
	group.Every(ctx, worker.Periodic{
		Name:      "egress-health",
		Interval:  cfg.Egress.HealthSweepInterval,
		Immediate: true,
		Run:       identities.HealthSweep,
	})
	group.Every(ctx, worker.Periodic{
		Name:     "egress-usage",
		Interval: cfg.Egress.UsageSampleInterval,
		Run: func(ctx context.Context) error {
			_, err := identities.RecordEstimatedUsage(ctx)
			return err
		},
	})

	// --- HTTP server ---
	router := server.NewRouter(cfg.Consul.HealthCheckPath, cfg.RequestTimeout, status, logger)
	srv := server.NewServer(cfg.Port, router, logger)
	go func() {
		logger.Info("Starting messaging control plane", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Could not listen on port", zap.String("port", cfg.Port), zap.Error(err))
		}
	}()

	// --- Consul ---
	var deregister func()
	if cfg.Consul.Enabled {
		consulClient, err := consul.Connect(cfg.Consul.Address, logger)
		if err != nil {
			logger.Fatal("Failed to connect to Consul agent", zap.Error(err))
		}
		serviceID := config.GenerateServiceID(cfg.Consul.ServiceIDPrefix)
		if err := consul.RegisterService(consulClient, cfg.Consul, cfg.Port, serviceID, logger); err != nil {
			logger.Fatal("Failed to register service with Consul", zap.Error(err))
		}
		deregister = func() { consul.DeregisterService(consulClient, serviceID, logger) }
	}

	// --- Graceful shutdown ---
	<-ctx.Done()
	logger.Info("Shutdown signal received, starting graceful shutdown...")

	if deregister != nil {
		deregister()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown uncleanly", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		group.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("Background workers stopped")
	case <-shutdownCtx.Done():
		logger.Warn("Background workers did not stop before the shutdown timeout")
	}
	logger.Info("Control plane stopped")
}

// openStore connects the configured entity store and returns a check for /health.
func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (store.Store, server.Check, error) {
	if cfg.Driver == "memory" {
		logger.Warn("Using in-memory store, state is lost on restart")
		return store.NewMemoryStore(), func(context.Context) error { return nil }, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 15 * time.Minute

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}
	logger.Info("Database connection established")
	return store.NewPostgresStore(pool, logger), pool.Ping, nil
}
