// Command server runs the ONU poller control plane: the trigger API, the
// quarter-hour scheduler and the maintenance workers.
//
// # Usage
//
//	server --config /etc/onupoll/config.yaml
//
// # Configuration
//
// The server can be configured via:
// - A YAML config file (--config)
// - Environment variables (ONUPOLL_*)
// - Command-line flags (--port, --debug)
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pilot-net/onu-poller/control-plane/internal/api"
	"github.com/pilot-net/onu-poller/control-plane/internal/cache"
	"github.com/pilot-net/onu-poller/control-plane/internal/config"
	"github.com/pilot-net/onu-poller/control-plane/internal/coord"
	"github.com/pilot-net/onu-poller/control-plane/internal/metrics"
	"github.com/pilot-net/onu-poller/control-plane/internal/queue"
	"github.com/pilot-net/onu-poller/control-plane/internal/scheduler"
	"github.com/pilot-net/onu-poller/control-plane/internal/service"
	"github.com/pilot-net/onu-poller/control-plane/internal/store"
	"github.com/pilot-net/onu-poller/control-plane/internal/worker"
	"github.com/pilot-net/onu-poller/db/migrate"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file")
		port        = flag.Int("port", 0, "HTTP server port (overrides config)")
		debug       = flag.Bool("debug", false, "Enable debug logging")
		migrateOnly = flag.Bool("migrate-only", false, "Apply database migrations and exit")
		version     = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println("onupoll-server v0.1.0")
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.API.Port = *port
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := store.NewStoreFromURL(ctx, cfg.Database.URL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, config.DatabasePingTimeout)
	err = db.Ping(pingCtx)
	pingCancel()
	if err != nil {
		logger.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	if err := migrate.Run(ctx, db.Pool(), logger); err != nil {
		logger.Error("failed to apply migrations", "error", err)
		os.Exit(1)
	}
	if *migrateOnly {
		logger.Info("migrations applied, exiting")
		return
	}

	rdb, err := coord.Connect(cfg.Redis.URL, config.RedisConnectionTimeout)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()
	logger.Info("connected to redis")

	broker := queue.NewBroker(rdb, cfg.Redis.KeyPrefix, cfg.Queue.MaxAttempts, logger)
	coordinator := coord.New(rdb, cfg.Redis.KeyPrefix, logger)
	responseCache := cache.New(rdb, cfg.Redis.KeyPrefix, logger)

	collector := metrics.NewCollector(db, broker, []string{
		config.QueuePrincipal,
		config.QueueWorkers,
		config.QueueSecondary,
	})
	svc := service.NewService(db, broker, collector, service.Config{
		ControlQueue:          config.QueuePrincipal,
		VerifyQueue:           config.QueueSecondary,
		DefaultExecutionLimit: config.DefaultPaginationLimit,
		MaxExecutionLimit:     config.MaxPaginationLimit,
	}, logger)
	apiServer := api.NewServer(svc, responseCache, cfg.API.TokenHash, logger)
	if cfg.API.TokenHash == "" {
		logger.Warn("API authentication disabled: no token hash configured")
	}

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	// The server only fires cycles; phase jobs are consumed by the pollers.
	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(db, nil, broker, coordinator, scheduler.Config{
			Cron:       cfg.Scheduler.Cron,
			StaleAfter: cfg.Scheduler.StaleAfter,
			Queue:      config.QueuePrincipal,
		}, logger)
		if err := sched.Start(runCtx); err != nil {
			logger.Error("failed to start scheduler", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Info("scheduler disabled")
	}

	var retention *worker.RetentionWorker
	if cfg.Retention.Enabled {
		retention = worker.NewRetentionWorker(db, worker.RetentionWorkerConfig{
			Interval:   cfg.Retention.Interval,
			MaxAge:     cfg.Retention.MaxAge,
			BatchSize:  cfg.Retention.BatchSize,
			BatchPause: cfg.Retention.BatchPause,
		}, logger)
		retention.Start(runCtx)
	}

	var meta *worker.MetaWorker
	if cfg.Meta.Enabled {
		var mapping worker.PortMapping
		if cfg.Meta.MappingFile != "" {
			mapping, err = worker.LoadPortMapping(cfg.Meta.MappingFile)
			if err != nil {
				logger.Error("failed to load port mapping", "path", cfg.Meta.MappingFile, "error", err)
				os.Exit(1)
			}
		}
		meta = worker.NewMetaWorker(db, mapping, worker.MetaWorkerConfig{
			Interval:  cfg.Meta.Interval,
			BatchSize: cfg.Meta.BatchSize,
		}, logger)
		meta.Start(runCtx)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.API.Port),
		Handler:      apiServer,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.API.Port)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")

	if sched != nil {
		sched.Stop()
	}
	if retention != nil {
		retention.Stop()
	}
	if meta != nil {
		meta.Stop()
	}
	stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
}
