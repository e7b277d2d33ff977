// Command poller consumes the orchestration queues: it dispatches task runs,
// polls chunks against the OLTs, aggregates executions, walks discovery
// tables and verifies host reachability.
//
// # Usage
//
//	poller --config /etc/onupoll/config.yaml --queues workers=32,secondary=2
//
// Several pollers can run against the same Redis; per-task admission and
// per-execution fan-in are coordinated there. Per-OLT session and request
// limits apply per poller process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pilot-net/onu-poller/control-plane/internal/aggregator"
	"github.com/pilot-net/onu-poller/control-plane/internal/config"
	"github.com/pilot-net/onu-poller/control-plane/internal/coord"
	"github.com/pilot-net/onu-poller/control-plane/internal/executor"
	"github.com/pilot-net/onu-poller/control-plane/internal/limiter"
	"github.com/pilot-net/onu-poller/control-plane/internal/orchestrator"
	"github.com/pilot-net/onu-poller/control-plane/internal/poller"
	"github.com/pilot-net/onu-poller/control-plane/internal/queue"
	"github.com/pilot-net/onu-poller/control-plane/internal/scheduler"
	"github.com/pilot-net/onu-poller/control-plane/internal/secrets"
	"github.com/pilot-net/onu-poller/control-plane/internal/snmp"
	"github.com/pilot-net/onu-poller/control-plane/internal/store"
	"github.com/pilot-net/onu-poller/control-plane/internal/verifier"
	"github.com/pilot-net/onu-poller/control-plane/internal/worker"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config file")
		queues     = flag.String("queues", "", "Queues to consume with concurrency, e.g. principal=4,workers=16 (overrides config)")
		debug      = flag.Bool("debug", false, "Enable debug logging")
		version    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println("onupoll-poller v0.1.0")
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
	if *queues != "" {
		q, err := config.ParseQueueConcurrency(*queues)
		if err != nil {
			logger.Error("invalid --queues", "error", err)
			os.Exit(1)
		}
		cfg.Queue.Concurrency = q
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := store.NewStoreFromURL(ctx, cfg.Database.URL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := coord.Connect(cfg.Redis.URL, config.RedisConnectionTimeout)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	resolver, err := secrets.NewResolverFromConfig(secrets.Config{
		Backend:   cfg.Secrets.Backend,
		LocalFile: cfg.Secrets.LocalFile,
		OnePassword: secrets.OnePasswordConfig{
			Host:    cfg.Secrets.OnePasswordHost,
			Token:   cfg.Secrets.OnePasswordToken,
			VaultID: cfg.Secrets.OnePasswordVaultID,
		},
	}, logger)
	if err != nil {
		logger.Error("failed to initialize secrets", "error", err)
		os.Exit(1)
	}

	broker := queue.NewBroker(rdb, cfg.Redis.KeyPrefix, cfg.Queue.MaxAttempts, logger)
	coordinator := coord.New(rdb, cfg.Redis.KeyPrefix, logger)

	limits := limiter.New(limiter.Config{
		SessionsPerHost:   cfg.SNMP.SessionsPerHost,
		RequestsPerSecond: cfg.SNMP.RequestsPerSecond,
		RequestBurst:      cfg.SNMP.RequestBurst,
	})
	dialer := snmp.LimitedDialer{
		Dialer: snmp.GoSNMPDialer{MaxRepetitions: cfg.SNMP.MaxRepetitions},
		Limits: limits,
	}

	chunkPoller := poller.NewWorker(db, dialer, resolver, coordinator, broker, poller.Config{
		SNMP:            cfg.SNMP,
		SubChunkSize:    cfg.Polling.SubChunkSize,
		ProbeRetries:    cfg.Polling.ProbeRetries,
		ProbeRetryDelay: cfg.Polling.ProbeRetryDelay,
		MaxRetryElapsed: cfg.Polling.MaxRetryElapsed,
		VerifyQueue:     config.QueueSecondary,
		MarkerTTL:       cfg.Polling.ChordTTL,
	}, logger)

	agg := aggregator.New(db, coordinator, logger)

	orch := orchestrator.New(db, coordinator, broker, chunkPoller, agg, dialer, resolver, orchestrator.Config{
		Polling:        cfg.Polling,
		SNMP:           cfg.SNMP,
		ControlQueue:   config.QueuePrincipal,
		ChunkQueue:     config.QueueWorkers,
		MaxJobAttempts: cfg.Queue.MaxAttempts,
	}, logger)

	verify := verifier.New(db, coordinator, broker, executor.NewFping(cfg.Verifier.FpingPath), verifier.Config{
		ProbeTimeouts: cfg.Verifier.ProbeTimeouts,
		LockTTL:       cfg.Verifier.LockTTL,
		RecheckDelay:  cfg.Verifier.RecheckDelay,
		MaxRechecks:   cfg.Verifier.MaxRechecks,
		Queue:         config.QueueSecondary,
	}, logger)

	phases := scheduler.New(db, orch, broker, coordinator, scheduler.Config{
		StaleAfter: cfg.Scheduler.StaleAfter,
		Queue:      config.QueuePrincipal,
	}, logger)

	dispatcher := worker.NewDispatcher(broker, worker.DispatcherConfig{
		Queues:         cfg.Queue.Concurrency,
		Visibility:     cfg.Queue.VisibilityTimeout,
		ExtendInterval: cfg.Queue.ExtendInterval,
		PollInterval:   cfg.Queue.PollInterval,
		ReapInterval:   cfg.Queue.ReapInterval,
		RetryDelay:     cfg.Queue.RetryDelay,
		MaxRetryDelay:  5 * time.Minute,
	}, logger)
	dispatcher.Register(queue.KindSchedulerPhase, phases.HandlePhase)
	dispatcher.Register(queue.KindRunTask, orch.HandleRunTask)
	dispatcher.Register(queue.KindPollChunk, orch.HandleChunk)
	dispatcher.Register(queue.KindAggregate, orch.HandleAggregate)
	dispatcher.Register(queue.KindDiscovery, orch.HandleDiscovery)
	dispatcher.Register(queue.KindVerifyHost, verify.HandleJob)

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	dispatcher.Start(runCtx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down, waiting for in-flight jobs")
	dispatcher.Stop()
	stop()
	logger.Info("shutdown complete")
}
