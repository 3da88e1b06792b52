package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/debarshibasak/coordination/pkg/api"
	"github.com/debarshibasak/coordination/pkg/config"
	"github.com/debarshibasak/coordination/pkg/coordinator"
	"github.com/debarshibasak/coordination/pkg/election"
	"github.com/debarshibasak/coordination/pkg/executor"
	"github.com/debarshibasak/coordination/pkg/metrics"
	"github.com/debarshibasak/coordination/pkg/scheduler"
	"github.com/debarshibasak/coordination/pkg/tasks"
	"github.com/debarshibasak/coordination/pkg/taskstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("node failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// Connect to PostgreSQL
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}
	defer sqlDB.Close()

	// Configure connection pool
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store, err := taskstore.New(taskstore.Config{
		DB:      db,
		Timeout: cfg.StoreTimeout,
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return err
	}

	// Membership changes are only reported from inside a scheduler tick, so sched is set
	// by the time the callbacks run.
	var sched *scheduler.Scheduler

	tracker, err := election.NewTracker(election.TrackerConfig{
		NodeID:              cfg.NodeID,
		GroupID:             cfg.GroupID,
		DB:                  db,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		MaxMissedHeartbeats: cfg.MaxMissedHeartbeats,
		StoreTimeout:        cfg.StoreTimeout,
		Priority:            cfg.Priority,
		Logger:              logger,
		Metrics:             m,
		Sweeper:             store,
		OnBecomeCoordinator: func() {
			logger.Info("this node is now the coordinator")
		},
		OnBecomeMember: func() {
			logger.Info("this node is now a member")
		},
		// Hand out work again right away instead of waiting for the next interval.
		OnMemberAdded: func(string) {
			sched.Trigger()
		},
		OnMemberRemoved: func(string) {
			sched.Trigger()
		},
	})
	if err != nil {
		return err
	}

	registry := tasks.NewRegistry(store, cfg.NodeID, logger, m)

	assigner, err := coordinator.NewAssigner(cfg.AssignStrategy)
	if err != nil {
		return err
	}
	loop, err := coordinator.New(coordinator.Config{
		Membership: tracker,
		Store:      store,
		Assigner:   assigner,
		AuditEvery: cfg.AuditEvery,
		Logger:     logger,
		Metrics:    m,
	})
	if err != nil {
		return err
	}

	pipeline, err := executor.NewPipeline(logger, cfg.Jobs(&http.Client{Timeout: cfg.SchedulerInterval}, logger)...)
	if err != nil {
		return err
	}

	sched, err = scheduler.New(scheduler.Config{
		Registry:     registry,
		Coordinator:  loop,
		Executor:     pipeline,
		Interval:     cfg.SchedulerInterval,
		StoreTimeout: cfg.StoreTimeout,
		Logger:       logger,
		Metrics:      m,
	})
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := tracker.Start(ctx); err != nil {
		return err
	}

	// Unreachable store is not fatal here: failed names are retried on every tick.
	for _, name := range cfg.TaskNames() {
		if err := registry.RegisterTask(ctx, name); err != nil {
			logger.Warn("task registration deferred", zap.String("task", name), zap.Error(err))
		}
	}

	sched.Start()

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.NewRouter(api.NewHandler(tracker, registry, store, logger), m),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	logger.Info("node started",
		zap.String("node", cfg.NodeID),
		zap.String("group", cfg.GroupID),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.Duration("dead_threshold", cfg.DeadThreshold()),
		zap.Strings("tasks", pipeline.Names()))

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case runErr = <-serverErr:
		logger.Error("http server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("error shutting down http server", zap.Error(err))
	}

	// Hand back running tasks before leaving the group.
	sched.Stop()
	if err := tracker.Stop(); err != nil {
		logger.Warn("error leaving group", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return runErr
}
