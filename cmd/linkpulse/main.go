package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/aevon-lab/linkpulse/internal/clicktracker"
	corecfg "github.com/aevon-lab/linkpulse/internal/core/config"
	"github.com/aevon-lab/linkpulse/internal/core/storage"
	"github.com/aevon-lab/linkpulse/internal/core/storage/memory"
	"github.com/aevon-lab/linkpulse/internal/core/storage/postgres"
	"github.com/aevon-lab/linkpulse/internal/evaluation"
	"github.com/aevon-lab/linkpulse/internal/ingestion"
	"github.com/aevon-lab/linkpulse/internal/metrics"
	"github.com/aevon-lab/linkpulse/internal/migrations"
	"github.com/aevon-lab/linkpulse/internal/server"
	"github.com/aevon-lab/linkpulse/internal/stream"
	"github.com/aevon-lab/linkpulse/internal/timer"
	"github.com/aevon-lab/linkpulse/internal/trigger"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(*configPath); err != nil {
		slog.Error("Exiting", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}

func run(configPath string) error {
	// 1. Load Configuration
	cfg, err := corecfg.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("Loaded config",
		"database", cfg.Database.Type,
		"trigger_sink", cfg.Trigger.Sink,
		"kafka_consume", cfg.Kafka.Consume,
		"evaluation_window", cfg.Evaluation.Window,
		"flush_interval", cfg.Clicks.FlushInterval)

	// 2. Initialize Storage
	store, health, closeStore, err := openStore(cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			slog.Error("Failed to close storage", "error", err)
		}
	}()

	// 3. Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	// 4. Actor systems on a shared timer service
	timers := timer.New(store, quartz.NewReal(), timer.Config{
		Concurrency:   int64(cfg.Timers.Concurrency),
		RetryDelay:    cfg.Timers.RetryDelay,
		MaxRetryDelay: cfg.Timers.MaxRetryDelay,
	}, m)

	sink, closeSink := newSink(cfg)
	defer func() {
		if err := closeSink(); err != nil {
			slog.Error("Failed to close trigger sink", "error", err)
		}
	}()

	scheduler := evaluation.New(store, timers, sink, evaluation.Config{
		Window:      cfg.Evaluation.Window,
		MaxAttempts: cfg.Evaluation.MaxAttempts,
	}, m)
	tracker := clicktracker.New(store, timers, clicktracker.Config{
		FlushInterval: cfg.Clicks.FlushInterval,
		SendTimeout:   cfg.Clicks.SendTimeout,
	}, m)

	// 5. Recover durable state
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := timers.Load(ctx); err != nil {
		return fmt.Errorf("load timers: %w", err)
	}
	pending, err := scheduler.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover evaluations: %w", err)
	}
	undelivered, err := tracker.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover click trackers: %w", err)
	}
	slog.Info("Recovered actor state", "pending_evaluations", pending, "undelivered_accounts", undelivered)

	// 6. Ingestion and streaming surfaces
	ingestionSvc := ingestion.NewService(tracker, scheduler, m, cfg.Server.MaxBodySizeMB)
	streamHandler := stream.NewHandler(tracker, cfg.Clicks.AllowedOrigins)

	srv := server.New(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port), health, cfg.Server.Mode)
	ingestionSvc.RegisterRoutes(srv.Engine)
	streamHandler.RegisterRoutes(srv.Engine)
	if cfg.Metrics.Enabled {
		srv.MountMetrics(cfg.Metrics.Path, reg)
	}

	// 7. Start Services
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return timers.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	if cfg.Kafka.Consume {
		consumer := ingestion.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ClicksTopic, cfg.Kafka.ConsumerGroup, ingestionSvc)
		g.Go(func() error {
			defer consumer.Close()
			return consumer.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down...")
		streamHandler.Close()
		return nil
	})

	return g.Wait()
}

func openStore(cfg corecfg.DatabaseConfig) (storage.Store, server.HealthChecker, func() error, error) {
	if cfg.Type == "memory" {
		slog.Warn("Using in-memory storage; actor state is lost on restart")
		return memory.NewStore(), nil, func() error { return nil }, nil
	}

	db, err := postgres.Open(cfg.DSN, cfg.MaxOpenConns, cfg.MaxIdleConns)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("initialize database: %w", err)
	}
	if err := migrations.Run(db, cfg.AutoMigrate); err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("run database migrations: %w", err)
	}
	adapter, err := postgres.NewAdapter(db)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	return adapter, db, adapter.Close, nil
}

func newSink(cfg *corecfg.Config) (trigger.Sink, func() error) {
	if cfg.Trigger.Sink == "kafka" {
		s := trigger.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.EvaluationsTopic)
		return s, s.Close
	}
	return trigger.LogSink{}, func() error { return nil }
}
