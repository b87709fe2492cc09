package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"docbatch/internal/app"
	"docbatch/internal/config"
	"docbatch/internal/logger"
	"docbatch/internal/orchestrator"
	"docbatch/internal/service"
	"docbatch/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("worker exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Setup(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer deps.Close()

	manager := storage.NewManagerFromConfig(ctx, storage.DefaultRegistry(), cfg.Storage, log)
	defer manager.Close()
	log.Info("storage backends ready",
		zap.Strings("available", manager.Names()),
		zap.Any("unavailable", manager.Unavailable()),
	)

	orch := orchestrator.New(deps.Registry, deps.Checkpoints, manager, deps.Publisher, deps.Factory, nil, deps.Metrics,
		orchestrator.Options{
			ChunkSize:     cfg.Worker.ChunkSize,
			LeaseDuration: cfg.Worker.LeaseDuration,
			CheckpointTTL: cfg.Checkpoint.TTL,
		}, log)

	worker := service.NewWorkerService(deps.Registry, orch, service.WorkerOptions{
		ID:            workerID(cfg.Worker.ID),
		Concurrency:   cfg.Worker.Concurrency,
		PollInterval:  cfg.Worker.PollInterval,
		LeaseDuration: cfg.Worker.LeaseDuration,
		SweepInterval: cfg.Worker.SweepInterval,
	}, log)

	if err := worker.Run(ctx); err != nil {
		return err
	}

	log.Info("worker totals",
		zap.Any("jobs", deps.Metrics.GetSnapshot()),
		zap.Any("events", deps.Publisher.Stats()),
	)
	return nil
}

// workerID defaults to the hostname plus a short random suffix so replicas on one host stay distinct
func workerID(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.New().String()[:8]
}
