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

	"go.uber.org/zap"

	"docbatch/internal/app"
	"docbatch/internal/config"
	"docbatch/internal/handler"
	"docbatch/internal/logger"
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
		log.Fatal("api server exited", zap.Error(err))
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

	// the api only validates backend names; workers own the connections
	backends := storage.NewNameSet(storage.DefaultRegistry().Configured(cfg.Storage)...)

	jobService := service.NewJobService(deps.Registry, deps.Checkpoints, backends, deps.Publisher, deps.Factory, deps.Metrics,
		service.JobOptions{
			DefaultCheckpointInterval: cfg.Jobs.DefaultCheckpointInterval,
			MaxDocuments:              cfg.Jobs.MaxDocuments,
			DefaultBackends:           cfg.Storage.DefaultBackends,
			MaxSubmissionsPerMinute:   cfg.Jobs.MaxSubmissionsPerMinute,
		}, log)
	jobHandler := handler.NewJobHandler(jobService, deps.Metrics, deps.Registry, deps.Publisher, log)

	server := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: jobHandler.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down api server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	log.Info("api server stopped")
	return nil
}
