// Package app wires the shared dependencies of the api and worker processes.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"docbatch/internal/checkpoint"
	"docbatch/internal/config"
	"docbatch/internal/data"
	"docbatch/internal/events"
	"docbatch/internal/metrics"
	"docbatch/internal/repository"
)

// Deps are the components both processes need
type Deps struct {
	Config      *config.Config
	Logger      *zap.Logger
	Registry    *repository.SQLRepository
	Redis       *redis.Client
	Checkpoints checkpoint.Store
	Publisher   *events.Publisher
	Factory     events.Factory
	Metrics     *metrics.Metrics
}

// Setup connects the registry, the checkpoint store and the event publisher.
// Redis is only dialed when something configured needs it.
func Setup(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Deps, error) {
	d := &Deps{
		Config:  cfg,
		Logger:  log,
		Factory: events.FactoryFromConfig(cfg.Events),
		Metrics: metrics.NewMetrics(),
	}

	repo, err := repository.NewSQLRepository(ctx, repository.Options{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize job registry: %w", err)
	}
	d.Registry = repo

	if cfg.Checkpoint.Backend == "redis" || cfg.Events.RedisStream.Enabled {
		rc, err := data.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.Redis = rc
	}

	switch cfg.Checkpoint.Backend {
	case "redis":
		d.Checkpoints = checkpoint.NewRedisStore(d.Redis, cfg.Checkpoint.KeyPrefix, cfg.Checkpoint.TTL)
	default:
		log.Warn("using in-memory checkpoints; they do not survive a restart")
		d.Checkpoints = checkpoint.NewMemoryStore(cfg.Checkpoint.TTL)
	}

	d.Publisher = events.NewFromConfig(cfg.Events, d.Redis, log)

	log.Info("dependencies initialized",
		zap.String("registry_driver", cfg.Database.Driver),
		zap.String("checkpoint_backend", cfg.Checkpoint.Backend),
	)
	return d, nil
}

// Close releases everything Setup opened
func (d *Deps) Close() error {
	var errs []error
	if d.Publisher != nil {
		errs = append(errs, d.Publisher.Close())
	}
	if d.Checkpoints != nil {
		errs = append(errs, d.Checkpoints.Close())
	}
	if d.Redis != nil {
		errs = append(errs, d.Redis.Close())
	}
	if d.Registry != nil {
		errs = append(errs, d.Registry.Close())
	}
	return errors.Join(errs...)
}
