package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"docbatch/internal/logger"
	"docbatch/internal/models"
	"docbatch/internal/orchestrator"
	"docbatch/internal/repository"
)

// Runner drives one claimed job
type Runner interface {
	Run(ctx context.Context, job *models.Job, workerID string) (orchestrator.Outcome, error)
}

// WorkerOptions configures the claim loops
type WorkerOptions struct {
	ID            string
	Concurrency   int
	PollInterval  time.Duration
	LeaseDuration time.Duration
	SweepInterval time.Duration
}

// WorkerService claims jobs and hands them to the orchestrator
type WorkerService struct {
	repo   repository.JobRegistry
	runner Runner
	opts   WorkerOptions
	logger *zap.Logger
}

// NewWorkerService creates a new worker service
func NewWorkerService(repo repository.JobRegistry, runner Runner, opts WorkerOptions, log *zap.Logger) *WorkerService {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = orchestrator.DefaultLeaseDuration
	}
	return &WorkerService{
		repo:   repo,
		runner: runner,
		opts:   opts,
		logger: logger.OrNop(log),
	}
}

// Run starts the claim loops and the lease sweeper and blocks until ctx ends
func (s *WorkerService) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.opts.Concurrency; i++ {
		workerID := fmt.Sprintf("%s-%d", s.opts.ID, i)
		g.Go(func() error {
			s.ProcessJobs(ctx, workerID)
			return nil
		})
	}
	if s.opts.SweepInterval > 0 {
		g.Go(func() error {
			s.sweep(ctx)
			return nil
		})
	}
	s.logger.Info("worker started", zap.String("worker_id", s.opts.ID), zap.Int("concurrency", s.opts.Concurrency))
	err := g.Wait()
	s.logger.Info("worker stopped", zap.String("worker_id", s.opts.ID))
	return err
}

// ProcessJobs continuously claims and runs jobs as workerID
func (s *WorkerService) ProcessJobs(ctx context.Context, workerID string) {
	log := s.logger.With(zap.String("worker_id", workerID))
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := s.repo.ClaimNext(ctx, workerID, s.opts.LeaseDuration)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("failed to claim job", zap.Error(err))
			}
			s.wait(ctx)
			continue
		}
		if job == nil {
			s.wait(ctx)
			continue
		}

		log.Info("job claimed", zap.String("job_id", job.ID), zap.String("batch_id", job.BatchID))
		s.processJob(ctx, job, workerID)
	}
}

// processJob runs a single job, logging rather than propagating its failure
func (s *WorkerService) processJob(ctx context.Context, job *models.Job, workerID string) {
	out, err := s.runner.Run(ctx, job, workerID)
	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("worker_id", workerID),
		zap.String("status", string(out.Status)),
		zap.Int("processed", out.Processed),
		zap.Int("failed", out.Failed),
	}
	if err != nil {
		s.logger.Error("job run ended with error", append(fields, zap.Error(err))...)
		return
	}
	s.logger.Info("job run finished", fields...)
}

func (s *WorkerService) wait(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(s.opts.PollInterval):
	}
}

// CancelSettler reports cancelled jobs whose owner stopped before doing so
type CancelSettler interface {
	SettleCancelled(ctx context.Context) (int, error)
}

// sweep reports running jobs whose owner disappeared; the claim loops pick them up
func (s *WorkerService) sweep(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *WorkerService) sweepOnce(ctx context.Context) {
	n, err := s.repo.Reclaimable(ctx)
	switch {
	case err != nil:
		if ctx.Err() == nil {
			s.logger.Warn("failed to count reclaimable jobs", zap.Error(err))
		}
	case n > 0:
		s.logger.Info("found jobs with expired leases", zap.Int("count", n))
	}

	settler, ok := s.runner.(CancelSettler)
	if !ok {
		return
	}
	settled, err := settler.SettleCancelled(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Warn("failed to settle cancelled jobs", zap.Error(err))
	}
	if settled > 0 {
		s.logger.Info("settled cancelled jobs with expired leases", zap.Int("count", settled))
	}
}
