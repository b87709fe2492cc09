package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"docbatch/internal/checkpoint"
	"docbatch/internal/events"
	"docbatch/internal/logger"
	"docbatch/internal/metrics"
	"docbatch/internal/models"
	"docbatch/internal/repository"
	"docbatch/internal/storage"
)

var (
	ErrEmptyBatch = errors.New("batch must contain at least one document")
	ErrValidation = errors.New("invalid request")
)

const maxCancelAttempts = 3

// JobOptions are the submission defaults
type JobOptions struct {
	DefaultCheckpointInterval int
	MaxDocuments              int
	DefaultBackends           []string
	MaxSubmissionsPerMinute   int
}

// JobService handles submission, status and control requests
type JobService struct {
	repo        repository.JobRegistry
	checkpoints checkpoint.Store
	backends    storage.Validator
	publisher   events.Emitter
	factory     events.Factory
	metrics     *metrics.Metrics
	validate    *validator.Validate
	limiter     *RateLimiter
	opts        JobOptions
	logger      *zap.Logger
}

// NewJobService creates a new job service. checkpoints and publisher may be nil.
func NewJobService(
	repo repository.JobRegistry,
	checkpoints checkpoint.Store,
	backends storage.Validator,
	publisher events.Emitter,
	factory events.Factory,
	m *metrics.Metrics,
	opts JobOptions,
	log *zap.Logger,
) *JobService {
	if opts.DefaultCheckpointInterval <= 0 {
		opts.DefaultCheckpointInterval = 10
	}
	return &JobService{
		repo:        repo,
		checkpoints: checkpoints,
		backends:    backends,
		publisher:   publisher,
		factory:     factory,
		metrics:     metrics.OrNew(m),
		validate:    validator.New(),
		limiter:     NewRateLimiter(opts.MaxSubmissionsPerMinute),
		opts:        opts,
		logger:      logger.OrNop(log),
	}
}

// Submit validates the request and stores a QUEUED job with its documents.
// Nothing is written when validation fails.
func (s *JobService) Submit(ctx context.Context, req *models.SubmitRequest) (*models.Job, error) {
	if req == nil || len(req.Documents) == 0 {
		return nil, ErrEmptyBatch
	}
	if s.opts.MaxDocuments > 0 && len(req.Documents) > s.opts.MaxDocuments {
		return nil, fmt.Errorf("%w: %d documents exceeds the limit of %d", ErrValidation, len(req.Documents), s.opts.MaxDocuments)
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, describeValidation(err))
	}

	seen := make(map[string]struct{}, len(req.Documents))
	for i, doc := range req.Documents {
		if _, dup := seen[doc.ID]; dup {
			return nil, fmt.Errorf("%w: documents[%d]: duplicate document_id %q", ErrValidation, i, doc.ID)
		}
		seen[doc.ID] = struct{}{}
	}

	backends := req.EnabledBackends
	if backends == nil {
		backends = append([]string(nil), s.opts.DefaultBackends...)
	}
	if s.backends != nil {
		if err := s.backends.Validate(backends); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrValidation, err)
		}
	}

	if err := s.limiter.CheckSubmissionRate(req.BatchID); err != nil {
		return nil, err
	}

	interval := req.CheckpointInterval
	if interval == 0 {
		interval = s.opts.DefaultCheckpointInterval
	}

	job := &models.Job{
		ID:                 uuid.New().String(),
		BatchID:            req.BatchID,
		Status:             models.StatusQueued,
		TotalDocuments:     len(req.Documents),
		CheckpointInterval: interval,
		EnabledBackends:    backends,
	}
	if err := s.repo.Create(ctx, job, req.Documents); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	s.metrics.IncrementSubmittedJobs()
	s.logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("batch_id", job.BatchID),
		zap.Int("total_documents", job.TotalDocuments),
		zap.Strings("backends", backends),
	)

	return s.repo.Get(ctx, job.ID)
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}

// Get retrieves a job by ID
func (s *JobService) Get(ctx context.Context, id string) (*models.Job, error) {
	return s.repo.Get(ctx, id)
}

// List returns job summaries matching the filter
func (s *JobService) List(ctx context.Context, filter repository.ListFilter) ([]*models.Job, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, filter.Status)
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, fmt.Errorf("%w: limit and offset must not be negative", ErrValidation)
	}
	jobs, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// Pause asks the owning worker to stop at the next chunk boundary
func (s *JobService) Pause(ctx context.Context, id string) (*models.ControlResponse, error) {
	if err := s.repo.Transition(ctx, id, models.StatusRunning, models.StatusPaused); err != nil {
		return nil, err
	}
	s.logger.Info("pause requested", zap.String("job_id", id))
	return &models.ControlResponse{
		JobID:   id,
		Status:  models.StatusPaused,
		Message: "pause accepted; processing stops at the next chunk boundary",
	}, nil
}

// Resume makes a paused job claimable again. The next worker to claim it
// continues from the stored progress.
func (s *JobService) Resume(ctx context.Context, id string) (*models.ControlResponse, error) {
	if err := s.repo.Transition(ctx, id, models.StatusPaused, models.StatusRunning); err != nil {
		return nil, err
	}
	s.logger.Info("resume requested", zap.String("job_id", id))
	return &models.ControlResponse{
		JobID:   id,
		Status:  models.StatusRunning,
		Message: "resume accepted; a worker continues from the last checkpoint",
	}, nil
}

// Cancel moves a queued, running or paused job to CANCELLED. A running job
// keeps its owner, which stops at its next chunk boundary and reports the
// cancellation. If that owner's lease runs out first, the worker sweeper
// reports it. Jobs nobody owns are reported here.
func (s *JobService) Cancel(ctx context.Context, id string) (*models.ControlResponse, error) {
	var prev *models.Job
	for attempt := 0; ; attempt++ {
		job, err := s.repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		err = s.repo.Transition(ctx, id, job.Status, models.StatusCancelled)
		if err == nil {
			prev = job
			break
		}
		var terr *repository.TransitionError
		// the status moved under us; retry against the new one
		if errors.As(err, &terr) && terr.Actual != "" && attempt+1 < maxCancelAttempts {
			continue
		}
		return nil, err
	}

	if s.checkpoints != nil {
		if err := s.checkpoints.Clear(ctx, id); err != nil {
			s.logger.Warn("failed to clear checkpoint", zap.String("job_id", id), zap.Error(err))
		}
	}

	cancelled, err := s.repo.Get(ctx, id)
	if err != nil {
		s.logger.Warn("failed to reload cancelled job", zap.String("job_id", id), zap.Error(err))
	} else if cancelled.WorkerID == "" {
		s.metrics.IncrementCancelledJobs()
		if s.publisher != nil {
			s.publisher.Publish(ctx, s.factory.Job(events.JobCancelled, cancelled, map[string]any{"previous_status": string(prev.Status)}))
		}
	}

	s.logger.Info("job cancelled", zap.String("job_id", id), zap.String("previous_status", string(prev.Status)))
	return &models.ControlResponse{
		JobID:   id,
		Status:  models.StatusCancelled,
		Message: "cancel accepted",
	}, nil
}
