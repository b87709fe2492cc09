package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"docbatch/internal/models"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrLeaseLost         = errors.New("job is owned by another worker")
	ErrNotClaimable      = errors.New("job is not claimable")
	ErrProgressOverflow  = errors.New("progress would exceed total documents")
)

// JobRegistry is the durable store of job records and their state transitions
type JobRegistry interface {
	Create(ctx context.Context, job *models.Job, documents []models.Document) error
	Get(ctx context.Context, jobID string) (*models.Job, error)
	Documents(ctx context.Context, jobID string, offset, limit int) ([]models.Document, error)
	List(ctx context.Context, filter ListFilter) ([]*models.Job, error)
	UpdateProgress(ctx context.Context, jobID string, update ProgressUpdate) error
	Transition(ctx context.Context, jobID string, expected, target models.JobStatus, opts ...TransitionOption) error

	Claim(ctx context.Context, jobID, workerID string, lease time.Duration) (*models.Job, error)
	ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*models.Job, error)
	Heartbeat(ctx context.Context, jobID, workerID string, lease time.Duration) error
	Release(ctx context.Context, jobID, workerID string) error
	Reclaimable(ctx context.Context) (int, error)
	SettleCancelled(ctx context.Context) ([]*models.Job, error)

	Ping(ctx context.Context) error
	Close() error
}

// ListFilter narrows List results. Zero values mean no filter.
type ListFilter struct {
	Status  models.JobStatus
	BatchID string
	Limit   int
	Offset  int
}

// ProgressUpdate carries counter deltas. When WorkerID is set the update only
// applies while that worker owns the job.
type ProgressUpdate struct {
	Processed  int
	Failed     int
	Statistics map[string]int64
	WorkerID   string
}

type transitionOptions struct {
	owner        string
	errorMessage string
}

// TransitionOption customizes a Transition call
type TransitionOption func(*transitionOptions)

// RequireOwner makes the transition conditional on workerID holding the job
func RequireOwner(workerID string) TransitionOption {
	return func(o *transitionOptions) {
		o.owner = workerID
	}
}

// WithErrorMessage records the failure reason on a transition to FAILED
func WithErrorMessage(msg string) TransitionOption {
	return func(o *transitionOptions) {
		o.errorMessage = msg
	}
}

// TransitionError is returned when the stored status does not match the expected one
type TransitionError struct {
	JobID    string
	Expected models.JobStatus
	Actual   models.JobStatus
	Target   models.JobStatus
}

func (e *TransitionError) Error() string {
	if e.Actual == "" {
		return fmt.Sprintf("job %s: transition %s -> %s is not allowed", e.JobID, e.Expected, e.Target)
	}
	return fmt.Sprintf("job %s: cannot transition to %s, expected status %s but found %s", e.JobID, e.Target, e.Expected, e.Actual)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// DuplicateJobError is returned when a job with the same id already exists
type DuplicateJobError struct {
	JobID string
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("job %s already exists", e.JobID)
}
