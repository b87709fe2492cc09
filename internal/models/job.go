package models

import "time"

// JobStatus represents the state of a job
type JobStatus string

const (
	StatusQueued    JobStatus = "QUEUED"
	StatusRunning   JobStatus = "RUNNING"
	StatusPaused    JobStatus = "PAUSED"
	StatusCompleted JobStatus = "COMPLETED"
	StatusFailed    JobStatus = "FAILED"
	StatusCancelled JobStatus = "CANCELLED"
)

// transitions lists every legal edge of the job state machine.
var transitions = map[JobStatus][]JobStatus{
	StatusQueued:  {StatusRunning, StatusCancelled},
	StatusRunning: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:  {StatusRunning, StatusCancelled},
}

// IsTerminal reports whether no further transition can leave the status
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status
func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the state machine
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job represents one batch submission
type Job struct {
	ID                 string           `json:"job_id"`
	BatchID            string           `json:"batch_id,omitempty"`
	Status             JobStatus        `json:"status"`
	TotalDocuments     int              `json:"total_documents"`
	ProcessedDocuments int              `json:"processed_documents"`
	FailedDocuments    int              `json:"failed_documents"`
	CheckpointInterval int              `json:"checkpoint_interval"`
	EnabledBackends    []string         `json:"enabled_backends"`
	Statistics         map[string]int64 `json:"statistics"`
	ErrorMessage       string           `json:"error_message,omitempty"`
	WorkerID           string           `json:"worker_id,omitempty"`
	LeaseExpiresAt     *time.Time       `json:"lease_expires_at,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
	StartedAt          *time.Time       `json:"started_at,omitempty"`
	PausedAt           *time.Time       `json:"paused_at,omitempty"`
	ResumedAt          *time.Time       `json:"resumed_at,omitempty"`
	CompletedAt        *time.Time       `json:"completed_at,omitempty"`
}

// ProgressPercent is derived from the counters, never stored
func (j *Job) ProgressPercent() float64 {
	if j.TotalDocuments == 0 {
		return 0
	}
	return 100 * float64(j.ProcessedDocuments) / float64(j.TotalDocuments)
}

// Consumed is the number of documents that reached a final per-document outcome
func (j *Job) Consumed() int {
	return j.ProcessedDocuments + j.FailedDocuments
}

// Summary is the externally visible view of a job
type Summary struct {
	*Job
	ProgressPercent float64 `json:"progress_percent"`
}

// NewSummary wraps a job with its computed fields
func NewSummary(job *Job) *Summary {
	return &Summary{Job: job, ProgressPercent: job.ProgressPercent()}
}

// SubmitRequest represents a batch submission
type SubmitRequest struct {
	BatchID            string     `json:"batch_id,omitempty" validate:"max=128"`
	Documents          []Document `json:"documents" validate:"required,min=1,dive"`
	CheckpointInterval int        `json:"checkpoint_interval,omitempty" validate:"omitempty,min=1,max=1000"`
	EnabledBackends    []string   `json:"enabled_backends" validate:"omitempty,unique,dive,required"`
}

// ControlResponse acknowledges a pause, resume or cancel request
type ControlResponse struct {
	JobID   string    `json:"job_id"`
	Status  JobStatus `json:"status"`
	Message string    `json:"message"`
}
