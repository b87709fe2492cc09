package events

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"docbatch/internal/models"
)

const (
	SpecVersion     = "1.0"
	ContentTypeJSON = "application/json"
)

// Event type suffixes. The full type is "<prefix>.<suffix>".
const (
	JobStarted      = "job.started"
	JobResumed      = "job.resumed"
	JobProgress     = "job.progress"
	JobPaused       = "job.paused"
	JobCancelled    = "job.cancelled"
	JobCompleted    = "job.completed"
	JobFailed       = "job.failed"
	DocumentCleaned = "document.cleaned"
)

var kinds = []string{JobStarted, JobResumed, JobProgress, JobPaused, JobCancelled, JobCompleted, JobFailed, DocumentCleaned}

// Event is a CloudEvents v1.0 envelope. Events are not modified after New.
type Event struct {
	ID              string         `json:"id"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	SpecVersion     string         `json:"specversion"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Subject         string         `json:"subject,omitempty"`
	Data            map[string]any `json:"data"`

	kind string
}

// New builds an event with a fresh id and the current UTC time
func New(eventType, source, subject string, data map[string]any) *Event {
	if data == nil {
		data = map[string]any{}
	}
	return &Event{
		ID:              uuid.New().String(),
		Type:            eventType,
		Source:          source,
		SpecVersion:     SpecVersion,
		Time:            time.Now().UTC(),
		DataContentType: ContentTypeJSON,
		Subject:         subject,
		Data:            data,
	}
}

// Headers returns the binary content mode HTTP headers
func (e *Event) Headers() map[string]string {
	h := map[string]string{
		"ce-specversion": e.SpecVersion,
		"ce-type":        e.Type,
		"ce-source":      e.Source,
		"ce-id":          e.ID,
		"ce-time":        e.Time.Format(time.RFC3339Nano),
		"Content-Type":   e.DataContentType,
	}
	if e.Subject != "" {
		h["ce-subject"] = e.Subject
	}
	return h
}

// Kind is the type without its prefix, e.g. "job.completed"
func (e *Event) Kind() string {
	if e.kind != "" {
		return e.kind
	}
	for _, kind := range kinds {
		if e.Type == kind || strings.HasSuffix(e.Type, "."+kind) {
			return kind
		}
	}
	return e.Type
}

// JobID returns the job the event belongs to, if any
func (e *Event) JobID() string {
	if id, ok := e.Data["job_id"].(string); ok {
		return id
	}
	return strings.TrimPrefix(e.Subject, "job/")
}

// Factory stamps events with the configured source and type prefix
type Factory struct {
	Source     string
	TypePrefix string
}

func (f Factory) typeOf(kind string) string {
	if f.TypePrefix == "" {
		return kind
	}
	return f.TypePrefix + "." + kind
}

// Subject is the subject used for every event of a job
func Subject(jobID string) string {
	return "job/" + jobID
}

// Job builds a lifecycle event carrying the job summary plus extra fields
func (f Factory) Job(kind string, job *models.Job, extra map[string]any) *Event {
	data := map[string]any{
		"job_id":              job.ID,
		"batch_id":            job.BatchID,
		"status":              string(job.Status),
		"total_documents":     job.TotalDocuments,
		"processed_documents": job.ProcessedDocuments,
		"failed_documents":    job.FailedDocuments,
		"progress_percent":    job.ProgressPercent(),
	}
	if job.ErrorMessage != "" {
		data["error_message"] = job.ErrorMessage
	}
	for k, v := range extra {
		data[k] = v
	}
	e := New(f.typeOf(kind), f.Source, Subject(job.ID), data)
	e.kind = kind
	return e
}

// Document builds a per-document event from a persisted result
func (f Factory) Document(kind string, result *models.ProcessedResult, backends []string) *Event {
	data := map[string]any{
		"job_id":       result.JobID,
		"document_id":  result.DocumentID,
		"processed_at": result.ProcessedAt.UTC().Format(time.RFC3339Nano),
		"backends":     backends,
	}
	e := New(f.typeOf(kind), f.Source, Subject(result.JobID), data)
	e.kind = kind
	return e
}
