package models

import "time"

// Document is one raw input of a batch. Only ID is interpreted by the core.
type Document struct {
	ID       string         `json:"document_id" validate:"required,max=256"`
	Text     string         `json:"text" validate:"required"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ProcessedResult is the transformer output for one document
type ProcessedResult struct {
	JobID       string         `json:"job_id"`
	DocumentID  string         `json:"document_id"`
	Payload     map[string]any `json:"payload"`
	ProcessedAt time.Time      `json:"processed_at"`
}

// Record flattens the result into a single document for stores that index by field
func (r *ProcessedResult) Record() map[string]any {
	rec := make(map[string]any, len(r.Payload)+3)
	for k, v := range r.Payload {
		rec[k] = v
	}
	rec["job_id"] = r.JobID
	rec["document_id"] = r.DocumentID
	rec["processed_at"] = r.ProcessedAt.UTC().Format(time.RFC3339Nano)
	return rec
}

// Checkpoint marks how far a job has progressed
type Checkpoint struct {
	JobID           string        `json:"job_id"`
	ProcessedCount  int           `json:"processed_count"`
	LastDocumentID  string        `json:"last_document_id"`
	TotalCount      int           `json:"total_count"`
	ProgressPercent float64       `json:"progress_percent"`
	SavedAt         time.Time     `json:"saved_at"`
	TTL             time.Duration `json:"-"`
}
