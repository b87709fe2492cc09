package metrics

import (
	"sync"
)

// Metrics tracks process-wide job and document counters
type Metrics struct {
	mu sync.RWMutex

	submittedJobs      int64
	completedJobs      int64
	failedJobs         int64
	cancelledJobs      int64
	pausedJobs         int64
	resumedJobs        int64
	processedDocuments int64
	failedDocuments    int64
	checkpointsSaved   int64
	checkpointErrors   int64
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// OrNew returns m, or a fresh instance when m is nil
func OrNew(m *Metrics) *Metrics {
	if m == nil {
		return NewMetrics()
	}
	return m
}

func (m *Metrics) add(counter *int64, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*counter += n
}

// IncrementSubmittedJobs increments the submitted jobs counter
func (m *Metrics) IncrementSubmittedJobs() { m.add(&m.submittedJobs, 1) }

// IncrementCompletedJobs increments the completed jobs counter
func (m *Metrics) IncrementCompletedJobs() { m.add(&m.completedJobs, 1) }

// IncrementFailedJobs increments the failed jobs counter
func (m *Metrics) IncrementFailedJobs() { m.add(&m.failedJobs, 1) }

func (m *Metrics) IncrementCancelledJobs() { m.add(&m.cancelledJobs, 1) }

func (m *Metrics) IncrementPausedJobs() { m.add(&m.pausedJobs, 1) }

// IncrementResumedJobs counts runs that started from a non-zero offset
func (m *Metrics) IncrementResumedJobs() { m.add(&m.resumedJobs, 1) }

// AddDocuments records the outcome of one chunk
func (m *Metrics) AddDocuments(processed, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processedDocuments += int64(processed)
	m.failedDocuments += int64(failed)
}

func (m *Metrics) IncrementCheckpointsSaved() { m.add(&m.checkpointsSaved, 1) }

func (m *Metrics) IncrementCheckpointErrors() { m.add(&m.checkpointErrors, 1) }

// GetSnapshot returns a snapshot of all metrics
func (m *Metrics) GetSnapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int64{
		"submitted_jobs":      m.submittedJobs,
		"completed_jobs":      m.completedJobs,
		"failed_jobs":         m.failedJobs,
		"cancelled_jobs":      m.cancelledJobs,
		"paused_jobs":         m.pausedJobs,
		"resumed_jobs":        m.resumedJobs,
		"processed_documents": m.processedDocuments,
		"failed_documents":    m.failedDocuments,
		"checkpoints_saved":   m.checkpointsSaved,
		"checkpoint_errors":   m.checkpointErrors,
	}
}
