package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetrics_JobCounters(t *testing.T) {
	m := NewMetrics()
	m.IncrementSubmittedJobs()
	m.IncrementSubmittedJobs()
	m.IncrementCompletedJobs()
	m.IncrementFailedJobs()
	m.IncrementCancelledJobs()
	m.IncrementPausedJobs()
	m.IncrementResumedJobs()

	snapshot := m.GetSnapshot()
	assert.Equal(t, int64(2), snapshot["submitted_jobs"])
	assert.Equal(t, int64(1), snapshot["completed_jobs"])
	assert.Equal(t, int64(1), snapshot["failed_jobs"])
	assert.Equal(t, int64(1), snapshot["cancelled_jobs"])
	assert.Equal(t, int64(1), snapshot["paused_jobs"])
	assert.Equal(t, int64(1), snapshot["resumed_jobs"])
}

func TestMetrics_DocumentsAndCheckpoints(t *testing.T) {
	m := NewMetrics()
	m.AddDocuments(9, 1)
	m.AddDocuments(10, 0)
	m.IncrementCheckpointsSaved()
	m.IncrementCheckpointErrors()

	snapshot := m.GetSnapshot()
	assert.Equal(t, int64(19), snapshot["processed_documents"])
	assert.Equal(t, int64(1), snapshot["failed_documents"])
	assert.Equal(t, int64(1), snapshot["checkpoints_saved"])
	assert.Equal(t, int64(1), snapshot["checkpoint_errors"])
}

func TestMetrics_ConcurrentAccess(t *testing.T) {
	m := NewMetrics()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.IncrementSubmittedJobs()
			m.IncrementCompletedJobs()
			m.AddDocuments(2, 1)
		}()
	}

	wg.Wait()

	snapshot := m.GetSnapshot()
	assert.Equal(t, int64(100), snapshot["submitted_jobs"])
	assert.Equal(t, int64(100), snapshot["completed_jobs"])
	assert.Equal(t, int64(200), snapshot["processed_documents"])
	assert.Equal(t, int64(100), snapshot["failed_documents"])
}

func TestMetrics_OrNew(t *testing.T) {
	m := NewMetrics()
	assert.Same(t, m, OrNew(m))
	assert.NotNil(t, OrNew(nil))
}
