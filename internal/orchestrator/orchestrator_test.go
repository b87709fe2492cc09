package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"docbatch/internal/checkpoint"
	"docbatch/internal/events"
	"docbatch/internal/metrics"
	"docbatch/internal/models"
	"docbatch/internal/repository"
	"docbatch/internal/storage"
)

type memoryBackend struct {
	name string
	fail bool

	mu     sync.Mutex
	writes map[string]int
}

func newMemoryBackend(name string) *memoryBackend {
	return &memoryBackend{name: name, writes: map[string]int{}}
}

func (b *memoryBackend) Name() string                     { return b.name }
func (b *memoryBackend) Initialize(context.Context) error { return nil }
func (b *memoryBackend) Close() error                     { return nil }

func (b *memoryBackend) SaveBatch(_ context.Context, results []*models.ProcessedResult) storage.Report {
	if b.fail {
		return storage.AllFailed(results, errors.New("backend down"))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range results {
		b.writes[r.DocumentID]++
	}
	return storage.Report{}
}

func (b *memoryBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.writes)
}

func (b *memoryBackend) duplicates() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var dup []string
	for id, n := range b.writes {
		if n > 1 {
			dup = append(dup, id)
		}
	}
	return dup
}

// countingStore records every saved checkpoint
type countingStore struct {
	*checkpoint.MemoryStore
	mu    sync.Mutex
	saves []int
}

func (s *countingStore) Save(ctx context.Context, cp models.Checkpoint) error {
	s.mu.Lock()
	s.saves = append(s.saves, cp.ProcessedCount)
	s.mu.Unlock()
	return s.MemoryStore.Save(ctx, cp)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recordingEmitter) Publish(_ context.Context, e *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingEmitter) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind()
	}
	return out
}

func (r *recordingEmitter) count(kind string) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

type harness struct {
	repo        *repository.SQLRepository
	checkpoints *countingStore
	backends    map[string]*memoryBackend
	emitter     *recordingEmitter
	metrics     *metrics.Metrics
	orch        *Orchestrator
}

func newHarness(t *testing.T, transformer Transformer, backends ...*memoryBackend) *harness {
	t.Helper()
	repo, err := repository.NewSQLRepository(context.Background(), repository.Options{
		Driver: repository.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "registry.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	log := zaptest.NewLogger(t)
	manager := storage.NewManager(storage.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}, log)
	h := &harness{
		repo:        repo,
		checkpoints: &countingStore{MemoryStore: checkpoint.NewMemoryStore(time.Hour)},
		backends:    map[string]*memoryBackend{},
		emitter:     &recordingEmitter{},
		metrics:     metrics.NewMetrics(),
	}
	for _, b := range backends {
		require.NoError(t, manager.Add(context.Background(), b))
		h.backends[b.name] = b
	}
	h.orch = New(repo, h.checkpoints, manager, h.emitter,
		events.Factory{Source: "test", TypePrefix: "com.example.cleaning"},
		transformer, h.metrics, Options{ChunkSize: 10, LeaseDuration: time.Minute}, log)
	return h
}

func (h *harness) submit(t *testing.T, id string, n, interval int, backends ...string) {
	t.Helper()
	docs := make([]models.Document, n)
	for i := range docs {
		docs[i] = models.Document{ID: fmt.Sprintf("doc-%03d", i), Text: fmt.Sprintf("  <p>Document   %d</p> ", i)}
	}
	job := &models.Job{
		ID:                 id,
		Status:             models.StatusQueued,
		TotalDocuments:     n,
		CheckpointInterval: interval,
		EnabledBackends:    backends,
	}
	require.NoError(t, h.repo.Create(context.Background(), job, docs))
}

func (h *harness) claimAndRun(t *testing.T, ctx context.Context, id, worker string) Outcome {
	t.Helper()
	job, err := h.repo.Claim(context.Background(), id, worker, time.Minute)
	require.NoError(t, err)
	out, err := h.orch.Run(ctx, job, worker)
	require.NoError(t, err)
	return out
}

func (h *harness) get(t *testing.T, id string) *models.Job {
	t.Helper()
	job, err := h.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestRunCompletesWithCheckpoints(t *testing.T) {
	h := newHarness(t, nil, newMemoryBackend("jsonl"))
	h.submit(t, "job-1", 100, 10, "jsonl")

	out := h.claimAndRun(t, context.Background(), "job-1", "w1")

	assert.Equal(t, models.StatusCompleted, out.Status)
	assert.Equal(t, []int{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}, h.checkpoints.saves)

	job := h.get(t, "job-1")
	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Equal(t, 100, job.ProcessedDocuments)
	assert.Zero(t, job.FailedDocuments)
	assert.NotNil(t, job.CompletedAt)
	assert.Empty(t, job.WorkerID)
	assert.Equal(t, int64(100), job.Statistics[StatPersisted])
	assert.Contains(t, job.Statistics, StatProcessingTimeMS)

	assert.Equal(t, 1, h.emitter.count(events.JobCompleted))
	assert.Equal(t, 10, h.emitter.count(events.JobProgress))
	assert.Equal(t, 100, h.backends["jsonl"].count())

	cp, err := h.checkpoints.Load(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Nil(t, cp, "checkpoint is removed once the job completes")

	snapshot := h.metrics.GetSnapshot()
	assert.Equal(t, int64(1), snapshot["completed_jobs"])
	assert.Equal(t, int64(100), snapshot["processed_documents"])
}

func TestRunEventOrdering(t *testing.T) {
	h := newHarness(t, nil, newMemoryBackend("jsonl"))
	h.submit(t, "job-1", 25, 10, "jsonl")

	h.claimAndRun(t, context.Background(), "job-1", "w1")

	kinds := h.emitter.kinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, events.JobStarted, kinds[0])
	assert.Equal(t, events.JobCompleted, kinds[len(kinds)-1])
	assert.Equal(t, 25, h.emitter.count(events.DocumentCleaned))
	for _, e := range h.emitter.events {
		assert.Equal(t, "job-1", e.JobID())
		assert.True(t, strings.HasPrefix(e.Type, "com.example.cleaning."))
	}
}

func TestRunIsolatesTransformFailures(t *testing.T) {
	transformer := TransformFunc(func(ctx context.Context, doc models.Document) (*models.ProcessedResult, error) {
		if doc.ID == "doc-007" {
			return nil, errors.New("tokenizer exploded")
		}
		return NormalizeTransformer{}.Transform(ctx, doc)
	})
	h := newHarness(t, transformer, newMemoryBackend("jsonl"))
	h.submit(t, "job-1", 20, 10, "jsonl")

	out := h.claimAndRun(t, context.Background(), "job-1", "w1")

	assert.Equal(t, models.StatusCompleted, out.Status)
	job := h.get(t, "job-1")
	assert.Equal(t, 19, job.ProcessedDocuments)
	assert.Equal(t, 1, job.FailedDocuments)
	assert.Equal(t, int64(1), job.Statistics[StatTransformFailures])
}

func TestRunSurvivesTransformerPanic(t *testing.T) {
	transformer := TransformFunc(func(ctx context.Context, doc models.Document) (*models.ProcessedResult, error) {
		if doc.ID == "doc-001" {
			panic("nil map")
		}
		return NormalizeTransformer{}.Transform(ctx, doc)
	})
	h := newHarness(t, transformer)
	h.submit(t, "job-1", 3, 10)

	out := h.claimAndRun(t, context.Background(), "job-1", "w1")
	assert.Equal(t, models.StatusCompleted, out.Status)
	assert.Equal(t, 1, h.get(t, "job-1").FailedDocuments)
}

func TestRunIsolatesBackendFailure(t *testing.T) {
	bad := newMemoryBackend("search")
	bad.fail = true
	h := newHarness(t, nil, newMemoryBackend("jsonl"), bad)
	h.submit(t, "job-1", 30, 10, "jsonl", "search")

	out := h.claimAndRun(t, context.Background(), "job-1", "w1")

	assert.Equal(t, models.StatusCompleted, out.Status)
	job := h.get(t, "job-1")
	assert.Equal(t, 30, job.ProcessedDocuments)
	assert.Zero(t, job.FailedDocuments)
	assert.Equal(t, int64(1), job.Statistics["storage.search.disabled"])
	assert.Equal(t, int64(10), job.Statistics["storage.search.failures"])
	assert.Equal(t, 30, h.backends["jsonl"].count())
}

func TestRunCountsUnpersistedAsFailed(t *testing.T) {
	bad := newMemoryBackend("jsonl")
	bad.fail = true
	h := newHarness(t, nil, bad)
	h.submit(t, "job-1", 12, 10, "jsonl")

	out := h.claimAndRun(t, context.Background(), "job-1", "w1")

	assert.Equal(t, models.StatusCompleted, out.Status)
	job := h.get(t, "job-1")
	assert.Zero(t, job.ProcessedDocuments)
	assert.Equal(t, 12, job.FailedDocuments)
	assert.Equal(t, int64(12), job.Statistics[storage.StatUnpersisted])
	assert.Zero(t, h.emitter.count(events.DocumentCleaned))
}

func TestPauseAndResumeWithoutDuplicateWrites(t *testing.T) {
	var repo *repository.SQLRepository
	var once sync.Once
	transformer := TransformFunc(func(ctx context.Context, doc models.Document) (*models.ProcessedResult, error) {
		if doc.ID == "doc-015" {
			once.Do(func() {
				require.NoError(t, repo.Transition(context.Background(), "job-1", models.StatusRunning, models.StatusPaused))
			})
		}
		return NormalizeTransformer{}.Transform(ctx, doc)
	})
	h := newHarness(t, transformer, newMemoryBackend("jsonl"))
	repo = h.repo
	h.submit(t, "job-1", 50, 10, "jsonl")

	out := h.claimAndRun(t, context.Background(), "job-1", "w1")
	assert.Equal(t, models.StatusPaused, out.Status)

	paused := h.get(t, "job-1")
	assert.Equal(t, models.StatusPaused, paused.Status)
	assert.Equal(t, 20, paused.ProcessedDocuments)
	assert.Empty(t, paused.WorkerID, "pausing worker releases the job")
	cp, err := h.checkpoints.Load(context.Background(), "job-1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 20, cp.ProcessedCount)
	assert.Equal(t, "doc-019", cp.LastDocumentID)
	assert.Equal(t, 1, h.emitter.count(events.JobPaused))

	_, err = h.repo.Claim(context.Background(), "job-1", "w2", time.Minute)
	assert.ErrorIs(t, err, repository.ErrNotClaimable, "paused jobs are not claimable")

	require.NoError(t, h.repo.Transition(context.Background(), "job-1", models.StatusPaused, models.StatusRunning))
	out = h.claimAndRun(t, context.Background(), "job-1", "w2")

	assert.Equal(t, models.StatusCompleted, out.Status)
	assert.Equal(t, 20, out.ResumedFrom)
	assert.Equal(t, 30, out.Processed)
	job := h.get(t, "job-1")
	assert.Equal(t, 50, job.ProcessedDocuments)
	assert.Equal(t, int64(1), job.Statistics[StatResumed])
	assert.NotNil(t, job.ResumedAt)
	assert.Empty(t, h.backends["jsonl"].duplicates())
	assert.Equal(t, 50, h.backends["jsonl"].count())
	assert.Equal(t, 1, h.emitter.count(events.JobResumed))
}

func TestCancelStopsBetweenChunks(t *testing.T) {
	var repo *repository.SQLRepository
	var once sync.Once
	transformer := TransformFunc(func(ctx context.Context, doc models.Document) (*models.ProcessedResult, error) {
		if doc.ID == "doc-012" {
			once.Do(func() {
				require.NoError(t, repo.Transition(context.Background(), "job-1", models.StatusRunning, models.StatusCancelled))
			})
		}
		return NormalizeTransformer{}.Transform(ctx, doc)
	})
	h := newHarness(t, transformer, newMemoryBackend("jsonl"))
	repo = h.repo
	h.submit(t, "job-1", 40, 10, "jsonl")

	out := h.claimAndRun(t, context.Background(), "job-1", "w1")

	assert.Equal(t, models.StatusCancelled, out.Status)
	job := h.get(t, "job-1")
	assert.Equal(t, models.StatusCancelled, job.Status)
	assert.Equal(t, 20, job.ProcessedDocuments, "the chunk in flight keeps its progress")
	assert.Equal(t, 20, h.backends["jsonl"].count())
	assert.Equal(t, 20, h.emitter.count(events.DocumentCleaned))
	assert.Equal(t, 20, out.Processed)
	assert.Empty(t, job.WorkerID, "the cancelled worker releases the job")
	cp, err := h.checkpoints.Load(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Nil(t, cp)
	kinds := h.emitter.kinds()
	assert.Equal(t, events.JobCancelled, kinds[len(kinds)-1])
	assert.Equal(t, 1, h.emitter.count(events.JobCancelled))

	settled, err := h.orch.SettleCancelled(context.Background())
	require.NoError(t, err)
	assert.Zero(t, settled)
	assert.Equal(t, 1, h.emitter.count(events.JobCancelled))
}

func TestSettleCancelledAfterOwnerCrash(t *testing.T) {
	h := newHarness(t, nil)
	h.submit(t, "job-1", 20, 10)
	ctx := context.Background()

	// the owner never heartbeats again, so its lease is already over
	_, err := h.repo.Claim(ctx, "job-1", "crashed-worker", -time.Minute)
	require.NoError(t, err)
	require.NoError(t, h.checkpoints.MemoryStore.Save(ctx, models.Checkpoint{JobID: "job-1", ProcessedCount: 10}))
	require.NoError(t, h.repo.Transition(ctx, "job-1", models.StatusRunning, models.StatusCancelled))
	assert.Equal(t, "crashed-worker", h.get(t, "job-1").WorkerID)

	settled, err := h.orch.SettleCancelled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)
	assert.Equal(t, []string{events.JobCancelled}, h.emitter.kinds())
	assert.Equal(t, int64(1), h.metrics.GetSnapshot()["cancelled_jobs"])

	job := h.get(t, "job-1")
	assert.Equal(t, models.StatusCancelled, job.Status)
	assert.Empty(t, job.WorkerID)
	cp, err := h.checkpoints.Load(ctx, "job-1")
	require.NoError(t, err)
	assert.Nil(t, cp)

	settled, err = h.orch.SettleCancelled(ctx)
	require.NoError(t, err)
	assert.Zero(t, settled)
	assert.Len(t, h.emitter.kinds(), 1)
}

func TestRunStopsWhenOwnershipIsLost(t *testing.T) {
	var repo *repository.SQLRepository
	var once sync.Once
	transformer := TransformFunc(func(ctx context.Context, doc models.Document) (*models.ProcessedResult, error) {
		if doc.ID == "doc-003" {
			once.Do(func() {
				require.NoError(t, repo.Release(context.Background(), "job-1", "w1"))
				_, err := repo.Claim(context.Background(), "job-1", "w2", time.Minute)
				require.NoError(t, err)
			})
		}
		return NormalizeTransformer{}.Transform(ctx, doc)
	})
	h := newHarness(t, transformer)
	repo = h.repo
	h.submit(t, "job-1", 20, 10)

	out := h.claimAndRun(t, context.Background(), "job-1", "w1")

	assert.Empty(t, out.Status)
	job := h.get(t, "job-1")
	assert.Equal(t, models.StatusRunning, job.Status)
	assert.Equal(t, "w2", job.WorkerID)
	assert.Zero(t, job.ProcessedDocuments)
	assert.Zero(t, h.emitter.count(events.JobCompleted))
}

func TestShutdownReleasesJobForAnotherWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	transformer := TransformFunc(func(tctx context.Context, doc models.Document) (*models.ProcessedResult, error) {
		if doc.ID == "doc-014" {
			cancel()
		}
		return NormalizeTransformer{}.Transform(tctx, doc)
	})
	h := newHarness(t, transformer, newMemoryBackend("jsonl"))
	h.submit(t, "job-1", 30, 10, "jsonl")

	out := h.claimAndRun(t, ctx, "job-1", "w1")
	assert.Equal(t, models.StatusRunning, out.Status)

	job := h.get(t, "job-1")
	assert.Equal(t, models.StatusRunning, job.Status)
	assert.Empty(t, job.WorkerID)
	assert.Equal(t, 10, job.ProcessedDocuments)

	h.orch.transformer = NormalizeTransformer{}
	out = h.claimAndRun(t, context.Background(), "job-1", "w2")
	assert.Equal(t, models.StatusCompleted, out.Status)
	assert.Equal(t, 30, h.get(t, "job-1").ProcessedDocuments)
}

// flakyRegistry fails document loads past a given offset
type flakyRegistry struct {
	repository.JobRegistry
	failFrom int
}

func (f *flakyRegistry) Documents(ctx context.Context, jobID string, offset, limit int) ([]models.Document, error) {
	if offset >= f.failFrom {
		return nil, errors.New("connection refused")
	}
	return f.JobRegistry.Documents(ctx, jobID, offset, limit)
}

func TestRegistryFailureMarksJobFailed(t *testing.T) {
	h := newHarness(t, nil)
	h.submit(t, "job-1", 30, 10)
	h.orch.registry = &flakyRegistry{JobRegistry: h.repo, failFrom: 10}

	job, err := h.repo.Claim(context.Background(), "job-1", "w1", time.Minute)
	require.NoError(t, err)
	out, err := h.orch.Run(context.Background(), job, "w1")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, models.StatusFailed, out.Status)
	stored := h.get(t, "job-1")
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "connection refused")
	assert.Equal(t, 10, stored.ProcessedDocuments)

	kinds := h.emitter.kinds()
	assert.Equal(t, events.JobFailed, kinds[len(kinds)-1])
	assert.Zero(t, h.emitter.count(events.JobCompleted))
}

func TestResumeOffsetPrefersRegistryOverStaleCheckpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.submit(t, "job-1", 30, 10)
	ctx := context.Background()

	job, err := h.repo.Claim(ctx, "job-1", "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, h.repo.UpdateProgress(ctx, "job-1", repository.ProgressUpdate{Processed: 20, WorkerID: "w1"}))
	require.NoError(t, h.checkpoints.MemoryStore.Save(ctx, models.Checkpoint{JobID: "job-1", ProcessedCount: 10}))
	job, err = h.repo.Get(ctx, "job-1")
	require.NoError(t, err)

	out, err := h.orch.Run(ctx, job, "w1")
	require.NoError(t, err)
	assert.Equal(t, 20, out.ResumedFrom)
	assert.Equal(t, 10, out.Processed)
	assert.Equal(t, 30, h.get(t, "job-1").ProcessedDocuments)
}
