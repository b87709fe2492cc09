// Package orchestrator drives one claimed job from its resume offset to a
// stopping point: a terminal state, a honored pause, or lost ownership.
//
// Pause and cancel are cooperative. The job status is polled between chunks,
// so the worst-case pause latency is one chunk of transforms plus the storage
// retry budget of that chunk.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"docbatch/internal/checkpoint"
	"docbatch/internal/events"
	"docbatch/internal/logger"
	"docbatch/internal/metrics"
	"docbatch/internal/models"
	"docbatch/internal/repository"
	"docbatch/internal/storage"
)

const (
	DefaultChunkSize          = 10
	DefaultLeaseDuration      = 5 * time.Minute
	DefaultCheckpointInterval = 10

	StatProcessingTimeMS  = "processing_time_ms"
	StatResumed           = "resumed_from_checkpoint"
	StatPersisted         = "documents_persisted"
	StatTransformFailures = "transform.failures"
)

// Options tunes the run loop
type Options struct {
	ChunkSize     int
	LeaseDuration time.Duration
	CheckpointTTL time.Duration
}

// Outcome describes where a run stopped. Status is empty when the run gave up
// the job because another worker owns it.
type Outcome struct {
	JobID       string
	Status      models.JobStatus
	ResumedFrom int
	Processed   int
	Failed      int
}

// Orchestrator runs jobs. It holds no per-job state, so one instance serves every worker loop.
type Orchestrator struct {
	registry    repository.JobRegistry
	checkpoints checkpoint.Store
	storage     *storage.Manager
	publisher   events.Emitter
	factory     events.Factory
	transformer Transformer
	metrics     *metrics.Metrics
	opts        Options
	logger      *zap.Logger
	now         func() time.Time
}

// New creates an orchestrator. publisher may be nil.
func New(
	registry repository.JobRegistry,
	checkpoints checkpoint.Store,
	manager *storage.Manager,
	publisher events.Emitter,
	factory events.Factory,
	transformer Transformer,
	m *metrics.Metrics,
	opts Options,
	log *zap.Logger,
) *Orchestrator {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = DefaultLeaseDuration
	}
	if transformer == nil {
		transformer = NormalizeTransformer{}
	}
	if manager == nil {
		manager = storage.NewManager(storage.RetryPolicy{}, log)
	}
	return &Orchestrator{
		registry:    registry,
		checkpoints: checkpoints,
		storage:     manager,
		publisher:   publisher,
		factory:     factory,
		transformer: transformer,
		metrics:     metrics.OrNew(m),
		opts:        opts,
		logger:      logger.OrNop(log),
		now:         time.Now,
	}
}

// run carries the state of one Run call
type run struct {
	o        *Orchestrator
	job      *models.Job
	workerID string
	log      *zap.Logger
	fanout   *storage.Fanout
	started  time.Time
	interval int
	offset   int
	resumed  int
	out      Outcome
	lastDoc  string
}

// Run processes job, which workerID must have claimed, until it stops.
// A non-nil error means the job was marked FAILED, or could not be.
func (o *Orchestrator) Run(ctx context.Context, job *models.Job, workerID string) (Outcome, error) {
	r := &run{
		o:        o,
		job:      job,
		workerID: workerID,
		log:      o.logger.With(zap.String("job_id", job.ID), zap.String("worker_id", workerID)),
		started:  o.now(),
		interval: job.CheckpointInterval,
		out:      Outcome{JobID: job.ID},
	}
	if r.interval <= 0 {
		r.interval = DefaultCheckpointInterval
	}
	return r.execute(ctx)
}

func (r *run) execute(ctx context.Context) (Outcome, error) {
	o := r.o
	r.offset = r.resumeOffset(ctx)
	r.resumed = r.offset
	r.out.ResumedFrom = r.offset

	var initialStats map[string]int64
	r.fanout, initialStats = o.storage.ForJob(r.job.ID, r.job.EnabledBackends, o.publisher, o.factory)
	if r.offset > 0 {
		initialStats[StatResumed] = 1
		o.metrics.IncrementResumedJobs()
		r.log.Info("resuming job", zap.Int("offset", r.offset), zap.Int("total_documents", r.job.TotalDocuments))
		r.emit(ctx, events.JobResumed, r.job, map[string]any{"resume_offset": r.offset})
	} else {
		r.log.Info("starting job", zap.Int("total_documents", r.job.TotalDocuments))
		r.emit(ctx, events.JobStarted, r.job, nil)
	}
	if len(initialStats) > 0 {
		if err := o.registry.UpdateProgress(ctx, r.job.ID, repository.ProgressUpdate{Statistics: initialStats, WorkerID: r.workerID}); err != nil {
			return r.handleRegistryError(ctx, err)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return r.abandon(ctx)
		}

		current, err := o.registry.Get(ctx, r.job.ID)
		if err != nil {
			return r.handleRegistryError(ctx, err)
		}
		if stop, out, err := r.control(ctx, current); stop {
			return out, err
		}

		if r.offset >= r.job.TotalDocuments {
			return r.complete(ctx)
		}

		if err := o.registry.Heartbeat(ctx, r.job.ID, r.workerID, o.opts.LeaseDuration); err != nil {
			return r.handleRegistryError(ctx, err)
		}

		docs, err := o.registry.Documents(ctx, r.job.ID, r.offset, o.opts.ChunkSize)
		if err != nil {
			return r.handleRegistryError(ctx, err)
		}
		if len(docs) == 0 {
			return r.fail(ctx, fmt.Errorf("no documents stored at offset %d of %d", r.offset, r.job.TotalDocuments))
		}

		if abandoned, err := r.processChunk(ctx, docs); abandoned || err != nil {
			if err != nil {
				return r.handleRegistryError(ctx, err)
			}
			return r.abandon(ctx)
		}
	}
}

// resumeOffset is the number of documents already consumed. The registry
// counters are authoritative, the checkpoint only fills in when they lag.
func (r *run) resumeOffset(ctx context.Context) int {
	offset := r.job.Consumed()
	if r.o.checkpoints == nil {
		return offset
	}
	cp, err := r.o.checkpoints.Load(ctx, r.job.ID)
	if err != nil {
		r.log.Warn("failed to load checkpoint, using registry progress", zap.Error(err))
		return offset
	}
	if cp != nil {
		r.log.Debug("loaded checkpoint", zap.Int("processed_count", cp.ProcessedCount), zap.Int("registry_offset", offset))
		if cp.ProcessedCount > offset && cp.ProcessedCount <= r.job.TotalDocuments {
			offset = cp.ProcessedCount
		}
	}
	return offset
}

// processChunk transforms and stores docs, then records progress.
// It reports abandoned when ctx ended before progress was recorded.
func (r *run) processChunk(ctx context.Context, docs []models.Document) (bool, error) {
	o := r.o
	var results []*models.ProcessedResult
	failed := 0
	for _, doc := range docs {
		res, err := r.transform(ctx, doc)
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			failed++
			r.log.Warn("document transform failed", zap.String("document_id", doc.ID), zap.Error(err))
			continue
		}
		results = append(results, res)
	}

	written := o.storageWrite(ctx, r.fanout, results)
	if ctx.Err() != nil {
		// nothing recorded yet; the chunk is replayed by whoever claims the job next
		return true, nil
	}

	processed := len(written.Persisted)
	failed += len(written.Unpersisted)
	stats := written.Statistics
	if stats == nil {
		stats = map[string]int64{}
	}
	if processed > 0 {
		stats[StatPersisted] += int64(processed)
	}
	if n := len(docs) - len(results); n > 0 {
		stats[StatTransformFailures] += int64(n)
	}

	err := o.registry.UpdateProgress(ctx, r.job.ID, repository.ProgressUpdate{
		Processed:  processed,
		Failed:     failed,
		Statistics: stats,
		WorkerID:   r.workerID,
	})
	if err != nil {
		return false, err
	}

	before := r.offset
	r.offset += len(docs)
	r.lastDoc = docs[len(docs)-1].ID
	r.out.Processed += processed
	r.out.Failed += failed
	o.metrics.AddDocuments(processed, failed)

	if r.offset/r.interval > before/r.interval {
		r.saveCheckpoint(ctx)
		job := *r.job
		job.ProcessedDocuments = r.job.ProcessedDocuments + r.out.Processed
		job.FailedDocuments = r.job.FailedDocuments + r.out.Failed
		r.emit(ctx, events.JobProgress, &job, map[string]any{"checkpoint_offset": r.offset})
	}
	return false, nil
}

func (r *run) transform(ctx context.Context, doc models.Document) (res *models.ProcessedResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			res, err = nil, fmt.Errorf("transformer panicked: %v", p)
		}
	}()
	res, err = r.o.transformer.Transform(ctx, doc)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, errors.New("transformer returned no result")
	}
	res.JobID = r.job.ID
	if res.DocumentID == "" {
		res.DocumentID = doc.ID
	}
	if res.ProcessedAt.IsZero() {
		res.ProcessedAt = r.o.now().UTC()
	}
	return res, nil
}

func (o *Orchestrator) storageWrite(ctx context.Context, f *storage.Fanout, results []*models.ProcessedResult) storage.Outcome {
	if len(results) == 0 {
		return storage.Outcome{Statistics: map[string]int64{}}
	}
	return f.Write(ctx, results)
}

func (r *run) saveCheckpoint(ctx context.Context) {
	if r.o.checkpoints == nil {
		return
	}
	total := r.job.TotalDocuments
	cp := models.Checkpoint{
		JobID:          r.job.ID,
		ProcessedCount: r.offset,
		LastDocumentID: r.lastDoc,
		TotalCount:     total,
		SavedAt:        r.o.now().UTC(),
		TTL:            r.o.opts.CheckpointTTL,
	}
	if total > 0 {
		cp.ProgressPercent = 100 * float64(r.offset) / float64(total)
	}
	if err := r.o.checkpoints.Save(ctx, cp); err != nil {
		r.o.metrics.IncrementCheckpointErrors()
		r.log.Warn("failed to save checkpoint", zap.Int("processed_count", r.offset), zap.Error(err))
		return
	}
	r.o.metrics.IncrementCheckpointsSaved()
	r.log.Debug("checkpoint saved", zap.Int("processed_count", r.offset))
}

func (r *run) clearCheckpoint(ctx context.Context) {
	if r.o.checkpoints == nil {
		return
	}
	if err := r.o.checkpoints.Clear(ctx, r.job.ID); err != nil {
		r.log.Warn("failed to clear checkpoint", zap.Error(err))
	}
}

// control reacts to the polled status between chunks
func (r *run) control(ctx context.Context, current *models.Job) (bool, Outcome, error) {
	switch current.Status {
	case models.StatusCancelled:
		if current.WorkerID != r.workerID {
			// whoever cleared ownership already reported the cancellation
			return true, r.lost(), nil
		}
		return true, r.cancelled(ctx, current), nil
	case models.StatusPaused:
		if current.WorkerID != r.workerID {
			return true, r.lost(), nil
		}
		return true, r.paused(ctx, current), nil
	case models.StatusRunning:
		if current.WorkerID != r.workerID {
			return true, r.lost(), nil
		}
		return false, Outcome{}, nil
	default:
		r.log.Warn("job left RUNNING outside this worker", zap.String("status", string(current.Status)))
		return true, r.lost(), nil
	}
}

func (r *run) cancelled(ctx context.Context, current *models.Job) Outcome {
	bg := context.WithoutCancel(ctx)
	r.clearCheckpoint(bg)
	r.addElapsed(bg, true)
	r.o.metrics.IncrementCancelledJobs()
	r.log.Info("job cancelled", zap.Int("offset", r.offset))
	r.emit(bg, events.JobCancelled, current, map[string]any{"stopped_at_offset": r.offset})

	if err := r.o.registry.Release(bg, r.job.ID, r.workerID); err != nil {
		r.log.Warn("failed to release cancelled job", zap.Error(err))
	}
	r.out.Status = models.StatusCancelled
	return r.out
}

func (r *run) paused(ctx context.Context, current *models.Job) Outcome {
	bg := context.WithoutCancel(ctx)
	r.saveCheckpoint(bg)
	r.addElapsed(bg, true)
	r.o.metrics.IncrementPausedJobs()
	r.log.Info("job paused", zap.Int("offset", r.offset))
	r.emit(bg, events.JobPaused, current, map[string]any{"checkpoint_offset": r.offset})

	if err := r.o.registry.Release(bg, r.job.ID, r.workerID); err != nil {
		r.log.Warn("failed to release paused job", zap.Error(err))
	}
	// a cancel may have landed between the status poll and the checkpoint save
	if after, err := r.o.registry.Get(bg, r.job.ID); err == nil && after.Status == models.StatusCancelled {
		r.clearCheckpoint(bg)
	}
	r.out.Status = models.StatusPaused
	return r.out
}

func (r *run) lost() Outcome {
	r.log.Warn("job is no longer owned by this worker, stopping")
	r.out.Status = ""
	return r.out
}

// abandon hands the job back without changing its status so another worker can resume it
func (r *run) abandon(ctx context.Context) (Outcome, error) {
	bg := context.WithoutCancel(ctx)
	r.addElapsed(bg, true)
	if err := r.o.registry.Release(bg, r.job.ID, r.workerID); err != nil {
		r.log.Warn("failed to release job on shutdown", zap.Error(err))
	}
	r.log.Info("worker stopping, job released", zap.Int("offset", r.offset))
	r.out.Status = models.StatusRunning
	return r.out, nil
}

func (r *run) addElapsed(ctx context.Context, owned bool) {
	stats := map[string]int64{StatProcessingTimeMS: r.o.now().Sub(r.started).Milliseconds()}
	update := repository.ProgressUpdate{Statistics: stats}
	if owned {
		update.WorkerID = r.workerID
	}
	if err := r.o.registry.UpdateProgress(ctx, r.job.ID, update); err != nil {
		r.log.Warn("failed to record processing time", zap.Error(err))
	}
}

func (r *run) complete(ctx context.Context) (Outcome, error) {
	o := r.o
	stats := map[string]int64{StatProcessingTimeMS: o.now().Sub(r.started).Milliseconds()}
	if err := o.registry.UpdateProgress(ctx, r.job.ID, repository.ProgressUpdate{Statistics: stats, WorkerID: r.workerID}); err != nil {
		return r.handleRegistryError(ctx, err)
	}

	err := o.registry.Transition(ctx, r.job.ID, models.StatusRunning, models.StatusCompleted, repository.RequireOwner(r.workerID))
	if err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			// pause or cancel arrived after the last chunk
			current, gerr := o.registry.Get(ctx, r.job.ID)
			if gerr != nil {
				return r.handleRegistryError(ctx, gerr)
			}
			if stop, out, cerr := r.control(ctx, current); stop {
				return out, cerr
			}
		}
		return r.handleRegistryError(ctx, err)
	}

	r.clearCheckpoint(ctx)
	final, err := o.registry.Get(ctx, r.job.ID)
	if err != nil {
		r.log.Warn("failed to reload completed job", zap.Error(err))
		done := *r.job
		done.Status = models.StatusCompleted
		final = &done
	}
	o.metrics.IncrementCompletedJobs()
	r.log.Info("job completed",
		zap.Int("processed_documents", final.ProcessedDocuments),
		zap.Int("failed_documents", final.FailedDocuments),
		zap.Strings("disabled_backends", r.fanout.Disabled()),
	)
	r.emit(ctx, events.JobCompleted, final, map[string]any{"statistics": final.Statistics})
	r.out.Status = models.StatusCompleted
	return r.out, nil
}

func (r *run) handleRegistryError(ctx context.Context, err error) (Outcome, error) {
	switch {
	case errors.Is(err, repository.ErrLeaseLost):
		return r.lost(), nil
	case ctx.Err() != nil:
		return r.abandon(ctx)
	default:
		return r.fail(ctx, err)
	}
}

// fail marks the job FAILED. The registry may be the thing that broke, so the
// transition gets its own short deadline.
func (r *run) fail(ctx context.Context, cause error) (Outcome, error) {
	o := r.o
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	msg := cause.Error()
	r.log.Error("job failed", zap.Int("offset", r.offset), zap.Error(cause))
	err := o.registry.Transition(bg, r.job.ID, models.StatusRunning, models.StatusFailed,
		repository.RequireOwner(r.workerID), repository.WithErrorMessage(msg))
	if err != nil {
		r.log.Error("failed to mark job as failed", zap.Error(err))
		r.out.Status = ""
		return r.out, fmt.Errorf("job %s failed: %w (marking failed: %v)", r.job.ID, cause, err)
	}

	r.clearCheckpoint(bg)
	o.metrics.IncrementFailedJobs()
	failed := *r.job
	failed.Status = models.StatusFailed
	failed.ErrorMessage = msg
	if reloaded, gerr := o.registry.Get(bg, r.job.ID); gerr == nil {
		failed = *reloaded
	}
	r.emit(bg, events.JobFailed, &failed, nil)
	r.out.Status = models.StatusFailed
	return r.out, fmt.Errorf("job %s failed: %w", r.job.ID, cause)
}

// SettleCancelled reports cancelled jobs whose owner stopped before it could.
// It returns the number of jobs settled.
func (o *Orchestrator) SettleCancelled(ctx context.Context) (int, error) {
	jobs, err := o.registry.SettleCancelled(ctx)
	for _, job := range jobs {
		o.logger.Info("settled cancelled job left by an expired lease", zap.String("job_id", job.ID))
		if o.checkpoints != nil {
			if cerr := o.checkpoints.Clear(ctx, job.ID); cerr != nil {
				o.logger.Warn("failed to clear checkpoint", zap.String("job_id", job.ID), zap.Error(cerr))
			}
		}
		o.metrics.IncrementCancelledJobs()
		if o.publisher != nil {
			o.publisher.Publish(ctx, o.factory.Job(events.JobCancelled, job, map[string]any{"stopped_at_offset": job.Consumed()}))
		}
	}
	return len(jobs), err
}

func (r *run) emit(ctx context.Context, kind string, job *models.Job, extra map[string]any) {
	if r.o.publisher == nil {
		return
	}
	r.o.publisher.Publish(ctx, r.o.factory.Job(kind, job, extra))
}
