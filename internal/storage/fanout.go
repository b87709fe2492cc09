package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"docbatch/internal/config"
	"docbatch/internal/events"
	"docbatch/internal/models"
)

// RetryPolicy bounds the retries of one backend for one chunk
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Timeout bounds a single SaveBatch attempt
	Timeout time.Duration
}

// RetryPolicyFromConfig converts the configured retry settings
func RetryPolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		Timeout:         cfg.Timeout,
	}
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

// Statistic names recorded on the job
func statFailures(name string) string { return "storage." + name + ".failures" }
func statDisabled(name string) string { return "storage." + name + ".disabled" }
func statWritten(name string) string  { return "storage." + name + ".written" }

const StatUnpersisted = "storage.unpersisted"

// Outcome is the result of writing one chunk
type Outcome struct {
	// Persisted holds results accepted by at least one backend
	Persisted []*models.ProcessedResult
	// Unpersisted holds results every enabled backend rejected
	Unpersisted []*models.ProcessedResult
	// Statistics are counter deltas for the job
	Statistics map[string]int64
}

// Fanout writes the chunks of one job run. It is not safe for concurrent Write calls.
type Fanout struct {
	jobID    string
	active   []Backend
	disabled map[string]bool
	retry    RetryPolicy
	emitter  events.Emitter
	factory  events.Factory
	logger   *zap.Logger
}

// ForJob prepares a fan-out over the job's enabled backends. Backends this
// process could not initialize start out disabled.
func (m *Manager) ForJob(jobID string, names []string, emitter events.Emitter, factory events.Factory) (*Fanout, map[string]int64) {
	f := &Fanout{
		jobID:    jobID,
		disabled: make(map[string]bool),
		retry:    m.retry,
		emitter:  emitter,
		factory:  factory,
		logger:   m.logger.With(zap.String("job_id", jobID)),
	}
	stats := map[string]int64{}
	for _, name := range names {
		b, ok := m.lookup(name)
		if !ok {
			f.logger.Error("storage backend not available in this worker, skipping for job", zap.String("backend", name))
			f.disabled[name] = true
			stats[statDisabled(name)] = 1
			continue
		}
		f.active = append(f.active, b)
	}
	return f, stats
}

// Enabled reports whether the job asked for any backend at all
func (f *Fanout) Enabled() bool {
	return len(f.active) > 0 || len(f.disabled) > 0
}

// Disabled lists the backends skipped for the rest of this run
func (f *Fanout) Disabled() []string {
	var names []string
	for n := range f.disabled {
		names = append(names, n)
	}
	return names
}

// Write saves the chunk to every active backend in parallel. A result counts
// as persisted once any backend accepted it; with no backends configured every
// result counts as persisted. Backends that still fail after retries are
// disabled for the rest of the run.
func (f *Fanout) Write(ctx context.Context, results []*models.ProcessedResult) Outcome {
	out := Outcome{Statistics: map[string]int64{}}
	if len(results) == 0 {
		return out
	}

	if !f.Enabled() {
		out.Persisted = results
		f.emit(ctx, results, map[string][]string{})
		return out
	}

	var mu sync.Mutex
	failures := make(map[string]map[string]error, len(f.active))
	var g errgroup.Group
	for _, b := range f.active {
		g.Go(func() error {
			failed := f.writeBackend(ctx, b, results)
			mu.Lock()
			failures[b.Name()] = failed
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	var stillActive []Backend
	for _, b := range f.active {
		name := b.Name()
		failed := failures[name]
		out.Statistics[statWritten(name)] += int64(len(results) - len(failed))
		if len(failed) == 0 {
			stillActive = append(stillActive, b)
			continue
		}
		out.Statistics[statFailures(name)] += int64(len(failed))
		out.Statistics[statDisabled(name)] = 1
		f.disabled[name] = true
		f.logger.Error("storage backend exhausted retries, disabling for the rest of the job",
			zap.String("backend", name),
			zap.Int("failed_documents", len(failed)),
		)
	}
	f.active = stillActive

	persistedBy := make(map[string][]string, len(results))
	for _, r := range results {
		var backends []string
		for name, failed := range failures {
			if _, bad := failed[r.DocumentID]; !bad {
				backends = append(backends, name)
			}
		}
		if len(backends) == 0 {
			out.Unpersisted = append(out.Unpersisted, r)
			continue
		}
		persistedBy[r.DocumentID] = backends
		out.Persisted = append(out.Persisted, r)
	}
	if len(out.Unpersisted) > 0 {
		out.Statistics[StatUnpersisted] += int64(len(out.Unpersisted))
	}

	f.emit(ctx, out.Persisted, persistedBy)
	return out
}

func (f *Fanout) emit(ctx context.Context, persisted []*models.ProcessedResult, persistedBy map[string][]string) {
	if f.emitter == nil {
		return
	}
	for _, r := range persisted {
		f.emitter.Publish(ctx, f.factory.Document(events.DocumentCleaned, r, persistedBy[r.DocumentID]))
	}
}

// writeBackend retries only the documents that failed on the previous attempt
// and returns those still failing once the policy is exhausted.
func (f *Fanout) writeBackend(ctx context.Context, b Backend, results []*models.ProcessedResult) map[string]error {
	pending := results
	var lastFailed map[string]error

	op := func() (struct{}, error) {
		attemptCtx := ctx
		if f.retry.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, f.retry.Timeout)
			defer cancel()
		}

		report := safeSave(attemptCtx, b, pending)
		if report.OK() {
			pending = nil
			lastFailed = nil
			return struct{}{}, nil
		}

		next := make([]*models.ProcessedResult, 0, len(report.Failed))
		for _, r := range pending {
			if _, bad := report.Failed[r.DocumentID]; bad {
				next = append(next, r)
			}
		}
		if len(next) == 0 {
			pending = nil
			lastFailed = nil
			return struct{}{}, nil
		}
		pending = next
		lastFailed = report.Failed
		return struct{}{}, fmt.Errorf("%d of %d documents failed", len(report.Failed), len(results))
	}

	maxAttempts := f.retry.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(f.retry.backOff()),
		backoff.WithMaxTries(maxAttempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			f.logger.Warn("storage write failed, retrying",
				zap.String("backend", b.Name()),
				zap.Duration("backoff", next),
				zap.Error(err),
			)
		}),
	)
	if err == nil {
		return nil
	}
	if lastFailed == nil {
		return AllFailed(pending, err).Failed
	}
	failed := make(map[string]error, len(pending))
	for _, r := range pending {
		failed[r.DocumentID] = lastFailed[r.DocumentID]
	}
	return failed
}

func safeSave(ctx context.Context, b Backend, results []*models.ProcessedResult) (report Report) {
	defer func() {
		if r := recover(); r != nil {
			report = AllFailed(results, fmt.Errorf("backend %s panicked: %v", b.Name(), r))
		}
	}()
	report = b.SaveBatch(ctx, results)
	for id := range report.Failed {
		if report.Failed[id] == nil {
			report.Failed[id] = fmt.Errorf("backend %s rejected document %s", b.Name(), id)
		}
	}
	return report
}
