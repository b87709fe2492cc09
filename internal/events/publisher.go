package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"docbatch/internal/logger"
)

// Backend delivers events to one destination
type Backend interface {
	Name() string
	Publish(ctx context.Context, event *Event) error
	Health(ctx context.Context) error
	Close() error
}

// Emitter is what producers of events depend on
type Emitter interface {
	Publish(ctx context.Context, event *Event)
}

// Options configures a Publisher
type Options struct {
	Enabled bool
	// Types restricts delivery to these kinds ("job.completed") or full types. Empty means all.
	Types   []string
	Timeout time.Duration
}

// BackendStats are per-backend delivery counters
type BackendStats struct {
	Success int64  `json:"success"`
	Failure int64  `json:"failure"`
	State   string `json:"state"`
}

// Stats is a snapshot of publisher counters
type Stats struct {
	Total     int64                   `json:"total_events"`
	Published int64                   `json:"successful_events"`
	Failed    int64                   `json:"failed_events"`
	Filtered  int64                   `json:"filtered_events"`
	Backends  map[string]BackendStats `json:"backends"`
}

type guardedBackend struct {
	Backend
	cb *gobreaker.CircuitBreaker
}

// Publisher fans events out to every backend and never reports delivery failures
type Publisher struct {
	enabled  bool
	types    map[string]struct{}
	timeout  time.Duration
	backends []*guardedBackend
	logger   *zap.Logger

	mu       sync.Mutex
	total    int64
	ok       int64
	failed   int64
	filtered int64
	perSink  map[string]*BackendStats
}

// NewPublisher wraps every backend in its own circuit breaker
func NewPublisher(opts Options, log *zap.Logger, backends ...Backend) *Publisher {
	log = logger.OrNop(log)
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	p := &Publisher{
		enabled: opts.Enabled,
		timeout: timeout,
		logger:  log,
		perSink: make(map[string]*BackendStats),
	}
	if len(opts.Types) > 0 {
		p.types = make(map[string]struct{}, len(opts.Types))
		for _, t := range opts.Types {
			p.types[t] = struct{}{}
		}
	}

	for _, b := range backends {
		name := b.Name()
		p.backends = append(p.backends, &guardedBackend{
			Backend: b,
			cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:        "events-" + name,
				MaxRequests: 1,
				Interval:    time.Minute,
				Timeout:     30 * time.Second,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
					return counts.Requests >= 3 && failureRatio >= 0.6
				},
				OnStateChange: func(name string, from, to gobreaker.State) {
					log.Warn("event backend circuit changed state",
						zap.String("backend", name),
						zap.String("from", from.String()),
						zap.String("to", to.String()),
					)
				},
			}),
		})
		p.perSink[name] = &BackendStats{}
	}

	return p
}

// Enabled reports whether events are delivered at all
func (p *Publisher) Enabled() bool {
	return p != nil && p.enabled
}

func (p *Publisher) accepts(e *Event) bool {
	if p.types == nil {
		return true
	}
	if _, ok := p.types[e.Type]; ok {
		return true
	}
	_, ok := p.types[e.Kind()]
	return ok
}

// Publish delivers the event to all backends. Failures are logged and counted only.
func (p *Publisher) Publish(ctx context.Context, event *Event) {
	if !p.Enabled() || event == nil {
		return
	}
	if !p.accepts(event) {
		p.mu.Lock()
		p.filtered++
		p.mu.Unlock()
		return
	}

	var wg sync.WaitGroup
	results := make([]error, len(p.backends))
	for i, b := range p.backends {
		wg.Add(1)
		go func(i int, b *guardedBackend) {
			defer wg.Done()
			results[i] = p.deliver(ctx, b, event)
		}(i, b)
	}
	wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.total++
	delivered := len(p.backends) == 0
	for i, b := range p.backends {
		stats := p.perSink[b.Name()]
		if results[i] == nil {
			stats.Success++
			delivered = true
			continue
		}
		stats.Failure++
		p.logger.Warn("failed to publish event",
			zap.String("backend", b.Name()),
			zap.String("event_type", event.Type),
			zap.String("event_id", event.ID),
			zap.String("job_id", event.JobID()),
			zap.Error(results[i]),
		)
	}
	if delivered {
		p.ok++
	} else {
		p.failed++
	}
}

func (p *Publisher) deliver(ctx context.Context, b *guardedBackend, event *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("backend panicked: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err = b.cb.Execute(func() (interface{}, error) {
		return nil, b.Publish(ctx, event)
	})
	return err
}

// Stats returns a snapshot of the delivery counters
func (p *Publisher) Stats() Stats {
	if p == nil {
		return Stats{Backends: map[string]BackendStats{}}
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Total:     p.total,
		Published: p.ok,
		Failed:    p.failed,
		Filtered:  p.filtered,
		Backends:  make(map[string]BackendStats, len(p.backends)),
	}
	for _, b := range p.backends {
		bs := *p.perSink[b.Name()]
		bs.State = b.cb.State().String()
		s.Backends[b.Name()] = bs
	}
	return s
}

// Health checks every backend and returns "ok" or the failure per backend
func (p *Publisher) Health(ctx context.Context) map[string]string {
	health := map[string]string{}
	if p == nil {
		return health
	}
	for _, b := range p.backends {
		if b.cb.State() == gobreaker.StateOpen {
			health[b.Name()] = "circuit open"
			continue
		}
		if err := b.Health(ctx); err != nil {
			health[b.Name()] = err.Error()
			continue
		}
		health[b.Name()] = "ok"
	}
	return health
}

// Close closes every backend
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	var firstErr error
	for _, b := range p.backends {
		if err := b.Close(); err != nil {
			p.logger.Warn("failed to close event backend", zap.String("backend", b.Name()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
