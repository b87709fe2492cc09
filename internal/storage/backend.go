// Package storage writes processed results to every backend a job enabled,
// retrying and isolating each backend independently.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"docbatch/internal/config"
	"docbatch/internal/logger"
	"docbatch/internal/models"
)

var ErrUnknownBackend = errors.New("unknown or unavailable storage backend")

// Backend persists batches of processed results
type Backend interface {
	Name() string
	Initialize(ctx context.Context) error
	SaveBatch(ctx context.Context, results []*models.ProcessedResult) Report
	Close() error
}

// Report lists the documents a SaveBatch call failed to persist, keyed by document ID
type Report struct {
	Failed map[string]error
}

// OK reports whether every document was persisted
func (r Report) OK() bool {
	return len(r.Failed) == 0
}

// AllFailed marks every result as failed with err
func AllFailed(results []*models.ProcessedResult, err error) Report {
	failed := make(map[string]error, len(results))
	for _, r := range results {
		failed[r.DocumentID] = err
	}
	return Report{Failed: failed}
}

// Registration binds a backend identifier to its constructor
type Registration struct {
	Enabled func(cfg config.StorageConfig) bool
	New     func(cfg config.StorageConfig, log *zap.Logger) (Backend, error)
}

// Registry maps backend identifiers to constructors
type Registry struct {
	entries map[string]Registration
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Registration)}
}

// DefaultRegistry knows every backend shipped with docbatch
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("jsonl", Registration{
		Enabled: func(cfg config.StorageConfig) bool { return cfg.JSONL.Enabled },
		New: func(cfg config.StorageConfig, _ *zap.Logger) (Backend, error) {
			return NewJSONLBackend(cfg.JSONL.Dir, cfg.JSONL.Prefix), nil
		},
	})
	r.Register("sql", Registration{
		Enabled: func(cfg config.StorageConfig) bool { return cfg.SQL.Enabled },
		New: func(cfg config.StorageConfig, _ *zap.Logger) (Backend, error) {
			return NewSQLBackend(cfg.SQL.Driver, cfg.SQL.DSN, cfg.SQL.MaxOpen), nil
		},
	})
	r.Register("elasticsearch", Registration{
		Enabled: func(cfg config.StorageConfig) bool { return cfg.Elasticsearch.Enabled },
		New: func(cfg config.StorageConfig, _ *zap.Logger) (Backend, error) {
			return NewElasticsearchBackend(cfg.Elasticsearch)
		},
	})
	r.Register("mongodb", Registration{
		Enabled: func(cfg config.StorageConfig) bool { return cfg.MongoDB.Enabled },
		New: func(cfg config.StorageConfig, _ *zap.Logger) (Backend, error) {
			return NewMongoBackend(cfg.MongoDB), nil
		},
	})
	r.Register("meilisearch", Registration{
		Enabled: func(cfg config.StorageConfig) bool { return cfg.Meilisearch.Enabled },
		New: func(cfg config.StorageConfig, _ *zap.Logger) (Backend, error) {
			return NewMeilisearchBackend(cfg.Meilisearch), nil
		},
	})
	return r
}

// Register adds or replaces a backend constructor
func (r *Registry) Register(name string, reg Registration) {
	r.entries[name] = reg
}

// Configured returns the registered identifiers enabled by cfg, sorted
func (r *Registry) Configured(cfg config.StorageConfig) []string {
	var names []string
	for name, reg := range r.entries {
		if reg.Enabled == nil || reg.Enabled(cfg) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Validator checks backend identifiers at submission time
type Validator interface {
	Validate(names []string) error
}

// NameSet validates against a fixed set of identifiers without connecting to anything
type NameSet map[string]struct{}

// NewNameSet builds a NameSet
func NewNameSet(names ...string) NameSet {
	s := make(NameSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

func (s NameSet) Validate(names []string) error {
	return validateNames(names, func(n string) bool {
		_, ok := s[n]
		return ok
	})
}

func validateNames(names []string, known func(string) bool) error {
	var unknown []string
	for _, n := range names {
		if !known(n) {
			unknown = append(unknown, n)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownBackend, strings.Join(unknown, ", "))
	}
	return nil
}

// Manager owns the initialized backends of a worker process
type Manager struct {
	mu          sync.RWMutex
	backends    map[string]Backend
	unavailable map[string]error
	retry       RetryPolicy
	logger      *zap.Logger
}

// NewManager creates a manager with no backends
func NewManager(retry RetryPolicy, log *zap.Logger) *Manager {
	return &Manager{
		backends:    make(map[string]Backend),
		unavailable: make(map[string]error),
		retry:       retry,
		logger:      logger.OrNop(log),
	}
}

// NewManagerFromConfig constructs and initializes every backend enabled in cfg.
// A backend that fails to initialize is logged and marked unavailable.
func NewManagerFromConfig(ctx context.Context, reg *Registry, cfg config.StorageConfig, log *zap.Logger) *Manager {
	m := NewManager(RetryPolicyFromConfig(cfg.Retry), log)
	for _, name := range reg.Configured(cfg) {
		b, err := reg.entries[name].New(cfg, m.logger)
		if err != nil {
			m.markUnavailable(name, err)
			continue
		}
		if err := m.Add(ctx, b); err != nil {
			m.markUnavailable(name, err)
		}
	}
	return m
}

func (m *Manager) markUnavailable(name string, err error) {
	m.logger.Error("storage backend unavailable", zap.String("backend", name), zap.Error(err))
	m.mu.Lock()
	m.unavailable[name] = err
	m.mu.Unlock()
}

// Add initializes b and makes it available to jobs
func (m *Manager) Add(ctx context.Context, b Backend) error {
	if err := b.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize %s: %w", b.Name(), err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backends[b.Name()] = b
	delete(m.unavailable, b.Name())
	m.logger.Info("storage backend initialized", zap.String("backend", b.Name()))
	return nil
}

// Names returns the initialized backend identifiers, sorted
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.backends))
	for n := range m.backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Unavailable returns the backends that failed to initialize with their errors
func (m *Manager) Unavailable() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.unavailable))
	for n, err := range m.unavailable {
		out[n] = err.Error()
	}
	return out
}

func (m *Manager) Validate(names []string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return validateNames(names, func(n string) bool {
		_, ok := m.backends[n]
		return ok
	})
}

func (m *Manager) lookup(name string) (Backend, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.backends[name]
	return b, ok
}

// Close closes every backend
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for name, b := range m.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
