package checkpoint

import (
	"context"
	"sync"
	"time"

	"docbatch/internal/models"
)

type memoryItem struct {
	cp        models.Checkpoint
	expiresAt time.Time
}

// MemoryStore is an in-process Store for single-host deployments
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	ttl   time.Duration
	now   func() time.Time
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		items: make(map[string]memoryItem),
		ttl:   ttl,
		now:   time.Now,
	}
}

func (s *MemoryStore) Save(_ context.Context, cp models.Checkpoint) error {
	now := s.now()
	if cp.SavedAt.IsZero() {
		cp.SavedAt = now.UTC()
	}
	cp.TTL = effectiveTTL(cp, s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[cp.JobID] = memoryItem{cp: cp, expiresAt: now.Add(cp.TTL)}
	return nil
}

func (s *MemoryStore) Load(_ context.Context, jobID string) (*models.Checkpoint, error) {
	s.mu.RLock()
	item, ok := s.items[jobID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	if !s.now().Before(item.expiresAt) {
		s.mu.Lock()
		if current, ok := s.items[jobID]; ok && current.expiresAt.Equal(item.expiresAt) {
			delete(s.items, jobID)
		}
		s.mu.Unlock()
		return nil, nil
	}

	cp := item.cp
	return &cp, nil
}

func (s *MemoryStore) Clear(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, jobID)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
