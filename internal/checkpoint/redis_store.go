package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"docbatch/internal/models"
)

// RedisStore keeps checkpoints as JSON strings with an expiry
type RedisStore struct {
	rc     *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore creates a redis-backed store. The client is owned by the caller.
func NewRedisStore(rc *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{rc: rc, prefix: prefix, ttl: ttl, now: time.Now}
}

func (s *RedisStore) key(jobID string) string {
	return fmt.Sprintf("%s:job:%s:checkpoint", s.prefix, jobID)
}

func (s *RedisStore) Save(ctx context.Context, cp models.Checkpoint) error {
	if cp.SavedAt.IsZero() {
		cp.SavedAt = s.now().UTC()
	}
	ttl := effectiveTTL(cp, s.ttl)
	cp.TTL = ttl

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := s.rc.Set(ctx, s.key(cp.JobID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, jobID string) (*models.Checkpoint, error) {
	data, err := s.rc.Get(ctx, s.key(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var cp models.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	if ttl, err := s.rc.TTL(ctx, s.key(jobID)).Result(); err == nil && ttl > 0 {
		cp.TTL = ttl
	}
	return &cp, nil
}

func (s *RedisStore) Clear(ctx context.Context, jobID string) error {
	if err := s.rc.Del(ctx, s.key(jobID)).Err(); err != nil {
		return fmt.Errorf("failed to clear checkpoint: %w", err)
	}
	return nil
}

// Close is a no-op; the shared client is closed by its owner
func (s *RedisStore) Close() error {
	return nil
}
