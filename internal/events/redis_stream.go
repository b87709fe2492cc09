package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStreamBackend appends events to a capped redis stream
type RedisStreamBackend struct {
	rc     *redis.Client
	stream string
	maxLen int64
	ttl    time.Duration
}

// NewRedisStreamBackend creates the backend. The client is owned by the caller.
func NewRedisStreamBackend(rc *redis.Client, stream string, maxLen int64, ttl time.Duration) *RedisStreamBackend {
	return &RedisStreamBackend{rc: rc, stream: stream, maxLen: maxLen, ttl: ttl}
}

func (b *RedisStreamBackend) Name() string {
	return "redis_stream"
}

func (b *RedisStreamBackend) Publish(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to encode event data: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]interface{}{
			"id":              event.ID,
			"type":            event.Type,
			"source":          event.Source,
			"specversion":     event.SpecVersion,
			"time":            event.Time.Format(time.RFC3339Nano),
			"datacontenttype": event.DataContentType,
			"subject":         event.Subject,
			"data":            string(data),
		},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}

	if err := b.rc.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to append to stream %s: %w", b.stream, err)
	}

	if b.ttl > 0 {
		ttl, err := b.rc.TTL(ctx, b.stream).Result()
		if err == nil && ttl == -1 {
			b.rc.Expire(ctx, b.stream, b.ttl)
		}
	}
	return nil
}

func (b *RedisStreamBackend) Health(ctx context.Context) error {
	return b.rc.Ping(ctx).Err()
}

func (b *RedisStreamBackend) Close() error {
	return nil
}
