package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docbatch/internal/models"
)

func testStoreContract(t *testing.T, store Store) {
	ctx := context.Background()

	cp, err := store.Load(ctx, "job-1")
	require.NoError(t, err)
	assert.Nil(t, cp)

	require.NoError(t, store.Save(ctx, models.Checkpoint{
		JobID:          "job-1",
		ProcessedCount: 10,
		LastDocumentID: "doc-009",
		TotalCount:     100,
	}))
	require.NoError(t, store.Save(ctx, models.Checkpoint{
		JobID:          "job-1",
		ProcessedCount: 20,
		LastDocumentID: "doc-019",
		TotalCount:     100,
	}))

	cp, err = store.Load(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 20, cp.ProcessedCount)
	assert.Equal(t, "doc-019", cp.LastDocumentID)
	assert.False(t, cp.SavedAt.IsZero())
	assert.Positive(t, cp.TTL)

	require.NoError(t, store.Clear(ctx, "job-1"))
	cp, err = store.Load(ctx, "job-1")
	require.NoError(t, err)
	assert.Nil(t, cp)

	require.NoError(t, store.Clear(ctx, "never-saved"))
}

func TestMemoryStore(t *testing.T) {
	testStoreContract(t, NewMemoryStore(time.Hour))
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	now := time.Now()
	store.now = func() time.Time { return now }

	require.NoError(t, store.Save(context.Background(), models.Checkpoint{JobID: "job-1", ProcessedCount: 5}))

	store.now = func() time.Time { return now.Add(2 * time.Minute) }
	cp, err := store.Load(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rc.Close() })
	return mr, rc
}

func TestRedisStore(t *testing.T) {
	_, rc := newMiniRedis(t)
	testStoreContract(t, NewRedisStore(rc, "docbatch", time.Hour))
}

func TestRedisStoreKeyAndTTL(t *testing.T) {
	mr, rc := newMiniRedis(t)
	store := NewRedisStore(rc, "docbatch", time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, models.Checkpoint{JobID: "job-1", ProcessedCount: 10, TTL: 30 * time.Minute}))
	assert.True(t, mr.Exists("docbatch:job:job-1:checkpoint"))
	assert.Equal(t, 30*time.Minute, mr.TTL("docbatch:job:job-1:checkpoint"))

	mr.FastForward(31 * time.Minute)
	cp, err := store.Load(ctx, "job-1")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestRedisStoreUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rc.Close()
	store := NewRedisStore(rc, "docbatch", time.Hour)
	mr.Close()

	err = store.Save(context.Background(), models.Checkpoint{JobID: "job-1"})
	assert.Error(t, err)
	_, err = store.Load(context.Background(), "job-1")
	assert.Error(t, err)
}
