package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"docbatch/internal/checkpoint"
	"docbatch/internal/config"
	"docbatch/internal/models"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Database.DSN = filepath.Join(t.TempDir(), "registry.db")
	return cfg
}

func TestSetupWithRedisCheckpoints(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis.Addr = mr.Addr()
	ctx := context.Background()

	deps, err := Setup(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer deps.Close()

	require.IsType(t, &checkpoint.RedisStore{}, deps.Checkpoints)
	require.NoError(t, deps.Checkpoints.Save(ctx, models.Checkpoint{JobID: "j1", ProcessedCount: 3}))
	assert.True(t, mr.Exists("docbatch:job:j1:checkpoint"))
	require.NoError(t, deps.Registry.Ping(ctx))
	assert.Equal(t, "docbatch/cleaning-stage", deps.Factory.Source)
}

func TestSetupWithMemoryCheckpoints(t *testing.T) {
	cfg := testConfig(t)
	cfg.Checkpoint.Backend = "memory"
	cfg.Redis.Addr = "127.0.0.1:1"

	deps, err := Setup(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Nil(t, deps.Redis, "redis is not dialed when nothing needs it")
	assert.IsType(t, &checkpoint.MemoryStore{}, deps.Checkpoints)
	assert.NoError(t, deps.Close())
}

func TestSetupFailsWithoutRedis(t *testing.T) {
	cfg := testConfig(t)
	cfg.Redis.Addr = "127.0.0.1:1"

	_, err := Setup(context.Background(), cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}
