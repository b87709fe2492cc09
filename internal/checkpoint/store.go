// Package checkpoint persists per-job resumption markers with a time-to-live.
//
// Checkpoints are a recovery aid only. The job registry's counters stay
// authoritative, so callers treat every Save failure as non-fatal.
package checkpoint

import (
	"context"
	"time"

	"docbatch/internal/models"
)

// DefaultTTL applies when neither the checkpoint nor the store sets one
const DefaultTTL = 24 * time.Hour

// Store saves, loads and clears job checkpoints
type Store interface {
	// Save overwrites the checkpoint for cp.JobID
	Save(ctx context.Context, cp models.Checkpoint) error
	// Load returns nil, nil when no checkpoint exists
	Load(ctx context.Context, jobID string) (*models.Checkpoint, error)
	Clear(ctx context.Context, jobID string) error
	Close() error
}

func effectiveTTL(cp models.Checkpoint, fallback time.Duration) time.Duration {
	if cp.TTL > 0 {
		return cp.TTL
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultTTL
}
