package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/meilisearch/meilisearch-go"

	"docbatch/internal/config"
	"docbatch/internal/models"
)

const meiliPrimaryKey = "id"

// MeilisearchBackend adds results to an index and waits for the indexing task
type MeilisearchBackend struct {
	cfg          config.MeilisearchConfig
	client       meilisearch.ServiceManager
	pollInterval time.Duration
}

func NewMeilisearchBackend(cfg config.MeilisearchConfig) *MeilisearchBackend {
	return &MeilisearchBackend{
		cfg:          cfg,
		client:       meilisearch.New(cfg.Host, meilisearch.WithAPIKey(cfg.APIKey)),
		pollInterval: 50 * time.Millisecond,
	}
}

func (b *MeilisearchBackend) Name() string { return "meilisearch" }

func (b *MeilisearchBackend) Initialize(context.Context) error {
	if _, err := b.client.Health(); err != nil {
		return fmt.Errorf("meilisearch health check failed: %w", err)
	}
	return nil
}

// meiliID maps job and document IDs onto the characters Meilisearch accepts in a primary key
func meiliID(r *models.ProcessedResult) string {
	return strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			return c
		default:
			return '_'
		}
	}, r.JobID+"__"+r.DocumentID)
}

// SaveBatch is all-or-nothing: Meilisearch reports task failures for the whole batch
func (b *MeilisearchBackend) SaveBatch(ctx context.Context, results []*models.ProcessedResult) Report {
	docs := make([]map[string]any, 0, len(results))
	for _, r := range results {
		doc := r.Record()
		doc[meiliPrimaryKey] = meiliID(r)
		docs = append(docs, doc)
	}

	pk := meiliPrimaryKey
	info, err := b.client.Index(b.cfg.Index).AddDocuments(docs, &meilisearch.DocumentOptions{PrimaryKey: &pk})
	if err != nil {
		return AllFailed(results, fmt.Errorf("meilisearch add documents error: %w", err))
	}

	if err := ctx.Err(); err != nil {
		return AllFailed(results, err)
	}
	task, err := b.client.WaitForTask(info.TaskUID, b.pollInterval)
	if err != nil {
		return AllFailed(results, fmt.Errorf("meilisearch wait for task error: %w", err))
	}
	if task.Status != meilisearch.TaskStatusSucceeded {
		return AllFailed(results, fmt.Errorf("meilisearch task %d ended %s: %s", info.TaskUID, task.Status, task.Error.Message))
	}
	return Report{}
}

func (b *MeilisearchBackend) Close() error { return nil }
