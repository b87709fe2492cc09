package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"docbatch/internal/models"
)

// JSONLBackend appends one JSON record per line to a daily file
type JSONLBackend struct {
	dir    string
	prefix string
	mu     sync.Mutex
	now    func() time.Time
}

// NewJSONLBackend writes to <dir>/<prefix>-YYYY-MM-DD.jsonl
func NewJSONLBackend(dir, prefix string) *JSONLBackend {
	if prefix == "" {
		prefix = "processed"
	}
	return &JSONLBackend{dir: dir, prefix: prefix, now: time.Now}
}

func (b *JSONLBackend) Name() string { return "jsonl" }

func (b *JSONLBackend) Initialize(context.Context) error {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	return nil
}

// Path returns the file a write at t lands in
func (b *JSONLBackend) Path(t time.Time) string {
	return filepath.Join(b.dir, fmt.Sprintf("%s-%s.jsonl", b.prefix, t.UTC().Format("2006-01-02")))
}

// SaveBatch writes the whole batch with a single append followed by fsync.
// Records that cannot be encoded fail individually.
func (b *JSONLBackend) SaveBatch(ctx context.Context, results []*models.ProcessedResult) Report {
	if err := ctx.Err(); err != nil {
		return AllFailed(results, err)
	}

	var buf bytes.Buffer
	failed := map[string]error{}
	var written []*models.ProcessedResult
	for _, r := range results {
		line, err := json.Marshal(r.Record())
		if err != nil {
			failed[r.DocumentID] = fmt.Errorf("failed to encode record: %w", err)
			continue
		}
		buf.Write(line)
		buf.WriteByte('\n')
		written = append(written, r)
	}
	if buf.Len() == 0 {
		return Report{Failed: failed}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := os.OpenFile(b.Path(b.now()), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return AllFailed(results, fmt.Errorf("failed to open output file: %w", err))
	}
	defer f.Close()

	if _, err := f.Write(buf.Bytes()); err != nil {
		for id, e := range AllFailed(written, fmt.Errorf("failed to write: %w", err)).Failed {
			failed[id] = e
		}
		return Report{Failed: failed}
	}
	if err := f.Sync(); err != nil {
		for id, e := range AllFailed(written, fmt.Errorf("failed to sync: %w", err)).Failed {
			failed[id] = e
		}
	}
	return Report{Failed: failed}
}

func (b *JSONLBackend) Close() error { return nil }
