package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"docbatch/internal/config"
)

func TestJSONLBackendAppendsDailyFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	b := NewJSONLBackend(dir, "cleaned")
	b.now = func() time.Time { return time.Date(2024, 3, 9, 23, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	require.NoError(t, b.Initialize(ctx))

	require.True(t, b.SaveBatch(ctx, results("job-1", 3)).OK())
	require.True(t, b.SaveBatch(ctx, results("job-2", 2)).OK())

	path := filepath.Join(dir, "cleaned-2024-03-09.jsonl")
	assert.Equal(t, path, b.Path(b.now()))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		lines = append(lines, rec)
	}
	require.Len(t, lines, 5)
	assert.Equal(t, "job-1", lines[0]["job_id"])
	assert.Equal(t, "doc-0", lines[0]["document_id"])
	assert.Equal(t, "clean", lines[0]["text"])
	assert.Equal(t, "job-2", lines[4]["job_id"])
}

func TestJSONLBackendUnwritableDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	b := NewJSONLBackend(file, "")
	assert.Error(t, b.Initialize(context.Background()))
	report := b.SaveBatch(context.Background(), results("job-1", 2))
	assert.Len(t, report.Failed, 2)
}

func TestSQLBackendUpserts(t *testing.T) {
	b := NewSQLBackend("sqlite3", filepath.Join(t.TempDir(), "out.db"), 1)
	ctx := context.Background()
	require.NoError(t, b.Initialize(ctx))
	defer b.Close()

	require.True(t, b.SaveBatch(ctx, results("job-1", 4)).OK())
	// replaying a chunk after a crash must not duplicate rows
	require.True(t, b.SaveBatch(ctx, results("job-1", 4)).OK())

	var n int
	require.NoError(t, b.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_documents WHERE job_id = ?`, "job-1").Scan(&n))
	assert.Equal(t, 4, n)

	var payload string
	require.NoError(t, b.DB().QueryRowContext(ctx,
		`SELECT payload FROM processed_documents WHERE job_id = ? AND document_id = ?`, "job-1", "doc-2").Scan(&payload))
	assert.JSONEq(t, `{"text":"clean"}`, payload)
}

func TestSQLBackendNotInitialized(t *testing.T) {
	b := NewSQLBackend("sqlite3", "unused", 1)
	assert.Len(t, b.SaveBatch(context.Background(), results("job-1", 2)).Failed, 2)
	assert.NoError(t, b.Close())
}

func fakeElasticsearch(t *testing.T, bulk func(body string) string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/_bulk") {
			raw, _ := io.ReadAll(r.Body)
			io.WriteString(w, bulk(string(raw)))
			return
		}
		io.WriteString(w, `{"version":{"number":"8.18.0"},"tagline":"You Know, for Search"}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestElasticsearchBackendBulk(t *testing.T) {
	var sent string
	srv := fakeElasticsearch(t, func(body string) string {
		sent = body
		return `{"errors":false,"items":[]}`
	})
	b, err := NewElasticsearchBackend(config.ElasticsearchConfig{Addresses: []string{srv.URL}, Index: "cleaned"})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, b.Initialize(ctx))

	assert.True(t, b.SaveBatch(ctx, results("job-1", 2)).OK())
	lines := strings.Split(strings.TrimSpace(sent), "\n")
	require.Len(t, lines, 4)
	assert.JSONEq(t, `{"index":{"_id":"job-1:doc-0"}}`, lines[0])
	assert.Contains(t, lines[1], `"document_id":"doc-0"`)
}

func TestElasticsearchBackendItemErrors(t *testing.T) {
	srv := fakeElasticsearch(t, func(string) string {
		return `{"errors":true,"items":[
			{"index":{"_id":"job-1:doc-0","status":201}},
			{"index":{"_id":"job-1:doc-1","status":400,"error":{"type":"mapper_parsing_exception","reason":"bad field"}}}
		]}`
	})
	b, err := NewElasticsearchBackend(config.ElasticsearchConfig{Addresses: []string{srv.URL}, Index: "cleaned"})
	require.NoError(t, err)

	report := b.SaveBatch(context.Background(), results("job-1", 2))
	require.Len(t, report.Failed, 1)
	assert.Contains(t, report.Failed["doc-1"].Error(), "mapper_parsing_exception")
}

func TestManagerFromConfigMarksBrokenBackendsUnavailable(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	cfg := config.StorageConfig{
		Retry: config.RetryConfig{MaxAttempts: 1},
		JSONL: config.JSONLConfig{Enabled: true, Dir: file},
		SQL:   config.SQLStorageConfig{Enabled: true, Driver: "sqlite3", DSN: filepath.Join(t.TempDir(), "out.db")},
	}
	reg := DefaultRegistry()
	assert.Equal(t, []string{"jsonl", "sql"}, reg.Configured(cfg))

	m := NewManagerFromConfig(context.Background(), reg, cfg, zaptest.NewLogger(t))
	defer m.Close()
	assert.Equal(t, []string{"sql"}, m.Names())
	assert.Contains(t, m.Unavailable(), "jsonl")
}
