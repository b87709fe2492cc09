package commands

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docbatch/internal/models"
)

func execute(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--server", server}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestSubmitCommand(t *testing.T) {
	var got models.SubmitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(models.NewSummary(&models.Job{ID: "job-1", BatchID: got.BatchID, Status: models.StatusQueued, TotalDocuments: len(got.Documents)}))
	}))
	defer srv.Close()

	input := filepath.Join(t.TempDir(), "docs.jsonl")
	require.NoError(t, os.WriteFile(input, []byte(`{"document_id":"a","text":"x"}`+"\n"+`{"document_id":"b","text":"y"}`+"\n"), 0o644))

	out, err := execute(t, srv.URL, "submit", "--file", input, "--batch-id", "nightly", "--checkpoint-interval", "5", "--backend", "sql", "--backend", "jsonl")
	require.NoError(t, err)

	assert.Equal(t, "nightly", got.BatchID)
	assert.Equal(t, 5, got.CheckpointInterval)
	assert.Equal(t, []string{"sql", "jsonl"}, got.EnabledBackends)
	assert.Len(t, got.Documents, 2)
	assert.Contains(t, out, "job-1")
	assert.Contains(t, out, "QUEUED")
}

func TestSubmitNoStorageSendsEmptyBackends(t *testing.T) {
	var raw map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(models.NewSummary(&models.Job{ID: "job-2", Status: models.StatusQueued}))
	}))
	defer srv.Close()

	input := filepath.Join(t.TempDir(), "docs.jsonl")
	require.NoError(t, os.WriteFile(input, []byte(`{"document_id":"a","text":"x"}`+"\n"), 0o644))

	_, err := execute(t, srv.URL, "submit", "-f", input, "--no-storage")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(raw["enabled_backends"]))
}

func TestSubmitRequiresFile(t *testing.T) {
	_, err := execute(t, "http://127.0.0.1:1", "submit")
	assert.Error(t, err)
}

func TestControlCommandReportsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"invalid job state transition"}`))
	}))
	defer srv.Close()

	_, err := execute(t, srv.URL, "cancel", "job-1")
	assert.ErrorContains(t, err, "409")
}

func TestStatusCommandJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/jobs/job-1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(models.NewSummary(&models.Job{ID: "job-1", Status: models.StatusCompleted, TotalDocuments: 4, ProcessedDocuments: 4}))
	}))
	defer srv.Close()

	out, err := execute(t, srv.URL, "status", "job-1", "-o", "json")
	require.NoError(t, err)

	var summary map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, "COMPLETED", summary["status"])
	assert.EqualValues(t, 100, summary["progress_percent"])
}
