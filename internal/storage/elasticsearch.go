package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"

	"docbatch/internal/config"
	"docbatch/internal/models"
)

// ElasticsearchBackend indexes results with the bulk API, using job_id:document_id as _id
type ElasticsearchBackend struct {
	client  *elasticsearch.Client
	index   string
	refresh string
}

func NewElasticsearchBackend(cfg config.ElasticsearchConfig) (*ElasticsearchBackend, error) {
	esCfg := elasticsearch.Config{Addresses: cfg.Addresses}
	if cfg.Username != "" {
		esCfg.Username = cfg.Username
		esCfg.Password = cfg.Password
	}
	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	refresh := cfg.Refresh
	if refresh == "" {
		refresh = "false"
	}
	return &ElasticsearchBackend{client: client, index: cfg.Index, refresh: refresh}, nil
}

func (b *ElasticsearchBackend) Name() string { return "elasticsearch" }

func (b *ElasticsearchBackend) Initialize(ctx context.Context) error {
	res, err := b.client.Info(b.client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to connect to elasticsearch: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch connection error: %s", res.Status())
	}
	return nil
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

func documentKey(r *models.ProcessedResult) string {
	return r.JobID + ":" + r.DocumentID
}

func (b *ElasticsearchBackend) SaveBatch(ctx context.Context, results []*models.ProcessedResult) Report {
	failed := map[string]error{}
	byKey := make(map[string]string, len(results))

	var body bytes.Buffer
	for _, r := range results {
		doc, err := json.Marshal(r.Record())
		if err != nil {
			failed[r.DocumentID] = fmt.Errorf("failed to encode record: %w", err)
			continue
		}
		key := documentKey(r)
		meta, _ := json.Marshal(map[string]any{"index": map[string]any{"_id": key}})
		body.Write(meta)
		body.WriteByte('\n')
		body.Write(doc)
		body.WriteByte('\n')
		byKey[key] = r.DocumentID
	}
	if len(byKey) == 0 {
		return Report{Failed: failed}
	}

	res, err := b.client.Bulk(
		bytes.NewReader(body.Bytes()),
		b.client.Bulk.WithContext(ctx),
		b.client.Bulk.WithIndex(b.index),
		b.client.Bulk.WithRefresh(b.refresh),
	)
	if err != nil {
		return AllFailed(results, fmt.Errorf("bulk request failed: %w", err))
	}
	defer res.Body.Close()
	if res.IsError() {
		return AllFailed(results, fmt.Errorf("bulk request rejected: %s", res.Status()))
	}

	var parsed bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return AllFailed(results, fmt.Errorf("failed to decode bulk response: %w", err))
	}
	if !parsed.Errors {
		return Report{Failed: failed}
	}
	for _, item := range parsed.Items {
		for _, op := range item {
			if op.Error == nil && op.Status < 300 {
				continue
			}
			docID, ok := byKey[op.ID]
			if !ok {
				continue
			}
			reason := fmt.Sprintf("status %d", op.Status)
			if op.Error != nil {
				reason = op.Error.Type + ": " + op.Error.Reason
			}
			failed[docID] = fmt.Errorf("elasticsearch rejected document: %s", reason)
		}
	}
	return Report{Failed: failed}
}

func (b *ElasticsearchBackend) Close() error { return nil }
