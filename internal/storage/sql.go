package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"docbatch/internal/models"
	"docbatch/internal/repository"
)

const processedSchema = `CREATE TABLE IF NOT EXISTS processed_documents (
	job_id       TEXT NOT NULL,
	document_id  TEXT NOT NULL,
	payload      TEXT NOT NULL,
	processed_at BIGINT NOT NULL,
	PRIMARY KEY (job_id, document_id)
)`

const upsertProcessed = `INSERT INTO processed_documents (job_id, document_id, payload, processed_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (job_id, document_id) DO UPDATE SET
	payload = excluded.payload,
	processed_at = excluded.processed_at`

// SQLBackend upserts results into processed_documents on sqlite3 or postgres
type SQLBackend struct {
	driver  string
	dsn     string
	maxOpen int
	db      *sql.DB
}

func NewSQLBackend(driver, dsn string, maxOpen int) *SQLBackend {
	return &SQLBackend{driver: driver, dsn: dsn, maxOpen: maxOpen}
}

func (b *SQLBackend) Name() string { return "sql" }

func (b *SQLBackend) Initialize(ctx context.Context) error {
	db, err := repository.Open(ctx, repository.Options{Driver: b.driver, DSN: b.dsn, MaxOpenConns: b.maxOpen})
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, processedSchema); err != nil {
		db.Close()
		return fmt.Errorf("failed to create processed_documents: %w", err)
	}
	b.db = db
	return nil
}

// SaveBatch writes the batch in one transaction, so a failed commit fails every record
func (b *SQLBackend) SaveBatch(ctx context.Context, results []*models.ProcessedResult) Report {
	if b.db == nil {
		return AllFailed(results, fmt.Errorf("sql backend not initialized"))
	}

	failed := map[string]error{}
	payloads := make(map[string][]byte, len(results))
	for _, r := range results {
		raw, err := json.Marshal(r.Payload)
		if err != nil {
			failed[r.DocumentID] = fmt.Errorf("failed to encode payload: %w", err)
			continue
		}
		payloads[r.DocumentID] = raw
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return AllFailed(results, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, repository.Rebind(b.driver, upsertProcessed))
	if err != nil {
		return AllFailed(results, fmt.Errorf("failed to prepare upsert: %w", err))
	}
	defer stmt.Close()

	for _, r := range results {
		raw, ok := payloads[r.DocumentID]
		if !ok {
			continue
		}
		if _, err := stmt.ExecContext(ctx, r.JobID, r.DocumentID, string(raw), r.ProcessedAt.Unix()); err != nil {
			return AllFailed(results, fmt.Errorf("failed to upsert %s: %w", r.DocumentID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return AllFailed(results, fmt.Errorf("failed to commit: %w", err))
	}
	return Report{Failed: failed}
}

// DB exposes the pool for inspection
func (b *SQLBackend) DB() *sql.DB {
	return b.db
}

func (b *SQLBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}
