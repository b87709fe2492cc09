package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"

	"docbatch/internal/models"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"

	defaultListLimit = 50
	maxListLimit     = 500
	claimBatchSize   = 10
)

// Options configures the SQL registry connection
type Options struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLRepository implements JobRegistry on SQLite or PostgreSQL
type SQLRepository struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// NewSQLRepository opens the database, verifies it and creates the schema
func NewSQLRepository(ctx context.Context, opts Options) (*SQLRepository, error) {
	db, err := Open(ctx, opts)
	if err != nil {
		return nil, err
	}

	repo := &SQLRepository{db: db, driver: opts.Driver, now: time.Now}
	if err := repo.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// Open returns a verified connection pool for sqlite3 or pgx
func Open(ctx context.Context, opts Options) (*sql.DB, error) {
	dsn := opts.DSN
	switch opts.Driver {
	case DriverSQLite:
		dsn = sqliteDSN(dsn)
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported driver %q", opts.Driver)
	}

	db, err := sql.Open(opts.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
}

// DB exposes the pool so other stores can share the connection
func (r *SQLRepository) DB() *sql.DB {
	return r.db
}

// Driver returns the database/sql driver name in use
func (r *SQLRepository) Driver() string {
	return r.driver
}

// Close closes the database connection
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// Ping checks that the registry is reachable
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS job_registry (
		job_id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		total_documents INTEGER NOT NULL,
		processed_documents INTEGER NOT NULL DEFAULT 0,
		failed_documents INTEGER NOT NULL DEFAULT 0,
		checkpoint_interval INTEGER NOT NULL,
		enabled_backends TEXT NOT NULL DEFAULT '[]',
		error_message TEXT,
		worker_id TEXT,
		lease_expires_at BIGINT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		started_at BIGINT,
		paused_at BIGINT,
		resumed_at BIGINT,
		completed_at BIGINT,
		CHECK (processed_documents + failed_documents <= total_documents)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_job_registry_status ON job_registry(status)`,
	`CREATE INDEX IF NOT EXISTS idx_job_registry_batch_id ON job_registry(batch_id)`,
	`CREATE INDEX IF NOT EXISTS idx_job_registry_created_at ON job_registry(created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS job_documents (
		job_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		document_id TEXT NOT NULL,
		body TEXT NOT NULL,
		PRIMARY KEY (job_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS job_statistics (
		job_id TEXT NOT NULL,
		name TEXT NOT NULL,
		value BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (job_id, name)
	)`,
}

func (r *SQLRepository) initSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Rebind rewrites ? placeholders into the driver's native form
func Rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func (r *SQLRepository) rebind(query string) string {
	return Rebind(r.driver, query)
}

// Create inserts the job and its documents in one transaction
func (r *SQLRepository) Create(ctx context.Context, job *models.Job, documents []models.Document) error {
	backends, err := json.Marshal(job.EnabledBackends)
	if err != nil {
		return fmt.Errorf("failed to encode enabled backends: %w", err)
	}

	now := r.now()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Statistics == nil {
		job.Statistics = map[string]int64{}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, r.rebind(`
		INSERT INTO job_registry (job_id, batch_id, status, total_documents, processed_documents, failed_documents,
		                          checkpoint_interval, enabled_backends, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, 0, ?, ?, ?, ?)
	`),
		job.ID,
		job.BatchID,
		job.Status,
		job.TotalDocuments,
		job.CheckpointInterval,
		string(backends),
		now.Unix(),
		now.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &DuplicateJobError{JobID: job.ID}
		}
		return fmt.Errorf("failed to create job: %w", err)
	}

	insertDoc := r.rebind(`INSERT INTO job_documents (job_id, position, document_id, body) VALUES (?, ?, ?, ?)`)
	stmt, err := tx.PrepareContext(ctx, insertDoc)
	if err != nil {
		return fmt.Errorf("failed to prepare document insert: %w", err)
	}
	defer stmt.Close()

	for i, doc := range documents {
		body, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to encode document %s: %w", doc.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, job.ID, i, doc.ID, string(body)); err != nil {
			return fmt.Errorf("failed to store document %s: %w", doc.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const jobColumns = `job_id, batch_id, status, total_documents, processed_documents, failed_documents,
	checkpoint_interval, enabled_backends, error_message, worker_id, lease_expires_at,
	created_at, updated_at, started_at, paused_at, resumed_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var backends string
	var errorMessage, workerID sql.NullString
	var leaseExpiresAt, startedAt, pausedAt, resumedAt, completedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&job.ID,
		&job.BatchID,
		&job.Status,
		&job.TotalDocuments,
		&job.ProcessedDocuments,
		&job.FailedDocuments,
		&job.CheckpointInterval,
		&backends,
		&errorMessage,
		&workerID,
		&leaseExpiresAt,
		&createdAt,
		&updatedAt,
		&startedAt,
		&pausedAt,
		&resumedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(backends), &job.EnabledBackends); err != nil {
		return nil, fmt.Errorf("failed to decode enabled backends: %w", err)
	}
	job.ErrorMessage = errorMessage.String
	job.WorkerID = workerID.String
	job.CreatedAt = time.Unix(createdAt, 0)
	job.UpdatedAt = time.Unix(updatedAt, 0)
	job.LeaseExpiresAt = unixPtr(leaseExpiresAt)
	job.StartedAt = unixPtr(startedAt)
	job.PausedAt = unixPtr(pausedAt)
	job.ResumedAt = unixPtr(resumedAt)
	job.CompletedAt = unixPtr(completedAt)
	job.Statistics = map[string]int64{}

	return &job, nil
}

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

// Get retrieves a job by ID with its statistics
func (r *SQLRepository) Get(ctx context.Context, jobID string) (*models.Job, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(`SELECT `+jobColumns+` FROM job_registry WHERE job_id = ?`), jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	if err := r.loadStatistics(ctx, []*models.Job{job}); err != nil {
		return nil, err
	}
	return job, nil
}

// List returns job summaries, newest first
func (r *SQLRepository) List(ctx context.Context, filter ListFilter) ([]*models.Job, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, filter.BatchID)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + jobColumns + ` FROM job_registry`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, job_id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}

	if err := r.loadStatistics(ctx, jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *SQLRepository) loadStatistics(ctx context.Context, jobs []*models.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	byID := make(map[string]*models.Job, len(jobs))
	placeholders := make([]string, 0, len(jobs))
	args := make([]any, 0, len(jobs))
	for _, job := range jobs {
		byID[job.ID] = job
		placeholders = append(placeholders, "?")
		args = append(args, job.ID)
	}

	query := `SELECT job_id, name, value FROM job_statistics WHERE job_id IN (` + strings.Join(placeholders, ", ") + `)`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to query statistics: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var jobID, name string
		var value int64
		if err := rows.Scan(&jobID, &name, &value); err != nil {
			return fmt.Errorf("failed to scan statistic: %w", err)
		}
		if job, ok := byID[jobID]; ok {
			job.Statistics[name] = value
		}
	}
	return rows.Err()
}

// Documents returns a window of the job's documents in submission order
func (r *SQLRepository) Documents(ctx context.Context, jobID string, offset, limit int) ([]models.Document, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT body FROM job_documents
		WHERE job_id = ? AND position >= ?
		ORDER BY position ASC
		LIMIT ?
	`), jobID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		var doc models.Document
		if err := json.Unmarshal([]byte(body), &doc); err != nil {
			return nil, fmt.Errorf("failed to decode document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}
	return docs, nil
}

// UpdateProgress atomically increments the job counters and statistics
func (r *SQLRepository) UpdateProgress(ctx context.Context, jobID string, update ProgressUpdate) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE job_registry
		SET processed_documents = processed_documents + ?,
		    failed_documents = failed_documents + ?,
		    updated_at = ?
		WHERE job_id = ? AND processed_documents + failed_documents + ? <= total_documents`
	args := []any{update.Processed, update.Failed, r.now().Unix(), jobID, update.Processed + update.Failed}
	if update.WorkerID != "" {
		query += ` AND worker_id = ?`
		args = append(args, update.WorkerID)
	}

	res, err := tx.ExecContext(ctx, r.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	if affected == 0 {
		tx.Rollback()
		job, err := r.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if update.WorkerID != "" && job.WorkerID != update.WorkerID {
			return ErrLeaseLost
		}
		return ErrProgressOverflow
	}

	upsert := r.rebind(`
		INSERT INTO job_statistics (job_id, name, value) VALUES (?, ?, ?)
		ON CONFLICT (job_id, name) DO UPDATE SET value = job_statistics.value + excluded.value`)
	for name, value := range update.Statistics {
		if _, err := tx.ExecContext(ctx, upsert, jobID, name, value); err != nil {
			return fmt.Errorf("failed to update statistic %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Transition moves a job from expected to target with compare-and-swap semantics
func (r *SQLRepository) Transition(ctx context.Context, jobID string, expected, target models.JobStatus, opts ...TransitionOption) error {
	if !models.CanTransition(expected, target) {
		return &TransitionError{JobID: jobID, Expected: expected, Target: target}
	}

	var o transitionOptions
	for _, opt := range opts {
		opt(&o)
	}

	now := r.now().Unix()
	set := []string{"status = ?", "updated_at = ?"}
	args := []any{target, now}

	switch {
	case target == models.StatusRunning && expected == models.StatusQueued:
		set = append(set, "started_at = COALESCE(started_at, ?)")
		args = append(args, now)
	case target == models.StatusRunning && expected == models.StatusPaused:
		set = append(set, "resumed_at = ?")
		args = append(args, now)
	case target == models.StatusPaused:
		set = append(set, "paused_at = ?")
		args = append(args, now)
	case target == models.StatusCancelled && expected == models.StatusRunning:
		// the owner finishes its chunk in flight and releases the job itself
		set = append(set, "completed_at = ?")
		args = append(args, now)
	case target.IsTerminal():
		set = append(set, "completed_at = ?", "worker_id = NULL", "lease_expires_at = NULL")
		args = append(args, now)
	}
	if target == models.StatusFailed {
		set = append(set, "error_message = ?")
		args = append(args, o.errorMessage)
	}

	query := `UPDATE job_registry SET ` + strings.Join(set, ", ") + ` WHERE job_id = ? AND status = ?`
	args = append(args, jobID, expected)
	if o.owner != "" {
		query += ` AND worker_id = ?`
		args = append(args, o.owner)
	}

	res, err := r.db.ExecContext(ctx, r.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to transition job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to transition job: %w", err)
	}
	if affected == 1 {
		return nil
	}

	job, err := r.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if o.owner != "" && job.Status == expected && job.WorkerID != o.owner {
		return ErrLeaseLost
	}
	return &TransitionError{JobID: jobID, Expected: expected, Actual: job.Status, Target: target}
}

// Claim takes ownership of a queued job, or of a running job nobody holds a live lease on
func (r *SQLRepository) Claim(ctx context.Context, jobID, workerID string, lease time.Duration) (*models.Job, error) {
	now := r.now()
	res, err := r.db.ExecContext(ctx, r.rebind(`
		UPDATE job_registry
		SET status = ?,
		    worker_id = ?,
		    lease_expires_at = ?,
		    updated_at = ?,
		    started_at = COALESCE(started_at, ?)
		WHERE job_id = ?
		  AND (status = ? OR (status = ? AND (worker_id IS NULL OR lease_expires_at < ?)))
	`),
		models.StatusRunning,
		workerID,
		now.Add(lease).Unix(),
		now.Unix(),
		now.Unix(),
		jobID,
		models.StatusQueued,
		models.StatusRunning,
		now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	if affected == 0 {
		if _, err := r.Get(ctx, jobID); err != nil {
			return nil, err
		}
		return nil, ErrNotClaimable
	}
	return r.Get(ctx, jobID)
}

// ClaimNext claims the oldest claimable job, or returns nil when there is none
func (r *SQLRepository) ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*models.Job, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT job_id FROM job_registry
		WHERE status = ? OR (status = ? AND (worker_id IS NULL OR lease_expires_at < ?))
		ORDER BY created_at ASC, job_id ASC
		LIMIT ?
	`), models.StatusQueued, models.StatusRunning, r.now().Unix(), claimBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to find claimable jobs: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate claimable jobs: %w", err)
	}

	for _, id := range ids {
		job, err := r.Claim(ctx, id, workerID, lease)
		if err == nil {
			return job, nil
		}
		if errors.Is(err, ErrNotClaimable) || errors.Is(err, ErrJobNotFound) {
			continue
		}
		return nil, err
	}
	return nil, nil
}

// Heartbeat extends the lease held by workerID
func (r *SQLRepository) Heartbeat(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	now := r.now()
	res, err := r.db.ExecContext(ctx, r.rebind(`
		UPDATE job_registry SET lease_expires_at = ?, updated_at = ?
		WHERE job_id = ? AND worker_id = ?
	`), now.Add(lease).Unix(), now.Unix(), jobID, workerID)
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	if affected == 0 {
		if _, err := r.Get(ctx, jobID); err != nil {
			return err
		}
		return ErrLeaseLost
	}
	return nil
}

// Release drops ownership without touching the status. Releasing a job the
// worker does not own is a no-op.
func (r *SQLRepository) Release(ctx context.Context, jobID, workerID string) error {
	_, err := r.db.ExecContext(ctx, r.rebind(`
		UPDATE job_registry SET worker_id = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE job_id = ? AND worker_id = ?
	`), r.now().Unix(), jobID, workerID)
	if err != nil {
		return fmt.Errorf("failed to release job: %w", err)
	}
	return nil
}

// Reclaimable counts running jobs whose owner is gone or whose lease has expired
func (r *SQLRepository) Reclaimable(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, r.rebind(`
		SELECT COUNT(*) FROM job_registry
		WHERE status = ? AND (worker_id IS NULL OR lease_expires_at < ?)
	`), models.StatusRunning, r.now().Unix()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count reclaimable jobs: %w", err)
	}
	return count, nil
}

// SettleCancelled hands back cancelled jobs whose owner let its lease expire
// before releasing them. Each returned job was released by this call, so only
// one caller sees it.
func (r *SQLRepository) SettleCancelled(ctx context.Context) ([]*models.Job, error) {
	now := r.now().Unix()
	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT job_id, worker_id FROM job_registry
		WHERE status = ? AND worker_id IS NOT NULL AND lease_expires_at < ?
		ORDER BY updated_at ASC
		LIMIT ?
	`), models.StatusCancelled, now, claimBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to find orphaned cancels: %w", err)
	}

	type owned struct{ jobID, workerID string }
	var found []owned
	for rows.Next() {
		var o owned
		if err := rows.Scan(&o.jobID, &o.workerID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan orphaned cancel: %w", err)
		}
		found = append(found, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate orphaned cancels: %w", err)
	}

	var settled []*models.Job
	for _, o := range found {
		res, err := r.db.ExecContext(ctx, r.rebind(`
			UPDATE job_registry SET worker_id = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE job_id = ? AND status = ? AND worker_id = ? AND lease_expires_at < ?
		`), now, o.jobID, models.StatusCancelled, o.workerID, now)
		if err != nil {
			return settled, fmt.Errorf("failed to settle cancelled job: %w", err)
		}
		if affected, err := res.RowsAffected(); err != nil || affected == 0 {
			continue
		}
		job, err := r.Get(ctx, o.jobID)
		if err != nil {
			return settled, err
		}
		settled = append(settled, job)
	}
	return settled, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
