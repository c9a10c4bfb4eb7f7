package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"askpdf/types"
)

// PostgresQueue stores jobs in ingestion_jobs. Claims take a lease; a job
// whose lease expires while processing is handed out again.
type PostgresQueue struct {
	pool *pgxpool.Pool
	cfg  QueueConfig
}

var _ JobQueue = (*PostgresQueue)(nil)

func NewPostgresQueue(pool *pgxpool.Pool, cfg QueueConfig) *PostgresQueue {
	return &PostgresQueue{pool: pool, cfg: cfg.withDefaults()}
}

func (q *PostgresQueue) Init(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS ingestion_jobs (
		id UUID PRIMARY KEY,
		filename TEXT NOT NULL,
		path TEXT NOT NULL,
		destination TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued' CHECK (status IN ('queued','processing','succeeded','failed')),
		attempts INTEGER NOT NULL DEFAULT 0,
		chunks INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		enqueued_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
		locked_until TIMESTAMP WITH TIME ZONE,
		finished_at TIMESTAMP WITH TIME ZONE
	);

	CREATE INDEX IF NOT EXISTS idx_ingestion_jobs_status ON ingestion_jobs(status, enqueued_at);
	`
	if _, err := q.pool.Exec(ctx, query); err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("create ingestion_jobs: %w", err)
	}
	return nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, job types.IngestionJob) error {
	_, err := q.pool.Exec(ctx, `
		INSERT INTO ingestion_jobs (id, filename, path, destination)
		VALUES ($1, $2, $3, $4)`,
		job.ID, job.SourceFilename, job.SourcePath, job.DestinationDir)
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

func (q *PostgresQueue) Claim(ctx context.Context) (*types.IngestionJob, error) {
	var job types.IngestionJob
	err := q.pool.QueryRow(ctx, `
		UPDATE ingestion_jobs
		SET status = 'processing',
			attempts = attempts + 1,
			locked_until = now() + ($1::int * interval '1 second')
		WHERE id = (
			SELECT id FROM ingestion_jobs
			WHERE status = 'queued'
			   OR (status = 'processing' AND locked_until < now())
			ORDER BY enqueued_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, filename, path, destination, attempts, enqueued_at`,
		int(q.cfg.Lease.Seconds()),
	).Scan(&job.ID, &job.SourceFilename, &job.SourcePath, &job.DestinationDir, &job.Attempts, &job.EnqueuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &job, nil
}

func (q *PostgresQueue) Extend(ctx context.Context, id uuid.UUID) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE ingestion_jobs
		SET locked_until = now() + ($2::int * interval '1 second')
		WHERE id = $1 AND status = 'processing'`,
		id, int(q.cfg.Lease.Seconds()))
	if err != nil {
		return fmt.Errorf("extend job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrJobNotFound
	}
	return nil
}

func (q *PostgresQueue) Complete(ctx context.Context, id uuid.UUID, chunks int) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE ingestion_jobs
		SET status = 'succeeded', chunks = $2, locked_until = NULL, finished_at = now()
		WHERE id = $1`, id, chunks)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrJobNotFound
	}
	return nil
}

func (q *PostgresQueue) Fail(ctx context.Context, id uuid.UUID, reason string, retryable bool) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE ingestion_jobs
		SET status = CASE WHEN $3 AND attempts < $4 THEN 'queued' ELSE 'failed' END,
			finished_at = CASE WHEN $3 AND attempts < $4 THEN NULL ELSE now() END,
			last_error = $2,
			locked_until = NULL
		WHERE id = $1`, id, reason, retryable, q.cfg.MaxAttempts)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrJobNotFound
	}
	return nil
}

func (q *PostgresQueue) Status(ctx context.Context, id uuid.UUID) (*JobInfo, error) {
	info := &JobInfo{ID: id}
	var status string
	err := q.pool.QueryRow(ctx, `
		SELECT filename, status, attempts, chunks, last_error
		FROM ingestion_jobs WHERE id = $1`, id,
	).Scan(&info.Filename, &status, &info.Attempts, &info.Chunks, &info.Error)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("job status %s: %w", id, err)
	}
	info.Status = types.JobStatus(status)
	return info, nil
}
