package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"askpdf/types"
)

// JobQueue is the at-least-once channel between the upload handler and
// the ingestion worker. Retry policy lives here, not in the worker.
type JobQueue interface {
	Enqueue(ctx context.Context, job types.IngestionJob) error
	// Claim hands out the oldest available job or types.ErrNoJob.
	Claim(ctx context.Context) (*types.IngestionJob, error)
	// Extend renews the lease of a job that is still being processed.
	Extend(ctx context.Context, id uuid.UUID) error
	Complete(ctx context.Context, id uuid.UUID, chunks int) error
	// Fail re-queues the job when retryable and attempts remain,
	// otherwise marks it failed.
	Fail(ctx context.Context, id uuid.UUID, reason string, retryable bool) error
	Status(ctx context.Context, id uuid.UUID) (*JobInfo, error)
}

type JobInfo struct {
	ID       uuid.UUID       `json:"id"`
	Filename string          `json:"filename"`
	Status   types.JobStatus `json:"status"`
	Attempts int             `json:"attempts"`
	Chunks   int             `json:"chunks"`
	Error    string          `json:"error,omitempty"`
}

type QueueConfig struct {
	Lease       time.Duration
	MaxAttempts int
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Lease <= 0 {
		c.Lease = 10 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	return c
}

// MemoryQueue is a JobQueue for a worker running inside the server process.
type MemoryQueue struct {
	cfg  QueueConfig
	now  func() time.Time
	mu   sync.Mutex
	jobs []*memJob
}

type memJob struct {
	job         types.IngestionJob
	status      types.JobStatus
	chunks      int
	lastError   string
	lockedUntil time.Time
}

var _ JobQueue = (*MemoryQueue)(nil)

func NewMemoryQueue(cfg QueueConfig) *MemoryQueue {
	return &MemoryQueue{cfg: cfg.withDefaults(), now: time.Now}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job types.IngestionJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now()
	}
	q.jobs = append(q.jobs, &memJob{job: job, status: types.JobQueued})
	return nil
}

func (q *MemoryQueue) Claim(_ context.Context) (*types.IngestionJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	for _, j := range q.jobs {
		expired := j.status == types.JobProcessing && now.After(j.lockedUntil)
		if j.status != types.JobQueued && !expired {
			continue
		}
		j.status = types.JobProcessing
		j.job.Attempts++
		j.lockedUntil = now.Add(q.cfg.Lease)
		job := j.job
		return &job, nil
	}
	return nil, types.ErrNoJob
}

func (q *MemoryQueue) Extend(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j := q.find(id)
	if j == nil || j.status != types.JobProcessing {
		return types.ErrJobNotFound
	}
	j.lockedUntil = q.now().Add(q.cfg.Lease)
	return nil
}

func (q *MemoryQueue) Complete(_ context.Context, id uuid.UUID, chunks int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j := q.find(id)
	if j == nil {
		return types.ErrJobNotFound
	}
	j.status = types.JobSucceeded
	j.chunks = chunks
	j.lockedUntil = time.Time{}
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, id uuid.UUID, reason string, retryable bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j := q.find(id)
	if j == nil {
		return types.ErrJobNotFound
	}
	j.lastError = reason
	j.lockedUntil = time.Time{}
	if retryable && j.job.Attempts < q.cfg.MaxAttempts {
		j.status = types.JobQueued
		return nil
	}
	j.status = types.JobFailed
	return nil
}

func (q *MemoryQueue) Status(_ context.Context, id uuid.UUID) (*JobInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j := q.find(id)
	if j == nil {
		return nil, types.ErrJobNotFound
	}
	return &JobInfo{
		ID:       j.job.ID,
		Filename: j.job.SourceFilename,
		Status:   j.status,
		Attempts: j.job.Attempts,
		Chunks:   j.chunks,
		Error:    j.lastError,
	}, nil
}

func (q *MemoryQueue) find(id uuid.UUID) *memJob {
	for _, j := range q.jobs {
		if j.job.ID == id {
			return j
		}
	}
	return nil
}
