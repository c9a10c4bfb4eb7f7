package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"askpdf/config"
	"askpdf/store"
	"askpdf/types"
)

type fakeExtractor struct {
	text  string
	err   error
	calls atomic.Int32
	hook  func(path string)
}

func (f *fakeExtractor) Extract(_ context.Context, path string) (string, error) {
	f.calls.Add(1)
	if f.hook != nil {
		f.hook(path)
	}
	return f.text, f.err
}

type fakeEmbedder struct {
	dims  int
	err   error
	calls atomic.Int32
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	v := make([]float32, f.dims)
	v[len(text)%f.dims] = 1
	return v, nil
}

type unreachableIndex struct{ *store.MemoryIndex }

func (unreachableIndex) Ping(context.Context) error { return errors.New("connection refused") }

type harness struct {
	cfg       *config.Config
	index     *store.MemoryIndex
	queue     *store.MemoryQueue
	embedder  *fakeEmbedder
	extractor *fakeExtractor
	svc       *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.UploadDir = t.TempDir()
	cfg.BadDir = t.TempDir()
	cfg.Dimensions = 4
	cfg.ChunkSize = 40
	cfg.ChunkOverlap = 8
	cfg.PollInterval = 10 * time.Millisecond
	cfg.ReadyAttempts = 2
	cfg.ReadyDelay = time.Millisecond
	cfg.MaxJobAttempts = 2

	h := &harness{
		cfg:       cfg,
		index:     store.NewMemoryIndex(),
		queue:     store.NewMemoryQueue(store.QueueConfig{MaxAttempts: cfg.MaxJobAttempts}),
		embedder:  &fakeEmbedder{dims: 4},
		extractor: &fakeExtractor{text: strings.Repeat("The refund policy allows returns within 30 days. ", 4)},
	}
	h.svc = New(cfg, Deps{
		Queue:     h.queue,
		Index:     h.index,
		Embedder:  h.embedder,
		Extractor: h.extractor,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, h.index.EnsureCollection(context.Background(), cfg.CollectionSpec()))
	return h
}

// rebuild returns a service over the harness dependencies and queue q.
func (h *harness) rebuild(q store.JobQueue) *Service {
	return New(h.cfg, Deps{
		Queue:     q,
		Index:     h.index,
		Embedder:  h.embedder,
		Extractor: h.extractor,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func (h *harness) upload(t *testing.T, name string) types.IngestionJob {
	t.Helper()
	id := uuid.New()
	path := filepath.Join(h.cfg.UploadDir, types.StoredFilename(id, name))
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4"), 0o644))
	return types.IngestionJob{
		ID:             id,
		SourceFilename: name,
		SourcePath:     path,
		DestinationDir: h.cfg.UploadDir,
		EnqueuedAt:     time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestProcessJob_IndexesChunks(t *testing.T) {
	h := newHarness(t)
	job := h.upload(t, "policy.pdf")

	n, err := h.svc.ProcessJob(context.Background(), job)

	require.NoError(t, err)
	assert.Greater(t, n, 1)
	assert.Equal(t, n, h.index.Len(h.cfg.Collection))
	assert.EqualValues(t, n, h.embedder.calls.Load())
	assert.FileExists(t, job.SourcePath, "removed only after the queue acknowledges")

	hits, err := h.index.Query(context.Background(), h.cfg.Collection, []float32{1, 1, 1, 1}, n)
	require.NoError(t, err)
	for _, hit := range hits {
		assert.Equal(t, "policy.pdf", hit.Payload.SourceFilename)
		assert.Equal(t, n, hit.Payload.TotalChunks)
		assert.Equal(t, job.EnqueuedAt, hit.Payload.UploadedAt)
	}
}

func TestProcessJob_MissingSource(t *testing.T) {
	h := newHarness(t)
	job := h.upload(t, "policy.pdf")
	require.NoError(t, os.Remove(job.SourcePath))

	_, err := h.svc.ProcessJob(context.Background(), job)

	assert.ErrorIs(t, err, types.ErrSourceNotFound)
	assert.Zero(t, h.extractor.calls.Load())
}

func TestProcessJob_UnreadableSourceIsRetryable(t *testing.T) {
	h := newHarness(t)
	job := h.upload(t, "policy.pdf")
	// A path below a regular file fails to stat with ENOTDIR, not "not exist".
	job.SourcePath = filepath.Join(job.SourcePath, "child.pdf")

	_, err := h.svc.ProcessJob(context.Background(), job)

	require.Error(t, err)
	assert.NotErrorIs(t, err, types.ErrSourceNotFound)
	assert.False(t, permanent(err))
}

func TestProcessJob_NoContent(t *testing.T) {
	h := newHarness(t)
	h.extractor.text = " \n\t "
	job := h.upload(t, "scan.pdf")

	_, err := h.svc.ProcessJob(context.Background(), job)

	assert.ErrorIs(t, err, types.ErrNoContent)
	assert.Zero(t, h.embedder.calls.Load())
	assert.FileExists(t, job.SourcePath)
}

func TestProcessJob_EmbedFailureWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.embedder.err = errors.New("ollama unavailable")
	job := h.upload(t, "policy.pdf")

	_, err := h.svc.ProcessJob(context.Background(), job)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "ollama unavailable")
	assert.Zero(t, h.index.Len(h.cfg.Collection))
	assert.FileExists(t, job.SourcePath)
}

func TestProcessJob_DimensionMismatch(t *testing.T) {
	h := newHarness(t)
	h.embedder.dims = 3
	job := h.upload(t, "policy.pdf")

	_, err := h.svc.ProcessJob(context.Background(), job)

	assert.ErrorIs(t, err, types.ErrDimensionMismatch)
	assert.Zero(t, h.index.Len(h.cfg.Collection))
}

func runService(t *testing.T, svc *Service) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func waitStatus(t *testing.T, q store.JobQueue, id uuid.UUID, want types.JobStatus) *store.JobInfo {
	t.Helper()
	var info *store.JobInfo
	require.Eventually(t, func() bool {
		var err error
		info, err = q.Status(context.Background(), id)
		return err == nil && info.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return info
}

func TestRun_ConsumesQueue(t *testing.T) {
	h := newHarness(t)
	job := h.upload(t, "policy.pdf")
	require.NoError(t, h.queue.Enqueue(context.Background(), job))

	cancel, done := runService(t, h.svc)

	info := waitStatus(t, h.queue, job.ID, types.JobSucceeded)
	assert.Positive(t, info.Chunks)
	assert.Equal(t, info.Chunks, h.index.Len(h.cfg.Collection))

	cancel()
	assert.NoError(t, <-done)
}

func TestRun_RemovesSourceAfterSuccess(t *testing.T) {
	h := newHarness(t)
	job := h.upload(t, "policy.pdf")
	require.NoError(t, h.queue.Enqueue(context.Background(), job))

	cancel, done := runService(t, h.svc)

	waitStatus(t, h.queue, job.ID, types.JobSucceeded)
	require.Eventually(t, func() bool {
		_, err := os.Stat(job.SourcePath)
		return os.IsNotExist(err)
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestRun_SourceGoneBeforeCleanupIsTolerated(t *testing.T) {
	h := newHarness(t)
	h.extractor.hook = func(path string) { _ = os.Remove(path) }
	job := h.upload(t, "policy.pdf")
	require.NoError(t, h.queue.Enqueue(context.Background(), job))

	cancel, done := runService(t, h.svc)

	info := waitStatus(t, h.queue, job.ID, types.JobSucceeded)
	assert.Positive(t, info.Chunks)

	cancel()
	assert.NoError(t, <-done)
}

// completeFailsOnce loses the first success acknowledgement.
type completeFailsOnce struct {
	*store.MemoryQueue
	failed atomic.Bool
}

func (q *completeFailsOnce) Complete(ctx context.Context, id uuid.UUID, chunks int) error {
	if q.failed.CompareAndSwap(false, true) {
		return errors.New("connection reset")
	}
	return q.MemoryQueue.Complete(ctx, id, chunks)
}

func TestRun_LostAcknowledgementIsRedeliveredAndSucceeds(t *testing.T) {
	h := newHarness(t)
	h.cfg.JobLease = 20 * time.Millisecond
	queue := &completeFailsOnce{MemoryQueue: store.NewMemoryQueue(store.QueueConfig{
		Lease:       h.cfg.JobLease,
		MaxAttempts: h.cfg.MaxJobAttempts,
	})}
	svc := h.rebuild(queue)
	job := h.upload(t, "policy.pdf")
	require.NoError(t, queue.Enqueue(context.Background(), job))

	cancel, done := runService(t, svc)

	info := waitStatus(t, queue, job.ID, types.JobSucceeded)
	assert.Equal(t, 2, info.Attempts)
	assert.Empty(t, info.Error)
	assert.Equal(t, 2*info.Chunks, h.index.Len(h.cfg.Collection), "redelivery appends a second copy")
	require.Eventually(t, func() bool {
		_, err := os.Stat(job.SourcePath)
		return os.IsNotExist(err)
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestRun_SlowJobKeepsItsLease(t *testing.T) {
	h := newHarness(t)
	h.cfg.JobLease = 30 * time.Millisecond
	queue := store.NewMemoryQueue(store.QueueConfig{Lease: h.cfg.JobLease, MaxAttempts: h.cfg.MaxJobAttempts})
	svc := h.rebuild(queue)
	stolen := make(chan error, 1)
	h.extractor.hook = func(string) {
		time.Sleep(150 * time.Millisecond)
		_, err := queue.Claim(context.Background())
		stolen <- err
	}
	job := h.upload(t, "policy.pdf")
	require.NoError(t, queue.Enqueue(context.Background(), job))

	cancel, done := runService(t, svc)

	info := waitStatus(t, queue, job.ID, types.JobSucceeded)
	assert.ErrorIs(t, <-stolen, types.ErrNoJob, "another consumer must not get the job")
	assert.Equal(t, 1, info.Attempts)

	cancel()
	assert.NoError(t, <-done)
}

func TestRun_PermanentFailureMovesFileToBadDir(t *testing.T) {
	h := newHarness(t)
	h.extractor.text = ""
	job := h.upload(t, "empty.pdf")
	require.NoError(t, h.queue.Enqueue(context.Background(), job))

	cancel, done := runService(t, h.svc)

	info := waitStatus(t, h.queue, job.ID, types.JobFailed)
	assert.Equal(t, 1, info.Attempts)
	assert.Contains(t, info.Error, "no content")
	assert.NoFileExists(t, job.SourcePath)

	moved, err := filepath.Glob(filepath.Join(h.cfg.BadDir, "*", filepath.Base(job.SourcePath)))
	require.NoError(t, err)
	assert.Len(t, moved, 1)

	cancel()
	assert.NoError(t, <-done)
}

func TestRun_RetryableFailureIsRetriedThenFailed(t *testing.T) {
	h := newHarness(t)
	h.embedder.err = errors.New("ollama unavailable")
	job := h.upload(t, "policy.pdf")
	require.NoError(t, h.queue.Enqueue(context.Background(), job))

	cancel, done := runService(t, h.svc)

	info := waitStatus(t, h.queue, job.ID, types.JobFailed)
	assert.Equal(t, 2, info.Attempts)
	assert.Zero(t, h.index.Len(h.cfg.Collection))

	cancel()
	assert.NoError(t, <-done)
}

func TestRun_OneFailureDoesNotAffectNextJob(t *testing.T) {
	h := newHarness(t)
	missing := h.upload(t, "gone.pdf")
	require.NoError(t, os.Remove(missing.SourcePath))
	good := h.upload(t, "policy.pdf")
	require.NoError(t, h.queue.Enqueue(context.Background(), missing))
	require.NoError(t, h.queue.Enqueue(context.Background(), good))

	cancel, done := runService(t, h.svc)

	waitStatus(t, h.queue, missing.ID, types.JobFailed)
	waitStatus(t, h.queue, good.ID, types.JobSucceeded)

	cancel()
	assert.NoError(t, <-done)
}

func TestRun_DimensionMismatchStopsWorker(t *testing.T) {
	h := newHarness(t)
	h.embedder.dims = 3
	job := h.upload(t, "policy.pdf")
	require.NoError(t, h.queue.Enqueue(context.Background(), job))

	_, done := runService(t, h.svc)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, types.ErrDimensionMismatch)
	case <-time.After(2 * time.Second):
		t.Fatal("worker kept running after a dimension mismatch")
	}
}

func TestRun_ExistingCollectionWithOtherDimensions(t *testing.T) {
	h := newHarness(t)
	h.cfg.Dimensions = 8
	svc := New(h.cfg, Deps{Queue: h.queue, Index: h.index, Embedder: h.embedder, Extractor: h.extractor})

	err := svc.Run(context.Background())

	assert.ErrorIs(t, err, types.ErrDimensionMismatch)
}

func TestRun_StoreNeverReady(t *testing.T) {
	h := newHarness(t)
	svc := New(h.cfg, Deps{
		Queue:     h.queue,
		Index:     unreachableIndex{store.NewMemoryIndex()},
		Embedder:  h.embedder,
		Extractor: h.extractor,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	err := svc.Run(context.Background())

	assert.ErrorIs(t, err, types.ErrNotReady)
}
