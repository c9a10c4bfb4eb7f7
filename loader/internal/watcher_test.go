package internal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"askpdf/types"
)

type jobRecorder struct {
	mu   sync.Mutex
	jobs []types.IngestionJob
	err  error
}

func (r *jobRecorder) submit(_ context.Context, job types.IngestionJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *jobRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func newTestWatcher(t *testing.T, rec *jobRecorder) (*Watcher, *time.Time) {
	t.Helper()
	inbox, uploads := t.TempDir(), t.TempDir()
	w := NewWatcher(inbox, uploads, 5*time.Second, rec.submit, quietLogger())
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }
	return w, &clock
}

func TestWatcher_SubmitsQuietFile(t *testing.T) {
	rec := &jobRecorder{}
	w, clock := newTestWatcher(t, rec)
	src := filepath.Join(w.dir, "manual.pdf")
	require.NoError(t, os.WriteFile(src, []byte("%PDF-1.4"), 0o644))

	w.scan(context.Background())
	assert.Equal(t, 0, rec.count(), "first sighting only starts the quiet period")

	*clock = clock.Add(6 * time.Second)
	w.scan(context.Background())

	require.Equal(t, 1, rec.count())
	job := rec.jobs[0]
	assert.Equal(t, "manual.pdf", job.SourceFilename)
	assert.Equal(t, w.uploadDir, job.DestinationDir)
	assert.Equal(t, filepath.Join(w.uploadDir, types.StoredFilename(job.ID, "manual.pdf")), job.SourcePath)
	assert.FileExists(t, job.SourcePath)
	assert.NoFileExists(t, src)
	assert.Empty(t, w.FileFirstSeen)
}

func TestWatcher_IgnoresNonPDF(t *testing.T) {
	rec := &jobRecorder{}
	w, clock := newTestWatcher(t, rec)
	require.NoError(t, os.WriteFile(filepath.Join(w.dir, "notes.txt"), []byte("hi"), 0o644))

	w.scan(context.Background())
	*clock = clock.Add(time.Minute)
	w.scan(context.Background())

	assert.Equal(t, 0, rec.count())
}

func TestWatcher_WriteEventRestartsQuietPeriod(t *testing.T) {
	rec := &jobRecorder{}
	w, clock := newTestWatcher(t, rec)
	src := filepath.Join(w.dir, "big.pdf")
	require.NoError(t, os.WriteFile(src, []byte("%PDF-1.4"), 0o644))

	w.scan(context.Background())
	*clock = clock.Add(4 * time.Second)
	w.onEvent(fsnotifyWrite(src))
	*clock = clock.Add(4 * time.Second)
	w.scan(context.Background())

	assert.Equal(t, 0, rec.count())
}

func TestWatcher_SubmitFailureReturnsFile(t *testing.T) {
	rec := &jobRecorder{err: errors.New("queue unavailable")}
	w, clock := newTestWatcher(t, rec)
	src := filepath.Join(w.dir, "manual.pdf")
	require.NoError(t, os.WriteFile(src, []byte("%PDF-1.4"), 0o644))

	w.scan(context.Background())
	*clock = clock.Add(time.Minute)
	w.scan(context.Background())

	assert.FileExists(t, src)
	entries, err := os.ReadDir(w.uploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Contains(t, w.FileFirstSeen, src, "file is retried on the next tick")
}

func TestWatcher_RunPicksUpFile(t *testing.T) {
	rec := &jobRecorder{}
	inbox, uploads := t.TempDir(), t.TempDir()
	w := NewWatcher(inbox, uploads, 20*time.Millisecond, rec.submit, quietLogger())
	w.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, os.WriteFile(filepath.Join(inbox, "a.pdf"), []byte("%PDF-1.4"), 0o644))
	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
