package internal

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"askpdf/types"
)

type SubmitFunc func(ctx context.Context, job types.IngestionJob) error

// Watcher picks up PDFs dropped into an inbox directory. A file is handed
// over once it has not changed for the monitoring time: it is moved into
// the upload directory and submitted as an ingestion job.
type Watcher struct {
	dir       string
	uploadDir string
	quiet     time.Duration
	interval  time.Duration
	submit    SubmitFunc
	logger    *slog.Logger
	now       func() time.Time

	mu            sync.Mutex
	FileFirstSeen map[string]time.Time
}

func NewWatcher(dir, uploadDir string, quiet time.Duration, submit SubmitFunc, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:           dir,
		uploadDir:     uploadDir,
		quiet:         quiet,
		interval:      time.Second,
		submit:        submit,
		logger:        logger.With("inbox", dir),
		now:           time.Now,
		FileFirstSeen: make(map[string]time.Time),
	}
}

func (w *Watcher) Run(ctx context.Context) error {
	if err := CreateDirectories(w.dir, w.uploadDir); err != nil {
		return err
	}
	w.logger.Info("start monitoring folder")
	defer w.logger.Info("file watcher stopped")

	var events <-chan fsnotify.Event
	var errs <-chan error
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("fsnotify unavailable, polling only", "error", err)
	} else {
		defer fw.Close()
		if err := fw.Add(w.dir); err != nil {
			w.logger.Warn("cannot watch inbox, polling only", "error", err)
		} else {
			events, errs = fw.Events, fw.Errors
		}
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			w.onEvent(ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Warn("fsnotify error", "error", err)
		case <-ticker.C:
			w.scan(ctx)
		}
	}
}

func isPDF(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".pdf")
}

// onEvent restarts the quiet period of a file that is still being written.
func (w *Watcher) onEvent(ev fsnotify.Event) {
	if !isPDF(ev.Name) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		w.FileFirstSeen[ev.Name] = w.now()
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		delete(w.FileFirstSeen, ev.Name)
	}
}

func (w *Watcher) scan(ctx context.Context) {
	files, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Error("error while reading inbox directory", "error", err)
		return
	}

	now := w.now()
	current := make(map[string]bool)
	var ready []string

	w.mu.Lock()
	for _, file := range files {
		if file.IsDir() || !isPDF(file.Name()) {
			continue
		}
		filePath := filepath.Join(w.dir, file.Name())
		current[filePath] = true

		firstSeen, exists := w.FileFirstSeen[filePath]
		if !exists {
			w.FileFirstSeen[filePath] = now
			w.logger.Info("new file detected", "file", file.Name())
			continue
		}
		if now.Sub(firstSeen) >= w.quiet {
			ready = append(ready, filePath)
		}
	}
	for filePath := range w.FileFirstSeen {
		if !current[filePath] {
			delete(w.FileFirstSeen, filePath)
		}
	}
	w.mu.Unlock()

	for _, filePath := range ready {
		if ctx.Err() != nil {
			return
		}
		if err := w.handOver(ctx, filePath); err != nil {
			w.logger.Error("cannot submit file", "file", filepath.Base(filePath), "error", err)
			continue
		}
		w.mu.Lock()
		delete(w.FileFirstSeen, filePath)
		w.mu.Unlock()
	}
}

func (w *Watcher) handOver(ctx context.Context, filePath string) error {
	name := filepath.Base(filePath)
	id := uuid.New()
	dest := filepath.Join(w.uploadDir, types.StoredFilename(id, name))
	if err := os.Rename(filePath, dest); err != nil {
		return fmt.Errorf("move into upload directory: %w", err)
	}

	job := types.IngestionJob{
		ID:             id,
		SourceFilename: name,
		SourcePath:     dest,
		DestinationDir: w.uploadDir,
		EnqueuedAt:     w.now(),
	}
	if err := w.submit(ctx, job); err != nil {
		if rerr := os.Rename(dest, filePath); rerr != nil {
			w.logger.Error("cannot return file to inbox", "file", name, "error", rerr)
		}
		return err
	}
	w.logger.Info("file submitted for ingestion", "file", name, "job_id", id)
	return nil
}
