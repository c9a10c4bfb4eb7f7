package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"askpdf/config"
	"askpdf/loader/internal"
	"askpdf/model"
	"askpdf/store"
	"askpdf/types"
)

// Extractor returns the plain text of a document.
type Extractor interface {
	Extract(ctx context.Context, path string) (string, error)
}

// NewExtractor builds the PDF extractor described by cfg.
func NewExtractor(cfg *config.Config, logger *slog.Logger) Extractor {
	ec := internal.ExtractorConfig{
		DoclingURL: cfg.DoclingURL,
		CropTop:    cfg.CropTop,
		CropBottom: cfg.CropBottom,
	}
	if cfg.VisionModel != "" {
		ec.Describer = model.NewOllamaVision(cfg.OllamaURL, cfg.VisionModel)
	}
	return internal.NewPDFExtractor(ec, logger)
}

type Deps struct {
	Queue     store.JobQueue
	Index     store.VectorIndex
	Embedder  model.Embedder
	Extractor Extractor
	Logger    *slog.Logger
}

// Service is the ingestion worker. It processes one job at a time.
type Service struct {
	logger    *slog.Logger
	queue     store.JobQueue
	index     store.VectorIndex
	embedder  model.Embedder
	extractor Extractor
	chunker   *internal.Chunker
	spec      types.CollectionSpec
	cfg       *config.Config
	now       func() time.Time
}

func New(cfg *config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		logger:    logger,
		queue:     deps.Queue,
		index:     deps.Index,
		embedder:  deps.Embedder,
		extractor: deps.Extractor,
		chunker:   internal.NewChunker(cfg.ChunkSize, cfg.ChunkOverlap),
		spec:      cfg.CollectionSpec(),
		cfg:       cfg,
		now:       time.Now,
	}
}

// Run bootstraps the collection and consumes the queue until ctx is done.
// It returns an error only when the worker cannot continue: the store never
// became ready or the collection does not fit the embedder.
func (s *Service) Run(ctx context.Context) error {
	if err := store.WaitReady(ctx, s.index, s.cfg.ReadyAttempts, s.cfg.ReadyDelay, s.logger); err != nil {
		return err
	}
	if err := s.index.EnsureCollection(ctx, s.spec); err != nil {
		return fmt.Errorf("ensure collection %s: %w", s.spec.Name, err)
	}
	if err := internal.CreateDirectories(s.cfg.UploadDir, s.cfg.BadDir); err != nil {
		return err
	}
	s.logger.Info("Loader Service started", "collection", s.spec.Name, "dimensions", s.spec.Dimensions)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if s.cfg.InboxDir != "" {
		watcher := internal.NewWatcher(s.cfg.InboxDir, s.cfg.UploadDir, s.cfg.MonitoringTime, s.queue.Enqueue, s.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := watcher.Run(ctx); err != nil {
				s.logger.Error("inbox watcher stopped", "error", err)
			}
		}()
	}

	err := s.consume(ctx)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		s.logger.Warn("timeout waiting for goroutines to stop")
	}

	s.logger.Info("Loader Service stopped")
	return err
}

func (s *Service) consume(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := s.drain(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// drain handles queued jobs until the queue is empty.
func (s *Service) drain(ctx context.Context) error {
	for ctx.Err() == nil {
		job, err := s.queue.Claim(ctx)
		if errors.Is(err, types.ErrNoJob) {
			return nil
		}
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("claim job", "error", err)
			}
			return nil
		}
		if err := s.handle(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

func permanent(err error) bool {
	return errors.Is(err, types.ErrSourceNotFound) ||
		errors.Is(err, types.ErrNoContent) ||
		errors.Is(err, types.ErrInvalidDocument)
}

// handle runs one job and reports the outcome to the queue.
func (s *Service) handle(ctx context.Context, job *types.IngestionJob) error {
	log := s.logger.With("job_id", job.ID, "file", job.SourceFilename, "attempt", job.Attempts)
	log.Info("processing job")
	start := s.now()

	stopLease := s.keepLease(ctx, job.ID, log)
	chunks, err := s.ProcessJob(ctx, *job)
	stopLease()

	// Acknowledge even when shutting down so the job is not stuck until its lease expires.
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err == nil {
		// The source stays on disk until the queue has recorded the success,
		// so a redelivered job can be processed again from the top.
		if cerr := s.queue.Complete(ackCtx, job.ID, chunks); cerr != nil {
			log.Error("complete job, keeping source for redelivery", "error", cerr)
			return nil
		}
		if rerr := os.Remove(job.SourcePath); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			log.Warn("cannot remove processed file", "path", filepath.Base(job.SourcePath), "error", rerr)
		}
		log.Info("job succeeded", "chunks", chunks, "took", s.now().Sub(start))
		return nil
	}

	retryable := !permanent(err)
	log.Error("job failed", "error", err, "retryable", retryable)
	if !errors.Is(err, types.ErrSourceNotFound) && (!retryable || job.Attempts >= s.cfg.MaxJobAttempts) {
		if dest, merr := internal.MoveToArchive(job.SourcePath, s.cfg.BadDir); merr != nil {
			log.Error("move file to bad directory", "error", merr)
		} else {
			log.Info("file moved to bad directory", "path", dest)
		}
	}
	if ferr := s.queue.Fail(ackCtx, job.ID, err.Error(), retryable); ferr != nil {
		log.Error("fail job", "error", ferr)
	}

	if errors.Is(err, types.ErrDimensionMismatch) {
		return err
	}
	return nil
}

// keepLease renews the job's lease while it is processed so a slow
// extraction is not handed to another worker. The returned func stops it.
func (s *Service) keepLease(ctx context.Context, id uuid.UUID, log *slog.Logger) func() {
	interval := s.cfg.JobLease / 3
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.queue.Extend(ctx, id); err != nil && ctx.Err() == nil {
					log.Warn("extend job lease", "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// ProcessJob ingests one document and returns the number of stored chunks.
// Nothing is written to the index unless every chunk was embedded. The
// source file is left in place; the caller removes it once the job is
// acknowledged.
func (s *Service) ProcessJob(ctx context.Context, job types.IngestionJob) (int, error) {
	if _, err := os.Stat(job.SourcePath); errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("%w: %s", types.ErrSourceNotFound, job.SourcePath)
	} else if err != nil {
		return 0, fmt.Errorf("stat source: %w", err)
	}

	text, err := s.extractor.Extract(ctx, job.SourcePath)
	if err != nil {
		return 0, fmt.Errorf("extract %s: %w", job.SourceFilename, err)
	}
	if strings.TrimSpace(text) == "" {
		return 0, types.ErrNoContent
	}

	uploadedAt := job.EnqueuedAt
	if uploadedAt.IsZero() {
		uploadedAt = s.now()
	}
	chunks := s.chunker.Chunks(text, job.SourceFilename, uploadedAt.UTC())
	if len(chunks) == 0 {
		return 0, types.ErrNoContent
	}

	vectors, err := s.embedAll(ctx, chunks)
	if err != nil {
		return 0, err
	}

	if err := s.index.Upsert(ctx, s.spec.Name, vectors); err != nil {
		return 0, fmt.Errorf("upsert %d chunks: %w", len(vectors), err)
	}
	return len(vectors), nil
}

func (s *Service) embedAll(ctx context.Context, chunks []types.DocumentChunk) ([]types.IndexedVector, error) {
	vectors := make([]types.IndexedVector, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.cfg.EmbedConcurrency, 1))
	for i, ch := range chunks {
		g.Go(func() error {
			v, err := s.embedder.Embed(gctx, ch.Content)
			if err != nil {
				return fmt.Errorf("embed chunk %d/%d: %w", ch.ChunkIndex+1, ch.TotalChunks, err)
			}
			if len(v) != s.spec.Dimensions {
				return fmt.Errorf("%w: embedder returned %d dimensions, collection %s expects %d",
					types.ErrDimensionMismatch, len(v), s.spec.Name, s.spec.Dimensions)
			}
			vectors[i] = types.IndexedVector{ID: uuid.New(), Vector: v, Payload: ch}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}
