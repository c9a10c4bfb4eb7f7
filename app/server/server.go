package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"

	"askpdf/app/agent"
	"askpdf/app/api"
	"askpdf/app/middleware"
	"askpdf/config"
	"askpdf/loader/service"
	"askpdf/model"
	"askpdf/store"
)

type Deps struct {
	Queue     store.JobQueue
	Index     store.VectorIndex
	Embedder  model.Embedder
	Generator model.Generator
	Models    model.ModelLister
	// Extractor is only needed when the worker runs in-process.
	Extractor service.Extractor
}

type Server struct {
	listenAddr string
	logger     *slog.Logger
	cfg        *config.Config
	deps       Deps
	app        *fiber.App

	base   context.Context
	cancel context.CancelFunc
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		listenAddr: cfg.ServerAddr,
		logger:     slog.Default(),
		cfg:        cfg,
		deps:       deps,
		base:       base,
		cancel:     cancel,
	}
	s.app = s.routes()
	return s
}

func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) routes() *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: api.ErrorHandler,
		// Leave room for the multipart envelope so the upload handler can
		// report the size limit itself.
		BodyLimit:             int(s.cfg.MaxUploadBytes) + 1<<20,
		DisableStartupMessage: true,
	})
	app.Use(middleware.RequestLogger(s.logger, "/health"))

	var (
		a              = agent.New(s.cfg, s.deps.Embedder, s.deps.Index, s.deps.Generator, s.logger)
		checkHandler   = api.NewCheckHandler(s.deps.Models)
		fileHandler    = api.NewFileHandler(s.deps.Queue, s.cfg.UploadDir, s.cfg.MaxUploadBytes)
		requestHandler = api.NewRequestHandler(s.base, a)
		configHandler  = api.NewConfigHandler(s.cfg)
		check          = app.Group("/check")
		apiv1          = app.Group("/api/v1")
	)

	app.Get("/", checkHandler.HandleRoot)
	app.Get("/health", checkHandler.HandleHealthy)
	app.Post("/upload/pdf", fileHandler.HandleUploadPDF)
	app.Get("/chat", requestHandler.HandleChat)

	check.Get("/healthy", checkHandler.HandleHealthy)

	apiv1.Post("/chat", requestHandler.HandleRequest)
	apiv1.Post("/upload", fileHandler.HandleUploadPDF)
	apiv1.Get("/jobs/:id", fileHandler.HandleGetJob)
	apiv1.Get("/config", configHandler.HandleGetConfig)
	return app
}

// Run serves HTTP until ctx is done. With WorkerInProcess the ingestion
// worker runs alongside; its fatal errors stop the server.
func (s *Server) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		return fmt.Errorf("create upload directory: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errc := make(chan error, 2)

	if s.cfg.WorkerInProcess {
		worker := service.New(s.cfg, service.Deps{
			Queue:     s.deps.Queue,
			Index:     s.deps.Index,
			Embedder:  s.deps.Embedder,
			Extractor: s.deps.Extractor,
			Logger:    s.logger.With("component", "worker"),
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := worker.Run(ctx); err != nil {
				errc <- err
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.logger.Info("server listening", "addr", s.listenAddr)
		if err := s.app.Listen(s.listenAddr); err != nil {
			errc <- err
		}
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
		s.logger.Error("server stopping", "error", err)
	}
	cancel()
	s.Stop()
	wg.Wait()
	return err
}

func (s *Server) Stop() {
	s.cancel()
	if err := s.app.ShutdownWithTimeout(5 * time.Second); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		s.logger.Error("server shutdown", "error", err)
	}
	s.logger.Info("server stopped")
}
