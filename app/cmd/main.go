package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"askpdf/app/server"
	"askpdf/config"
	"askpdf/loader/service"
	"askpdf/model"
	"askpdf/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("error loading config: ", err)
	}
	logger := cfg.NewLogger("server")

	if cfg.QueueBackend == "memory" && !cfg.WorkerInProcess {
		log.Fatal("the memory queue needs the worker inside the server (WORKER_INPROCESS=true)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backends, err := store.Open(ctx, cfg)
	if err != nil {
		log.Fatal("error opening stores: ", err)
	}
	defer backends.Close()

	chat := model.NewOllamaChat(cfg.OllamaURL, cfg.ChatModel)
	s := server.NewServer(cfg, server.Deps{
		Queue:     backends.Queue,
		Index:     backends.Index,
		Embedder:  model.NewOllamaEmbedder(cfg.OllamaURL, cfg.EmbedModel),
		Generator: chat,
		Models:    chat,
		Extractor: service.NewExtractor(cfg, logger),
	})

	if err := s.Run(ctx); err != nil {
		logger.Error("server stopped with error", "error", err)
		backends.Close()
		os.Exit(1)
	}
	logger.Info("Received shutdown signal, server stopped")
}
