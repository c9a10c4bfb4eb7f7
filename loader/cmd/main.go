package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

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
	logger := cfg.NewLogger("loader")

	if cfg.QueueBackend == "memory" {
		log.Fatal("the memory queue only works with the worker inside the server (WORKER_INPROCESS=true)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backends, err := store.Open(ctx, cfg)
	if err != nil {
		log.Fatal("error opening stores: ", err)
	}
	defer backends.Close()

	svc := service.New(cfg, service.Deps{
		Queue:     backends.Queue,
		Index:     backends.Index,
		Embedder:  model.NewOllamaEmbedder(cfg.OllamaURL, cfg.EmbedModel),
		Extractor: service.NewExtractor(cfg, logger),
		Logger:    logger,
	})

	if err := svc.Run(ctx); err != nil {
		logger.Error("loader stopped with error", "error", err)
		backends.Close()
		os.Exit(1)
	}
}
