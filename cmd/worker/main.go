package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"attendscan/internal/bootstrap"
	"attendscan/internal/config"
	"attendscan/internal/export"
	"attendscan/internal/roster"
	"attendscan/internal/worker"
)

// Worker consumes report events and writes CSV and XLSX exports to EXPORT_DIR.
func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	logger, err := bootstrap.Logger(cfg, "attendscan-worker")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.QueueBackend == "memory" {
		logger.Warn("QUEUE_BACKEND=memory: the api exports in-process; this worker will see no events")
	}
	if cfg.StoreBackend == config.StoreMemory || cfg.StoreBackend == config.StoreBadger {
		logger.Warn("store backend is process-local; reports written by the api are not visible",
			zap.String("backend", cfg.StoreBackend))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	deps, err := bootstrap.Open(cfg, logger)
	if err != nil {
		logger.Fatal("open dependencies", zap.Error(err))
	}
	defer deps.Close()

	loc, err := cfg.Location()
	if err != nil {
		logger.Fatal("timezone", zap.Error(err))
	}

	exp := &worker.Exporter{
		Reports:   roster.NewService(deps.Store, logger),
		Formatter: export.NewFormatter(loc),
		Dir:       cfg.ExportDir,
		Logger:    logger,
	}
	if err := exp.Run(ctx, deps.Queue); err != nil {
		logger.Error("worker failed", zap.Error(err))
	}
}
