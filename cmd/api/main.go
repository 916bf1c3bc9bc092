package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"attendscan/internal/attendance"
	"attendscan/internal/bootstrap"
	"attendscan/internal/config"
	"attendscan/internal/export"
	"attendscan/internal/handler"
	"attendscan/internal/httpmiddleware"
	"attendscan/internal/metrics"
	"attendscan/internal/report"
	"attendscan/internal/roster"
	"attendscan/internal/session"
	"attendscan/internal/worker"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger, err := bootstrap.Logger(cfg, "attendscan-api")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, logger); err != nil {
		logger.Fatal("http server failed", zap.Error(err))
	}
}

func runHTTP(cfg config.App, logger *zap.Logger) error {
	ctx := context.Background()
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	deps, err := bootstrap.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Warn("close dependencies", zap.Error(err))
		}
	}()

	m := metrics.New(nil)
	rosters := roster.NewService(deps.Store, logger)
	att := attendance.NewService(rosters, deps.Queue, m, session.Config{
		Detector:      bootstrap.Detector(ctx, cfg, logger),
		Camera:        bootstrap.Camera(cfg),
		Interval:      cfg.ScanInterval,
		CameraTimeout: cfg.CameraTimeout,
		Reports:       report.NewBuilder(),
		Logger:        logger,
	}, logger)
	defer att.Close()

	limiter := httpmiddleware.NewRateLimiter(cfg.RateLimitPerMin)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(logger, "/healthz", "/metrics"))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Disposition"},
		AllowCredentials: !containsWildcard(cfg.CORSOrigins),
		MaxAge:           24 * time.Hour,
	}))
	r.Use(httpmiddleware.SecurityHeaders())
	r.Use(limiter.GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handler.New(rosters, att, export.NewFormatter(loc), m, deps.Checks, logger).Register(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()

	// An in-memory queue is only visible inside this process, so exports run here.
	if cfg.QueueBackend == "memory" && cfg.ExportDir != "" {
		exp := &worker.Exporter{
			Reports:   rosters,
			Formatter: export.NewFormatter(loc),
			Dir:       cfg.ExportDir,
			Metrics:   m,
			Logger:    logger,
		}
		go func() {
			if err := exp.Run(bgCtx, deps.Queue); err != nil {
				logger.Error("in-process exporter failed", zap.Error(err))
			}
		}()
	}

	go func() {
		t := time.NewTicker(10 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				limiter.Prune()
			case <-bgCtx.Done():
				return
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", srv.Addr), zap.String("store", cfg.StoreBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced shutdown", zap.Error(err))
	}
	logger.Info("server exited")
	return nil
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
