// Package bootstrap builds the shared dependencies of the api and worker binaries from config.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"attendscan/internal/camera"
	"attendscan/internal/config"
	"attendscan/internal/detection"
	"attendscan/internal/queue"
	"attendscan/internal/store"
	"attendscan/pkg/logger"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck = func(ctx context.Context) bool

// Deps are the long-lived connections opened for one process.
type Deps struct {
	Store  store.Backend
	Queue  queue.Queue
	Checks map[string]HealthCheck

	redis *store.Redis
}

// Logger builds the process logger from the LOG_* settings.
func Logger(cfg config.App, service string) (*zap.Logger, error) {
	return logger.New(&cfg.Log, service)
}

// Open connects the configured storage backend and queue. A redis client is
// shared when both use redis.
func Open(cfg config.App, log *zap.Logger) (*Deps, error) {
	log = logger.OrNop(log)
	d := &Deps{Checks: make(map[string]HealthCheck)}

	if cfg.StoreBackend == config.StoreRedis || cfg.QueueBackend == "redis" {
		d.redis = store.NewRedis(cfg.RedisAddr)
		d.Checks["redis"] = d.redis.Healthy
	}

	switch cfg.StoreBackend {
	case config.StoreMemory:
		d.Store = store.NewMemory()
	case config.StoreBadger:
		b, err := store.OpenBadger(cfg.BadgerDir)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("open badger: %w", err)
		}
		d.Store = b
	case config.StoreRedis:
		d.Store = d.redis
	case config.StorePostgres:
		db, err := store.NewDB(cfg.DatabaseURL)
		if err != nil {
			_ = db.Close()
			d.Close()
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := db.Migrate(); err != nil {
			_ = db.Close()
			d.Close()
			return nil, err
		}
		d.Store = db
		d.Checks["db"] = db.Healthy
	default:
		d.Close()
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	log.Info("store ready", zap.String("backend", cfg.StoreBackend))

	if cfg.QueueBackend == "redis" {
		d.Queue = queue.NewRedisQueue(d.redis.Client, cfg.QueueKey, log)
	} else {
		d.Queue = queue.NewInMemory(64)
	}
	return d, nil
}

// Close releases the store and the redis client.
func (d *Deps) Close() error {
	var errs []error
	if d.Store != nil && d.Store != store.Backend(d.redis) {
		errs = append(errs, d.Store.Close())
	}
	if d.redis != nil {
		errs = append(errs, d.redis.Close())
	}
	return errors.Join(errs...)
}

// Detector picks the detection strategy. The face service falls back to the
// simulator while FACE_SKIP is set.
func Detector(ctx context.Context, cfg config.App, log *zap.Logger) detection.Detector {
	sim := detection.NewSimulator(cfg.DetectionProbability, nil)
	if cfg.Detector != "face" {
		return sim
	}
	face := detection.NewFaceService(cfg.FaceServiceURL, cfg.FaceSkip, sim, log)
	if !cfg.FaceSkip {
		if err := face.Health(ctx); err != nil {
			logger.OrNop(log).Warn("face service not available", zap.Error(err))
		}
	}
	return face
}

// Camera returns the video source; an empty device or "none" means no camera.
func Camera(cfg config.App) camera.Source {
	if cfg.CameraDevice == "" || cfg.CameraDevice == "none" {
		return camera.Unavailable{}
	}
	return camera.Device{Path: cfg.CameraDevice}
}
