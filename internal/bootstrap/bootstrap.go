// Package bootstrap provides dependency initialization for the audiosculptor server.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/maauso/audiosculptor/internal/config"
	"github.com/maauso/audiosculptor/internal/editor"
	"github.com/maauso/audiosculptor/internal/engine"
	"github.com/maauso/audiosculptor/internal/job"
	"github.com/maauso/audiosculptor/internal/metrics"
	"github.com/maauso/audiosculptor/internal/protocol"
	"github.com/maauso/audiosculptor/internal/server"
	"github.com/maauso/audiosculptor/internal/storage"
)

// Dependencies holds all initialized dependencies for the HTTP server.
type Dependencies struct {
	Session *editor.Session
	Service *job.EditService
	Storage storage.Storage
	Metrics *metrics.Registry
	Router  http.Handler
}

// Option customizes NewDependencies.
type Option func(*options)

type options struct {
	spawn engine.SpawnFunc
}

// WithSpawner replaces the worker process started from cfg.WorkerPath.
func WithSpawner(spawn engine.SpawnFunc) Option {
	return func(o *options) { o.spawn = spawn }
}

// NewDependencies creates and initializes all dependencies for the application.
// The editor session is opened before it returns.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Dependencies, error) {
	o := options{spawn: engine.Spawner(cfg.WorkerPath, nil, logger)}
	for _, opt := range opts {
		opt(&o)
	}

	reg := metrics.New()

	// Initialize storage
	store, err := initStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	// Initialize the editor session over one engine worker
	client := protocol.NewClient(protocol.WithLogger(logger), protocol.WithObserver(reg))
	session, err := editor.New(editor.Config{
		MediaType:      cfg.Media(),
		DefaultTimeout: cfg.DefaultTimeout,
		OpenTimeout:    cfg.OpenTimeout,
	}, editor.WithClient(client), editor.WithLogger(logger), editor.WithObserver(reg))
	if err != nil {
		return nil, fmt.Errorf("create editor session: %w", err)
	}
	if err := session.Open(ctx, o.spawn); err != nil {
		return nil, fmt.Errorf("open editor session: %w", err)
	}
	logger.Info("editor session ready",
		slog.String("worker", cfg.WorkerPath),
		slog.String("media_type", cfg.Media().String()),
	)

	// Initialize job service
	svc := job.NewEditService(job.NewMemoryRepository(), session, store, logger)
	svc.SetObserver(reg)

	handlers := server.NewHandlers(svc, store, logger,
		server.WithEngine(session),
		server.WithAllowedOrigins(cfg.AllowedOrigins),
		server.WithCustomCommands(cfg.AllowCustomCommands),
	)
	router := server.NewRouter(handlers, logger, server.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		Metrics:        reg,
	})

	return &Dependencies{
		Session: session,
		Service: svc,
		Storage: store,
		Metrics: reg,
		Router:  router,
	}, nil
}

// Close stops running jobs and then the engine worker.
func (d *Dependencies) Close(ctx context.Context) error {
	return errors.Join(d.Service.Shutdown(ctx), d.Session.Close())
}

// initStorage creates the appropriate storage backend based on configuration.
func initStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	if cfg.S3Enabled() {
		s3Cfg := storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		}
		s3Store, err := storage.NewS3Storage(ctx, cfg.TempDir, s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, nil
	}

	localStore, err := storage.NewLocalStorage(cfg.TempDir)
	if err != nil {
		return nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Info("local storage configured",
		slog.String("temp_dir", cfg.TempDir),
	)
	return localStore, nil
}
