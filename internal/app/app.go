// Package app wires configuration, storage backend, engine and backups into
// one lifecycle.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/eventkeep/eventkeep/internal/backup"
	"github.com/eventkeep/eventkeep/internal/config"
	"github.com/eventkeep/eventkeep/internal/engine"
	"github.com/eventkeep/eventkeep/internal/index"
	"github.com/eventkeep/eventkeep/internal/logging"
	"github.com/eventkeep/eventkeep/internal/observability"
	"github.com/eventkeep/eventkeep/internal/wide"
)

// DefaultGCInterval is how often the badger value log is garbage collected.
const DefaultGCInterval = 10 * time.Minute

// App owns the storage backend and the services built on it.
type App struct {
	cfg *config.Config
	log *slog.Logger

	// Shared resources
	registry *prometheus.Registry
	store    wide.Store
	metrics  *observability.Metrics
	filters  *observability.FilterStats

	// Service components
	engine *engine.Engine
	backup *backup.Service

	// Lifecycle
	mu     sync.Mutex
	opened bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new App with the given configuration.
func New(cfg *config.Config) (*App, error) {
	// Resolve paths and validate
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Ensure directories exist
	if cfg.Storage.Type != config.StorageMemory {
		if err := cfg.EnsureDirectories(); err != nil {
			return nil, fmt.Errorf("failed to create directories: %w", err)
		}
	}

	return &App{
		cfg:      cfg,
		log:      logging.Component("app"),
		registry: prometheus.NewRegistry(),
	}, nil
}

// Open opens the storage backend and builds the engine and backup service.
func (a *App) Open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.opened {
		return fmt.Errorf("app is already open")
	}

	def, err := index.NewDefinition(a.cfg.Indexes.Channels, a.cfg.Indexes.Types)
	if err != nil {
		return err
	}
	accessors, err := index.NewAccessorTable(a.cfg.Fields)
	if err != nil {
		return err
	}
	metrics, err := observability.NewMetrics(a.registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	store, err := a.openStore()
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}

	svc, err := a.openBackup(ctx, store)
	if err != nil {
		store.Close()
		return fmt.Errorf("failed to initialize backups: %w", err)
	}

	a.store = store
	a.metrics = metrics
	a.filters = observability.NewFilterStats(24 * time.Hour)
	a.backup = svc
	a.engine = engine.New(store, engine.Config{
		Definition:        def,
		Accessors:         accessors,
		Metrics:           metrics,
		Filters:           a.filters,
		CountCap:          a.cfg.Query.CountCap,
		MaxEvents:         a.cfg.Query.MaxEvents,
		FetchChunk:        a.cfg.Query.FetchChunk,
		FetchConcurrency:  a.cfg.Query.FetchConcurrency,
		IngestConcurrency: a.cfg.Ingest.Concurrency,
	})

	bgCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	if gc, ok := store.(*wide.BadgerStore); ok {
		a.wg.Add(1)
		go a.runGC(bgCtx, gc, DefaultGCInterval)
	}

	a.opened = true
	a.log.Info("eventkeep opened",
		"storage", a.cfg.Storage.Type,
		"path", a.cfg.Storage.Path,
		"channels", len(a.cfg.Indexes.Channels),
		"types", len(a.cfg.Indexes.Types),
		"backup", a.cfg.Backup.Type,
	)
	return nil
}

func (a *App) openStore() (wide.Store, error) {
	switch a.cfg.Storage.Type {
	case config.StorageSQLite:
		return wide.OpenSQLite(a.cfg.Storage.Path)
	case config.StorageBadger:
		return wide.OpenBadger(a.cfg.Storage.Path)
	case config.StorageMemory:
		return wide.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", a.cfg.Storage.Type)
	}
}

func (a *App) openBackup(ctx context.Context, store wide.Store) (*backup.Service, error) {
	var (
		objects backup.ObjectStorage
		err     error
	)
	switch a.cfg.Backup.Type {
	case "":
		return nil, nil
	case config.BackupLocal:
		objects, err = backup.NewLocalStorage(a.cfg.Backup.Path)
	case config.BackupS3:
		s3Cfg := backup.DefaultS3Config()
		if a.cfg.Backup.S3.Region != "" {
			s3Cfg.Region = a.cfg.Backup.S3.Region
		}
		s3Cfg.Endpoint = a.cfg.Backup.S3.Endpoint
		s3Cfg.UsePathStyle = a.cfg.Backup.S3.UsePathStyle
		objects, err = backup.NewS3Storage(ctx, a.cfg.Backup.S3.Bucket, s3Cfg)
		if err == nil {
			a.log.Info("s3 backups configured",
				"bucket", a.cfg.Backup.S3.Bucket,
				"region", s3Cfg.Region,
				"endpoint", s3Cfg.Endpoint,
			)
		}
	default:
		return nil, fmt.Errorf("unsupported backup type: %s", a.cfg.Backup.Type)
	}
	if err != nil {
		return nil, err
	}

	return backup.NewService(store, objects,
		backup.WithPrefix(a.cfg.Backup.Prefix),
		backup.WithTempDir(a.cfg.DataDir),
		backup.WithFetchConcurrency(a.cfg.Query.FetchConcurrency),
	), nil
}

func (a *App) runGC(ctx context.Context, store *wide.BadgerStore, interval time.Duration) {
	defer a.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.RunGC(); err != nil {
				a.log.Warn("badger value log gc failed", "error", err)
			}
		}
	}
}

// Config returns the resolved configuration.
func (a *App) Config() *config.Config {
	return a.cfg
}

// Engine returns the engine. It is nil until Open succeeds.
func (a *App) Engine() *engine.Engine {
	return a.engine
}

// Backup returns the backup service, or nil when backups are disabled.
func (a *App) Backup() *backup.Service {
	return a.backup
}

// Store returns the wide-column backend.
func (a *App) Store() wide.Store {
	return a.store
}

// Registry returns the prometheus registry the metrics are registered on.
func (a *App) Registry() *prometheus.Registry {
	return a.registry
}

// Close stops background work and releases the storage backend. Closing an
// app that is not open is a no-op.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.opened {
		return nil
	}
	a.opened = false

	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	err := a.store.Close()
	if err != nil {
		a.log.Error("storage close failed", "error", err)
	}

	for _, s := range a.filters.Suggestions(5) {
		a.log.Info("unindexed filter shape requested",
			"channel", s.Channel, "fields", s.Fields, "rejected", s.Rejected)
	}

	a.log.Info("eventkeep closed")
	return err
}
