// Package daemon assembles the offq components from configuration and runs
// them as a long-lived background process.
package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/offq/offq/internal/config"
	"github.com/offq/offq/internal/conflict"
	"github.com/offq/offq/internal/coordinator"
	"github.com/offq/offq/internal/queue"
	"github.com/offq/offq/internal/remote"
	"github.com/offq/offq/internal/storage"
	pebblestore "github.com/offq/offq/internal/storage/pebble"
	"github.com/offq/offq/internal/storage/sqlite"
)

// Options tunes Open beyond what the config file holds.
type Options struct {
	// StartOnline starts the coordinator online. The daemon starts offline
	// and lets the connectivity monitor decide; one-shot commands probe the
	// remote first and pass the result here.
	StartOnline bool

	// Remote overrides the configured remote client.
	Remote remote.Client
}

// Engine is the wired queue stack: storage, remote, conflicts, queue and
// coordinator.
type Engine struct {
	Config      *config.Config
	KV          storage.KV
	Records     *storage.Records
	Remote      remote.Client
	Conflicts   *conflict.Registry
	Queue       *queue.Manager
	Coordinator *coordinator.Coordinator

	logger zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

// OpenKV opens the configured storage backend.
func OpenKV(cfg *config.Config) (storage.KV, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return storage.NewMemory(), nil
	case config.BackendSQLite:
		return sqlite.Open(cfg.StoragePath(), sqlite.Options{Driver: cfg.Storage.Driver})
	case config.BackendPebble:
		return pebblestore.Open(pebblestore.Options{DataDir: cfg.StoragePath(), NoSync: cfg.Storage.NoSync})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// NewRemote builds the configured remote client.
func NewRemote(cfg *config.Config) remote.Client {
	if cfg.Remote.Mode == config.RemoteMemory {
		return remote.NewMemoryStore()
	}
	return remote.NewHTTPClient(cfg.Remote.URL, cfg.Remote.Token, nil)
}

// Open wires an Engine from cfg. The caller must Close it.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts Options) (*Engine, error) {
	codec, err := storage.CodecByName(cfg.Storage.Codec)
	if err != nil {
		return nil, err
	}
	kv, err := OpenKV(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Backend, err)
	}

	client := opts.Remote
	if client == nil {
		client = NewRemote(cfg)
	}

	records := storage.NewRecords(kv, codec)
	registry := conflict.NewRegistry(records, logger)

	q, err := queue.NewManager(ctx, queue.Config{
		Store:              queue.NewStore(records, logger),
		Policy:             cfg.Policy(),
		PreserveRetryCount: cfg.Queue.PreserveRetryCount,
		ExecuteTimeout:     cfg.Queue.ExecuteTimeout,
		Executor:           client,
		Snapshots:          client,
		Detector:           conflict.NewDetector(),
		Conflicts:          registry,
		Logger:             logger,
	})
	if err != nil {
		kv.Close()
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}

	coord, err := coordinator.New(ctx, coordinator.Config{
		Queue:         q,
		Conflicts:     registry,
		Records:       records,
		DisplayWindow: cfg.Coordinator.DisplayWindow,
		HistoryLimit:  cfg.Coordinator.HistoryLimit,
		StartOffline:  !opts.StartOnline,
		Logger:        logger,
	})
	if err != nil {
		kv.Close()
		return nil, err
	}

	logger.Debug().
		Str("backend", cfg.Storage.Backend).
		Str("codec", codec.Name()).
		Str("remote", cfg.Remote.Mode).
		Int("pending", q.Status().Pending).
		Msg("engine opened")

	return &Engine{
		Config:      cfg,
		KV:          kv,
		Records:     records,
		Remote:      client,
		Conflicts:   registry,
		Queue:       q,
		Coordinator: coord,
		logger:      logger,
	}, nil
}

// LockPath is the daemon pid file, next to the database.
func (e *Engine) LockPath() string {
	return LockPath(e.Config)
}

// LockPath is the daemon pid file for cfg.
func LockPath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.StoragePath()), "daemon.pid")
}

// Close stops the coordinator and closes storage. Later calls return the
// first result.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.Coordinator.Close()
		e.closeErr = e.KV.Close()
	})
	return e.closeErr
}
