package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/imedwei/tree-snapshot-backup/internal/config"
)

// ErrNotInitialized is returned by Registry.Current before Init succeeds.
var ErrNotInitialized = errors.New("storage client not initialized")

// Factory builds a store for a configuration snapshot.
type Factory func(ctx context.Context, cfg *config.Config) (ObjectStore, error)

// Registry owns the process-wide store client. It is built on demand and
// rebuilt when credentials or endpoints change.
type Registry struct {
	mu      sync.RWMutex
	store   ObjectStore
	factory Factory
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(factory Factory, logger *slog.Logger) *Registry {
	if factory == nil {
		factory = NewStore
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{factory: factory, logger: logger}
}

// Init builds the store if none exists yet.
func (r *Registry) Init(ctx context.Context, cfg *config.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.store != nil {
		return nil
	}
	store, err := r.factory(ctx, cfg)
	if err != nil {
		return err
	}
	r.store = store
	r.logger.Info("Storage client initialized", "provider", cfg.StorageProvider)
	return nil
}

// Rebuild replaces the store with one built from cfg and closes the old one.
// On failure the existing store is kept.
func (r *Registry) Rebuild(ctx context.Context, cfg *config.Config) error {
	store, err := r.factory(ctx, cfg)
	if err != nil {
		return err
	}

	r.mu.Lock()
	old := r.store
	r.store = store
	r.mu.Unlock()

	r.closeStore(old)
	r.logger.Info("Storage client rebuilt", "provider", cfg.StorageProvider)
	return nil
}

// Current returns the active store.
func (r *Registry) Current() (ObjectStore, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.store == nil {
		return nil, ErrNotInitialized
	}
	return r.store, nil
}

// Close releases the active store.
func (r *Registry) Close() {
	r.mu.Lock()
	old := r.store
	r.store = nil
	r.mu.Unlock()

	r.closeStore(old)
}

func (r *Registry) closeStore(store ObjectStore) {
	c, ok := store.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		r.logger.Warn("Failed to close storage client", "error", err)
	}
}
