package config

import (
	"log/slog"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Holder publishes the current configuration snapshot. Readers never see a
// partially updated value.
type Holder struct {
	current atomic.Pointer[Config]
}

// NewHolder creates a holder seeded with cfg.
func NewHolder(cfg *Config) *Holder {
	h := &Holder{}
	h.current.Store(cfg)
	return h
}

// Load returns the current snapshot.
func (h *Holder) Load() *Config {
	return h.current.Load()
}

// Swap publishes cfg and returns the previous snapshot.
func (h *Holder) Swap(cfg *Config) *Config {
	return h.current.Swap(cfg)
}

// Watch reloads the config file at path on change and publishes each valid
// snapshot to h. Invalid edits are logged and the previous snapshot is kept.
// onChange, if set, runs after every successful swap.
func Watch(path string, h *Holder, logger *slog.Logger, onChange func(old, cur *Config)) error {
	v, err := newViper(path)
	if err != nil {
		return err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			logger.Error("Ignoring invalid configuration change", "file", e.Name, "error", err)
			return
		}
		old := h.Swap(cfg)
		logger.Info("Configuration reloaded", "file", e.Name)
		if onChange != nil {
			onChange(old, cfg)
		}
	})
	v.WatchConfig()
	return nil
}
