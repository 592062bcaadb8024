package utils

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sync"
)

// ExitCleanup collects paths to remove when the process exits.
type ExitCleanup struct {
	mu    sync.Mutex
	paths []string
}

// DefaultExitCleanup is drained by the snapshot command on shutdown.
var DefaultExitCleanup = &ExitCleanup{}

// Add registers path for removal at exit.
func (c *ExitCleanup) Add(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths = append(c.paths, path)
}

// Pending returns the registered paths.
func (c *ExitCleanup) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.paths...)
}

// Run removes every registered path, best effort, and returns how many are
// gone afterwards.
func (c *ExitCleanup) Run(logger *slog.Logger) int {
	c.mu.Lock()
	paths := c.paths
	c.paths = nil
	c.mu.Unlock()

	removed := 0
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("Failed to remove file at exit", "path", p, "error", err)
			continue
		}
		removed++
	}
	return removed
}
