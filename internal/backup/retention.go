package backup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/imedwei/tree-snapshot-backup/internal/metrics"
	"github.com/imedwei/tree-snapshot-backup/internal/storage"
	"github.com/imedwei/tree-snapshot-backup/internal/utils"
)

// Pruner deletes superseded remote snapshots.
type Pruner struct {
	store  storage.ObjectStore
	logger *slog.Logger
}

// NewPruner creates a pruner over store.
func NewPruner(store storage.ObjectStore, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{
		store:  store,
		logger: logger.With("component", "retention"),
	}
}

// Prune keeps the keepN most recently modified snapshots of baseName under
// prefix and deletes the rest. It is best effort: failures are logged, and
// the number of objects actually deleted is returned.
func (p *Pruner) Prune(ctx context.Context, bucket, prefix, baseName string, keepN int) int {
	if keepN <= 0 {
		return 0
	}

	snapshots, err := ListSnapshots(ctx, p.store, bucket, prefix, baseName)
	if err != nil {
		p.logger.Warn("Skipping retention pass", "error", fmt.Errorf("%w: %w", ErrPrune, err))
		return 0
	}
	if len(snapshots) <= keepN {
		p.logger.Debug("Nothing to prune", "snapshots", len(snapshots), "keep", keepN)
		return 0
	}

	deleted := 0
	for _, obj := range snapshots[keepN:] {
		if err := p.store.DeleteObject(ctx, bucket, obj.Key); err != nil {
			p.logger.Warn("Failed to delete old snapshot",
				"key", obj.Key,
				"error", fmt.Errorf("%w: %w", ErrPrune, err),
			)
			continue
		}
		deleted++
		metrics.SnapshotsPruned.Inc()
		p.logger.Info("Deleted old snapshot", "key", obj.Key, "last_modified", obj.LastModified)
	}

	p.logger.Info("Retention pass completed",
		"snapshots", len(snapshots),
		"keep", keepN,
		"deleted", deleted,
	)
	return deleted
}

// ListSnapshots returns every snapshot of baseName under prefix, newest first.
// Equal timestamps are ordered by key, descending.
func ListSnapshots(ctx context.Context, store storage.ObjectStore, bucket, prefix, baseName string) ([]storage.ObjectInfo, error) {
	listPrefix := utils.ListPrefix(prefix)

	var snapshots []storage.ObjectInfo
	token := ""
	for {
		page, err := store.ListObjects(ctx, bucket, listPrefix, token)
		if err != nil {
			return nil, fmt.Errorf("failed to list snapshots: %w", err)
		}
		for _, obj := range page.Objects {
			if utils.IsSnapshotKey(obj.Key, baseName) {
				snapshots = append(snapshots, obj)
			}
		}
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}

	sort.Slice(snapshots, func(i, j int) bool {
		if !snapshots[i].LastModified.Equal(snapshots[j].LastModified) {
			return snapshots[i].LastModified.After(snapshots[j].LastModified)
		}
		return snapshots[i].Key > snapshots[j].Key
	})
	return snapshots, nil
}
