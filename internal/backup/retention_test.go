package backup

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imedwei/tree-snapshot-backup/internal/storage/storagetest"
	"github.com/imedwei/tree-snapshot-backup/internal/utils"
)

// seedSnapshots stores n snapshots of world-backup under mc-backups, one hour
// apart, oldest first, and returns their keys in the same order.
func seedSnapshots(store *storagetest.MemoryStore, n int) []string {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	keys := make([]string, n)
	for i := range n {
		ts := base.Add(time.Duration(i) * time.Hour)
		keys[i] = "mc-backups/" + utils.GenerateSnapshotName("world-backup", ts)
		store.Seed("bucket", keys[i], []byte("snapshot"), ts)
	}
	return keys
}

func TestPruner_Prune(t *testing.T) {
	store := storagetest.NewMemoryStore()
	keys := seedSnapshots(store, 7)

	deleted := NewPruner(store, discard).Prune(context.Background(), "bucket", "mc-backups", "world-backup", 5)
	assert.Equal(t, 2, deleted)

	remaining := store.Keys("bucket")
	assert.ElementsMatch(t, keys[2:], remaining)
	assert.Equal(t, 2, store.Calls("delete"))
}

func TestPruner_PruneDeleteFailureContinues(t *testing.T) {
	store := storagetest.NewMemoryStore()
	keys := seedSnapshots(store, 7)
	store.DeleteErr = map[string]error{keys[0]: errors.New("access denied")}

	deleted := NewPruner(store, discard).Prune(context.Background(), "bucket", "mc-backups", "world-backup", 5)
	assert.Equal(t, 1, deleted)
	assert.Equal(t, 2, store.Calls("delete"), "both deletions attempted")

	remaining := store.Keys("bucket")
	assert.Contains(t, remaining, keys[0])
	assert.NotContains(t, remaining, keys[1])
	assert.Len(t, remaining, 6)
}

func TestPruner_PruneKeepsNewest(t *testing.T) {
	for total := 0; total <= 8; total++ {
		for keep := 1; keep <= 6; keep++ {
			t.Run(fmt.Sprintf("total=%d/keep=%d", total, keep), func(t *testing.T) {
				store := storagetest.NewMemoryStore()
				keys := seedSnapshots(store, total)

				NewPruner(store, discard).Prune(context.Background(), "bucket", "mc-backups", "world-backup", keep)

				want := keys
				if total > keep {
					want = keys[total-keep:]
				}
				assert.ElementsMatch(t, want, store.Keys("bucket"))
			})
		}
	}
}

func TestPruner_PruneDisabled(t *testing.T) {
	store := storagetest.NewMemoryStore()
	seedSnapshots(store, 3)

	for _, keep := range []int{0, -1} {
		assert.Zero(t, NewPruner(store, discard).Prune(context.Background(), "bucket", "mc-backups", "world-backup", keep))
	}
	assert.Equal(t, 0, store.Calls("list"))
	assert.Len(t, store.Keys("bucket"), 3)
}

func TestPruner_PruneListFailure(t *testing.T) {
	store := storagetest.NewMemoryStore()
	seedSnapshots(store, 7)
	store.ListErr = errors.New("throttled")

	assert.Zero(t, NewPruner(store, discard).Prune(context.Background(), "bucket", "mc-backups", "world-backup", 5))
	assert.Equal(t, 0, store.Calls("delete"))
}

func TestPruner_PruneLeavesUnrelatedObjects(t *testing.T) {
	store := storagetest.NewMemoryStore()
	keys := seedSnapshots(store, 3)
	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	unrelated := []string{
		"mc-backups/notes.txt",
		"mc-backups/creative-backup-2020-01-01T00-00-00-000Z.zip",
		"other/world-backup-2020-01-01T00-00-00-000Z.zip",
	}
	for _, k := range unrelated {
		store.Seed("bucket", k, []byte("x"), old)
	}

	deleted := NewPruner(store, discard).Prune(context.Background(), "bucket", "mc-backups", "world-backup", 1)
	assert.Equal(t, 2, deleted)
	assert.ElementsMatch(t, append([]string{keys[2]}, unrelated...), store.Keys("bucket"))
}

func TestListSnapshots(t *testing.T) {
	store := storagetest.NewMemoryStore()
	store.PageSize = 2
	keys := seedSnapshots(store, 5)

	snapshots, err := ListSnapshots(context.Background(), store, "bucket", "mc-backups", "world-backup")
	require.NoError(t, err)
	require.Len(t, snapshots, 5)
	assert.Equal(t, 3, store.Calls("list"), "every page followed")

	for i, obj := range snapshots {
		assert.Equal(t, keys[len(keys)-1-i], obj.Key, "newest first")
	}
}

func TestListSnapshots_TieBreak(t *testing.T) {
	store := storagetest.NewMemoryStore()
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.Seed("bucket", "world-backup-a.zip", []byte("a"), ts)
	store.Seed("bucket", "world-backup-c.zip", []byte("c"), ts)
	store.Seed("bucket", "world-backup-b.zip", []byte("b"), ts)

	snapshots, err := ListSnapshots(context.Background(), store, "bucket", "", "world-backup")
	require.NoError(t, err)
	require.Len(t, snapshots, 3)
	assert.Equal(t, "world-backup-c.zip", snapshots[0].Key)
	assert.Equal(t, "world-backup-b.zip", snapshots[1].Key)
	assert.Equal(t, "world-backup-a.zip", snapshots[2].Key)
}
