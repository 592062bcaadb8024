package storage_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/imedwei/tree-snapshot-backup/internal/storage"
	"github.com/imedwei/tree-snapshot-backup/internal/storage/storagetest"
)

const mib = 1024 * 1024

// writeRandomFile creates a file of size random bytes and returns its path
// and contents.
func writeRandomFile(t *testing.T, size int) (string, []byte) {
	t.Helper()

	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "archive.zip")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path, data
}

func TestPlanParts(t *testing.T) {
	tests := []struct {
		name     string
		size     int64
		partSize int64
		want     []int64
	}{
		{
			name:     "150MB in 64MB parts",
			size:     150 * mib,
			partSize: 64 * mib,
			want:     []int64{64 * mib, 64 * mib, 22 * mib},
		},
		{
			name:     "exact multiple",
			size:     10 * mib,
			partSize: 5 * mib,
			want:     []int64{5 * mib, 5 * mib},
		},
		{
			name:     "smaller than one part",
			size:     100,
			partSize: 5 * mib,
			want:     []int64{100},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts := storage.PlanParts(tt.size, tt.partSize)
			require.Len(t, parts, len(tt.want))
			assert.Equal(t, int64(len(tt.want)), storage.PartCount(tt.size, tt.partSize))

			var offset int64
			for i, p := range parts {
				assert.Equal(t, int32(i+1), p.Number)
				assert.Equal(t, offset, p.Offset, "parts must be contiguous")
				assert.Equal(t, tt.want[i], p.Length)
				offset += p.Length
			}
			assert.Equal(t, tt.size, offset, "parts must cover the file")
		})
	}
}

func TestPlanPartsCoverage(t *testing.T) {
	for _, size := range []int64{1, 5*mib - 1, 5 * mib, 5*mib + 1, 37*mib + 12345} {
		for _, partSize := range []int64{5 * mib, 6 * mib, 16 * mib} {
			parts := storage.PlanParts(size, partSize)
			var total int64
			for i, p := range parts {
				if i < len(parts)-1 {
					assert.Equal(t, partSize, p.Length)
				} else {
					assert.LessOrEqual(t, p.Length, partSize)
					assert.Positive(t, p.Length)
				}
				total += p.Length
			}
			assert.Equal(t, size, total)
			assert.Equal(t, (size+partSize-1)/partSize, int64(len(parts)))
		}
	}
}

func TestClampPartSize(t *testing.T) {
	assert.Equal(t, storage.MinPartSize, storage.ClampPartSize(1))
	assert.Equal(t, storage.MinPartSize, storage.ClampPartSize(storage.MinPartSize))
	assert.Equal(t, int64(64*mib), storage.ClampPartSize(64*mib))
	assert.Equal(t, storage.MaxPartSize, storage.ClampPartSize(storage.MaxPartSize+1))
}

func TestEngine_UploadSequential(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	path, data := writeRandomFile(t, 11*mib)
	store := storagetest.NewMemoryStore()
	engine := storage.NewEngine(store, nil)

	err := engine.Upload(context.Background(), path, "bucket", "p/a.zip", 5*mib, 1)
	require.NoError(t, err)

	obj, ok := store.Object("bucket", "p/a.zip")
	require.True(t, ok)
	assert.True(t, bytes.Equal(data, obj.Data), "uploaded bytes differ from source")
	assert.Equal(t, 3, store.Calls("upload_part"))
	assert.Equal(t, 1, store.Calls("complete"))
	assert.Equal(t, 0, store.Calls("abort"))
	assert.Equal(t, 1, store.MaxInFlight())
	assert.Zero(t, store.OpenUploads())
}

func TestEngine_UploadParallelOutOfOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	path, data := writeRandomFile(t, 16*mib)
	store := storagetest.NewMemoryStore()
	// Later parts finish first.
	store.BeforePart = func(ctx context.Context, partNumber int32) error {
		time.Sleep(time.Duration(5-partNumber) * 20 * time.Millisecond)
		return nil
	}
	engine := storage.NewEngine(store, nil)

	err := engine.Upload(context.Background(), path, "bucket", "a.zip", 5*mib, 4)
	require.NoError(t, err, "completion must receive parts in ascending order")

	obj, ok := store.Object("bucket", "a.zip")
	require.True(t, ok)
	assert.True(t, bytes.Equal(data, obj.Data))
	assert.Equal(t, 4, store.Calls("upload_part"))
	assert.LessOrEqual(t, store.MaxInFlight(), 4)
	assert.Greater(t, store.MaxInFlight(), 1)
}

func TestEngine_ParallelismBound(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	path, _ := writeRandomFile(t, 30*mib)
	store := storagetest.NewMemoryStore()
	store.BeforePart = func(ctx context.Context, partNumber int32) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	}

	err := storage.NewEngine(store, nil).Upload(context.Background(), path, "bucket", "a.zip", 5*mib, 2)
	require.NoError(t, err)
	assert.Equal(t, 6, store.Calls("upload_part"))
	assert.LessOrEqual(t, store.MaxInFlight(), 2)
}

func TestEngine_PartFailureAborts(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	path, _ := writeRandomFile(t, 16*mib)
	partErr := errors.New("connection reset")

	store := storagetest.NewMemoryStore()
	store.BeforePart = func(ctx context.Context, partNumber int32) error {
		if partNumber == 2 {
			return partErr
		}
		return nil
	}

	err := storage.NewEngine(store, nil).Upload(context.Background(), path, "bucket", "a.zip", 5*mib, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrTransfer)
	assert.ErrorIs(t, err, partErr)

	assert.Equal(t, 1, store.Calls("abort"), "abort exactly once")
	assert.Equal(t, 0, store.Calls("complete"), "no completion after a failed part")
	assert.Equal(t, 2, store.Calls("upload_part"), "no parts scheduled after the failure")
	assert.Zero(t, store.OpenUploads())

	_, ok := store.Object("bucket", "a.zip")
	assert.False(t, ok)

	_, statErr := os.Stat(path)
	assert.NoError(t, statErr, "local archive must survive a failed upload")
}

func TestEngine_ParallelFailureAbortsOnce(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	path, _ := writeRandomFile(t, 30*mib)
	store := storagetest.NewMemoryStore()
	store.BeforePart = func(ctx context.Context, partNumber int32) error {
		if partNumber%2 == 0 {
			return errors.New("throttled")
		}
		time.Sleep(5 * time.Millisecond)
		return nil
	}

	err := storage.NewEngine(store, nil).Upload(context.Background(), path, "bucket", "a.zip", 5*mib, 3)
	require.ErrorIs(t, err, storage.ErrTransfer)
	assert.Equal(t, 1, store.Calls("abort"))
	assert.Equal(t, 0, store.Calls("complete"))
}

func TestEngine_CompleteFailureAborts(t *testing.T) {
	path, _ := writeRandomFile(t, 6*mib)
	store := storagetest.NewMemoryStore()
	store.CompleteErr = errors.New("invalid part")

	err := storage.NewEngine(store, nil).Upload(context.Background(), path, "bucket", "a.zip", 5*mib, 2)
	require.ErrorIs(t, err, storage.ErrTransfer)
	assert.Equal(t, 1, store.Calls("complete"))
	assert.Equal(t, 1, store.Calls("abort"))
}

func TestEngine_AbortFailureSuppressed(t *testing.T) {
	path, _ := writeRandomFile(t, 6*mib)
	partErr := errors.New("part rejected")

	store := storagetest.NewMemoryStore()
	store.AbortErr = errors.New("abort denied")
	store.BeforePart = func(ctx context.Context, partNumber int32) error {
		return partErr
	}

	err := storage.NewEngine(store, nil).Upload(context.Background(), path, "bucket", "a.zip", 5*mib, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, partErr, "the original failure is returned")
	assert.NotErrorIs(t, err, storage.ErrSessionAbort)
	assert.Equal(t, 1, store.Calls("abort"))
}

func TestEngine_CancelledContext(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	path, _ := writeRandomFile(t, 16*mib)
	ctx, cancel := context.WithCancel(context.Background())

	store := storagetest.NewMemoryStore()
	store.BeforePart = func(ctx context.Context, partNumber int32) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}

	err := storage.NewEngine(store, nil).Upload(ctx, path, "bucket", "a.zip", 5*mib, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, store.Calls("abort"), "abort still issued after cancellation")
	assert.Equal(t, 0, store.Calls("complete"))
}

func TestEngine_TooManyPartsBeforeSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huge.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	// Sparse: nothing is read before the part count check.
	require.NoError(t, f.Truncate(storage.MaxParts*storage.MinPartSize+1))
	require.NoError(t, f.Close())

	store := storagetest.NewMemoryStore()
	err = storage.NewEngine(store, nil).Upload(context.Background(), path, "bucket", "a.zip", 1, 4)

	require.ErrorIs(t, err, storage.ErrTooManyParts)
	assert.Equal(t, 0, store.Calls("create"), "no session may be opened")
	assert.Equal(t, 0, store.Calls("abort"))
}

func TestEngine_StorePartLimit(t *testing.T) {
	path, _ := writeRandomFile(t, 11*mib)

	store := storagetest.NewMemoryStore()
	store.PartLimit = 2
	err := storage.NewEngine(store, nil).Upload(context.Background(), path, "bucket", "a.zip", 5*mib, 4)

	require.ErrorIs(t, err, storage.ErrTooManyParts)
	assert.Contains(t, err.Error(), "max 2")
	assert.Equal(t, 0, store.Calls("create"), "no session may be opened")
	assert.Equal(t, 0, store.Calls("upload_part"))

	// The same file fits once the parts are larger.
	require.NoError(t, storage.NewEngine(store, nil).Upload(context.Background(), path, "bucket", "a.zip", 6*mib, 4))
	assert.Equal(t, 1, store.Calls("complete"))
}

func TestPartLimit(t *testing.T) {
	store := storagetest.NewMemoryStore()
	assert.Equal(t, storage.MaxParts, storage.PartLimit(store))

	store.PartLimit = 1024
	assert.Equal(t, int64(1024), storage.PartLimit(store))
	assert.Equal(t, int64(1024), storage.PartLimit(storage.NewRetryableStore(store, "memory", storage.DefaultRetryConfig(), nil)),
		"the retry wrapper reports the wrapped store's limit")

	store.PartLimit = 2 * storage.MaxParts
	assert.Equal(t, storage.MaxParts, storage.PartLimit(store), "never above the protocol maximum")
}

func TestEngine_EmptyFileRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.zip")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	store := storagetest.NewMemoryStore()
	err := storage.NewEngine(store, nil).Upload(context.Background(), path, "bucket", "a.zip", 5*mib, 1)

	require.ErrorIs(t, err, storage.ErrTransfer)
	assert.Equal(t, 0, store.Calls("create"))
}

func TestEngine_CreateFailureNoAbort(t *testing.T) {
	path, _ := writeRandomFile(t, 6*mib)
	store := storagetest.NewMemoryStore()
	store.CreateErr = errors.New("access denied")

	err := storage.NewEngine(store, nil).Upload(context.Background(), path, "bucket", "a.zip", 5*mib, 1)
	require.ErrorIs(t, err, storage.ErrTransfer)
	assert.Equal(t, 0, store.Calls("abort"), "nothing to abort without a session")
}
