package storage

import (
	"context"
	"fmt"
	"os"
)

// PutWhole uploads the file at path in a single request.
func PutWhole(ctx context.Context, store ObjectStore, path, bucket, key string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: failed to open %s: %w", ErrTransfer, path, err)
	}
	defer func() {
		_ = file.Close()
	}()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("%w: failed to stat %s: %w", ErrTransfer, path, err)
	}

	if err := store.PutObject(ctx, bucket, key, file, info.Size()); err != nil {
		return fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	return nil
}
