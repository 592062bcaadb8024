package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/imedwei/tree-snapshot-backup/internal/config"
	"github.com/imedwei/tree-snapshot-backup/internal/metrics"
)

// RetryConfig holds retry configuration for storage operations.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Clock        clock.Clock
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Clock:        clock.WallClock,
	}
}

// RetryableStore wraps an ObjectStore with retries for the idempotent
// control-plane calls. Data-plane calls (PutObject, UploadPart, Complete and
// Abort) pass straight through so the multipart engine keeps sole control of
// session lifecycle.
type RetryableStore struct {
	store    ObjectStore
	config   RetryConfig
	provider string
	logger   *slog.Logger
}

// NewRetryableStore creates a new store wrapper with retry logic.
func NewRetryableStore(store ObjectStore, provider string, config RetryConfig, logger *slog.Logger) *RetryableStore {
	if config.Clock == nil {
		config.Clock = clock.WallClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryableStore{
		store:    store,
		config:   config,
		provider: provider,
		logger:   logger,
	}
}

// PutObject implements ObjectStore.PutObject.
func (r *RetryableStore) PutObject(ctx context.Context, bucket, key string, body io.ReadSeeker, size int64) error {
	err := r.store.PutObject(ctx, bucket, key, body, size)
	metrics.RecordStorageOperation("put", r.provider, err == nil)
	return err
}

// CreateMultipartUpload implements ObjectStore.CreateMultipartUpload with retry logic.
func (r *RetryableStore) CreateMultipartUpload(ctx context.Context, bucket, key string) (string, error) {
	var uploadID string
	err := r.retry(ctx, "create_multipart", func() error {
		var err error
		uploadID, err = r.store.CreateMultipartUpload(ctx, bucket, key)
		return err
	})
	return uploadID, err
}

// UploadPart implements ObjectStore.UploadPart.
func (r *RetryableStore) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int32, body io.ReadSeeker, size int64) (string, error) {
	etag, err := r.store.UploadPart(ctx, bucket, key, uploadID, partNumber, body, size)
	metrics.RecordStorageOperation("upload_part", r.provider, err == nil)
	return etag, err
}

// CompleteMultipartUpload implements ObjectStore.CompleteMultipartUpload.
func (r *RetryableStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) error {
	err := r.store.CompleteMultipartUpload(ctx, bucket, key, uploadID, parts)
	metrics.RecordStorageOperation("complete_multipart", r.provider, err == nil)
	return err
}

// AbortMultipartUpload implements ObjectStore.AbortMultipartUpload.
func (r *RetryableStore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	err := r.store.AbortMultipartUpload(ctx, bucket, key, uploadID)
	metrics.RecordStorageOperation("abort_multipart", r.provider, err == nil)
	return err
}

// ListObjects implements ObjectStore.ListObjects with retry logic.
func (r *RetryableStore) ListObjects(ctx context.Context, bucket, prefix, continuationToken string) (*ListPage, error) {
	var page *ListPage
	err := r.retry(ctx, "list", func() error {
		var err error
		page, err = r.store.ListObjects(ctx, bucket, prefix, continuationToken)
		return err
	})
	return page, err
}

// DeleteObject implements ObjectStore.DeleteObject with retry logic.
func (r *RetryableStore) DeleteObject(ctx context.Context, bucket, key string) error {
	return r.retry(ctx, "delete", func() error {
		return r.store.DeleteObject(ctx, bucket, key)
	})
}

// MaxParts implements PartLimiter for the wrapped store.
func (r *RetryableStore) MaxParts() int64 {
	return PartLimit(r.store)
}

// Close closes the wrapped store if it holds resources.
func (r *RetryableStore) Close() error {
	if c, ok := r.store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// retry executes fn with exponential backoff until it succeeds, the attempts
// run out or ctx is done.
func (r *RetryableStore) retry(ctx context.Context, operation string, fn func() error) error {
	err := retry.Call(retry.CallArgs{
		Func: fn,
		IsFatalError: func(err error) bool {
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		NotifyFunc: func(err error, attempt int) {
			r.logger.Warn("Storage operation failed, retrying",
				"operation", operation,
				"attempt", attempt,
				"error", err,
			)
		},
		Attempts:    r.config.MaxAttempts,
		Delay:       r.config.InitialDelay,
		MaxDelay:    r.config.MaxDelay,
		BackoffFunc: retry.ExpBackoff(r.config.InitialDelay, r.config.MaxDelay, r.config.Multiplier, false),
		Clock:       r.config.Clock,
		Stop:        ctx.Done(),
	})
	metrics.RecordStorageOperation(operation, r.provider, err == nil)

	switch {
	case err == nil:
		return nil
	case retry.IsAttemptsExceeded(err):
		return fmt.Errorf("operation failed after %d attempts: %w", r.config.MaxAttempts, retry.LastError(err))
	case retry.IsRetryStopped(err):
		return ctx.Err()
	default:
		return err
	}
}

// NewStore creates an object store based on configuration.
func NewStore(ctx context.Context, cfg *config.Config) (ObjectStore, error) {
	var store ObjectStore
	var err error

	switch cfg.StorageProvider {
	case "s3":
		s3Config := S3Config{
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			SessionToken:    cfg.SessionToken,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			UsePathStyle:    cfg.UsePathStyle || cfg.Endpoint != "",
		}
		store, err = NewS3Storage(ctx, s3Config)

	case "gcs":
		if cfg.GoogleServiceAccountJSON != "" {
			if err := ValidateServiceAccountJSON(cfg.GoogleServiceAccountJSON); err != nil {
				return nil, fmt.Errorf("invalid GCS service account: %w", err)
			}
		}

		gcsConfig := GCSConfig{
			ProjectID:          cfg.GoogleProjectID,
			ServiceAccountJSON: cfg.GoogleServiceAccountJSON,
		}
		store, err = NewGCSStorage(ctx, gcsConfig, uuid.NewString)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, cfg.StorageProvider)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create %s storage: %w", cfg.StorageProvider, err)
	}

	return NewRetryableStore(store, cfg.StorageProvider, DefaultRetryConfig(), slog.Default()), nil
}
