package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/imedwei/tree-snapshot-backup/internal/metrics"
	"github.com/imedwei/tree-snapshot-backup/internal/utils"
)

var tracer = otel.Tracer("github.com/imedwei/tree-snapshot-backup/internal/storage")

// DefaultAbortTimeout bounds the best-effort abort call issued after a failure.
const DefaultAbortTimeout = 30 * time.Second

// Part is a contiguous byte range of the source file.
type Part struct {
	Number int32
	Offset int64
	Length int64
}

// ClampPartSize forces partSize into [MinPartSize, MaxPartSize].
func ClampPartSize(partSize int64) int64 {
	if partSize < MinPartSize {
		return MinPartSize
	}
	if partSize > MaxPartSize {
		return MaxPartSize
	}
	return partSize
}

// PartCount returns ceil(size/partSize).
func PartCount(size, partSize int64) int64 {
	return (size + partSize - 1) / partSize
}

// PlanParts splits size bytes into disjoint parts of partSize bytes.
// The last part may be shorter.
func PlanParts(size, partSize int64) []Part {
	parts := make([]Part, 0, PartCount(size, partSize))
	for offset, n := int64(0), int32(1); offset < size; offset, n = offset+partSize, n+1 {
		parts = append(parts, Part{
			Number: n,
			Offset: offset,
			Length: min(partSize, size-offset),
		})
	}
	return parts
}

type sessionState int

const (
	sessionOpen sessionState = iota
	sessionCompleting
	sessionAborted
)

// multipartSession tracks one remote upload session. Parts are appended only
// at the fan-in step after every worker has returned.
type multipartSession struct {
	bucket   string
	key      string
	uploadID string
	parts    []CompletedPart
	state    sessionState
}

// Engine uploads files through the multipart protocol.
type Engine struct {
	store        ObjectStore
	logger       *slog.Logger
	abortTimeout time.Duration
}

// NewEngine creates a multipart engine on top of store.
func NewEngine(store ObjectStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:        store,
		logger:       logger.With("component", "multipart"),
		abortTimeout: DefaultAbortTimeout,
	}
}

// Upload sends the file at path to bucket/key in parts of partSize bytes with
// up to parallelism parts in flight. On any failure after the session is
// opened the session is aborted and the original error returned.
func (e *Engine) Upload(ctx context.Context, path, bucket, key string, partSize int64, parallelism int) (err error) {
	clamped := ClampPartSize(partSize)
	if clamped != partSize {
		e.logger.Debug("Part size clamped to protocol bounds",
			"requested", partSize,
			"part_size", clamped,
		)
	}
	if parallelism < 1 {
		parallelism = 1
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: failed to stat %s: %w", ErrTransfer, path, err)
	}
	size := info.Size()
	if size == 0 {
		return fmt.Errorf("%w: %s is empty, use a single upload", ErrTransfer, path)
	}

	partCount := PartCount(size, clamped)
	if limit := PartLimit(e.store); partCount > limit {
		return fmt.Errorf("%w: %s needs %d parts of %s (max %d)",
			ErrTooManyParts, path, partCount, humanize.IBytes(uint64(clamped)), limit)
	}

	ctx, span := tracer.Start(ctx, "multipart.upload")
	span.SetAttributes(
		attribute.String("bucket", bucket),
		attribute.String("key", key),
		attribute.Int64("size", size),
		attribute.Int64("parts", partCount),
		attribute.Int("parallelism", parallelism),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	e.logger.Info("Starting multipart upload",
		"key", key,
		"size", humanize.IBytes(uint64(size)),
		"parts", partCount,
		"part_size", humanize.IBytes(uint64(clamped)),
		"parallelism", parallelism,
	)
	start := time.Now()

	uploadID, err := e.store.CreateMultipartUpload(ctx, bucket, key)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	metrics.MultipartSessions.WithLabelValues("created").Inc()

	s := &multipartSession{bucket: bucket, key: key, uploadID: uploadID}
	defer func() {
		if err != nil {
			e.abort(ctx, s)
		}
	}()

	progress := utils.NewProgress(size, func(done, total int64) {
		metrics.UploadProgress.Set(float64(done) / float64(total))
		e.logger.Info("Upload progress",
			"key", key,
			"uploaded", humanize.IBytes(uint64(done)),
			"total", humanize.IBytes(uint64(total)),
			"percent", fmt.Sprintf("%.2f", float64(done)*100/float64(total)),
		)
	})

	if err := e.uploadParts(ctx, s, path, PlanParts(size, clamped), parallelism, progress); err != nil {
		return fmt.Errorf("%w: %w", ErrTransfer, err)
	}

	sort.Slice(s.parts, func(i, j int) bool {
		return s.parts[i].PartNumber < s.parts[j].PartNumber
	})

	s.state = sessionCompleting
	if err := e.store.CompleteMultipartUpload(ctx, bucket, key, uploadID, s.parts); err != nil {
		return fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	metrics.MultipartSessions.WithLabelValues("completed").Inc()

	elapsed := time.Since(start)
	e.logger.Info("Multipart upload complete",
		"key", key,
		"duration", elapsed,
		"rate", utils.FormatRate(float64(size)/max(elapsed.Seconds(), 0.001)),
	)
	return nil
}

// uploadParts runs the part uploads through a bounded worker pool and
// collects the completed parts once every worker has returned.
func (e *Engine) uploadParts(ctx context.Context, s *multipartSession, path string, parts []Part, parallelism int, progress *utils.Progress) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)

	results := make(chan CompletedPart, len(parts))

	for _, part := range parts {
		// Stop scheduling once a part has failed.
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			// In-flight parts run on the caller's context so a sibling
			// failure lets them finish naturally.
			etag, err := e.uploadPart(ctx, s, path, part)
			if err != nil {
				metrics.PartsUploaded.WithLabelValues("failure").Inc()
				return err
			}
			metrics.PartsUploaded.WithLabelValues("success").Inc()
			metrics.UploadedBytes.Add(float64(part.Length))
			results <- CompletedPart{PartNumber: part.Number, ETag: etag}
			progress.Add(part.Length)
			return nil
		})
	}

	err := g.Wait()
	close(results)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for p := range results {
		s.parts = append(s.parts, p)
	}
	if len(s.parts) != len(parts) {
		return fmt.Errorf("uploaded %d of %d parts", len(s.parts), len(parts))
	}
	return nil
}

// uploadPart reads one byte range through its own file handle and uploads it.
func (e *Engine) uploadPart(ctx context.Context, s *multipartSession, path string, part Part) (string, error) {
	if s.state != sessionOpen {
		return "", errors.New("multipart session is no longer open")
	}

	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open part %d: %w", part.Number, err)
	}
	defer func() {
		_ = file.Close()
	}()

	e.logger.Debug("Uploading part",
		"part", part.Number,
		"offset", part.Offset,
		"length", part.Length,
	)

	body := io.NewSectionReader(file, part.Offset, part.Length)
	etag, err := e.store.UploadPart(ctx, s.bucket, s.key, s.uploadID, part.Number, body, part.Length)
	if err != nil {
		return "", fmt.Errorf("failed to upload part %d: %w", part.Number, err)
	}
	return etag, nil
}

// abort discards the session. Failures are logged and suppressed.
func (e *Engine) abort(ctx context.Context, s *multipartSession) {
	if s.state == sessionAborted {
		return
	}
	s.state = sessionAborted

	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.abortTimeout)
	defer cancel()

	if err := e.store.AbortMultipartUpload(abortCtx, s.bucket, s.key, s.uploadID); err != nil {
		e.logger.Warn("Failed to abort multipart upload",
			"key", s.key,
			"upload_id", s.uploadID,
			"error", fmt.Errorf("%w: %w", ErrSessionAbort, err),
		)
		metrics.MultipartSessions.WithLabelValues("abort_failed").Inc()
		return
	}

	e.logger.Info("Aborted multipart upload", "key", s.key, "upload_id", s.uploadID)
	metrics.MultipartSessions.WithLabelValues("aborted").Inc()
}
