package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"github.com/imedwei/tree-snapshot-backup/internal/metrics"
	"github.com/imedwei/tree-snapshot-backup/internal/utils"
)

// Files up to this size are read completely before their entry is created,
// so a failed read leaves nothing behind in the archive.
const bufferedFileLimit = 1024 * 1024

// Builder implements Archiver with zip/deflate output.
type Builder struct {
	level  int
	pool   *utils.BufferPool
	open   func(name string) (io.ReadCloser, error)
	logger *slog.Logger
}

func openFile(name string) (io.ReadCloser, error) {
	return os.Open(name)
}

// NewBuilder creates a builder compressing at the given flate level.
func NewBuilder(level int, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		level:  level,
		pool:   utils.DefaultBufferPool,
		open:   openFile,
		logger: logger.With("component", "archive"),
	}
}

// Build walks job.SourceRoot and writes every regular file not matched by an
// exclusion glob into a zip archive at job.OutputPath. Files that cannot be
// read are skipped and counted; an unreadable directory fails the build
// unless it is excluded. On failure the partial archive is removed.
func (b *Builder) Build(ctx context.Context, job ArchiveJob) (result *ArchiveResult, err error) {
	for _, g := range job.ExcludeGlobs {
		if !doublestar.ValidatePattern(g) {
			return nil, fmt.Errorf("%w: invalid exclude glob %q", ErrArchive, g)
		}
	}

	info, err := os.Stat(job.SourceRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to stat source %s: %w", ErrArchive, job.SourceRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: source %s is not a directory", ErrArchive, job.SourceRoot)
	}

	if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0o755); err != nil {
		return nil, fmt.Errorf("%w: failed to create output directory: %w", ErrArchive, err)
	}

	out, err := os.Create(job.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create archive %s: %w", ErrArchive, job.OutputPath, err)
	}
	defer func() {
		if err != nil {
			_ = out.Close()
			if rmErr := os.Remove(job.OutputPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				b.logger.Warn("Failed to remove partial archive", "path", job.OutputPath, "error", rmErr)
			}
		}
	}()

	b.logger.Info("Building archive",
		"source", job.SourceRoot,
		"output", job.OutputPath,
		"excludes", job.ExcludeGlobs,
	)
	start := time.Now()

	pw := utils.NewProgressWriter(out, func(written int64, elapsed time.Duration) {
		b.logger.Info("Archive progress",
			"written", humanize.IBytes(uint64(written)),
			"elapsed", elapsed.Round(time.Second),
		)
	})

	zw := zip.NewWriter(pw)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, b.level)
	})

	counts, err := b.addTree(ctx, zw, job)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArchive, err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("%w: failed to close zip writer: %w", ErrArchive, err)
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("%w: failed to close archive file: %w", ErrArchive, err)
	}

	result = &ArchiveResult{
		Path:      job.OutputPath,
		Size:      pw.BytesWritten(),
		Files:     counts.files,
		Skipped:   counts.skipped,
		Truncated: counts.truncated,
		Duration:  time.Since(start),
	}

	metrics.ArchiveSize.Set(float64(result.Size))
	metrics.ArchiveSkippedFiles.Add(float64(result.Skipped))
	metrics.ArchiveTruncatedFiles.Add(float64(result.Truncated))

	b.logger.Info("Archive built",
		"path", result.Path,
		"size", humanize.IBytes(uint64(result.Size)),
		"files", result.Files,
		"skipped", result.Skipped,
		"truncated", result.Truncated,
		"duration", result.Duration,
	)
	return result, nil
}

type treeCounts struct {
	files     int
	skipped   int
	truncated int
}

// addTree writes the tree into zw.
func (b *Builder) addTree(ctx context.Context, zw *zip.Writer, job ArchiveJob) (treeCounts, error) {
	var counts treeCounts
	outAbs, _ := filepath.Abs(job.OutputPath)

	err := filepath.WalkDir(job.SourceRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return b.walkError(job, path, walkErr)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(job.SourceRoot, path)
		if err != nil {
			return fmt.Errorf("failed to get relative path for %s: %w", path, err)
		}
		rel = filepath.ToSlash(rel)

		if excluded(rel, job.ExcludeGlobs) {
			return nil
		}
		if abs, _ := filepath.Abs(path); abs == outAbs {
			return nil
		}

		err = b.addFile(zw, path, rel, d)
		var entryErr *entryError
		var truncErr *truncatedError
		switch {
		case err == nil:
			counts.files++
		case errors.As(err, &entryErr):
			return entryErr.err
		case errors.As(err, &truncErr):
			b.logger.Warn("Archive entry truncated", "path", rel, "error", truncErr.err)
			counts.truncated++
		default:
			b.logger.Warn("Skipping unreadable file", "path", rel, "error", err)
			counts.skipped++
		}
		return nil
	})
	return counts, err
}

// walkError handles a directory that could not be listed. Losing a whole
// subtree fails the build, except for directories the exclusion globs drop
// anyway.
func (b *Builder) walkError(job ArchiveJob, path string, err error) error {
	if path != job.SourceRoot {
		if rel, relErr := filepath.Rel(job.SourceRoot, path); relErr == nil && excluded(filepath.ToSlash(rel), job.ExcludeGlobs) {
			b.logger.Debug("Ignoring unreadable excluded directory", "path", rel, "error", err)
			return filepath.SkipDir
		}
	}
	return fmt.Errorf("failed to read %s: %w", path, err)
}

// entryError marks a failure writing to the archive itself, which is fatal,
// as opposed to a failure reading the source file.
type entryError struct {
	err error
}

func (e *entryError) Error() string { return e.err.Error() }

// truncatedError marks a read failure after the entry header was written.
type truncatedError struct {
	err error
}

func (e *truncatedError) Error() string { return e.err.Error() }

func (b *Builder) addFile(zw *zip.Writer, path, rel string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	src, err := b.open(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = src.Close()
	}()

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = rel
	header.Method = zip.Deflate

	if info.Size() <= bufferedFileLimit {
		data, err := io.ReadAll(src)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", rel, err)
		}
		entry, err := zw.CreateHeader(header)
		if err != nil {
			return &entryError{err: fmt.Errorf("failed to create zip entry for %s: %w", rel, err)}
		}
		if _, err := entry.Write(data); err != nil {
			return &entryError{err: fmt.Errorf("failed to write %s: %w", rel, err)}
		}
		return nil
	}

	entry, err := zw.CreateHeader(header)
	if err != nil {
		return &entryError{err: fmt.Errorf("failed to create zip entry for %s: %w", rel, err)}
	}

	if _, err := b.pool.Copy(entry, src); err != nil {
		return &truncatedError{err: fmt.Errorf("failed to copy %s: %w", rel, err)}
	}
	return nil
}

// excluded reports whether rel matches any glob. Patterns are validated
// before the walk, so match errors cannot occur.
func excluded(rel string, globs []string) bool {
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, rel); ok {
			return true
		}
	}
	return false
}
