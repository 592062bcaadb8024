// Package backup builds snapshot archives and runs the archive-and-upload
// pipeline.
package backup

import (
	"context"
	"time"
)

// Archiver packages a directory tree into a single archive file.
type Archiver interface {
	// Build writes the archive described by job and reports what it contains.
	Build(ctx context.Context, job ArchiveJob) (*ArchiveResult, error)
}

// Flusher makes the source tree consistent on disk before it is archived,
// e.g. by asking a running server to save its state.
type Flusher interface {
	Flush(ctx context.Context) error
}

// ArchiveJob describes one archive to build.
type ArchiveJob struct {
	SourceRoot   string
	OutputPath   string
	ExcludeGlobs []string
}

// ArchiveResult contains information about a built archive.
type ArchiveResult struct {
	Path    string
	Size    int64
	Files   int
	Skipped int
	// Truncated counts large files whose read failed after their entry was
	// started. Their entries are present but incomplete.
	Truncated int
	Duration  time.Duration
}
