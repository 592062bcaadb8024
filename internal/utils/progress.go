// Package utils provides utility functions for the snapshot service.
package utils

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Progress is a running byte counter shared by concurrent workers.
type Progress struct {
	total      int64
	done       atomic.Int64
	updateFunc func(done, total int64)
}

// NewProgress creates a counter for total bytes. updateFunc, if set, is
// called after every Add with the new running total.
func NewProgress(total int64, updateFunc func(done, total int64)) *Progress {
	return &Progress{
		total:      total,
		updateFunc: updateFunc,
	}
}

// Add records n more bytes and returns the running total.
func (p *Progress) Add(n int64) int64 {
	done := p.done.Add(n)
	if p.updateFunc != nil {
		p.updateFunc(done, p.total)
	}
	return done
}

// Done returns the bytes recorded so far.
func (p *Progress) Done() int64 {
	return p.done.Load()
}

// Total returns the expected byte count.
func (p *Progress) Total() int64 {
	return p.total
}

// ProgressWriter wraps an io.Writer and tracks bytes written.
type ProgressWriter struct {
	writer       io.Writer
	bytesWritten atomic.Int64
	startTime    time.Time
	updateFunc   func(bytesWritten int64, elapsed time.Duration)
	updateEvery  int64
}

// NewProgressWriter creates a new progress tracking writer.
func NewProgressWriter(writer io.Writer, updateFunc func(bytesWritten int64, elapsed time.Duration)) *ProgressWriter {
	return &ProgressWriter{
		writer:      writer,
		startTime:   time.Now(),
		updateFunc:  updateFunc,
		updateEvery: 64 * 1024 * 1024, // Update every 64MB
	}
}

// Write implements io.Writer interface with progress tracking.
func (pw *ProgressWriter) Write(p []byte) (n int, err error) {
	n, err = pw.writer.Write(p)
	if n > 0 {
		newTotal := pw.bytesWritten.Add(int64(n))

		if pw.updateFunc != nil && (newTotal%pw.updateEvery) < int64(n) {
			pw.updateFunc(newTotal, time.Since(pw.startTime))
		}
	}
	return n, err
}

// BytesWritten returns the total number of bytes written.
func (pw *ProgressWriter) BytesWritten() int64 {
	return pw.bytesWritten.Load()
}

// FormatRate formats transfer rate in human-readable format.
func FormatRate(bytesPerSecond float64) string {
	return humanize.IBytes(uint64(bytesPerSecond)) + "/s"
}
