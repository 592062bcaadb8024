// Package storage defines the object-store protocol used to ship snapshot archives
// and the upload engines built on top of it.
package storage

import (
	"context"
	"io"
	"time"
)

// Protocol bounds for multipart uploads.
const (
	MinPartSize int64 = 5 * 1024 * 1024
	MaxPartSize int64 = 5 * 1024 * 1024 * 1024
	MaxParts    int64 = 10000
)

// ObjectStore is the subset of an S3-style object store the pipeline needs.
// Calls map one to one onto the store's wire API.
type ObjectStore interface {
	// PutObject stores body under key in a single request.
	PutObject(ctx context.Context, bucket, key string, body io.ReadSeeker, size int64) error

	// CreateMultipartUpload opens a multipart session and returns its upload id.
	CreateMultipartUpload(ctx context.Context, bucket, key string) (string, error)

	// UploadPart uploads one part of an open session and returns its ETag.
	UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int32, body io.ReadSeeker, size int64) (string, error)

	// CompleteMultipartUpload finalizes a session. Parts must be ordered by part number.
	CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) error

	// AbortMultipartUpload discards a session and any parts uploaded to it.
	AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error

	// ListObjects returns one page of objects under prefix. An empty
	// continuation token requests the first page.
	ListObjects(ctx context.Context, bucket, prefix, continuationToken string) (*ListPage, error)

	// DeleteObject removes a single object.
	DeleteObject(ctx context.Context, bucket, key string) error
}

// PartLimiter is implemented by stores that accept fewer parts per session
// than the protocol maximum.
type PartLimiter interface {
	MaxParts() int64
}

// PartLimit returns the number of parts store accepts in one session.
func PartLimit(store ObjectStore) int64 {
	if l, ok := store.(PartLimiter); ok {
		if n := l.MaxParts(); n > 0 && n < MaxParts {
			return n
		}
	}
	return MaxParts
}

// CompletedPart records a part accepted by the store.
type CompletedPart struct {
	PartNumber int32
	ETag       string
}

// ObjectInfo contains information about a stored snapshot.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ListPage is one page of a listing. NextToken is empty on the last page.
type ListPage struct {
	Objects   []ObjectInfo
	NextToken string
}
