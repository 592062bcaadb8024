package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCS composes at most 32 source objects per request, and a composite
// object may be built from at most 1024 components in total.
const (
	maxComposeSources    = 32
	maxCompositeElements = 1024
)

const gcsListPageSize = 1000

// GCSStorage implements ObjectStore for Google Cloud Storage.
//
// GCS has no S3-style multipart sessions in its Go client, so a session is
// emulated: each part is written as a temporary object under
// "<key>.parts/<uploadID>/", completion composes the parts (in batches of 32)
// into the final object, and abort deletes the temporaries. The part ETag is
// the generation of its temporary object, so completion composes exactly the
// bytes that were acknowledged.
type GCSStorage struct {
	client  *storage.Client
	newUUID func() string
}

// GCSConfig holds GCS-specific configuration.
type GCSConfig struct {
	ProjectID          string
	ServiceAccountJSON string
}

// NewGCSStorage creates a new GCS storage provider.
func NewGCSStorage(ctx context.Context, cfg GCSConfig, newUUID func() string) (*GCSStorage, error) {
	var opts []option.ClientOption
	if cfg.ServiceAccountJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.ServiceAccountJSON)))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSStorage{
		client:  client,
		newUUID: newUUID,
	}, nil
}

// PutObject implements ObjectStore.PutObject.
func (g *GCSStorage) PutObject(ctx context.Context, bucket, key string, body io.ReadSeeker, size int64) error {
	if _, err := g.write(ctx, g.client.Bucket(bucket).Object(key), body); err != nil {
		return fmt.Errorf("failed to upload to GCS: %w", err)
	}
	return nil
}

// MaxParts implements PartLimiter. Every part ends up as one component of
// the final composite object.
func (g *GCSStorage) MaxParts() int64 {
	return maxCompositeElements
}

// CreateMultipartUpload implements ObjectStore.CreateMultipartUpload.
func (g *GCSStorage) CreateMultipartUpload(ctx context.Context, bucket, key string) (string, error) {
	return g.newUUID(), nil
}

// UploadPart implements ObjectStore.UploadPart.
func (g *GCSStorage) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int32, body io.ReadSeeker, size int64) (string, error) {
	obj := g.client.Bucket(bucket).Object(gcsPartName(gcsPartsPrefix(key, uploadID), partNumber))
	attrs, err := g.write(ctx, obj, body)
	if err != nil {
		return "", fmt.Errorf("failed to upload part %d to GCS: %w", partNumber, err)
	}
	return strconv.FormatInt(attrs.Generation, 10), nil
}

// CompleteMultipartUpload implements ObjectStore.CompleteMultipartUpload.
func (g *GCSStorage) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) error {
	if len(parts) == 0 {
		return fmt.Errorf("failed to complete GCS upload: no parts")
	}
	if len(parts) > maxCompositeElements {
		return fmt.Errorf("failed to complete GCS upload: %d parts exceed the %d component limit", len(parts), maxCompositeElements)
	}

	b := g.client.Bucket(bucket)
	prefix := gcsPartsPrefix(key, uploadID)

	srcs := make([]*storage.ObjectHandle, 0, len(parts))
	for _, p := range parts {
		gen, err := strconv.ParseInt(p.ETag, 10, 64)
		if err != nil {
			return fmt.Errorf("failed to complete GCS upload: invalid tag %q for part %d", p.ETag, p.PartNumber)
		}
		srcs = append(srcs, b.Object(gcsPartName(prefix, p.PartNumber)).Generation(gen))
	}

	for level := 0; len(srcs) > maxComposeSources; level++ {
		next := make([]*storage.ObjectHandle, 0, (len(srcs)+maxComposeSources-1)/maxComposeSources)
		for i := 0; i < len(srcs); i += maxComposeSources {
			batch := srcs[i:min(i+maxComposeSources, len(srcs))]
			dst := b.Object(fmt.Sprintf("%scompose-%d-%05d", prefix, level, i/maxComposeSources))
			attrs, err := dst.ComposerFrom(batch...).Run(ctx)
			if err != nil {
				return fmt.Errorf("failed to compose GCS parts: %w", err)
			}
			next = append(next, dst.Generation(attrs.Generation))
		}
		srcs = next
	}

	composer := b.Object(key).ComposerFrom(srcs...)
	composer.ContentType = "application/zip"
	if _, err := composer.Run(ctx); err != nil {
		return fmt.Errorf("failed to finalize GCS upload: %w", err)
	}

	// The object is complete; leftover temporaries only cost space.
	_ = g.deletePrefix(ctx, bucket, prefix)
	return nil
}

// AbortMultipartUpload implements ObjectStore.AbortMultipartUpload.
func (g *GCSStorage) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	if err := g.deletePrefix(ctx, bucket, gcsPartsPrefix(key, uploadID)); err != nil {
		return fmt.Errorf("failed to abort GCS upload: %w", err)
	}
	return nil
}

// ListObjects implements ObjectStore.ListObjects.
func (g *GCSStorage) ListObjects(ctx context.Context, bucket, prefix, continuationToken string) (*ListPage, error) {
	it := g.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	pager := iterator.NewPager(it, gcsListPageSize, continuationToken)

	var attrs []*storage.ObjectAttrs
	next, err := pager.NextPage(&attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to list GCS objects: %w", err)
	}

	page := &ListPage{
		Objects:   make([]ObjectInfo, 0, len(attrs)),
		NextToken: next,
	}
	for _, a := range attrs {
		page.Objects = append(page.Objects, ObjectInfo{
			Key:          a.Name,
			Size:         a.Size,
			LastModified: a.Updated,
		})
	}
	return page, nil
}

// DeleteObject implements ObjectStore.DeleteObject.
func (g *GCSStorage) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := g.client.Bucket(bucket).Object(key).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete from GCS: %w", err)
	}
	return nil
}

// Close closes the GCS client connection.
func (g *GCSStorage) Close() error {
	return g.client.Close()
}

func (g *GCSStorage) write(ctx context.Context, obj *storage.ObjectHandle, body io.Reader) (*storage.ObjectAttrs, error) {
	w := obj.NewWriter(ctx)
	w.ContentType = "application/zip"

	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return w.Attrs(), nil
}

// deletePrefix removes every object under prefix and returns the first error.
func (g *GCSStorage) deletePrefix(ctx context.Context, bucket, prefix string) error {
	b := g.client.Bucket(bucket)
	it := b.Objects(ctx, &storage.Query{Prefix: prefix})

	var firstErr error
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return err
		}
		if err := b.Object(attrs.Name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func gcsPartsPrefix(key, uploadID string) string {
	return key + ".parts/" + uploadID + "/"
}

func gcsPartName(prefix string, partNumber int32) string {
	return fmt.Sprintf("%spart-%05d", prefix, partNumber)
}

// ValidateServiceAccountJSON validates the service account JSON string.
func ValidateServiceAccountJSON(jsonStr string) error {
	var sa struct {
		Type string `json:"type"`
	}

	if err := json.Unmarshal([]byte(jsonStr), &sa); err != nil {
		return fmt.Errorf("invalid service account JSON: %w", err)
	}

	if sa.Type != "service_account" {
		return fmt.Errorf("invalid service account type: %s", sa.Type)
	}

	return nil
}
