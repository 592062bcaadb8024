// Package storagetest provides an in-memory ObjectStore for tests.
package storagetest

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/imedwei/tree-snapshot-backup/internal/storage"
)

// Object is a stored object.
type Object struct {
	Data         []byte
	LastModified time.Time
}

type upload struct {
	bucket string
	key    string
	parts  map[int32][]byte
	etags  map[int32]string
}

// MemoryStore is a thread-safe in-memory storage.ObjectStore. Failure
// injection fields must be set before the store is shared.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]Object
	uploads map[string]*upload
	aborted []string
	calls   map[string]int
	nextID  int

	inFlight    int
	maxInFlight int

	// Now stamps LastModified on new objects.
	Now func() time.Time

	// BeforePart runs before a part is stored. A non-nil error fails the part.
	BeforePart func(ctx context.Context, partNumber int32) error

	PutErr      error
	CreateErr   error
	CompleteErr error
	AbortErr    error
	ListErr     error
	DeleteErr   map[string]error

	// PageSize limits list pages; zero returns everything in one page.
	PageSize int

	// PartLimit caps parts per session; zero means the protocol maximum.
	PartLimit int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects:   make(map[string]Object),
		uploads:   make(map[string]*upload),
		calls:     make(map[string]int),
		DeleteErr: make(map[string]error),
		Now:       time.Now,
	}
}

var (
	_ storage.ObjectStore = (*MemoryStore)(nil)
	_ storage.PartLimiter = (*MemoryStore)(nil)
)

// MaxParts implements storage.PartLimiter.
func (m *MemoryStore) MaxParts() int64 {
	if m.PartLimit > 0 {
		return m.PartLimit
	}
	return storage.MaxParts
}

func objectID(bucket, key string) string {
	return bucket + "\x00" + key
}

func (m *MemoryStore) record(op string) {
	m.calls[op]++
}

// Calls returns how many times op was invoked.
func (m *MemoryStore) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Seed stores an object directly.
func (m *MemoryStore) Seed(bucket, key string, data []byte, modTime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[objectID(bucket, key)] = Object{Data: data, LastModified: modTime}
}

// Object returns the object at bucket/key.
func (m *MemoryStore) Object(bucket, key string) (Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[objectID(bucket, key)]
	return obj, ok
}

// Keys returns all keys in bucket, sorted.
func (m *MemoryStore) Keys(bucket string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for id := range m.objects {
		b, k, _ := strings.Cut(id, "\x00")
		if b == bucket {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// OpenUploads returns the number of sessions neither completed nor aborted.
func (m *MemoryStore) OpenUploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.uploads)
}

// Aborted returns the upload IDs that were aborted, in order.
func (m *MemoryStore) Aborted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.aborted...)
}

// MaxInFlight returns the highest number of concurrent UploadPart calls seen.
func (m *MemoryStore) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

// PutObject implements storage.ObjectStore.
func (m *MemoryStore) PutObject(ctx context.Context, bucket, key string, body io.ReadSeeker, size int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("put")

	if m.PutErr != nil {
		return m.PutErr
	}
	if int64(len(data)) != size {
		return fmt.Errorf("put %s: read %d bytes, want %d", key, len(data), size)
	}
	m.objects[objectID(bucket, key)] = Object{Data: data, LastModified: m.Now()}
	return nil
}

// CreateMultipartUpload implements storage.ObjectStore.
func (m *MemoryStore) CreateMultipartUpload(ctx context.Context, bucket, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("create")

	if m.CreateErr != nil {
		return "", m.CreateErr
	}
	m.nextID++
	id := fmt.Sprintf("upload-%d", m.nextID)
	m.uploads[id] = &upload{
		bucket: bucket,
		key:    key,
		parts:  make(map[int32][]byte),
		etags:  make(map[int32]string),
	}
	return id, nil
}

// UploadPart implements storage.ObjectStore.
func (m *MemoryStore) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int32, body io.ReadSeeker, size int64) (string, error) {
	m.mu.Lock()
	m.record("upload_part")
	m.inFlight++
	m.maxInFlight = max(m.maxInFlight, m.inFlight)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if m.BeforePart != nil {
		if err := m.BeforePart(ctx, partNumber); err != nil {
			return "", err
		}
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	if int64(len(data)) != size {
		return "", fmt.Errorf("part %d: read %d bytes, want %d", partNumber, len(data), size)
	}

	sum := md5.Sum(data)
	etag := hex.EncodeToString(sum[:])

	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.uploads[uploadID]
	if !ok {
		return "", fmt.Errorf("no such upload: %s", uploadID)
	}
	u.parts[partNumber] = data
	u.etags[partNumber] = etag
	return etag, nil
}

// CompleteMultipartUpload implements storage.ObjectStore. Parts must be in
// ascending order and carry the ETags returned by UploadPart.
func (m *MemoryStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []storage.CompletedPart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("complete")

	if m.CompleteErr != nil {
		return m.CompleteErr
	}
	u, ok := m.uploads[uploadID]
	if !ok {
		return fmt.Errorf("no such upload: %s", uploadID)
	}

	var buf bytes.Buffer
	for i, p := range parts {
		if i > 0 && p.PartNumber <= parts[i-1].PartNumber {
			return fmt.Errorf("parts out of order: %d after %d", p.PartNumber, parts[i-1].PartNumber)
		}
		if u.etags[p.PartNumber] != p.ETag {
			return fmt.Errorf("part %d: etag mismatch", p.PartNumber)
		}
		buf.Write(u.parts[p.PartNumber])
	}

	delete(m.uploads, uploadID)
	m.objects[objectID(bucket, key)] = Object{Data: buf.Bytes(), LastModified: m.Now()}
	return nil
}

// AbortMultipartUpload implements storage.ObjectStore.
func (m *MemoryStore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("abort")

	if m.AbortErr != nil {
		return m.AbortErr
	}
	delete(m.uploads, uploadID)
	m.aborted = append(m.aborted, uploadID)
	return nil
}

// ListObjects implements storage.ObjectStore. Continuation tokens are the
// last key of the previous page.
func (m *MemoryStore) ListObjects(ctx context.Context, bucket, prefix, continuationToken string) (*storage.ListPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("list")

	if m.ListErr != nil {
		return nil, m.ListErr
	}

	var infos []storage.ObjectInfo
	for id, obj := range m.objects {
		b, k, _ := strings.Cut(id, "\x00")
		if b != bucket || !strings.HasPrefix(k, prefix) || (continuationToken != "" && k <= continuationToken) {
			continue
		}
		infos = append(infos, storage.ObjectInfo{Key: k, Size: int64(len(obj.Data)), LastModified: obj.LastModified})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })

	page := &storage.ListPage{Objects: infos}
	if m.PageSize > 0 && len(infos) > m.PageSize {
		page.Objects = infos[:m.PageSize]
		page.NextToken = infos[m.PageSize-1].Key
	}
	return page, nil
}

// DeleteObject implements storage.ObjectStore.
func (m *MemoryStore) DeleteObject(ctx context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("delete")

	if err := m.DeleteErr[key]; err != nil {
		return err
	}
	delete(m.objects, objectID(bucket, key))
	return nil
}
