package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/betledger/internal/domain"
)

type blobObject struct {
	data        []byte
	contentType string
	tags        map[string]string
	modified    time.Time
}

// BlobStore implements domain.BlobWriter and domain.BlobReader in memory.
// It backs the metadata store when no object storage is configured.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]blobObject
	now     func() time.Time
}

// NewBlobStore creates an empty BlobStore.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]blobObject), now: time.Now}
}

func (s *BlobStore) Put(_ context.Context, path string, data io.Reader, contentType string, tags map[string]string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	cp := make(map[string]string, len(tags))
	for k, v := range tags {
		cp[k] = v
	}
	s.mu.Lock()
	s.objects[path] = blobObject{data: b, contentType: contentType, tags: cp, modified: s.now()}
	s.mu.Unlock()
	return nil
}

func (s *BlobStore) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return s.Put(ctx, path, data, "application/octet-stream", nil)
}

func (s *BlobStore) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	delete(s.objects, path)
	s.mu.Unlock()
	return nil
}

func (s *BlobStore) Get(_ context.Context, path string) (io.ReadCloser, error) {
	s.mu.RLock()
	obj, ok := s.objects[path]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrNotFound.Withf("object %s", path)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// List returns objects under prefix in key order.
func (s *BlobStore) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.BlobInfo
	for path, obj := range s.objects {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		out = append(out, domain.BlobInfo{
			Path:         path,
			Size:         int64(len(obj.data)),
			ContentType:  obj.contentType,
			LastModified: obj.modified,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *BlobStore) Exists(_ context.Context, path string) (bool, error) {
	s.mu.RLock()
	_, ok := s.objects[path]
	s.mu.RUnlock()
	return ok, nil
}

// Tags returns the metadata stored with path.
func (s *BlobStore) Tags(path string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.objects[path].tags
}

// SetClock replaces the clock used for LastModified.
func (s *BlobStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

var (
	_ domain.BlobWriter = (*BlobStore)(nil)
	_ domain.BlobReader = (*BlobStore)(nil)
)
