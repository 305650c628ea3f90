package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string, tags map[string]string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
	Delete(ctx context.Context, path string) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// MetadataStore is the permanent, content-addressed store for bet metadata.
type MetadataStore interface {
	// Upload stores meta and returns its reference. Uploading identical
	// content twice returns the same reference.
	Upload(ctx context.Context, meta BetMetadata) (string, error)
	Fetch(ctx context.Context, ref string) (BetMetadata, error)
	Exists(ctx context.Context, ref string) (bool, error)
	// Pin holds ref against removal until release is called.
	Pin(ctx context.Context, ref string) (release func(), err error)
}
