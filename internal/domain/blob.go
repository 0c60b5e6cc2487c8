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

// BlobWriter uploads data to S3-compatible object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType, contentEncoding string) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver moves aged rows from the relational store to cold storage,
// deleting them on successful upload. Implementations run under a named
// distributed lock and loop in batches until both tables are exhausted.
type Archiver interface {
	RunOnce(ctx context.Context, now time.Time) error
}
