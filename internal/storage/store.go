package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for a path that holds no object.
var ErrNotFound = errors.New("object not found")

// ObjectInfo describes a stored rights blob.
type ObjectInfo struct {
	Path        string
	ContentType string
	Size        int64
	UpdatedAt   time.Time
}

// Store persists raw rights objects at caller-chosen paths.
type Store interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
	Get(ctx context.Context, path string) ([]byte, ObjectInfo, error)
	Delete(ctx context.Context, path string) error
}

// Config holds configuration for storage backends.
type Config struct {
	// Backend is "fs" or "s3".
	Backend    string
	Root       string
	BucketName string
	Region     string
	KeyPrefix  string
}
