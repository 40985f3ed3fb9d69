// Package objectstore abstracts the S3-compatible blob storage holding run
// output artifacts and archived event logs.
package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrObjectNotFound is returned by Stat and Get when the key does not exist.
var ErrObjectNotFound = errors.New("object not found")

type Store interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error)
	// GetRange streams length bytes starting at offset; length <= 0 means to
	// the end of the object.
	GetRange(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error)
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	Delete(ctx context.Context, bucket, key string) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}
