package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/feichai0017/docflow/config"
	"github.com/feichai0017/docflow/pkg/logger"
	"github.com/feichai0017/docflow/pkg/storage/minio"
	"github.com/feichai0017/docflow/pkg/storage/s3"
)

// Storage abstracts the object store holding source documents and
// pipeline artifacts. Writes are last-writer-wins per key.
type Storage interface {
	// Store writes an object. size may be -1 when unknown.
	Store(ctx context.Context, key string, reader io.Reader, size int64) error
	// Get opens an object for reading.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes an object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns the keys under a prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// NewStorage builds the configured backend.
func NewStorage(cfg config.StorageConfig, log logger.Logger) (Storage, error) {
	switch cfg.Backend {
	case "minio":
		return minio.NewClient(minio.Config{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			UseSSL:    cfg.UseSSL,
			Bucket:    cfg.Bucket,
		}, log)
	case "s3":
		return s3.NewClient(s3.Config{
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Bucket,
		}, log)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}
