package minio

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/feichai0017/docflow/pkg/logger"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

type Client struct {
	client *minio.Client
	bucket string
	logger logger.Logger
}

func NewClient(cfg Config, log logger.Logger) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &Client{
		client: mc,
		bucket: cfg.Bucket,
		logger: log.Named("minio"),
	}, nil
}

func (c *Client) Store(ctx context.Context, key string, reader io.Reader, size int64) error {
	_, err := c.client.PutObject(ctx, c.bucket, key, reader, size, minio.PutObjectOptions{})
	if err != nil {
		c.logger.Error("Failed to store object",
			logger.String("bucket", c.bucket),
			logger.String("key", key),
			logger.Error(err),
		)
		return fmt.Errorf("failed to store object %s: %w", key, err)
	}
	return nil
}

func (c *Client) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := c.client.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	// GetObject is lazy; surface missing keys here rather than at
	// first read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("failed to stat object %s: %w", key, err)
	}
	return obj, nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.client.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range c.client.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list objects under %s: %w", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// ListenObjectCreated subscribes to the bucket's object-created
// notifications under the given prefix and invokes fn with each created
// object key. Blocks until ctx is cancelled.
func (c *Client) ListenObjectCreated(ctx context.Context, prefix, suffix string, fn func(key string)) error {
	ch := c.client.ListenBucketNotification(ctx, c.bucket, prefix, suffix, []string{
		"s3:ObjectCreated:*",
	})
	for info := range ch {
		if info.Err != nil {
			return fmt.Errorf("bucket notification stream failed: %w", info.Err)
		}
		for _, rec := range info.Records {
			fn(rec.S3.Object.Key)
		}
	}
	return nil
}
