package storage

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/IBM/taxinomitis/internal/config"
)

// Mirror copies a model's download artifacts to a second location
type Mirror interface {
	Publish(ctx context.Context, key string, downloadDir string) error
	Remove(ctx context.Context, key string) error
}

// NoopMirror is used when no mirror is configured
type NoopMirror struct{}

func (NoopMirror) Publish(context.Context, string, string) error { return nil }
func (NoopMirror) Remove(context.Context, string) error          { return nil }

// MinIOMirror uploads download artifacts to <bucket>/<key>/<file>
type MinIOMirror struct {
	client *minio.Client
	bucket string
}

func NewMinIOMirror(ctx context.Context, cfg config.MinIOConfig) (*MinIOMirror, error) {
	client, err := minio.New(strings.TrimSpace(cfg.Endpoint), &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	bucket := strings.TrimSpace(cfg.Bucket)
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return &MinIOMirror{client: client, bucket: bucket}, nil
}

func (m *MinIOMirror) Publish(ctx context.Context, key string, downloadDir string) error {
	files, err := listFiles(downloadDir)
	if err != nil {
		return fmt.Errorf("list %s: %w", downloadDir, err)
	}
	for _, rel := range files {
		objectName := key + "/" + filepath.ToSlash(rel)
		contentType := mime.TypeByExtension(filepath.Ext(rel))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		_, err := m.client.FPutObject(ctx, m.bucket, objectName, filepath.Join(downloadDir, rel),
			minio.PutObjectOptions{ContentType: contentType})
		if err != nil {
			return fmt.Errorf("upload %s: %w", objectName, err)
		}
	}
	return nil
}

func (m *MinIOMirror) Remove(ctx context.Context, key string) error {
	objects := m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix:    key + "/",
		Recursive: true,
	})
	for object := range objects {
		if object.Err != nil {
			return fmt.Errorf("list %s: %w", key, object.Err)
		}
		if err := m.client.RemoveObject(ctx, m.bucket, object.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove %s: %w", object.Key, err)
		}
	}
	return nil
}
