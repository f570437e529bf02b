// Package s3storage caches fetched previews in a MinIO/S3 bucket so repeated
// gallery views do not hit the photo host again.
package s3storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dharsanguruparan/facescan/internal/config"
	"github.com/dharsanguruparan/facescan/internal/preview"
)

const keyPrefix = "previews/"

// Storage wraps the MinIO client and the preview bucket.
type Storage struct {
	client *minio.Client
	bucket string
	region string
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Storage, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Storage{client: client, bucket: cfg.PreviewBucket, region: cfg.S3Region}, nil
}

// EnsureBucket makes sure the preview bucket exists before use.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// Get returns the cached preview for fileID, or nil on a miss.
func (s *Storage) Get(ctx context.Context, fileID string) (*preview.Image, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, ObjectKey(fileID), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get preview object: %w", err)
	}
	defer obj.Close()

	// GetObject is lazy; a missing key surfaces on the first Stat or Read.
	info, err := obj.Stat()
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat preview object: %w", err)
	}
	if info.Size > preview.MaxBytes {
		return nil, nil
	}
	buf, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read preview object: %w", err)
	}
	return &preview.Image{Data: buf, ContentType: info.ContentType}, nil
}

// Put stores img under fileID.
func (s *Storage) Put(ctx context.Context, fileID string, img *preview.Image) error {
	opts := minio.PutObjectOptions{ContentType: img.ContentType, CacheControl: "private, max-age=3600"}
	_, err := s.client.PutObject(ctx, s.bucket, ObjectKey(fileID), bytes.NewReader(img.Data), int64(len(img.Data)), opts)
	if err != nil {
		return fmt.Errorf("upload preview object: %w", err)
	}
	return nil
}

// ObjectKey is the bucket key of a file's preview.
func ObjectKey(fileID string) string {
	return keyPrefix + strings.TrimSpace(fileID)
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey"
}
