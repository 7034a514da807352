package s3storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dharsanguruparan/ClipSight/internal/config"
)

// Storage wraps MinIO/S3 interactions for uploaded videos.
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
	return &Storage{
		client: client,
		bucket: cfg.VideoBucket,
		region: cfg.S3Region,
	}, nil
}

// EnsureBucket makes sure the video bucket exists before use.
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

// ObjectKey is the storage key of a record's video.
func ObjectKey(recordID, fileName string) string {
	name := filepath.Base(fileName)
	if name == "." || name == "/" || name == "" {
		name = "video"
	}
	return path.Join("videos", recordID, name)
}

// UploadVideo stores the raw bytes under the record's key and returns the
// durable object URL.
func (s *Storage) UploadVideo(ctx context.Context, recordID, fileName string, reader io.Reader, size int64, contentType string) (string, error) {
	key := ObjectKey(recordID, fileName)
	opts := minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: map[string]string{"record-id": recordID},
	}
	if _, err := s.client.PutObject(ctx, s.bucket, key, reader, size, opts); err != nil {
		return "", fmt.Errorf("upload video object: %w", err)
	}
	return s.ObjectURL(key), nil
}

// ObjectURL returns the canonical endpoint URL of an object.
func (s *Storage) ObjectURL(key string) string {
	u := *s.client.EndpointURL()
	u.Path = path.Join("/", s.bucket, key)
	return u.String()
}

// OpenVideo streams a stored video. The caller closes the reader.
func (s *Storage) OpenVideo(ctx context.Context, key string) (io.ReadSeekCloser, minio.ObjectInfo, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, minio.ObjectInfo{}, fmt.Errorf("get video object: %w", err)
	}
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, minio.ObjectInfo{}, fmt.Errorf("stat video object: %w", err)
	}
	return obj, info, nil
}

// PresignVideoURL returns a signed GET URL the analyzer can fetch directly.
func (s *Storage) PresignVideoURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign video object: %w", err)
	}
	return u.String(), nil
}
