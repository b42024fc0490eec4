// Package blob stores step screenshots in S3-compatible object storage and
// hands out presigned read URLs.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
	URLTTL    time.Duration
}

type Store struct {
	client *minio.Client
	bucket string
	urlTTL time.Duration
}

func New(cfg Config) (*Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("blob endpoint and bucket are required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	ttl := cfg.URLTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &Store{client: client, bucket: cfg.Bucket, urlTTL: ttl}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *Store) UploadData(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// GetURL returns a presigned GET URL for key, valid for the configured TTL.
func (s *Store) GetURL(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", errors.New("empty blob key")
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.urlTTL, nil)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}

// Key builds public/demos/{userId}/{demoId}/{file}. Path separators in the
// parts are stripped so a caller cannot escape its prefix.
func Key(userID, demoID, file string) string {
	clean := func(part string) string {
		part = strings.ReplaceAll(part, "/", "")
		part = strings.ReplaceAll(part, "\\", "")
		return strings.TrimSpace(strings.ReplaceAll(part, "..", ""))
	}
	return path.Join("public", "demos", clean(userID), clean(demoID), clean(file))
}

// ExtensionFor maps the accepted screenshot content types to a file
// extension. Anything else is rejected.
func ExtensionFor(contentType string) (string, bool) {
	mediaType, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(contentType)), ";")
	switch strings.TrimSpace(mediaType) {
	case "image/png":
		return ".png", true
	case "image/jpeg", "image/jpg":
		return ".jpg", true
	case "image/webp":
		return ".webp", true
	default:
		return "", false
	}
}
