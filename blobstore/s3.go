package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config describes an S3-compatible bucket such as Aliyun OSS.
type S3Config struct {
	// Endpoint is the API host, e.g. "oss-cn-hangzhou.aliyuncs.com".
	Endpoint  string
	Region    string
	Bucket    string
	KeyID     string
	Secret    string
	PublicURL string // Base for object URLs; defaults to virtual-hosted https URLs
	Insecure  bool
}

// OSSEndpoint returns the S3-compatible API host for an OSS region like "oss-cn-hangzhou".
func OSSEndpoint(region string) string {
	return region + ".aliyuncs.com"
}

// S3 stores blobs in an S3-compatible bucket.
type S3 struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// NewS3 creates an S3-compatible backend.
func NewS3(cfg S3Config) (*S3, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 endpoint and bucket are required")
	}
	// OSS only accepts virtual-hosted style requests.
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.KeyID, cfg.Secret, ""),
		Secure:       !cfg.Insecure,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupDNS,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	publicURL := strings.TrimSuffix(cfg.PublicURL, "/")
	if publicURL == "" {
		publicURL = fmt.Sprintf("https://%s.%s", cfg.Bucket, cfg.Endpoint)
	}

	return &S3{client: client, bucket: cfg.Bucket, publicURL: publicURL}, nil
}

// Exists reports whether key is present in the bucket.
func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if code := minio.ToErrorResponse(err).Code; code == "NoSuchKey" || code == "NotFound" {
		return false, nil
	}
	return false, fmt.Errorf("stat object: %w", err)
}

// Upload writes data to key.
func (s *S3) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// URL returns the public URL of key.
func (s *S3) URL(key string) string {
	return s.publicURL + "/" + key
}
