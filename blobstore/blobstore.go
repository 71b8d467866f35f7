// Package blobstore stores attachment bytes under content-derived paths.
package blobstore

import (
	"context"
	"crypto/md5" //nolint:gosec // object names are MD5 digests; existing bucket contents depend on it
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path"
	"strings"
	"time"

	"storymap-sync/pkg/story"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultExt       = ".jpg"
	defaultCacheSize = 1024
)

// ErrUnavailable is returned when no backend has been configured.
var ErrUnavailable = errors.New("blob store not configured")

// UploadError wraps a transport failure while probing or writing an object.
type UploadError struct {
	Err  error
	Path string
	Op   string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("blob %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// IsUploadError checks if an error is an UploadError.
func IsUploadError(err error) bool {
	var ue *UploadError
	return errors.As(err, &ue)
}

// Backend is the object storage primitive underneath the store.
type Backend interface {
	// Exists reports whether an object is present at key.
	Exists(ctx context.Context, key string) (bool, error)
	// Upload writes data to key, replacing anything already there.
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	// URL returns the public URL for key.
	URL(key string) string
}

// Store puts blobs into a Backend at most once per content hash.
type Store struct {
	backend Backend
	known   *lru.Cache[string, struct{}]
	logger  *slog.Logger
	prefix  string
}

// New creates a store. A nil backend yields a store that reports ErrUnavailable.
func New(backend Backend, prefix string, cacheSize int, logger *slog.Logger) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	known, err := lru.New[string, struct{}](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create known-object cache: %w", err)
	}
	return &Store{
		backend: backend,
		known:   known,
		logger:  logger,
		prefix:  strings.Trim(prefix, "/"),
	}, nil
}

// Available reports whether the store can accept uploads.
func (s *Store) Available() bool {
	return s != nil && s.backend != nil
}

// StoragePath derives the object path for a digest and original file name.
func (s *Store) StoragePath(digest, fileName string) string {
	ext := path.Ext(fileName)
	if ext == "" {
		ext = defaultExt
	}
	if s.prefix == "" {
		return digest + ext
	}
	return s.prefix + "/" + digest + ext
}

// Put stores data unless an object with the same content already exists.
// Two concurrent puts of identical bytes may both upload; the path is derived
// from the content so the second write is redundant but harmless.
func (s *Store) Put(ctx context.Context, data []byte, fileName string) (story.BlobReference, error) {
	if !s.Available() {
		return story.BlobReference{}, ErrUnavailable
	}

	sum := md5.Sum(data) //nolint:gosec // content addressing, not security
	digest := hex.EncodeToString(sum[:])
	key := s.StoragePath(digest, fileName)
	ref := story.BlobReference{
		PublicURL:   s.backend.URL(key),
		StoragePath: key,
		ContentHash: digest,
	}

	if s.known.Contains(key) {
		s.logger.Debug("Blob already known, skipping probe", "path", key)
		return ref, nil
	}

	startTime := time.Now()
	exists, err := s.backend.Exists(ctx, key)
	if err != nil {
		return story.BlobReference{}, &UploadError{Op: "probe", Path: key, Err: err}
	}
	if exists {
		s.known.Add(key, struct{}{})
		s.logger.Info("Blob already stored, skipping upload", "path", key)
		return ref, nil
	}

	if err := s.backend.Upload(ctx, key, data, contentType(key)); err != nil {
		s.logger.Warn("Blob upload failed",
			"path", key,
			"size_bytes", len(data),
			"duration_ms", time.Since(startTime).Milliseconds(),
			"error", err)
		return story.BlobReference{}, &UploadError{Op: "upload", Path: key, Err: err}
	}
	s.known.Add(key, struct{}{})

	s.logger.Info("Blob uploaded",
		"path", key,
		"size_bytes", len(data),
		"duration_ms", time.Since(startTime).Milliseconds())
	return ref, nil
}

func contentType(key string) string {
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
