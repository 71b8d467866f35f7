// Package storage persists the published aggregate and the location directory snapshot.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"storymap-sync/pkg/story"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
)

// Default object keys.
const (
	DefaultContentKey   = "data/content.json"
	DefaultLocationsKey = "config/locations.json"
)

const errNotExist = "storage: object doesn't exist"

// Store writes JSON documents to a local directory or a Cloud Storage bucket.
type Store struct {
	client       *storage.Client
	logger       *slog.Logger
	localPath    string
	bucket       string
	contentKey   string
	locationsKey string
}

// Config holds storage configuration. LocalPath takes precedence over Bucket.
type Config struct {
	Client       *storage.Client
	Logger       *slog.Logger
	LocalPath    string
	Bucket       string
	ContentKey   string
	LocationsKey string
}

// New creates a new storage handler.
func New(cfg *Config) *Store {
	contentKey := cfg.ContentKey
	if contentKey == "" {
		contentKey = DefaultContentKey
	}
	locationsKey := cfg.LocationsKey
	if locationsKey == "" {
		locationsKey = DefaultLocationsKey
	}
	return &Store{
		client:       cfg.Client,
		logger:       cfg.Logger,
		localPath:    cfg.LocalPath,
		bucket:       cfg.Bucket,
		contentKey:   contentKey,
		locationsKey: locationsKey,
	}
}

// SaveAggregate replaces the published aggregate.
func (s *Store) SaveAggregate(ctx context.Context, agg *story.Aggregate) error {
	data, err := json.MarshalIndent(agg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal aggregate: %w", err)
	}
	if err := s.write(ctx, s.contentKey, data); err != nil {
		return err
	}
	s.logger.Info("Aggregate saved",
		"key", s.contentKey,
		"locations", len(agg.Locations),
		"stories", agg.StoryCount())
	return nil
}

// LoadAggregate loads the published aggregate.
func (s *Store) LoadAggregate(ctx context.Context) (*story.Aggregate, error) {
	data, err := s.read(ctx, s.contentKey)
	if err != nil {
		return nil, err
	}
	var agg story.Aggregate
	if err := json.Unmarshal(data, &agg); err != nil {
		return nil, fmt.Errorf("unmarshal aggregate: %w", err)
	}
	return &agg, nil
}

// AggregateJSON returns the published aggregate exactly as stored.
func (s *Store) AggregateJSON(ctx context.Context) ([]byte, error) {
	return s.read(ctx, s.contentKey)
}

// SaveDirectory replaces the location directory snapshot.
func (s *Store) SaveDirectory(ctx context.Context, dir story.Directory) error {
	data, err := json.MarshalIndent(dir, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal directory: %w", err)
	}
	if err := s.write(ctx, s.locationsKey, data); err != nil {
		return err
	}
	s.logger.Info("Location directory snapshot saved", "key", s.locationsKey, "locations", len(dir))
	return nil
}

// LoadDirectory loads the last location directory snapshot.
func (s *Store) LoadDirectory(ctx context.Context) (story.Directory, error) {
	data, err := s.read(ctx, s.locationsKey)
	if err != nil {
		return nil, err
	}
	dir := story.Directory{}
	if err := json.Unmarshal(data, &dir); err != nil {
		return nil, fmt.Errorf("unmarshal directory: %w", err)
	}
	return dir, nil
}

// write replaces key with data. Readers never observe a partially written document.
func (s *Store) write(ctx context.Context, key string, data []byte) error {
	s.logger.Debug("Writing object", "key", key, "size_bytes", len(data))

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, filepath.FromSlash(key))
		if err := writeFileAtomic(filePath, data); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		s.logger.Debug("Object saved to local storage", "path", filePath)
		return nil
	}

	if s.client == nil {
		return errors.New("storage not configured")
	}

	// Cloud Storage objects only become visible once the writer closes successfully.
	startTime := time.Now()
	err := retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Debug("Object saved", "key", key, "duration_ms", time.Since(startTime).Milliseconds())
	return nil
}

func (s *Store) read(ctx context.Context, key string) ([]byte, error) {
	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, filepath.FromSlash(key))
		data, err := os.ReadFile(filePath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errors.New(errNotExist)
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
		return data, nil
	}

	if s.client == nil {
		return nil, errors.New("storage not configured")
	}

	// Cloud Storage with retry logic for reliability
	var data []byte
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(errors.New(errNotExist))
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying load operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

// writeFileAtomic writes to a sibling temp file and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op once the rename has succeeded.
		_ = os.Remove(tmpName) //nolint:errcheck // best-effort cleanup
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close() //nolint:errcheck // already failing
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close() //nolint:errcheck // already failing
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil { //nolint:gosec // published content is world-readable
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// IsNotFound checks if an error indicates an object was not found.
func IsNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), errNotExist)
}
