package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"storymap-sync/attachment"
	"storymap-sync/blobstore"
	"storymap-sync/config"
	"storymap-sync/feishu"
	"storymap-sync/pkg/story"
	"storymap-sync/storage"
	"storymap-sync/syncer"
	"storymap-sync/transform"

	gcs "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/api/option"
)

// app holds the wired pipeline and everything that must be closed with it.
type app struct {
	syncer   *syncer.Syncer
	store    *storage.Store
	registry *prometheus.Registry
	logger   *slog.Logger
	gcs      *gcs.Client
}

func (a *app) Close() {
	if a.gcs == nil {
		return
	}
	if err := a.gcs.Close(); err != nil {
		a.logger.Warn("Failed to close storage client", "error", err)
	}
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{registry: prometheus.NewRegistry(), logger: logger}

	if cfg.Storage.Bucket != "" || cfg.Blob.Backend == config.BackendGCS {
		client, err := newGCSClient(ctx, cfg.Google)
		if err != nil {
			return nil, err
		}
		a.gcs = client
	}

	storeCfg := &storage.Config{
		Client:       a.gcs,
		Bucket:       cfg.Storage.Bucket,
		ContentKey:   cfg.Storage.ContentPath,
		LocationsKey: cfg.Storage.LocationsPath,
		Logger:       logger,
	}
	if cfg.Storage.Bucket == "" {
		storeCfg.LocalPath = cfg.Storage.LocalDir
		logger.Info("No STORAGE_BUCKET set, writing to local storage", "storage_path", cfg.Storage.LocalDir)
	}
	a.store = storage.New(storeCfg)

	backend, err := newBlobBackend(cfg, a.gcs, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	blobs, err := blobstore.New(backend, cfg.Blob.Prefix, cfg.Blob.CacheSize, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	client := feishu.New(feishu.Config{
		BaseURL:           cfg.Feishu.BaseURL,
		AppID:             cfg.Feishu.AppID,
		AppSecret:         cfg.Feishu.AppSecret,
		AppToken:          cfg.Feishu.AppToken,
		TableID:           cfg.Feishu.TableID,
		ViewID:            cfg.Feishu.ViewID,
		LocationsTableID:  cfg.Feishu.LocationsTableID,
		ProvenanceTableID: cfg.Feishu.ProvenanceTableID,
		PageSize:          cfg.Sync.PageSize,
		MaxResponseBytes:  cfg.Sync.MaxResponseBytes,
	}, &http.Client{Timeout: cfg.Sync.HTTPTimeout}, logger)

	if err := a.registry.Register(collectors.NewGoCollector()); err != nil {
		a.Close()
		return nil, fmt.Errorf("register go collector: %w", err)
	}
	observer, err := syncer.NewPrometheusObserver("storymap_sync", a.registry)
	if err != nil {
		a.Close()
		return nil, err
	}

	resolver := attachment.NewResolver(client, blobs, client, logger)
	a.syncer = syncer.New(&syncer.Config{
		Tokens:      client,
		Directory:   feishu.NewDirectoryReader(client, a.store, logger),
		Records:     client,
		Transformer: transform.New(resolver, client, logger),
		Persister:   a.store,
		Observer:    observer,
		Logger:      logger,
		Filter:      story.StatusFilter{Field: cfg.Sync.StatusField, Value: cfg.Sync.StatusValue},
		BatchSize:   cfg.Sync.BatchSize,
	})
	return a, nil
}

func newGCSClient(ctx context.Context, cfg config.Google) (*gcs.Client, error) {
	var opts []option.ClientOption
	if cfg.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return client, nil
}

// newBlobBackend picks the attachment store. A nil backend means attachments are
// not uploaded and raw URL columns are passed through instead.
func newBlobBackend(cfg *config.Config, client *gcs.Client, logger *slog.Logger) (blobstore.Backend, error) {
	backend := cfg.Blob.Backend
	if backend == "" || backend == config.BackendAuto {
		if !cfg.Aliyun.OSS.Complete() {
			logger.Warn("Blob store not configured, using raw attachment URLs")
			return nil, nil
		}
		backend = config.BackendOSS
	}

	switch backend {
	case config.BackendOSS:
		oss := cfg.Aliyun.OSS
		endpoint := oss.Endpoint
		if endpoint == "" {
			endpoint = blobstore.OSSEndpoint(oss.Region)
		}
		s3, err := blobstore.NewS3(blobstore.S3Config{
			Endpoint:  endpoint,
			Region:    oss.Region,
			Bucket:    oss.Bucket,
			KeyID:     oss.AccessKeyID,
			Secret:    oss.AccessKeySecret,
			PublicURL: cfg.Blob.PublicBaseURL,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("Using OSS blob store", "bucket", oss.Bucket, "endpoint", endpoint)
		return s3, nil
	case config.BackendGCS:
		logger.Info("Using GCS blob store", "bucket", cfg.Blob.GCSBucket)
		return blobstore.NewGCS(client, cfg.Blob.GCSBucket), nil
	case config.BackendLocal:
		local, err := blobstore.NewLocal(cfg.Blob.LocalDir, cfg.Blob.PublicBaseURL)
		if err != nil {
			return nil, err
		}
		logger.Info("Using local blob store", "path", cfg.Blob.LocalDir)
		return local, nil
	default:
		return nil, fmt.Errorf("unknown blob backend %q", backend)
	}
}
