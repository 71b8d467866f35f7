// Package attachment resolves attachment cells into durable blob references.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"storymap-sync/feishu"
	"storymap-sync/pkg/story"
)

// Downloader fetches attachment bytes from the source.
type Downloader interface {
	DownloadMedia(ctx context.Context, token, fileToken string) ([]byte, error)
}

// BlobStore persists bytes under a content-addressed path.
type BlobStore interface {
	Available() bool
	Put(ctx context.Context, data []byte, fileName string) (story.BlobReference, error)
}

// ProvenanceLog records every upload made on behalf of a record.
type ProvenanceLog interface {
	RecordUpload(ctx context.Context, token string, u feishu.Upload) error
}

// Request describes one attachment slot of one record.
type Request struct {
	RecordID    string
	Usage       string
	CachedRef   string // Reference already written back to the source
	FallbackURL string // Pass-through URL used when no blob store is configured
	Attachments []story.Attachment
}

// Result is the reference for a slot. Fresh is set when it was uploaded in this call.
type Result struct {
	Ref   string
	Fresh bool
}

// Resolver turns attachment cells into blob references.
type Resolver struct {
	downloader Downloader
	store      BlobStore
	provenance ProvenanceLog
	logger     *slog.Logger
}

// NewResolver creates a new resolver.
func NewResolver(downloader Downloader, store BlobStore, provenance ProvenanceLog, logger *slog.Logger) *Resolver {
	return &Resolver{
		downloader: downloader,
		store:      store,
		provenance: provenance,
		logger:     logger,
	}
}

// Resolve returns the reference for req. An empty Ref means "no asset" and is not an error.
// Errors are download or upload failures; the slot should be treated as unresolved.
func (r *Resolver) Resolve(ctx context.Context, token string, req Request) (Result, error) {
	if req.CachedRef != "" {
		return Result{Ref: req.CachedRef}, nil
	}
	if !r.store.Available() {
		return Result{Ref: req.FallbackURL}, nil
	}
	if len(req.Attachments) == 0 {
		return Result{}, nil
	}

	att := req.Attachments[0]
	if att.FileToken == "" {
		return Result{}, nil
	}

	r.logger.Info("Resolving attachment",
		"record_id", req.RecordID,
		"usage", req.Usage,
		"file_name", att.Name)

	data, err := r.downloader.DownloadMedia(ctx, token, att.FileToken)
	if err != nil {
		return Result{}, fmt.Errorf("download %s: %w", att.Name, err)
	}

	ref, err := r.store.Put(ctx, data, att.Name)
	if err != nil {
		return Result{}, fmt.Errorf("store %s: %w", att.Name, err)
	}

	r.recordProvenance(ctx, token, feishu.Upload{
		FileName:    att.Name,
		StoragePath: ref.StoragePath,
		PublicURL:   ref.PublicURL,
		ContentHash: ref.ContentHash,
		Size:        len(data),
		Usage:       req.Usage,
		RecordID:    req.RecordID,
		UploadedAt:  time.Now(),
	})

	return Result{Ref: ref.PublicURL, Fresh: true}, nil
}

// recordProvenance never fails the resolution it belongs to.
func (r *Resolver) recordProvenance(ctx context.Context, token string, u feishu.Upload) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Provenance logging panicked", "record_id", u.RecordID, "panic", p)
		}
	}()

	err := r.provenance.RecordUpload(ctx, token, u)
	switch {
	case err == nil:
	case errors.Is(err, feishu.ErrProvenanceDisabled):
		r.logger.Warn("Provenance table not configured, upload not recorded", "path", u.StoragePath)
	default:
		r.logger.Warn("Failed to record upload provenance",
			"record_id", u.RecordID,
			"path", u.StoragePath,
			"error", err)
	}
}
