package feishu

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"storymap-sync/pkg/story"

	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"
)

// SnapshotStore keeps the last directory fetched successfully.
type SnapshotStore interface {
	LoadDirectory(ctx context.Context) (story.Directory, error)
	SaveDirectory(ctx context.Context, dir story.Directory) error
}

// DirectoryReader fetches the location directory table with a local fallback.
type DirectoryReader struct {
	client   *Client
	snapshot SnapshotStore
	logger   *slog.Logger
}

// NewDirectoryReader creates a new directory reader.
func NewDirectoryReader(client *Client, snapshot SnapshotStore, logger *slog.Logger) *DirectoryReader {
	return &DirectoryReader{
		client:   client,
		snapshot: snapshot,
		logger:   logger,
	}
}

// Fetch returns the current location directory. It never fails: when the
// remote table cannot be read, the last local snapshot is returned unchanged.
func (r *DirectoryReader) Fetch(ctx context.Context, token string) story.Directory {
	dir, err := r.fetchRemote(ctx, token)
	if err != nil {
		r.logger.Warn("Location directory sync failed, using local snapshot", "error", err)
		return r.fallback(ctx)
	}

	if err := r.snapshot.SaveDirectory(ctx, dir); err != nil {
		r.logger.Warn("Failed to persist location snapshot", "error", err)
	}
	r.logger.Info("Location directory synced", "locations", len(dir))
	return dir
}

func (r *DirectoryReader) fetchRemote(ctx context.Context, token string) (story.Directory, error) {
	c := r.client
	if c.cfg.AppToken == "" || c.cfg.LocationsTableID == "" {
		return nil, errors.New("FEISHU_APP_TOKEN and FEISHU_LOCATIONS_TABLE_ID are required")
	}

	req := larkbitable.NewListAppTableRecordReqBuilder().
		AppToken(c.cfg.AppToken).
		TableId(c.cfg.LocationsTableID).
		PageSize(locationsPageSize).
		Build()

	start := time.Now()
	resp, err := c.sdk.Bitable.V1.AppTableRecord.List(ctx, req, withToken(token))
	if err == nil && !resp.Success() {
		err = &APIError{Code: resp.Code, Msg: resp.Msg}
	}
	c.observe("list_locations", start, err)
	if err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return nil, errors.New("response without data")
	}
	if resp.Data.HasMore != nil && *resp.Data.HasMore {
		total := 0
		if resp.Data.Total != nil {
			total = *resp.Data.Total
		}
		r.logger.Warn("Location table has more rows than one page, extra rows ignored",
			"page_size", locationsPageSize,
			"total", total)
	}

	dir := make(story.Directory, len(resp.Data.Items))
	for _, item := range resp.Data.Items {
		rec := rawRecord(item)
		id := story.LocationKey(rec.Fields[story.FieldLocationID])
		if id == "" {
			r.logger.Warn("Location row missing location id, skipping", "record_id", rec.RecordID)
			continue
		}
		dir[id] = story.LocationEntry{
			Name: story.Text(rec.Fields[story.FieldLocationName]),
			X:    story.Number(rec.Fields[story.FieldLocationX]),
			Y:    story.Number(rec.Fields[story.FieldLocationY]),
		}
	}
	return dir, nil
}

func (r *DirectoryReader) fallback(ctx context.Context) story.Directory {
	dir, err := r.snapshot.LoadDirectory(ctx)
	if err != nil {
		r.logger.Warn("No usable location snapshot, continuing with an empty directory", "error", err)
		return story.Directory{}
	}
	return dir
}
