package feishu

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"
)

// ErrProvenanceDisabled is returned when no provenance table is configured.
var ErrProvenanceDisabled = errors.New("provenance table not configured")

// Upload describes one blob uploaded on behalf of a record.
type Upload struct {
	UploadedAt  time.Time
	FileName    string
	StoragePath string
	PublicURL   string
	ContentHash string
	Usage       string
	RecordID    string
	Size        int
}

type link struct {
	Link string `json:"link"`
	Text string `json:"text"`
}

// Column names of the provenance table.
const (
	colSummary     = "文本"
	colFileName    = "文件名"
	colStoragePath = "OSS路径"
	colPublicURL   = "OSS_URL"
	colContentHash = "MD5哈希"
	colSize        = "文件大小"
	colUploadedAt  = "上传时间"
	colUsage       = "用途"
	colRecordID    = "关联记录ID"
)

// RecordUpload appends a row describing an upload to the provenance table.
func (c *Client) RecordUpload(ctx context.Context, token string, u Upload) error {
	if c.cfg.AppToken == "" || c.cfg.ProvenanceTableID == "" {
		return ErrProvenanceDisabled
	}
	if u.UploadedAt.IsZero() {
		u.UploadedAt = time.Now()
	}

	fields := map[string]any{
		colSummary:     fmt.Sprintf("%s - %s", u.FileName, u.Usage),
		colFileName:    u.FileName,
		colStoragePath: u.StoragePath,
		colPublicURL:   link{Link: u.PublicURL, Text: u.PublicURL},
		colContentHash: u.ContentHash,
		colSize:        humanize.IBytes(uint64(u.Size)),
		colUploadedAt:  u.UploadedAt.UnixMilli(),
		colUsage:       u.Usage,
		colRecordID:    u.RecordID,
	}

	req := larkbitable.NewCreateAppTableRecordReqBuilder().
		AppToken(c.cfg.AppToken).
		TableId(c.cfg.ProvenanceTableID).
		AppTableRecord(&larkbitable.AppTableRecord{Fields: fields}).
		Build()

	start := time.Now()
	resp, err := c.sdk.Bitable.V1.AppTableRecord.Create(ctx, req, withToken(token))
	if err == nil && !resp.Success() {
		err = &APIError{Code: resp.Code, Msg: resp.Msg}
	}
	c.observe("create_provenance", start, err)
	if err != nil {
		return fmt.Errorf("record upload %s: %w", u.StoragePath, err)
	}

	c.logger.Info("Upload recorded in provenance table", "path", u.StoragePath, "record_id", u.RecordID)
	return nil
}
