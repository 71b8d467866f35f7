package feishu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	larkdrive "github.com/larksuite/oapi-sdk-go/v3/service/drive/v1"
)

// DownloadMedia fetches the bytes of an attachment by its file token.
// Bodies larger than the configured limit fail with a TooLargeError.
func (c *Client) DownloadMedia(ctx context.Context, token, fileToken string) ([]byte, error) {
	req := larkdrive.NewDownloadMediaReqBuilder().
		FileToken(fileToken).
		Build()

	start := time.Now()
	resp, err := c.sdk.Drive.V1.Media.Download(ctx, req, withToken(token))
	if err == nil && !resp.Success() {
		err = &APIError{Code: resp.Code, Msg: resp.Msg}
	}
	if err == nil && resp.File == nil {
		err = errors.New("empty media response")
	}
	c.observe("download_media", start, err)
	if err != nil {
		return nil, fmt.Errorf("download media %s: %w", fileToken, err)
	}

	data, err := io.ReadAll(io.LimitReader(resp.File, c.cfg.MaxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read media %s: %w", fileToken, err)
	}
	if int64(len(data)) > c.cfg.MaxResponseBytes {
		return nil, &TooLargeError{URL: fileToken, Limit: c.cfg.MaxResponseBytes}
	}
	return data, nil
}
