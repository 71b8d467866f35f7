package feishu

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storymap-sync/pkg/story"

	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"
)

// SourceError indicates the stories table could not be read in full.
type SourceError struct {
	Err   error
	Pages int // Pages fetched before the failure
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("fetch records (after %d pages): %v", e.Pages, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// IsSourceError checks if an error is a SourceError.
func IsSourceError(err error) bool {
	var srcErr *SourceError
	return errors.As(err, &srcErr)
}

// FetchAll pages through the stories table and returns every matching record.
// Any failure discards what was fetched so far; a truncated table is never returned.
func (c *Client) FetchAll(ctx context.Context, token string, filter story.StatusFilter) ([]story.RawRecord, error) {
	if c.cfg.AppToken == "" || c.cfg.TableID == "" {
		return nil, &SourceError{Err: errors.New("FEISHU_APP_TOKEN and FEISHU_TABLE_ID are required")}
	}

	body := larkbitable.NewSearchAppTableRecordReqBodyBuilder()
	if c.cfg.ViewID != "" {
		body.ViewId(c.cfg.ViewID)
	}
	if filter.Field != "" {
		body.Filter(larkbitable.NewFilterInfoBuilder().
			Conjunction("and").
			Conditions([]*larkbitable.Condition{
				larkbitable.NewConditionBuilder().
					FieldName(filter.Field).
					Operator("is").
					Value([]string{filter.Value}).
					Build(),
			}).
			Build())
	}
	searchBody := body.Build()

	var all []story.RawRecord
	pageToken := ""
	for pages := 0; ; pages++ {
		builder := larkbitable.NewSearchAppTableRecordReqBuilder().
			AppToken(c.cfg.AppToken).
			TableId(c.cfg.TableID).
			PageSize(c.cfg.PageSize).
			Body(searchBody)
		if pageToken != "" {
			builder.PageToken(pageToken)
		}

		start := time.Now()
		resp, err := c.sdk.Bitable.V1.AppTableRecord.Search(ctx, builder.Build(), withToken(token))
		if err == nil && !resp.Success() {
			err = &APIError{Code: resp.Code, Msg: resp.Msg}
		}
		c.observe("search_records", start, err)
		if err != nil {
			return nil, &SourceError{Pages: pages, Err: err}
		}
		if resp.Data == nil {
			return nil, &SourceError{Pages: pages, Err: errors.New("response without data")}
		}

		for _, item := range resp.Data.Items {
			all = append(all, rawRecord(item))
		}

		hasMore := resp.Data.HasMore != nil && *resp.Data.HasMore
		c.logger.Info("Records page fetched",
			"page", pages+1,
			"items", len(resp.Data.Items),
			"accumulated", len(all),
			"has_more", hasMore)

		if !hasMore {
			return all, nil
		}
		next := ""
		if resp.Data.PageToken != nil {
			next = *resp.Data.PageToken
		}
		if next == "" || next == pageToken {
			return nil, &SourceError{Pages: pages + 1, Err: errors.New("has_more set without a new page_token")}
		}
		pageToken = next
	}
}

// UpdateRecordRefs writes resolved blob references back to a stories row.
// Empty references are left untouched. Both fields go out in one request.
func (c *Client) UpdateRecordRefs(ctx context.Context, token, recordID, avatarRef, mainImageRef string) error {
	if c.cfg.AppToken == "" || c.cfg.TableID == "" {
		return errors.New("FEISHU_APP_TOKEN and FEISHU_TABLE_ID are required")
	}

	fields := make(map[string]any, 2)
	if avatarRef != "" {
		fields[story.FieldAvatarRef] = avatarRef
	}
	if mainImageRef != "" {
		fields[story.FieldMainImageRef] = mainImageRef
	}
	if len(fields) == 0 {
		return nil
	}

	req := larkbitable.NewUpdateAppTableRecordReqBuilder().
		AppToken(c.cfg.AppToken).
		TableId(c.cfg.TableID).
		RecordId(recordID).
		AppTableRecord(&larkbitable.AppTableRecord{Fields: fields}).
		Build()

	start := time.Now()
	resp, err := c.sdk.Bitable.V1.AppTableRecord.Update(ctx, req, withToken(token))
	if err == nil && !resp.Success() {
		err = &APIError{Code: resp.Code, Msg: resp.Msg}
	}
	c.observe("update_record", start, err)
	if err != nil {
		return fmt.Errorf("update record %s: %w", recordID, err)
	}

	c.logger.Info("Blob references written back", "record_id", recordID, "fields", len(fields))
	return nil
}

func rawRecord(item *larkbitable.AppTableRecord) story.RawRecord {
	if item == nil {
		return story.RawRecord{}
	}
	rec := story.RawRecord{Fields: item.Fields}
	if item.RecordId != nil {
		rec.RecordID = *item.RecordId
	}
	return rec
}
