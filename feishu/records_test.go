package feishu

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"

	"storymap-sync/pkg/story"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func item(id string) map[string]any {
	return map[string]any{"record_id": id, "fields": map[string]any{story.FieldCharacterID: id}}
}

func TestFetchAllPaginates(t *testing.T) {
	var requests atomic.Int32
	client := newTestClient(t, testConfig(), map[string]http.HandlerFunc{
		"/records/search": func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			assert.Equal(t, "500", r.URL.Query().Get("page_size"))

			body := decodeBody(t, r)
			filter, _ := body["filter"].(map[string]any)
			conds, _ := filter["conditions"].([]any)
			if assert.Len(t, conds, 1) {
				cond := conds[0].(map[string]any)
				assert.Equal(t, "状态", cond["field_name"])
				assert.Equal(t, "is", cond["operator"])
				assert.Equal(t, []any{"已发布"}, cond["value"])
			}

			switch r.URL.Query().Get("page_token") {
			case "":
				writeEnvelope(w, 0, "ok", map[string]any{
					"items": []any{item("A"), item("B")}, "has_more": true, "page_token": "p2",
				})
			case "p2":
				writeEnvelope(w, 0, "ok", map[string]any{
					"items": []any{item("C")}, "has_more": true, "page_token": "p3",
				})
			case "p3":
				writeEnvelope(w, 0, "ok", map[string]any{"items": []any{}, "has_more": false})
			default:
				t.Errorf("unexpected page token %q", r.URL.Query().Get("page_token"))
			}
		},
	})

	records, err := client.FetchAll(context.Background(), "tok", story.StatusFilter{Field: "状态", Value: "已发布"})
	require.NoError(t, err)

	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.RecordID)
	}
	assert.Equal(t, []string{"A", "B", "C"}, ids)
	assert.Equal(t, "A", records[0].Fields[story.FieldCharacterID])
	assert.EqualValues(t, 3, requests.Load())
}

func TestFetchAllDiscardsPartialResultsOnError(t *testing.T) {
	client := newTestClient(t, testConfig(), map[string]http.HandlerFunc{
		"/records/search": func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("page_token") == "" {
				writeEnvelope(w, 0, "ok", map[string]any{
					"items": []any{item("A")}, "has_more": true, "page_token": "p2",
				})
				return
			}
			writeEnvelope(w, 1254290, "TooManyRequest", nil)
		},
	})

	records, err := client.FetchAll(context.Background(), "tok", story.StatusFilter{Field: "状态", Value: "已发布"})
	require.Error(t, err)
	assert.Nil(t, records)
	assert.True(t, IsSourceError(err))
	assert.True(t, IsAPIError(err))
}

func TestFetchAllHTTPError(t *testing.T) {
	client := newTestClient(t, testConfig(), map[string]http.HandlerFunc{
		"/records/search": func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		},
	})

	_, err := client.FetchAll(context.Background(), "tok", story.StatusFilter{})
	require.Error(t, err)
	assert.True(t, IsSourceError(err))
}

func TestFetchAllStopsOnMissingContinuation(t *testing.T) {
	client := newTestClient(t, testConfig(), map[string]http.HandlerFunc{
		"/records/search": func(w http.ResponseWriter, _ *http.Request) {
			writeEnvelope(w, 0, "ok", map[string]any{"items": []any{item("A")}, "has_more": true})
		},
	})

	_, err := client.FetchAll(context.Background(), "tok", story.StatusFilter{})
	require.Error(t, err)
	assert.True(t, IsSourceError(err))
}

func TestFetchAllRequiresTable(t *testing.T) {
	cfg := testConfig()
	cfg.TableID = ""
	client := newTestClient(t, cfg, nil)

	_, err := client.FetchAll(context.Background(), "tok", story.StatusFilter{})
	assert.True(t, IsSourceError(err))
}

func TestUpdateRecordRefs(t *testing.T) {
	var calls atomic.Int32
	var got map[string]any
	client := newTestClient(t, testConfig(), map[string]http.HandlerFunc{
		"/tables/tbl-stories/records/rec1": func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			assert.Equal(t, http.MethodPut, r.Method)
			got = decodeBody(t, r)
			writeEnvelope(w, 0, "ok", map[string]any{})
		},
	})

	err := client.UpdateRecordRefs(context.Background(), "tok", "rec1", "https://cdn/a.png", "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, map[string]any{"fields": map[string]any{story.FieldAvatarRef: "https://cdn/a.png"}}, got)

	// Nothing to write means no request at all.
	require.NoError(t, client.UpdateRecordRefs(context.Background(), "tok", "rec1", "", ""))
	assert.EqualValues(t, 1, calls.Load())
}

func TestUpdateRecordRefsAPIError(t *testing.T) {
	client := newTestClient(t, testConfig(), map[string]http.HandlerFunc{
		"/records/rec1": func(w http.ResponseWriter, _ *http.Request) {
			writeEnvelope(w, 1254043, "RecordIdNotFound", nil)
		},
	})

	err := client.UpdateRecordRefs(context.Background(), "tok", "rec1", "a", "b")
	require.Error(t, err)
	assert.True(t, IsAPIError(err))
}
