package feishu

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"storymap-sync/pkg/story"
)

// newTestClient starts a fake Feishu server routing by path substring.
func newTestClient(t *testing.T, cfg Config, routes map[string]http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for pattern, handler := range routes {
			if strings.Contains(r.URL.Path, pattern) {
				handler(w, r)
				return
			}
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg.BaseURL = srv.URL
	return New(cfg, srv.Client(), discardLogger())
}

func testConfig() Config {
	return Config{
		AppID:             "cli_test",
		AppSecret:         "secret",
		AppToken:          "app-token",
		TableID:           "tbl-stories",
		LocationsTableID:  "tbl-locations",
		ProvenanceTableID: "tbl-provenance",
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeEnvelope writes a {code, msg, data} body.
func writeEnvelope(w http.ResponseWriter, code int, msg string, data any) {
	body := map[string]any{"code": code, "msg": msg}
	if data != nil {
		body["data"] = data
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body) //nolint:errcheck // test server
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		t.Errorf("decode request body: %v", err)
	}
	return body
}

type memorySnapshot struct {
	saved   story.Directory
	current story.Directory
	loadErr error
	mu      sync.Mutex
	saves   int
}

func (m *memorySnapshot) LoadDirectory(context.Context) (story.Directory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	if m.current == nil {
		return nil, errors.New("no snapshot")
	}
	return m.current, nil
}

func (m *memorySnapshot) SaveDirectory(_ context.Context, dir story.Directory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.saved = dir
	m.current = dir
	return nil
}
