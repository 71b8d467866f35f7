// Package feishu talks to the Feishu open API: tenant auth, bitable records and drive media.
package feishu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
)

// DefaultBaseURL is the public Feishu open API host.
const DefaultBaseURL = "https://open.feishu.cn"

// DefaultMaxResponseBytes caps a single response body, attachments included.
const DefaultMaxResponseBytes int64 = 20 << 20

const (
	defaultPageSize   = 500
	maxPageSize       = 500
	locationsPageSize = 100
)

// Config holds the application identity and table coordinates.
type Config struct {
	BaseURL           string
	AppID             string
	AppSecret         string
	AppToken          string // Bitable app holding all tables
	TableID           string // Stories table
	ViewID            string
	LocationsTableID  string
	ProvenanceTableID string
	PageSize          int
	MaxResponseBytes  int64
}

// APIError is a non-zero code in a Feishu response.
type APIError struct {
	Msg  string
	Code int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("feishu api error %d: %s", e.Code, e.Msg)
}

// IsAPIError checks if an error carries a Feishu API error code.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

// TooLargeError indicates a response body exceeded the configured limit.
type TooLargeError struct {
	URL   string
	Limit int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("response from %s exceeds %d bytes", e.URL, e.Limit)
}

// IsTooLarge checks if an error is a TooLargeError.
func IsTooLarge(err error) bool {
	var tooLarge *TooLargeError
	return errors.As(err, &tooLarge)
}

// Client calls the Feishu open API through the lark SDK. The SDK token cache is
// off: every call carries the credential acquired at the start of the run.
type Client struct {
	sdk    *lark.Client
	logger *slog.Logger
	cfg    Config
}

// New creates a new Feishu client.
func New(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.PageSize <= 0 || cfg.PageSize > maxPageSize {
		cfg.PageSize = defaultPageSize
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	sdk := lark.NewClient(cfg.AppID, cfg.AppSecret,
		lark.WithOpenBaseUrl(cfg.BaseURL),
		lark.WithEnableTokenCache(false),
		lark.WithHttpClient(&cappedClient{client: httpClient, limit: cfg.MaxResponseBytes}),
		lark.WithLogger(sdkLogger{logger: logger}),
		lark.WithLogLevel(larkcore.LogLevelWarn),
	)
	return &Client{
		sdk:    sdk,
		logger: logger,
		cfg:    cfg,
	}
}

func withToken(token string) larkcore.RequestOptionFunc {
	return larkcore.WithTenantAccessToken(token)
}

// observe logs the outcome of one API call.
func (c *Client) observe(op string, start time.Time, err error) {
	duration := time.Since(start)
	if err != nil {
		c.logger.Warn("Feishu API request failed",
			"op", op,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return
	}
	c.logger.Debug("Feishu API request completed",
		"op", op,
		"duration_ms", duration.Milliseconds())
}

// cappedClient bounds every response body read by the SDK.
type cappedClient struct {
	client *http.Client
	limit  int64
}

func (c *cappedClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.ContentLength > c.limit {
		_ = resp.Body.Close() //nolint:errcheck // response is discarded
		return nil, &TooLargeError{URL: req.URL.Path, Limit: c.limit}
	}
	resp.Body = &cappedBody{ReadCloser: resp.Body, url: req.URL.Path, limit: c.limit, remaining: c.limit}
	return resp, nil
}

type cappedBody struct {
	io.ReadCloser
	url       string
	limit     int64
	remaining int64
}

func (b *cappedBody) Read(p []byte) (int, error) {
	if b.remaining < 0 {
		return 0, &TooLargeError{URL: b.url, Limit: b.limit}
	}
	// Read one byte past the limit so an exact-size body is not rejected.
	if int64(len(p)) > b.remaining+1 {
		p = p[:b.remaining+1]
	}
	n, err := b.ReadCloser.Read(p)
	b.remaining -= int64(n)
	if b.remaining < 0 {
		return 0, &TooLargeError{URL: b.url, Limit: b.limit}
	}
	return n, err
}

// sdkLogger routes SDK diagnostics into slog.
type sdkLogger struct {
	logger *slog.Logger
}

func (l sdkLogger) Debug(ctx context.Context, args ...any) {
	l.logger.DebugContext(ctx, "lark sdk", "detail", fmt.Sprint(args...))
}

func (l sdkLogger) Info(ctx context.Context, args ...any) {
	l.logger.InfoContext(ctx, "lark sdk", "detail", fmt.Sprint(args...))
}

func (l sdkLogger) Warn(ctx context.Context, args ...any) {
	l.logger.WarnContext(ctx, "lark sdk", "detail", fmt.Sprint(args...))
}

func (l sdkLogger) Error(ctx context.Context, args ...any) {
	l.logger.ErrorContext(ctx, "lark sdk", "detail", fmt.Sprint(args...))
}
