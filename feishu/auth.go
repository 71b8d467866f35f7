package feishu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	larkauth "github.com/larksuite/oapi-sdk-go/v3/service/auth/v3"
)

// Credential is a tenant access token. It is acquired once per run and never refreshed.
type Credential struct {
	IssuedAt  time.Time
	Value     string
	ExpiresIn time.Duration
}

// AuthError indicates the tenant token could not be obtained.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("feishu auth: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError checks if an error is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// tenantToken holds the fields the SDK leaves in the raw body.
type tenantToken struct {
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int    `json:"expire"`
}

// Acquire exchanges the app identity for a tenant access token.
func (c *Client) Acquire(ctx context.Context) (*Credential, error) {
	if c.cfg.AppID == "" || c.cfg.AppSecret == "" {
		return nil, &AuthError{Err: errors.New("FEISHU_APP_ID and FEISHU_APP_SECRET are required")}
	}

	req := larkauth.NewInternalTenantAccessTokenReqBuilder().
		Body(larkauth.NewInternalTenantAccessTokenReqBodyBuilder().
			AppId(c.cfg.AppID).
			AppSecret(c.cfg.AppSecret).
			Build()).
		Build()

	issuedAt := time.Now()
	resp, err := c.sdk.Auth.V3.TenantAccessToken.Internal(ctx, req)
	if err == nil && !resp.Success() {
		err = &APIError{Code: resp.Code, Msg: resp.Msg}
	}
	c.observe("tenant_access_token", issuedAt, err)
	if err != nil {
		return nil, &AuthError{Err: err}
	}

	var tok tenantToken
	if err := json.Unmarshal(resp.RawBody, &tok); err != nil {
		return nil, &AuthError{Err: fmt.Errorf("decode response: %w", err)}
	}
	if tok.TenantAccessToken == "" {
		return nil, &AuthError{Err: errors.New("empty tenant_access_token in response")}
	}

	c.logger.Info("Tenant access token acquired", "expires_in_s", tok.Expire)
	return &Credential{
		Value:     tok.TenantAccessToken,
		IssuedAt:  issuedAt,
		ExpiresIn: time.Duration(tok.Expire) * time.Second,
	}, nil
}
