package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/wolfeidau/estatedash/internal/session"
	"github.com/wolfeidau/estatedash/internal/tokenstore"
)

var _ session.AuthAPI = (*AuthClient)(nil)

// AuthClient calls the gateway's session endpoints. Its calls never take
// part in the refresh protocol.
type AuthClient struct {
	cfg        Config
	base       *url.URL
	httpClient *http.Client
}

// NewAuthClient creates a client for the refresh and logout endpoints.
func NewAuthClient(cfg Config, httpClient *http.Client) (*AuthClient, error) {
	base, err := cfg.baseURL()
	if err != nil {
		return nil, err
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &AuthClient{cfg: cfg, base: base, httpClient: httpClient}, nil
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// TokenResponse is the gateway's refresh response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
}

// Refresh exchanges refreshToken for a new grant. A 400, 401 or 403 response,
// or any error response with the invalid_grant code, means the refresh token
// is no longer accepted.
func (a *AuthClient) Refresh(ctx context.Context, refreshToken string) (tokenstore.Grant, error) {
	status, body, err := a.post(ctx, a.cfg.RefreshPath, refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return tokenstore.Grant{}, err
	}

	switch {
	case status == http.StatusBadRequest, status == http.StatusUnauthorized, status == http.StatusForbidden,
		status > 299 && oauthErrorCode(body) == "invalid_grant":
		return tokenstore.Grant{}, fmt.Errorf("%w: %w", session.ErrRefreshInvalid,
			newAPIError(http.MethodPost, a.cfg.RefreshPath, status, body))

	case status < 200 || status > 299:
		return tokenstore.Grant{}, newAPIError(http.MethodPost, a.cfg.RefreshPath, status, body)
	}

	var tr TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return tokenstore.Grant{}, fmt.Errorf("failed to decode refresh response: %w", err)
	}

	if tr.AccessToken == "" {
		return tokenstore.Grant{}, fmt.Errorf("refresh response missing access_token")
	}

	return tokenstore.Grant{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresIn:    tr.ExpiresIn,
	}, nil
}

// Revoke invalidates refreshToken on the gateway. A 4xx response is wrapped
// with session.ErrRevokeRejected; an unknown token counts as revoked.
func (a *AuthClient) Revoke(ctx context.Context, refreshToken string) error {
	status, body, err := a.post(ctx, a.cfg.LogoutPath, refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return err
	}

	switch {
	case status >= 200 && status <= 299, status == http.StatusNotFound:
		return nil
	case status >= 400 && status <= 499 && status != http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", session.ErrRevokeRejected,
			newAPIError(http.MethodPost, a.cfg.LogoutPath, status, body))
	default:
		return newAPIError(http.MethodPost, a.cfg.LogoutPath, status, body)
	}
}

func (a *AuthClient) post(ctx context.Context, path string, payload any) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to encode request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base.JoinPath(path).String(), bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build auth request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", a.cfg.UserAgent)
	req.Header.Set("X-Request-Id", newRequestID())

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("gateway POST %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read auth response: %w", err)
	}

	return resp.StatusCode, body, nil
}

// oauthErrorCode returns the OAuth error code of an error response body.
func oauthErrorCode(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) != nil {
		return ""
	}
	return payload.Error
}
