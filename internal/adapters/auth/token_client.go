package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bnema/fedwatch/internal/domain"
)

const maxTokenResponseBytes = 1 << 20

// TokenGrant is the result of a successful authorization-code or
// refresh-token grant. Sub is the stable subject identifier (the account's
// DID on the federated network).
type TokenGrant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Sub          string `json:"sub"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type oauthErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// TokenClient talks to one server's OAuth token endpoint.
type TokenClient struct {
	BaseURL    string
	ClientID   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Exchange performs the authorization-code grant. Classification of
// failures: a structured OAuth error body becomes *domain.RejectedGrantError,
// a body we cannot decode becomes domain.ErrProtocol, and a 2xx response
// missing any required field becomes domain.ErrMalformedTokenResponse; a
// partial grant is never returned.
func (c *TokenClient) Exchange(ctx context.Context, code, verifier, redirectURI string) (TokenGrant, error) {
	if code == "" {
		return TokenGrant{}, errors.New("authorization code is required")
	}
	if verifier == "" {
		return TokenGrant{}, errors.New("code verifier is required")
	}
	if redirectURI == "" {
		return TokenGrant{}, errors.New("redirect uri is required")
	}

	values := url.Values{}
	values.Set("grant_type", "authorization_code")
	values.Set("code", code)
	values.Set("code_verifier", verifier)
	values.Set("redirect_uri", redirectURI)
	values.Set("client_id", c.ClientID)

	resp, err := c.postForm(ctx, values)
	if err != nil {
		return TokenGrant{}, fmt.Errorf("exchange code: %w: %w", domain.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return TokenGrant{}, classifyGrantFailure(resp)
	}

	return decodeGrant(resp.Body)
}

// Refresh performs the refresh-token grant. HTTP 400 and 401 mean the
// refresh token is permanently dead: the caller must remove the account and
// prompt re-authentication (domain.ErrRevoked). Everything else that fails is
// domain.ErrTransient and leaves the account untouched.
func (c *TokenClient) Refresh(ctx context.Context, refreshToken string) (TokenGrant, error) {
	if refreshToken == "" {
		return TokenGrant{}, errors.New("refresh token is required")
	}

	values := url.Values{}
	values.Set("grant_type", "refresh_token")
	values.Set("refresh_token", refreshToken)
	values.Set("client_id", c.ClientID)

	resp, err := c.postForm(ctx, values)
	if err != nil {
		return TokenGrant{}, fmt.Errorf("refresh tokens: %w: %w", domain.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		return TokenGrant{}, fmt.Errorf("refresh tokens: %w: %s", domain.ErrRevoked, readGrantError(resp))
	case resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices:
		return TokenGrant{}, fmt.Errorf("refresh tokens: %w: status %d", domain.ErrTransient, resp.StatusCode)
	}

	return decodeGrant(resp.Body)
}

func (c *TokenClient) postForm(ctx context.Context, values url.Values) (*http.Response, error) {
	endpoint := strings.TrimRight(c.BaseURL, "/") + "/oauth/token"

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, strings.NewReader(values.Encode()))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		cancel()
		return nil, err
	}

	resp.Body = &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (c *TokenClient) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func decodeGrant(body io.Reader) (TokenGrant, error) {
	var grant TokenGrant
	if err := json.NewDecoder(io.LimitReader(body, maxTokenResponseBytes)).Decode(&grant); err != nil {
		return TokenGrant{}, fmt.Errorf("decode token response: %w", domain.ErrProtocol)
	}
	if grant.AccessToken == "" || grant.RefreshToken == "" || grant.Sub == "" {
		return TokenGrant{}, domain.ErrMalformedTokenResponse
	}

	return grant, nil
}

func classifyGrantFailure(resp *http.Response) error {
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("exchange code: %w: status %d", domain.ErrTransient, resp.StatusCode)
	}

	var oauthErr oauthErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxTokenResponseBytes)).Decode(&oauthErr); err != nil || oauthErr.Error == "" {
		return fmt.Errorf("exchange code: %w: status %d", domain.ErrProtocol, resp.StatusCode)
	}

	return &domain.RejectedGrantError{Code: oauthErr.Error, Description: oauthErr.ErrorDescription}
}

func readGrantError(resp *http.Response) string {
	var oauthErr oauthErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxTokenResponseBytes)).Decode(&oauthErr); err != nil || oauthErr.Error == "" {
		return fmt.Sprintf("status %d", resp.StatusCode)
	}
	if oauthErr.ErrorDescription != "" {
		return oauthErr.Error + ": " + oauthErr.ErrorDescription
	}
	return oauthErr.Error
}
