package feeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bnema/fedwatch/internal/adapters/auth"
	"github.com/bnema/fedwatch/internal/domain"
)

const (
	notificationsPath = "/xrpc/app.bsky.notification.listNotifications"
	conversationsPath = "/xrpc/chat.bsky.convo.listConvos"

	dpopNonceHeader   = "DPoP-Nonce"
	maxFeedBodyBytes  = 4 << 20
	notImplementedTag = "MethodNotImplemented"
)

// ErrUnauthorized means the access token was rejected outright (no nonce
// challenge). The caller refreshes and retries.
var ErrUnauthorized = errors.New("access token rejected")

// Session carries everything one authenticated feed request needs.
type Session struct {
	BaseURL     string
	AccessToken string
	Signer      *auth.ProofSigner
}

// Client fetches notification and conversation listings. Every request is
// signed with a DPoP proof; a 401 carrying a DPoP-Nonce challenge is retried
// exactly once with the server's nonce.
type Client struct {
	HTTPClient *http.Client
	Timeout    time.Duration
}

type notificationPayload struct {
	Notifications []struct {
		CID    string `json:"cid"`
		Reason string `json:"reason"`
		Author struct {
			Handle string `json:"handle"`
			Avatar string `json:"avatar"`
		} `json:"author"`
		IsRead    bool      `json:"isRead"`
		IndexedAt time.Time `json:"indexedAt"`
	} `json:"notifications"`
}

type conversationPayload struct {
	Convos []struct {
		ID          string `json:"id"`
		UnreadCount int    `json:"unreadCount"`
	} `json:"convos"`
}

type xrpcErrorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ListNotifications returns the account's notifications, newest first, as
// the server orders them.
func (c *Client) ListNotifications(ctx context.Context, session Session) ([]domain.NotificationItem, error) {
	var payload notificationPayload
	if err := c.getJSON(ctx, session, notificationsPath, &payload); err != nil {
		return nil, err
	}

	items := make([]domain.NotificationItem, 0, len(payload.Notifications))
	for _, n := range payload.Notifications {
		items = append(items, domain.NotificationItem{
			ID:             n.CID,
			Reason:         domain.NotificationReason(n.Reason),
			ActorHandle:    n.Author.Handle,
			ActorAvatarURL: n.Author.Avatar,
			IsRead:         n.IsRead,
			CreatedAt:      n.IndexedAt,
		})
	}

	return items, nil
}

// ListConversations returns the per-conversation unread counters.
func (c *Client) ListConversations(ctx context.Context, session Session) ([]domain.Conversation, error) {
	var payload conversationPayload
	if err := c.getJSON(ctx, session, conversationsPath, &payload); err != nil {
		return nil, err
	}

	convos := make([]domain.Conversation, 0, len(payload.Convos))
	for _, convo := range payload.Convos {
		convos = append(convos, domain.Conversation{ID: convo.ID, UnreadCount: convo.UnreadCount})
	}

	return convos, nil
}

func (c *Client) getJSON(ctx context.Context, session Session, path string, out any) error {
	endpoint := strings.TrimRight(session.BaseURL, "/") + path

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.do(reqCtx, session, endpoint, "")
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		nonce := resp.Header.Get(dpopNonceHeader)
		_ = resp.Body.Close()
		if nonce == "" {
			return fmt.Errorf("fetch %s: %w", path, ErrUnauthorized)
		}

		// Server demanded a nonce-bound proof; retry once with it.
		resp, err = c.do(reqCtx, session, endpoint, nonce)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			_ = resp.Body.Close()
			return fmt.Errorf("fetch %s: %w", path, ErrUnauthorized)
		}
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyFeedStatus(resp, path); err != nil {
		return err
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxFeedBodyBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, domain.ErrProtocol)
	}

	return nil
}

func (c *Client) do(ctx context.Context, session Session, endpoint, nonce string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create feed request: %w", err)
	}

	proof, err := session.Signer.Sign(auth.ProofRequest{
		Method:      http.MethodGet,
		URL:         endpoint,
		Nonce:       nonce,
		AccessToken: session.AccessToken,
	})
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "DPoP "+session.AccessToken)
	req.Header.Set("DPoP", proof)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed request: %w: %w", domain.ErrTransient, err)
	}

	return resp, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// classifyFeedStatus maps a non-2xx feed response into the error taxonomy.
// 501 (or the XRPC MethodNotImplemented body) marks the feed as permanently
// unsupported for this account.
func classifyFeedStatus(resp *http.Response, path string) error {
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}

	if resp.StatusCode == http.StatusNotImplemented {
		return fmt.Errorf("fetch %s: %w", path, domain.ErrNotImplemented)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("fetch %s: %w: status %d", path, domain.ErrTransient, resp.StatusCode)
	}

	var xrpcErr xrpcErrorPayload
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxFeedBodyBytes)).Decode(&xrpcErr); err == nil &&
		xrpcErr.Error == notImplementedTag {
		return fmt.Errorf("fetch %s: %w", path, domain.ErrNotImplemented)
	}

	return fmt.Errorf("fetch %s: %w: status %d", path, domain.ErrProtocol, resp.StatusCode)
}
