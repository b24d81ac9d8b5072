package feeds

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/bnema/fedwatch/internal/adapters/auth"
	"github.com/bnema/fedwatch/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSession(t *testing.T, baseURL string) (Session, *ecdsa.PrivateKey) {
	t.Helper()

	key, err := auth.NewSigningKey()
	require.NoError(t, err)

	return Session{
		BaseURL:     baseURL,
		AccessToken: "access-1",
		Signer:      auth.NewProofSigner(key),
	}, key
}

func proofClaims(t *testing.T, proof string, key *ecdsa.PrivateKey) jwt.MapClaims {
	t.Helper()

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(proof, claims, func(*jwt.Token) (any, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}), jwt.WithoutClaimsValidation())
	require.NoError(t, err)

	return claims
}

func TestListNotificationsSignsRequestAndMapsItems(t *testing.T) {
	t.Parallel()

	var proof string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/xrpc/app.bsky.notification.listNotifications", r.URL.Path)
		assert.Equal(t, "DPoP access-1", r.Header.Get("Authorization"))
		proof = r.Header.Get("DPoP")
		require.NotEmpty(t, proof)

		_, _ = fmt.Fprint(w, `{"notifications":[
			{"cid":"cid-2","reason":"like","author":{"handle":"bob.example","avatar":"https://cdn.example/bob.png"},"isRead":false,"indexedAt":"2026-08-28T10:00:00Z"},
			{"cid":"cid-1","reason":"follow","author":{"handle":"carol.example"},"isRead":true,"indexedAt":"2026-08-28T09:00:00Z"}
		]}`)
	}))
	defer server.Close()

	session, key := testSession(t, server.URL)
	client := &Client{}

	items, err := client.ListNotifications(context.Background(), session)
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "cid-2", items[0].ID)
	assert.Equal(t, domain.ReasonLike, items[0].Reason)
	assert.Equal(t, "bob.example", items[0].ActorHandle)
	assert.Equal(t, "https://cdn.example/bob.png", items[0].ActorAvatarURL)
	assert.False(t, items[0].IsRead)
	assert.Equal(t, "cid-1", items[1].ID)
	assert.True(t, items[1].IsRead)

	claims := proofClaims(t, proof, key)
	assert.Equal(t, "GET", claims["htm"])
	assert.Equal(t, server.URL+"/xrpc/app.bsky.notification.listNotifications", claims["htu"])
}

func TestListNotificationsRetriesOnceWithServerNonce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	var secondProof string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("DPoP-Nonce", "nonce-123")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		secondProof = r.Header.Get("DPoP")
		_, _ = fmt.Fprint(w, `{"notifications":[]}`)
	}))
	defer server.Close()

	session, key := testSession(t, server.URL)
	client := &Client{}

	items, err := client.ListNotifications(context.Background(), session)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, int64(2), calls.Load())

	claims := proofClaims(t, secondProof, key)
	assert.Equal(t, "nonce-123", claims["nonce"])
}

func TestListNotificationsUnauthorizedWithoutNonce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	session, _ := testSession(t, server.URL)
	client := &Client{}

	_, err := client.ListNotifications(context.Background(), session)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int64(1), calls.Load())
}

func TestListNotificationsSecondUnauthorizedStopsRetrying(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("DPoP-Nonce", "nonce-123")
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	session, _ := testSession(t, server.URL)
	client := &Client{}

	_, err := client.ListNotifications(context.Background(), session)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int64(2), calls.Load())
}

func TestListConversationsMapsUnreadCounters(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/xrpc/chat.bsky.convo.listConvos", r.URL.Path)
		_, _ = fmt.Fprint(w, `{"convos":[{"id":"convo-1","unreadCount":3},{"id":"convo-2","unreadCount":0}]}`)
	}))
	defer server.Close()

	session, _ := testSession(t, server.URL)
	client := &Client{}

	convos, err := client.ListConversations(context.Background(), session)
	require.NoError(t, err)
	require.Len(t, convos, 2)
	assert.Equal(t, 3, convos[0].UnreadCount)
	assert.Equal(t, 0, convos[1].UnreadCount)
}

func TestFeedStatusClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{name: "http 501", status: http.StatusNotImplemented, want: domain.ErrNotImplemented},
		{name: "xrpc method not implemented", status: http.StatusBadRequest,
			body: `{"error":"MethodNotImplemented","message":"unsupported"}`, want: domain.ErrNotImplemented},
		{name: "server error", status: http.StatusBadGateway, want: domain.ErrTransient},
		{name: "other client error", status: http.StatusForbidden,
			body: `{"error":"Forbidden"}`, want: domain.ErrProtocol},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				if tc.body != "" {
					_, _ = fmt.Fprint(w, tc.body)
				}
			}))
			defer server.Close()

			session, _ := testSession(t, server.URL)
			client := &Client{}

			_, err := client.ListConversations(context.Background(), session)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestListNotificationsUndecodableBodyIsProtocolError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, `not json at all`)
	}))
	defer server.Close()

	session, _ := testSession(t, server.URL)
	client := &Client{}

	_, err := client.ListNotifications(context.Background(), session)
	assert.ErrorIs(t, err, domain.ErrProtocol)
}
