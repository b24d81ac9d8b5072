package application

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bnema/fedwatch/internal/adapters/auth"
	"github.com/bnema/fedwatch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRefresher struct {
	calls atomic.Int64
	delay time.Duration
	err   error
	grant auth.TokenGrant
}

func (r *fakeRefresher) Refresh(_ context.Context, refreshToken string) (auth.TokenGrant, error) {
	r.calls.Add(1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.err != nil {
		return auth.TokenGrant{}, r.err
	}
	if refreshToken == "" {
		return auth.TokenGrant{}, fmt.Errorf("refresh token is required")
	}
	return r.grant, nil
}

func sessionFixture(t *testing.T, clock *fakeClock, refresher *fakeRefresher) (*TokenManager, *memRegistry, *memSecrets, domain.Account) {
	t.Helper()

	registry := newMemRegistry()
	secrets := newMemSecrets()
	manager := NewTokenManager(registry, secrets, func(string) TokenRefresher { return refresher }, clock)

	account := domain.Account{
		ID:            "did:plc:alice",
		DisplayName:   "Alice",
		APIBaseURL:    "https://pds.example",
		TokensRef:     accountSecretKey("did:plc:alice", "tokens"),
		SigningKeyRef: accountSecretKey("did:plc:alice", "signing_key"),
	}
	require.NoError(t, registry.Save(context.Background(), account))

	return manager, registry, secrets, account
}

func storePair(t *testing.T, secrets *memSecrets, account domain.Account, pair TokenPair) {
	t.Helper()

	encoded, err := encodeTokenPair(pair)
	require.NoError(t, err)
	require.NoError(t, secrets.Put(context.Background(), account.TokensRef, encoded))
}

func TestAccessTokenReturnsStoredTokenWhenFresh(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	refresher := &fakeRefresher{}
	manager, _, secrets, account := sessionFixture(t, clock, refresher)

	storePair(t, secrets, account, TokenPair{
		AccessToken:  "access-fresh",
		RefreshToken: "refresh-1",
		ExpiresAt:    clock.Now().Add(time.Hour).Unix(),
	})

	token, err := manager.AccessToken(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, "access-fresh", token)
	assert.Zero(t, refresher.calls.Load())
}

func TestAccessTokenRefreshesExpiringPairInSingleWrite(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	refresher := &fakeRefresher{grant: auth.TokenGrant{
		AccessToken:  "access-rotated",
		RefreshToken: "refresh-rotated",
		ExpiresIn:    1800,
	}}
	manager, _, secrets, account := sessionFixture(t, clock, refresher)

	storePair(t, secrets, account, TokenPair{
		AccessToken:  "access-stale",
		RefreshToken: "refresh-1",
		ExpiresAt:    clock.Now().Add(5 * time.Second).Unix(),
	})

	token, err := manager.AccessToken(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, "access-rotated", token)
	assert.Equal(t, int64(1), refresher.calls.Load())

	raw, err := secrets.Get(context.Background(), account.TokensRef)
	require.NoError(t, err)
	pair, err := decodeTokenPair(raw)
	require.NoError(t, err)
	assert.Equal(t, "access-rotated", pair.AccessToken)
	assert.Equal(t, "refresh-rotated", pair.RefreshToken)
	assert.Equal(t, clock.Now().Add(30*time.Minute).Unix(), pair.ExpiresAt)
}

func TestForceRefreshRotatesRegardlessOfExpiry(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	refresher := &fakeRefresher{grant: auth.TokenGrant{
		AccessToken:  "access-rotated",
		RefreshToken: "refresh-rotated",
	}}
	manager, _, secrets, account := sessionFixture(t, clock, refresher)

	storePair(t, secrets, account, TokenPair{
		AccessToken:  "access-believed-good",
		RefreshToken: "refresh-1",
		ExpiresAt:    clock.Now().Add(time.Hour).Unix(),
	})

	token, err := manager.ForceRefresh(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, "access-rotated", token)
	assert.Equal(t, int64(1), refresher.calls.Load())
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	refresher := &fakeRefresher{
		delay: 50 * time.Millisecond,
		grant: auth.TokenGrant{
			AccessToken:  "access-rotated",
			RefreshToken: "refresh-rotated",
			ExpiresIn:    3600,
		},
	}
	manager, _, secrets, account := sessionFixture(t, clock, refresher)

	storePair(t, secrets, account, TokenPair{
		AccessToken:  "access-expired",
		RefreshToken: "refresh-1",
		ExpiresAt:    clock.Now().Add(-time.Minute).Unix(),
	})

	const callers = 4
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = manager.AccessToken(context.Background(), account)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "access-rotated", tokens[i])
	}
	assert.Equal(t, int64(1), refresher.calls.Load())
}

func TestRevokedRefreshTearsDownAccount(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	refresher := &fakeRefresher{err: fmt.Errorf("refresh tokens: %w: invalid_grant", domain.ErrRevoked)}
	manager, registry, secrets, account := sessionFixture(t, clock, refresher)

	storePair(t, secrets, account, TokenPair{
		AccessToken:  "access-expired",
		RefreshToken: "refresh-dead",
		ExpiresAt:    clock.Now().Add(-time.Minute).Unix(),
	})

	_, err := manager.AccessToken(context.Background(), account)
	require.ErrorIs(t, err, domain.ErrRevoked)

	remaining, err := registry.LoadAll(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, remaining, account.ID)
	assert.False(t, secrets.has(account.TokensRef))
	assert.False(t, secrets.has(account.SigningKeyRef))
}

func TestTransientRefreshFailureLeavesAccountIntact(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	refresher := &fakeRefresher{err: fmt.Errorf("refresh tokens: %w: status 503", domain.ErrTransient)}
	manager, registry, secrets, account := sessionFixture(t, clock, refresher)

	storePair(t, secrets, account, TokenPair{
		AccessToken:  "access-expired",
		RefreshToken: "refresh-1",
		ExpiresAt:    clock.Now().Add(-time.Minute).Unix(),
	})

	_, err := manager.AccessToken(context.Background(), account)
	require.ErrorIs(t, err, domain.ErrTransient)

	remaining, err := registry.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Contains(t, remaining, account.ID)
	assert.True(t, secrets.has(account.TokensRef))
}

func TestSignerLoadsStoredKey(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	manager, _, secrets, account := sessionFixture(t, clock, &fakeRefresher{})

	key, err := auth.NewSigningKey()
	require.NoError(t, err)
	encoded, err := auth.EncodeSigningKey(key)
	require.NoError(t, err)
	require.NoError(t, secrets.Put(context.Background(), account.SigningKeyRef, encoded))

	signer, err := manager.Signer(context.Background(), account)
	require.NoError(t, err)
	require.NotNil(t, signer)

	proof, err := signer.Sign(auth.ProofRequest{Method: "GET", URL: "https://pds.example/xrpc/test"})
	require.NoError(t, err)
	assert.NotEmpty(t, proof)
}

func TestTokenPairCodecRejectsPartialPair(t *testing.T) {
	t.Parallel()

	_, err := decodeTokenPair(`{"access_token":"only-access"}`)
	require.Error(t, err)

	_, err = decodeTokenPair(`not-json`)
	require.Error(t, err)

	pair := TokenPair{AccessToken: "a", RefreshToken: "r"}
	assert.False(t, tokenExpiringSoon(pair, time.Now(), time.Minute))

	pair = withCalculatedExpiry(pair, 10, time.Unix(1_700_000_000, 0))
	assert.True(t, tokenExpiringSoon(pair, time.Unix(1_700_000_000, 0), 30*time.Second))
	assert.False(t, tokenExpiringSoon(pair, time.Unix(1_699_999_000, 0), 30*time.Second))
}
