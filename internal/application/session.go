package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bnema/fedwatch/internal/adapters/auth"
	"github.com/bnema/fedwatch/internal/domain"
	"github.com/bnema/fedwatch/internal/ports"
)

const defaultExpirySkew = 30 * time.Second

// TokenRefresher is the slice of the token client the manager needs.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (auth.TokenGrant, error)
}

// TokenManager resolves a usable access token for an account, refreshing
// when the stored one is expired or about to be. Refreshes for one account
// are serialized: a caller that finds an expired token while another refresh
// is in flight blocks on the per-account lock and then sees the rotated pair
// instead of issuing a competing refresh grant.
type TokenManager struct {
	registry  ports.AccountRegistry
	secrets   ports.SecretStore
	refresher func(apiBaseURL string) TokenRefresher
	clock     ports.Clock
	skew      time.Duration

	mu    sync.Mutex
	locks map[domain.AccountID]*sync.Mutex
}

func NewTokenManager(registry ports.AccountRegistry, secrets ports.SecretStore, refresher func(apiBaseURL string) TokenRefresher, clock ports.Clock) *TokenManager {
	if clock == nil {
		clock = ports.SystemClock{}
	}

	return &TokenManager{
		registry:  registry,
		secrets:   secrets,
		refresher: refresher,
		clock:     clock,
		skew:      defaultExpirySkew,
		locks:     map[domain.AccountID]*sync.Mutex{},
	}
}

// AccessToken returns a token expected to be valid for at least the skew
// window, refreshing first when necessary.
func (m *TokenManager) AccessToken(ctx context.Context, account domain.Account) (string, error) {
	lock := m.accountLock(account.ID)
	lock.Lock()
	defer lock.Unlock()

	pair, err := m.loadPair(ctx, account)
	if err != nil {
		return "", err
	}

	if !tokenExpiringSoon(pair, m.clock.Now(), m.skew) {
		return pair.AccessToken, nil
	}

	rotated, err := m.refreshLocked(ctx, account, pair)
	if err != nil {
		return "", err
	}

	return rotated.AccessToken, nil
}

// ForceRefresh rotates the pair regardless of local expiry bookkeeping. Used
// when the server rejected an access token we believed was still good.
func (m *TokenManager) ForceRefresh(ctx context.Context, account domain.Account) (string, error) {
	lock := m.accountLock(account.ID)
	lock.Lock()
	defer lock.Unlock()

	pair, err := m.loadPair(ctx, account)
	if err != nil {
		return "", err
	}

	rotated, err := m.refreshLocked(ctx, account, pair)
	if err != nil {
		return "", err
	}

	return rotated.AccessToken, nil
}

// Signer loads the account's proof-of-possession key pair.
func (m *TokenManager) Signer(ctx context.Context, account domain.Account) (*auth.ProofSigner, error) {
	raw, err := m.secrets.Get(ctx, account.SigningKeyRef)
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}

	key, err := auth.DecodeSigningKey(raw)
	if err != nil {
		return nil, err
	}

	return auth.NewProofSigner(key), nil
}

func (m *TokenManager) loadPair(ctx context.Context, account domain.Account) (TokenPair, error) {
	raw, err := m.secrets.Get(ctx, account.TokensRef)
	if err != nil {
		return TokenPair{}, fmt.Errorf("load token pair: %w", err)
	}
	return decodeTokenPair(raw)
}

// refreshLocked performs the refresh grant and rotates both tokens in a
// single secret-store write. On a revoked grant the account is torn down:
// removed from the registry (which triggers orchestrator reconciliation) and
// its secrets deleted.
func (m *TokenManager) refreshLocked(ctx context.Context, account domain.Account, pair TokenPair) (TokenPair, error) {
	grant, err := m.refresher(account.APIBaseURL).Refresh(ctx, pair.RefreshToken)
	if err != nil {
		if errors.Is(err, domain.ErrRevoked) {
			m.teardown(ctx, account)
		}
		return TokenPair{}, err
	}

	rotated := withCalculatedExpiry(TokenPair{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
	}, grant.ExpiresIn, m.clock.Now())

	encoded, err := encodeTokenPair(rotated)
	if err != nil {
		return TokenPair{}, err
	}
	if err := m.secrets.Put(ctx, account.TokensRef, encoded); err != nil {
		return TokenPair{}, fmt.Errorf("store rotated token pair: %w", err)
	}

	return rotated, nil
}

func (m *TokenManager) teardown(ctx context.Context, account domain.Account) {
	_, _ = m.registry.Remove(ctx, account.ID)
	_ = m.secrets.Delete(ctx, account.TokensRef)
	_ = m.secrets.Delete(ctx, account.SigningKeyRef)
}

func (m *TokenManager) accountLock(id domain.AccountID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}

	return lock
}
