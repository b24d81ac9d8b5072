package application

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bnema/fedwatch/internal/adapters/auth"
	"github.com/bnema/fedwatch/internal/domain"
	"github.com/bnema/fedwatch/internal/ports"
)

const (
	pendingKeyPrefix   = "fedwatch/pkce/state/"
	processedKeyPrefix = "fedwatch/pkce/processed/"
)

// FlowCoordinator owns the PKCE authorization attempt state: one pending
// verifier per state value, consumed exactly once, plus a processed flag that
// short-circuits duplicated redirect deliveries before any network call.
// Both mechanisms share the same consume-once key store.
type FlowCoordinator struct {
	keys onceKeyStore
}

func NewFlowCoordinator(secrets ports.SecretStore) *FlowCoordinator {
	return &FlowCoordinator{keys: onceKeyStore{secrets: secrets}}
}

type Authorization struct {
	State     string
	Challenge string
}

// BeginAuthorization generates state and verifier, persists the verifier
// keyed by state, and returns what the authorization URL needs. There is no
// time-based expiry; cleanup happens on consumption.
func (c *FlowCoordinator) BeginAuthorization(ctx context.Context) (Authorization, error) {
	state, err := auth.NewState()
	if err != nil {
		return Authorization{}, fmt.Errorf("generate oauth state: %w", err)
	}

	pkce, err := auth.NewPKCEPair()
	if err != nil {
		return Authorization{}, fmt.Errorf("generate pkce pair: %w", err)
	}

	if err := c.keys.put(ctx, pendingKeyPrefix+state, pkce.Verifier); err != nil {
		return Authorization{}, fmt.Errorf("persist pending authorization: %w", err)
	}

	return Authorization{State: state, Challenge: pkce.Challenge}, nil
}

// ConsumeAuthorization atomically reads and deletes the verifier for state.
// A second call for the same state reports domain.ErrUnknownState, never the
// cached verifier. That is what stops a replayed redirect from driving a
// second token exchange.
func (c *FlowCoordinator) ConsumeAuthorization(ctx context.Context, state string) (string, error) {
	if state == "" {
		return "", domain.ErrUnknownState
	}

	verifier, ok, err := c.keys.consume(ctx, pendingKeyPrefix+state)
	if err != nil {
		return "", fmt.Errorf("consume pending authorization: %w", err)
	}
	if !ok {
		return "", domain.ErrUnknownState
	}

	return verifier, nil
}

// MarkProcessed flags a state before the token exchange starts, so a
// duplicate callback delivered mid-exchange is rejected independently of
// verifier consumption.
func (c *FlowCoordinator) MarkProcessed(ctx context.Context, state string) error {
	return c.keys.put(ctx, processedKeyPrefix+state, "1")
}

func (c *FlowCoordinator) IsProcessed(ctx context.Context, state string) (bool, error) {
	return c.keys.exists(ctx, processedKeyPrefix+state)
}

// HandleCallback applies the full duplicate-suppression protocol to one
// inbound redirect delivery and hands back the verifier for the exchange.
func (c *FlowCoordinator) HandleCallback(ctx context.Context, callback auth.Callback) (string, error) {
	if callback.OAuthError != "" {
		c.cleanup(ctx, callback.State)
		return "", fmt.Errorf("%w: %s: %s", domain.ErrInvalidCallback, callback.OAuthError, callback.ErrorDescription)
	}
	if callback.Code == "" || callback.State == "" {
		return "", domain.ErrInvalidCallback
	}
	first, err := c.keys.markOnce(ctx, processedKeyPrefix+callback.State)
	if err != nil {
		return "", fmt.Errorf("mark authorization processed: %w", err)
	}
	if !first {
		return "", domain.ErrDuplicateCallback
	}

	verifier, err := c.ConsumeAuthorization(ctx, callback.State)
	if err != nil {
		return "", err
	}

	return verifier, nil
}

// cleanup removes any partial attempt state after a failed authorization.
func (c *FlowCoordinator) cleanup(ctx context.Context, state string) {
	if state == "" {
		return
	}
	_, _, _ = c.keys.consume(ctx, pendingKeyPrefix+state)
}

// onceKeyStore is the shared idempotency-key mechanism: namespaced keys in
// the secret store with an atomic read-and-delete. The coordinator mutex
// serializes consume so two concurrent deliveries cannot both win.
type onceKeyStore struct {
	secrets ports.SecretStore
	mu      sync.Mutex
}

func (s *onceKeyStore) put(ctx context.Context, key, value string) error {
	return s.secrets.Put(ctx, key, value)
}

func (s *onceKeyStore) exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.secrets.Get(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, domain.ErrSecretNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("read idempotency key: %w", err)
	}
}

// markOnce sets the flag and reports whether this caller was first. The
// check and the write happen under one lock, so two deliveries racing within
// milliseconds resolve to exactly one winner. Only a confirmed miss counts
// as unmarked; a failing backend surfaces as an error, not a duplicate.
func (s *onceKeyStore) markOnce(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.secrets.Get(ctx, key)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, domain.ErrSecretNotFound) {
		return false, fmt.Errorf("read idempotency key: %w", err)
	}
	if err := s.secrets.Put(ctx, key, "1"); err != nil {
		return false, err
	}

	return true, nil
}

func (s *onceKeyStore) consume(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, err := s.secrets.Get(ctx, key)
	if errors.Is(err, domain.ErrSecretNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read idempotency key: %w", err)
	}
	if err := s.secrets.Delete(ctx, key); err != nil {
		return "", false, fmt.Errorf("delete consumed key: %w", err)
	}

	return value, true, nil
}
