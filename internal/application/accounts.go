package application

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/bnema/fedwatch/internal/adapters/auth"
	"github.com/bnema/fedwatch/internal/domain"
	"github.com/bnema/fedwatch/internal/ports"
)

// AccountService creates and removes accounts. It is the only place an
// Account is constructed; every other component consumes read-only copies
// from the registry.
type AccountService struct {
	registry ports.AccountRegistry
	secrets  ports.SecretStore
	clock    ports.Clock
}

func NewAccountService(registry ports.AccountRegistry, secrets ports.SecretStore, clock ports.Clock) *AccountService {
	if clock == nil {
		clock = ports.SystemClock{}
	}

	return &AccountService{
		registry: registry,
		secrets:  secrets,
		clock:    clock,
	}
}

func accountSecretKey(id domain.AccountID, name string) string {
	return fmt.Sprintf("fedwatch/accounts/%s/%s", id, name)
}

// CompleteLogin turns a successful code exchange into a persisted account:
// generates the signing key pair, stores both secrets, then saves the
// registry entry. Partially stored secrets are rolled back if any later step
// fails, so a partial account is never observable.
func (s *AccountService) CompleteLogin(ctx context.Context, grant auth.TokenGrant, apiBaseURL, displayName string) (domain.Account, error) {
	if grant.Sub == "" {
		return domain.Account{}, domain.ErrMalformedTokenResponse
	}
	if displayName == "" {
		displayName = grant.Sub
	}

	id := domain.AccountID(grant.Sub)
	tokensRef := accountSecretKey(id, "tokens")
	keyRef := accountSecretKey(id, "signing_key")

	pair := withCalculatedExpiry(TokenPair{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
	}, grant.ExpiresIn, s.clock.Now())
	encodedPair, err := encodeTokenPair(pair)
	if err != nil {
		return domain.Account{}, err
	}

	signingKey, err := auth.NewSigningKey()
	if err != nil {
		return domain.Account{}, err
	}
	encodedKey, err := auth.EncodeSigningKey(signingKey)
	if err != nil {
		return domain.Account{}, err
	}

	if err := s.secrets.Put(ctx, tokensRef, encodedPair); err != nil {
		return domain.Account{}, fmt.Errorf("store token pair: %w", err)
	}
	if err := s.secrets.Put(ctx, keyRef, encodedKey); err != nil {
		if rollbackErr := s.secrets.Delete(ctx, tokensRef); rollbackErr != nil {
			return domain.Account{}, fmt.Errorf("store signing key and rollback tokens: %w", errors.Join(err, rollbackErr))
		}
		return domain.Account{}, fmt.Errorf("store signing key: %w", err)
	}

	account := domain.Account{
		ID:            id,
		DisplayName:   displayName,
		APIBaseURL:    apiBaseURL,
		TokensRef:     tokensRef,
		SigningKeyRef: keyRef,
	}

	if err := s.registry.Save(ctx, account); err != nil {
		var rollbackErr error
		if tokensErr := s.secrets.Delete(ctx, tokensRef); tokensErr != nil {
			rollbackErr = errors.Join(rollbackErr, tokensErr)
		}
		if keyErr := s.secrets.Delete(ctx, keyRef); keyErr != nil {
			rollbackErr = errors.Join(rollbackErr, keyErr)
		}
		if rollbackErr != nil {
			return domain.Account{}, fmt.Errorf("save account and rollback secrets: %w", errors.Join(err, rollbackErr))
		}
		return domain.Account{}, fmt.Errorf("save account: %w", err)
	}

	return account, nil
}

// List returns accounts ordered by ID for stable display.
func (s *AccountService) List(ctx context.Context) ([]domain.Account, error) {
	all, err := s.registry.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}

	accounts := make([]domain.Account, 0, len(all))
	for _, account := range all {
		accounts = append(accounts, account)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })

	return accounts, nil
}

// Remove deletes the registry entry and the account's secrets. Reports
// whether an entry existed.
func (s *AccountService) Remove(ctx context.Context, id domain.AccountID) (bool, error) {
	all, err := s.registry.LoadAll(ctx)
	if err != nil {
		return false, fmt.Errorf("load accounts: %w", err)
	}

	account, known := all[id]

	existed, err := s.registry.Remove(ctx, id)
	if err != nil {
		return false, fmt.Errorf("remove account: %w", err)
	}

	if known {
		if err := s.secrets.Delete(ctx, account.TokensRef); err != nil {
			return existed, fmt.Errorf("delete token pair: %w", err)
		}
		if err := s.secrets.Delete(ctx, account.SigningKeyRef); err != nil {
			return existed, fmt.Errorf("delete signing key: %w", err)
		}
	}

	return existed, nil
}
