package domain

import "errors"

type AccountID string

// Account is the canonical identity record for one authenticated user on a
// federated server. It is created exclusively by the token lifecycle manager
// after a successful code exchange; identity fields never change across token
// refreshes. Token and key material live in the secret store and are
// referenced here, not embedded.
type Account struct {
	ID            AccountID
	DisplayName   string
	APIBaseURL    string
	TokensRef     string
	SigningKeyRef string
}

var ErrIncompleteAccount = errors.New("account is missing required fields")

// Validate reports whether the account may be persisted. A partial account
// must never reach the registry.
func (a Account) Validate() error {
	if a.ID == "" || a.DisplayName == "" || a.APIBaseURL == "" ||
		a.TokensRef == "" || a.SigningKeyRef == "" {
		return ErrIncompleteAccount
	}
	return nil
}
