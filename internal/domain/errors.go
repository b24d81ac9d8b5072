package domain

import (
	"errors"
	"fmt"
)

var (
	ErrAccountNotFound = errors.New("account not found")

	// ErrSecretNotFound: the key has no value in any configured secret
	// backend. Callers use it to tell a miss from a backend failure.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrInvalidCallback: the redirect delivery was missing code or state.
	// No coordinator state is mutated.
	ErrInvalidCallback = errors.New("callback missing code or state")

	// ErrUnknownState: the callback state matches no pending authorization.
	ErrUnknownState = errors.New("unknown authorization state")

	// ErrDuplicateCallback: this state was already handled. Non-fatal; the
	// caller short-circuits without a second token exchange.
	ErrDuplicateCallback = errors.New("authorization callback already processed")

	// ErrMalformedTokenResponse: a 2xx token response lacked one of
	// access_token, refresh_token or sub.
	ErrMalformedTokenResponse = errors.New("token response missing required fields")

	// ErrProtocol: the server answered with a body we cannot interpret.
	ErrProtocol = errors.New("malformed server response")

	// ErrTransient: network failure, timeout or 5xx. Retried on the next
	// natural tick, never immediately.
	ErrTransient = errors.New("transient upstream failure")

	// ErrRevoked: the refresh token is permanently invalid. The account is
	// removed and the user must re-authenticate.
	ErrRevoked = errors.New("refresh grant revoked")

	// ErrNotImplemented: the server does not support this feed for this
	// account. The poll task is stopped for good.
	ErrNotImplemented = errors.New("feed not supported by server")
)

// RejectedGrantError carries the structured OAuth error body returned by the
// token endpoint for a failed authorization-code grant.
type RejectedGrantError struct {
	Code        string
	Description string
}

func (e *RejectedGrantError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("grant rejected: %s", e.Code)
	}
	return fmt.Sprintf("grant rejected: %s: %s", e.Code, e.Description)
}
