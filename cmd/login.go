package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	authadapter "github.com/bnema/fedwatch/internal/adapters/auth"
	"github.com/bnema/fedwatch/internal/domain"
	"github.com/spf13/cobra"
)

func newLoginCmd(app *app) *cobra.Command {
	var (
		host        string
		displayName string
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate an account via the browser",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBrowserLogin(cmd, app, host, displayName)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "API base URL of the account's server (defaults to the configured issuer)")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name for the account (defaults to its subject identifier)")

	return cmd
}

func runBrowserLogin(cmd *cobra.Command, app *app, host, displayName string) error {
	if host == "" {
		host = app.login.Issuer
	}

	authorization, err := app.coordinator.BeginAuthorization(cmd.Context())
	if err != nil {
		return err
	}

	server, err := authadapter.StartCallbackServer(app.login.ListenAddr)
	if err != nil {
		return fmt.Errorf("start callback server: %w", err)
	}
	defer func() { _ = server.Close() }()

	authURL, err := authadapter.BuildAuthorizationURL(authadapter.AuthorizationRequest{
		AuthURL:       host + "/oauth/authorize",
		ClientID:      app.login.ClientID,
		RedirectURI:   server.RedirectURI(),
		Scopes:        []string{"atproto", "transition:generic", "transition:chat.bsky"},
		State:         authorization.State,
		CodeChallenge: authorization.Challenge,
	})
	if err != nil {
		return fmt.Errorf("build authorization url: %w", err)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Open this URL to authenticate:\n%s\n", authURL)

	var account domain.Account
	err = runLoginWaitSpinner(cmd.Context(), cmd.OutOrStdout(), func(ctx context.Context) error {
		var waitErr error
		account, waitErr = completeBrowserLogin(ctx, app, server, host, displayName)
		return waitErr
	})
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Authenticated %s (%s)\n", account.DisplayName, account.ID)
	return nil
}

// completeBrowserLogin consumes redirect deliveries until one passes the
// duplicate-suppression protocol, then exchanges the code and persists the
// account. Stale or duplicated deliveries are dropped and the wait continues.
func completeBrowserLogin(ctx context.Context, app *app, server *authadapter.CallbackServer, host, displayName string) (domain.Account, error) {
	deadline := time.Now().Add(app.login.Timeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return domain.Account{}, authadapter.ErrCallbackTimeout
		}

		callback, err := server.NextDelivery(remaining)
		if err != nil {
			return domain.Account{}, fmt.Errorf("wait for oauth callback: %w", err)
		}

		verifier, err := app.coordinator.HandleCallback(ctx, callback)
		if errors.Is(err, domain.ErrDuplicateCallback) || errors.Is(err, domain.ErrUnknownState) {
			continue
		}
		if err != nil {
			return domain.Account{}, err
		}

		tokenClient := &authadapter.TokenClient{
			BaseURL:    host,
			ClientID:   app.login.ClientID,
			HTTPClient: app.httpClient,
		}
		grant, err := tokenClient.Exchange(ctx, callback.Code, verifier, server.RedirectURI())
		if err != nil {
			return domain.Account{}, fmt.Errorf("exchange code for tokens: %w", err)
		}

		account, err := app.accounts.CompleteLogin(ctx, grant, host, displayName)
		if err != nil {
			return domain.Account{}, fmt.Errorf("save account: %w", err)
		}

		return account, nil
	}
}
