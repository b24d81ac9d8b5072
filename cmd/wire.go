package cmd

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	authadapter "github.com/bnema/fedwatch/internal/adapters/auth"
	feedsadapter "github.com/bnema/fedwatch/internal/adapters/feeds"
	countsrender "github.com/bnema/fedwatch/internal/adapters/render/counts"
	tomlrepo "github.com/bnema/fedwatch/internal/adapters/repo/toml"
	chainstore "github.com/bnema/fedwatch/internal/adapters/secrets/chain"
	"github.com/bnema/fedwatch/internal/application"
	"github.com/bnema/fedwatch/internal/poll"
	"github.com/bnema/fedwatch/internal/ports"
	"github.com/spf13/viper"
)

type app struct {
	registry       *tomlrepo.Registry
	secretStore    ports.SecretStore
	accounts       *application.AccountService
	coordinator    *application.FlowCoordinator
	tokens         *application.TokenManager
	fetcher        *application.FeedService
	countsRenderer func([]countsrender.Row, int) (string, error)
	login          loginConfig
	intervals      poll.Intervals
	resyncInterval time.Duration
	ipcListenAddr  string
	httpClient     *http.Client
}

type loginConfig struct {
	Issuer     string
	ClientID   string
	ListenAddr string
	Timeout    time.Duration
}

func wireApp() (*app, error) {
	registry, err := tomlrepo.NewRegistry(viper.New())
	if err != nil {
		return nil, fmt.Errorf("wire account registry: %w", err)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	secretStore, err := chainstore.NewPassFirstWithFileFallback(filepath.Join(homeDir, ".fedwatch", "secrets"))
	if err != nil {
		return nil, fmt.Errorf("wire secret store chain: %w", err)
	}

	httpClient := http.DefaultClient
	login := loginConfig{
		Issuer:     envOrDefault("FEDWATCH_AUTH_ISSUER", "https://bsky.social"),
		ClientID:   envOrDefault("FEDWATCH_AUTH_CLIENT_ID", "https://fedwatch.bnema.dev/client-metadata.json"),
		ListenAddr: envOrDefault("FEDWATCH_AUTH_LISTEN", "127.0.0.1:0"),
		Timeout:    5 * time.Minute,
	}

	tokenClientFor := func(apiBaseURL string) application.TokenRefresher {
		return &authadapter.TokenClient{
			BaseURL:    apiBaseURL,
			ClientID:   login.ClientID,
			HTTPClient: httpClient,
		}
	}

	tokens := application.NewTokenManager(registry, secretStore, tokenClientFor, ports.SystemClock{})
	feedClient := &feedsadapter.Client{HTTPClient: httpClient}

	return &app{
		registry:       registry,
		secretStore:    secretStore,
		accounts:       application.NewAccountService(registry, secretStore, ports.SystemClock{}),
		coordinator:    application.NewFlowCoordinator(secretStore),
		tokens:         tokens,
		fetcher:        application.NewFeedService(tokens, feedClient),
		countsRenderer: countsrender.Render,
		login:          login,
		intervals: poll.Intervals{
			Notifications: envDuration("FEDWATCH_NOTIFICATIONS_INTERVAL", poll.DefaultIntervals().Notifications),
			Messages:      envDuration("FEDWATCH_MESSAGES_INTERVAL", poll.DefaultIntervals().Messages),
		},
		resyncInterval: envDuration("FEDWATCH_RESYNC_INTERVAL", 30*time.Second),
		ipcListenAddr:  envOrDefault("FEDWATCH_IPC_LISTEN", "127.0.0.1:8970"),
		httpClient:     httpClient,
	}, nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
