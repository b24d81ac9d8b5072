package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/bnema/fedwatch/internal/adapters/feeds"
	"github.com/bnema/fedwatch/internal/domain"
	"github.com/bnema/fedwatch/internal/poll"
)

// FeedService binds the token manager and the feed client into the fetcher
// the polling orchestrator drives. It resolves a valid access token (waiting
// on any refresh already in flight for the account), signs the request, and
// retries exactly once with a forced refresh when the server rejects a token
// we believed was still good.
type FeedService struct {
	manager *TokenManager
	client  *feeds.Client
}

var _ poll.Fetcher = (*FeedService)(nil)

func NewFeedService(manager *TokenManager, client *feeds.Client) *FeedService {
	return &FeedService{manager: manager, client: client}
}

func (s *FeedService) Fetch(ctx context.Context, account domain.Account, kind domain.FeedKind) (poll.FetchResult, error) {
	result, err := s.fetchOnce(ctx, account, kind, false)
	if errors.Is(err, feeds.ErrUnauthorized) {
		result, err = s.fetchOnce(ctx, account, kind, true)
	}
	return result, err
}

func (s *FeedService) fetchOnce(ctx context.Context, account domain.Account, kind domain.FeedKind, forceRefresh bool) (poll.FetchResult, error) {
	var token string
	var err error
	if forceRefresh {
		token, err = s.manager.ForceRefresh(ctx, account)
	} else {
		token, err = s.manager.AccessToken(ctx, account)
	}
	if err != nil {
		return poll.FetchResult{}, err
	}

	signer, err := s.manager.Signer(ctx, account)
	if err != nil {
		return poll.FetchResult{}, err
	}

	session := feeds.Session{
		BaseURL:     account.APIBaseURL,
		AccessToken: token,
		Signer:      signer,
	}

	switch kind {
	case domain.FeedNotifications:
		items, err := s.client.ListNotifications(ctx, session)
		if err != nil {
			return poll.FetchResult{}, err
		}

		unread := 0
		for _, item := range items {
			if !item.IsRead {
				unread++
			}
		}
		return poll.FetchResult{Items: items, Unread: unread}, nil

	case domain.FeedMessages:
		convos, err := s.client.ListConversations(ctx, session)
		if err != nil {
			return poll.FetchResult{}, err
		}

		unread := 0
		for _, convo := range convos {
			unread += convo.UnreadCount
		}
		return poll.FetchResult{Unread: unread}, nil
	}

	return poll.FetchResult{}, fmt.Errorf("unsupported feed kind %q", kind)
}
