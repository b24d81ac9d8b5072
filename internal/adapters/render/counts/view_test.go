package counts

import (
	"strings"
	"testing"

	"github.com/bnema/fedwatch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderShowsEveryAccountAndTotal(t *testing.T) {
	t.Parallel()

	rows := []Row{
		{
			Account: domain.Account{ID: "did:plc:bob", DisplayName: "Bob"},
			Counts:  domain.FeedCounts{Notifications: 1, Messages: 0},
		},
		{
			Account: domain.Account{ID: "did:plc:alice", DisplayName: "Alice"},
			Counts:  domain.FeedCounts{Notifications: 4, Messages: 2},
		},
	}

	out, err := Render(rows, 7)
	require.NoError(t, err)

	assert.Contains(t, out, "accounts: 2")
	assert.Contains(t, out, "Alice (did:plc:alice)")
	assert.Contains(t, out, "Bob (did:plc:bob)")
	assert.Contains(t, out, "notifications: ")
	assert.Contains(t, out, "messages: ")
	assert.Contains(t, out, "total unread: 7")

	// Sorted by account ID regardless of input order.
	assert.Less(t, strings.Index(out, "Alice"), strings.Index(out, "Bob"))
}

func TestRenderEmptyStatePointsAtLogin(t *testing.T) {
	t.Parallel()

	out, err := Render(nil, 0)
	require.NoError(t, err)

	assert.Contains(t, out, "accounts: 0")
	assert.Contains(t, out, "fedwatch login")
}
