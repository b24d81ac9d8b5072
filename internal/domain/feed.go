package domain

type FeedKind string

const (
	FeedNotifications FeedKind = "notifications"
	FeedMessages      FeedKind = "messages"
)

func (k FeedKind) Valid() bool {
	switch k {
	case FeedNotifications, FeedMessages:
		return true
	}
	return false
}

// FeedKinds lists every polled feed in a stable order.
func FeedKinds() []FeedKind {
	return []FeedKind{FeedNotifications, FeedMessages}
}

// FeedCounts is the per-account unread breakdown.
type FeedCounts struct {
	Notifications int `json:"notifications"`
	Messages      int `json:"messages"`
}

func (c FeedCounts) Sum() int {
	return c.Notifications + c.Messages
}

// AggregateCounts is recomputed after every poll tick. Total always equals
// the sum over PerAccount.
type AggregateCounts struct {
	Total      int                      `json:"total"`
	PerAccount map[AccountID]FeedCounts `json:"per_account"`
}
