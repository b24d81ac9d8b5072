package domain

import "time"

type NotificationReason string

const (
	ReasonLike    NotificationReason = "like"
	ReasonRepost  NotificationReason = "repost"
	ReasonFollow  NotificationReason = "follow"
	ReasonMention NotificationReason = "mention"
	ReasonReply   NotificationReason = "reply"
	ReasonQuote   NotificationReason = "quote"
)

// NotificationItem is immutable once fetched. Items are retained only in a
// bounded recent cache for display; unread counting relies on the
// server-reported read state, not on item identity.
type NotificationItem struct {
	ID             string
	Reason         NotificationReason
	ActorHandle    string
	ActorAvatarURL string
	IsRead         bool
	CreatedAt      time.Time
}

// Conversation carries the server-side unread counter for one direct message
// thread.
type Conversation struct {
	ID          string
	UnreadCount int
}
