package ports

import "github.com/bnema/fedwatch/internal/domain"

// NotificationSink receives the items judged newly arrived by the diff
// engine. Item identity is best effort; the count is the guarantee.
type NotificationSink interface {
	NotifyNewItems(account domain.AccountID, items []domain.NotificationItem)
}

// CountsSink receives the cross-account aggregate whenever any account's
// unread count changes.
type CountsSink interface {
	CountsUpdated(counts domain.AggregateCounts)
}

type NotificationSinkFunc func(account domain.AccountID, items []domain.NotificationItem)

func (f NotificationSinkFunc) NotifyNewItems(account domain.AccountID, items []domain.NotificationItem) {
	f(account, items)
}

type CountsSinkFunc func(counts domain.AggregateCounts)

func (f CountsSinkFunc) CountsUpdated(counts domain.AggregateCounts) { f(counts) }
