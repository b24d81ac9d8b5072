package poll

import (
	"sync"

	"github.com/bnema/fedwatch/internal/domain"
	"github.com/bnema/fedwatch/internal/ports"
)

const defaultRecentCapacity = 50

// TaskKey names one recurring poll unit: an account and the feed it watches.
type TaskKey struct {
	Account domain.AccountID
	Kind    domain.FeedKind
}

// Engine compares each poll result with the last-known unread count,
// forwards the newly-arrived delta to the notification sink, maintains the
// bounded recent-items cache and keeps the cross-account aggregate. All
// state is guarded by one mutex; sinks are invoked outside of it.
type Engine struct {
	mu       sync.Mutex
	last     map[TaskKey]int
	recent   map[domain.AccountID][]domain.NotificationItem
	capacity int

	items  ports.NotificationSink
	counts ports.CountsSink
}

func NewEngine(items ports.NotificationSink, counts ports.CountsSink) *Engine {
	return &Engine{
		last:     map[TaskKey]int{},
		recent:   map[domain.AccountID][]domain.NotificationItem{},
		capacity: defaultRecentCapacity,
		items:    items,
		counts:   counts,
	}
}

// Apply processes one successful fetch. The count delta is the hard
// guarantee: if currentUnread grew by N, exactly N items are emitted, taken
// from the head of the freshly fetched newest-first list. Which items those
// are is best effort. The stored count is always overwritten, including when
// it decreased because the user read items elsewhere.
func (e *Engine) Apply(key TaskKey, fetched []domain.NotificationItem, currentUnread int) {
	e.mu.Lock()

	previous := e.last[key]
	e.last[key] = currentUnread

	var fresh []domain.NotificationItem
	if delta := currentUnread - previous; delta > 0 {
		if delta > len(fetched) {
			delta = len(fetched)
		}
		fresh = append(fresh, fetched[:delta]...)
	}

	if len(fetched) > 0 {
		merged := make([]domain.NotificationItem, 0, len(fetched)+len(e.recent[key.Account]))
		merged = append(merged, fetched...)
		merged = append(merged, e.recent[key.Account]...)
		e.recent[key.Account] = truncate(merged, e.capacity)
	}

	changed := previous != currentUnread
	var snapshot domain.AggregateCounts
	if changed {
		snapshot = e.countsLocked()
	}
	e.mu.Unlock()

	if len(fresh) > 0 && e.items != nil {
		e.items.NotifyNewItems(key.Account, fresh)
	}
	if changed && e.counts != nil {
		e.counts.CountsUpdated(snapshot)
	}
}

// ResetFeed zeroes one feed's unread count, used when the user viewed that
// feed through the UI.
func (e *Engine) ResetFeed(account domain.AccountID, kind domain.FeedKind) {
	e.Apply(TaskKey{Account: account, Kind: kind}, nil, 0)
}

// DropAccount forgets all state for a removed account and republishes the
// aggregate.
func (e *Engine) DropAccount(account domain.AccountID) {
	e.mu.Lock()
	changed := false
	for _, kind := range domain.FeedKinds() {
		key := TaskKey{Account: account, Kind: kind}
		if count, ok := e.last[key]; ok {
			delete(e.last, key)
			if count > 0 {
				changed = true
			}
		}
	}
	delete(e.recent, account)

	var snapshot domain.AggregateCounts
	if changed {
		snapshot = e.countsLocked()
	}
	e.mu.Unlock()

	if changed && e.counts != nil {
		e.counts.CountsUpdated(snapshot)
	}
}

// Counts returns the current aggregate. Total always equals the sum over the
// per-account breakdown.
func (e *Engine) Counts() domain.AggregateCounts {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.countsLocked()
}

// Recent returns a copy of the account's bounded recent-items cache, newest
// first.
func (e *Engine) Recent(account domain.AccountID) []domain.NotificationItem {
	e.mu.Lock()
	defer e.mu.Unlock()

	cached := e.recent[account]
	out := make([]domain.NotificationItem, len(cached))
	copy(out, cached)
	return out
}

func (e *Engine) countsLocked() domain.AggregateCounts {
	counts := domain.AggregateCounts{PerAccount: map[domain.AccountID]domain.FeedCounts{}}
	for key, unread := range e.last {
		perAccount := counts.PerAccount[key.Account]
		switch key.Kind {
		case domain.FeedNotifications:
			perAccount.Notifications = unread
		case domain.FeedMessages:
			perAccount.Messages = unread
		}
		counts.PerAccount[key.Account] = perAccount
		counts.Total += unread
	}

	return counts
}

func truncate(items []domain.NotificationItem, capacity int) []domain.NotificationItem {
	if len(items) <= capacity {
		return items
	}
	return items[:capacity]
}
