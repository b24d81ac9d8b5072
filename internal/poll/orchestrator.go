package poll

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bnema/fedwatch/internal/domain"
	"github.com/bnema/fedwatch/internal/ports"
)

// FetchResult is one feed snapshot: the freshly fetched items (newest first,
// empty for message feeds) and the server-reported unread count.
type FetchResult struct {
	Items  []domain.NotificationItem
	Unread int
}

// Fetcher performs one authenticated feed fetch for an account. Implemented
// by the application layer on top of the token manager and feed client.
type Fetcher interface {
	Fetch(ctx context.Context, account domain.Account, kind domain.FeedKind) (FetchResult, error)
}

// Intervals configures the fixed poll cadence per feed kind.
type Intervals struct {
	Notifications time.Duration
	Messages      time.Duration
}

func DefaultIntervals() Intervals {
	return Intervals{
		Notifications: time.Second,
		Messages:      time.Minute,
	}
}

type taskHandle struct {
	cancel context.CancelFunc
}

// Orchestrator owns one recurring task per (account, feed kind). The task
// registry is an explicit map constructed at startup and torn down on
// shutdown; reconciliation against the account registry recomputes the
// desired set instead of trusting callers to pair every start with a stop.
type Orchestrator struct {
	registry  ports.AccountRegistry
	fetcher   Fetcher
	engine    *Engine
	intervals Intervals
	logger    *slog.Logger

	// reconcileMu serializes whole reconciles, snapshot through
	// application, so a stale registry read can never land after a newer
	// reconcile and resurrect tasks it already stopped.
	reconcileMu sync.Mutex

	mu    sync.Mutex
	tasks map[TaskKey]*taskHandle
	dead  map[TaskKey]bool

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

func NewOrchestrator(registry ports.AccountRegistry, fetcher Fetcher, engine *Engine, intervals Intervals, logger *slog.Logger) *Orchestrator {
	if intervals.Notifications <= 0 {
		intervals.Notifications = DefaultIntervals().Notifications
	}
	if intervals.Messages <= 0 {
		intervals.Messages = DefaultIntervals().Messages
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Orchestrator{
		registry:  registry,
		fetcher:   fetcher,
		engine:    engine,
		intervals: intervals,
		logger:    logger,
		tasks:     map[TaskKey]*taskHandle{},
		dead:      map[TaskKey]bool{},
		baseCtx:   ctx,
		stop:      cancel,
	}
}

// Reconcile recomputes the desired task set from the account registry and
// starts or stops tasks to match. Registered as the registry's change
// listener.
func (o *Orchestrator) Reconcile(ctx context.Context) {
	o.reconcileMu.Lock()
	defer o.reconcileMu.Unlock()

	accounts, err := o.registry.LoadAll(ctx)
	if err != nil {
		o.logger.Error("reconcile: load accounts", "error", err)
		return
	}

	o.mu.Lock()
	desired := map[TaskKey]domain.Account{}
	for _, account := range accounts {
		for _, kind := range domain.FeedKinds() {
			key := TaskKey{Account: account.ID, Kind: kind}
			if o.dead[key] {
				continue
			}
			desired[key] = account
		}
	}

	var dropped []domain.AccountID
	for key, handle := range o.tasks {
		if _, wanted := desired[key]; wanted {
			continue
		}
		handle.cancel()
		delete(o.tasks, key)
		if _, stillKnown := accounts[key.Account]; !stillKnown {
			dropped = append(dropped, key.Account)
		}
	}
	for key := range o.dead {
		if _, stillKnown := accounts[key.Account]; !stillKnown {
			delete(o.dead, key)
		}
	}

	for key, account := range desired {
		if _, running := o.tasks[key]; running {
			continue
		}
		o.startLocked(key, account)
	}
	o.mu.Unlock()

	seen := map[domain.AccountID]bool{}
	for _, account := range dropped {
		if seen[account] {
			continue
		}
		seen[account] = true
		o.engine.DropAccount(account)
	}
}

// ResyncEvery re-runs Reconcile on a fixed cadence until ctx is cancelled.
// The registry listener only observes mutations made in this process; the
// periodic pass picks up accounts another process added or removed.
func (o *Orchestrator) ResyncEvery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-o.baseCtx.Done():
				return
			case <-ticker.C:
				o.Reconcile(ctx)
			}
		}
	}()
}

// Start launches (or idempotently restarts) the task for one key. A second
// start for a running key cancels the existing timer first, so there is
// never more than one recurring task per key.
func (o *Orchestrator) Start(account domain.Account, kind domain.FeedKind) {
	key := TaskKey{Account: account.ID, Kind: kind}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.dead[key] {
		return
	}
	o.startLocked(key, account)
}

// Stop cancels the task for one key. An in-flight fetch completes but its
// result is discarded before the diff step.
func (o *Orchestrator) Stop(account domain.AccountID, kind domain.FeedKind) {
	key := TaskKey{Account: account, Kind: kind}

	o.mu.Lock()
	defer o.mu.Unlock()
	if handle, ok := o.tasks[key]; ok {
		handle.cancel()
		delete(o.tasks, key)
	}
}

// Running reports whether a task is currently scheduled for the key.
func (o *Orchestrator) Running(account domain.AccountID, kind domain.FeedKind) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.tasks[TaskKey{Account: account, Kind: kind}]
	return ok
}

// Shutdown stops every task and waits for their goroutines to drain.
func (o *Orchestrator) Shutdown() {
	o.stop()

	o.mu.Lock()
	for key, handle := range o.tasks {
		handle.cancel()
		delete(o.tasks, key)
	}
	o.mu.Unlock()

	o.wg.Wait()
}

func (o *Orchestrator) startLocked(key TaskKey, account domain.Account) {
	if existing, ok := o.tasks[key]; ok {
		existing.cancel()
		delete(o.tasks, key)
	}

	taskCtx, cancel := context.WithCancel(o.baseCtx)
	o.tasks[key] = &taskHandle{cancel: cancel}

	o.wg.Add(1)
	go o.runTask(taskCtx, key, account)
}

// runTask issues one fetch immediately, then one per interval until
// cancelled. Ticks are serialized: the next fetch never starts before the
// previous tick's diff and aggregation finished.
func (o *Orchestrator) runTask(ctx context.Context, key TaskKey, account domain.Account) {
	defer o.wg.Done()

	if stop := o.tick(ctx, key, account); stop {
		return
	}

	ticker := time.NewTicker(o.interval(key.Kind))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if stop := o.tick(ctx, key, account); stop {
				return
			}
		}
	}
}

// tick runs one fetch and feeds the result through the diff engine. A
// failed tick never kills the task; it just contributes no diff this cycle.
// The returned flag is true only when the task must not run again.
func (o *Orchestrator) tick(ctx context.Context, key TaskKey, account domain.Account) bool {
	result, err := o.fetcher.Fetch(ctx, account, key.Kind)

	switch {
	case err == nil:
		if ctx.Err() != nil {
			// Stopped while the fetch was in flight; discard.
			return true
		}
		o.engine.Apply(key, result.Items, result.Unread)
		return false

	case errors.Is(err, domain.ErrNotImplemented):
		o.logger.Info("feed unsupported by server, stopping task permanently",
			"account", key.Account, "feed", key.Kind)
		o.downgrade(key)
		return true

	case errors.Is(err, domain.ErrRevoked):
		// The token manager already removed the account; reconciliation has
		// cancelled this task.
		o.logger.Warn("refresh grant revoked, account removed; re-authentication required",
			"account", key.Account)
		return true

	case errors.Is(err, context.Canceled):
		return true

	default:
		o.logger.Warn("poll tick failed", "account", key.Account, "feed", key.Kind, "error", err)
		return false
	}
}

// downgrade permanently retires a task whose feed the server does not
// support, and reports zero for that feed kind.
func (o *Orchestrator) downgrade(key TaskKey) {
	o.mu.Lock()
	o.dead[key] = true
	if handle, ok := o.tasks[key]; ok {
		handle.cancel()
		delete(o.tasks, key)
	}
	o.mu.Unlock()

	o.engine.Apply(key, nil, 0)
}

func (o *Orchestrator) interval(kind domain.FeedKind) time.Duration {
	if kind == domain.FeedMessages {
		return o.intervals.Messages
	}
	return o.intervals.Notifications
}
