package ports

import (
	"context"

	"github.com/bnema/fedwatch/internal/domain"
)

// AccountRegistry is the durable account store. Every mutation notifies the
// registered listener so the polling orchestrator can reconcile its task set;
// the registry itself holds no polling logic.
type AccountRegistry interface {
	Save(ctx context.Context, account domain.Account) error
	LoadAll(ctx context.Context) (map[domain.AccountID]domain.Account, error)
	Remove(ctx context.Context, id domain.AccountID) (bool, error)
	Subscribe(listener RegistryListener)
}

type RegistryListener interface {
	RegistryChanged(ctx context.Context)
}

// RegistryListenerFunc adapts a plain function to RegistryListener.
type RegistryListenerFunc func(ctx context.Context)

func (f RegistryListenerFunc) RegistryChanged(ctx context.Context) { f(ctx) }
