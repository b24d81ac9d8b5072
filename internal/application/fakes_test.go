package application

import (
	"context"
	"sync"
	"time"

	"github.com/bnema/fedwatch/internal/domain"
	"github.com/bnema/fedwatch/internal/ports"
)

type memRegistry struct {
	mu       sync.Mutex
	accounts map[domain.AccountID]domain.Account
	listener ports.RegistryListener
	saveErr  error
}

func newMemRegistry() *memRegistry {
	return &memRegistry{accounts: map[domain.AccountID]domain.Account{}}
}

func (r *memRegistry) Save(ctx context.Context, account domain.Account) error {
	if r.saveErr != nil {
		return r.saveErr
	}

	r.mu.Lock()
	r.accounts[account.ID] = account
	listener := r.listener
	r.mu.Unlock()

	if listener != nil {
		listener.RegistryChanged(ctx)
	}
	return nil
}

func (r *memRegistry) LoadAll(_ context.Context) (map[domain.AccountID]domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[domain.AccountID]domain.Account, len(r.accounts))
	for id, account := range r.accounts {
		out[id] = account
	}
	return out, nil
}

func (r *memRegistry) Remove(ctx context.Context, id domain.AccountID) (bool, error) {
	r.mu.Lock()
	_, existed := r.accounts[id]
	delete(r.accounts, id)
	listener := r.listener
	r.mu.Unlock()

	if existed && listener != nil {
		listener.RegistryChanged(ctx)
	}
	return existed, nil
}

func (r *memRegistry) Subscribe(listener ports.RegistryListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = listener
}

type memSecrets struct {
	mu     sync.Mutex
	values map[string]string
	getErr error
}

func newMemSecrets() *memSecrets {
	return &memSecrets{values: map[string]string{}}
}

func (s *memSecrets) Put(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *memSecrets) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.getErr != nil {
		return "", s.getErr
	}

	value, ok := s.values[key]
	if !ok {
		return "", domain.ErrSecretNotFound
	}
	return value, nil
}

func (s *memSecrets) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *memSecrets) failGets(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getErr = err
}

func (s *memSecrets) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.values[key]
	return ok
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
