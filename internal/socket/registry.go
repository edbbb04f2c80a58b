package socket

import (
	"context"
	"sync"
)

// Registry hands out one Manager per user id.
type Registry struct {
	base Config

	mu       sync.Mutex
	managers map[string]*Manager
}

// NewRegistry returns a Registry whose managers share base, apart from the
// token given to Obtain.
func NewRegistry(base Config) *Registry {
	return &Registry{base: base, managers: make(map[string]*Manager)}
}

// Obtain returns the user's manager, creating and connecting it on first use.
// Later calls return the same manager and ignore token.
func (r *Registry) Obtain(ctx context.Context, userID, token string) (*Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.managers[userID]; ok {
		return m, nil
	}

	cfg := r.base
	cfg.Token = token
	m := NewManager(cfg)
	if err := m.Connect(ctx); err != nil {
		return nil, err
	}
	r.managers[userID] = m
	return m, nil
}

// Reset disconnects and forgets every manager.
func (r *Registry) Reset() {
	r.mu.Lock()
	managers := r.managers
	r.managers = make(map[string]*Manager)
	r.mu.Unlock()

	for _, m := range managers {
		m.Disconnect()
	}
}
