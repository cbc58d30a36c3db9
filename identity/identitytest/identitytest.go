// Package identitytest provides a table-backed identity.Provider for
// tests.
package identitytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/planloop/planloop/identity"
)

// Provider resolves tokens from a fixed table.
type Provider struct {
	mu    sync.RWMutex
	users map[string]identity.Identity // token -> identity
}

// New returns a Provider seeded with the given token -> identity table.
func New(users map[string]identity.Identity) *Provider {
	cp := make(map[string]identity.Identity, len(users))
	for k, v := range users {
		cp[k] = v
	}
	return &Provider{users: cp}
}

// Add registers one more token after construction.
func (p *Provider) Add(token string, id identity.Identity) {
	p.mu.Lock()
	p.users[token] = id
	p.mu.Unlock()
}

// Resolve implements identity.Provider.
func (p *Provider) Resolve(ctx context.Context, token string) (*identity.Identity, error) {
	p.mu.RLock()
	id, ok := p.users[token]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", identity.ErrUnauthorized)
	}
	cp := id
	return &cp, nil
}
