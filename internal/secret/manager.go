package secret

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Manager routes Get calls to a registered Provider based on the URI
// scheme. A path with no "scheme://" prefix is returned verbatim, which
// lets callers pass either a literal key or a secret reference through
// the same field.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewManager creates an empty secret Manager.
func NewManager() *Manager {
	return &Manager{providers: make(map[string]Provider)}
}

// Register associates scheme with provider (e.g. "env", "vault").
func (m *Manager) Register(scheme string, provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[scheme] = provider
}

// Get resolves path, dispatching on its scheme if present.
func (m *Manager) Get(ctx context.Context, path string) (string, error) {
	scheme, rest, ok := strings.Cut(path, "://")
	if !ok {
		return path, nil
	}

	m.mu.RLock()
	p, ok := m.providers[scheme]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("secret: no provider registered for scheme %q", scheme)
	}
	return p.Get(ctx, rest)
}

// Close closes every registered provider and joins any errors.
func (m *Manager) Close() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []string
	for scheme, p := range m.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", scheme, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("secret: close errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
