// Package memory implements lock.Manager in process memory. It is intended
// for tests and single-process deployments; locks are not visible to other
// processes.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/nvats/unibox/lock"
)

type entry struct {
	expiresAt time.Time
}

// Manager implements lock.Manager with a mutex-guarded map.
type Manager struct {
	mu    sync.Mutex
	locks map[string]entry
	now   func() time.Time
}

// New returns an empty in-memory Manager.
func New() *Manager {
	return &Manager{
		locks: map[string]entry{},
		now:   time.Now,
	}
}

func (m *Manager) Acquire(_ context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = lock.DefaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.locks[key]; ok && m.now().Before(e.expiresAt) {
		return lock.ErrLockHeld
	}
	m.locks[key] = entry{expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *Manager) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.locks[key]
	if !ok || m.now().After(e.expiresAt) {
		delete(m.locks, key)
		return lock.ErrNotHeld
	}
	delete(m.locks, key)
	return nil
}
