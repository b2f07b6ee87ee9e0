// Package redis implements lock.Manager on a Redis instance, so locks are
// shared by every process pointed at the same server.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nvats/unibox/lock"
)

// releaseScript deletes the key only when the stored token matches the
// caller's, making release atomic with the ownership check.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Manager implements lock.Manager using SET NX PX.
type Manager struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger

	mu     sync.Mutex
	tokens map[string]string
}

// Option configures a Manager.
type Option func(*Manager)

// WithPrefix namespaces lock keys, isolating tenants sharing a Redis server.
func WithPrefix(prefix string) Option {
	return func(m *Manager) { m.prefix = prefix }
}

// WithLogger sets the logger used for release failures.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// New returns a Manager backed by the given Redis client.
func New(client redis.UniversalClient, opts ...Option) *Manager {
	m := &Manager{
		client: client,
		prefix: "unibox:lock:",
		logger: slog.Default(),
		tokens: map[string]string{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) key(name string) string {
	return m.prefix + name
}

// Acquire takes the lock or fails immediately with lock.ErrLockHeld. The
// token stored under the key ties the lock to this Manager instance so an
// expired lock cannot be released out from under its new holder.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = lock.DefaultTTL
	}
	token := uuid.New().String()

	ok, err := m.client.SetNX(ctx, m.key(key), token, ttl).Result()
	if err != nil {
		return fmt.Errorf("lock: acquire %q: %w", key, err)
	}
	if !ok {
		return lock.ErrLockHeld
	}

	m.mu.Lock()
	m.tokens[key] = token
	m.mu.Unlock()
	return nil
}

func (m *Manager) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	token, ok := m.tokens[key]
	delete(m.tokens, key)
	m.mu.Unlock()
	if !ok {
		return lock.ErrNotHeld
	}

	deleted, err := releaseScript.Run(ctx, m.client, []string{m.key(key)}, token).Int()
	if err != nil {
		return fmt.Errorf("lock: release %q: %w", key, err)
	}
	if deleted == 0 {
		m.logger.Warn("lock expired before release", "key", key)
		return lock.ErrNotHeld
	}
	return nil
}
