// Package redis implements idempotency.Guard on Redis, sharing markers
// between all workers pointed at the same server.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nvats/unibox/idempotency"
)

const (
	stateInProgress = "in_progress"
	stateDone       = "done"
)

// Guard implements idempotency.Guard with one string key per marker.
type Guard struct {
	client goredis.UniversalClient
	prefix string
}

// Option configures a Guard.
type Option func(*Guard)

// WithPrefix namespaces marker keys.
func WithPrefix(prefix string) Option {
	return func(g *Guard) { g.prefix = prefix }
}

// New returns a Guard backed by the given Redis client.
func New(client goredis.UniversalClient, opts ...Option) *Guard {
	g := &Guard{
		client: client,
		prefix: "unibox:idem:",
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) key(k string) string {
	return g.prefix + k
}

func (g *Guard) state(ctx context.Context, key string) (string, error) {
	v, err := g.client.Get(ctx, g.key(key)).Result()
	if err == goredis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("idempotency: get %q: %w", key, err)
	}
	return v, nil
}

func (g *Guard) Done(ctx context.Context, key string) (bool, error) {
	v, err := g.state(ctx, key)
	return v == stateDone, err
}

func (g *Guard) InProgress(ctx context.Context, key string) (bool, error) {
	v, err := g.state(ctx, key)
	return v == stateInProgress, err
}

// MarkInProgress claims the key with SET NX. A false return means another
// worker already holds it (or finished it) within the marker's lifetime.
func (g *Guard) MarkInProgress(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = idempotency.DefaultInProgressTTL
	}
	ok, err := g.client.SetNX(ctx, g.key(key), stateInProgress, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency: mark in progress %q: %w", key, err)
	}
	return ok, nil
}

func (g *Guard) MarkDone(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = idempotency.DefaultDoneTTL
	}
	if err := g.client.Set(ctx, g.key(key), stateDone, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: mark done %q: %w", key, err)
	}
	return nil
}

func (g *Guard) Clear(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, g.key(key)).Err(); err != nil {
		return fmt.Errorf("idempotency: clear %q: %w", key, err)
	}
	return nil
}
