// Package memory implements idempotency.Guard in process memory, for tests
// and single-process deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/nvats/unibox/idempotency"
)

type state int

const (
	stateInProgress state = iota + 1
	stateDone
)

type marker struct {
	state     state
	expiresAt time.Time
}

// Guard implements idempotency.Guard with a mutex-guarded map.
type Guard struct {
	mu      sync.Mutex
	markers map[string]marker
	now     func() time.Time
}

// New returns an empty in-memory Guard.
func New() *Guard {
	return &Guard{
		markers: map[string]marker{},
		now:     time.Now,
	}
}

func (g *Guard) get(key string) (marker, bool) {
	m, ok := g.markers[key]
	if !ok {
		return marker{}, false
	}
	if g.now().After(m.expiresAt) {
		delete(g.markers, key)
		return marker{}, false
	}
	return m, true
}

func (g *Guard) Done(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.get(key)
	return ok && m.state == stateDone, nil
}

func (g *Guard) InProgress(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.get(key)
	return ok && m.state == stateInProgress, nil
}

func (g *Guard) MarkInProgress(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = idempotency.DefaultInProgressTTL
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.get(key); ok {
		return false, nil
	}
	g.markers[key] = marker{state: stateInProgress, expiresAt: g.now().Add(ttl)}
	return true, nil
}

func (g *Guard) MarkDone(_ context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = idempotency.DefaultDoneTTL
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.markers[key] = marker{state: stateDone, expiresAt: g.now().Add(ttl)}
	return nil
}

func (g *Guard) Clear(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.markers, key)
	return nil
}
