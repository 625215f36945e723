// Package guard provides short-lived exclusive keys used to coalesce concurrent
// operations, such as two abort requests for the same user.
package guard

import (
	"context"
	"sync"
	"time"
)

// Guard hands out exclusive keys that expire on their own.
type Guard interface {
	// Acquire reports whether the caller now holds key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// MemoryGuard is a process-local Guard. Keys are lost on restart.
type MemoryGuard struct {
	mu   sync.Mutex
	keys map[string]time.Time
	now  func() time.Time
}

// NewMemoryGuard constructs a MemoryGuard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{keys: make(map[string]time.Time), now: time.Now}
}

// Acquire implements Guard.
func (g *MemoryGuard) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if expires, held := g.keys[key]; held && now.Before(expires) {
		return false, nil
	}
	g.keys[key] = now.Add(ttl)
	return true, nil
}

// Release implements Guard.
func (g *MemoryGuard) Release(ctx context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.keys, key)
	return nil
}
