// Package replay enforces single-use signature nonces. A signed enrollment
// request is only accepted once within the freshness window; a second request
// carrying the same (instance, nonce) pair is a replay regardless of how
// fresh its timestamp looks.
package replay

import (
	"context"
	"sync"
	"time"

	"fedhub/pkg/platform/sentinel"
)

// Cache records signature nonces for the duration of the freshness window.
type Cache interface {
	// Consume marks the nonce used for the given instance code. Returns
	// sentinel.ErrReplayed if the nonce was already consumed.
	Consume(ctx context.Context, instanceCode, nonce string, ttl time.Duration) error
}

// Memory is a mutex-guarded nonce cache for tests and single-node deployments.
type Memory struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	clock func() time.Time
}

// NewMemory constructs an in-memory nonce cache.
func NewMemory() *Memory {
	return &Memory{seen: make(map[string]time.Time), clock: time.Now}
}

func (m *Memory) Consume(_ context.Context, instanceCode, nonce string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	key := instanceCode + ":" + nonce
	if expiry, ok := m.seen[key]; ok && now.Before(expiry) {
		return sentinel.ErrReplayed
	}
	m.seen[key] = now.Add(ttl)

	// Opportunistic sweep keeps the map bounded without a background timer.
	for k, expiry := range m.seen {
		if now.After(expiry) {
			delete(m.seen, k)
		}
	}
	return nil
}
