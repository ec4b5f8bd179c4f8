// Package kmutex provides a keyed mutex that serializes work per key.
//
// Both the sync reconciler and the gateway pool use it: every
// read-modify-write against a workspace's canonical data runs under the
// workspace key, and pool connection setup runs under the tenant key.
package kmutex

import (
	"context"
	"sync"
)

// KeyedMutex serializes functions per key in FIFO order. Keys are created on
// demand and removed once the last holder releases, so an idle mutex holds no
// state.
type KeyedMutex struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

// New creates an empty keyed mutex.
func New() *KeyedMutex {
	return &KeyedMutex{tails: make(map[string]chan struct{})}
}

// WithLock runs fn while holding the lock for key. Callers for the same key
// are granted the lock strictly in arrival order. The lock is released on
// every exit path, including a panic inside fn. A canceled context abandons
// the wait and returns ctx.Err() without disturbing later waiters.
func (m *KeyedMutex) WithLock(ctx context.Context, key string, fn func() error) error {
	m.mu.Lock()
	prev := m.tails[key]
	gate := make(chan struct{})
	m.tails[key] = gate
	m.mu.Unlock()

	release := func() {
		close(gate)
		m.mu.Lock()
		if m.tails[key] == gate {
			delete(m.tails, key)
		}
		m.mu.Unlock()
	}

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// Our gate is already queued behind prev; hand it off once the
			// current holder releases so waiters behind us still make progress.
			go func() {
				<-prev
				release()
			}()
			return ctx.Err()
		}
	}

	defer release()
	return fn()
}

// Len reports the number of keys with an active holder or waiters.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tails)
}
