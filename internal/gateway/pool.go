package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openbrain/openbrain/internal/kmutex"
)

const (
	defaultConnectWait   = 8 * time.Second
	defaultSweepInterval = 60 * time.Second
	defaultIdleTimeout   = 5 * time.Minute
)

// PoolOptions configures the Pool.
type PoolOptions struct {
	ConnectWait   time.Duration // bound on handshake wait in GetOrConnect
	SweepInterval time.Duration // idle-eviction sweep period
	IdleTimeout   time.Duration // inactivity threshold before eviction
}

func (o *PoolOptions) applyDefaults() {
	if o.ConnectWait == 0 {
		o.ConnectWait = defaultConnectWait
	}
	if o.SweepInterval == 0 {
		o.SweepInterval = defaultSweepInterval
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
}

type poolEntry struct {
	client       *Client
	lastActivity time.Time
}

// Pool holds at most one live gateway client per workspace, connecting lazily
// and evicting idle tenants so inactive workspaces don't pin upstream sockets.
// It is an explicit service object: construct, Start, Destroy.
type Pool struct {
	opts   PoolOptions
	logger *slog.Logger

	// creating serializes connection setup per key so two concurrent
	// GetOrConnect calls for a brand-new key cannot race into duplicate
	// sockets.
	creating *kmutex.KeyedMutex

	mu      sync.Mutex
	conns   map[string]*poolEntry
	stopped bool

	sweepDone chan struct{}
}

// NewPool creates a pool. Call Start to begin idle eviction.
func NewPool(opts PoolOptions, logger *slog.Logger) *Pool {
	opts.applyDefaults()
	return &Pool{
		opts:     opts,
		logger:   logger.With("component", "gateway-pool"),
		creating: kmutex.New(),
		conns:    make(map[string]*poolEntry),
	}
}

// Start launches the periodic idle sweep. It returns immediately.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.sweepDone != nil || p.stopped {
		p.mu.Unlock()
		return
	}
	done := make(chan struct{})
	p.sweepDone = done
	p.mu.Unlock()

	go func() {
		ticker := time.NewTicker(p.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.sweep()
			case <-done:
				return
			}
		}
	}()
}

// GetOrConnect returns the live client for key, creating and connecting one if
// needed. The existing client is returned without re-handshaking as long as it
// is still connected; a stale entry is disposed first. The handshake wait is
// bounded: on timeout the fresh client is disconnected and an error returned.
func (p *Pool) GetOrConnect(ctx context.Context, key string, cfg Config) (*Client, error) {
	var out *Client
	err := p.creating.WithLock(ctx, key, func() error {
		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			return fmt.Errorf("gateway pool destroyed")
		}
		entry, ok := p.conns[key]
		p.mu.Unlock()

		if ok && entry.client.IsConnected() {
			p.touch(key)
			out = entry.client
			return nil
		}
		if ok {
			p.logger.Info("disposing stale gateway connection", "workspace", key, "state", entry.client.State())
			entry.client.Disconnect()
			p.mu.Lock()
			delete(p.conns, key)
			p.mu.Unlock()
		}

		client := NewClient(cfg, p.logger)
		if err := client.Connect(); err != nil {
			return fmt.Errorf("connect workspace %s: %w", key, err)
		}
		if err := client.WaitForConnection(p.opts.ConnectWait); err != nil {
			client.Disconnect()
			return fmt.Errorf("connect workspace %s: %w", key, err)
		}

		p.mu.Lock()
		p.conns[key] = &poolEntry{client: client, lastActivity: time.Now()}
		p.mu.Unlock()
		out = client
		return nil
	})
	return out, err
}

// Get returns the client for key without connecting, or nil.
func (p *Pool) Get(key string) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.conns[key]; ok {
		return entry.client
	}
	return nil
}

func (p *Pool) touch(key string) {
	p.mu.Lock()
	if entry, ok := p.conns[key]; ok {
		entry.lastActivity = time.Now()
	}
	p.mu.Unlock()
}

// Disconnect forces eviction of one tenant, e.g. after credential rotation.
func (p *Pool) Disconnect(key string) {
	p.mu.Lock()
	entry, ok := p.conns[key]
	if ok {
		delete(p.conns, key)
	}
	p.mu.Unlock()
	if ok {
		entry.client.Disconnect()
	}
}

// sweep disconnects and removes every tenant idle past the threshold.
func (p *Pool) sweep() {
	cutoff := time.Now().Add(-p.opts.IdleTimeout)

	p.mu.Lock()
	var evict []*poolEntry
	for key, entry := range p.conns {
		if entry.lastActivity.Before(cutoff) {
			p.logger.Info("evicting idle gateway connection", "workspace", key)
			evict = append(evict, entry)
			delete(p.conns, key)
		}
	}
	p.mu.Unlock()

	for _, entry := range evict {
		entry.client.Disconnect()
	}
}

// Sweep runs one eviction pass immediately. Exposed for tests and admin use.
func (p *Pool) Sweep() { p.sweep() }

// Destroy stops the sweep and disconnects every tenant. The pool cannot be
// reused afterwards.
func (p *Pool) Destroy() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	if p.sweepDone != nil {
		close(p.sweepDone)
		p.sweepDone = nil
	}
	conns := p.conns
	p.conns = make(map[string]*poolEntry)
	p.mu.Unlock()

	for _, entry := range conns {
		entry.client.Disconnect()
	}
}

// Size reports the number of live entries, for health reporting.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}
