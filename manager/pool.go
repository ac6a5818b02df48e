package manager

import (
	"fmt"
	"sync"
	"time"

	"gridops/exchange"
)

func poolKey(exchangeName, userID string) string {
	return fmt.Sprintf("%s:%s", exchangeName, userID)
}

type pooledClient struct {
	adapter  exchange.Adapter
	lastUsed time.Time
}

// clientPool caches one authenticated adapter per (exchange, user) and
// evicts the ones nobody has touched for a while.
type clientPool struct {
	factory AdapterFactory

	mu      sync.Mutex
	clients map[string]*pooledClient
}

func newClientPool(factory AdapterFactory) *clientPool {
	return &clientPool{
		factory: factory,
		clients: make(map[string]*pooledClient),
	}
}

// acquire returns the cached adapter for the key, building one on first
// use, and refreshes its last-used stamp.
func (p *clientPool) acquire(exchangeName, userID string) (exchange.Adapter, error) {
	key := poolKey(exchangeName, userID)

	p.mu.Lock()
	if c, ok := p.clients[key]; ok {
		c.lastUsed = time.Now()
		p.mu.Unlock()
		return c.adapter, nil
	}
	p.mu.Unlock()

	adapter, err := p.factory(exchangeName, userID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[key]; ok {
		// Another caller built it first
		c.lastUsed = time.Now()
		return c.adapter, nil
	}
	p.clients[key] = &pooledClient{adapter: adapter, lastUsed: time.Now()}
	return adapter, nil
}

// evictIdle drops clients untouched for longer than ttl, skipping keys in
// keep. Returns how many were evicted.
func (p *clientPool) evictIdle(ttl time.Duration, keep map[string]bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	evicted := 0
	cutoff := time.Now().Add(-ttl)
	for key, c := range p.clients {
		if keep[key] || c.lastUsed.After(cutoff) {
			continue
		}
		delete(p.clients, key)
		evicted++
	}
	return evicted
}

// size returns the number of cached clients.
func (p *clientPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}
