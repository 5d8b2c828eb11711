package replication

import (
	"context"
	"sync"
)

// ConnPool bounds concurrent outbound sends per peer serviceKey
// (REPLICATION_MAX_CONNS_PER_PEER, default 1, spec.md §6). The concrete
// transport connection lives in the PeerClient implementation; this pool
// only enforces the concurrency bound the spec describes.
type ConnPool struct {
	maxPerPeer int

	mu   sync.Mutex
	sems map[string]chan struct{}
}

func NewConnPool(maxPerPeer int) *ConnPool {
	if maxPerPeer <= 0 {
		maxPerPeer = 1
	}
	return &ConnPool{maxPerPeer: maxPerPeer, sems: make(map[string]chan struct{})}
}

func (p *ConnPool) semFor(serviceKey string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	sem, ok := p.sems[serviceKey]
	if !ok {
		sem = make(chan struct{}, p.maxPerPeer)
		p.sems[serviceKey] = sem
	}
	return sem
}

// Acquire blocks until a slot for serviceKey is free or ctx is cancelled,
// returning a release func to call on completion.
func (p *ConnPool) Acquire(ctx context.Context, serviceKey string) (func(), error) {
	sem := p.semFor(serviceKey)
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
