package conn

import (
	"context"
	"net"
	"sync"

	"github.com/datawire/dlib/dlog"
)

// Pool is the endpoint-keyed peer registry.
type Pool struct {
	mu    sync.Mutex
	peers map[string]*Peer
}

func NewPool() *Pool {
	return &Pool{peers: make(map[string]*Peer)}
}

// Get returns the peer for the endpoint, or nil.
func (p *Pool) Get(endpoint *net.UDPAddr) *Peer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peers[endpoint.String()]
}

// GetOrCreate returns the peer for the endpoint, creating it with create on
// first sight.
func (p *Pool) GetOrCreate(ctx context.Context, endpoint *net.UDPAddr, create func() *Peer) *Peer {
	key := endpoint.String()
	p.mu.Lock()
	defer p.mu.Unlock()
	peer, ok := p.peers[key]
	if !ok {
		peer = create()
		p.peers[key] = peer
		dlog.Debugf(ctx, "++ PER %s (count now is %d)", peer, len(p.peers))
	}
	return peer
}

// Remove drops the peer for the endpoint, if present.
func (p *Pool) Remove(ctx context.Context, endpoint *net.UDPAddr) {
	key := endpoint.String()
	p.mu.Lock()
	defer p.mu.Unlock()
	if peer, ok := p.peers[key]; ok {
		delete(p.peers, key)
		dlog.Debugf(ctx, "-- PER %s (count now is %d)", peer, len(p.peers))
	}
}

// ByClientID returns the authenticated peer with the given assigned id, or
// nil.
func (p *Pool) ByClientID(id uint64) *Peer {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, peer := range p.peers {
		if peer.State() == AuthenticatedConnected && peer.ClientID() == id {
			return peer
		}
	}
	return nil
}

// All returns a snapshot of the registered peers.
func (p *Pool) All() []*Peer {
	p.mu.Lock()
	defer p.mu.Unlock()
	all := make([]*Peer, 0, len(p.peers))
	for _, peer := range p.peers {
		all = append(all, peer)
	}
	return all
}

// Len returns the number of registered peers.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.peers)
}
