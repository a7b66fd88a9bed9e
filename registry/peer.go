package registry

import (
	"net"
	"sync"
)

// Peer represents one accepted client connection with its own worker
// goroutine.
type Peer struct {
	ID   string // correlation id, see google/uuid use in daemon.dispatch
	Conn net.Conn
}

// PeerRegistry is the process-wide collection of accepted connections,
// guarded by its own mutex (peer_lock) with short critical sections:
// insert on accept, remove when the worker returns.
type PeerRegistry struct {
	mu   sync.Mutex
	byID map[string]*Peer
}

// NewPeerRegistry returns an empty registry.
func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{byID: make(map[string]*Peer)}
}

// Insert links p into the registry.
func (r *PeerRegistry) Insert(p *Peer) {
	r.mu.Lock()
	r.byID[p.ID] = p
	r.mu.Unlock()
}

// Remove unlinks the peer with the given id.
func (r *PeerRegistry) Remove(id string) {
	r.mu.Lock()
	delete(r.byID, id)
	r.mu.Unlock()
}

// Len returns the number of connected peers.
func (r *PeerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
